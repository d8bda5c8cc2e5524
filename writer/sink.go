package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

// CandleSink receives closed candles. Rewriting a candle with the same
// symbol and window start replaces the earlier copy where the store allows.
type CandleSink interface {
	Name() string
	Write(ctx context.Context, c models.Candle) error
	Close() error
}

// Sender publishes one keyed message. *Publisher satisfies it.
type Sender interface {
	Send(ctx context.Context, topic, key string, value []byte) error
}

// MultiSink fans a candle out to every sink. A failing sink is logged and
// counted; the others still receive the candle.
type MultiSink struct {
	sinks  []CandleSink
	log    *logger.Log
	failed atomic.Int64
}

func NewMultiSink(sinks ...CandleSink) *MultiSink {
	kept := make([]CandleSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiSink{sinks: kept, log: logger.GetLogger()}
}

func (m *MultiSink) Name() string { return "multi" }

func (m *MultiSink) Len() int { return len(m.sinks) }

func (m *MultiSink) Write(ctx context.Context, c models.Candle) error {
	metrics.IncCandle(c.Symbol)
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, c); err != nil {
			m.failed.Add(1)
			metrics.EmitDropMetric(m.log, metrics.DropSinkError, c.Symbol, logger.StageAggregate, 1)
			m.log.WithComponent("sink").WithError(err).WithFields(logger.Fields{
				"sink":         s.Name(),
				"symbol":       c.Symbol,
				"window_start": c.WindowStart.UnixMilli(),
			}).Warn("candle sink write failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		logger.IncrementCandles(s.Name())
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Failures is the number of failed sink writes so far.
func (m *MultiSink) Failures() int64 { return m.failed.Load() }

// LogSink prints closed candles, the console output of the aggregator.
type LogSink struct {
	log *logger.Log
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.GetLogger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, c models.Candle) error {
	s.log.WithComponent("candle_sink").WithFields(logger.Fields{
		"symbol":       c.Symbol,
		"window_start": c.WindowStart.UTC().Format("2006-01-02T15:04:05Z"),
		"window_end":   c.WindowEnd.UTC().Format("2006-01-02T15:04:05Z"),
		"open":         c.Open.String(),
		"high":         c.High.String(),
		"low":          c.Low.String(),
		"close":        c.Close.String(),
		"volume":       c.Volume.String(),
		"trades":       c.Trades,
		"buy_volume":   c.BuyVolume.String(),
		"sell_volume":  c.SellVolume.String(),
	}).Info("candle closed")
	return nil
}

func (s *LogSink) Close() error { return nil }

// KafkaCandleSink publishes candle JSON keyed by symbol through the shared
// publisher.
type KafkaCandleSink struct {
	sender Sender
	topic  string
}

func NewKafkaCandleSink(sender Sender, topic string) (*KafkaCandleSink, error) {
	if sender == nil {
		return nil, fmt.Errorf("kafka candle sink needs a sender")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka candle sink topic not configured")
	}
	return &KafkaCandleSink{sender: sender, topic: topic}, nil
}

func (s *KafkaCandleSink) Name() string { return "kafka" }

func (s *KafkaCandleSink) Write(ctx context.Context, c models.Candle) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.sender.Send(ctx, s.topic, c.Symbol, data)
}

// Close is a no-op; the publisher is stopped by its owner.
func (s *KafkaCandleSink) Close() error { return nil }
