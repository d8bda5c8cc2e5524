package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

// CandleWriter receives closed candles. writer.MultiSink satisfies it.
type CandleWriter interface {
	Write(ctx context.Context, c models.Candle) error
}

// Runner feeds ticks into an Aggregator and writes what it closes.
type Runner struct {
	agg             *Aggregator
	sink            CandleWriter
	flushOnShutdown bool
	meter           *metrics.Meter
	log             *logger.Log

	mu      sync.Mutex
	running bool
	drained bool
}

func NewRunner(agg *Aggregator, sink CandleWriter, flushOnShutdown bool, meter *metrics.Meter) (*Runner, error) {
	if agg == nil || sink == nil {
		return nil, fmt.Errorf("runner needs an aggregator and a candle sink")
	}
	if meter == nil {
		meter = metrics.NewMeter(logger.StageAggregate, time.Now())
	}
	return &Runner{
		agg:             agg,
		sink:            sink,
		flushOnShutdown: flushOnShutdown,
		meter:           meter,
		log:             logger.GetLogger(),
	}, nil
}

// Process handles one tick and emits any candles it closed. Sink errors
// are logged by the sink fan-out and never stop the runner.
func (r *Runner) Process(ctx context.Context, t models.Tick) Outcome {
	candles, outcome := r.agg.Add(t)
	r.meter.Mark(1, time.Now())
	if outcome == Late {
		r.log.WithComponent("aggregator").WithFields(logger.Fields{
			"symbol":     t.Symbol,
			"trade_id":   t.TradeID,
			"event_time": t.EventTime.UnixMilli(),
		}).Debug("late tick dropped")
	}
	r.emit(ctx, candles)
	return outcome
}

func (r *Runner) emit(ctx context.Context, candles []models.Candle) {
	for _, c := range candles {
		if err := r.sink.Write(ctx, c); err != nil {
			r.log.WithComponent("aggregator").WithError(err).WithFields(logger.Fields{
				"symbol":       c.Symbol,
				"window_start": c.WindowStart.UnixMilli(),
			}).Debug("candle emitted with sink failures")
		}
	}
}

// Run consumes ticks until the channel closes or ctx ends, then drains
// open windows when flush_on_shutdown is set.
func (r *Runner) Run(ctx context.Context, ticks <-chan models.Tick) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("aggregator already running")
	}
	r.running = true
	r.mu.Unlock()

	log := r.log.WithComponent("aggregator")
	log.Info("aggregator started")
	defer r.Shutdown(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-ticks:
			if !ok {
				log.Info("tick channel closed")
				return nil
			}
			r.Process(ctx, t)
		}
	}
}

// Shutdown drains the aggregator once. It is safe to call more than once.
func (r *Runner) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.drained {
		r.mu.Unlock()
		return
	}
	r.drained = true
	r.mu.Unlock()

	log := r.log.WithComponent("aggregator")
	if r.flushOnShutdown {
		candles := r.agg.Drain()
		log.WithField("candles", len(candles)).Info("flushing open windows")
		r.emit(context.WithoutCancel(ctx), candles)
	}

	stats := r.agg.Stats()
	log.WithFields(logger.Fields{
		"ticks":        stats.Ticks,
		"late":         stats.Late,
		"duplicates":   stats.Duplicates,
		"candles":      stats.Candles,
		"open_windows": stats.OpenWindows,
	}).Info("aggregator stopped")
}

func (r *Runner) Meter() *metrics.Meter { return r.meter }

func (r *Runner) Aggregator() *Aggregator { return r.agg }
