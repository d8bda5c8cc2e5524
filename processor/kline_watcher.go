package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tickflow/logger"
	"tickflow/models"
)

const defaultKlineRetention = 10 * time.Minute

// KlineWatcher logs closed exchange klines and compares each with the
// derived candle for the same window. Either side may arrive first; the
// unmatched one waits until its partner shows up or it falls behind the
// newest window seen by more than the retention.
type KlineWatcher struct {
	log       *logger.Log
	retention time.Duration

	mu         sync.Mutex
	derived    map[string]models.Candle
	klines     map[string]models.Kline
	newest     time.Time
	closed     int64
	matched    int64
	mismatched int64
	expired    int64
}

type KlineStats struct {
	Closed     int64
	Matched    int64
	Mismatched int64
	Expired    int64
	Pending    int
}

type KlineOption func(*KlineWatcher)

// WithKlineRetention sets how far behind the newest window an unmatched
// kline or candle may fall before it is dropped.
func WithKlineRetention(d time.Duration) KlineOption {
	return func(w *KlineWatcher) {
		if d > 0 {
			w.retention = d
		}
	}
}

func NewKlineWatcher(opts ...KlineOption) *KlineWatcher {
	w := &KlineWatcher{
		log:       logger.GetLogger(),
		retention: defaultKlineRetention,
		derived:   make(map[string]models.Candle),
		klines:    make(map[string]models.Kline),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ObserveCandle compares c with its kline if that already closed,
// otherwise keeps it until the kline arrives.
func (w *KlineWatcher) ObserveCandle(c models.Candle) {
	key := c.Key()
	w.mu.Lock()
	k, ok := w.klines[key]
	if ok {
		delete(w.klines, key)
	} else {
		w.derived[key] = c
	}
	w.advanceLocked(c.WindowStart)
	w.mu.Unlock()

	if ok {
		w.report(k, c)
	}
}

// HandleKline processes one published kline envelope. Open klines are
// ignored and reported as not closed.
func (w *KlineWatcher) HandleKline(raw []byte) (models.Kline, bool, error) {
	pm, err := models.DecodePublished(raw)
	if err != nil {
		return models.Kline{}, false, err
	}
	k, err := models.ParseKline(pm.Data)
	if err != nil {
		return models.Kline{}, false, err
	}
	if !k.Closed {
		return k, false, nil
	}

	key := k.Candle().Key()
	w.mu.Lock()
	w.closed++
	derived, ok := w.derived[key]
	if ok {
		delete(w.derived, key)
	} else {
		w.klines[key] = k
	}
	w.advanceLocked(k.Start)
	w.mu.Unlock()

	if !ok {
		w.klineEntry(k).Info("closed kline")
		return k, true, nil
	}
	w.report(k, derived)
	return k, true, nil
}

func (w *KlineWatcher) klineEntry(k models.Kline) *logger.Entry {
	return w.log.WithComponent("kline_watcher").WithFields(logger.Fields{
		"symbol":       k.Symbol,
		"interval":     k.Interval,
		"window_start": k.Start.Format("2006-01-02T15:04:05Z"),
		"open":         k.Open.String(),
		"high":         k.High.String(),
		"low":          k.Low.String(),
		"close":        k.Close.String(),
		"volume":       k.Volume.String(),
		"trades":       k.Trades,
	})
}

func (w *KlineWatcher) report(k models.Kline, derived models.Candle) {
	diffs := compareCandles(k.Candle(), derived)
	w.mu.Lock()
	if len(diffs) == 0 {
		w.matched++
	} else {
		w.mismatched++
	}
	w.mu.Unlock()

	entry := w.klineEntry(k)
	if len(diffs) == 0 {
		entry.Info("closed kline matches derived candle")
	} else {
		entry.WithField("diffs", diffs).Warn("closed kline differs from derived candle")
	}
}

// advanceLocked moves the newest window start forward and drops unmatched
// entries that fell more than the retention behind it.
func (w *KlineWatcher) advanceLocked(start time.Time) {
	if !start.After(w.newest) {
		return
	}
	w.newest = start
	cutoff := start.Add(-w.retention)
	for key, c := range w.derived {
		if c.WindowStart.Before(cutoff) {
			delete(w.derived, key)
			w.expired++
		}
	}
	for key, k := range w.klines {
		if k.Start.Before(cutoff) {
			delete(w.klines, key)
			w.expired++
		}
	}
}

func compareCandles(ref, derived models.Candle) map[string]string {
	diffs := make(map[string]string)
	check := func(name string, a, b decimal.Decimal) {
		if !a.Equal(b) {
			diffs[name] = fmt.Sprintf("kline=%s derived=%s", a, b)
		}
	}
	check("open", ref.Open, derived.Open)
	check("high", ref.High, derived.High)
	check("low", ref.Low, derived.Low)
	check("close", ref.Close, derived.Close)
	check("volume", ref.Volume, derived.Volume)
	check("buy_volume", ref.BuyVolume, derived.BuyVolume)
	return diffs
}

// Run reads klines from reader until ctx ends.
func (w *KlineWatcher) Run(ctx context.Context, reader MessageReader) error {
	return consumeLoop(ctx, reader, w.log.WithComponent("kline_watcher"), func(value []byte) error {
		_, _, err := w.HandleKline(value)
		return err
	})
}

// RunCandles reads derived candles (the Kafka candle sink topic) until ctx
// ends.
func (w *KlineWatcher) RunCandles(ctx context.Context, reader MessageReader) error {
	return consumeLoop(ctx, reader, w.log.WithComponent("kline_watcher"), func(value []byte) error {
		var c models.Candle
		if err := json.Unmarshal(value, &c); err != nil {
			return err
		}
		w.ObserveCandle(c)
		return nil
	})
}

func consumeLoop(ctx context.Context, reader MessageReader, log *logger.Entry, handle func([]byte) error) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if err := handle(msg.Value); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"topic":  msg.Topic,
				"offset": msg.Offset,
			}).Warn("skipping unreadable message")
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("commit failed")
		}
	}
}

func (w *KlineWatcher) Stats() KlineStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return KlineStats{
		Closed:     w.closed,
		Matched:    w.matched,
		Mismatched: w.mismatched,
		Expired:    w.expired,
		Pending:    len(w.derived) + len(w.klines),
	}
}
