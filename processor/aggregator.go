package processor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	appconfig "tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

// Outcome is what happened to one tick.
type Outcome int

const (
	Accepted Outcome = iota
	Late
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Late:
		return "late"
	case Duplicate:
		return "duplicate"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type AggregatorStats struct {
	Ticks       int64
	Late        int64
	Duplicates  int64
	Candles     int64
	OpenWindows int
}

// Aggregator turns ticks into closed OHLCV candles using per-symbol
// event-time watermarks. Closed windows never reopen.
type Aggregator struct {
	interval time.Duration
	lateness time.Duration
	log      *logger.Log

	mu       sync.Mutex
	windows  map[string]map[int64]*window
	maxEvent map[string]time.Time
	stats    AggregatorStats
	drained  bool
}

func NewAggregator(cfg appconfig.AggregatorConfig) (*Aggregator, error) {
	if cfg.Interval < time.Millisecond {
		return nil, fmt.Errorf("aggregator interval %s must be at least 1ms", cfg.Interval)
	}
	// Window starts are floored on the millisecond grid.
	if cfg.Interval%time.Millisecond != 0 {
		return nil, fmt.Errorf("aggregator interval %s must be a whole number of milliseconds", cfg.Interval)
	}
	if cfg.AllowedLateness < 0 {
		return nil, fmt.Errorf("aggregator allowed lateness %s must not be negative", cfg.AllowedLateness)
	}
	return &Aggregator{
		interval: cfg.Interval,
		lateness: cfg.AllowedLateness,
		log:      logger.GetLogger(),
		windows:  make(map[string]map[int64]*window),
		maxEvent: make(map[string]time.Time),
	}, nil
}

// Add folds one tick in and returns the candles its watermark advance
// closed, oldest first.
func (a *Aggregator) Add(t models.Tick) ([]models.Candle, Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Ticks++

	if wm, ok := a.watermarkLocked(t.Symbol); a.drained || (ok && t.EventTime.Before(wm)) {
		a.stats.Late++
		metrics.EmitDropMetric(a.log, metrics.DropLateTick, t.Symbol, logger.StageAggregate, 1)
		return nil, Late
	}

	start := windowStart(t.EventTime, a.interval)
	open := a.windows[t.Symbol]
	if open == nil {
		open = make(map[int64]*window)
		a.windows[t.Symbol] = open
	}
	w := open[start.UnixMilli()]
	if w == nil {
		w = newWindow(t.Symbol, start, a.interval)
		open[start.UnixMilli()] = w
	}
	if !w.add(t) {
		a.stats.Duplicates++
		metrics.EmitDropMetric(a.log, metrics.DropDuplicateTick, t.Symbol, logger.StageAggregate, 1)
		return nil, Duplicate
	}

	prev, seen := a.maxEvent[t.Symbol]
	if seen && !t.EventTime.After(prev) {
		return nil, Accepted
	}
	a.maxEvent[t.Symbol] = t.EventTime
	wm, _ := a.watermarkLocked(t.Symbol)
	return a.closeLocked(t.Symbol, wm), Accepted
}

func (a *Aggregator) watermarkLocked(symbol string) (time.Time, bool) {
	latest, ok := a.maxEvent[symbol]
	if !ok {
		return time.Time{}, false
	}
	return latest.Add(-a.lateness), true
}

// closeLocked emits every open window of symbol whose end is at or before
// the watermark.
func (a *Aggregator) closeLocked(symbol string, watermark time.Time) []models.Candle {
	open := a.windows[symbol]
	var due []*window
	for _, w := range open {
		if !w.end.After(watermark) {
			due = append(due, w)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].start.Before(due[j].start) })

	out := make([]models.Candle, 0, len(due))
	for _, w := range due {
		delete(open, w.start.UnixMilli())
		out = append(out, w.candle())
	}
	if len(open) == 0 {
		delete(a.windows, symbol)
	}
	a.stats.Candles += int64(len(out))
	return out
}

// Drain closes every open window regardless of watermark, ordered by start
// then symbol. Used for flush_on_shutdown; every later tick counts as late.
func (a *Aggregator) Drain() []models.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var all []*window
	for _, open := range a.windows {
		for _, w := range open {
			all = append(all, w)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].start.Equal(all[j].start) {
			return all[i].start.Before(all[j].start)
		}
		return all[i].symbol < all[j].symbol
	})

	out := make([]models.Candle, len(all))
	for i, w := range all {
		out[i] = w.candle()
	}
	a.windows = make(map[string]map[int64]*window)
	a.drained = true
	a.stats.Candles += int64(len(out))
	return out
}

// Watermark reports the current watermark of symbol, if it has one.
func (a *Aggregator) Watermark(symbol string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermarkLocked(symbol)
}

func (a *Aggregator) Stats() AggregatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	for _, open := range a.windows {
		s.OpenWindows += len(open)
	}
	return s
}
