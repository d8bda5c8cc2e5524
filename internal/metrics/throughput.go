package metrics

import (
	"context"
	"sync"
	"time"

	"tickflow/logger"
)

// Meter counts messages for one pipeline stage. The receive loop marks it
// and the reporter rolls it; both hold the lock only for field copies.
type Meter struct {
	mu          sync.Mutex
	name        string
	start       time.Time
	total       int64
	windowCount int64
	windowStart time.Time
	lastRate    float64
	lastMessage time.Time
}

// Snapshot is a consistent copy of a Meter.
type Snapshot struct {
	Name        string
	Total       int64
	PerSecond   float64
	Elapsed     time.Duration
	Average     float64
	LastMessage time.Time
}

func NewMeter(name string, now time.Time) *Meter {
	return &Meter{name: name, start: now, windowStart: now}
}

func (m *Meter) Name() string { return m.name }

// Mark records n messages observed at the given time.
func (m *Meter) Mark(n int, at time.Time) {
	m.mu.Lock()
	m.total += int64(n)
	m.windowCount += int64(n)
	if at.After(m.lastMessage) {
		m.lastMessage = at
	}
	m.mu.Unlock()
}

// Roll closes the current report window once at least a second has passed
// and returns the resulting snapshot.
func (m *Meter) Roll(now time.Time) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elapsed := now.Sub(m.windowStart); elapsed >= time.Second {
		m.lastRate = float64(m.windowCount) / elapsed.Seconds()
		m.windowCount = 0
		m.windowStart = now
	}
	return m.snapshotLocked(now)
}

func (m *Meter) Snapshot(now time.Time) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(now)
}

func (m *Meter) snapshotLocked(now time.Time) Snapshot {
	elapsed := now.Sub(m.start)
	avg := 0.0
	if elapsed > 0 {
		avg = float64(m.total) / elapsed.Seconds()
	}
	return Snapshot{
		Name:        m.name,
		Total:       m.total,
		PerSecond:   m.lastRate,
		Elapsed:     elapsed,
		Average:     avg,
		LastMessage: m.lastMessage,
	}
}

// Staleness is the time since the last message, or since start when none
// arrived yet.
func (s Snapshot) Staleness(now time.Time) time.Duration {
	if s.LastMessage.IsZero() {
		return s.Elapsed
	}
	return now.Sub(s.LastMessage)
}

// RunReporter rolls every meter on each tick and logs per-second throughput
// until ctx is done.
func RunReporter(ctx context.Context, log *logger.Log, interval time.Duration, meters ...*Meter) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, m := range meters {
				s := m.Roll(now)
				log.WithComponent("throughput").WithFields(logger.Fields{
					"stage":      s.Name,
					"total":      s.Total,
					"per_second": s.PerSecond,
				}).Debug("throughput")
				EmitMetric(log, "throughput", s.Name+"_per_second", s.PerSecond, "gauge", logger.Fields{"unit": "count/second"})
			}
		}
	}
}

// LogSummary writes the shutdown summary for each meter.
func LogSummary(log *logger.Log, now time.Time, meters ...*Meter) {
	for _, m := range meters {
		s := m.Snapshot(now)
		log.WithComponent("summary").WithFields(logger.Fields{
			"stage":           s.Name,
			"total":           s.Total,
			"elapsed_seconds": s.Elapsed.Seconds(),
			"avg_per_second":  s.Average,
		}).Info("final summary")
	}
}
