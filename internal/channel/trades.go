package channel

import (
	"context"
	"sync"

	"tickflow/logger"
	"tickflow/models"
)

type TradeStats struct {
	Sent      int64
	Cancelled int64
}

// Trades carries ticks from the router to the in-process aggregator.
// SendTick blocks while the buffer is full so the aggregator applies the
// same backpressure the publisher does.
type Trades struct {
	C chan models.Tick

	closeOnce  sync.Once
	stats      TradeStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewTrades(bufferSize int) *Trades {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	t := &Trades{
		C:   make(chan models.Tick, bufferSize),
		log: log,
	}

	log.WithComponent("trade_channel").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("trade channel initialized")

	return t
}

// SendTick returns false only when ctx is done before the tick was queued.
func (t *Trades) SendTick(ctx context.Context, tick models.Tick) bool {
	select {
	case t.C <- tick:
		t.statsMutex.Lock()
		t.stats.Sent++
		t.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		t.statsMutex.Lock()
		t.stats.Cancelled++
		t.statsMutex.Unlock()
		return false
	}
}

// Close must only be called once every sender has returned.
func (t *Trades) Close() {
	t.closeOnce.Do(func() {
		close(t.C)
		t.log.WithComponent("trade_channel").Info("trade channel closed")
	})
}

func (t *Trades) GetStats() TradeStats {
	t.statsMutex.RLock()
	defer t.statsMutex.RUnlock()
	return t.stats
}
