package channel

import (
	"context"
	"testing"
	"time"

	"tickflow/models"
)

func TestSendTickBlocksUntilCancelled(t *testing.T) {
	tr := NewTrades(1)
	tick := models.Tick{Symbol: "BTCUSDT", TradeID: 1}

	if !tr.SendTick(context.Background(), tick) {
		t.Fatal("first send should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.SendTick(ctx, tick) {
		t.Fatal("send into a full buffer should wait and then report cancellation")
	}

	stats := tr.GetStats()
	if stats.Sent != 1 || stats.Cancelled != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	got := <-tr.C
	if got.TradeID != 1 {
		t.Fatalf("unexpected tick: %+v", got)
	}
	tr.Close()
	tr.Close()
	if _, ok := <-tr.C; ok {
		t.Fatal("channel should be closed")
	}
}
