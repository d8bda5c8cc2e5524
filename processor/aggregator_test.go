package processor

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "tickflow/config"
	"tickflow/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mkTick(symbol string, offset time.Duration, price, qty string, id int64, buyerMaker bool) models.Tick {
	return models.Tick{
		Symbol:       symbol,
		Price:        decimal.RequireFromString(price),
		Quantity:     decimal.RequireFromString(qty),
		EventTime:    t0.Add(offset),
		TradeID:      id,
		IsBuyerMaker: buyerMaker,
	}
}

func newTestAggregator(t *testing.T, interval, lateness time.Duration) *Aggregator {
	t.Helper()
	agg, err := NewAggregator(appconfig.AggregatorConfig{Interval: interval, AllowedLateness: lateness})
	require.NoError(t, err)
	return agg
}

func feed(agg *Aggregator, ticks ...models.Tick) []models.Candle {
	var out []models.Candle
	for _, tk := range ticks {
		c, _ := agg.Add(tk)
		out = append(out, c...)
	}
	return out
}

func candleJSON(t *testing.T, c models.Candle) string {
	t.Helper()
	data, err := json.Marshal(c)
	require.NoError(t, err)
	return string(data)
}

func assertCandleInvariants(t *testing.T, c models.Candle) {
	t.Helper()
	assert.True(t, c.Volume.Equal(c.BuyVolume.Add(c.SellVolume)), "volume %s != buy %s + sell %s", c.Volume, c.BuyVolume, c.SellVolume)
	assert.True(t, c.Low.LessThanOrEqual(decimal.Min(c.Open, c.Close)), "low above open/close")
	assert.True(t, c.High.GreaterThanOrEqual(decimal.Max(c.Open, c.Close)), "high below open/close")
	assert.GreaterOrEqual(t, c.Trades, int64(1))
	assert.Equal(t, c.WindowStart.Add(time.Minute), c.WindowEnd)
}

func TestThreeTicksMakeOneCandle(t *testing.T) {
	agg := newTestAggregator(t, time.Minute, time.Minute)

	emitted := feed(agg,
		mkTick("BTCUSDT", 0, "100", "1", 1, false),
		mkTick("BTCUSDT", 10*time.Second, "105", "0.5", 2, true),
		mkTick("BTCUSDT", 40*time.Second, "98", "2", 3, false),
	)
	assert.Empty(t, emitted, "window must stay open until the watermark passes its end")

	emitted = feed(agg, mkTick("BTCUSDT", 2*time.Minute, "99", "1", 4, false))
	require.Len(t, emitted, 1)
	c := emitted[0]

	assert.Equal(t, "BTCUSDT", c.Symbol)
	assert.True(t, c.WindowStart.Equal(t0))
	assert.True(t, c.WindowEnd.Equal(t0.Add(time.Minute)))
	assert.Equal(t, "100", c.Open.String())
	assert.Equal(t, "105", c.High.String())
	assert.Equal(t, "98", c.Low.String())
	assert.Equal(t, "98", c.Close.String())
	assert.Equal(t, "3.5", c.Volume.String())
	assert.Equal(t, "3", c.BuyVolume.String())
	assert.Equal(t, "0.5", c.SellVolume.String())
	assert.Equal(t, int64(3), c.Trades)
	assertCandleInvariants(t, c)
}

func TestLateTickAfterWindowClosedIsDropped(t *testing.T) {
	agg := newTestAggregator(t, time.Minute, 0)

	emitted := feed(agg,
		mkTick("BTCUSDT", 5*time.Second, "100", "1", 1, false),
		mkTick("BTCUSDT", 70*time.Second, "101", "1", 2, false),
	)
	require.Len(t, emitted, 1)
	assert.True(t, emitted[0].WindowStart.Equal(t0))

	candles, outcome := agg.Add(mkTick("BTCUSDT", 30*time.Second, "500", "9", 3, false))
	assert.Equal(t, Late, outcome)
	assert.Empty(t, candles)

	rest := agg.Drain()
	require.Len(t, rest, 1)
	assert.True(t, rest[0].WindowStart.Equal(t0.Add(time.Minute)), "no second candle for the closed window")

	stats := agg.Stats()
	assert.Equal(t, int64(1), stats.Late)
	assert.Equal(t, int64(2), stats.Candles)
}

func TestOpenCloseIndependentOfArrivalOrder(t *testing.T) {
	ticks := []models.Tick{
		mkTick("ETHUSDT", 1*time.Second, "10", "1", 11, false),
		mkTick("ETHUSDT", 20*time.Second, "14", "1", 12, true),
		mkTick("ETHUSDT", 35*time.Second, "9", "1", 13, false),
		mkTick("ETHUSDT", 59*time.Second, "12", "1", 14, true),
	}

	var reference string
	for _, perm := range permutations(len(ticks)) {
		agg := newTestAggregator(t, time.Minute, time.Minute)
		for _, i := range perm {
			_, outcome := agg.Add(ticks[i])
			require.Equal(t, Accepted, outcome, "permutation %v", perm)
		}
		drained := agg.Drain()
		require.Len(t, drained, 1)
		c := drained[0]
		assert.Equal(t, "10", c.Open.String(), "permutation %v", perm)
		assert.Equal(t, "12", c.Close.String(), "permutation %v", perm)
		assert.Equal(t, "14", c.High.String())
		assert.Equal(t, "9", c.Low.String())
		if reference == "" {
			reference = candleJSON(t, c)
			continue
		}
		assert.JSONEq(t, reference, candleJSON(t, c))
	}
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for pos := 0; pos <= len(p); pos++ {
			q := make([]int, 0, n)
			q = append(q, p[:pos]...)
			q = append(q, n-1)
			q = append(q, p[pos:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestEqualEventTimesOrderByTradeID(t *testing.T) {
	agg := newTestAggregator(t, time.Minute, time.Minute)
	feed(agg,
		mkTick("BTCUSDT", 5*time.Second, "101", "1", 9, false),
		mkTick("BTCUSDT", 5*time.Second, "100", "1", 3, false),
		mkTick("BTCUSDT", 5*time.Second, "102", "1", 7, false),
	)
	c := agg.Drain()[0]
	assert.Equal(t, "100", c.Open.String())
	assert.Equal(t, "101", c.Close.String())
}

func TestReplayDoesNotChangeCandles(t *testing.T) {
	ticks := []models.Tick{
		mkTick("BTCUSDT", 1*time.Second, "100", "1", 1, false),
		mkTick("BTCUSDT", 30*time.Second, "102", "0.3", 2, true),
		mkTick("BTCUSDT", 65*time.Second, "103", "1", 3, false),
		mkTick("BTCUSDT", 50*time.Second, "99", "2", 4, true),
		mkTick("BTCUSDT", 130*time.Second, "104", "1", 5, false),
		mkTick("BTCUSDT", 200*time.Second, "105", "1", 6, false),
	}

	once := newTestAggregator(t, time.Minute, 30*time.Second)
	want := append(feed(once, ticks...), once.Drain()...)

	twice := newTestAggregator(t, time.Minute, 30*time.Second)
	var replayed []models.Tick
	for _, tk := range ticks {
		replayed = append(replayed, tk, tk)
	}
	replayed = append(replayed, ticks...)
	got := append(feed(twice, replayed...), twice.Drain()...)

	require.Len(t, got, len(want))
	for i := range want {
		assert.JSONEq(t, candleJSON(t, want[i]), candleJSON(t, got[i]))
	}
	assert.Positive(t, twice.Stats().Duplicates)
}

func TestIdleSymbolEmitsNoEmptyCandles(t *testing.T) {
	agg := newTestAggregator(t, time.Minute, 0)

	emitted := feed(agg,
		mkTick("SOLUSDT", 1*time.Second, "20", "1", 1, false),
		mkTick("SOLUSDT", 5*time.Minute+time.Second, "21", "1", 2, false),
	)
	require.Len(t, emitted, 1)
	assert.True(t, emitted[0].WindowStart.Equal(t0))

	rest := agg.Drain()
	require.Len(t, rest, 1)
	assert.True(t, rest[0].WindowStart.Equal(t0.Add(5*time.Minute)))
}

func TestOutOfOrderTickWithinLatenessIsMerged(t *testing.T) {
	agg := newTestAggregator(t, time.Minute, 30*time.Second)

	assert.Empty(t, feed(agg,
		mkTick("BTCUSDT", 50*time.Second, "100", "1", 1, false),
		mkTick("BTCUSDT", 65*time.Second, "110", "1", 2, false),
	))
	wm, ok := agg.Watermark("BTCUSDT")
	require.True(t, ok)
	assert.True(t, wm.Equal(t0.Add(35*time.Second)))

	_, outcome := agg.Add(mkTick("BTCUSDT", 40*time.Second, "95", "1", 3, true))
	assert.Equal(t, Accepted, outcome)

	_, outcome = agg.Add(mkTick("BTCUSDT", 34*time.Second, "1", "1", 4, true))
	assert.Equal(t, Late, outcome, "older than the watermark")

	emitted := feed(agg, mkTick("BTCUSDT", 95*time.Second, "111", "1", 5, false))
	require.Len(t, emitted, 1)
	c := emitted[0]
	assert.Equal(t, "95", c.Open.String())
	assert.Equal(t, "100", c.Close.String())
	assert.Equal(t, int64(2), c.Trades)
	assertCandleInvariants(t, c)
}

func TestWatermarksArePerSymbol(t *testing.T) {
	agg := newTestAggregator(t, time.Minute, 0)
	feed(agg,
		mkTick("BTCUSDT", 10*time.Second, "100", "1", 1, false),
		mkTick("ETHUSDT", 5*time.Minute, "10", "1", 1, false),
	)
	_, outcome := agg.Add(mkTick("BTCUSDT", 20*time.Second, "101", "1", 2, false))
	assert.Equal(t, Accepted, outcome, "another symbol's progress must not make BTCUSDT late")
}

func TestDrainOrdersByStartThenSymbol(t *testing.T) {
	agg := newTestAggregator(t, time.Minute, 10*time.Minute)
	feed(agg,
		mkTick("ETHUSDT", 90*time.Second, "10", "1", 1, false),
		mkTick("ETHUSDT", 10*time.Second, "10", "1", 2, false),
		mkTick("BTCUSDT", 20*time.Second, "100", "1", 1, false),
		mkTick("ADAUSDT", 70*time.Second, "1", "1", 1, false),
	)
	drained := agg.Drain()
	require.Len(t, drained, 4)
	order := make([]string, len(drained))
	for i, c := range drained {
		order[i] = c.WindowStart.Sub(t0).String() + "/" + c.Symbol
	}
	assert.Equal(t, []string{"0s/BTCUSDT", "0s/ETHUSDT", "1m0s/ADAUSDT", "1m0s/ETHUSDT"}, order)

	_, outcome := agg.Add(mkTick("BTCUSDT", 30*time.Second, "100", "1", 9, false))
	assert.Equal(t, Late, outcome, "drained windows never reopen")
}

func TestVolumeSumIsExact(t *testing.T) {
	agg := newTestAggregator(t, time.Minute, time.Minute)
	for i := 0; i < 10000; i++ {
		_, outcome := agg.Add(mkTick("BTCUSDT", time.Duration(i)*time.Millisecond, "100", "0.12345678", int64(i), i%2 == 0))
		require.Equal(t, Accepted, outcome)
	}
	c := agg.Drain()[0]
	assert.Equal(t, "1234.5678", c.Volume.String())
	assert.Equal(t, "617.2839", c.BuyVolume.String())
	assert.Equal(t, "617.2839", c.SellVolume.String())
	assert.Equal(t, int64(10000), c.Trades)
}

func TestCandleInvariantsOnRandomStreams(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	agg := newTestAggregator(t, time.Minute, 20*time.Second)

	var emitted []models.Candle
	for i := 0; i < 2000; i++ {
		offset := time.Duration(i)*150*time.Millisecond - time.Duration(rng.Intn(15000))*time.Millisecond
		price := decimal.NewFromInt(int64(1000 + rng.Intn(200))).Shift(-1)
		qty := decimal.NewFromInt(int64(1 + rng.Intn(1000))).Shift(-3)
		tk := models.Tick{
			Symbol:       "BTCUSDT",
			Price:        price,
			Quantity:     qty,
			EventTime:    t0.Add(offset),
			TradeID:      int64(i),
			IsBuyerMaker: rng.Intn(2) == 0,
		}
		c, _ := agg.Add(tk)
		emitted = append(emitted, c...)
	}
	emitted = append(emitted, agg.Drain()...)
	require.NotEmpty(t, emitted)

	for i, c := range emitted {
		assertCandleInvariants(t, c)
		if i > 0 {
			assert.True(t, emitted[i-1].WindowStart.Before(c.WindowStart), "candles must close in start order")
		}
	}
}

func TestWindowStartIsEpochAligned(t *testing.T) {
	assert.True(t, windowStart(t0.Add(59999*time.Millisecond), time.Minute).Equal(t0))
	assert.True(t, windowStart(t0.Add(time.Minute), time.Minute).Equal(t0.Add(time.Minute)))
	assert.True(t, windowStart(time.UnixMilli(-1), time.Second).Equal(time.UnixMilli(-1000)))
	assert.Equal(t, int64(0), windowStart(time.UnixMilli(6999), 7*time.Second).UnixMilli()%7000)
}

func TestNewAggregatorValidation(t *testing.T) {
	_, err := NewAggregator(appconfig.AggregatorConfig{Interval: 0})
	assert.Error(t, err)
	_, err = NewAggregator(appconfig.AggregatorConfig{Interval: time.Minute, AllowedLateness: -time.Second})
	assert.Error(t, err)
	_, err = NewAggregator(appconfig.AggregatorConfig{Interval: 1500 * time.Microsecond})
	assert.ErrorContains(t, err, "whole number of milliseconds")
	_, err = NewAggregator(appconfig.AggregatorConfig{Interval: 1500 * time.Millisecond})
	assert.NoError(t, err)
}
