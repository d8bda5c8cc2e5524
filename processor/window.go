package processor

import (
	"time"

	"github.com/shopspring/decimal"

	"tickflow/models"
)

// windowStart floors t to the interval grid anchored at the Unix epoch.
func windowStart(t time.Time, interval time.Duration) time.Time {
	ms := t.UnixMilli()
	iv := interval.Milliseconds()
	rem := ms % iv
	if rem < 0 {
		rem += iv
	}
	return time.UnixMilli(ms - rem).UTC()
}

type pricePoint struct {
	price   decimal.Decimal
	at      time.Time
	tradeID int64
}

// before orders ticks by event time, then trade id.
func (p pricePoint) before(o pricePoint) bool {
	if !p.at.Equal(o.at) {
		return p.at.Before(o.at)
	}
	return p.tradeID < o.tradeID
}

// window accumulates one (symbol, start) bucket. Open and close follow
// event time, not arrival order.
type window struct {
	symbol string
	start  time.Time
	end    time.Time

	open   pricePoint
	close  pricePoint
	high   decimal.Decimal
	low    decimal.Decimal
	volume decimal.Decimal
	buy    decimal.Decimal
	sell   decimal.Decimal
	trades int64

	seen map[int64]struct{}
}

func newWindow(symbol string, start time.Time, interval time.Duration) *window {
	return &window{
		symbol: symbol,
		start:  start,
		end:    start.Add(interval),
		seen:   make(map[int64]struct{}),
	}
}

// add folds t into the window and reports false if its trade id was
// already folded in.
func (w *window) add(t models.Tick) bool {
	if _, dup := w.seen[t.TradeID]; dup {
		return false
	}
	w.seen[t.TradeID] = struct{}{}

	p := pricePoint{price: t.Price, at: t.EventTime, tradeID: t.TradeID}
	if w.trades == 0 {
		w.open, w.close = p, p
		w.high, w.low = t.Price, t.Price
	} else {
		if p.before(w.open) {
			w.open = p
		}
		if w.close.before(p) {
			w.close = p
		}
		if t.Price.GreaterThan(w.high) {
			w.high = t.Price
		}
		if t.Price.LessThan(w.low) {
			w.low = t.Price
		}
	}

	w.volume = w.volume.Add(t.Quantity)
	if t.IsBuyerMaker {
		w.sell = w.sell.Add(t.Quantity)
	} else {
		w.buy = w.buy.Add(t.Quantity)
	}
	w.trades++
	return true
}

func (w *window) candle() models.Candle {
	return models.Candle{
		Symbol:      w.symbol,
		WindowStart: w.start,
		WindowEnd:   w.end,
		Open:        w.open.price,
		High:        w.high,
		Low:         w.low,
		Close:       w.close.price,
		Volume:      w.volume,
		Trades:      w.trades,
		BuyVolume:   w.buy,
		SellVolume:  w.sell,
	}
}
