package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DepthTop is the best bid and ask of one depth update.
type DepthTop struct {
	Symbol    string
	EventTime time.Time
	BidPrice  decimal.Decimal
	BidQty    decimal.Decimal
	AskPrice  decimal.Decimal
	AskQty    decimal.Decimal
}

type rawDepth struct {
	Symbol string      `json:"s"`
	Time   int64       `json:"E"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
}

// ParseDepthTop reads the first bid and ask level of a depthUpdate payload.
// A side with no levels is left zero.
func ParseDepthTop(payload []byte) (DepthTop, error) {
	var d rawDepth
	if err := json.Unmarshal(payload, &d); err != nil {
		return DepthTop{}, fmt.Errorf("decode depth: %w", err)
	}
	top := DepthTop{Symbol: d.Symbol, EventTime: time.UnixMilli(d.Time).UTC()}

	var err error
	if len(d.Bids) > 0 {
		if top.BidPrice, top.BidQty, err = parseLevel(d.Bids[0]); err != nil {
			return DepthTop{}, fmt.Errorf("bid level: %w", err)
		}
	}
	if len(d.Asks) > 0 {
		if top.AskPrice, top.AskQty, err = parseLevel(d.Asks[0]); err != nil {
			return DepthTop{}, fmt.Errorf("ask level: %w", err)
		}
	}
	return top, nil
}

func parseLevel(level [2]string) (decimal.Decimal, decimal.Decimal, error) {
	price, err := decimal.NewFromString(level[0])
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	qty, err := decimal.NewFromString(level[1])
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return price, qty, nil
}

// Spread is ask minus bid, zero when either side is missing.
func (d DepthTop) Spread() decimal.Decimal {
	if d.BidPrice.IsZero() || d.AskPrice.IsZero() {
		return decimal.Zero
	}
	return d.AskPrice.Sub(d.BidPrice)
}
