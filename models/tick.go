package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// Tick is one trade execution. Values are never mutated once built.
type Tick struct {
	Symbol       string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	EventTime    time.Time
	TradeID      int64
	IsBuyerMaker bool
}

// NewTick validates and builds a Tick.
func NewTick(symbol string, price, qty decimal.Decimal, eventTime time.Time, tradeID int64, buyerMaker bool) (Tick, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Tick{}, fmt.Errorf("tick symbol is empty")
	}
	if !price.IsPositive() {
		return Tick{}, fmt.Errorf("tick price %s must be positive", price)
	}
	if qty.IsNegative() {
		return Tick{}, fmt.Errorf("tick quantity %s must not be negative", qty)
	}
	return Tick{
		Symbol:       symbol,
		Price:        price,
		Quantity:     qty,
		EventTime:    eventTime,
		TradeID:      tradeID,
		IsBuyerMaker: buyerMaker,
	}, nil
}

// rawTrade is the futures "trade" payload, which go-binance has no
// websocket type for.
type rawTrade struct {
	Event      string `json:"e"`
	Time       int64  `json:"E"`
	Symbol     string `json:"s"`
	TradeID    int64  `json:"t"`
	Price      string `json:"p"`
	Quantity   string `json:"q"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

// ParseTick extracts a Tick from a trade or aggTrade payload. Event time is
// the trade time "T".
func ParseTick(kind StreamKind, payload []byte) (Tick, error) {
	var (
		symbol, price, qty string
		tradeTime, id      int64
		maker              bool
	)

	switch kind {
	case KindAggTrade:
		var ev futures.WsAggTradeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return Tick{}, fmt.Errorf("decode aggTrade: %w", err)
		}
		symbol, price, qty = ev.Symbol, ev.Price, ev.Quantity
		tradeTime, id, maker = ev.TradeTime, ev.AggregateTradeID, ev.Maker
	case KindTrade:
		var ev rawTrade
		if err := json.Unmarshal(payload, &ev); err != nil {
			return Tick{}, fmt.Errorf("decode trade: %w", err)
		}
		symbol, price, qty = ev.Symbol, ev.Price, ev.Quantity
		tradeTime, id, maker = ev.TradeTime, ev.TradeID, ev.BuyerMaker
	default:
		return Tick{}, fmt.Errorf("stream kind %s carries no trades", kind)
	}

	p, err := decimal.NewFromString(price)
	if err != nil {
		return Tick{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return Tick{}, fmt.Errorf("parse quantity %q: %w", qty, err)
	}
	if tradeTime <= 0 {
		return Tick{}, fmt.Errorf("trade time missing")
	}
	return NewTick(symbol, p, q, time.UnixMilli(tradeTime).UTC(), id, maker)
}
