package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one closed OHLCV window for a symbol.
type Candle struct {
	Symbol      string
	WindowStart time.Time
	WindowEnd   time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	Trades      int64
	BuyVolume   decimal.Decimal
	SellVolume  decimal.Decimal
}

// candleJSON is the sink-agnostic record: decimals as strings, times as
// epoch milliseconds.
type candleJSON struct {
	Symbol      string          `json:"symbol"`
	WindowStart int64           `json:"window_start"`
	WindowEnd   int64           `json:"window_end"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	Trades      int64           `json:"trades"`
	BuyVolume   decimal.Decimal `json:"buy_volume"`
	SellVolume  decimal.Decimal `json:"sell_volume"`
}

func (c Candle) MarshalJSON() ([]byte, error) {
	return json.Marshal(candleJSON{
		Symbol:      c.Symbol,
		WindowStart: c.WindowStart.UnixMilli(),
		WindowEnd:   c.WindowEnd.UnixMilli(),
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		Trades:      c.Trades,
		BuyVolume:   c.BuyVolume,
		SellVolume:  c.SellVolume,
	})
}

func (c *Candle) UnmarshalJSON(data []byte) error {
	var raw candleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Candle{
		Symbol:      raw.Symbol,
		WindowStart: time.UnixMilli(raw.WindowStart).UTC(),
		WindowEnd:   time.UnixMilli(raw.WindowEnd).UTC(),
		Open:        raw.Open,
		High:        raw.High,
		Low:         raw.Low,
		Close:       raw.Close,
		Volume:      raw.Volume,
		Trades:      raw.Trades,
		BuyVolume:   raw.BuyVolume,
		SellVolume:  raw.SellVolume,
	}
	return nil
}

// Key identifies the candle across sinks.
func (c Candle) Key() string {
	return c.Symbol + ":" + c.WindowStart.UTC().Format("20060102T150405Z")
}
