package models

import (
	"encoding/json"
	"fmt"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// Kline is an exchange-computed candle from the kline stream.
type Kline struct {
	Symbol    string
	Interval  string
	Start     time.Time
	End       time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	BuyVolume decimal.Decimal
	Trades    int64
	Closed    bool
}

// ParseKline decodes a kline payload.
func ParseKline(payload []byte) (Kline, error) {
	var ev futures.WsKlineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Kline{}, fmt.Errorf("decode kline: %w", err)
	}
	k := ev.Kline

	values := make([]decimal.Decimal, 6)
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume, k.ActiveBuyVolume} {
		if s == "" {
			continue
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return Kline{}, fmt.Errorf("kline field %d: %w", i, err)
		}
		values[i] = d
	}

	symbol := k.Symbol
	if symbol == "" {
		symbol = ev.Symbol
	}
	return Kline{
		Symbol:    symbol,
		Interval:  k.Interval,
		Start:     time.UnixMilli(k.StartTime).UTC(),
		End:       time.UnixMilli(k.EndTime).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		BuyVolume: values[5],
		Trades:    k.TradeNum,
		Closed:    k.IsFinal,
	}, nil
}

// Candle converts the kline into the candle record for comparison with
// derived candles. Binance kline end is inclusive, so one ms is added.
func (k Kline) Candle() Candle {
	return Candle{
		Symbol:      k.Symbol,
		WindowStart: k.Start,
		WindowEnd:   k.End.Add(time.Millisecond),
		Open:        k.Open,
		High:        k.High,
		Low:         k.Low,
		Close:       k.Close,
		Volume:      k.Volume,
		Trades:      k.Trades,
		BuyVolume:   k.BuyVolume,
		SellVolume:  k.Volume.Sub(k.BuyVolume),
	}
}
