package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSubscriptionStreamName(t *testing.T) {
	opts := SuffixOptions{KlineInterval: "5m", DepthCadence: "250ms"}
	cases := map[StreamKind]string{
		KindAggTrade:   "btcusdt@aggTrade",
		KindKline:      "btcusdt@kline_5m",
		KindDepth:      "btcusdt@depth@250ms",
		KindMarkPrice:  "btcusdt@markPrice@1s",
		KindForceOrder: "btcusdt@forceOrder",
	}
	for kind, want := range cases {
		got := Subscription{Symbol: "BTCUSDT", Kind: kind}.StreamName(opts)
		if got != want {
			t.Errorf("%s: got %s want %s", kind, got, want)
		}
	}
}

func TestSplitStreamNameRoundTripsEveryKind(t *testing.T) {
	for _, kind := range AllKinds {
		name := Subscription{Symbol: "ethusdt", Kind: kind}.StreamName(SuffixOptions{})
		symbol, got := SplitStreamName(name)
		if symbol != "ETHUSDT" || got != kind {
			t.Errorf("%s: got (%s, %s)", name, symbol, got)
		}
	}
	if _, kind := SplitStreamName("garbage"); kind != KindOther {
		t.Errorf("expected other for malformed stream, got %s", kind)
	}
}

func TestParseStreamKind(t *testing.T) {
	k, err := ParseStreamKind("aggtrade")
	if err != nil || k != KindAggTrade {
		t.Fatalf("got %s, %v", k, err)
	}
	if _, err := ParseStreamKind("candles"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDecodeFrame(t *testing.T) {
	now := time.Unix(100, 0)
	ev, err := DecodeFrame([]byte(`{"stream":"btcusdt@depth@100ms","data":{"b":[]}}`), now)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Symbol != "BTCUSDT" || ev.Kind != KindDepth || !ev.ReceivedAt.Equal(now) {
		t.Fatalf("unexpected event: %+v", ev)
	}

	for _, bad := range []string{`{`, `{"data":{}}`, `{"stream":"x@trade"}`, `{"stream":"x@trade","data":null}`} {
		if _, err := DecodeFrame([]byte(bad), now); err == nil {
			t.Errorf("expected error for %s", bad)
		}
	}
}

func TestEnvelopeEncodeWireFormat(t *testing.T) {
	payload := json.RawMessage(`{"e":"aggTrade","p":"100.10"}`)
	env := Envelope{
		Event: Event{Stream: "btcusdt@aggTrade", Symbol: "btcusdt", Kind: KindAggTrade, Payload: payload},
		Topic: "binance-other",
	}
	raw, err := env.Encode(time.UnixMilli(1700000000123))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"symbol":"BTCUSDT","stream":"btcusdt@aggTrade","data":{"e":"aggTrade","p":"100.10"},"ts":1700000000123}`
	if string(raw) != want {
		t.Fatalf("wire mismatch\n got %s\nwant %s", raw, want)
	}

	msg, err := DecodePublished(raw)
	if err != nil {
		t.Fatalf("decode published: %v", err)
	}
	ev := msg.Event()
	if ev.Kind != KindAggTrade || ev.Symbol != "BTCUSDT" || string(ev.Payload) != string(payload) {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseTickAggTrade(t *testing.T) {
	payload := []byte(`{"e":"aggTrade","E":1700000000100,"s":"BTCUSDT","a":42,"p":"100.50","q":"0.00000001","f":1,"l":2,"T":1700000000050,"m":true}`)
	tick, err := ParseTick(KindAggTrade, payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tick.TradeID != 42 || !tick.IsBuyerMaker || tick.EventTime.UnixMilli() != 1700000000050 {
		t.Fatalf("unexpected tick: %+v", tick)
	}
	if !tick.Price.Equal(decimal.RequireFromString("100.5")) || tick.Quantity.String() != "0.00000001" {
		t.Fatalf("decimal mismatch: %s %s", tick.Price, tick.Quantity)
	}
}

func TestParseTickTrade(t *testing.T) {
	payload := []byte(`{"e":"trade","E":2,"s":"ethusdt","t":7,"p":"2000","q":"1.5","T":1,"m":false}`)
	tick, err := ParseTick(KindTrade, payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tick.Symbol != "ETHUSDT" || tick.TradeID != 7 || tick.IsBuyerMaker {
		t.Fatalf("unexpected tick: %+v", tick)
	}
}

func TestParseTickRejectsBadPayloads(t *testing.T) {
	cases := map[string]string{
		"zero price":   `{"s":"BTCUSDT","a":1,"p":"0","q":"1","T":1}`,
		"negative qty": `{"s":"BTCUSDT","a":1,"p":"1","q":"-1","T":1}`,
		"bad price":    `{"s":"BTCUSDT","a":1,"p":"abc","q":"1","T":1}`,
		"no time":      `{"s":"BTCUSDT","a":1,"p":"1","q":"1"}`,
		"not json":     `[`,
	}
	for name, payload := range cases {
		if _, err := ParseTick(KindAggTrade, []byte(payload)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := ParseTick(KindDepth, []byte(`{}`)); err == nil {
		t.Error("depth should not parse as tick")
	}
}

func TestCandleJSON(t *testing.T) {
	start := time.UnixMilli(1700000040000).UTC()
	c := Candle{
		Symbol:      "BTCUSDT",
		WindowStart: start,
		WindowEnd:   start.Add(time.Minute),
		Open:        decimal.RequireFromString("100"),
		High:        decimal.RequireFromString("105"),
		Low:         decimal.RequireFromString("98"),
		Close:       decimal.RequireFromString("98"),
		Volume:      decimal.RequireFromString("3"),
		Trades:      3,
		BuyVolume:   decimal.RequireFromString("2"),
		SellVolume:  decimal.RequireFromString("1"),
	}
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	for _, want := range []string{`"window_start":1700000040000`, `"open":"100"`, `"trades":3`, `"sell_volume":"1"`} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %s in %s", want, s)
		}
	}

	var back Candle
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.WindowEnd.Equal(c.WindowEnd) || !back.Close.Equal(c.Close) {
		t.Fatalf("unexpected candle: %+v", back)
	}
}

func TestParseDepthTop(t *testing.T) {
	payload := []byte(`{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","b":[["100.1","2"],["100.0","1"]],"a":[["100.3","1.5"]]}`)
	top, err := ParseDepthTop(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if top.BidPrice.String() != "100.1" || top.AskQty.String() != "1.5" {
		t.Fatalf("unexpected top: %+v", top)
	}
	if top.Spread().String() != "0.2" {
		t.Fatalf("unexpected spread: %s", top.Spread())
	}

	empty, err := ParseDepthTop([]byte(`{"s":"BTCUSDT","b":[],"a":[]}`))
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if !empty.Spread().IsZero() {
		t.Fatalf("expected zero spread")
	}
}

func TestParseKline(t *testing.T) {
	payload := []byte(`{"e":"kline","E":1,"s":"BTCUSDT","k":{"t":1700000040000,"T":1700000099999,"s":"BTCUSDT","i":"1m","f":1,"L":3,"o":"100","c":"98","h":"105","l":"98","v":"3","n":3,"x":true,"q":"303","V":"2","Q":"205"}}`)
	k, err := ParseKline(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !k.Closed || k.Trades != 3 || k.Interval != "1m" {
		t.Fatalf("unexpected kline: %+v", k)
	}
	c := k.Candle()
	if c.WindowEnd.Sub(c.WindowStart) != time.Minute {
		t.Fatalf("unexpected window: %s", c.WindowEnd.Sub(c.WindowStart))
	}
	if c.SellVolume.String() != "1" {
		t.Fatalf("unexpected sell volume: %s", c.SellVolume)
	}
}
