package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	appconfig "tickflow/config"
	"tickflow/internal/channel"
	"tickflow/models"
)

type sent struct {
	topic string
	key   string
	value []byte
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (s *recordingSender) Send(ctx context.Context, topic, key string, value []byte) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sent{topic: topic, key: key, value: value})
	return nil
}

func newTestRouter(t *testing.T, topics map[string]string, sender Sender, opts ...Option) *Router {
	t.Helper()
	r, err := NewRouter(appconfig.RouterConfig{DefaultTopic: DefaultTopic, Topics: topics}, sender, opts...)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r
}

func TestTopicLookup(t *testing.T) {
	r := newTestRouter(t, map[string]string{
		"depth":    "binance-depth",
		"trade":    "binance-trade",
		"aggTrade": "binance-aggtrade",
		"kline":    "binance-kline",
	}, &recordingSender{})

	cases := map[string]string{
		"btcusdt@depth@100ms":  "binance-depth",
		"btcusdt@aggTrade":     "binance-aggtrade",
		"ethusdt@trade":        "binance-trade",
		"btcusdt@kline_1m":     "binance-kline",
		"btcusdt@bookTicker":   DefaultTopic,
		"btcusdt@markPrice@1s": DefaultTopic,
		"":                     DefaultTopic,
	}
	for stream, want := range cases {
		if got := r.Topic(stream); got != want {
			t.Errorf("Topic(%q) = %q, want %q", stream, got, want)
		}
	}
}

func TestTopicLookupIsDeterministic(t *testing.T) {
	topics := map[string]string{"ab": "topic-ab", "bc": "topic-bc", "abc": "topic-abc"}
	for i := 0; i < 50; i++ {
		r := newTestRouter(t, topics, &recordingSender{})
		if got := r.Topic("xabcx"); got != "topic-abc" {
			t.Fatalf("iteration %d: got %q", i, got)
		}
		if got := r.Topic("xabx-bcx"); got != "topic-ab" {
			t.Fatalf("iteration %d: equal-length keys should resolve lexically, got %q", i, got)
		}
	}
}

func TestDefaultTopicWhenUnset(t *testing.T) {
	r, err := NewRouter(appconfig.RouterConfig{}, &recordingSender{})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if got := r.Topic("btcusdt@depth@100ms"); got != DefaultTopic {
		t.Fatalf("empty table should route everywhere to default, got %q", got)
	}
}

func TestNewRouterValidation(t *testing.T) {
	if _, err := NewRouter(appconfig.RouterConfig{}, nil); err == nil {
		t.Fatal("expected error for nil sender")
	}
	if _, err := NewRouter(appconfig.RouterConfig{Topics: map[string]string{"depth": ""}}, &recordingSender{}); err == nil {
		t.Fatal("expected error for empty topic")
	}
}

func TestHandlePublishesExactEnvelope(t *testing.T) {
	sender := &recordingSender{}
	r := newTestRouter(t, map[string]string{"depth": "binance-depth"}, sender,
		withClock(func() time.Time { return time.UnixMilli(1700000000123) }))

	payload := json.RawMessage(`{"e":"depthUpdate","s":"BTCUSDT","b":[["100.1","2"]],"a":[["100.2","1"]]}`)
	ev := models.Event{Stream: "btcusdt@depth@100ms", Symbol: "BTCUSDT", Kind: models.KindDepth, Payload: payload}
	if err := r.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(sender.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.msgs))
	}
	msg := sender.msgs[0]
	if msg.topic != "binance-depth" || msg.key != "BTCUSDT" {
		t.Fatalf("unexpected routing: topic=%q key=%q", msg.topic, msg.key)
	}
	want := `{"symbol":"BTCUSDT","stream":"btcusdt@depth@100ms","data":` + string(payload) + `,"ts":1700000000123}`
	if string(msg.value) != want {
		t.Fatalf("envelope mismatch:\n got %s\nwant %s", msg.value, want)
	}
}

func TestHandleTapsTradeTicks(t *testing.T) {
	sender := &recordingSender{}
	tap := channel.NewTrades(4)
	r := newTestRouter(t, nil, sender, WithTap(tap, models.KindAggTrade))

	payload := json.RawMessage(`{"e":"aggTrade","E":1700000000100,"s":"BTCUSDT","a":42,"p":"100.5","q":"0.25","f":1,"l":2,"T":1700000000050,"m":true}`)
	ev := models.Event{Stream: "btcusdt@aggTrade", Symbol: "BTCUSDT", Kind: models.KindAggTrade, Payload: payload}
	if err := r.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	select {
	case tick := <-tap.C:
		if tick.TradeID != 42 || tick.Price.String() != "100.5" || !tick.IsBuyerMaker {
			t.Fatalf("unexpected tick: %+v", tick)
		}
	default:
		t.Fatal("expected a tick on the tap")
	}
	if sender.msgs[0].topic != DefaultTopic {
		t.Fatalf("aggTrade should go to the default topic with an empty table, got %q", sender.msgs[0].topic)
	}
}

func TestHandleBadTradePayloadIsReportedAfterPublish(t *testing.T) {
	sender := &recordingSender{}
	r := newTestRouter(t, nil, sender, WithTap(channel.NewTrades(1), models.KindTrade))

	ev := models.Event{Stream: "btcusdt@trade", Symbol: "BTCUSDT", Kind: models.KindTrade, Payload: json.RawMessage(`{"p":"oops"}`)}
	if err := r.Handle(context.Background(), ev); err == nil {
		t.Fatal("expected parse error")
	}
	if len(sender.msgs) != 1 {
		t.Fatal("raw event should still be published")
	}
}

func TestHandleTapsOnlyConfiguredKind(t *testing.T) {
	tap := channel.NewTrades(4)
	r := newTestRouter(t, nil, &recordingSender{}, WithTap(tap, models.KindAggTrade))

	payload := json.RawMessage(`{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":7,"p":"100","q":"1","T":1700000000050,"m":false}`)
	ev := models.Event{Stream: "btcusdt@trade", Symbol: "BTCUSDT", Kind: models.KindTrade, Payload: payload}
	if err := r.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(tap.C) != 0 {
		t.Fatal("trade ticks must not reach an aggTrade tap")
	}
}

func TestHandleSendError(t *testing.T) {
	boom := errors.New("buffer closed")
	r := newTestRouter(t, nil, &recordingSender{err: boom})
	ev := models.Event{Stream: "btcusdt@bookTicker", Symbol: "BTCUSDT", Kind: models.KindBookTicker, Payload: json.RawMessage(`{}`)}
	if err := r.Handle(context.Background(), ev); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
}
