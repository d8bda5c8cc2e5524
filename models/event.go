package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is one decoded frame of the combined stream. Payload is the original
// "data" object, untouched.
type Event struct {
	Stream     string
	Symbol     string
	Kind       StreamKind
	Payload    json.RawMessage
	ReceivedAt time.Time
}

type frame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// DecodeFrame parses a combined-stream frame {stream, data}.
func DecodeFrame(raw []byte, receivedAt time.Time) (Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{}, err
	}
	if f.Stream == "" {
		return Event{}, fmt.Errorf("frame has no stream name")
	}
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return Event{}, fmt.Errorf("frame %s has no data", f.Stream)
	}
	symbol, kind := SplitStreamName(f.Stream)
	return Event{
		Stream:     f.Stream,
		Symbol:     symbol,
		Kind:       kind,
		Payload:    f.Data,
		ReceivedAt: receivedAt,
	}, nil
}

// Envelope is an Event routed to a topic.
type Envelope struct {
	Event Event
	Topic string
}

// Key is the partition key: the canonical uppercase symbol.
func (e Envelope) Key() string {
	return strings.ToUpper(e.Event.Symbol)
}

// PublishedMessage is the exact JSON written to the durable log.
type PublishedMessage struct {
	Symbol string          `json:"symbol"`
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	TS     int64           `json:"ts"`
}

// Encode renders the wire message stamped with the producer send time.
func (e Envelope) Encode(sentAt time.Time) ([]byte, error) {
	return json.Marshal(PublishedMessage{
		Symbol: e.Key(),
		Stream: e.Event.Stream,
		Data:   e.Event.Payload,
		TS:     sentAt.UnixMilli(),
	})
}

// DecodePublished parses a message read back from the log.
func DecodePublished(raw []byte) (PublishedMessage, error) {
	var msg PublishedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return PublishedMessage{}, err
	}
	if msg.Stream == "" || len(msg.Data) == 0 {
		return PublishedMessage{}, fmt.Errorf("published message missing stream or data")
	}
	return msg, nil
}

// Event rebuilds the routed event from a message read back from the log.
func (m PublishedMessage) Event() Event {
	_, kind := SplitStreamName(m.Stream)
	return Event{
		Stream:     m.Stream,
		Symbol:     strings.ToUpper(m.Symbol),
		Kind:       kind,
		Payload:    m.Data,
		ReceivedAt: time.UnixMilli(m.TS),
	}
}
