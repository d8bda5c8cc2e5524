package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tickflow/models"
)

type recordingHandler struct {
	mu       sync.Mutex
	payloads []string
	failOn   string
	notify   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 64)}
}

func (h *recordingHandler) handle(_ context.Context, ev models.Event) error {
	h.mu.Lock()
	h.payloads = append(h.payloads, string(ev.Payload))
	h.mu.Unlock()
	h.notify <- struct{}{}
	if h.failOn != "" && strings.Contains(string(ev.Payload), h.failOn) {
		return fmt.Errorf("boom")
	}
	return nil
}

func (h *recordingHandler) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.notify:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d of %d events", i, n)
		}
	}
}

func TestCollectorContinuesPastMalformedFrame(t *testing.T) {
	url := newFeed(t, func(conn *websocket.Conn) {
		for i := 1; i <= 10; i++ {
			frame := aggFrame(i)
			if i == 5 {
				frame = `{"stream":`
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		holdOpen(conn)
	})

	h := newRecordingHandler()
	h.failOn = `"a":3}`
	c, err := NewCollector(testReaderConfig(url), h.handle, nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	h.waitFor(t, 9)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 6; i <= 10; i++ {
		want := fmt.Sprintf(`"a":%d}`, i)
		found := false
		for _, p := range h.payloads {
			if strings.Contains(p, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("message %d not processed after decode failure", i)
		}
	}

	stats := c.Stats()
	if stats.Frames != 9 || stats.DecodeErrors != 1 || stats.HandlerErrors != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := c.Meter().Snapshot(time.Now()).Total; got != 9 {
		t.Fatalf("meter total %d", got)
	}
}

func TestCollectorReconnectsAfterClose(t *testing.T) {
	var conns atomic.Int32
	url := newFeed(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(aggFrame(int(n))))
	})

	h := newRecordingHandler()
	cfg := testReaderConfig(url)
	cfg.MaxReconnects = 2
	c, err := NewCollector(cfg, h.handle, nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Every session delivers a frame, so the consecutive failure count
	// resets and the limit of 2 is never reached.
	h.waitFor(t, 3)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if c.Stats().Reconnects < 2 {
		t.Fatalf("expected at least 2 reconnects, got %+v", c.Stats())
	}
}

func TestCollectorGivesUpAfterMaxReconnects(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testReaderConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.MaxReconnects = 3
	c, err := NewCollector(cfg, newRecordingHandler().handle, nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Run(ctx)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected give-up error wrapping ErrSessionClosed, got %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestCollectorRejectsSecondRun(t *testing.T) {
	url := newFeed(t, holdOpen)
	c, err := NewCollector(testReaderConfig(url), newRecordingHandler().handle, nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if running {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Run(ctx); err == nil {
		t.Fatal("expected error for concurrent Run")
	}
	cancel()
	<-done
}

func TestNewCollectorValidation(t *testing.T) {
	cfg := testReaderConfig("ws://localhost")
	if _, err := NewCollector(cfg, nil, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
	cfg.Streams = []string{"nonsense"}
	if _, err := NewCollector(cfg, newRecordingHandler().handle, nil); err == nil {
		t.Fatal("expected error for unknown stream")
	}
}
