package binance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

const (
	defaultPollTimeout = time.Second
	defaultKeepAlive   = 20 * time.Second
	defaultReadTimeout = 60 * time.Second
	defaultFrameBuffer = 1024
)

var (
	// ErrPollTimeout means no frame arrived within the poll timeout. It is a
	// no-op cycle, not a failure.
	ErrPollTimeout = errors.New("binance: receive poll timed out")
	// ErrSessionClosed means the connection ended; the caller decides
	// whether to reconnect.
	ErrSessionClosed = errors.New("binance: session closed")
)

// DecodeError is returned by Receive for a frame that is not a valid
// combined-stream message. The session stays usable.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SessionConfig holds the transport settings of one websocket session.
type SessionConfig struct {
	URL              string
	FrameBuffer      int
	PollTimeout      time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	Suffix           models.SuffixOptions
}

func SessionConfigFrom(cfg appconfig.ReaderConfig) SessionConfig {
	return SessionConfig{
		URL:              cfg.URL,
		FrameBuffer:      cfg.FrameBuffer,
		PollTimeout:      cfg.PollTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		ReadTimeout:      cfg.ReadTimeout,
		Suffix: models.SuffixOptions{
			KlineInterval: cfg.KlineInterval,
			DepthCadence:  cfg.DepthCadence,
		},
	}
}

// BuildURL joins every subscription token with "/" into the streams query.
func BuildURL(base string, subs []models.Subscription, opts models.SuffixOptions) (string, error) {
	if len(subs) == 0 {
		return "", fmt.Errorf("no subscriptions")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	tokens := make([]string, 0, len(subs))
	seen := make(map[string]struct{}, len(subs))
	for _, s := range subs {
		name := s.StreamName(opts)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		tokens = append(tokens, name)
	}
	u.RawQuery = "streams=" + strings.Join(tokens, "/")
	return u.String(), nil
}

type rawFrame struct {
	data []byte
	at   time.Time
}

// Session is one live combined-stream connection. A background goroutine
// reads the socket into a bounded buffer; when the buffer is full it stops
// reading, which pushes backpressure onto the upstream socket.
type Session struct {
	id          string
	conn        *websocket.Conn
	frames      chan rawFrame
	done        chan struct{}
	cancel      context.CancelFunc
	pollTimeout time.Duration
	log         *logger.Entry

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Connect dials the stream and starts reading. It does not retry.
func Connect(ctx context.Context, cfg SessionConfig, subs []models.Subscription) (*Session, error) {
	endpoint, err := BuildURL(cfg.URL, subs, cfg.Suffix)
	if err != nil {
		return nil, err
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	dialer := *websocket.DefaultDialer
	if cfg.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrSessionClosed, cfg.URL, err)
	}

	id := uuid.NewString()
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		conn:        conn,
		frames:      make(chan rawFrame, cfg.FrameBuffer),
		done:        make(chan struct{}),
		cancel:      cancel,
		pollTimeout: cfg.PollTimeout,
		log: logger.GetLogger().WithComponent("binance_session").WithFields(logger.Fields{
			"session_id": id,
			"streams":    len(subs),
		}),
	}

	readTimeout := cfg.ReadTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go s.readLoop(sessCtx, readTimeout)
	startPingLoop(sessCtx, conn, cfg.PingInterval, s.log)

	s.log.WithField("url", endpoint).Info("websocket session connected")
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) readLoop(ctx context.Context, readTimeout time.Duration) {
	defer close(s.done)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			s.setErr(err)
			return
		}
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}
		select {
		case s.frames <- rawFrame{data: msg, at: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

// Receive returns the next decoded event. It waits at most the poll
// timeout and then returns ErrPollTimeout. A malformed frame yields a
// *DecodeError; a dead connection yields an error wrapping ErrSessionClosed
// once buffered frames are drained.
func (s *Session) Receive(ctx context.Context) (models.Event, error) {
	timer := time.NewTimer(s.pollTimeout)
	defer timer.Stop()

	select {
	case f := <-s.frames:
		return decode(f)
	case <-s.done:
		select {
		case f := <-s.frames:
			return decode(f)
		default:
			return models.Event{}, s.closedErr()
		}
	case <-timer.C:
		return models.Event{}, ErrPollTimeout
	case <-ctx.Done():
		return models.Event{}, ctx.Err()
	}
}

func decode(f rawFrame) (models.Event, error) {
	ev, err := models.DecodeFrame(f.data, f.at)
	if err != nil {
		return models.Event{}, &DecodeError{Raw: f.data, Err: err}
	}
	return ev, nil
}

// Close ends the session and waits for the read goroutine to exit.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		closeErr = s.conn.Close()
		<-s.done
		s.log.Info("websocket session closed")
	})
	return closeErr
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Session) closedErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", ErrSessionClosed, s.err)
}

func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) {
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					return
				}
			}
		}
	}()
}
