package binance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	appconfig "tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

// Handler processes one decoded event. A returned error is logged and
// counted; it never stops the receive loop.
type Handler func(ctx context.Context, ev models.Event) error

// CollectorStats are cumulative counters of one Collector.
type CollectorStats struct {
	Frames        int64
	DecodeErrors  int64
	HandlerErrors int64
	Reconnects    int64
}

// Collector owns the subscription set and drives sessions: connect, receive
// until the session dies, reconnect at a bounded rate, give up after
// max_reconnects consecutive failures.
type Collector struct {
	cfg     appconfig.ReaderConfig
	sess    SessionConfig
	subs    []models.Subscription
	handler Handler
	meter   *metrics.Meter
	limiter *rate.Limiter
	log     *logger.Log

	mu      sync.Mutex
	running bool
	sampled int

	frames        atomic.Int64
	decodeErrors  atomic.Int64
	handlerErrors atomic.Int64
	reconnects    atomic.Int64
}

// Subscriptions expands symbols x streams into the subscription set.
func Subscriptions(symbols, streams []string) ([]models.Subscription, error) {
	subs := make([]models.Subscription, 0, len(symbols)*len(streams))
	for _, sym := range symbols {
		for _, st := range streams {
			kind, err := models.ParseStreamKind(st)
			if err != nil {
				return nil, err
			}
			subs = append(subs, models.Subscription{Symbol: sym, Kind: kind})
		}
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("no symbols or streams configured")
	}
	return subs, nil
}

func NewCollector(cfg appconfig.ReaderConfig, handler Handler, meter *metrics.Meter) (*Collector, error) {
	if handler == nil {
		return nil, fmt.Errorf("collector handler is required")
	}
	subs, err := Subscriptions(cfg.Symbols, cfg.Streams)
	if err != nil {
		return nil, err
	}
	if meter == nil {
		meter = metrics.NewMeter(logger.StageIngest, time.Now())
	}

	minDelay := cfg.Reconnect.MinDelay
	if minDelay <= 0 {
		minDelay = 2 * time.Second
	}
	burst := cfg.Reconnect.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Collector{
		cfg:     cfg,
		sess:    SessionConfigFrom(cfg),
		subs:    subs,
		handler: handler,
		meter:   meter,
		limiter: rate.NewLimiter(rate.Every(minDelay), burst),
		log:     logger.GetLogger(),
	}, nil
}

// Run blocks until ctx is cancelled (returns nil) or the reconnect limit is
// exhausted (returns the last connection error).
func (c *Collector) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("collector already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	log := c.log.WithComponent("binance_collector").WithFields(logger.Fields{
		"symbols": c.cfg.Symbols,
		"streams": c.cfg.Streams,
	})
	log.Info("starting collector")

	failures := 0
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			log.Info("collector stopped")
			return nil
		}

		sess, err := Connect(ctx, c.sess, c.subs)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("collector stopped")
				return nil
			}
			failures++
			if gaveUp := c.noteFailure(log, failures, err); gaveUp != nil {
				return gaveUp
			}
			continue
		}

		delivered, err := c.consume(ctx, sess)
		_ = sess.Close()
		if ctx.Err() != nil {
			log.Info("collector stopped")
			return nil
		}
		if delivered > 0 {
			failures = 0
		}
		failures++
		if gaveUp := c.noteFailure(log, failures, err); gaveUp != nil {
			return gaveUp
		}
	}
}

func (c *Collector) noteFailure(log *logger.Entry, failures int, err error) error {
	c.reconnects.Add(1)
	metrics.IncReconnect()

	limit := c.cfg.MaxReconnects
	log.WithError(err).WithFields(logger.Fields{
		"attempt":        failures,
		"max_reconnects": limit,
	}).Warn("websocket session lost; reconnecting")

	if limit > 0 && failures >= limit {
		log.WithField("attempts", failures).Error("reconnect limit reached; giving up")
		return fmt.Errorf("binance collector gave up after %d attempts: %w", failures, err)
	}
	return nil
}

// consume reads one session until it closes or ctx is done. It returns the
// number of frames handed to the handler.
func (c *Collector) consume(ctx context.Context, sess *Session) (int, error) {
	log := c.log.WithComponent("binance_collector").WithField("session_id", sess.ID())
	delivered := 0

	for {
		ev, err := sess.Receive(ctx)
		if err != nil {
			var decErr *DecodeError
			switch {
			case errors.Is(err, ErrPollTimeout):
				if ctx.Err() != nil {
					return delivered, nil
				}
				continue
			case errors.As(err, &decErr):
				c.decodeErrors.Add(1)
				metrics.EmitDropMetric(c.log, metrics.DropDecodeError, "", logger.StageIngest, 1)
				log.WithError(err).Warn("skipping malformed frame")
				continue
			case ctx.Err() != nil:
				return delivered, nil
			default:
				return delivered, err
			}
		}

		delivered++
		c.frames.Add(1)
		c.meter.Mark(1, ev.ReceivedAt)
		logger.IncrementFramesRead(len(ev.Payload))
		metrics.IncFrame(string(ev.Kind), float64(ev.ReceivedAt.UnixNano())/1e9)
		c.logSample(log, ev)

		if err := c.handler(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return delivered, nil
			}
			c.handlerErrors.Add(1)
			metrics.EmitDropMetric(c.log, metrics.DropProcessingError, ev.Symbol, logger.StageIngest, 1)
			log.WithError(err).WithFields(logger.Fields{
				"stream": ev.Stream,
			}).Warn("failed to process event")
		}
	}
}

func (c *Collector) logSample(log *logger.Entry, ev models.Event) {
	if c.sampled >= c.cfg.SampleMessages {
		return
	}
	c.sampled++
	log.WithFields(logger.Fields{
		"stream":  ev.Stream,
		"kind":    ev.Kind,
		"sample":  c.sampled,
		"payload": string(ev.Payload),
	}).Info("sample frame")
}

func (c *Collector) Stats() CollectorStats {
	return CollectorStats{
		Frames:        c.frames.Load(),
		DecodeErrors:  c.decodeErrors.Load(),
		HandlerErrors: c.handlerErrors.Load(),
		Reconnects:    c.reconnects.Load(),
	}
}

func (c *Collector) Meter() *metrics.Meter { return c.meter }
