package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	appconfig "tickflow/config"
	"tickflow/internal/channel"
	"tickflow/logger"
	"tickflow/models"
)

// DefaultTopic receives every stream no table key matches.
const DefaultTopic = "binance-other"

// Sender is the publish side of the router. *writer.Publisher satisfies it.
type Sender interface {
	Send(ctx context.Context, topic, key string, value []byte) error
}

type route struct {
	match string
	topic string
}

// Router maps events to topics and hands the encoded envelope to a Sender.
// Trade ticks are optionally teed to an in-process channel.
type Router struct {
	routes       []route
	defaultTopic string
	sender       Sender
	tap          *channel.Trades
	tapKind      models.StreamKind
	logDepthTop  bool
	now          func() time.Time
	log          *logger.Log
}

type Option func(*Router)

// WithTap forwards ticks of one trade stream kind to trades after
// publishing. Only one kind is tapped so trade and aggTrade ids never mix.
func WithTap(trades *channel.Trades, kind models.StreamKind) Option {
	return func(r *Router) {
		r.tap = trades
		r.tapKind = kind
	}
}

func withClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func NewRouter(cfg appconfig.RouterConfig, sender Sender, opts ...Option) (*Router, error) {
	if sender == nil {
		return nil, fmt.Errorf("router sender is required")
	}
	def := strings.TrimSpace(cfg.DefaultTopic)
	if def == "" {
		def = DefaultTopic
	}

	routes := make([]route, 0, len(cfg.Topics))
	for match, topic := range cfg.Topics {
		match = strings.ToLower(strings.TrimSpace(match))
		topic = strings.TrimSpace(topic)
		if match == "" || topic == "" {
			return nil, fmt.Errorf("router topic entry %q=%q is incomplete", match, topic)
		}
		routes = append(routes, route{match: match, topic: topic})
	}
	// Longest key wins so "aggtrade" beats "trade"; equal lengths fall back
	// to lexical order.
	sort.Slice(routes, func(i, j int) bool {
		if len(routes[i].match) != len(routes[j].match) {
			return len(routes[i].match) > len(routes[j].match)
		}
		return routes[i].match < routes[j].match
	})

	r := &Router{
		routes:       routes,
		defaultTopic: def,
		sender:       sender,
		logDepthTop:  cfg.LogDepthTop,
		now:          time.Now,
		log:          logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Topic returns the topic for a stream name. It never fails.
func (r *Router) Topic(stream string) string {
	s := strings.ToLower(stream)
	for _, rt := range r.routes {
		if strings.Contains(s, rt.match) {
			return rt.topic
		}
	}
	return r.defaultTopic
}

func (r *Router) Route(ev models.Event) models.Envelope {
	return models.Envelope{Event: ev, Topic: r.Topic(ev.Stream)}
}

// Handle routes, encodes and publishes one event. It is the collector
// handler in collector mode.
func (r *Router) Handle(ctx context.Context, ev models.Event) error {
	env := r.Route(ev)
	value, err := env.Encode(r.now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Stream, err)
	}
	if err := r.sender.Send(ctx, env.Topic, env.Key(), value); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Stream, env.Topic, err)
	}

	switch {
	case r.tap != nil && ev.Kind == r.tapKind:
		tick, err := models.ParseTick(ev.Kind, ev.Payload)
		if err != nil {
			return fmt.Errorf("parse tick %s: %w", ev.Stream, err)
		}
		r.tap.SendTick(ctx, tick)
	case ev.Kind == models.KindDepth && r.logDepthTop:
		r.logTop(ev)
	}
	return nil
}

func (r *Router) logTop(ev models.Event) {
	if !r.log.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	top, err := models.ParseDepthTop(ev.Payload)
	if err != nil {
		r.log.WithComponent("router").WithError(err).Debug("depth payload has no readable top of book")
		return
	}
	r.log.WithComponent("router").WithFields(logger.Fields{
		"symbol":    ev.Symbol,
		"bid_price": top.BidPrice.String(),
		"bid_qty":   top.BidQty.String(),
		"ask_price": top.AskPrice.String(),
		"ask_qty":   top.AskQty.String(),
		"spread":    top.Spread().String(),
	}).Debug("depth top of book")
}
