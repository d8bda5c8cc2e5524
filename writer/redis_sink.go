package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

const redisKeyPrefix = "tickflow:candle:"

// RedisCandleSink keeps the latest closed candle per symbol and announces
// each one on a pub/sub channel.
type RedisCandleSink struct {
	client  *redis.Client
	ttl     time.Duration
	channel string
	log     *logger.Log
}

func NewRedisCandleSink(ctx context.Context, cfg appconfig.RedisSinkConfig) (*RedisCandleSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewRedisCandleSinkFromClient(client, cfg.TTL, cfg.Channel), nil
}

func NewRedisCandleSinkFromClient(client *redis.Client, ttl time.Duration, channel string) *RedisCandleSink {
	log := logger.GetLogger()
	log.WithComponent("redis_sink").WithFields(logger.Fields{
		"ttl":     ttl.String(),
		"channel": channel,
	}).Info("redis candle sink initialized")
	return &RedisCandleSink{client: client, ttl: ttl, channel: channel, log: log}
}

func LatestCandleKey(symbol string) string {
	return redisKeyPrefix + strings.ToUpper(symbol)
}

func (s *RedisCandleSink) Name() string { return "redis" }

// Write stores c as the latest candle unless a newer window is already
// there, then publishes it when a channel is configured.
func (s *RedisCandleSink) Write(ctx context.Context, c models.Candle) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	payload := string(data)
	key := LatestCandleKey(c.Symbol)

	current, err := s.client.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
	case err != nil:
		return fmt.Errorf("get %s: %w", key, err)
	default:
		var stored models.Candle
		if json.Unmarshal([]byte(current), &stored) == nil && stored.WindowStart.After(c.WindowStart) {
			return s.publish(ctx, payload)
		}
	}

	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return s.publish(ctx, payload)
}

func (s *RedisCandleSink) publish(ctx context.Context, payload string) error {
	if s.channel == "" {
		return nil
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.channel, err)
	}
	return nil
}

func (s *RedisCandleSink) Close() error {
	return s.client.Close()
}
