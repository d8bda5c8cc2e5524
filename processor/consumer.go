package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

// MessageReader is the part of *kafka.Reader the consumers use.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader joins groupID on topic. Offsets are committed in the
// background once a second.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	log := logger.GetLogger().WithComponent("kafka_consumer")
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.WithField("detail", fmt.Sprintf(msg, args...)).Debug("kafka reader error")
		}),
	})
}

type ConsumerStats struct {
	Messages      int64
	Ticks         int64
	DecodeErrors  int64
	Skipped       int64
	ProcessErrors int64
}

// TickConsumer reads published envelopes of one trade kind from the log
// and feeds them to a Runner.
type TickConsumer struct {
	reader MessageReader
	runner *Runner
	kind   models.StreamKind
	log    *logger.Log

	messages      atomic.Int64
	ticks         atomic.Int64
	decodeErrors  atomic.Int64
	skipped       atomic.Int64
	processErrors atomic.Int64
}

func NewTickConsumer(reader MessageReader, runner *Runner, kind models.StreamKind) (*TickConsumer, error) {
	if reader == nil || runner == nil {
		return nil, fmt.Errorf("tick consumer needs a reader and a runner")
	}
	if !kind.IsTrade() {
		return nil, fmt.Errorf("stream kind %s carries no trades", kind)
	}
	return &TickConsumer{reader: reader, runner: runner, kind: kind, log: logger.GetLogger()}, nil
}

// Run consumes until ctx ends or the reader is closed, then shuts the
// runner down.
func (c *TickConsumer) Run(ctx context.Context) error {
	log := c.log.WithComponent("tick_consumer")
	log.WithField("kind", string(c.kind)).Info("tick consumer started")
	defer c.runner.Shutdown(ctx)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		c.messages.Add(1)
		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("offset", msg.Offset).Warn("commit failed")
		}
	}
}

func (c *TickConsumer) handle(ctx context.Context, msg kafka.Message) {
	log := c.log.WithComponent("tick_consumer")

	pm, err := models.DecodePublished(msg.Value)
	if err != nil {
		c.decodeErrors.Add(1)
		metrics.EmitDropMetric(c.log, metrics.DropDecodeError, string(msg.Key), logger.StageAggregate, 1)
		log.WithError(err).WithFields(logger.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("skipping undecodable message")
		return
	}
	ev := pm.Event()
	if ev.Kind != c.kind {
		c.skipped.Add(1)
		return
	}
	tick, err := models.ParseTick(ev.Kind, ev.Payload)
	if err != nil {
		c.processErrors.Add(1)
		metrics.EmitDropMetric(c.log, metrics.DropProcessingError, ev.Symbol, logger.StageAggregate, 1)
		log.WithError(err).WithField("stream", ev.Stream).Warn("skipping malformed trade")
		return
	}
	c.ticks.Add(1)
	c.runner.Process(ctx, tick)
}

func (c *TickConsumer) Stats() ConsumerStats {
	return ConsumerStats{
		Messages:      c.messages.Load(),
		Ticks:         c.ticks.Load(),
		DecodeErrors:  c.decodeErrors.Load(),
		Skipped:       c.skipped.Load(),
		ProcessErrors: c.processErrors.Load(),
	}
}
