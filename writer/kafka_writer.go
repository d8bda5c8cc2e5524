package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	appconfig "tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
)

// ErrPublisherClosed is returned by Send after Stop.
var ErrPublisherClosed = errors.New("publisher closed")

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type PublisherStats struct {
	Enqueued  int64
	Published int64
	Dropped   int64
	Discarded int64
}

// Publisher queues messages in a bounded buffer and writes them to Kafka
// from a single worker, in batches of batch_size or every batch_timeout.
// Send blocks while the buffer is full.
type Publisher struct {
	cfg    appconfig.PublisherConfig
	writer MessageWriter
	queue  chan kafka.Message
	meter  *metrics.Meter
	wg     sync.WaitGroup
	log    *logger.Log

	mu       sync.RWMutex
	running  bool
	stopOnce sync.Once
	stopping chan struct{}
	flushCtx context.Context

	enqueued  atomic.Int64
	published atomic.Int64
	dropped   atomic.Int64
	discarded atomic.Int64
}

// NewKafkaWriter builds the process-wide Kafka client: acks from all
// replicas, finite retries, hash partitioning by key, gzip batches.
func NewKafkaWriter(cfg appconfig.PublisherConfig) *kafka.Writer {
	log := logger.GetLogger().WithComponent("kafka_client")
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxAttempts,
		BatchSize:              cfg.BatchSize,
		BatchBytes:             cfg.BatchBytes,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.WithField("detail", fmt.Sprintf(msg, args...)).Debug("kafka client error")
		}),
	}
	switch strings.ToLower(cfg.Compression) {
	case "gzip", "":
		w.Compression = kafka.Gzip
	case "snappy":
		w.Compression = kafka.Snappy
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	}
	return w
}

func NewPublisher(cfg appconfig.PublisherConfig, w MessageWriter, meter *metrics.Meter) (*Publisher, error) {
	if w == nil {
		return nil, fmt.Errorf("kafka writer is required")
	}
	if cfg.Buffer <= 0 || cfg.BatchSize <= 0 || cfg.BatchTimeout <= 0 {
		return nil, fmt.Errorf("publisher buffer, batch_size and batch_timeout must be positive")
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if meter == nil {
		meter = metrics.NewMeter(logger.StagePublish, time.Now())
	}
	return &Publisher{
		cfg:      cfg,
		writer:   w,
		queue:    make(chan kafka.Message, cfg.Buffer),
		meter:    meter,
		log:      logger.GetLogger(),
		stopping: make(chan struct{}),
	}, nil
}

func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("publisher already running")
	}
	select {
	case <-p.stopping:
		return ErrPublisherClosed
	default:
	}
	p.running = true

	p.log.WithComponent("publisher").WithFields(logger.Fields{
		"buffer":        p.cfg.Buffer,
		"batch_size":    p.cfg.BatchSize,
		"batch_timeout": p.cfg.BatchTimeout.String(),
		"max_attempts":  p.cfg.MaxAttempts,
	}).Info("starting publisher")

	p.wg.Add(1)
	go p.run()
	return nil
}

// Send enqueues value for topic with key as the partition key. It returns
// ctx.Err() if ctx ends while the buffer is full.
func (p *Publisher) Send(ctx context.Context, topic, key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrPublisherClosed
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}
	select {
	case p.queue <- msg:
		p.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopping:
		return ErrPublisherClosed
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()

	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	var timeout <-chan time.Time

	for {
		select {
		case msg, ok := <-p.queue:
			if !ok {
				p.flush(batch)
				return
			}
			batch = append(batch, msg)
			if len(batch) == 1 {
				timeout = time.After(p.cfg.BatchTimeout)
			}
			if len(batch) >= p.cfg.BatchSize {
				p.flush(batch)
				batch = make([]kafka.Message, 0, p.cfg.BatchSize)
				timeout = nil
			}
		case <-timeout:
			p.flush(batch)
			batch = make([]kafka.Message, 0, p.cfg.BatchSize)
			timeout = nil
		}
	}
}

// writeCtx is uncancelled during normal operation and the bounded flush
// context once Stop has begun.
func (p *Publisher) writeCtx() (context.Context, bool) {
	select {
	case <-p.stopping:
		return p.flushCtx, true
	default:
		return context.Background(), false
	}
}

func (p *Publisher) flush(batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	ctx, shuttingDown := p.writeCtx()
	log := p.log.WithComponent("publisher")

	if shuttingDown && ctx.Err() != nil {
		p.discard(batch)
		return
	}

	start := time.Now()
	err := p.writer.WriteMessages(ctx, batch...)
	failed := failedMessages(batch, err)

	if shuttingDown && ctx.Err() != nil && len(failed) > 0 {
		unsent := make([]kafka.Message, len(failed))
		for i, f := range failed {
			unsent[i] = f.msg
		}
		p.discard(unsent)
		failed = nil
	}
	for _, f := range failed {
		p.dropped.Add(1)
		metrics.EmitDropMetric(p.log, metrics.DropPublishFailed, string(f.msg.Key), logger.StagePublish, 1)
		log.WithError(f.err).WithFields(logger.Fields{
			"topic": f.msg.Topic,
			"key":   string(f.msg.Key),
			"bytes": len(f.msg.Value),
		}).Error("message dropped after retries")
	}

	delivered := len(batch) - len(failed)
	if delivered <= 0 {
		return
	}
	p.published.Add(int64(delivered))
	p.meter.Mark(delivered, time.Now())

	perTopic := make(map[string]int)
	for i, msg := range batch {
		if isFailed(failed, i) {
			continue
		}
		perTopic[msg.Topic]++
		logger.IncrementPublished(msg.Topic, len(msg.Value))
	}
	for topic, n := range perTopic {
		metrics.IncPublished(topic, n)
	}
	if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		logger.LogPerformanceEntry(log, "publisher", "write_batch", time.Since(start), logger.Fields{"messages": len(batch)})
	}
}

func (p *Publisher) discard(batch []kafka.Message) {
	p.discarded.Add(int64(len(batch)))
	metrics.EmitDropMetric(p.log, metrics.DropShutdownDiscard, "", logger.StagePublish, len(batch))
	p.log.WithComponent("publisher").WithField("messages", len(batch)).Warn("discarding unsent messages at shutdown")
}

type failedMessage struct {
	index int
	msg   kafka.Message
	err   error
}

// failedMessages maps a WriteMessages error onto the messages it covers.
// kafka.WriteErrors carries one entry per message; any other error fails
// the whole batch.
func failedMessages(batch []kafka.Message, err error) []failedMessage {
	if err == nil {
		return nil
	}
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) && len(werrs) == len(batch) {
		out := make([]failedMessage, 0, werrs.Count())
		for i, e := range werrs {
			if e != nil {
				out = append(out, failedMessage{index: i, msg: batch[i], err: e})
			}
		}
		return out
	}
	out := make([]failedMessage, len(batch))
	for i, msg := range batch {
		out[i] = failedMessage{index: i, msg: msg, err: err}
	}
	return out
}

func isFailed(failed []failedMessage, index int) bool {
	for _, f := range failed {
		if f.index == index {
			return true
		}
	}
	return false
}

// Stop refuses new sends, flushes what is buffered within flush_timeout,
// discards the rest and closes the writer.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
		defer cancel()
		p.flushCtx = flushCtx
		close(p.stopping)

		p.mu.Lock()
		wasRunning := p.running
		p.running = false
		p.mu.Unlock()

		log := p.log.WithComponent("publisher")
		if wasRunning {
			log.WithField("buffered", len(p.queue)).Info("stopping publisher")
			close(p.queue)
			p.wg.Wait()
		}
		if err := p.writer.Close(); err != nil {
			log.WithError(err).Warn("failed to close kafka writer")
		}

		stats := p.Stats()
		log.WithFields(logger.Fields{
			"enqueued":  stats.Enqueued,
			"published": stats.Published,
			"dropped":   stats.Dropped,
			"discarded": stats.Discarded,
		}).Info("publisher stopped")
	})
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Enqueued:  p.enqueued.Load(),
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Discarded: p.discarded.Load(),
	}
}

func (p *Publisher) Meter() *metrics.Meter { return p.meter }
