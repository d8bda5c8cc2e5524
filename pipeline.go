package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/internal/health"
	"tickflow/internal/metrics"
	"tickflow/internal/router"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/processor"
	"tickflow/reader/binance"
	"tickflow/writer"
)

const shutdownTimeout = 30 * time.Second

// pipeline holds the stages enabled by tickflow.mode. Unused stages stay nil.
type pipeline struct {
	cfg *config.Config
	log *logger.Log

	publisher *writer.Publisher
	collector *binance.Collector
	trades    *channel.Trades
	runner    *processor.Runner
	consumer  *processor.TickConsumer
	source    processor.MessageReader
	sinks     *writer.MultiSink
	s3        *writer.S3CandleSink
	health    *health.Server
	meters    []*metrics.Meter

	aggCancel     context.CancelFunc
	collectorDone chan struct{}
	aggDone       chan struct{}
	background    sync.WaitGroup
}

func newPipeline(ctx context.Context, cfg *config.Config, log *logger.Log) (*pipeline, error) {
	p := &pipeline{cfg: cfg, log: log}
	mode := cfg.Tickflow.Mode
	collect := mode == config.ModeCollector || mode == config.ModeAll
	aggregate := mode == config.ModeAggregator || mode == config.ModeAll

	tradeKind, err := models.ParseStreamKind(cfg.Aggregator.TradeStream)
	if err != nil {
		return nil, err
	}

	if collect || cfg.Sinks.Kafka.Enabled {
		pub, err := writer.NewPublisher(cfg.Publisher, writer.NewKafkaWriter(cfg.Publisher), nil)
		if err != nil {
			return nil, err
		}
		p.publisher = pub
	}

	if collect {
		var opts []router.Option
		if mode == config.ModeAll {
			p.trades = channel.NewTrades(cfg.Aggregator.TapBuffer)
			opts = append(opts, router.WithTap(p.trades, tradeKind))
		}
		r, err := router.NewRouter(cfg.Router, p.publisher, opts...)
		if err != nil {
			return nil, err
		}
		p.collector, err = binance.NewCollector(cfg.Reader, r.Handle, nil)
		if err != nil {
			return nil, err
		}
		p.meters = append(p.meters, p.collector.Meter())
	}
	if p.publisher != nil {
		p.meters = append(p.meters, p.publisher.Meter())
	}

	if aggregate {
		if err := p.buildSinks(ctx); err != nil {
			return nil, err
		}
		agg, err := processor.NewAggregator(cfg.Aggregator)
		if err != nil {
			return nil, err
		}
		p.runner, err = processor.NewRunner(agg, p.sinks, cfg.Aggregator.FlushOnShutdown, nil)
		if err != nil {
			return nil, err
		}
		p.meters = append(p.meters, p.runner.Meter())

		if mode == config.ModeAggregator {
			p.source = processor.NewKafkaReader(cfg.Publisher.Brokers, cfg.Aggregator.SourceTopic, cfg.Aggregator.GroupID)
			p.consumer, err = processor.NewTickConsumer(p.source, p.runner, tradeKind)
			if err != nil {
				return nil, err
			}
		}
	}

	p.health = health.NewServer(cfg.Health, log, p.meters...)
	return p, nil
}

func (p *pipeline) buildSinks(ctx context.Context) error {
	cfg := p.cfg.Sinks
	var sinks []writer.CandleSink

	if cfg.Log.Enabled {
		sinks = append(sinks, writer.NewLogSink())
	}
	if cfg.Kafka.Enabled {
		s, err := writer.NewKafkaCandleSink(p.publisher, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		sinks = append(sinks, s)
	}
	if cfg.S3.Enabled {
		client, err := writer.NewS3Client(ctx, cfg.S3)
		if err != nil {
			return err
		}
		p.s3, err = writer.NewS3CandleSink(cfg.S3, client)
		if err != nil {
			return err
		}
		sinks = append(sinks, p.s3)
	}
	if cfg.Postgres.Enabled {
		s, err := writer.NewPostgresCandleSink(cfg.Postgres)
		if err != nil {
			return err
		}
		sinks = append(sinks, s)
	}
	if cfg.Redis.Enabled {
		s, err := writer.NewRedisCandleSink(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		sinks = append(sinks, s)
	}

	p.sinks = writer.NewMultiSink(sinks...)
	if p.sinks.Len() == 0 {
		p.log.WithComponent("main").Warn("no candle sinks enabled; candles are computed and discarded")
	}
	return nil
}

// start launches every stage. The returned channel reports a stage that
// stopped on its own with an error.
func (p *pipeline) start(ctx context.Context) <-chan error {
	failed := make(chan error, 2)
	log := p.log.WithComponent("main")

	if p.publisher != nil {
		if err := p.publisher.Start(ctx); err != nil {
			failed <- err
			return failed
		}
	}
	if p.s3 != nil {
		if err := p.s3.Start(ctx); err != nil {
			failed <- err
			return failed
		}
	}

	p.background.Add(2)
	go func() {
		defer p.background.Done()
		metrics.RunReporter(ctx, p.log, p.cfg.Metrics.ReportInterval, p.meters...)
	}()
	go func() {
		defer p.background.Done()
		if err := p.health.Run(ctx); err != nil {
			log.WithError(err).Warn("health server stopped")
		}
	}()

	if p.collector != nil {
		p.collectorDone = make(chan struct{})
		go func() {
			defer close(p.collectorDone)
			if err := p.collector.Run(ctx); err != nil {
				failed <- fmt.Errorf("collector: %w", err)
			}
		}()
	}

	if p.runner != nil {
		p.aggDone = make(chan struct{})
		switch {
		case p.trades != nil:
			// The runner outlives ctx so ticks already tapped are folded in
			// before the drain; closing the trade channel stops it.
			aggCtx, cancel := context.WithCancel(context.Background())
			p.aggCancel = cancel
			go func() {
				defer close(p.aggDone)
				if err := p.runner.Run(aggCtx, p.trades.C); err != nil {
					failed <- fmt.Errorf("aggregator: %w", err)
				}
			}()
		case p.consumer != nil:
			go func() {
				defer close(p.aggDone)
				if err := p.consumer.Run(ctx); err != nil {
					failed <- fmt.Errorf("tick consumer: %w", err)
				}
			}()
		}
	}
	return failed
}

// shutdown runs after the root context is cancelled. Order matters: the
// collector stops feeding, the aggregator drains into the sinks, the
// publisher flushes whatever the sinks and router queued, then sinks close.
func (p *pipeline) shutdown() {
	log := p.log.WithComponent("main")
	deadline := time.After(shutdownTimeout)

	collectorStopped := true
	if p.collectorDone != nil {
		log.Info("stopping collector")
		collectorStopped = waitOrWarn(log, p.collectorDone, deadline, "collector")
	}

	if p.aggDone != nil {
		log.Info("stopping aggregator")
		if p.trades != nil {
			// A collector that is still running may yet send on the channel.
			if collectorStopped {
				p.trades.Close()
			} else {
				p.aggCancel()
			}
		}
		waitOrWarn(log, p.aggDone, deadline, "aggregator")
		if p.aggCancel != nil {
			p.aggCancel()
		}
	}
	if p.source != nil {
		if err := p.source.Close(); err != nil {
			log.WithError(err).Warn("failed to close kafka reader")
		}
	}

	if p.publisher != nil {
		log.Info("stopping publisher")
		p.publisher.Stop()
	}

	if p.sinks != nil {
		log.Info("closing candle sinks")
		if err := p.sinks.Close(); err != nil {
			log.WithError(err).Warn("candle sink close failed")
		}
	}

	done := make(chan struct{})
	go func() {
		p.background.Wait()
		close(done)
	}()
	waitOrWarn(log, done, deadline, "background tasks")

	if p.consumer != nil {
		stats := p.consumer.Stats()
		log.WithFields(logger.Fields{
			"messages":       stats.Messages,
			"ticks":          stats.Ticks,
			"decode_errors":  stats.DecodeErrors,
			"skipped":        stats.Skipped,
			"process_errors": stats.ProcessErrors,
		}).Info("tick consumer stopped")
	}
	if p.collector != nil {
		stats := p.collector.Stats()
		log.WithFields(logger.Fields{
			"frames":         stats.Frames,
			"decode_errors":  stats.DecodeErrors,
			"handler_errors": stats.HandlerErrors,
			"reconnects":     stats.Reconnects,
		}).Info("collector stopped")
	}
	metrics.LogSummary(p.log, time.Now(), p.meters...)
}

func waitOrWarn(log *logger.Entry, done <-chan struct{}, deadline <-chan time.Time, what string) bool {
	select {
	case <-done:
		return true
	case <-deadline:
		log.WithField("stage", what).Warn("graceful shutdown timeout exceeded")
		return false
	}
}

// staticFields stamps logging.fields onto every entry.
type staticFields logrus.Fields

func (f staticFields) Levels() []logrus.Level { return logrus.AllLevels }

func (f staticFields) Fire(entry *logrus.Entry) error {
	for k, v := range f {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}
