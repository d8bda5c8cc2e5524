// Command klinecompare logs closed Binance klines from the kline topic and,
// when the Kafka candle sink is enabled, compares each with the candle
// tickflow derived for the same window.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/processor"
)

func main() {
	log := logger.GetLogger()

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	groupID := flag.String("group", "tickflow-klinecompare", "Kafka consumer group")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		log.WithError(err).Warn("Error loading .env file")
	}
	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.CheckBrokers(ctx, cfg.Publisher.Brokers); err != nil {
		log.WithError(err).Error("kafka brokers unusable")
		os.Exit(1)
	}

	// A derived candle is emitted only after allowed_lateness has passed, so
	// its kline waits at least that long.
	watcher := processor.NewKlineWatcher(processor.WithKlineRetention(
		3*cfg.Aggregator.Interval + cfg.Aggregator.AllowedLateness,
	))
	var wg sync.WaitGroup

	klines := processor.NewKafkaReader(cfg.Publisher.Brokers, cfg.Aggregator.KlineTopic, *groupID)
	defer klines.Close()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watcher.Run(ctx, klines); err != nil {
			log.WithComponent("klinecompare").WithError(err).Error("kline reader stopped")
			stop()
		}
	}()

	if cfg.Sinks.Kafka.Enabled {
		candles := processor.NewKafkaReader(cfg.Publisher.Brokers, cfg.Sinks.Kafka.Topic, *groupID+"-candles")
		defer candles.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.RunCandles(ctx, candles); err != nil {
				log.WithComponent("klinecompare").WithError(err).Error("candle reader stopped")
				stop()
			}
		}()
	}

	log.WithComponent("klinecompare").WithFields(logger.Fields{
		"kline_topic": cfg.Aggregator.KlineTopic,
		"compare":     cfg.Sinks.Kafka.Enabled,
	}).Info("watching closed klines")

	wg.Wait()
	stats := watcher.Stats()
	log.WithComponent("klinecompare").WithFields(logger.Fields{
		"closed":     stats.Closed,
		"matched":    stats.Matched,
		"mismatched": stats.Mismatched,
		"expired":    stats.Expired,
		"pending":    stats.Pending,
	}).Info("klinecompare stopped")
}
