package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
)

func main() {
	log := logger.GetLogger()

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		log.WithError(err).Warn("Error loading .env file")
	}

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}
	if len(cfg.Logging.Fields) > 0 {
		log.AddHook(staticFields(cfg.Logging.Fields))
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service": cfg.Tickflow.Name,
		"version": cfg.Tickflow.Version,
		"mode":    cfg.Tickflow.Mode,
		"env":     env,
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.CheckBrokers(ctx, cfg.Publisher.Brokers); err != nil {
		log.WithError(err).Error("kafka brokers unusable")
		os.Exit(1)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		if err := logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace); err != nil && config.IsProductionLike(env) {
			log.WithError(err).Error("CloudWatch is required in this environment")
			os.Exit(1)
		}
	}
	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	if logger.ReportEnabled(cfg.Logging.Level) {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	p, err := newPipeline(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to assemble pipeline")
		os.Exit(1)
	}
	failed := p.start(ctx)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-failed:
		log.WithError(err).Error("pipeline stage failed")
		exitCode = 1
	}

	log.Info("starting graceful shutdown")
	cancel()
	p.shutdown()

	log.Info("tickflow stopped")
	os.Exit(exitCode)
}
