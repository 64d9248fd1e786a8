package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/relaymq/relaymq/internal/auth"
	"github.com/relaymq/relaymq/internal/broker"
	"github.com/relaymq/relaymq/internal/config"
	"github.com/relaymq/relaymq/internal/metrics"
	"github.com/relaymq/relaymq/internal/server"
	"github.com/relaymq/relaymq/internal/storage"
)

func main() {
	// Missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg := config.Load()
	logger := newLogger(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open storage backend")
	}
	defer closeStore()

	b := broker.New(broker.Options{
		Store:  store,
		Logger: logger,
		TopicDefaults: &broker.TopicConfig{
			MaxQueueSize:     cfg.Broker.MaxQueueSize,
			MessageRetention: cfg.Broker.MessageRetention,
			MaxRetries:       cfg.Broker.MaxRetries,
			RetryDelay:       cfg.Broker.RetryDelay,
		},
		DeadLetterMaxSize:     cfg.Broker.DeadLetterMaxSize,
		DeadLetterDropPolicy:  dropPolicy(cfg.Broker.DeadLetterNotify),
		RequestTimeout:        cfg.Broker.RequestTimeout,
		StoreMessageRetention: cfg.Storage.MessageRetention,
	})
	defer b.Close()

	keys := auth.NewKeyStore(cfg.Auth.RateLimit, cfg.Auth.RateBurst)
	if persist, ok := store.(auth.Store); ok {
		if err := keys.Attach(persist, logger); err != nil {
			logger.WithError(err).Fatal("failed to load api keys")
		}
	}
	if cfg.Auth.DemoKeys {
		for _, key := range keys.DemoKeys() {
			logger.WithFields(logrus.Fields{"key": key.Key, "scopes": key.Scopes}).Info("demo key available")
		}
	}

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics.New(registry, cfg.Metrics.Namespace, b)
		gatherer = registry
	}

	srv := server.New(cfg, b, keys, gatherer, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("server failed")
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("shutdown did not complete cleanly")
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func openStore(cfg *config.Config, logger *logrus.Logger) (broker.Store, func(), error) {
	ctx := context.Background()
	switch cfg.Storage.Backend {
	case "postgres":
		store, err := storage.NewPostgresStore(ctx, cfg.Database.DSN(), cfg.Database.PoolSize, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "redis":
		store, err := storage.NewRedisStore(ctx, storage.RedisOptions{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store := storage.NewMemoryStore(0)
		return store, store.Close, nil
	}
}

func dropPolicy(notify bool) broker.DropPolicy {
	if notify {
		return broker.DropNotify
	}
	return broker.DropSilent
}
