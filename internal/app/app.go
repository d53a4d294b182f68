// Package app wires configuration into the collaborators both binaries share.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"yoma-reconciler/internal/archive"
	"yoma-reconciler/internal/config"
	"yoma-reconciler/internal/events"
	"yoma-reconciler/internal/jobs"
	"yoma-reconciler/internal/lock"
	"yoma-reconciler/internal/provider"
	"yoma-reconciler/internal/queue"
	"yoma-reconciler/internal/reconcile"
	"yoma-reconciler/internal/status"
	"yoma-reconciler/internal/store"
	"yoma-reconciler/internal/telemetry"
)

// App holds the long-lived clients of a process.
type App struct {
	Config      config.Config
	Store       *store.Store
	Redis       *redis.Client
	Registry    *jobs.Registry
	DeadLetters *queue.DeadLetterQueue

	shutdownTracing func(context.Context) error
}

// Build connects to Postgres and Redis, applies the schema and builds every job.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		st.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	var cache *status.Cache
	if cfg.CacheEnabled {
		cache = status.NewCache(cfg.CacheSlidingExpiration(), cfg.CacheAbsoluteExpiration())
		if cfg.CacheSharedEnabled {
			cache = cache.WithShared(rdb)
		}
	}

	deadLetters := queue.NewDeadLetterQueue(rdb, cfg.DeadLetterCap)
	opts := []reconcile.Option{
		reconcile.WithLocker(lock.NewManager(rdb, "yoma:lock:")),
		reconcile.WithDeadLetters(deadLetters),
	}
	if cfg.EventsQueueURL != "" {
		publisher, err := events.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.EventsQueueURL)
		if err != nil {
			st.Close()
			_ = rdb.Close()
			return nil, err
		}
		opts = append(opts, reconcile.WithPublisher(publisher))
	}
	runs, err := archive.New(ctx, cfg)
	if err != nil {
		st.Close()
		_ = rdb.Close()
		return nil, err
	}
	if runs != nil {
		opts = append(opts, reconcile.WithArchiver(runs))
	}

	registry := jobs.NewRegistry(cfg, jobs.Deps{
		Items:     func(t store.Table) jobs.ItemStore { return st.Repository(t) },
		Statuses:  st,
		Cache:     cache,
		Rewards:   provider.NewRewards(providerOptions(cfg.RewardsBaseURL, cfg.RewardsAPIKey, cfg)),
		SSI:       provider.NewSSI(providerOptions(cfg.SSIBaseURL, cfg.SSIAPIKey, cfg)),
		Throttles: rdb,
		Options:   opts,
	})

	logrus.WithFields(logrus.Fields{
		"env":          cfg.Env,
		"cache":        cfg.CacheEnabled,
		"events":       cfg.EventsQueueURL != "",
		"archive":      runs != nil,
		"max_retries":  cfg.MaxRetryCount,
		"run_deadline": cfg.MaxRunDuration.String(),
	}).Info("reconciler wired")

	return &App{
		Config:          cfg,
		Store:           st,
		Redis:           rdb,
		Registry:        registry,
		DeadLetters:     deadLetters,
		shutdownTracing: shutdownTracing,
	}, nil
}

func providerOptions(baseURL, apiKey string, cfg config.Config) provider.Options {
	return provider.Options{
		BaseURL:          baseURL,
		APIKey:           apiKey,
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
	}
}

// Close releases the clients and flushes traces.
func (a *App) Close(ctx context.Context) {
	if err := a.shutdownTracing(ctx); err != nil {
		logrus.WithError(err).Warn("flush traces")
	}
	_ = a.Redis.Close()
	a.Store.Close()
}
