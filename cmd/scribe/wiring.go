package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/channel"
	"github.com/MikeSquared-Agency/scribe/internal/config"
	"github.com/MikeSquared-Agency/scribe/internal/extract"
	"github.com/MikeSquared-Agency/scribe/internal/hermes"
	"github.com/MikeSquared-Agency/scribe/internal/orchestrator"
	"github.com/MikeSquared-Agency/scribe/internal/page"
	"github.com/MikeSquared-Agency/scribe/internal/store"
)

// pipeline is everything between a page URL and the worker.
type pipeline struct {
	hermes  *hermes.Client
	session *channel.Session
	manager *page.Manager
	closers []func()
}

func (p *pipeline) Close() {
	p.manager.Shutdown()
	p.session.Stop()
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

func newPipeline(ctx context.Context, cfg config.Config, opts ...page.Option) (*pipeline, error) {
	logger := slog.Default()
	p := &pipeline{}

	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
	if err != nil {
		return nil, err
	}
	p.hermes = hermesClient
	p.closers = append(p.closers, hermesClient.Close)
	slog.Info("NATS connected", "url", cfg.NatsURL)

	cache, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		hermesClient.Close()
		return nil, err
	}
	if closeCache != nil {
		p.closers = append(p.closers, closeCache)
	}

	p.session = channel.NewSession(hermesClient, channel.SessionConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Jitter:            cfg.HeartbeatJitter,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxRetries:        cfg.MaxRetries,
		PingTimeout:       5 * time.Second,
	}, logger)
	if err := p.session.Start(ctx); err != nil {
		// The worker may still be starting; the session keeps reconnecting.
		slog.Warn("worker not reachable yet", "error", err)
	}
	ch := channel.New(hermesClient, p.session, logger)

	p.manager = page.NewManager(
		extract.NewFetcher(),
		extract.DefaultRegistry(),
		orchestrator.NewChannelDispatcher(ch),
		cache,
		page.Config{
			ChunkSize:       cfg.ChunkSize,
			ChunkingEnabled: cfg.ChunkingEnabled,
			MinChunkLength:  cfg.MinChunkLength,
		},
		logger,
		opts...,
	)
	return p, nil
}

// openCache picks Postgres, then Redis, then an in-process map.
func openCache(ctx context.Context, cfg config.Config) (store.Cache, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		slog.Info("database connected")
		return db, db.Close, nil
	case cfg.RedisURL != "":
		client, err := store.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("redis connected", "ttl", cfg.CacheTTL)
		return store.NewRedisCache(client, cfg.CacheTTL), func() { client.Close() }, nil
	default:
		slog.Warn("no DATABASE_URL or REDIS_URL, caching in memory")
		return store.NewMemoryCache(), nil, nil
	}
}
