package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/anthropic"
	"github.com/MikeSquared-Agency/scribe/internal/config"
	"github.com/MikeSquared-Agency/scribe/internal/enhancer"
	"github.com/MikeSquared-Agency/scribe/internal/hermes"
	"github.com/MikeSquared-Agency/scribe/internal/protocol"
	"github.com/MikeSquared-Agency/scribe/internal/worker"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("scribe-worker starting", "rate_per_minute", cfg.RatePerMinute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Anthropic client. A missing key is reported to callers instead of
	// stopping the worker.
	llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	if llm.Configured() {
		slog.Info("anthropic client ready", "model", cfg.AnthropicModel)
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set, requests will report needsApiKey")
	}

	enh := enhancer.New(llm, slog.Default())

	// NATS/Hermes
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer hermesClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	w := worker.New(enh, llm, hermesClient, worker.Config{
		RatePerMinute:   cfg.RatePerMinute,
		ChunkSize:       cfg.ChunkSize,
		ChunkingEnabled: cfg.ChunkingEnabled,
		MinChunkLength:  cfg.MinChunkLength,
	}, slog.Default())

	if err := w.Register(hermesClient); err != nil {
		slog.Error("failed to register worker subjects", "error", err)
		os.Exit(1)
	}

	// Announce registration
	if err := hermesClient.Publish("scribe.worker.registered", map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"configured": llm.Configured(),
	}); err != nil {
		slog.Warn("failed to publish registration", "error", err)
	}

	slog.Info("scribe-worker ready")

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	w.CancelEnhancement(ctx, protocol.CancelEnhancement{})
	w.Wait()
	cancel()
	slog.Info("scribe-worker stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
