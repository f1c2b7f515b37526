package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/scribe/internal/api"
	"github.com/MikeSquared-Agency/scribe/internal/config"
	"github.com/MikeSquared-Agency/scribe/internal/page"
	"github.com/MikeSquared-Agency/scribe/internal/protocol"
	"github.com/MikeSquared-Agency/scribe/internal/slack"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API for enhancing pages",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides SCRIBE_PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	setupLogging(os.Stdout, cfg.LogLevel)
	if servePort > 0 {
		cfg.Port = servePort
	}

	slog.Info("scribe starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Slack poster (optional, scribe works without it)
	var opts []page.Option
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		poster := slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default())
		opts = append(opts, page.WithOnFinished(poster.Notify))
		slog.Info("slack poster ready", "channel", cfg.SlackChannel)
	} else {
		slog.Warn("slack not configured, job summaries will not be posted")
	}

	p, err := newPipeline(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	defer p.Close()

	if err := p.hermes.Subscribe(protocol.SubjectNotifyGlobal, logGlobalNotification); err != nil {
		return fmt.Errorf("subscribe to worker notifications: %w", err)
	}

	srv := api.NewServer(cfg.Port, cfg.APIToken, p.manager)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	if cfg.APIToken == "" {
		slog.Warn("SCRIBE_API_TOKEN not set, page routes are unauthenticated")
	}

	slog.Info("scribe ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	cancel()
	slog.Info("scribe stopped")
	return nil
}

func logGlobalNotification(subject string, data []byte) {
	var n protocol.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		slog.Warn("bad worker notification", "subject", subject, "error", err)
		return
	}
	if n.Action == protocol.NotifyAPIKeyMissing {
		slog.Error("enhancement worker has no API key configured")
		return
	}
	slog.Debug("worker notification", "action", n.Action)
}
