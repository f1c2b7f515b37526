package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/scribe/internal/config"
)

var (
	enhanceFullPage bool
	enhanceJSON     bool
	enhanceRefresh  bool
)

var enhanceCmd = &cobra.Command{
	Use:   "enhance [url]",
	Short: "Enhance one chapter and print the result",
	Long: `Fetches the page, runs every section through the enhancement worker
and prints the merged chapter. Sections that fail keep their original text.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnhance,
}

func init() {
	enhanceCmd.Flags().BoolVar(&enhanceFullPage, "page", false, "print the whole page instead of the chapter content")
	enhanceCmd.Flags().BoolVar(&enhanceJSON, "json", false, "print the final status snapshot as JSON")
	enhanceCmd.Flags().BoolVar(&enhanceRefresh, "refresh", false, "enhance again even when a saved result exists")
	rootCmd.AddCommand(enhanceCmd)
}

func runEnhance(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	setupLogging(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	defer p.Close()

	sess, err := p.manager.Open(ctx, args[0])
	if err != nil {
		return err
	}
	if _, err := sess.Enhance(enhanceRefresh); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		sess.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sess.Cancel()
		<-done
	}

	snap := sess.Snapshot()
	switch {
	case enhanceJSON:
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	case enhanceFullPage:
		out, err := sess.Render()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
	default:
		fmt.Fprintln(cmd.OutOrStdout(), snap.Content)
	}

	cmd.PrintErrln(snap.Banner.Message)
	return nil
}
