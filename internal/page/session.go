// Package page owns everything belonging to one enhanced page load: the
// parsed document, its job, the orchestrator driving it and the view
// reporting on it.
package page

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/MikeSquared-Agency/scribe/internal/extract"
	"github.com/MikeSquared-Agency/scribe/internal/orchestrator"
	"github.com/MikeSquared-Agency/scribe/internal/store"
	"github.com/MikeSquared-Agency/scribe/internal/view"
)

const remoteCancelTimeout = 5 * time.Second

// Session is one page load. It is created by Manager.Open.
type Session struct {
	ID     string
	URL    string
	Title  string
	Cached *store.Record // saved result for the same page content, if any

	handler    extract.Handler
	dispatcher Dispatcher
	orch       *orchestrator.Orchestrator
	view       *view.View
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	docMu sync.Mutex
	doc   *html.Node
	area  *html.Node
}

func (s *Session) View() *view.View { return s.view }

func (s *Session) Snapshot() view.Snapshot { return s.view.Snapshot() }

// Start enhances every chunk in the background.
func (s *Session) Start() error {
	return s.Resume()
}

// Enhance starts a run unless a saved enhancement is on show; refresh
// forces a new run. It reports whether a run was started.
func (s *Session) Enhance(refresh bool) (bool, error) {
	if !refresh && s.view.Snapshot().Cached {
		s.logger.Info("serving saved enhancement")
		return false, nil
	}
	if err := s.Start(); err != nil {
		return false, err
	}
	return true, nil
}

// Resume enhances the given chunks, or every unfinished chunk, in the
// background.
func (s *Session) Resume(indices ...int) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	s.background("resume", func(ctx context.Context) error {
		return s.view.Resume(ctx, indices...)
	})
	return nil
}

// Retry re-enhances one chunk in the background.
func (s *Session) Retry(index int) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	lines := s.view.Snapshot().Lines
	if index < 0 || index >= len(lines) {
		return fmt.Errorf("%w: %d", orchestrator.ErrNoSuchChunk, index)
	}
	if st := lines[index].State; st != orchestrator.ChunkCompleted && st != orchestrator.ChunkError {
		return fmt.Errorf("%w: %s", orchestrator.ErrInvalidState, st)
	}
	s.background("retry", func(ctx context.Context) error {
		return s.view.Retry(ctx, index)
	})
	return nil
}

func (s *Session) Revert(index int) error       { return s.view.Revert(index) }
func (s *Session) ShowEnhanced(index int) error { return s.view.ShowEnhanced(index) }

// Cancel stops local dispatch and asks the worker to drop in-flight work.
func (s *Session) Cancel() bool {
	cancelled := s.view.Cancel()
	if cancelled && s.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), remoteCancelTimeout)
		defer cancel()
		if err := s.dispatcher.Cancel(ctx, s.ID); err != nil {
			s.logger.Warn("remote cancel failed", "error", err)
		}
	}
	return cancelled
}

// Delete removes the cached result for this page.
func (s *Session) Delete(ctx context.Context) error {
	return s.view.Delete(ctx)
}

// Render returns the full page with the current chapter content in place.
func (s *Session) Render() (string, error) {
	content := s.view.Snapshot().Content

	s.docMu.Lock()
	defer s.docMu.Unlock()
	if s.area != nil {
		if err := extract.Apply(s.handler, s.area, content); err != nil {
			return "", err
		}
	}
	var sb strings.Builder
	if err := html.Render(&sb, s.doc); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Wait blocks until background work started by this session returns.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) close() {
	s.Cancel()
	s.cancel()
}

func (s *Session) checkIdle() error {
	if s.orch.Busy() {
		return orchestrator.ErrBusy
	}
	return nil
}

func (s *Session) background(op string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := fn(s.ctx)
		switch {
		case err == nil:
		case errors.Is(err, orchestrator.ErrCancelled), errors.Is(err, context.Canceled):
			s.logger.Info("enhancement stopped", "op", op)
		default:
			s.logger.Warn("enhancement ended with error", "op", op, "error", err)
		}
	}()
}
