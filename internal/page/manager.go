package page

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/scribe/internal/aligner"
	"github.com/MikeSquared-Agency/scribe/internal/extract"
	"github.com/MikeSquared-Agency/scribe/internal/orchestrator"
	"github.com/MikeSquared-Agency/scribe/internal/splitter"
	"github.com/MikeSquared-Agency/scribe/internal/store"
	"github.com/MikeSquared-Agency/scribe/internal/view"
)

var (
	ErrNoContent = errors.New("no chapter content found on page")
	ErrNotFound  = errors.New("no such page session")
)

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*extract.Page, error)
}

// Dispatcher is the orchestrator's dispatcher plus remote cancellation.
type Dispatcher interface {
	orchestrator.Dispatcher
	Cancel(ctx context.Context, documentID string) error
}

type Config struct {
	ChunkSize       int
	ChunkingEnabled bool
	MinChunkLength  int
}

// Summary describes a finished job.
type Summary struct {
	DocumentID     string
	URL            string
	Title          string
	TotalChunks    int
	TotalProcessed int
	FailedChunks   []int
}

type Option func(*Manager)

// WithOnFinished registers a callback run after every job finishes.
func WithOnFinished(fn func(Summary)) Option {
	return func(m *Manager) { m.onFinished = fn }
}

// Manager keeps one Session per document.
type Manager struct {
	fetcher    Fetcher
	registry   *extract.Registry
	dispatcher Dispatcher
	cache      store.Cache
	cfg        Config
	onFinished func(Summary)
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(f Fetcher, reg *extract.Registry, d Dispatcher, cache store.Cache, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if reg == nil {
		reg = extract.DefaultRegistry()
	}
	m := &Manager{
		fetcher:    f,
		registry:   reg,
		dispatcher: d,
		cache:      cache,
		cfg:        cfg,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DocumentID is the stable ID of the chapter at url.
func DocumentID(url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(url)).String()
}

// Open fetches url and prepares a session for it. An existing session for
// the same page is cancelled and replaced.
func (m *Manager) Open(ctx context.Context, url string) (*Session, error) {
	pg, err := m.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	handler := m.registry.Resolve(pg.Host)
	area := handler.FindContentArea(pg.Doc)
	content := handler.ExtractContent(pg.Doc)
	if area == nil || !content.Found {
		return nil, fmt.Errorf("%s: %w", url, ErrNoContent)
	}

	id := DocumentID(url)
	logger := m.logger.With("document_id", id)

	chunks := m.chunk(content.Text)
	fragments, err := aligner.AlignChecked(area, chunks)
	if err != nil {
		logger.Warn("falling back to plain text fragments", "error", err)
	}
	job := orchestrator.NewJob(id, content.Title, chunks, fragments)

	original := aligner.RenderChildren(area)
	v := view.New(id, original, m.cache, logger)
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         id,
		URL:        url,
		Title:      content.Title,
		handler:    handler,
		dispatcher: m.dispatcher,
		view:       v,
		logger:     logger,
		ctx:        sessCtx,
		cancel:     cancel,
		doc:        pg.Doc,
		area:       area,
	}
	sinks := orchestrator.Sinks{v}
	if m.onFinished != nil {
		sinks = append(sinks, m.finishedSink(s))
	}
	s.orch = orchestrator.New(job, m.dispatcher, sinks, logger)
	v.Attach(s.orch)

	if m.cache != nil {
		rec, err := m.cache.Load(ctx, id)
		if err != nil {
			logger.Warn("cache lookup failed", "error", err)
		}
		if rec != nil && rec.OriginalContent != original {
			logger.Info("cached chapter is stale, page content changed")
			rec = nil
		}
		if rec != nil {
			s.Cached = rec
			v.UseCached(rec)
		}
	}

	m.mu.Lock()
	prev := m.sessions[id]
	m.sessions[id] = s
	m.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	logger.Info("page session opened",
		"url", url,
		"handler", fmt.Sprintf("%T", handler),
		"total_chunks", len(chunks),
		"cached", s.Cached != nil,
	)
	return s, nil
}

func (m *Manager) chunk(text string) []string {
	if !m.cfg.ChunkingEnabled {
		return []string{text}
	}
	return splitter.Split(text, m.cfg.ChunkSize, splitter.WithMinChunkLength(m.cfg.MinChunkLength))
}

func (m *Manager) finishedSink(s *Session) orchestrator.Sink {
	return orchestrator.SinkFunc(func(e orchestrator.Event) {
		done, ok := e.(orchestrator.AllProcessed)
		if !ok {
			return
		}
		m.onFinished(Summary{
			DocumentID:     done.DocumentID,
			URL:            s.URL,
			Title:          s.Title,
			TotalChunks:    done.TotalChunks,
			TotalProcessed: done.TotalProcessed,
			FailedChunks:   done.FailedChunks,
		})
	})
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Close cancels and forgets a session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.close()
	return nil
}

// Shutdown cancels every session and waits for background work.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
		s.Wait()
	}
}
