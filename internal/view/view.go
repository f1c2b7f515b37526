// Package view presents a job's progress to the reader and forwards the
// reader's commands to the orchestrator and the cache.
package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/extract"
	"github.com/MikeSquared-Agency/scribe/internal/orchestrator"
	"github.com/MikeSquared-Agency/scribe/internal/store"
)

const saveTimeout = 10 * time.Second

var errNotAttached = errors.New("view has no orchestrator")

// Line is the per-chunk status shown next to each section.
type Line struct {
	Index           int                     `json:"index"`
	State           orchestrator.ChunkState `json:"state"`
	ShowingEnhanced bool                    `json:"showingEnhanced"`
	Status
}

// Snapshot is everything needed to render the page.
type Snapshot struct {
	DocumentID string              `json:"documentId"`
	Title      string              `json:"title"`
	Status     orchestrator.Status `json:"status"`
	Counts     orchestrator.Counts `json:"counts"`
	Banner     Status              `json:"banner"`
	Lines      []Line              `json:"lines"`
	Content    string              `json:"content"`
	SavedAt    time.Time           `json:"savedAt,omitempty"`
	// Cached is set while a saved enhancement is shown instead of the job.
	Cached bool `json:"cached,omitempty"`
}

// View is an orchestrator.Sink that keeps reader-facing status and saves
// the finished chapter to the cache.
type View struct {
	key      string
	original string
	cache    store.Cache
	logger   *slog.Logger

	mu       sync.Mutex
	orch     *orchestrator.Orchestrator
	failures map[int]Status
	halted   *Status
	savedAt  time.Time
	cached   *store.Record
}

// New creates a view for the document stored under key. original is the
// page content before enhancement; it is kept alongside the result.
func New(key, original string, cache store.Cache, logger *slog.Logger) *View {
	return &View{
		key:      key,
		original: original,
		cache:    cache,
		logger:   logger.With("document_id", key),
		failures: make(map[int]Status),
	}
}

// Attach binds the orchestrator whose events this view receives.
func (v *View) Attach(o *orchestrator.Orchestrator) {
	v.mu.Lock()
	v.orch = o
	v.mu.Unlock()
}

// UseCached shows rec in place of the job until a run starts.
func (v *View) UseCached(rec *store.Record) {
	v.mu.Lock()
	v.cached = rec
	v.mu.Unlock()
}

func (v *View) attached() *orchestrator.Orchestrator {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.orch
}

func (v *View) Handle(e orchestrator.Event) {
	switch e := e.(type) {
	case orchestrator.ChunkStarted:
		v.mu.Lock()
		delete(v.failures, e.ChunkIndex)
		v.halted = nil
		v.cached = nil
		v.mu.Unlock()

	case orchestrator.ChunkProcessed:
		v.mu.Lock()
		delete(v.failures, e.ChunkIndex)
		v.mu.Unlock()

	case orchestrator.ChunkFailed:
		st := Describe(e.Err)
		v.mu.Lock()
		v.failures[e.ChunkIndex] = st
		if e.FinalFailure {
			v.halted = &st
		}
		v.mu.Unlock()
		v.logger.Info("chunk status", "chunk_index", e.ChunkIndex, "message", st.Message, "next", st.Next)

	case orchestrator.ConfigError:
		st := Describe(e.Err)
		v.mu.Lock()
		v.halted = &st
		v.mu.Unlock()

	case orchestrator.AllProcessed:
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := v.save(ctx); err != nil {
			v.logger.Error("failed to cache enhanced chapter", "error", err)
		}
	}
}

// Snapshot assembles the current status lines, banner and merged content.
func (v *View) Snapshot() Snapshot {
	o := v.attached()
	if o == nil {
		return Snapshot{DocumentID: v.key}
	}
	job := o.Snapshot()
	counts := job.Counts()

	v.mu.Lock()
	defer v.mu.Unlock()

	lines := make([]Line, len(job.Chunks))
	for i, c := range job.Chunks {
		lines[i] = v.lineLocked(c, len(job.Chunks))
	}
	if v.cached != nil {
		for i := range lines {
			lines[i].Status = Status{Message: "Saved"}
		}
		return Snapshot{
			DocumentID: job.DocumentID,
			Title:      job.Title,
			Status:     job.Status,
			Counts:     counts,
			Banner:     Status{Message: "Showing saved enhancement", Next: NextRefresh},
			Lines:      lines,
			Content:    extract.Sanitize(v.cached.EnhancedContent),
			SavedAt:    v.cached.Timestamp,
			Cached:     true,
		}
	}
	return Snapshot{
		DocumentID: job.DocumentID,
		Title:      job.Title,
		Status:     job.Status,
		Counts:     counts,
		Banner:     v.bannerLocked(job, counts),
		Lines:      lines,
		Content:    extract.Sanitize(job.Merged()),
		SavedAt:    v.savedAt,
	}
}

func (v *View) lineLocked(c orchestrator.Chunk, total int) Line {
	line := Line{Index: c.Index, State: c.State, ShowingEnhanced: c.ShowingEnhanced}
	switch c.State {
	case orchestrator.ChunkPending:
		line.Message = "Waiting"
	case orchestrator.ChunkProcessing:
		line.Message = fmt.Sprintf("Enhancing section %d of %d", c.Index+1, total)
	case orchestrator.ChunkCompleted:
		if c.ShowingEnhanced {
			line.Status = Status{Message: "Enhanced", Next: NextRevert}
		} else {
			line.Status = Status{Message: "Showing original", Next: NextShow}
		}
	case orchestrator.ChunkError:
		if st, ok := v.failures[c.Index]; ok {
			line.Status = st
		} else {
			line.Status = Status{Message: "Enhancement failed: " + c.LastError, Next: NextRetry}
		}
	}
	return line
}

func (v *View) bannerLocked(job orchestrator.Job, c orchestrator.Counts) Status {
	if job.ConfigError != "" {
		return Status{Message: "API key missing or rejected", Next: NextSettings}
	}
	switch job.Status {
	case orchestrator.StatusRunning:
		return Status{Message: fmt.Sprintf("Enhancing: %d of %d sections done", c.Completed+c.Failed, c.Total)}
	case orchestrator.StatusCancelled:
		return Status{Message: fmt.Sprintf("Cancelled after %d of %d sections", c.Completed, c.Total), Next: NextResume}
	case orchestrator.StatusCompleted:
		if c.Failed > 0 {
			return Status{
				Message: fmt.Sprintf("Enhanced %d of %d sections, %d failed", c.Completed, c.Total, c.Failed),
				Next:    NextRetry,
			}
		}
		return Status{Message: fmt.Sprintf("All %d sections enhanced", c.Total)}
	}
	if v.halted != nil {
		return *v.halted
	}
	if c.Total == 0 {
		return Status{Message: "Nothing to enhance"}
	}
	return Status{Message: "Ready", Next: NextResume}
}

// Retry re-enhances one chunk. A finished chapter is saved again.
func (v *View) Retry(ctx context.Context, index int) error {
	o := v.attached()
	if o == nil {
		return errNotAttached
	}
	if err := o.Reenhance(ctx, index); err != nil {
		return err
	}
	if o.Status() == orchestrator.StatusCompleted {
		return v.save(ctx)
	}
	return nil
}

// Revert shows the original text of a chunk.
func (v *View) Revert(index int) error {
	o := v.attached()
	if o == nil {
		return errNotAttached
	}
	return o.Revert(index)
}

// ShowEnhanced undoes Revert.
func (v *View) ShowEnhanced(index int) error {
	o := v.attached()
	if o == nil {
		return errNotAttached
	}
	return o.ShowEnhanced(index)
}

// Resume continues a halted or cancelled job, optionally for a subset.
func (v *View) Resume(ctx context.Context, indices ...int) error {
	o := v.attached()
	if o == nil {
		return errNotAttached
	}
	return o.Resume(ctx, indices...)
}

func (v *View) Cancel() bool {
	o := v.attached()
	if o == nil {
		return false
	}
	return o.Cancel()
}

// Delete removes the cached chapter.
func (v *View) Delete(ctx context.Context) error {
	if v.cache == nil {
		return nil
	}
	if err := v.cache.Remove(ctx, v.key); err != nil {
		return err
	}
	v.mu.Lock()
	v.savedAt = time.Time{}
	v.cached = nil
	v.mu.Unlock()
	v.logger.Info("cached chapter deleted")
	return nil
}

func (v *View) save(ctx context.Context) error {
	o := v.attached()
	if v.cache == nil || o == nil {
		return nil
	}
	now := time.Now()
	rec := store.Record{
		OriginalContent: v.original,
		EnhancedContent: extract.Sanitize(o.Merged()),
		Timestamp:       now,
	}
	if err := v.cache.Save(ctx, v.key, rec); err != nil {
		return fmt.Errorf("save %s: %w", v.key, err)
	}
	v.mu.Lock()
	v.savedAt = now
	v.mu.Unlock()
	v.logger.Info("enhanced chapter cached")
	return nil
}
