// Package orchestrator drives a document's chunks through the worker one at
// a time and tracks each chunk's state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/protocol"
)

var (
	ErrBusy         = errors.New("enhancement already in progress")
	ErrCancelled    = errors.New("enhancement cancelled")
	ErrNoSuchChunk  = errors.New("no such chunk")
	ErrInvalidState = errors.New("chunk cannot be re-enhanced in its current state")
	ErrNotEnhanced  = errors.New("chunk has no enhanced content")
)

// ChunkRequest is what the dispatcher needs to enhance one chunk.
type ChunkRequest struct {
	DocumentID string
	Title      string
	Index      int
	Total      int
	Content    string
}

// Dispatcher performs the remote call for a chunk and returns the enhanced
// content.
type Dispatcher interface {
	ProcessChunk(ctx context.Context, req ChunkRequest) (string, error)
	ReenhanceChunk(ctx context.Context, req ChunkRequest) (string, error)
}

type Orchestrator struct {
	dispatcher Dispatcher
	sink       Sink
	logger     *slog.Logger

	mu      sync.Mutex
	job     Job
	running bool
	gen     uint64

	// stop aborts the dispatcher call of the current run or re-enhance.
	stop context.CancelFunc
	// dispatcher calls that have not returned yet, including ones whose
	// run was cancelled
	inflight int

	// single-chunk re-enhance in flight, -1 when none
	busy     int
	busyPrev ChunkState
}

func New(job Job, d Dispatcher, sink Sink, logger *slog.Logger) *Orchestrator {
	if sink == nil {
		sink = Sinks(nil)
	}
	return &Orchestrator{
		dispatcher: d,
		sink:       sink,
		logger:     logger.With("document_id", job.DocumentID),
		job:        job.clone(),
		busy:       -1,
	}
}

// Run dispatches every chunk that is not yet completed, in index order.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.dispatch(ctx, nil)
}

// Resume dispatches the given chunks in index order. With no indices it
// behaves like Run. Completed chunks are skipped; use Reenhance for those.
func (o *Orchestrator) Resume(ctx context.Context, indices ...int) error {
	return o.dispatch(ctx, indices)
}

func (o *Orchestrator) dispatch(ctx context.Context, indices []int) error {
	o.mu.Lock()
	if o.busyLocked() {
		o.mu.Unlock()
		return ErrBusy
	}
	selected, err := o.selectLocked(indices)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	for _, idx := range selected {
		o.job.Chunks[idx].State = ChunkPending
		o.job.Chunks[idx].LastError = ""
	}
	runCtx, stop := context.WithCancel(ctx)
	o.running = true
	o.stop = stop
	o.job.Status = StatusRunning
	o.job.RateLimitWait = 0
	o.job.ConfigError = ""
	gen := o.gen
	total := len(o.job.Chunks)
	docID, title := o.job.DocumentID, o.job.Title
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.gen == gen {
			o.running = false
			o.stop = nil
		}
		o.mu.Unlock()
		stop()
	}()

	o.logger.Info("dispatching chunks", "chunks", len(selected), "total_chunks", total)

	for pos, idx := range selected {
		o.mu.Lock()
		if o.gen != gen {
			o.mu.Unlock()
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			o.cancelLocked()
			o.mu.Unlock()
			return err
		}
		chunk := &o.job.Chunks[idx]
		chunk.State = ChunkProcessing
		req := ChunkRequest{DocumentID: docID, Title: title, Index: idx, Total: total, Content: chunk.OriginalText}
		o.inflight++
		o.mu.Unlock()

		o.sink.Handle(ChunkStarted{DocumentID: docID, ChunkIndex: idx, TotalChunks: total})

		result, err := o.dispatcher.ProcessChunk(runCtx, req)

		o.mu.Lock()
		o.inflight--
		if o.gen != gen {
			o.mu.Unlock()
			o.logger.Info("dropping result for cancelled run", "chunk_index", idx)
			return ErrCancelled
		}
		chunk = &o.job.Chunks[idx]
		if err == nil {
			o.completeLocked(chunk, result)
			o.mu.Unlock()
			o.sink.Handle(ChunkProcessed{
				DocumentID:  docID,
				ChunkIndex:  idx,
				TotalChunks: total,
				Result:      result,
				IsComplete:  pos == len(selected)-1,
			})
			continue
		}

		switch protocol.Classify(err) {
		case protocol.KindCancelled:
			o.cancelLocked()
			o.mu.Unlock()
			return err

		case protocol.KindConfiguration:
			chunk.State = ChunkPending
			o.job.ConfigError = err.Error()
			o.job.Status = StatusIdle
			o.mu.Unlock()
			o.logger.Error("configuration error, halting", "chunk_index", idx, "error", err)
			o.sink.Handle(ConfigError{DocumentID: docID, Err: err})
			return err

		case protocol.KindRateLimited:
			wait := rateLimitWait(err)
			o.failLocked(chunk, err)
			o.job.RateLimitWait = wait
			o.job.Status = StatusIdle
			o.mu.Unlock()
			o.logger.Warn("rate limited, halting", "chunk_index", idx, "wait", wait)
			o.sink.Handle(ChunkFailed{
				DocumentID:   docID,
				ChunkIndex:   idx,
				TotalChunks:  total,
				Err:          err,
				IsRateLimit:  true,
				WaitTime:     wait,
				FinalFailure: true,
			})
			return err

		default:
			o.failLocked(chunk, err)
			o.mu.Unlock()
			o.logger.Warn("chunk failed", "chunk_index", idx, "error", err)
			o.sink.Handle(ChunkFailed{
				DocumentID:  docID,
				ChunkIndex:  idx,
				TotalChunks: total,
				Err:         err,
			})
		}
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return ErrCancelled
	}
	o.job.Status = StatusCompleted
	counts := o.job.Counts()
	failed := o.job.failedIndices()
	o.mu.Unlock()

	o.logger.Info("all chunks processed", "completed", counts.Completed, "failed", len(failed))
	o.sink.Handle(AllProcessed{
		DocumentID:     docID,
		TotalProcessed: counts.Completed,
		TotalChunks:    total,
		FailedChunks:   failed,
	})
	return nil
}

func (o *Orchestrator) selectLocked(indices []int) ([]int, error) {
	var out []int
	if len(indices) == 0 {
		for _, c := range o.job.Chunks {
			if c.State != ChunkCompleted {
				out = append(out, c.Index)
			}
		}
		return out, nil
	}
	seen := make(map[int]bool, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(o.job.Chunks) {
			return nil, fmt.Errorf("%w: %d", ErrNoSuchChunk, idx)
		}
		if seen[idx] || o.job.Chunks[idx].State == ChunkCompleted {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}

// Reenhance sends one chunk's original text through the worker again. Only
// that chunk changes. When the call fails a previous enhancement is kept.
func (o *Orchestrator) Reenhance(ctx context.Context, index int) error {
	o.mu.Lock()
	if index < 0 || index >= len(o.job.Chunks) {
		o.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoSuchChunk, index)
	}
	if o.busyLocked() {
		o.mu.Unlock()
		return ErrBusy
	}
	chunk := &o.job.Chunks[index]
	if chunk.State != ChunkCompleted && chunk.State != ChunkError {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, chunk.State)
	}
	o.busy, o.busyPrev = index, chunk.State
	chunk.State = ChunkProcessing
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	o.stop = stop
	o.inflight++
	gen := o.gen
	total := len(o.job.Chunks)
	req := ChunkRequest{
		DocumentID: o.job.DocumentID,
		Title:      o.job.Title,
		Index:      index,
		Total:      total,
		Content:    chunk.OriginalText,
	}
	o.mu.Unlock()

	o.sink.Handle(ChunkStarted{DocumentID: req.DocumentID, ChunkIndex: index, TotalChunks: total})

	result, err := o.dispatcher.ReenhanceChunk(runCtx, req)

	o.mu.Lock()
	o.inflight--
	if o.gen != gen {
		o.mu.Unlock()
		return ErrCancelled
	}
	chunk = &o.job.Chunks[index]
	prev := o.busyPrev
	o.busy = -1
	o.stop = nil

	if err == nil {
		o.completeLocked(chunk, result)
		o.mu.Unlock()
		o.logger.Info("chunk re-enhanced", "chunk_index", index)
		o.sink.Handle(ChunkProcessed{
			DocumentID:  req.DocumentID,
			ChunkIndex:  index,
			TotalChunks: total,
			Result:      result,
			IsComplete:  true,
		})
		return nil
	}

	switch protocol.Classify(err) {
	case protocol.KindCancelled:
		chunk.State = prev
		o.mu.Unlock()
		return err
	case protocol.KindConfiguration:
		chunk.State = prev
		o.job.ConfigError = err.Error()
		o.mu.Unlock()
		o.sink.Handle(ConfigError{DocumentID: req.DocumentID, Err: err})
		return err
	}

	o.failLocked(chunk, err)
	ev := ChunkFailed{DocumentID: req.DocumentID, ChunkIndex: index, TotalChunks: total, Err: err}
	if protocol.Classify(err) == protocol.KindRateLimited {
		ev.IsRateLimit = true
		ev.WaitTime = rateLimitWait(err)
		o.job.RateLimitWait = ev.WaitTime
	}
	o.mu.Unlock()
	o.logger.Warn("re-enhance failed", "chunk_index", index, "error", err)
	o.sink.Handle(ev)
	return err
}

// Cancel stops dispatch and aborts the dispatcher call in flight. A
// response that still arrives is dropped; completed chunks keep their
// content. Until that call returns the orchestrator stays busy. It reports
// whether anything was running.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running && o.busy < 0 {
		return false
	}
	o.cancelLocked()
	o.logger.Info("enhancement cancelled")
	return true
}

func (o *Orchestrator) cancelLocked() {
	o.gen++
	if o.stop != nil {
		o.stop()
		o.stop = nil
	}
	for i := range o.job.Chunks {
		if o.job.Chunks[i].State != ChunkProcessing {
			continue
		}
		if i == o.busy {
			o.job.Chunks[i].State = o.busyPrev
		} else {
			o.job.Chunks[i].State = ChunkPending
		}
	}
	if o.running {
		o.job.Status = StatusCancelled
	}
	o.busy = -1
	o.running = false
}

// Busy reports whether a run or re-enhance is active, or a cancelled one
// is still waiting on its dispatcher call.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busyLocked()
}

func (o *Orchestrator) busyLocked() bool {
	return o.running || o.busy >= 0 || o.inflight > 0
}

// Revert shows the original content of a chunk without discarding its
// enhancement.
func (o *Orchestrator) Revert(index int) error {
	return o.setShowing(index, false)
}

// ShowEnhanced switches a reverted chunk back to its enhancement.
func (o *Orchestrator) ShowEnhanced(index int) error {
	return o.setShowing(index, true)
}

func (o *Orchestrator) setShowing(index int, show bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if index < 0 || index >= len(o.job.Chunks) {
		return fmt.Errorf("%w: %d", ErrNoSuchChunk, index)
	}
	chunk := &o.job.Chunks[index]
	if chunk.EnhancedContent == "" {
		return ErrNotEnhanced
	}
	chunk.ShowingEnhanced = show
	return nil
}

// Snapshot returns a copy of the job that callers may keep.
func (o *Orchestrator) Snapshot() Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.job.clone()
}

func (o *Orchestrator) Merged() string {
	return o.Snapshot().Merged()
}

func (o *Orchestrator) Counts() Counts {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.job.Counts()
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.job.Status
}

func (o *Orchestrator) DocumentID() string {
	return o.job.DocumentID
}

func (o *Orchestrator) completeLocked(chunk *Chunk, result string) {
	chunk.State = ChunkCompleted
	chunk.EnhancedContent = result
	chunk.ShowingEnhanced = true
	chunk.LastError = ""
}

func (o *Orchestrator) failLocked(chunk *Chunk, err error) {
	chunk.State = ChunkError
	chunk.LastError = err.Error()
}

func rateLimitWait(err error) time.Duration {
	var rl *protocol.RateLimitError
	if errors.As(err, &rl) {
		return rl.Wait
	}
	return 0
}
