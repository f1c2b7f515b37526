// Package worker answers the enhancement RPCs sent over NATS: it rate limits
// requests, runs the enhancer, and pushes progress notifications for
// whole-document jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/MikeSquared-Agency/scribe/internal/enhancer"
	"github.com/MikeSquared-Agency/scribe/internal/orchestrator"
	"github.com/MikeSquared-Agency/scribe/internal/protocol"
	"github.com/MikeSquared-Agency/scribe/internal/splitter"
)

const queueGroup = "scribe-workers"

type Enhancer interface {
	Enhance(ctx context.Context, sec enhancer.Section, text string) (string, error)
}

// Credentials reports whether an API key is available.
type Credentials interface {
	Configured() bool
}

type Publisher interface {
	Publish(subject string, data any) error
}

// Responder is the hermes request/reply surface the worker registers on.
type Responder interface {
	Respond(subject, queue string, handler func(ctx context.Context, data []byte) []byte) error
}

type Config struct {
	RatePerMinute   int
	ChunkSize       int
	ChunkingEnabled bool
	MinChunkLength  int
}

// Worker implements protocol.Handler.
type Worker struct {
	enh     Enhancer
	creds   Credentials
	pub     Publisher
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	seq      uint64
	inflight map[string]map[uint64]context.CancelFunc
	jobs     sync.WaitGroup
}

func New(enh Enhancer, creds Credentials, pub Publisher, cfg Config, logger *slog.Logger) *Worker {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	return &Worker{
		enh:      enh,
		creds:    creds,
		pub:      pub,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]map[uint64]context.CancelFunc),
	}
}

// Register subscribes the worker to the RPC and keep-alive subjects.
func (w *Worker) Register(r Responder) error {
	if err := r.Respond(protocol.SubjectRPC, queueGroup, w.ServeRPC); err != nil {
		return err
	}
	return r.Respond(protocol.SubjectKeepAlive, queueGroup, w.ServeKeepAlive)
}

// ServeRPC decodes one request envelope and returns the encoded response.
func (w *Worker) ServeRPC(ctx context.Context, data []byte) []byte {
	var resp protocol.Response
	req, err := protocol.Decode(data)
	if err != nil {
		w.logger.Warn("bad request", "error", err)
		resp = protocol.Response{Error: err.Error()}
	} else {
		resp = protocol.Dispatch(ctx, w, req)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		w.logger.Error("marshal response", "error", err)
		return nil
	}
	return out
}

// ServeKeepAlive answers heartbeat pings with a pong.
func (w *Worker) ServeKeepAlive(_ context.Context, data []byte) []byte {
	var ka protocol.KeepAlive
	if err := json.Unmarshal(data, &ka); err != nil || ka.Type != protocol.KeepAlivePing {
		w.logger.Debug("ignoring keep-alive frame", "data", string(data))
		return nil
	}
	out, _ := json.Marshal(protocol.KeepAlive{Type: protocol.KeepAlivePong, TS: w.now().UnixMilli()})
	return out
}

func (w *Worker) Ping(context.Context) protocol.Response {
	return protocol.Response{Success: true}
}

// ProcessDocument enhances a single chunk when ChunkIndex is set. Otherwise
// it splits the document and processes it in the background, acknowledging
// immediately with the document ID and reporting progress as notifications.
func (w *Worker) ProcessDocument(ctx context.Context, req protocol.ProcessDocument) protocol.Response {
	if resp, ok := w.checkKey(req.Options.DocumentID); !ok {
		return resp
	}
	if req.Options.ChunkIndex != nil {
		sec := enhancer.Section{Title: req.Title, Index: *req.Options.ChunkIndex, Total: req.Options.TotalChunks}
		return w.enhanceChunk(ctx, req.Options.DocumentID, sec, req.Content)
	}
	return w.startDocument(req)
}

func (w *Worker) ReenhanceChunk(ctx context.Context, req protocol.ReenhanceChunk) protocol.Response {
	if resp, ok := w.checkKey(req.Options.DocumentID); !ok {
		return resp
	}
	sec := enhancer.Section{Index: req.ChunkIndex, Total: req.Options.TotalChunks}
	return w.enhanceChunk(ctx, req.Options.DocumentID, sec, req.Content)
}

// CancelEnhancement aborts in-flight work for the document, or for every
// document when no ID is given.
func (w *Worker) CancelEnhancement(_ context.Context, req protocol.CancelEnhancement) protocol.Response {
	w.mu.Lock()
	n := 0
	for docID, cancels := range w.inflight {
		if req.DocumentID != "" && docID != req.DocumentID {
			continue
		}
		for _, cancel := range cancels {
			cancel()
			n++
		}
	}
	w.mu.Unlock()

	w.logger.Info("enhancement cancelled", "document_id", req.DocumentID, "calls", n)
	return protocol.Response{Success: true}
}

// Wait blocks until background document jobs have finished.
func (w *Worker) Wait() {
	w.jobs.Wait()
}

func (w *Worker) checkKey(docID string) (protocol.Response, bool) {
	if w.creds != nil && w.creds.Configured() {
		return protocol.Response{}, true
	}
	w.logger.Warn("api key missing", "document_id", docID)
	w.publish(protocol.SubjectNotifyGlobal, protocol.Notification{
		Action:     protocol.NotifyAPIKeyMissing,
		DocumentID: docID,
	})
	return protocol.ResponseFromError(&protocol.ConfigurationError{Message: "API key not configured"}), false
}

func (w *Worker) enhanceChunk(ctx context.Context, docID string, sec enhancer.Section, text string) protocol.Response {
	ctx, done := w.track(ctx, docID)
	defer done()

	out, err := w.enhance(ctx, sec, text)
	if err != nil {
		w.logger.Error("chunk enhancement failed",
			"document_id", docID,
			"chunk_index", sec.Index,
			"kind", protocol.Classify(err).String(),
			"error", err,
		)
		return protocol.ResponseFromError(err)
	}
	return protocol.Response{Success: true, Result: out}
}

// enhance takes a rate limiter token or fails with the wait the caller
// should observe before resuming.
func (w *Worker) enhance(ctx context.Context, sec enhancer.Section, text string) (string, error) {
	r := w.limiter.ReserveN(w.now(), 1)
	if !r.OK() {
		return "", &protocol.RateLimitError{Message: "rate limit exceeded"}
	}
	if d := r.DelayFrom(w.now()); d > 0 {
		r.Cancel()
		return "", &protocol.RateLimitError{Wait: d, Message: "rate limit exceeded"}
	}
	return w.enh.Enhance(ctx, sec, text)
}

func (w *Worker) startDocument(req protocol.ProcessDocument) protocol.Response {
	docID := req.Options.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}

	chunks := w.chunk(req.Content, req.Options)
	job := orchestrator.NewJob(docID, req.Title, chunks, nil)
	orch := orchestrator.New(job, localDispatcher{w: w}, notifier{w: w}, w.logger)

	ctx, done := w.track(context.Background(), docID)
	w.jobs.Add(1)
	go func() {
		defer w.jobs.Done()
		defer done()
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("document run stopped", "document_id", docID, "error", err)
		}
	}()

	w.logger.Info("document accepted", "document_id", docID, "total_chunks", len(chunks))
	return protocol.Response{Success: true, Result: docID}
}

func (w *Worker) chunk(content string, opts protocol.Options) []string {
	enabled := w.cfg.ChunkingEnabled
	if opts.ChunkingEnabled != nil {
		enabled = *opts.ChunkingEnabled
	}
	if !enabled {
		if splitter.Len(content) == 0 {
			return nil
		}
		return []string{content}
	}
	size := w.cfg.ChunkSize
	if opts.ChunkSize > 0 {
		size = opts.ChunkSize
	}
	minLen := w.cfg.MinChunkLength
	if opts.MinChunkLength > 0 {
		minLen = opts.MinChunkLength
	}
	return splitter.Split(content, size, splitter.WithMinChunkLength(minLen))
}

// track registers a cancellable context under docID until done is called.
func (w *Worker) track(parent context.Context, docID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	w.mu.Lock()
	w.seq++
	id := w.seq
	if w.inflight[docID] == nil {
		w.inflight[docID] = make(map[uint64]context.CancelFunc)
	}
	w.inflight[docID][id] = cancel
	w.mu.Unlock()

	return ctx, func() {
		cancel()
		w.mu.Lock()
		delete(w.inflight[docID], id)
		if len(w.inflight[docID]) == 0 {
			delete(w.inflight, docID)
		}
		w.mu.Unlock()
	}
}

func (w *Worker) publish(subject string, n protocol.Notification) {
	if w.pub == nil {
		return
	}
	if err := w.pub.Publish(subject, n); err != nil {
		w.logger.Error("failed to publish notification", "subject", subject, "action", n.Action, "error", err)
	}
}
