package worker

import (
	"context"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/enhancer"
	"github.com/MikeSquared-Agency/scribe/internal/orchestrator"
	"github.com/MikeSquared-Agency/scribe/internal/protocol"
)

// localDispatcher lets a worker-side orchestrator call the enhancer directly.
type localDispatcher struct {
	w *Worker
}

func (d localDispatcher) ProcessChunk(ctx context.Context, req orchestrator.ChunkRequest) (string, error) {
	return d.w.enhance(ctx, enhancer.Section{Title: req.Title, Index: req.Index, Total: req.Total}, req.Content)
}

func (d localDispatcher) ReenhanceChunk(ctx context.Context, req orchestrator.ChunkRequest) (string, error) {
	return d.ProcessChunk(ctx, req)
}

// notifier publishes orchestrator events as push notifications.
type notifier struct {
	w *Worker
}

func (n notifier) Handle(e orchestrator.Event) {
	msg, ok := Notification(e)
	if !ok {
		return
	}
	subject := protocol.NotifySubject(e.Document())
	if msg.Action == protocol.NotifyAPIKeyMissing {
		subject = protocol.SubjectNotifyGlobal
	}
	n.w.publish(subject, msg)
}

// Notification converts an orchestrator event into its wire form. Events
// without a wire form report false.
func Notification(e orchestrator.Event) (protocol.Notification, bool) {
	switch e := e.(type) {
	case orchestrator.ChunkProcessed:
		return protocol.Notification{
			Action:      protocol.NotifyChunkProcessed,
			DocumentID:  e.DocumentID,
			ChunkIndex:  e.ChunkIndex,
			TotalChunks: e.TotalChunks,
			Result:      e.Result,
			IsComplete:  e.IsComplete,
		}, true
	case orchestrator.ChunkFailed:
		msg := protocol.Notification{
			Action:       protocol.NotifyChunkError,
			DocumentID:   e.DocumentID,
			ChunkIndex:   e.ChunkIndex,
			TotalChunks:  e.TotalChunks,
			IsRateLimit:  e.IsRateLimit,
			WaitTime:     seconds(e.WaitTime),
			FinalFailure: e.FinalFailure,
		}
		if e.Err != nil {
			msg.Error = e.Err.Error()
		}
		return msg, true
	case orchestrator.AllProcessed:
		return protocol.Notification{
			Action:         protocol.NotifyAllChunksProcessed,
			DocumentID:     e.DocumentID,
			TotalProcessed: e.TotalProcessed,
			TotalChunks:    e.TotalChunks,
			FailedChunks:   e.FailedChunks,
		}, true
	case orchestrator.ConfigError:
		return protocol.Notification{
			Action:     protocol.NotifyAPIKeyMissing,
			DocumentID: e.DocumentID,
			Error:      e.Err.Error(),
		}, true
	}
	return protocol.Notification{}, false
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
