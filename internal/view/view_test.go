package view

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/scribe/internal/orchestrator"
	"github.com/MikeSquared-Agency/scribe/internal/protocol"
	"github.com/MikeSquared-Agency/scribe/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type funcDispatcher struct {
	process   func(req orchestrator.ChunkRequest) (string, error)
	reenhance func(req orchestrator.ChunkRequest) (string, error)
}

func (d *funcDispatcher) ProcessChunk(_ context.Context, req orchestrator.ChunkRequest) (string, error) {
	return d.process(req)
}

func (d *funcDispatcher) ReenhanceChunk(_ context.Context, req orchestrator.ChunkRequest) (string, error) {
	return d.reenhance(req)
}

func enhanced(req orchestrator.ChunkRequest) (string, error) {
	return fmt.Sprintf("<p>E%d</p>", req.Index), nil
}

func setup(t *testing.T, d *funcDispatcher) (*View, *orchestrator.Orchestrator, *store.MemoryCache) {
	t.Helper()
	if d.reenhance == nil {
		d.reenhance = enhanced
	}
	cache := store.NewMemoryCache()
	job := orchestrator.NewJob("doc", "Chapter 1",
		[]string{"zero", "one", "two"},
		[]string{"<p>O0</p>", "<p>O1</p>", "<p>O2</p>"},
	)
	v := New("doc", "<p>O0</p><p>O1</p><p>O2</p>", cache, testLogger())
	o := orchestrator.New(job, d, v, testLogger())
	v.Attach(o)
	return v, o, cache
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, Status{Message: "Enhanced"}},
		{"peer", &protocol.PeerUnavailableError{Reason: "port closed"}, Status{Message: "Could not reach the enhancement worker", Next: NextRetry}},
		{"rate limit with wait", &protocol.RateLimitError{Wait: 1500 * time.Millisecond}, Status{Message: "Rate limited, try again in 2s", Next: NextWait, Wait: 2 * time.Second}},
		{"rate limit without wait", &protocol.RateLimitError{}, Status{Message: "Rate limited", Next: NextResume}},
		{"config", &protocol.ConfigurationError{Message: "no key"}, Status{Message: "API key missing or rejected", Next: NextSettings}},
		{"cancelled", context.Canceled, Status{Message: "Enhancement cancelled", Next: NextResume}},
		{"application", &protocol.ApplicationError{Message: "bad output"}, Status{Message: "Enhancement failed: bad output", Next: NextRetry}},
		{"structure", fmt.Errorf("align: %w", protocol.ErrStructuralMismatch), Status{Message: "Page layout could not be matched, showing plain text", Next: NextRetry}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Describe(tt.err))
		})
	}
}

func TestView_PartialFailureSavesMergedChapter(t *testing.T) {
	v, o, cache := setup(t, &funcDispatcher{process: func(req orchestrator.ChunkRequest) (string, error) {
		if req.Index == 1 {
			return "", &protocol.ApplicationError{Message: "boom"}
		}
		return enhanced(req)
	}})

	require.NoError(t, o.Run(context.Background()))

	rec, err := cache.Load(context.Background(), "doc")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "<p>E0</p>\n<p>O1</p>\n<p>E2</p>", rec.EnhancedContent)
	assert.Equal(t, "<p>O0</p><p>O1</p><p>O2</p>", rec.OriginalContent)

	snap := v.Snapshot()
	assert.Equal(t, orchestrator.StatusCompleted, snap.Status)
	assert.Equal(t, Status{Message: "Enhanced 2 of 3 sections, 1 failed", Next: NextRetry}, snap.Banner)
	assert.Equal(t, "Enhancement failed: boom", snap.Lines[1].Message)
	assert.Equal(t, NextRetry, snap.Lines[1].Next)
	assert.Equal(t, NextRevert, snap.Lines[0].Next)
	assert.False(t, snap.SavedAt.IsZero())
}

func TestView_RetrySavesAgain(t *testing.T) {
	calls := 0
	v, o, cache := setup(t, &funcDispatcher{process: func(req orchestrator.ChunkRequest) (string, error) {
		calls++
		if req.Index == 1 {
			return "", &protocol.ApplicationError{Message: "boom"}
		}
		return enhanced(req)
	}})
	require.NoError(t, o.Run(context.Background()))

	require.NoError(t, v.Retry(context.Background(), 1))

	rec, _ := cache.Load(context.Background(), "doc")
	assert.Equal(t, "<p>E0</p>\n<p>E1</p>\n<p>E2</p>", rec.EnhancedContent)
	snap := v.Snapshot()
	assert.Equal(t, "All 3 sections enhanced", snap.Banner.Message)
	assert.Equal(t, "Enhanced", snap.Lines[1].Message)
	assert.Equal(t, 3, calls, "retry must not re-run the whole job")
}

func TestView_RateLimitPausesWithoutSaving(t *testing.T) {
	v, o, cache := setup(t, &funcDispatcher{process: func(req orchestrator.ChunkRequest) (string, error) {
		if req.Index == 1 {
			return "", &protocol.RateLimitError{Wait: 30 * time.Second}
		}
		return enhanced(req)
	}})

	err := o.Run(context.Background())
	require.ErrorIs(t, err, protocol.ErrRateLimited)

	snap := v.Snapshot()
	assert.Equal(t, Status{Message: "Rate limited, try again in 30s", Next: NextWait, Wait: 30 * time.Second}, snap.Banner)
	assert.Equal(t, "Waiting", snap.Lines[2].Message)
	assert.Equal(t, NextWait, snap.Lines[1].Next)

	rec, err := cache.Load(context.Background(), "doc")
	require.NoError(t, err)
	assert.Nil(t, rec, "an unfinished job is not cached")

	require.NoError(t, v.Resume(context.Background()))
	assert.Equal(t, orchestrator.StatusCompleted, v.Snapshot().Status)
}

func TestView_ConfigErrorBanner(t *testing.T) {
	v, o, _ := setup(t, &funcDispatcher{process: func(orchestrator.ChunkRequest) (string, error) {
		return "", &protocol.ConfigurationError{Message: "no key"}
	}})

	require.Error(t, o.Run(context.Background()))

	assert.Equal(t, Status{Message: "API key missing or rejected", Next: NextSettings}, v.Snapshot().Banner)
}

func TestView_RevertAndShow(t *testing.T) {
	v, o, _ := setup(t, &funcDispatcher{process: enhanced})
	require.NoError(t, o.Run(context.Background()))

	require.NoError(t, v.Revert(2))
	snap := v.Snapshot()
	assert.Equal(t, Status{Message: "Showing original", Next: NextShow}, snap.Lines[2].Status)
	assert.Equal(t, "<p>E0</p>\n<p>E1</p>\n<p>O2</p>", snap.Content)

	require.NoError(t, v.ShowEnhanced(2))
	assert.Equal(t, "<p>E0</p>\n<p>E1</p>\n<p>E2</p>", v.Snapshot().Content)
}

func TestView_ContentIsSanitized(t *testing.T) {
	v, o, cache := setup(t, &funcDispatcher{process: func(req orchestrator.ChunkRequest) (string, error) {
		return `<p onmouseover="x()">ok</p><script>alert(1)</script>`, nil
	}})
	require.NoError(t, o.Run(context.Background()))

	snap := v.Snapshot()
	assert.NotContains(t, snap.Content, "script")
	assert.NotContains(t, snap.Content, "onmouseover")
	rec, _ := cache.Load(context.Background(), "doc")
	assert.False(t, strings.Contains(rec.EnhancedContent, "<script>"))
}

func TestView_CancelAndDelete(t *testing.T) {
	v, o, cache := setup(t, &funcDispatcher{process: enhanced})
	require.NoError(t, o.Run(context.Background()))

	assert.False(t, v.Cancel(), "nothing running")

	require.NoError(t, v.Delete(context.Background()))
	rec, _ := cache.Load(context.Background(), "doc")
	assert.Nil(t, rec)
	assert.True(t, v.Snapshot().SavedAt.IsZero())
}

func TestView_NotAttached(t *testing.T) {
	v := New("doc", "", nil, testLogger())

	assert.Equal(t, Snapshot{DocumentID: "doc"}, v.Snapshot())
	assert.True(t, errors.Is(v.Retry(context.Background(), 0), errNotAttached))
	assert.True(t, errors.Is(v.Revert(0), errNotAttached))
	assert.False(t, v.Cancel())
	assert.NoError(t, v.Delete(context.Background()))
}

func TestView_ReadyBanner(t *testing.T) {
	v, _, _ := setup(t, &funcDispatcher{process: enhanced})

	snap := v.Snapshot()
	assert.Equal(t, Status{Message: "Ready", Next: NextResume}, snap.Banner)
	for _, l := range snap.Lines {
		assert.Equal(t, "Waiting", l.Message)
	}
	assert.Equal(t, "<p>O0</p>\n<p>O1</p>\n<p>O2</p>", snap.Content)
}

func TestView_ShowsCachedUntilRunStarts(t *testing.T) {
	calls := 0
	v, o, _ := setup(t, &funcDispatcher{process: func(req orchestrator.ChunkRequest) (string, error) {
		calls++
		return enhanced(req)
	}})
	saved := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	v.UseCached(&store.Record{EnhancedContent: "<p>saved</p><script>x()</script>", Timestamp: saved})

	snap := v.Snapshot()
	assert.True(t, snap.Cached)
	assert.Equal(t, "<p>saved</p>", snap.Content)
	assert.Equal(t, saved, snap.SavedAt)
	assert.Equal(t, Status{Message: "Showing saved enhancement", Next: NextRefresh}, snap.Banner)
	assert.Equal(t, "Saved", snap.Lines[0].Message)
	assert.Zero(t, calls)

	require.NoError(t, o.Run(context.Background()))
	snap = v.Snapshot()
	assert.False(t, snap.Cached)
	assert.Equal(t, "<p>E0</p>\n<p>E1</p>\n<p>E2</p>", snap.Content)
}

func TestView_DeleteDropsCached(t *testing.T) {
	v, _, _ := setup(t, &funcDispatcher{process: enhanced})
	v.UseCached(&store.Record{EnhancedContent: "<p>saved</p>"})

	require.NoError(t, v.Delete(context.Background()))
	assert.False(t, v.Snapshot().Cached)
}
