package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/scribe/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeTransport scripts worker behaviour per subject. Each handler receives
// the 0-based call number for its subject.
type fakeTransport struct {
	mu        sync.Mutex
	rpc       func(req protocol.Request, n int) ([]byte, error)
	keepAlive func(n int) ([]byte, error)
	actions   []protocol.Action
	triggers  []string
}

func (f *fakeTransport) Request(_ context.Context, subject string, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch subject {
	case protocol.SubjectKeepAlive:
		var ka protocol.KeepAlive
		_ = json.Unmarshal(data, &ka)
		n := len(f.triggers)
		f.triggers = append(f.triggers, ka.Trigger)
		if f.keepAlive == nil {
			return pong(), nil
		}
		return f.keepAlive(n)
	case protocol.SubjectRPC:
		req, err := protocol.Decode(data)
		if err != nil {
			return nil, err
		}
		n := len(f.actions)
		f.actions = append(f.actions, req.Action())
		return f.rpc(req, n)
	}
	return nil, &protocol.PeerUnavailableError{Reason: "unknown subject " + subject}
}

func (f *fakeTransport) calls() []protocol.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Action(nil), f.actions...)
}

func (f *fakeTransport) keepAliveCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.triggers...)
}

func (f *fakeTransport) setKeepAlive(fn func(n int) ([]byte, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAlive = fn
}

func pong() []byte {
	data, _ := json.Marshal(protocol.KeepAlive{Type: protocol.KeepAlivePong})
	return data
}

func reply(resp protocol.Response) []byte {
	data, _ := json.Marshal(resp)
	return data
}

func unavailable() ([]byte, error) {
	return nil, &protocol.PeerUnavailableError{Reason: "connection closed"}
}

func quietSession(t *testing.T, tr Transport) *Session {
	t.Helper()
	s := NewSession(tr, SessionConfig{
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    time.Hour,
		MaxRetries:        3,
	}, testLogger())
	t.Cleanup(s.Stop)
	return s
}

func newTestChannel(t *testing.T, tr *fakeTransport, opts ...Option) (*Channel, *[]time.Duration) {
	t.Helper()
	c := New(tr, quietSession(t, tr), testLogger(), opts...)
	var sleeps []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return c, &sleeps
}

func TestSendWithRetry_ColdStart(t *testing.T) {
	tr := &fakeTransport{
		rpc: func(req protocol.Request, n int) ([]byte, error) {
			if n == 0 {
				return unavailable()
			}
			if req.Action() == protocol.ActionPing {
				return reply(protocol.Response{Success: true}), nil
			}
			return reply(protocol.Response{Success: true, Result: "enhanced"}), nil
		},
	}
	c, sleeps := newTestChannel(t, tr, WithRetryDelay(250*time.Millisecond))

	resp, err := c.SendWithRetry(context.Background(), protocol.ProcessDocument{Content: "chapter"})

	require.NoError(t, err)
	assert.Equal(t, "enhanced", resp.Result)
	assert.Equal(t, []protocol.Action{
		protocol.ActionProcessDocument,
		protocol.ActionPing,
		protocol.ActionProcessDocument,
	}, tr.calls())
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, *sleeps)
	assert.True(t, c.Session().Connected())
}

func TestSendWithRetry_EmptyReplyIsTransient(t *testing.T) {
	tr := &fakeTransport{
		rpc: func(req protocol.Request, n int) ([]byte, error) {
			switch n {
			case 0:
				return []byte(""), nil
			case 1:
				return []byte("null"), nil
			case 2:
				return reply(protocol.Response{Success: true}), nil
			}
			return reply(protocol.Response{Success: true, Result: "ok"}), nil
		},
	}
	c, _ := newTestChannel(t, tr)

	resp, err := c.SendWithRetry(context.Background(), protocol.ReenhanceChunk{ChunkIndex: 1, Content: "x"})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Result)
	assert.Len(t, tr.calls(), 4)
}

func TestSendWithRetry_WakeFails(t *testing.T) {
	tr := &fakeTransport{
		rpc: func(protocol.Request, int) ([]byte, error) { return unavailable() },
	}
	c, sleeps := newTestChannel(t, tr, WithWake(3, 100*time.Millisecond))

	_, err := c.SendWithRetry(context.Background(), protocol.ProcessDocument{Content: "x"})

	require.Error(t, err)
	assert.True(t, protocol.IsTransient(err))
	assert.Equal(t, []protocol.Action{
		protocol.ActionProcessDocument,
		protocol.ActionPing,
		protocol.ActionPing,
		protocol.ActionPing,
	}, tr.calls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *sleeps)
}

func TestSendWithRetry_NonTransientNotRetried(t *testing.T) {
	cases := []struct {
		name string
		resp protocol.Response
		want error
	}{
		{"application", protocol.Response{Error: "malformed upstream response"}, protocol.ErrApplication},
		{"rate limit", protocol.Response{IsRateLimit: true, WaitTime: 20}, protocol.ErrRateLimited},
		{"missing key", protocol.Response{NeedsAPIKey: true}, protocol.ErrConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &fakeTransport{
				rpc: func(protocol.Request, int) ([]byte, error) { return reply(tc.resp), nil },
			}
			c, sleeps := newTestChannel(t, tr)

			_, err := c.SendWithRetry(context.Background(), protocol.ProcessDocument{Content: "x"})

			assert.ErrorIs(t, err, tc.want)
			assert.Len(t, tr.calls(), 1)
			assert.Empty(t, *sleeps)
		})
	}
}

func TestSendWithRetry_MalformedReply(t *testing.T) {
	tr := &fakeTransport{
		rpc: func(protocol.Request, int) ([]byte, error) { return []byte("{oops"), nil },
	}
	c, _ := newTestChannel(t, tr)

	_, err := c.SendWithRetry(context.Background(), protocol.Ping{})

	assert.ErrorIs(t, err, protocol.ErrApplication)
	assert.Len(t, tr.calls(), 1)
}

func TestSendWithRetry_StartsSession(t *testing.T) {
	tr := &fakeTransport{
		rpc: func(protocol.Request, int) ([]byte, error) { return reply(protocol.Response{Success: true}), nil },
	}
	c, _ := newTestChannel(t, tr)
	require.Equal(t, StateDisconnected, c.Session().State())

	_, err := c.SendWithRetry(context.Background(), protocol.Ping{})

	require.NoError(t, err)
	assert.Equal(t, []string{"start"}, tr.keepAliveCalls())
	assert.Equal(t, StateConnected, c.Session().State())
}

func TestSendWithRetry_ContextCancelledDuringWake(t *testing.T) {
	tr := &fakeTransport{
		rpc: func(protocol.Request, int) ([]byte, error) { return unavailable() },
	}
	c, _ := newTestChannel(t, tr)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := c.SendWithRetry(ctx, protocol.ProcessDocument{Content: "x"})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []protocol.Action{protocol.ActionProcessDocument, protocol.ActionPing}, tr.calls())
}
