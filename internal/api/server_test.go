package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/net/html"

	"github.com/MikeSquared-Agency/scribe/internal/extract"
	"github.com/MikeSquared-Agency/scribe/internal/orchestrator"
	"github.com/MikeSquared-Agency/scribe/internal/page"
	"github.com/MikeSquared-Agency/scribe/internal/store"
	"github.com/MikeSquared-Agency/scribe/internal/view"
)

const (
	testToken  = "secret"
	chapterURL = "https://novels.example.org/book/ch-3"
)

const chapterPage = `<html><head><title>Chapter 3</title></head><body>` +
	`<div id="chapter">` +
	`<p>The first paragraph is about the mountain and the old sect.</p>` +
	`<p>The second paragraph follows the disciple up the long stair.</p>` +
	`</div></body></html>`

type staticFetcher map[string]string

func (f staticFetcher) Fetch(_ context.Context, raw string) (*extract.Page, error) {
	src, ok := f[raw]
	if !ok {
		return nil, fmt.Errorf("fetch %s: status 404", raw)
	}
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(raw)
	return &extract.Page{URL: u, Doc: doc, Host: u.Hostname()}, nil
}

type echoDispatcher struct {
	calls atomic.Int64
}

func (d *echoDispatcher) ProcessChunk(_ context.Context, req orchestrator.ChunkRequest) (string, error) {
	d.calls.Add(1)
	return fmt.Sprintf("<p>E%d</p>", req.Index), nil
}

func (d *echoDispatcher) ReenhanceChunk(_ context.Context, req orchestrator.ChunkRequest) (string, error) {
	d.calls.Add(1)
	return fmt.Sprintf("<p>R%d</p>", req.Index), nil
}

func (d *echoDispatcher) Cancel(context.Context, string) error { return nil }

func newTestServer(t *testing.T) (*Server, *page.Manager) {
	t.Helper()
	return newTestServerWith(t, &echoDispatcher{})
}

func newTestServerWith(t *testing.T, d page.Dispatcher) (*Server, *page.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := page.NewManager(
		staticFetcher{chapterURL: chapterPage, "https://novels.example.org/empty": `<html><body></body></html>`},
		extract.NewRegistry(extract.DensityHandler{MinTextLen: 50}),
		d,
		store.NewMemoryCache(),
		page.Config{ChunkSize: 80, ChunkingEnabled: true, MinChunkLength: 1},
		logger,
	)
	t.Cleanup(m.Shutdown)
	return NewServer(8760, testToken, m), m
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) view.Snapshot {
	t.Helper()
	var snap view.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return snap
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/scribe/status", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["agent"] != "scribe" {
		t.Errorf("expected agent scribe, got %q", body["agent"])
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPagesRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, header := range []string{"", "Bearer wrong", testToken} {
		req := httptest.NewRequest("GET", "/api/v1/scribe/pages/abc", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		srv.router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", header, w.Code)
		}
	}
}

func TestOpenRunAndFetch(t *testing.T) {
	srv, m := newTestServer(t)

	w := do(srv, "POST", "/api/v1/scribe/pages", `{"url":"`+chapterURL+`"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	snap := decodeSnapshot(t, w)
	if snap.DocumentID != page.DocumentID(chapterURL) {
		t.Errorf("unexpected document id %q", snap.DocumentID)
	}

	sess, err := m.Get(snap.DocumentID)
	if err != nil {
		t.Fatalf("session not registered: %v", err)
	}
	sess.Wait()

	w = do(srv, "GET", "/api/v1/scribe/pages/"+snap.DocumentID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	snap = decodeSnapshot(t, w)
	if snap.Status != orchestrator.StatusCompleted {
		t.Errorf("expected completed, got %q", snap.Status)
	}
	if snap.Content != "<p>E0</p>\n<p>E1</p>" {
		t.Errorf("unexpected content %q", snap.Content)
	}

	w = do(srv, "GET", "/api/v1/scribe/pages/"+snap.DocumentID+"/render", "")
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("expected html, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "<p>E0</p>") {
		t.Errorf("render missing enhanced content: %s", w.Body.String())
	}
}

func TestOpenServesSavedEnhancement(t *testing.T) {
	d := &echoDispatcher{}
	srv, m := newTestServerWith(t, d)

	w := do(srv, "POST", "/api/v1/scribe/pages", `{"url":"`+chapterURL+`"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	id := decodeSnapshot(t, w).DocumentID
	sess, _ := m.Get(id)
	sess.Wait()
	if got := d.calls.Load(); got != 2 {
		t.Fatalf("expected 2 dispatcher calls, got %d", got)
	}

	w = do(srv, "POST", "/api/v1/scribe/pages", `{"url":"`+chapterURL+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for a saved page, got %d: %s", w.Code, w.Body.String())
	}
	snap := decodeSnapshot(t, w)
	if !snap.Cached {
		t.Error("expected cached snapshot")
	}
	if snap.Content != "<p>E0</p>\n<p>E1</p>" {
		t.Errorf("unexpected content %q", snap.Content)
	}
	sess, _ = m.Get(id)
	sess.Wait()
	if got := d.calls.Load(); got != 2 {
		t.Errorf("saved page dispatched again: %d calls", got)
	}

	w = do(srv, "POST", "/api/v1/scribe/pages?refresh=true", `{"url":"`+chapterURL+`"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on refresh, got %d: %s", w.Code, w.Body.String())
	}
	sess, _ = m.Get(id)
	sess.Wait()
	if got := d.calls.Load(); got != 4 {
		t.Errorf("expected refresh to dispatch both chunks, got %d calls", got)
	}

	w = do(srv, "POST", "/api/v1/scribe/pages?refresh=maybe", `{"url":"`+chapterURL+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad refresh flag, got %d", w.Code)
	}
}

func TestChunkCommands(t *testing.T) {
	srv, m := newTestServer(t)
	w := do(srv, "POST", "/api/v1/scribe/pages", `{"url":"`+chapterURL+`"}`)
	id := decodeSnapshot(t, w).DocumentID
	sess, _ := m.Get(id)
	sess.Wait()

	w = do(srv, "POST", "/api/v1/scribe/pages/"+id+"/chunks/1/revert", "")
	if w.Code != http.StatusOK {
		t.Fatalf("revert: expected 200, got %d", w.Code)
	}
	if snap := decodeSnapshot(t, w); snap.Lines[1].ShowingEnhanced {
		t.Error("expected chunk 1 to show the original")
	}

	w = do(srv, "POST", "/api/v1/scribe/pages/"+id+"/chunks/1/show", "")
	if snap := decodeSnapshot(t, w); !snap.Lines[1].ShowingEnhanced {
		t.Error("expected chunk 1 to show the enhancement")
	}

	w = do(srv, "POST", "/api/v1/scribe/pages/"+id+"/chunks/0/retry", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("retry: expected 202, got %d", w.Code)
	}
	sess.Wait()
	if got := sess.Snapshot().Content; got != "<p>R0</p>\n<p>E1</p>" {
		t.Errorf("unexpected content after retry %q", got)
	}

	w = do(srv, "POST", "/api/v1/scribe/pages/"+id+"/chunks/9/retry", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("out of range: expected 400, got %d", w.Code)
	}
	w = do(srv, "POST", "/api/v1/scribe/pages/"+id+"/chunks/x/revert", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad index: expected 400, got %d", w.Code)
	}
}

func TestOpenErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"missing url", `{}`, http.StatusBadRequest},
		{"no content", `{"url":"https://novels.example.org/empty"}`, http.StatusUnprocessableEntity},
		{"fetch failure", `{"url":"https://novels.example.org/missing"}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(srv, "POST", "/api/v1/scribe/pages", tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestDeleteAndUnknownPage(t *testing.T) {
	srv, m := newTestServer(t)
	w := do(srv, "POST", "/api/v1/scribe/pages", `{"url":"`+chapterURL+`"}`)
	id := decodeSnapshot(t, w).DocumentID
	sess, _ := m.Get(id)
	sess.Wait()

	w = do(srv, "POST", "/api/v1/scribe/pages/"+id+"/cancel", "")
	var body map[string]bool
	json.NewDecoder(w.Body).Decode(&body)
	if body["cancelled"] {
		t.Error("nothing was running, cancel should report false")
	}

	w = do(srv, "DELETE", "/api/v1/scribe/pages/"+id, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w = do(srv, "GET", "/api/v1/scribe/pages/"+id, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}
