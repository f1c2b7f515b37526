package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/scribe/internal/orchestrator"
	"github.com/MikeSquared-Agency/scribe/internal/page"
)

// Pages is the part of page.Manager the API drives.
type Pages interface {
	Open(ctx context.Context, url string) (*page.Session, error)
	Get(id string) (*page.Session, error)
	Close(id string) error
}

type Server struct {
	router  *chi.Mux
	port    int
	pages   Pages
	httpSrv *http.Server
}

type openRequest struct {
	URL string `json:"url"`
}

func NewServer(port int, apiToken string, pages Pages) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		pages:  pages,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/scribe/status", s.status)

	router.Route("/api/v1/scribe/pages", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Post("/", s.openPage)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.snapshot)
			r.Get("/render", s.render)
			r.Post("/resume", s.resume)
			r.Post("/cancel", s.cancel)
			r.Delete("/", s.deletePage)
			r.Post("/chunks/{index}/retry", s.retryChunk)
			r.Post("/chunks/{index}/revert", s.revertChunk)
			r.Post("/chunks/{index}/show", s.showChunk)
		})
	})

	return s
}

// BearerAuthMiddleware rejects requests without the configured token. An
// empty token disables the check.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}
	slog.Info("API server starting", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"agent":  "scribe",
		"status": "ready",
	})
}

// openPage handles POST /api/v1/scribe/pages: fetch, prepare and start.
// A saved enhancement of the same content is returned as is unless
// ?refresh=true is given.
func (s *Server) openPage(w http.ResponseWriter, r *http.Request) {
	refresh := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "refresh must be a boolean")
			return
		}
		refresh = b
	}

	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	sess, err := s.pages.Open(r.Context(), req.URL)
	if err != nil {
		writePageError(w, err)
		return
	}
	started, err := sess.Enhance(refresh)
	if err != nil {
		writePageError(w, err)
		return
	}
	code := http.StatusOK
	if started {
		code = http.StatusAccepted
	}
	writeJSON(w, code, sess.Snapshot())
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) render(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	out, err := sess.Render()
	if err != nil {
		writePageError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out))
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Resume(); err != nil {
		writePageError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	cancelled := sess.Cancel()
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// deletePage drops the cached result and closes the session.
func (s *Server) deletePage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Delete(r.Context()); err != nil {
		writePageError(w, err)
		return
	}
	if err := s.pages.Close(sess.ID); err != nil && !errors.Is(err, page.ErrNotFound) {
		writePageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryChunk(w http.ResponseWriter, r *http.Request) {
	s.chunkCommand(w, r, http.StatusAccepted, (*page.Session).Retry)
}

func (s *Server) revertChunk(w http.ResponseWriter, r *http.Request) {
	s.chunkCommand(w, r, http.StatusOK, (*page.Session).Revert)
}

func (s *Server) showChunk(w http.ResponseWriter, r *http.Request) {
	s.chunkCommand(w, r, http.StatusOK, (*page.Session).ShowEnhanced)
}

func (s *Server) chunkCommand(w http.ResponseWriter, r *http.Request, code int, fn func(*page.Session, int) error) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}
	if err := fn(sess, index); err != nil {
		writePageError(w, err)
		return
	}
	writeJSON(w, code, sess.Snapshot())
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*page.Session, bool) {
	sess, err := s.pages.Get(chi.URLParam(r, "id"))
	if err != nil {
		writePageError(w, err)
		return nil, false
	}
	return sess, true
}

func writePageError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, page.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, page.ErrNoContent):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoSuchChunk):
		code = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInvalidState), errors.Is(err, orchestrator.ErrNotEnhanced):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
