// Package api exposes the HTTP admin interface for the crawl service.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cafedir/crawler/internal/directory"
	"github.com/cafedir/crawler/internal/metrics"
	"github.com/cafedir/crawler/internal/scheduler"
)

// Scheduler is the control surface the API needs from the crawl scheduler.
type Scheduler interface {
	CrawlOne(ctx context.Context, targetID string) (directory.CrawlSummary, error)
	StartBatch(ctx context.Context) error
	QueuePreview(ctx context.Context, count int) ([]directory.CrawlTarget, error)
	Stop()
	Running() bool
}

// Config controls the HTTP server surface.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the scheduler.
type Server struct {
	router chi.Router
	sched  Scheduler
	ready  func(context.Context) error
	cfg    Config
}

// NewServer constructs a Server with middleware and routes. ready may be nil
// when there is no downstream to probe.
func NewServer(sched Scheduler, ready func(context.Context) error, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{sched: sched, ready: ready, cfg: cfg}

	metrics.Init()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/crawl", func(r chi.Router) {
		r.Post("/targets/{target_id}", s.crawlTarget)
		r.Post("/batch", s.startBatch)
		r.Get("/queue", s.queuePreview)
		r.Post("/stop", s.stop)
		r.Get("/status", s.status)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// crawlTarget runs one target synchronously and returns its summary. The
// same execution path serves the background loop, so a manual trigger is
// always safe to repeat.
func (s *Server) crawlTarget(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	summary, err := s.sched.CrawlOne(r.Context(), targetID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) startBatch(w http.ResponseWriter, _ *http.Request) {
	// The batch outlives the request; it runs on the server's lifetime.
	if err := s.sched.StartBatch(context.Background()); err != nil {
		if errors.Is(err, scheduler.ErrBusy) {
			writeError(w, http.StatusConflict, "a batch is already running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) queuePreview(w http.ResponseWriter, r *http.Request) {
	count := 0
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "count must be a non-negative integer")
			return
		}
		count = n
	}
	targets, err := s.sched.QueuePreview(r.Context(), count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	s.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": s.sched.Running()})
}
