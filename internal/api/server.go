// Package api exposes the HTTP control surface for embedding shells.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/segin/efgrabber/internal/config"
	"github.com/segin/efgrabber/internal/controller"
	"github.com/segin/efgrabber/internal/grabber"
	"github.com/segin/efgrabber/internal/metrics"
)

// Server wires HTTP handlers to the controller.
type Server struct {
	router chi.Router
	ctrl   *controller.Controller
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(ctrl *controller.Controller, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{ctrl: ctrl, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", s.handleStart)
		r.Post("/runs/pause", s.handlePause)
		r.Post("/runs/resume", s.handleResume)
		r.Post("/runs/stop", s.handleStop)
		r.Get("/stats", s.handleStats)
		r.Put("/concurrency", s.handleConcurrency)
		r.Post("/queue", s.handleQueue)
		r.Post("/pages", s.handleMaterializePages)
		r.Post("/pages/{page}/scraped", s.handlePageScraped)
		r.Post("/external", s.handleExternalProducer)
		r.Post("/resets/{kind}", s.handleReset)
		r.Get("/pending", s.handlePending)
		r.Get("/check", s.handleCheck)
	})
	s.router = r
	return s
}

// Handler returns the root handler for mounting.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving the control API until the context finishes.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

type startRequest struct {
	DataSet int    `json:"data_set"`
	Mode    string `json:"mode"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	mode, err := controller.ParseMode(req.Mode)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	ds, err := s.cfg.DataSet(req.DataSet)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.Start(ds, mode); err != nil {
		status := http.StatusConflict
		if errors.Is(err, grabber.ErrConfig) {
			status = http.StatusBadRequest
		}
		s.fail(w, status, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]any{
		"data_set": ds.ID,
		"mode":     string(mode),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Pause()
	s.respond(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Resume()
	s.respond(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Stop()
	s.respond(w, http.StatusOK, map[string]any{"running": false})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.ctrl.GetStats(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, snapshot)
}

type concurrencyRequest struct {
	Max int `json:"max"`
}

func (s *Server) handleConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Max < 1 {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("max must be >= 1"))
		return
	}
	s.ctrl.SetMaxConcurrentDownloads(req.Max)
	s.respond(w, http.StatusOK, map[string]any{"max": s.ctrl.MaxConcurrentDownloads()})
}

type queueRequest struct {
	DataSet int `json:"data_set"`
	Items   []struct {
		Key       string `json:"key"`
		URL       string `json:"url"`
		LocalPath string `json:"local_path"`
	} `json:"items"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if !s.decode(w, r, &req) {
		return
	}
	ds, err := s.cfg.DataSet(req.DataSet)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	items := make([]controller.QueueItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, controller.QueueItem{
			Key: item.Key, URL: item.URL, LocalPath: item.LocalPath,
		})
	}
	added, err := s.ctrl.AddItemsToQueue(r.Context(), ds, items)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, grabber.ErrConfig) {
			status = http.StatusBadRequest
		}
		s.fail(w, status, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"added": added})
}

type pagesRequest struct {
	DataSet int `json:"data_set"`
	Lo      int `json:"lo"`
	Hi      int `json:"hi"`
}

func (s *Server) handleMaterializePages(w http.ResponseWriter, r *http.Request) {
	var req pagesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.MaterializePages(r.Context(), req.DataSet, req.Lo, req.Hi); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"lo": req.Lo, "hi": req.Hi})
}

type pageScrapedRequest struct {
	DataSet  int `json:"data_set"`
	PDFCount int `json:"pdf_count"`
}

func (s *Server) handlePageScraped(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || page < 0 {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("invalid page number"))
		return
	}
	var req pageScrapedRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.MarkPageScraped(r.Context(), req.DataSet, page, req.PDFCount); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"page": page, "pdf_count": req.PDFCount})
}

type externalRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleExternalProducer(w http.ResponseWriter, r *http.Request) {
	var req externalRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.ctrl.SetExternalProducerActive(req.Active)
	s.respond(w, http.StatusOK, map[string]any{"active": req.Active})
}

type resetRequest struct {
	DataSet int `json:"data_set"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !s.decode(w, r, &req) {
		return
	}
	var (
		n   int64
		err error
	)
	switch kind := chi.URLParam(r, "kind"); kind {
	case "interrupted":
		n, err = s.ctrl.ResetInterrupted(r.Context(), req.DataSet)
	case "failed":
		n, err = s.ctrl.ResetFailed(r.Context(), req.DataSet)
	case "all":
		n, err = s.ctrl.ResetAll(r.Context(), req.DataSet)
	case "clear":
		n, err = s.ctrl.ClearDataSet(r.Context(), req.DataSet)
	default:
		s.fail(w, http.StatusNotFound, fmt.Errorf("unknown reset kind %q", kind))
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"affected": n})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	dataSet, err := strconv.Atoi(r.URL.Query().Get("data_set"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("data_set query parameter is required"))
		return
	}
	has, err := s.ctrl.HasPendingWork(r.Context(), dataSet)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"has_pending_work": has})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("url query parameter is required"))
		return
	}
	ok, err := s.ctrl.CheckURL(r.Context(), url)
	if err != nil {
		s.fail(w, http.StatusBadGateway, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"exists": ok})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.ctrl.Running(),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response failed", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, err error) {
	s.respond(w, status, map[string]any{"error": err.Error()})
}
