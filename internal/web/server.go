// Package web provides the HTTP API for batch ingestion and the master
// dataset.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/opmerge/internal/config"
	"github.com/JonMunkholm/opmerge/internal/core"
	"github.com/JonMunkholm/opmerge/internal/metrics"
	"github.com/JonMunkholm/opmerge/internal/warehouse"
	mw "github.com/JonMunkholm/opmerge/internal/web/middleware"
)

// DatasetLoader copies the master dataset into the warehouse.
type DatasetLoader interface {
	LoadFile(ctx context.Context, path string) (warehouse.LoadResult, error)
}

// Deps are the collaborators the server calls into. Coordinator and
// Appender are required; Loader and Metrics may be nil.
type Deps struct {
	Coordinator *core.Coordinator
	Appender    *core.Appender
	Loader      DatasetLoader
	Metrics     *metrics.Metrics

	// ConverterCheck reports whether the converter binary is usable.
	ConverterCheck func() error
}

// Server is the HTTP server for the ingestion API.
type Server struct {
	deps   Deps
	cfg    *config.Config
	router *chi.Mux
	server *http.Server
}

// NewServer creates a Server with its middleware and routes installed.
func NewServer(deps Deps, cfg *config.Config) *Server {
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Server.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	if s.deps.Metrics != nil {
		s.router.Use(s.deps.Metrics.Middleware)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		// Ingestion jobs
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleJobStatus)

		// Admission slot
		r.Get("/admin/lock", s.handleLockState)
		r.Post("/admin/reset-lock", s.handleResetLock)

		// Master dataset
		r.Get("/dataset", s.handleDatasetInfo)
		r.Delete("/dataset", s.handlePurgeDataset)
		r.Get("/dataset/stats", s.handleDatasetStats)
		r.Get("/dataset/report.xlsx", s.handleDatasetReport)
		r.Post("/dataset/load", s.handleWarehouseLoad)
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("server listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
