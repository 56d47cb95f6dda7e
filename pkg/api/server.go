// Package api is the HTTP surface: participant routes for deploying
// and managing a challenge instance, and admin routes for status, logs
// and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ctflab/ctfdeployer/pkg/captcha"
	"github.com/ctflab/ctfdeployer/pkg/config"
	"github.com/ctflab/ctfdeployer/pkg/log"
	"github.com/ctflab/ctfdeployer/pkg/metrics"
	"github.com/ctflab/ctfdeployer/pkg/orchestrator"
	"github.com/ctflab/ctfdeployer/pkg/ports"
	"github.com/ctflab/ctfdeployer/pkg/resources"
	"github.com/ctflab/ctfdeployer/pkg/runtime"
	"github.com/ctflab/ctfdeployer/pkg/store"
)

// Server hosts the HTTP API.
type Server struct {
	cfg       *config.Config
	orch      *orchestrator.Orchestrator
	store     *store.Store
	monitor   *resources.Monitor
	allocator *ports.Allocator
	captcha   *captcha.Broker
	driver    runtime.Driver

	httpServer *http.Server
}

// NewServer wires the router.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, st *store.Store,
	monitor *resources.Monitor, allocator *ports.Allocator, broker *captcha.Broker,
	driver runtime.Driver) *Server {

	s := &Server{
		cfg:       cfg,
		orch:      orch,
		store:     st,
		monitor:   monitor,
		allocator: allocator,
		captcha:   broker,
		driver:    driver,
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.userCookie)

	r.Get("/", s.handleIndex)
	r.Get("/get_captcha", s.handleGetCaptcha)
	r.Post("/deploy", s.handleDeploy)
	r.Post("/stop", s.handleStop)
	r.Post("/restart", s.handleRestart)
	r.Post("/extend", s.handleExtend)
	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.adminOnly)
		r.Get("/admin", s.handleAdminPage)
		r.Get("/admin/status", s.handleAdminStatus)
		if cfg.EnableLogsEndpoint {
			r.Get("/logs", s.handleLogs)
		}
		if cfg.EnableMetrics {
			r.Method(http.MethodGet, "/metrics", metrics.Handler())
		}
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.WithComponent("api").Info().
		Str("addr", s.httpServer.Addr).
		Msg("API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
