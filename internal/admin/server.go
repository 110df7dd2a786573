// Package admin serves the operator control surface over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"lbsync/internal/coordinator"
	"lbsync/internal/scheduler"
)

// Controller is the coordinator surface exposed to operators.
type Controller interface {
	SystemStatus(ctx context.Context) coordinator.Status
	LastHealth() (coordinator.SystemHealth, bool)
	CheckHealth(ctx context.Context) coordinator.SystemHealth
	TriggerFullSync(ctx context.Context) error
	TriggerFrequentSync(ctx context.Context) coordinator.FrequentSyncResult
	ResetRecovery()
}

// Jobs is the scheduler surface exposed to operators.
type Jobs interface {
	CronJobStatus() []scheduler.JobStatus
	PerformanceStats(jobName string) (scheduler.PerformanceStats, error)
	Executions(jobName string) []scheduler.Execution
}

type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg     Config
	ctrl    Controller
	jobs    Jobs
	metrics http.Handler
	logger  *zap.Logger
	router  *mux.Router

	// background runs detached work such as a manual full sync.
	background func(func())
}

// NewServer builds the router. jobs and metrics may be nil.
func NewServer(cfg Config, ctrl Controller, jobs Jobs, metrics http.Handler, logger *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:        cfg,
		ctrl:       ctrl,
		jobs:       jobs,
		metrics:    metrics,
		logger:     logger.With(zap.String("component", "admin")),
		router:     mux.NewRouter(),
		background: func(fn func()) { go fn() },
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	s.router.HandleFunc("/recovery/reset", s.handleResetRecovery).Methods(http.MethodPost)

	if s.jobs != nil {
		s.router.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
		s.router.HandleFunc("/jobs/{name}/stats", s.handleJobStats).Methods(http.MethodGet)
		s.router.HandleFunc("/jobs/{name}/executions", s.handleJobExecutions).Methods(http.MethodGet)
	}
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
}

// Router returns the HTTP router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("admin shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("admin server listening", zap.String("addr", s.cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, ok := s.ctrl.LastHealth()
	if !ok || r.URL.Query().Get("fresh") == "true" {
		health = s.ctrl.CheckHealth(r.Context())
	}
	code := http.StatusOK
	if health.Overall == coordinator.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.SystemStatus(r.Context()))
}

// handleSync runs a frequent sync inline, or starts a full sync in the
// background for mode=full.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "frequent":
		res := s.ctrl.TriggerFrequentSync(r.Context())
		code := http.StatusOK
		switch res.Status {
		case coordinator.StatusSkipped:
			code = http.StatusConflict
		case coordinator.StatusFailed:
			code = http.StatusInternalServerError
		}
		writeJSON(w, code, res)
	case "full":
		if st := s.ctrl.SystemStatus(r.Context()); st.Phase != coordinator.PhaseIdle {
			writeError(w, http.StatusConflict, coordinator.ErrAlreadyInProgress.Error())
			return
		}
		s.background(func() {
			if err := s.ctrl.TriggerFullSync(context.Background()); err != nil {
				s.logger.Error("manual full sync", zap.Error(err))
			}
		})
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	default:
		writeError(w, http.StatusBadRequest, "mode must be frequent or full")
	}
}

func (s *Server) handleResetRecovery(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.ResetRecovery()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.CronJobStatus())
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	stats, err := s.jobs.PerformanceStats(name)
	if errors.Is(err, scheduler.ErrUnknownJob) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJobExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.Executions(mux.Vars(r)["name"]))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
