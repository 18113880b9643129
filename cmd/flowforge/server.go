package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flowforge-ai/flowforge/api/handlers"
	"github.com/flowforge-ai/flowforge/config"
	"github.com/flowforge-ai/flowforge/internal/metrics"
	"github.com/flowforge-ai/flowforge/internal/pool"
	"github.com/flowforge-ai/flowforge/store"
	"github.com/flowforge-ai/flowforge/workflow"
)

// Server wires the store, orchestrator, and HTTP surface together.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	db      *gorm.DB
	pool    *pool.Pool
	orch    *workflow.Orchestrator
	httpSrv *http.Server
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	db, err := store.Open(store.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	st, err := store.NewGormStore(db, logger)
	if err != nil {
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace)
	}

	workerPool := pool.New(pool.Config{
		MaxWorkers: cfg.Orchestrator.MaxWorkers,
		QueueSize:  cfg.Orchestrator.QueueSize,
	})

	orch := workflow.New(workflow.Options{
		Store:   st,
		Agents:  builtinAgents(logger),
		Tools:   builtinTools(logger),
		Pool:    workerPool,
		Metrics: collector,
		Logger:  logger,
	})

	s := &Server{
		cfg:    cfg,
		logger: logger,
		db:     db,
		pool:   workerPool,
		orch:   orch,
	}
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.buildHandler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * cfg.Server.ReadTimeout,
	}
	return s, nil
}

func (s *Server) buildHandler() http.Handler {
	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.HealthCheckFunc{
		CheckName: "database",
		Fn: func(ctx context.Context) error {
			sqlDB, err := s.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	})

	workflowHandler := handlers.NewWorkflowHandler(s.orch, s.logger)
	hitlHandler := handlers.NewHITLHandler(s.orch, s.logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/workflows", workflowHandler.HandleStart)
	mux.HandleFunc("GET /api/v1/workflows", workflowHandler.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", workflowHandler.HandleGet)
	mux.HandleFunc("GET /api/v1/workflows/{id}/events", workflowHandler.HandleEvents)
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", workflowHandler.HandleCancel)

	mux.HandleFunc("GET /api/v1/hitl", hitlHandler.HandleListPending)
	mux.HandleFunc("POST /api/v1/hitl/{id}/approve", hitlHandler.HandleApprove)
	mux.HandleFunc("POST /api/v1/hitl/{id}/reject", hitlHandler.HandleReject)

	if s.cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
		RateLimiter(s.cfg.Server.RateLimit, s.cfg.Server.RateBurst),
	)
}

// Start resumes workflows left running by a previous process, then begins
// serving without blocking.
func (s *Server) Start() error {
	if n, err := s.orch.ResumeInFlight(context.Background()); err != nil {
		s.logger.Warn("failed to resume in-flight workflows", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("resumed in-flight workflows", zap.Int("count", n))
	}

	go func() {
		s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then drains the HTTP
// server and the worker pool.
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	// In-flight activations finish; parked workflows persist and resume on
	// the next start.
	s.pool.Close()

	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
