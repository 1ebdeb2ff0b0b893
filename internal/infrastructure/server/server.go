// Package server wires the sandbox subsystem together: configuration,
// logging, metrics, the lifecycle manager and its reaper, the snapshot
// store, the finalize hook, and the browser-facing proxy.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/framewright/backend/internal/api/http"
	"github.com/framewright/backend/internal/api/middleware"
	"github.com/framewright/backend/internal/api/ws"
	"github.com/framewright/backend/internal/domain/finalize"
	"github.com/framewright/backend/internal/domain/sandbox"
	"github.com/framewright/backend/internal/domain/sandbox/runtime"
	"github.com/framewright/backend/internal/domain/snapshot"
	"github.com/framewright/backend/internal/infrastructure/config"
	"github.com/framewright/backend/internal/infrastructure/logging"
	"github.com/framewright/backend/internal/infrastructure/monitoring"
	"github.com/framewright/backend/internal/proxy"
)

// Server owns the HTTP surface and every long-lived component behind it.
type Server struct {
	cfg    *config.Config
	logger *logging.Logger

	router  *gin.Engine
	httpSrv *http.Server

	manager      *sandbox.Manager
	reaper       *sandbox.Reaper
	snapshots    *snapshot.Store
	checkpointer *snapshot.Checkpointer

	stopBackground context.CancelFunc
}

// New builds the full component graph from configuration.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	metrics := monitoring.NewMetrics()
	registry := sandbox.NewRegistry()

	var (
		rt  runtime.Runtime
		err error
	)
	switch cfg.Sandbox.Runtime {
	case "docker":
		rt, err = runtime.NewDockerRuntime(cfg.Sandbox.DockerImage)
		if err != nil {
			return nil, fmt.Errorf("docker runtime: %w", err)
		}
	default:
		rt = runtime.NewProcessRuntime()
	}
	logger.Info("sandbox runtime selected", zap.String("runtime", cfg.Sandbox.Runtime))

	manager := sandbox.NewManager(cfg.Sandbox, rt, registry, logger).WithMetrics(metrics)
	reaper := sandbox.NewReaper(
		manager,
		cfg.Sandbox.ReaperInterval,
		cfg.Sandbox.IdleTimeout,
		cfg.Sandbox.MaxLifetime,
		logger,
	).WithMetrics(metrics)

	snapshots, err := snapshot.NewStore(cfg.Snapshot.Root, logger)
	if err != nil {
		return nil, err
	}
	snapshots.WithMetrics(metrics)

	var checkpointer *snapshot.Checkpointer
	if cfg.Snapshot.CheckpointInterval > 0 {
		checkpointer = snapshot.NewCheckpointer(
			snapshots,
			manager,
			cfg.Snapshot.CheckpointInterval,
			cfg.Snapshot.CheckpointKeep,
			logger,
		)
	}

	finalizer := finalize.New(cfg.Sandbox.TemplateRoot, manager, snapshots, logger)
	gateway := proxy.New(cfg.Proxy, manager, logger).WithMetrics(metrics)

	handlers := apihttp.NewHandlers(manager, snapshots, finalizer, logger)
	terminal := ws.NewTerminal(manager, logger).WithMetrics(metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS())
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(cfg.RateLimit))
	}

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", monitoring.Handler())

	// Sandbox lifecycle
	router.POST("/sandboxes", handlers.CreateSandbox)
	router.GET("/sandboxes", handlers.ListSandboxes)
	router.GET("/sandboxes/:id", handlers.GetSandbox)
	router.DELETE("/sandboxes/:id", handlers.DestroySandbox)

	// In-sandbox operations
	router.POST("/sandboxes/:id/commands", handlers.RunCommand)
	router.POST("/sandboxes/:id/files", handlers.WriteFile)
	router.GET("/sandboxes/:id/files", handlers.ReadFile)
	router.GET("/sandboxes/:id/logs", handlers.DevServerLogs)
	router.GET("/sandboxes/:id/terminal", terminal.Attach)

	// Browser-facing proxy
	router.GET("/sandboxes/:id/proxy/*subpath", gateway.Handle)
	router.HEAD("/sandboxes/:id/proxy/*subpath", gateway.Handle)

	// Snapshots and finalize
	router.POST("/snapshots/:entityId", handlers.SaveSnapshot)
	router.GET("/snapshots/:entityId", handlers.GetSnapshot)
	router.DELETE("/snapshots/:entityId", handlers.DeleteSnapshot)
	router.POST("/finalize", handlers.Finalize)

	return &Server{
		cfg:          cfg,
		logger:       logger,
		router:       router,
		manager:      manager,
		reaper:       reaper,
		snapshots:    snapshots,
		checkpointer: checkpointer,
	}, nil
}

// Run starts the background loops and serves HTTP until the listener fails
// or Close shuts it down.
func (s *Server) Run() error {
	bgCtx, cancel := context.WithCancel(context.Background())
	s.stopBackground = cancel
	go s.reaper.Run(bgCtx)
	if s.checkpointer != nil {
		go s.checkpointer.Run(bgCtx)
	}

	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.logger.Info("server listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close drains HTTP, stops the background loops, and destroys every live
// sandbox. A
// restart treats all tracked sandboxes as gone, so leaving their processes
// behind would leak them permanently.
func (s *Server) Close(ctx context.Context) error {
	if s.stopBackground != nil {
		s.stopBackground()
	}

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	s.manager.Close(ctx)
	s.logger.Info("server stopped")
	return err
}
