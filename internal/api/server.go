// Package api provides the HTTP REST API and WebSocket server for ParcelHub Core.
//
// It exposes locker and box reads, administrative locker edits and the
// box write operations (fill, pickup, unlock) to the operator console and
// customer-facing apps. Committed state changes are pushed to WebSocket
// clients instead of being polled.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/parcelhub-core/internal/audit"
	"github.com/nerrad567/parcelhub-core/internal/dispatcher"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/config"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/database"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/logging"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/metrics"
	"github.com/nerrad567/parcelhub-core/internal/locker"
	"github.com/nerrad567/parcelhub-core/internal/reconciler"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Commander sends a command to locker hardware and waits for its outcome.
// *dispatcher.Dispatcher satisfies it.
type Commander interface {
	SendCommand(ctx context.Context, target dispatcher.Target, action dispatcher.Action, data any) (dispatcher.Result, error)
}

// PendingCounter is optionally implemented by the Commander to report
// in-flight commands on the metrics endpoint.
type PendingCounter interface {
	Pending() int
}

// ConnectionChecker reports transport connectivity. *mqtt.Client satisfies it.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Commands   config.CommandsConfig
	Lockers    config.LockersConfig
	Logger     *logging.Logger
	Registry   *locker.Registry
	Reconciler *reconciler.Reconciler
	Commander  Commander         // nil disables unlock, refresh and hardware-mediated writes
	MQTT       ConnectionChecker // optional, reported by /health and /metrics
	DB         *database.DB      // optional, reported by /metrics
	Metrics    *metrics.Metrics  // optional
	AuditLog   *audit.Writer     // optional, records admin writes
	AuditRepo  audit.Repository  // optional, serves GET /audit
	Version    string
}

// Server is the HTTP API server for ParcelHub Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	cmdCfg     config.CommandsConfig
	lockerCfg  config.LockersConfig
	logger     *logging.Logger
	registry   *locker.Registry
	reconciler *reconciler.Reconciler
	commander  Commander
	mqtt       ConnectionChecker
	db         *database.DB
	metrics    *metrics.Metrics
	auditLog   *audit.Writer
	auditRepo  audit.Repository
	version    string
	startTime  time.Time
	server     *http.Server
	hub        *Hub
	cancel     context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The WebSocket hub is created here and subscribed to registry events so no
// committed change is missed between New and Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("locker registry is required")
	}
	if deps.Reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	// Commander is optional: reads, admin edits and non-mediated writes
	// still work without a transport.

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		cmdCfg:     deps.Commands,
		lockerCfg:  deps.Lockers,
		logger:     deps.Logger,
		registry:   deps.Registry,
		reconciler: deps.Reconciler,
		commander:  deps.Commander,
		mqtt:       deps.MQTT,
		db:         deps.DB,
		metrics:    deps.Metrics,
		auditLog:   deps.AuditLog,
		auditRepo:  deps.AuditRepo,
		version:    deps.Version,
		startTime:  time.Now(),
	}

	s.hub = NewHub(s.wsCfg, s.logger)
	s.hub.OnClientCount(s.metrics.SetWebSocketClients)
	s.registry.Subscribe(s.hub.Publish)

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub and launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
