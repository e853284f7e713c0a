package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/eugenenazirov/authlook/internal/api"
	"github.com/eugenenazirov/authlook/internal/config"
	"github.com/eugenenazirov/authlook/internal/metrics"
)

// App encapsulates the hosted application, the runtime endpoints and the HTTP
// server of one worker.
type App struct {
	cfg      config.Config
	handler  *api.Handler
	router   http.Handler
	logger   *zap.Logger
	server   *http.Server
	registry *prometheus.Registry
}

// Option configures New.
type Option func(*options)

type options struct {
	apps     *Registry
	workerID string
	version  string
}

// WithRegistry resolves the application from apps instead of the process-wide
// registry.
func WithRegistry(apps *Registry) Option {
	return func(o *options) {
		o.apps = apps
	}
}

// WithWorkerID names the worker in logs and on the info endpoint.
func WithWorkerID(id string) Option {
	return func(o *options) {
		o.workerID = id
	}
}

// WithVersion reports the build version on the info endpoint.
func WithVersion(version string) Option {
	return func(o *options) {
		o.version = version
	}
}

// New resolves cfg.App and wires it into an HTTP server. An unknown app
// reference fails here, before any port is bound.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{
		apps:     defaultRegistry,
		workerID: "0",
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger = logger.With(zap.String("worker", o.workerID))

	factory, err := o.apps.Lookup(cfg.App)
	if err != nil {
		return nil, fmt.Errorf("resolve application (registered: %s): %w", strings.Join(o.apps.Refs(), ", "), err)
	}

	appHandler, err := factory(Deps{Config: cfg, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("build application %s: %w", cfg.App, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler := api.NewHandler(api.Info{
		Mode:    cfg.Mode.String(),
		App:     cfg.App,
		Worker:  o.workerID,
		PID:     os.Getpid(),
		Version: o.version,
	})
	router := api.NewRouter(handler, appHandler, logger,
		api.WithLogging(cfg.AccessLog),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		api.WithMetrics(metrics.NewHTTP(registry), registry),
	)

	return &App{
		cfg:      cfg,
		handler:  handler,
		router:   router,
		logger:   logger,
		server:   NewServer(cfg, router),
		registry: registry,
	}, nil
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Serve accepts connections on ln until Shutdown is called. It returns nil
// after a graceful shutdown.
func (a *App) Serve(ln net.Listener) error {
	a.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
	if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Start binds the configured address and serves in a goroutine. A bind
// failure is returned to the caller.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.server.Addr, err)
	}
	go func() {
		if err := a.Serve(ln); err != nil {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops advertising readiness and drains in-flight requests. If ctx
// expires first the remaining connections are closed.
func (a *App) Shutdown(ctx context.Context) error {
	a.handler.MarkUnavailable()
	a.logger.Info("shutting down server")

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := a.server.Close(); closeErr != nil {
			a.logger.Error("forced close failed", zap.Error(closeErr))
		}
		return err
	}
	return nil
}

// Server returns the HTTP server instance.
func (a *App) Server() *http.Server {
	return a.server
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	return a.router
}
