package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eugenenazirov/authlook/internal/application"
	"github.com/eugenenazirov/authlook/internal/config"
	"github.com/eugenenazirov/authlook/internal/logging"
	"github.com/eugenenazirov/authlook/internal/metrics"
	"github.com/eugenenazirov/authlook/internal/reload"
	"github.com/eugenenazirov/authlook/internal/supervisor"
)

var (
	signalNotify = signal.Notify
	version      = "dev"
)

const parentCheckInterval = time.Second

type cliFlags struct {
	configFile  *string
	envFile     *string
	app         *string
	host        *string
	port        *int
	workers     *int
	reload      *bool
	reloadSet   bool
	logLevel    *string
	accessLog   *bool
	accessSet   bool
	metricsAddr *string
}

func registerFlags(app *kingpin.Application) *cliFlags {
	f := &cliFlags{}
	f.configFile = app.Flag("config", "Path to YAML configuration file").String()
	f.envFile = app.Flag("env-file", "Path to a dotenv file loaded before configuration (default .env if present)").String()
	f.app = app.Flag("app", "Application reference in module:attribute form").String()
	f.host = app.Flag("host", "Interface to bind").String()
	f.port = app.Flag("port", "TCP port to bind").Default("-1").Int()
	f.workers = app.Flag("workers", "Number of worker processes").Default("-1").Int()
	f.reload = app.Flag("reload", "Restart workers when source files change").IsSetByUser(&f.reloadSet).Bool()
	f.logLevel = app.Flag("log-level", "Log verbosity (debug, info, warn, error)").String()
	f.accessLog = app.Flag("access-log", "Emit one log line per request").IsSetByUser(&f.accessSet).Bool()
	f.metricsAddr = app.Flag("metrics-addr", "Address for the supervisor metrics endpoint").String()
	return f
}

func (f *cliFlags) overrides() *config.CLIOverrides {
	overrides := &config.CLIOverrides{
		ConfigFile:  *f.configFile,
		App:         f.app,
		Host:        f.host,
		LogLevel:    f.logLevel,
		MetricsAddr: f.metricsAddr,
	}
	if *f.port >= 0 {
		overrides.Port = f.port
	}
	if *f.workers >= 0 {
		overrides.Workers = f.workers
	}
	if f.reloadSet {
		overrides.Reload = f.reload
	}
	if f.accessSet {
		overrides.AccessLog = f.accessLog
	}
	return overrides
}

func main() {
	kingpinApp := kingpin.New("authlook", "AuthLook launcher - serves the backend application with the profile of the selected deployment mode")
	kingpinApp.Version(version)
	flags := registerFlags(kingpinApp)

	kingpin.MustParse(kingpinApp.Parse(os.Args[1:]))

	// Workers start from the environment as it was before .env was applied so
	// each one reads the file afresh.
	launchEnv := os.Environ()

	if err := config.LoadEnvFile(*flags.envFile); err != nil {
		panic(fmt.Sprintf("failed to load env file: %v", err))
	}

	cfg, err := config.Load(flags.overrides())
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Mode)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(cfg, launchEnv, logger); err != nil {
		logger.Fatal("launcher failed", zap.Error(err))
	}
}

func run(cfg config.Config, launchEnv []string, logger *zap.Logger) error {
	if id, ok := supervisor.WorkerID(); ok {
		ln, err := supervisor.InheritedListener()
		if err != nil {
			return err
		}
		return runWorker(cfg, id, ln, logger)
	}

	logger.Info("starting launcher",
		zap.String("app", cfg.App),
		zap.String("addr", cfg.Addr()),
		zap.Int("workers", cfg.Workers),
		zap.Bool("reload", cfg.Reload),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("access_log", cfg.AccessLog),
	)

	if !cfg.Supervised() {
		return runSingle(cfg, logger)
	}
	return runSupervised(cfg, launchEnv, logger)
}

// runSingle serves in this process. Used for one worker without reload.
func runSingle(cfg config.Config, logger *zap.Logger) error {
	app, err := application.New(cfg, logger, application.WithVersion(version))
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	if err := app.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	shutdown(app, cfg.ShutdownGracePeriod, logger)
	return nil
}

// runWorker serves ln as one supervised worker until the supervisor asks it to
// stop or goes away.
func runWorker(cfg config.Config, id string, ln net.Listener, logger *zap.Logger) error {
	app, err := application.New(cfg, logger,
		application.WithWorkerID(id),
		application.WithVersion(version),
	)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("initialize application: %w", err)
	}

	ctx, stop := notifyContext(context.Background(), logger)
	defer stop()
	go watchParent(ctx, stop, os.Getppid, parentCheckInterval, logger)

	served := make(chan error, 1)
	go func() {
		served <- app.Serve(ln)
	}()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown worker %s: %w", id, err)
	}
	return <-served
}

// runSupervised binds the socket once and runs the worker pool, the reload
// watcher and the metrics endpoint until a signal arrives.
func runSupervised(cfg config.Config, launchEnv []string, logger *zap.Logger) error {
	if _, err := application.DefaultRegistry().Lookup(cfg.App); err != nil {
		return fmt.Errorf("resolve application: %w", err)
	}

	listener, addr, err := supervisor.Bind(cfg.Addr())
	if err != nil {
		return err
	}
	defer listener.Close()

	spawner, err := newWorkerSpawner(listener, launchEnv)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sup, err := supervisor.New(cfg.Workers, spawner, logger,
		supervisor.WithGracePeriod(cfg.ShutdownGracePeriod),
		supervisor.WithMetrics(metrics.NewSupervisor(registry)),
	)
	if err != nil {
		return err
	}

	var watcher *reload.Watcher
	if cfg.Reload {
		watcher, err = reload.New(cfg.ReloadDirs, func(string) { sup.Reload() }, logger,
			reload.WithDebounce(cfg.ReloadDelay),
		)
		if err != nil {
			return fmt.Errorf("create reload watcher: %w", err)
		}
	}

	ctx, stop := notifyContext(context.Background(), logger)
	defer stop()

	logger.Info("supervisor listening", zap.String("addr", addr.String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, registry, logger)
		})
	}
	return g.Wait()
}

// newWorkerSpawner re-executes this binary with env instead of the current
// process environment.
func newWorkerSpawner(listener *os.File, env []string) (*supervisor.ExecSpawner, error) {
	spawner, err := supervisor.NewExecSpawner(listener)
	if err != nil {
		return nil, err
	}
	spawner.Env = append([]string(nil), env...)
	return spawner, nil
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(gatherer))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics on %s: %w", addr, err)
	}
	logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ln)
	}()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	return nil
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func shutdown(server shutdowner, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	logger.Info("received signal", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

// notifyContext returns a context cancelled on SIGINT or SIGTERM.
func notifyContext(parent context.Context, logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(quit)
		select {
		case sig := <-quit:
			logger.Info("received signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// watchParent cancels the worker once it is reparented, which happens when the
// supervisor dies without stopping it.
func watchParent(ctx context.Context, cancel context.CancelFunc, getppid func() int, interval time.Duration, logger *zap.Logger) {
	parent := getppid()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if getppid() != parent {
				logger.Warn("supervisor went away, stopping worker", zap.Int("parent_pid", parent))
				cancel()
				return
			}
		}
	}
}
