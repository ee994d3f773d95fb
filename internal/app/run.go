package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"bpmetrics/internal/config"
	"bpmetrics/internal/health"
	"bpmetrics/internal/logging"
	"bpmetrics/internal/pipeline"
	"bpmetrics/internal/store"
	"bpmetrics/internal/telemetry"
)

const healthStopTimeout = 3 * time.Second

// Runtime defines runtime inputs required to start the relay.
// Params: ConfigPath optional TOML file or directory; Overrides command line values; Reload trigger channel.
// Returns: Runtime value used by Run.
type Runtime struct {
	ConfigPath string
	Overrides  config.Overrides
	Reload     <-chan struct{}
}

type engineRunner interface {
	Run(context.Context) error
}

type servingSetter interface {
	SetServing(bool)
}

type runDeps struct {
	loadConfig  func(string, config.Overrides) (*config.Config, error)
	newLogger   func(config.LogConfig) (*slog.Logger, func(), error)
	openStore   func(context.Context, config.StoreConfig) (store.Store, error)
	startAdmin  func(context.Context, config.AdminConfig, adminHandlers, *slog.Logger) (func(), error)
	startHealth func(config.HealthConfig, *slog.Logger) (servingSetter, func(), error)
	newEngine   func(context.Context, *config.Config, *slog.Logger, pipeline.EngineDeps) (engineRunner, error)
}

type activeRuntime struct {
	cfg         *config.Config
	logger      *slog.Logger
	closeLogger func()
	cancel      context.CancelFunc
	done        chan error
	stopAdmin   func()
	stopHealth  func()
	store       store.Store
}

// Run loads configuration, starts the relay, and supports hot reload via Runtime.Reload.
// Params: ctx controls lifecycle; rt provides runtime inputs and optional reload trigger channel.
// Returns: error on startup/reload failure without rollback, nil on graceful stop.
func Run(ctx context.Context, rt Runtime) error {
	return runWithDeps(ctx, rt, defaultRunDeps())
}

// runWithDeps executes runtime lifecycle using injectable dependencies.
// Params: ctx controls lifecycle; rt runtime inputs; deps start/reload dependencies.
// Returns: runtime error or nil on graceful stop.
func runWithDeps(ctx context.Context, rt Runtime, deps runDeps) error {
	stats := telemetry.New()

	active, err := buildRuntimeFromPath(ctx, rt, deps, stats)
	if err != nil {
		return err
	}

	reloadCh := rt.Reload
	for {
		select {
		case runErr := <-active.done:
			active.done = nil
			active.stopRuntime()

			if ctx.Err() != nil {
				active.logger.Info("relay stopped", slog.String("reason", ctx.Err().Error()))
				active.closeLoggerSink()
				return nil
			}

			if runErr != nil {
				active.logger.Error("relay stopped unexpectedly", slog.String("error", runErr.Error()))
				active.closeLoggerSink()
				return fmt.Errorf("run relay: %w", runErr)
			}

			active.logger.Error("relay stopped unexpectedly", slog.String("error", "engine exited without context cancellation"))
			active.closeLoggerSink()
			return fmt.Errorf("run relay: engine exited without context cancellation")
		case <-ctx.Done():
			active.stopRuntime()
			reason := "canceled"
			if ctx.Err() != nil {
				reason = ctx.Err().Error()
			}
			active.logger.Info("relay stopped", slog.String("reason", reason))
			active.closeLoggerSink()
			return nil
		case _, ok := <-reloadCh:
			if !ok {
				reloadCh = nil
				continue
			}
			if ctx.Err() != nil {
				continue
			}

			next, reloadErr := reloadActiveRuntime(ctx, rt, active, deps, stats)
			if next == nil {
				return reloadErr
			}
			active = next
		}
	}
}

// defaultRunDeps provides production runtime dependencies.
// Params: none.
// Returns: dependency set used by Run.
func defaultRunDeps() runDeps {
	return runDeps{
		loadConfig: config.Load,
		newLogger:  logging.New,
		openStore: func(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
			return store.Open(ctx, cfg)
		},
		startAdmin: startAdminServer,
		startHealth: func(cfg config.HealthConfig, logger *slog.Logger) (servingSetter, func(), error) {
			if !cfg.Enabled {
				return nil, func() {}, nil
			}
			server, err := health.Start(cfg.Listen, cfg.Service, logger)
			if err != nil {
				return nil, nil, err
			}
			return server, func() {
				ctx, cancel := context.WithTimeout(context.Background(), healthStopTimeout)
				defer cancel()
				server.Stop(ctx)
			}, nil
		},
		newEngine: func(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps pipeline.EngineDeps) (engineRunner, error) {
			return pipeline.NewFromConfig(ctx, cfg, logger, deps)
		},
	}
}

// buildRuntimeFromPath loads validated config and starts runtime components.
// Params: ctx root lifecycle context; rt config path and overrides; deps runtime dependency set; stats process-wide instruments.
// Returns: active runtime or startup error.
func buildRuntimeFromPath(ctx context.Context, rt Runtime, deps runDeps, stats *telemetry.Relay) (*activeRuntime, error) {
	cfg, err := deps.loadConfig(rt.ConfigPath, rt.Overrides)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return buildRuntimeFromConfig(ctx, cfg, deps, stats, nil, nil)
}

// buildRuntimeFromConfig starts runtime components from already loaded config.
// The store is pinged before anything listens; an unreachable store leaves the socket unbound.
// Params: ctx root lifecycle context; cfg validated config; deps runtime dependency set; stats instruments; logger/closeFn optional logger override.
// Returns: active runtime or startup error.
func buildRuntimeFromConfig(
	ctx context.Context,
	cfg *config.Config,
	deps runDeps,
	stats *telemetry.Relay,
	logger *slog.Logger,
	closeFn func(),
) (*activeRuntime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("runtime context canceled: %w", ctx.Err())
	}

	ownsLogger := false
	if logger == nil {
		createdLogger, loggerCloseFn, err := deps.newLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		logger = createdLogger
		closeFn = loggerCloseFn
		ownsLogger = true
	}

	runtime := &activeRuntime{cfg: cfg, logger: logger, closeLogger: closeFn}
	fail := func(err error) (*activeRuntime, error) {
		runtime.stopRuntime()
		if ownsLogger && closeFn != nil {
			closeFn()
		}
		return nil, err
	}

	st, err := deps.openStore(ctx, cfg.Store)
	if err != nil {
		logger.Error(
			"unable to reach the database",
			slog.String("addr", cfg.Store.Addr),
			slog.Int("db", cfg.Store.DB),
			slog.String("error", err.Error()),
		)
		return fail(fmt.Errorf("open store: %w", err))
	}
	runtime.store = st

	runCtx, cancel := context.WithCancel(ctx)
	runtime.cancel = cancel

	healthServer, stopHealth, err := deps.startHealth(cfg.Health, logger)
	if err != nil {
		return fail(fmt.Errorf("start health: %w", err))
	}
	runtime.stopHealth = stopHealth

	var bound atomic.Bool
	ready := func(v bool) {
		bound.Store(v)
		if healthServer != nil {
			healthServer.SetServing(v)
		}
	}

	stopAdmin, err := deps.startAdmin(runCtx, cfg.Admin, adminHandlers{
		metrics: stats.Handler(),
		ready:   bound.Load,
		ping:    st.Ping,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("start admin: %w", err))
	}
	runtime.stopAdmin = stopAdmin

	engine, err := deps.newEngine(runCtx, cfg, logger, pipeline.EngineDeps{
		Store: st,
		Stats: stats,
		Ready: ready,
	})
	if err != nil {
		return fail(fmt.Errorf("build relay: %w", err))
	}

	done := make(chan error, 1)
	go func() {
		done <- engine.Run(runCtx)
	}()
	runtime.done = done

	logStartup(logger, cfg)
	return runtime, nil
}

// reloadActiveRuntime applies config reload with validation and rollback.
// Params: ctx root lifecycle context; rt config path and overrides; active running runtime; deps runtime dependency set; stats instruments.
// Returns: active runtime to keep running and optional reload error (non-fatal when rollback succeeds).
func reloadActiveRuntime(
	ctx context.Context,
	rt Runtime,
	active *activeRuntime,
	deps runDeps,
	stats *telemetry.Relay,
) (*activeRuntime, error) {
	active.logger.Info("config reload requested")

	nextCfg, err := deps.loadConfig(rt.ConfigPath, rt.Overrides)
	if err != nil {
		active.logger.Error("config reload validation failed", slog.String("error", err.Error()))
		return active, fmt.Errorf("reload config: %w", err)
	}

	nextLogger, nextCloseFn, err := deps.newLogger(nextCfg.Log)
	if err != nil {
		active.logger.Error("config reload logger init failed", slog.String("error", err.Error()))
		return active, fmt.Errorf("init reload logger: %w", err)
	}

	active.stopRuntime()
	nextRuntime, startErr := buildRuntimeFromConfig(ctx, nextCfg, deps, stats, nextLogger, nextCloseFn)
	if startErr == nil {
		active.closeLoggerSink()
		nextRuntime.logger.Info("config reload applied")
		return nextRuntime, nil
	}
	nextCloseFn()
	if ctx.Err() != nil {
		active.logger.Info("config reload interrupted by shutdown")
		return active, nil
	}

	active.logger.Error("config reload apply failed, restoring previous runtime", slog.String("error", startErr.Error()))
	rollbackRuntime, rollbackErr := buildRuntimeFromConfig(ctx, active.cfg, deps, stats, active.logger, active.closeLogger)
	if rollbackErr != nil {
		active.closeLoggerSink()
		return nil, fmt.Errorf("apply reload: %w; rollback failed: %w", startErr, rollbackErr)
	}

	rollbackRuntime.logger.Warn("config reload rejected, previous runtime restored", slog.String("error", startErr.Error()))
	return rollbackRuntime, fmt.Errorf("apply reload: %w", startErr)
}

// stopRuntime stops the engine, listeners, and store while keeping the logger open.
// Params: none.
// Returns: none.
func (r *activeRuntime) stopRuntime() {
	if r == nil {
		return
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.done != nil {
		<-r.done
		r.done = nil
	}
	if r.stopAdmin != nil {
		r.stopAdmin()
		r.stopAdmin = nil
	}
	if r.stopHealth != nil {
		r.stopHealth()
		r.stopHealth = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("close store failed", slog.String("error", err.Error()))
		}
		r.store = nil
	}
}

// closeLoggerSink closes active logger resources.
// Params: none.
// Returns: none.
func (r *activeRuntime) closeLoggerSink() {
	if r == nil {
		return
	}
	if r.closeLogger != nil {
		r.closeLogger()
		r.closeLogger = nil
	}
}

// logStartup emits initial startup metadata.
// Params: logger is initialized slog logger; cfg is validated runtime config.
// Returns: none.
func logStartup(logger *slog.Logger, cfg *config.Config) {
	logger.Info(
		"relay starting",
		slog.String("address", cfg.Relay.Address),
		slog.String("store", cfg.Store.Addr),
		slog.Int("db", cfg.Store.DB),
		slog.Int("graphite_targets", len(cfg.Graphite.Addr)),
		slog.Bool("spool", cfg.Graphite.Spool.Enabled),
	)
}
