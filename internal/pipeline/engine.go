package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"bpmetrics/internal/config"
	"bpmetrics/internal/frontdoor"
	"bpmetrics/internal/match"
	"bpmetrics/internal/selfstats"
	"bpmetrics/internal/store"
	"bpmetrics/internal/telemetry"
)

// ListenFunc binds the front door socket.
type ListenFunc func(ctx context.Context, address, identity string) (frontdoor.Socket, error)

// EngineDeps carries collaborators built outside the pipeline.
// Store and Stats are required; nil Sender, Sampler and Listen fall back to real implementations.
type EngineDeps struct {
	Store   store.Store
	Stats   *telemetry.Relay
	Sender  Sender
	Sampler GaugeSampler
	Listen  ListenFunc
	// Ready is called with true once the socket is bound and with false when the engine stops.
	Ready func(bool)
}

// Engine owns the relay runtime: front door, job queue, worker, and flusher.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	deps    EngineDeps
	queue   *JobQueue
	flusher *Flusher
	worker  *Worker
}

// NewFromConfig builds the relay runtime without binding the socket.
// Params: ctx for sampler setup; cfg validated config; logger root logger; deps collaborators.
// Returns: engine or setup error.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps EngineDeps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Stats == nil {
		return nil, fmt.Errorf("telemetry is required")
	}
	if deps.Sender == nil {
		deps.Sender = NewCarbonSender()
	}
	if deps.Listen == nil {
		deps.Listen = frontdoor.Listen
	}
	if deps.Ready == nil {
		deps.Ready = func(bool) {}
	}

	var sampler GaugeSampler = deps.Sampler
	if sampler == nil && cfg.SelfStats.Enabled {
		processSampler, err := selfstats.New(ctx)
		if err != nil {
			logger.Warn("self stats disabled", slog.String("error", err.Error()))
		} else {
			sampler = processSampler
		}
	}
	if !cfg.SelfStats.Enabled {
		sampler = nil
	}

	filter := match.NewNameFilter(cfg.Worker.FilterNames, cfg.Worker.DropNames)
	flusher, err := NewFlusher(cfg.Graphite, filter, deps.Sender, logger, deps.Stats)
	if err != nil {
		return nil, fmt.Errorf("init flusher: %w", err)
	}

	queue := NewJobQueue(cfg.Worker.QueueSize)
	worker := NewWorker(
		WorkerOptions{
			FlushInterval:   cfg.Worker.FlushInterval.Duration,
			FlushEvents:     cfg.Worker.FlushEvents,
			MaxPendingNames: cfg.Worker.MaxPendingNames,
		},
		queue,
		deps.Store,
		flusher,
		sampler,
		logger,
		deps.Stats,
	)

	return &Engine{
		cfg:     cfg,
		logger:  logger,
		deps:    deps,
		queue:   queue,
		flusher: flusher,
		worker:  worker,
	}, nil
}

// Run binds the front door and serves until ctx ends or the transport fails.
// The worker makes its final flush before Run returns.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop, bind or transport error otherwise.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		if err := e.flusher.Close(); err != nil {
			e.logger.Error("close flusher failed", slog.String("error", err.Error()))
		}
	}()

	address := e.cfg.Relay.Address
	socket, err := e.deps.Listen(ctx, address, frontdoor.Identity(address))
	if err != nil {
		return err
	}

	e.logger.Info(
		"relay started",
		slog.String("address", address),
		slog.Int("graphite_targets", len(e.cfg.Graphite.Addr)),
		slog.Bool("spool", e.flusher.Spooling()),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := e.worker.Run(runCtx); err != nil {
			e.logger.Error("worker stopped with error", slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer wg.Done()
		e.flusher.RunRetry(runCtx)
	}()

	server := frontdoor.New(socket, e.queue, e.deps.Store, e.cfg.Relay, e.logger, e.deps.Stats)
	e.deps.Ready(true)
	runErr := server.Run(runCtx)
	e.deps.Ready(false)

	cancel()
	wg.Wait()

	if runErr != nil {
		return fmt.Errorf("front door: %w", runErr)
	}
	e.logger.Info("relay stopped")
	return nil
}

// Queue exposes the job queue.
func (e *Engine) Queue() *JobQueue {
	return e.queue
}
