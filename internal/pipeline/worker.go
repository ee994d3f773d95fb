package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"bpmetrics/internal/selfstats"
	"bpmetrics/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// KVWriter writes set events into the key/value store.
type KVWriter interface {
	HSet(ctx context.Context, bucket, field, value string) error
}

// SnapshotFlusher delivers drained snapshots downstream.
// Params: ctx lifecycle; snap counters plus gauges.
// Returns: error wrapping ErrFlushFailed when the snapshot must be kept in memory.
type SnapshotFlusher interface {
	Flush(ctx context.Context, snap Snapshot) error
}

// GaugeSampler reports relay process gauges attached to non-empty flushes.
type GaugeSampler interface {
	Sample(ctx context.Context) ([]selfstats.Gauge, error)
}

// WorkerOptions controls flush triggers and the in-memory retry cap.
type WorkerOptions struct {
	FlushInterval   time.Duration
	FlushEvents     uint64
	MaxPendingNames int
}

// Worker applies batches from the job queue and flushes counters periodically.
// It is the only writer of its counters and the only caller of KVWriter.
type Worker struct {
	opts     WorkerOptions
	queue    *JobQueue
	counters *Counters
	kv       KVWriter
	flusher  SnapshotFlusher
	sampler  GaugeSampler
	logger   *slog.Logger
	stats    *telemetry.Relay

	applied uint64
}

// NewWorker wires a worker to its queue and outputs.
// Params: opts flush settings; queue job source; kv store writer; flusher sink; sampler optional gauges; logger; stats.
// Returns: worker ready for Run.
func NewWorker(
	opts WorkerOptions,
	queue *JobQueue,
	kv KVWriter,
	flusher SnapshotFlusher,
	sampler GaugeSampler,
	logger *slog.Logger,
	stats *telemetry.Relay,
) *Worker {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	return &Worker{
		opts:     opts,
		queue:    queue,
		counters: NewCounters(),
		kv:       kv,
		flusher:  flusher,
		sampler:  sampler,
		logger:   logger.With(slog.String("component", "worker")),
		stats:    stats,
	}
}

// Counters exposes the pending aggregator.
func (w *Worker) Counters() *Counters {
	return w.counters
}

// Run consumes the queue until ctx ends, flushing on the interval and on the event threshold.
// Pending payloads are applied and a final flush is made before returning.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown(ctx)
			return nil
		case payload := <-w.queue.C():
			w.handle(ctx, payload)
			if w.opts.FlushEvents > 0 && w.applied >= w.opts.FlushEvents {
				w.Flush(ctx)
			}
		case <-ticker.C:
			w.Flush(ctx)
		}
	}
}

// Process parses one payload and applies its events in order.
// Params: ctx for store writes; payload raw batch.
// Returns: error wrapping ErrMalformedPayload when payload is not a batch.
func (w *Worker) Process(ctx context.Context, payload []byte) error {
	events, skipped, err := ParseBatch(payload)
	if err != nil {
		w.stats.MalformedBatches.Inc()
		return err
	}
	if skipped > 0 {
		w.logger.Debug("skipped malformed events", slog.Int("skipped", skipped))
	}

	for _, event := range events {
		w.apply(ctx, event)
	}
	return nil
}

// Flush drains counters and hands them to the flusher; failed snapshots are merged back up to the name cap.
// Params: ctx lifecycle context.
// Returns: none.
func (w *Worker) Flush(ctx context.Context) {
	w.stats.QueueDepth.Set(float64(w.queue.Len()))
	w.applied = 0

	snap := w.counters.Drain()
	if snap.Empty() {
		return
	}
	snap.Gauges = w.sampleGauges(ctx)

	err := w.flusher.Flush(ctx, snap)
	if err == nil {
		return
	}

	dropped := w.counters.Merge(snap, w.opts.MaxPendingNames)
	if dropped > 0 {
		w.stats.DroppedNames.Add(float64(dropped))
	}
	w.logger.Warn(
		"flush failed, counters kept for next flush",
		slog.Int("names", len(snap.Counters)),
		slog.Int("dropped", dropped),
		slog.String("error", err.Error()),
	)
}

// handle processes one queued payload and logs rejected ones.
func (w *Worker) handle(ctx context.Context, payload []byte) {
	if err := w.Process(ctx, payload); err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			w.logger.Warn("dropping malformed payload", slog.Int("bytes", len(payload)), slog.String("error", err.Error()))
			return
		}
		w.logger.Error("process payload failed", slog.String("error", err.Error()))
	}
}

// apply routes one event by kind.
// Params: ctx for store writes; event decoded pair.
// Returns: none.
func (w *Worker) apply(ctx context.Context, event Event) {
	switch event.Kind {
	case KindCount:
		if len(event.Data) < 2 {
			w.logger.Debug("skipping count event", slog.Int("arity", len(event.Data)))
			return
		}
		for _, name := range CountNames(event.Data[0], event.Data[1]) {
			w.counters.Add(name, 1)
		}
		w.stats.Events.WithLabelValues("count").Inc()
		w.applied++

	case KindSet:
		w.counters.Add(GlobalSetName, 1)
		if len(event.Data) != 3 {
			w.logger.Debug("skipping set event", slog.Int("arity", len(event.Data)))
			return
		}
		w.stats.Events.WithLabelValues("set").Inc()
		w.applied++
		if err := w.kv.HSet(ctx, event.Data[0], event.Data[1], event.Data[2]); err != nil {
			w.stats.StoreErrors.Inc()
			w.logger.Error(
				"store write failed",
				slog.String("bucket", event.Data[0]),
				slog.String("field", event.Data[1]),
				slog.String("error", err.Error()),
			)
		}

	case KindTime:
		w.logger.Debug("skipping time event", slog.Int("arity", len(event.Data)))

	default:
		w.logger.Debug("skipping event with unknown kind", slog.String("kind", string(event.Kind)))
	}
}

// sampleGauges collects optional process gauges; sampling errors only cost the gauges.
func (w *Worker) sampleGauges(ctx context.Context) map[string]float64 {
	if w.sampler == nil {
		return nil
	}
	gauges, err := w.sampler.Sample(ctx)
	if err != nil {
		w.logger.Debug("self stats sample failed", slog.String("error", err.Error()))
	}
	if len(gauges) == 0 {
		return nil
	}
	out := make(map[string]float64, len(gauges))
	for _, gauge := range gauges {
		out[gauge.Name] = gauge.Value
	}
	return out
}

// shutdown applies payloads still queued and makes the final flush on a detached context.
// Params: ctx canceled lifecycle context.
// Returns: none.
func (w *Worker) shutdown(ctx context.Context) {
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	for {
		select {
		case payload := <-w.queue.C():
			w.handle(finalCtx, payload)
		default:
			w.Flush(finalCtx)
			return
		}
	}
}
