package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bpmetrics/internal/config"
	"bpmetrics/internal/match"
	"bpmetrics/internal/telemetry"
)

// ErrFlushFailed means a snapshot was neither delivered nor spooled.
var ErrFlushFailed = errors.New("flush failed")

// Flusher delivers snapshots to graphite with address failover and an optional disk spool.
type Flusher struct {
	mu sync.Mutex

	addrs         []string
	prefix        string
	timeout       time.Duration
	retryInterval time.Duration
	filter        match.NameFilter

	sender Sender
	spool  *DiskQueue
	logger *slog.Logger
	stats  *telemetry.Relay
	now    func() time.Time
}

// NewFlusher builds a flusher and opens the spool when enabled.
// Params: cfg graphite settings; filter name masks; sender transport; logger; stats relay instruments.
// Returns: flusher or spool open error.
func NewFlusher(
	cfg config.GraphiteConfig,
	filter match.NameFilter,
	sender Sender,
	logger *slog.Logger,
	stats *telemetry.Relay,
) (*Flusher, error) {
	if sender == nil {
		return nil, fmt.Errorf("graphite sender is nil")
	}

	addrs := make([]string, 0, len(cfg.Addr))
	for _, addr := range cfg.Addr {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}

	f := &Flusher{
		addrs:         addrs,
		prefix:        cfg.Prefix,
		timeout:       cfg.Timeout.Duration,
		retryInterval: cfg.RetryInterval.Duration,
		filter:        filter,
		sender:        sender,
		logger:        logger.With(slog.String("component", "flusher")),
		stats:         stats,
		now:           time.Now,
	}
	if f.timeout <= 0 {
		f.timeout = 5 * time.Second
	}

	if cfg.Spool.Enabled {
		spool, err := OpenDiskQueue(cfg.Spool.Dir, cfg.Spool.MaxEvents, cfg.Spool.MaxAge.Duration)
		if err != nil {
			return nil, fmt.Errorf("open spool: %w", err)
		}
		spool.OnCorrupt(func(position int64, err error) {
			f.stats.SpoolCorrupt.Inc()
			f.logger.Error("dropping unreadable spool record", slog.Int64("position", position), slog.String("error", err.Error()))
		})
		f.spool = spool
		f.stats.SpoolPending.Set(float64(spool.Pending()))
	}

	return f, nil
}

// Flush encodes and sends one snapshot.
// An empty snapshot makes no outbound write. Without addresses the snapshot is logged and discarded.
// Params: ctx lifecycle context; snap drained counters plus gauges.
// Returns: nil when delivered or spooled, error wrapping ErrFlushFailed otherwise.
func (f *Flusher) Flush(ctx context.Context, snap Snapshot) error {
	if snap.Empty() {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	payload, lines := EncodeCarbon(snap, f.now(), f.prefix, f.filter)
	if lines == 0 {
		return nil
	}
	if len(f.addrs) == 0 {
		f.logger.Debug("no graphite address configured, flush discarded", slog.Int("names", lines))
		return nil
	}

	sendErr := f.sendWithFailover(ctx, payload)
	if sendErr == nil {
		f.stats.Flushes.Inc()
		f.stats.FlushedNames.Add(float64(lines))
		f.logger.Debug("flush delivered", slog.Int("names", lines))
		_ = f.drainLocked(ctx)
		return nil
	}

	f.stats.FlushFailures.Inc()
	if f.spool == nil {
		return fmt.Errorf("%w: %v", ErrFlushFailed, sendErr)
	}

	if err := f.spool.Append(payload); err != nil {
		f.logger.Error("spool append failed", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v (spool: %v)", ErrFlushFailed, sendErr, err)
	}
	f.stats.Spooled.Inc()
	f.stats.SpoolPending.Set(float64(f.spool.Pending()))
	f.logger.Warn(
		"graphite unavailable, flush spooled",
		slog.Int("names", lines),
		slog.Int("bytes", len(payload)),
		slog.String("error", sendErr.Error()),
	)
	return nil
}

// DrainSpool resends spooled payloads in order until the spool is empty or a send fails.
// Params: ctx lifecycle context.
// Returns: nil when drained or spool disabled, last send/IO error otherwise.
func (f *Flusher) DrainSpool(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drainLocked(ctx)
}

// RunRetry drains the spool every retry interval until ctx ends.
// Params: ctx lifecycle context.
// Returns: none.
func (f *Flusher) RunRetry(ctx context.Context) {
	if f.spool == nil || len(f.addrs) == 0 || f.retryInterval <= 0 {
		return
	}

	ticker := time.NewTicker(f.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.DrainSpool(ctx); err != nil && ctx.Err() == nil {
				f.logger.Debug("spool drain deferred", slog.String("error", err.Error()))
			}
		}
	}
}

// Spooling reports whether failed flushes go to disk instead of back into memory.
func (f *Flusher) Spooling() bool {
	return f.spool != nil
}

// Close syncs and closes the spool.
func (f *Flusher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.spool == nil {
		return nil
	}
	return f.spool.Close()
}

// drainLocked sends spooled payloads oldest first; caller holds mu.
// Params: ctx lifecycle context.
// Returns: first error that stops draining.
func (f *Flusher) drainLocked(ctx context.Context) error {
	if f.spool == nil || len(f.addrs) == 0 {
		return nil
	}
	defer func() {
		f.stats.SpoolPending.Set(float64(f.spool.Pending()))
	}()

	sent := 0
	for {
		record, err := f.spool.Peek()
		if errors.Is(err, errSpoolEmpty) {
			if sent > 0 {
				f.logger.Info("spool drained", slog.Int("payloads", sent))
			}
			return nil
		}
		if err != nil {
			f.logger.Error("spool read failed", slog.String("error", err.Error()))
			return err
		}

		if err := f.sendWithFailover(ctx, record.payload); err != nil {
			return err
		}
		if err := f.spool.Ack(record); err != nil {
			f.logger.Error("spool ack failed", slog.String("error", err.Error()))
			return err
		}
		sent++
	}
}

// sendWithFailover tries each address in order and stops on first success.
// Params: ctx lifecycle context; payload carbon lines.
// Returns: nil on success, last address error otherwise.
func (f *Flusher) sendWithFailover(ctx context.Context, payload []byte) error {
	var lastErr error
	for _, addr := range f.addrs {
		sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
		err := f.sender.Send(sendCtx, addr, payload, f.timeout)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		f.logger.Warn("graphite send attempt failed", slog.String("address", addr), slog.String("error", err.Error()))
	}
	return lastErr
}
