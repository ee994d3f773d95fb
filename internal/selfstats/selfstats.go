// Package selfstats samples the relay's own process for gauges emitted on each flush.
package selfstats

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	goprocess "github.com/shirou/gopsutil/v4/process"
)

// Prefix namespaces every relay gauge.
const Prefix = "bp:relay."

// Gauge is one sampled value.
type Gauge struct {
	Name  string
	Value float64
}

type ioSnapshot struct {
	at         time.Time
	readCount  uint64
	writeCount uint64
}

// Sampler reads CPU, memory, descriptor and IO stats of one process.
type Sampler struct {
	mu   sync.Mutex
	proc *goprocess.Process
	prev *ioSnapshot
}

// New creates a sampler for the current process.
// Params: ctx for the initial process lookup.
// Returns: sampler or lookup error.
func New(ctx context.Context) (*Sampler, error) {
	return NewForPID(ctx, int32(os.Getpid()))
}

// NewForPID creates a sampler for an arbitrary pid.
// Params: ctx for lookup; pid process id.
// Returns: sampler or lookup error.
func NewForPID(ctx context.Context, pid int32) (*Sampler, error) {
	proc, err := goprocess.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	return &Sampler{proc: proc}, nil
}

// Sample reads one set of gauges. Stats the platform cannot provide are left out.
// Params: ctx for cancellation.
// Returns: gauges in collection order, error when CPU and memory both fail.
func (s *Sampler) Sample(ctx context.Context) ([]Gauge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Gauge, 0, 8)
	add := func(name string, value float64) {
		out = append(out, Gauge{Name: Prefix + name, Value: value})
	}

	cpuUtil, cpuErr := s.proc.PercentWithContext(ctx, 0)
	if cpuErr == nil {
		add("cpu_percent", cpuUtil)
	}

	memInfo, memErr := s.proc.MemoryInfoWithContext(ctx)
	if memErr == nil {
		add("rss_bytes", float64(memInfo.RSS))
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
			add("ram_util", float64(memInfo.RSS)/float64(vm.Total)*100)
		}
	}

	if fds, err := s.proc.NumFDsWithContext(ctx); err == nil {
		add("num_fds", float64(fds))
	}
	if threads, err := s.proc.NumThreadsWithContext(ctx); err == nil {
		add("num_threads", float64(threads))
	}
	if ioStat, err := s.proc.IOCountersWithContext(ctx); err == nil {
		now := time.Now()
		if s.prev != nil {
			if seconds := now.Sub(s.prev.at).Seconds(); seconds > 0 {
				ops := positiveDelta(ioStat.ReadCount, s.prev.readCount) + positiveDelta(ioStat.WriteCount, s.prev.writeCount)
				add("iops", float64(ops)/seconds)
			}
		}
		s.prev = &ioSnapshot{at: now, readCount: ioStat.ReadCount, writeCount: ioStat.WriteCount}
	}

	add("goroutines", float64(runtime.NumGoroutine()))

	if cpuErr != nil && memErr != nil {
		return out, fmt.Errorf("sample process: cpu: %v; memory: %v", cpuErr, memErr)
	}
	return out, nil
}

// positiveDelta guards counters that reset between samples.
func positiveDelta(current, previous uint64) uint64 {
	if current < previous {
		return 0
	}
	return current - previous
}
