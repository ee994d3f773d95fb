package pipeline

import (
	"sort"
	"sync"
)

// Snapshot is one drained set of counters plus gauges attached at flush time.
// Params: counter deltas since the previous drain; gauge samples.
// Returns: immutable view handed to the flusher.
type Snapshot struct {
	Counters map[string]int64
	Gauges   map[string]float64
}

// Empty reports whether the snapshot carries no counters.
// Gauges alone never make a flush worth sending.
func (s Snapshot) Empty() bool {
	return len(s.Counters) == 0
}

// Names returns counter and gauge names sorted ascending.
// Params: none.
// Returns: sorted unique names.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Counters)+len(s.Gauges))
	for name := range s.Counters {
		names = append(names, name)
	}
	for name := range s.Gauges {
		if _, dup := s.Counters[name]; dup {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counters accumulates named integer deltas between flushes.
type Counters struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewCounters returns an empty aggregator.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]int64)}
}

// Add increments name by delta.
// Params: name counter name; delta increment.
// Returns: none.
func (c *Counters) Add(name string, delta int64) {
	c.mu.Lock()
	c.values[name] += delta
	c.mu.Unlock()
}

// Len returns the number of distinct pending names.
func (c *Counters) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

// Drain returns pending counters and resets the aggregator.
// Params: none.
// Returns: snapshot with nil Gauges; empty snapshot when nothing is pending.
func (c *Counters) Drain() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.values) == 0 {
		return Snapshot{}
	}
	out := c.values
	c.values = make(map[string]int64, len(out))
	return Snapshot{Counters: out}
}

// Merge adds snapshot counters back, keeping at most maxNames distinct names.
// Names already pending always merge; new names beyond the cap are dropped.
// Params: snap failed snapshot; maxNames cap, zero or less means unlimited.
// Returns: number of dropped names.
func (c *Counters) Merge(snap Snapshot, maxNames int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for _, name := range sortedCounterNames(snap.Counters) {
		if _, ok := c.values[name]; !ok && maxNames > 0 && len(c.values) >= maxNames {
			dropped++
			continue
		}
		c.values[name] += snap.Counters[name]
	}
	return dropped
}

// sortedCounterNames keeps Merge deterministic under the name cap.
func sortedCounterNames(values map[string]int64) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
