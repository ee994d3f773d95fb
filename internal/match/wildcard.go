package match

import "strings"

// Wildcard is a compiled '*' glob over metric names.
// Params: literal segments between stars and anchoring flags.
// Returns: reusable matcher.
type Wildcard struct {
	segments []string
	prefix   bool
	suffix   bool
}

// Compile parses a '*' pattern.
// Params: pattern may contain any number of '*'.
// Returns: matcher and false for blank patterns.
func Compile(pattern string) (Wildcard, bool) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return Wildcard{}, false
	}

	segments := strings.Split(p, "*")
	return Wildcard{
		segments: segments,
		prefix:   segments[0] != "",
		suffix:   segments[len(segments)-1] != "",
	}, true
}

// Match reports whether name is covered by the pattern.
// Params: name is a metric name.
// Returns: true on match.
func (w Wildcard) Match(name string) bool {
	if len(w.segments) == 0 {
		return false
	}
	if len(w.segments) == 1 {
		return name == w.segments[0]
	}

	first := w.segments[0]
	last := w.segments[len(w.segments)-1]
	if w.prefix && !strings.HasPrefix(name, first) {
		return false
	}
	if w.suffix && !strings.HasSuffix(name, last) {
		return false
	}

	lo, hi := len(first), len(name)-len(last)
	if lo > hi {
		return false
	}
	rest := name[lo:hi]
	for _, segment := range w.segments[1 : len(w.segments)-1] {
		idx := strings.Index(rest, segment)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(segment):]
	}
	return true
}

// NameFilter keeps names matching any keep pattern and none of the drop patterns.
// An empty keep list keeps everything.
type NameFilter struct {
	keep []Wildcard
	drop []Wildcard
}

// NewNameFilter compiles keep/drop pattern lists, skipping blanks.
// Params: keep and drop wildcard lists.
// Returns: filter value.
func NewNameFilter(keep, drop []string) NameFilter {
	return NameFilter{keep: compileAll(keep), drop: compileAll(drop)}
}

// Allow reports whether name survives the filter.
// Params: name metric name.
// Returns: true when name should be emitted.
func (f NameFilter) Allow(name string) bool {
	if len(f.keep) > 0 && !anyMatch(f.keep, name) {
		return false
	}
	return !anyMatch(f.drop, name)
}

// Empty reports whether the filter lets every name through.
func (f NameFilter) Empty() bool {
	return len(f.keep) == 0 && len(f.drop) == 0
}

func compileAll(patterns []string) []Wildcard {
	out := make([]Wildcard, 0, len(patterns))
	for _, pattern := range patterns {
		if compiled, ok := Compile(pattern); ok {
			out = append(out, compiled)
		}
	}
	return out
}

func anyMatch(patterns []Wildcard, name string) bool {
	for _, pattern := range patterns {
		if pattern.Match(name) {
			return true
		}
	}
	return false
}
