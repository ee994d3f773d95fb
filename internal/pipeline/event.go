package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the wire marker of one metric event.
type Kind string

const (
	// KindCount increments the counters derived from (group, key).
	KindCount Kind = "c"
	// KindSet writes (bucket, field, value) into the key/value store.
	KindSet Kind = "s"
	// KindTime is reserved by emitters and never applied.
	KindTime Kind = "t"
)

const (
	// GlobalCountName counts every applied count event.
	GlobalCountName = "bp:metrics.counts"
	// GlobalSetName counts every received set event, well-formed or not.
	GlobalSetName = "bp:metrics.sets"
)

// ErrMalformedPayload marks a payload that is not a batch; it is logged and dropped.
var ErrMalformedPayload = errors.New("malformed batch payload")

// Event is one decoded [kind, data] pair.
// Params: kind marker and scalar data elements rendered as strings.
// Returns: one event for Worker.apply.
type Event struct {
	Kind Kind
	Data []string
}

// ParseBatch decodes a JSON array of [kind, data] pairs.
// Params: payload raw request payload.
// Returns: decodable events in order, number of skipped elements, ErrMalformedPayload when payload is not an array.
func ParseBatch(payload []byte) ([]Event, int, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	events := make([]Event, 0, len(items))
	skipped := 0
	for _, item := range items {
		event, ok := decodeEvent(item)
		if !ok {
			skipped++
			continue
		}
		events = append(events, event)
	}
	return events, skipped, nil
}

// decodeEvent decodes one [kind, data] pair.
// Params: raw JSON element.
// Returns: event and false when element is not a pair of string and list of scalars.
func decodeEvent(raw json.RawMessage) (Event, bool) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return Event{}, false
	}

	var kind string
	if err := json.Unmarshal(pair[0], &kind); err != nil {
		return Event{}, false
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(pair[1], &elements); err != nil {
		return Event{}, false
	}

	data := make([]string, 0, len(elements))
	for _, element := range elements {
		value, ok := scalarText(element)
		if !ok {
			return Event{}, false
		}
		data = append(data, value)
	}

	return Event{Kind: Kind(kind), Data: data}, true
}

// scalarText renders a JSON scalar the way it is written into counters and the store.
// Params: raw JSON element.
// Returns: string value and false for objects, arrays, or invalid JSON.
func scalarText(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", false
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return s, true
	case '{', '[':
		return "", false
	default:
		return string(trimmed), true
	}
}

// CountNames returns counter names incremented by one count event.
// Params: group may carry a namespace before the first ':'; key is the series leaf.
// Returns: global, group.key, group, and prefix.rest when group contains ':'.
func CountNames(group, key string) []string {
	names := []string{
		GlobalCountName,
		group + "." + key,
		group,
	}
	if prefix, rest, found := strings.Cut(group, ":"); found {
		names = append(names, prefix+"."+rest)
	}
	return names
}
