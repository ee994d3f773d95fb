package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"bpmetrics/internal/match"
)

// Sender delivers one encoded payload to one downstream address.
// Params: ctx lifecycle; address host:port; payload encoded lines; timeout per attempt.
// Returns: delivery error.
type Sender interface {
	Send(ctx context.Context, address string, payload []byte, timeout time.Duration) error
}

// CarbonSender writes graphite plaintext payloads over TCP, one connection per send.
type CarbonSender struct {
	dialer net.Dialer
}

// NewCarbonSender creates a plaintext carbon transport.
func NewCarbonSender() *CarbonSender {
	return &CarbonSender{}
}

// Send dials address, writes payload, and closes the connection.
// Params: ctx lifecycle context; address carbon listener; payload carbon lines; timeout dial/write bound.
// Returns: dial or write error.
func (s *CarbonSender) Send(ctx context.Context, address string, payload []byte, timeout time.Duration) error {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return fmt.Errorf("carbon address is empty")
	}

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := s.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial carbon %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := dialCtx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("set carbon write deadline %s: %w", addr, err)
		}
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write carbon %s: %w", addr, err)
	}
	return nil
}

// EncodeCarbon renders a snapshot as carbon plaintext lines sorted by name.
// Params: snap counters and gauges; ts line timestamp; prefix optional namespace; filter keep/drop masks.
// Returns: payload and number of lines written.
func EncodeCarbon(snap Snapshot, ts time.Time, prefix string, filter match.NameFilter) ([]byte, int) {
	var buf bytes.Buffer
	unix := strconv.FormatInt(ts.Unix(), 10)
	lines := 0
	filtered := !filter.Empty()

	for _, name := range snap.Names() {
		if filtered && !filter.Allow(name) {
			continue
		}

		var value string
		if counter, ok := snap.Counters[name]; ok {
			value = strconv.FormatInt(counter, 10)
		} else {
			value = strconv.FormatFloat(snap.Gauges[name], 'f', -1, 64)
		}

		if prefix != "" {
			buf.WriteString(prefix)
			buf.WriteByte('.')
		}
		buf.WriteString(carbonName(name))
		buf.WriteByte(' ')
		buf.WriteString(value)
		buf.WriteByte(' ')
		buf.WriteString(unix)
		buf.WriteByte('\n')
		lines++
	}
	return buf.Bytes(), lines
}

// carbonName replaces whitespace, which would split a plaintext line.
func carbonName(name string) string {
	if !strings.ContainsAny(name, " \t\r\n") {
		return name
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return '_'
		default:
			return r
		}
	}, name)
}
