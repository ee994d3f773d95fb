package pipeline

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"bpmetrics/internal/match"
)

// TestEncodeCarbon_SortedLines verifies line format, ordering, gauges, and whitespace cleanup.
// Params: testing.T for assertions.
// Returns: none.
func TestEncodeCarbon_SortedLines(t *testing.T) {
	snap := Snapshot{
		Counters: map[string]int64{
			"b.key":     2,
			"a group.k": 1,
		},
		Gauges: map[string]float64{
			"bp:relay.cpu_percent": 1.25,
		},
	}

	payload, lines := EncodeCarbon(snap, time.Unix(1_700_000_000, 0), "", match.NewNameFilter(nil, nil))
	want := "a_group.k 1 1700000000\n" +
		"b.key 2 1700000000\n" +
		"bp:relay.cpu_percent 1.25 1700000000\n"
	if string(payload) != want {
		t.Fatalf("unexpected payload:\n%s", payload)
	}
	if lines != 3 {
		t.Fatalf("unexpected line count: %d", lines)
	}
}

// TestEncodeCarbon_KeepFilter verifies keep masks limit emitted names.
// Params: testing.T for assertions.
// Returns: none.
func TestEncodeCarbon_KeepFilter(t *testing.T) {
	snap := Snapshot{Counters: map[string]int64{"build.a": 1, "test.a": 1}}
	payload, lines := EncodeCarbon(snap, time.Unix(1, 0), "p", match.NewNameFilter([]string{"build.*"}, nil))
	if string(payload) != "p.build.a 1 1\n" || lines != 1 {
		t.Fatalf("unexpected payload: %q (%d lines)", payload, lines)
	}
}

// TestCarbonSender_SendWritesPayload verifies plaintext delivery over TCP.
// Params: testing.T for assertions.
// Returns: none.
func TestCarbonSender_SendWritesPayload(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		_ = listener.Close()
	})

	received := make(chan string, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			received <- ""
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- string(data)
	}()

	sender := NewCarbonSender()
	if err := sender.Send(context.Background(), listener.Addr().String(), []byte("a 1 1\n"), time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if got != "a 1 1\n" {
			t.Fatalf("unexpected payload: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not receive payload")
	}
}

// TestCarbonSender_SendUnreachable verifies dial failures are returned.
// Params: testing.T for assertions.
// Returns: none.
func TestCarbonSender_SendUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	address := listener.Addr().String()
	_ = listener.Close()

	if err := NewCarbonSender().Send(context.Background(), address, []byte("x"), 200*time.Millisecond); err == nil {
		t.Fatalf("expected dial error for closed port")
	}
}
