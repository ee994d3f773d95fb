package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDiskQueue_AppendPeekAck verifies append/peek/ack lifecycle.
// Params: testing.T for assertions.
// Returns: none.
func TestDiskQueue_AppendPeekAck(t *testing.T) {
	queue, err := OpenDiskQueue(t.TempDir(), 0, 0)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	t.Cleanup(func() {
		_ = queue.Close()
	})

	for _, payload := range []string{"first", "second"} {
		if err := queue.Append([]byte(payload)); err != nil {
			t.Fatalf("append %s: %v", payload, err)
		}
	}
	if got := queue.Pending(); got != 2 {
		t.Fatalf("unexpected pending count: %d", got)
	}

	for _, want := range []string{"first", "second"} {
		record, err := queue.Peek()
		if err != nil {
			t.Fatalf("peek: %v", err)
		}
		if string(record.payload) != want {
			t.Fatalf("unexpected payload: %q, want %q", record.payload, want)
		}
		if err := queue.Ack(record); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}

	if _, err := queue.Peek(); !errors.Is(err, errSpoolEmpty) {
		t.Fatalf("expected errSpoolEmpty, got %v", err)
	}
}

// TestDiskQueue_RecordLimit verifies rejection when the record cap is reached.
// Params: testing.T for assertions.
// Returns: none.
func TestDiskQueue_RecordLimit(t *testing.T) {
	queue, err := OpenDiskQueue(t.TempDir(), 1, 0)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	t.Cleanup(func() {
		_ = queue.Close()
	})

	if err := queue.Append([]byte("first")); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := queue.Append([]byte("second")); !errors.Is(err, errSpoolFull) {
		t.Fatalf("expected errSpoolFull, got %v", err)
	}
}

// TestDiskQueue_PeekSkipsExpired verifies records older than max age are discarded on read.
// Params: testing.T for assertions.
// Returns: none.
func TestDiskQueue_PeekSkipsExpired(t *testing.T) {
	queue, err := OpenDiskQueue(t.TempDir(), 0, time.Hour)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	t.Cleanup(func() {
		_ = queue.Close()
	})

	start := time.Unix(1_700_000_000, 0)
	queue.now = func() time.Time { return start }
	if err := queue.Append([]byte("stale")); err != nil {
		t.Fatalf("append stale: %v", err)
	}
	queue.now = func() time.Time { return start.Add(90 * time.Minute) }
	if err := queue.Append([]byte("fresh")); err != nil {
		t.Fatalf("append fresh: %v", err)
	}

	record, err := queue.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if string(record.payload) != "fresh" {
		t.Fatalf("expected stale record skipped, got %q", record.payload)
	}
	if got := queue.Pending(); got != 1 {
		t.Fatalf("unexpected pending count after expiry: %d", got)
	}
}

// TestDiskQueue_ReopenRestoresOffset verifies acknowledged records stay consumed across restarts.
// Params: testing.T for assertions.
// Returns: none.
func TestDiskQueue_ReopenRestoresOffset(t *testing.T) {
	dir := t.TempDir()
	queue, err := OpenDiskQueue(dir, 0, 0)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	for _, payload := range []string{"a", "b", "c"} {
		if err := queue.Append([]byte(payload)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	record, err := queue.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if err := queue.Ack(record); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenDiskQueue(dir, 0, 0)
	if err != nil {
		t.Fatalf("reopen spool: %v", err)
	}
	t.Cleanup(func() {
		_ = reopened.Close()
	})

	if got := reopened.Pending(); got != 2 {
		t.Fatalf("expected 2 pending after reopen, got %d", got)
	}
	record, err = reopened.Peek()
	if err != nil {
		t.Fatalf("peek after reopen: %v", err)
	}
	if string(record.payload) != "b" {
		t.Fatalf("unexpected payload after reopen: %q", record.payload)
	}
}

// TestDiskQueue_TruncatesTornTail verifies a partial trailing record is discarded on open.
// Params: testing.T for assertions.
// Returns: none.
func TestDiskQueue_TruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	queue, err := OpenDiskQueue(dir, 0, 0)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	if err := queue.Append([]byte("intact")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	dataPath := filepath.Join(dir, spoolDataFile)
	file, err := os.OpenFile(dataPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open data file: %v", err)
	}
	if _, err := file.Write([]byte{0, 0, 0, 9, 1, 2}); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	_ = file.Close()

	reopened, err := OpenDiskQueue(dir, 0, 0)
	if err != nil {
		t.Fatalf("reopen spool: %v", err)
	}
	t.Cleanup(func() {
		_ = reopened.Close()
	})

	if got := reopened.Pending(); got != 1 {
		t.Fatalf("expected torn tail ignored, got %d pending", got)
	}
	info, err := os.Stat(dataPath)
	if err != nil {
		t.Fatalf("stat data file: %v", err)
	}
	if want := int64(spoolHeaderSize + len("intact")); info.Size() != want {
		t.Fatalf("expected truncated size %d, got %d", want, info.Size())
	}
}

// TestDiskQueue_ChecksumMismatchSkipsRecord verifies a corrupted record is reported and skipped.
// Params: testing.T for assertions.
// Returns: none.
func TestDiskQueue_ChecksumMismatchSkipsRecord(t *testing.T) {
	dir := t.TempDir()
	queue, err := OpenDiskQueue(dir, 0, 0)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	t.Cleanup(func() {
		_ = queue.Close()
	})
	var corrupt []int64
	queue.OnCorrupt(func(position int64, _ error) {
		corrupt = append(corrupt, position)
	})

	for _, payload := range []string{"first", "second", "third"} {
		if err := queue.Append([]byte(payload)); err != nil {
			t.Fatalf("append %s: %v", payload, err)
		}
	}
	if _, err := queue.dataFile.WriteAt([]byte("X"), spoolHeaderSize); err != nil {
		t.Fatalf("corrupt payload: %v", err)
	}

	record, err := queue.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if string(record.payload) != "second" {
		t.Fatalf("expected second record, got %q", record.payload)
	}
	if len(corrupt) != 1 || corrupt[0] != 0 {
		t.Fatalf("unexpected corrupt reports: %v", corrupt)
	}
	if got := queue.Pending(); got != 2 {
		t.Fatalf("pending=%d, want=2", got)
	}
}

// TestDiskQueue_ImplausibleHeaderTruncates verifies a header pointing past the file drops the unreadable tail.
// Params: testing.T for assertions.
// Returns: none.
func TestDiskQueue_ImplausibleHeaderTruncates(t *testing.T) {
	dir := t.TempDir()
	queue, err := OpenDiskQueue(dir, 0, 0)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	t.Cleanup(func() {
		_ = queue.Close()
	})
	reports := 0
	queue.OnCorrupt(func(int64, error) { reports++ })

	if err := queue.Append([]byte("first")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := queue.Append([]byte("second")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := queue.dataFile.WriteAt([]byte{0xff, 0xff, 0xff, 0xff}, 0); err != nil {
		t.Fatalf("corrupt header: %v", err)
	}

	if _, err := queue.Peek(); !errors.Is(err, errSpoolEmpty) {
		t.Fatalf("expected empty spool after truncation, got %v", err)
	}
	if reports != 1 {
		t.Fatalf("corrupt reports=%d, want=1", reports)
	}
	if got := queue.Pending(); got != 0 {
		t.Fatalf("pending=%d, want=0", got)
	}
	if err := queue.Append([]byte("fresh")); err != nil {
		t.Fatalf("append after truncation: %v", err)
	}
	record, err := queue.Peek()
	if err != nil || string(record.payload) != "fresh" {
		t.Fatalf("peek after truncation: %q %v", record.payload, err)
	}
}
