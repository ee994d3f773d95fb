package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// length, crc32 of payload, created unix seconds
	spoolHeaderSize    = 4 + 4 + 8
	spoolDataFile      = "spool.bin"
	spoolOffsetFile    = "spool.offset"
	offsetSyncAckBatch = 64
	offsetSyncInterval = 2 * time.Second
)

var (
	errSpoolEmpty   = errors.New("spool is empty")
	errSpoolFull    = errors.New("spool is full")
	errSpoolCorrupt = errors.New("spool record corrupt")
)

type spoolRecord struct {
	payload []byte
	size    int64
	created time.Time
}

// DiskQueue keeps undelivered carbon payloads in an append-only file.
// Params: directory, record count limit, and record age limit.
// Returns: queue with offset persisted between restarts.
type DiskQueue struct {
	mu sync.Mutex

	dataFile   *os.File
	offsetFile *os.File

	maxRecords uint64
	maxAge     time.Duration
	now        func() time.Time
	onCorrupt  func(position int64, err error)

	offset   int64
	fileSize int64
	pending  uint64

	offsetDirty    bool
	ackSinceSync   int
	lastOffsetSync time.Time
}

// OpenDiskQueue opens or creates spool files and restores the pending count.
// Params: dir spool directory; maxRecords and maxAge limits, zero disables a limit.
// Returns: queue or IO error.
func OpenDiskQueue(dir string, maxRecords uint64, maxAge time.Duration) (*DiskQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir %q: %w", dir, err)
	}

	dataFile, err := os.OpenFile(filepath.Join(dir, spoolDataFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open spool data: %w", err)
	}
	offsetFile, err := os.OpenFile(filepath.Join(dir, spoolOffsetFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = dataFile.Close()
		return nil, fmt.Errorf("open spool offset: %w", err)
	}

	q := &DiskQueue{
		dataFile:       dataFile,
		offsetFile:     offsetFile,
		maxRecords:     maxRecords,
		maxAge:         maxAge,
		now:            time.Now,
		lastOffsetSync: time.Now(),
	}
	if err := q.loadOffset(); err != nil {
		_ = q.closeFiles()
		return nil, err
	}
	if err := q.scan(); err != nil {
		_ = q.closeFiles()
		return nil, err
	}
	return q, nil
}

// Append writes one payload at the tail.
// Params: payload encoded carbon lines.
// Returns: errSpoolFull when the record limit is reached, or IO error.
func (q *DiskQueue) Append(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dataFile == nil {
		return fmt.Errorf("spool is closed")
	}
	if q.maxRecords > 0 && q.pending >= q.maxRecords {
		return errSpoolFull
	}

	var header [spoolHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint64(header[8:16], uint64(q.now().Unix()))

	record := make([]byte, 0, spoolHeaderSize+len(payload))
	record = append(record, header[:]...)
	record = append(record, payload...)
	if _, err := q.dataFile.WriteAt(record, q.fileSize); err != nil {
		return fmt.Errorf("write spool record: %w", err)
	}

	q.fileSize += int64(len(record))
	q.pending++
	return nil
}

// OnCorrupt sets a callback run for every record dropped as unreadable.
func (q *DiskQueue) OnCorrupt(fn func(position int64, err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onCorrupt = fn
}

// Peek returns the oldest record that has not expired.
// Expired and corrupt records are skipped and acknowledged; an implausible header truncates the file there.
// Params: none.
// Returns: record, errSpoolEmpty when nothing is pending, or IO error.
func (q *DiskQueue) Peek() (spoolRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		position := q.offset
		record, err := q.readAt(position)
		if errors.Is(err, errSpoolCorrupt) {
			q.reportCorrupt(position, err)
			if record.size > 0 {
				if err := q.advance(record.size); err != nil {
					return spoolRecord{}, err
				}
				continue
			}
			// records past an unreadable header cannot be located
			if err := q.reset(); err != nil {
				return spoolRecord{}, err
			}
			continue
		}
		if err != nil {
			return spoolRecord{}, err
		}
		if q.maxAge <= 0 || q.now().Sub(record.created) < q.maxAge {
			return record, nil
		}
		if err := q.advance(record.size); err != nil {
			return spoolRecord{}, err
		}
	}
}

// Ack consumes the record returned by the last Peek.
// Params: consumed record.
// Returns: persistence error.
func (q *DiskQueue) Ack(consumed spoolRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if consumed.size <= 0 {
		return fmt.Errorf("ack requires a peeked record")
	}
	if q.pending == 0 {
		return fmt.Errorf("ack on empty spool")
	}
	return q.advance(consumed.size)
}

// Pending returns the number of records not yet acknowledged, expired ones included.
func (q *DiskQueue) Pending() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close persists the read offset and closes files.
// Params: none.
// Returns: first sync or close error.
func (q *DiskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dataFile == nil {
		return nil
	}
	var syncErr error
	if q.offsetDirty {
		syncErr = q.storeOffset()
	}
	if err := q.closeFiles(); err != nil && syncErr == nil {
		syncErr = err
	}
	return syncErr
}

// advance moves the read offset past one record; caller holds the lock.
// Params: size of the consumed record.
// Returns: persistence error.
func (q *DiskQueue) advance(size int64) error {
	q.offset += size
	q.pending--
	q.offsetDirty = true
	q.ackSinceSync++

	if q.pending == 0 {
		return q.reset()
	}
	if q.ackSinceSync >= offsetSyncAckBatch || time.Since(q.lastOffsetSync) >= offsetSyncInterval {
		return q.storeOffset()
	}
	return nil
}

// readAt decodes the record at position; caller holds the lock.
// Params: position byte offset in the data file.
// Returns: record, errSpoolEmpty past the tail, error wrapping errSpoolCorrupt, or IO error.
// A corrupt record with a usable length still reports its size so it can be skipped.
func (q *DiskQueue) readAt(position int64) (spoolRecord, error) {
	if q.dataFile == nil {
		return spoolRecord{}, fmt.Errorf("spool is closed")
	}
	if q.pending == 0 || position >= q.fileSize {
		return spoolRecord{}, errSpoolEmpty
	}

	var header [spoolHeaderSize]byte
	if _, err := q.dataFile.ReadAt(header[:], position); err != nil {
		return spoolRecord{}, fmt.Errorf("read spool header at %d: %w", position, err)
	}
	length := int64(binary.BigEndian.Uint32(header[0:4]))
	sum := binary.BigEndian.Uint32(header[4:8])
	created := time.Unix(int64(binary.BigEndian.Uint64(header[8:16])), 0)

	if position+spoolHeaderSize+length > q.fileSize {
		return spoolRecord{}, fmt.Errorf("%w: record at %d exceeds file size", errSpoolCorrupt, position)
	}
	payload := make([]byte, length)
	if _, err := q.dataFile.ReadAt(payload, position+spoolHeaderSize); err != nil {
		return spoolRecord{}, fmt.Errorf("read spool payload at %d: %w", position, err)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return spoolRecord{size: spoolHeaderSize + length}, fmt.Errorf("%w: checksum mismatch at %d", errSpoolCorrupt, position)
	}

	return spoolRecord{payload: payload, size: spoolHeaderSize + length, created: created}, nil
}

// scan counts intact records after the offset and truncates a torn tail.
// Params: none.
// Returns: IO error.
func (q *DiskQueue) scan() error {
	info, err := q.dataFile.Stat()
	if err != nil {
		return fmt.Errorf("stat spool data: %w", err)
	}
	q.fileSize = info.Size()
	if q.offset > q.fileSize {
		q.offset = 0
	}

	position := q.offset
	var header [spoolHeaderSize]byte
	for position < q.fileSize {
		if _, err := q.dataFile.ReadAt(header[:], position); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("read spool header at %d: %w", position, err)
		}
		length := int64(binary.BigEndian.Uint32(header[0:4]))
		if position+spoolHeaderSize+length > q.fileSize {
			break
		}
		position += spoolHeaderSize + length
		q.pending++
	}

	if position < q.fileSize {
		if err := q.dataFile.Truncate(position); err != nil {
			return fmt.Errorf("truncate torn spool tail at %d: %w", position, err)
		}
		q.fileSize = position
	}
	if q.pending == 0 && q.fileSize > 0 {
		return q.reset()
	}
	return nil
}

func (q *DiskQueue) reportCorrupt(position int64, err error) {
	if q.onCorrupt != nil {
		q.onCorrupt(position, err)
	}
}

// reset truncates both files once every record is consumed.
func (q *DiskQueue) reset() error {
	if err := q.dataFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate spool data: %w", err)
	}
	q.fileSize = 0
	q.offset = 0
	q.pending = 0
	return q.storeOffset()
}

func (q *DiskQueue) loadOffset() error {
	var buf [8]byte
	n, err := q.offsetFile.ReadAt(buf[:], 0)
	if n == 0 && errors.Is(err, io.EOF) {
		return nil
	}
	if n < len(buf) {
		return fmt.Errorf("read spool offset: short file (%d bytes)", n)
	}
	q.offset = int64(binary.BigEndian.Uint64(buf[:]))
	if q.offset < 0 {
		q.offset = 0
	}
	return nil
}

func (q *DiskQueue) storeOffset() error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(q.offset))
	if _, err := q.offsetFile.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write spool offset: %w", err)
	}
	if err := q.offsetFile.Sync(); err != nil {
		return fmt.Errorf("sync spool offset: %w", err)
	}
	q.offsetDirty = false
	q.ackSinceSync = 0
	q.lastOffsetSync = time.Now()
	return nil
}

func (q *DiskQueue) closeFiles() error {
	var firstErr error
	if q.dataFile != nil {
		if err := q.dataFile.Close(); err != nil {
			firstErr = fmt.Errorf("close spool data: %w", err)
		}
		q.dataFile = nil
	}
	if q.offsetFile != nil {
		if err := q.offsetFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close spool offset: %w", err)
		}
		q.offsetFile = nil
	}
	return firstErr
}
