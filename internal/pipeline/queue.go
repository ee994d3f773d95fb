package pipeline

// JobQueue hands request payloads from the front door to the worker.
// Params: bounded capacity.
// Returns: non-blocking producer side and a receive channel for the worker.
type JobQueue struct {
	ch chan []byte
}

// NewJobQueue creates a queue holding up to size payloads.
// Params: size capacity, values below 1 become 1.
// Returns: queue.
func NewJobQueue(size int) *JobQueue {
	if size < 1 {
		size = 1
	}
	return &JobQueue{ch: make(chan []byte, size)}
}

// Offer enqueues payload without blocking.
// Params: payload raw batch bytes.
// Returns: false when the queue is full and payload was dropped.
func (q *JobQueue) Offer(payload []byte) bool {
	select {
	case q.ch <- payload:
		return true
	default:
		return false
	}
}

// C exposes the receive side for the worker select loop.
func (q *JobQueue) C() <-chan []byte {
	return q.ch
}

// Len returns the number of queued payloads.
func (q *JobQueue) Len() int {
	return len(q.ch)
}
