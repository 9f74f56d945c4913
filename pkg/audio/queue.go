package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// OverflowPolicy selects which frame a full [FrameQueue] gives up on push.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued frame to make room for the new one.
	// This keeps the recognizer close to real time at the cost of a gap in the
	// past.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the frame being pushed and leaves the queue intact.
	DropNewest
)

// String returns the config spelling of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy converts a config value ("drop_oldest", "drop_newest")
// to an [OverflowPolicy]. The empty string selects [DropOldest].
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("audio: unknown overflow policy %q", s)
	}
}

// slot is one preallocated ring-buffer cell.
type slot struct {
	frame AudioFrame
	buf   []byte
}

// FrameQueue is a bounded FIFO of audio frames sitting between the capture
// callback and the recognition worker.
//
// Push never blocks and, once every slot buffer has grown to the frame size,
// never allocates: frame payloads are copied into per-slot buffers that are
// sized at construction. Pop blocks with a timeout. Capacity is fixed for the
// lifetime of the queue.
//
// FrameQueue is safe for one producer and any number of consumers, although
// the pipeline uses exactly one of each.
type FrameQueue struct {
	policy OverflowPolicy

	mu    sync.Mutex
	slots []slot
	head  int // index of the oldest frame
	n     int // number of queued frames

	// ready carries at most one pending wake-up for a blocked Pop.
	ready chan struct{}

	overflows atomic.Uint64
	pushed    atomic.Uint64
}

// NewFrameQueue creates a queue holding at most capacity frames. frameBytes is
// the expected payload size of one frame and is used to preallocate the slot
// buffers; larger frames are still accepted (the slot grows once).
// A capacity below 1 is raised to 1.
func NewFrameQueue(capacity, frameBytes int, policy OverflowPolicy) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	q := &FrameQueue{
		policy: policy,
		slots:  make([]slot, capacity),
		ready:  make(chan struct{}, 1),
	}
	for i := range q.slots {
		q.slots[i].buf = make([]byte, 0, frameBytes)
	}
	return q
}

// Push enqueues f. It returns false when the queue was full: under
// [DropNewest] f was discarded, under [DropOldest] the oldest queued frame was
// evicted and f was enqueued. Every overflow is counted (see [FrameQueue.Overflows]).
//
// Push is intended to be called from the real-time capture callback.
func (q *FrameQueue) Push(f AudioFrame) bool {
	q.pushed.Add(1)
	q.mu.Lock()
	ok := true
	if q.n == len(q.slots) {
		ok = false
		q.overflows.Add(1)
		if q.policy == DropNewest {
			q.mu.Unlock()
			return false
		}
		// Evict the oldest frame; its slot becomes the tail slot.
		q.head = (q.head + 1) % len(q.slots)
		q.n--
	}
	s := &q.slots[(q.head+q.n)%len(q.slots)]
	s.buf = append(s.buf[:0], f.Data...)
	s.frame = f
	s.frame.Data = s.buf
	q.n++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return ok
}

// Pop removes and returns the oldest frame. It waits up to timeout for a frame
// to arrive; a timeout <= 0 makes Pop non-blocking. The second return value is
// false when no frame was available before the timeout elapsed or ctx was
// cancelled.
//
// The returned frame's Data is a private copy owned by the caller.
func (q *FrameQueue) Pop(ctx context.Context, timeout time.Duration) (AudioFrame, bool) {
	if f, ok := q.tryPop(); ok {
		return f, true
	}
	if timeout <= 0 {
		return AudioFrame{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.ready:
			if f, ok := q.tryPop(); ok {
				return f, true
			}
		case <-timer.C:
			return q.tryPop()
		case <-ctx.Done():
			return AudioFrame{}, false
		}
	}
}

// tryPop pops without waiting.
func (q *FrameQueue) tryPop() (AudioFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return AudioFrame{}, false
	}
	s := &q.slots[q.head]
	f := s.frame
	f.Data = append([]byte(nil), s.buf...)
	s.frame = AudioFrame{}
	q.head = (q.head + 1) % len(q.slots)
	q.n--
	if q.n > 0 {
		// Keep another waiter (if any) awake.
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return f, true
}

// Discard drops every queued frame and returns how many were dropped. It is
// used when a session stops: queued audio is thrown away, not processed.
func (q *FrameQueue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := q.n
	for i := range q.slots {
		q.slots[i].frame = AudioFrame{}
	}
	q.head = 0
	q.n = 0
	return dropped
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the fixed capacity in frames.
func (q *FrameQueue) Cap() int { return len(q.slots) }

// Policy returns the configured overflow policy.
func (q *FrameQueue) Policy() OverflowPolicy { return q.policy }

// Overflows returns the number of pushes that hit a full queue.
func (q *FrameQueue) Overflows() uint64 { return q.overflows.Load() }

// Pushed returns the total number of Push calls, including overflowing ones.
func (q *FrameQueue) Pushed() uint64 { return q.pushed.Load() }
