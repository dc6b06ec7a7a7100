// Package jitter provides the bounded FIFO that decouples network arrival
// from playback.
package jitter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultCapacity = 500

var (
	// ErrFull is backpressure: the chunk was not enqueued.
	ErrFull    = errors.New("jitter queue full")
	ErrClosed  = errors.New("jitter queue closed")
	ErrTimeout = errors.New("jitter queue dequeue timeout")
)

// Stats is a point-in-time snapshot of a Queue.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Rejected  int64 `json:"rejected"`
	Dequeued  int64 `json:"dequeued"`
	HighWater int   `json:"high_water"`
	Len       int   `json:"len"`
	Capacity  int   `json:"capacity"`
}

// Queue is a bounded FIFO of chunks, safe for concurrent use. Enqueue never
// blocks.
type Queue struct {
	ch   chan []byte
	done chan struct{}

	// mu serializes Enqueue against Close so a send never races the close.
	mu     sync.RWMutex
	closed bool
	once   sync.Once

	enqueued  atomic.Int64
	rejected  atomic.Int64
	dequeued  atomic.Int64
	highWater atomic.Int64
}

// New returns a queue holding at most capacity chunks.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:   make(chan []byte, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue adds b without blocking. It returns ErrFull when the queue is at
// capacity and ErrClosed after Close.
func (q *Queue) Enqueue(b []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.ch <- b:
		q.enqueued.Add(1)
		q.bumpHighWater(int64(len(q.ch)))
		return nil
	default:
		q.rejected.Add(1)
		return ErrFull
	}
}

func (q *Queue) bumpHighWater(n int64) {
	for {
		cur := q.highWater.Load()
		if n <= cur || q.highWater.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Dequeue removes the oldest chunk, waiting up to timeout for one to arrive.
// It returns ErrTimeout when nothing arrived, ErrClosed once the queue is
// closed, or the context error.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	// Fast path keeps a closed-but-nonempty queue from being reported closed
	// while chunks remain.
	select {
	case b := <-q.ch:
		q.dequeued.Add(1)
		return b, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b := <-q.ch:
		q.dequeued.Add(1)
		return b, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// WaitFor blocks until at least target chunks are buffered, polling every
// poll, for at most limit. It never consumes chunks and returns the count
// observed last. A closed queue returns ErrClosed; limit elapsing is not an
// error.
func (q *Queue) WaitFor(ctx context.Context, target int, poll, limit time.Duration) (int, error) {
	target = min(target, cap(q.ch))
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		n := q.Len()
		if n >= target {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case <-q.done:
			return n, ErrClosed
		case <-deadline.C:
			return q.Len(), nil
		case <-ticker.C:
		}
	}
}

// Len returns the number of buffered chunks.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Close rejects further enqueues and wakes blocked consumers. Idempotent.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Drain discards every buffered chunk and returns how many were dropped.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Rejected:  q.rejected.Load(),
		Dequeued:  q.dequeued.Load(),
		HighWater: int(q.highWater.Load()),
		Len:       len(q.ch),
		Capacity:  cap(q.ch),
	}
}
