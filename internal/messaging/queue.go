package messaging

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueClosed is returned when enqueueing after Close.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrQueueFull is returned by TryEnqueue when the buffer is full.
	ErrQueueFull = errors.New("queue is full")
)

// Queue is a buffered hand-off between a producer callback and a single
// consuming loop. Close wakes blocked producers and closes the receive
// channel once no producer is mid-send.
type Queue[T any] struct {
	messages chan T
	done     chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewQueue creates a queue with the given buffer size.
func NewQueue[T any](bufferSize int) *Queue[T] {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Queue[T]{
		messages: make(chan T, bufferSize),
		done:     make(chan struct{}),
	}
}

// Enqueue blocks until msg is buffered, ctx is done or the queue is closed.
func (q *Queue[T]) Enqueue(ctx context.Context, msg T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.messages <- msg:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue buffers msg without blocking.
func (q *Queue[T]) TryEnqueue(msg T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.messages <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Messages is the receive side. Close closes it; messages buffered before
// Close can still be received.
func (q *Queue[T]) Messages() <-chan T {
	return q.messages
}

// Len returns the number of buffered messages.
func (q *Queue[T]) Len() int {
	return len(q.messages)
}

// Close stops accepting messages. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		q.closed = true
		close(q.messages)
		q.mu.Unlock()
	})
}
