// Package buffer provides the bounded FIFO decoupling the stream listener's
// receive rate from the processor's delivery rate.
package buffer

import (
	"context"
	"errors"
	"sync"

	"github.com/decisionwatch/relay/internal/config"
	"github.com/decisionwatch/relay/internal/logging"
	"github.com/decisionwatch/relay/internal/metrics"
	"github.com/decisionwatch/relay/internal/notification"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("event buffer closed")

// Buffer is a fixed-capacity concurrent FIFO of raw notifications. When
// full, Enqueue either blocks or evicts the oldest item depending on the
// configured overflow policy. Close stops intake; buffered items remain
// available to drain.
type Buffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []notification.RawNotification
	capacity int
	policy   config.OverflowPolicy
	closed   bool
	log      *logging.Logger
}

// New creates a buffer holding at most capacity items.
func New(capacity int, policy config.OverflowPolicy) *Buffer {
	b := &Buffer{
		capacity: capacity,
		policy:   policy,
		log:      logging.New("event-buffer"),
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// Enqueue inserts n. In block mode it waits for space until ctx is
// cancelled; in drop-oldest mode it evicts the head item, logging the
// eviction, and inserts immediately. Returns ErrClosed after Close.
func (b *Buffer) Enqueue(ctx context.Context, n notification.RawNotification) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if len(b.items) >= b.capacity {
		switch b.policy {
		case config.OverflowDropOldest:
			evicted := b.items[0]
			b.items = b.items[1:]
			metrics.NotificationsDroppedTotal.WithLabelValues("buffer_overflow").Inc()
			b.log.Plain().
				WithNotification(evicted.ID).
				WithField("type", string(evicted.Type)).
				Warn("buffer full, dropped oldest notification")
		default: // block
			stop := context.AfterFunc(ctx, func() {
				b.mu.Lock()
				b.notFull.Broadcast()
				b.mu.Unlock()
			})
			defer stop()
			for len(b.items) >= b.capacity && !b.closed && ctx.Err() == nil {
				b.notFull.Wait()
			}
			if b.closed {
				return ErrClosed
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}

	b.items = append(b.items, n)
	metrics.BufferDepth.Set(float64(len(b.items)))
	b.notEmpty.Signal()
	return nil
}

// Dequeue blocks until an item is available or the buffer is closed and
// drained. The second return is false only in the latter case.
func (b *Buffer) Dequeue() (notification.RawNotification, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.items) == 0 && !b.closed {
		b.notEmpty.Wait()
	}
	if len(b.items) == 0 {
		return notification.RawNotification{}, false
	}

	n := b.items[0]
	b.items = b.items[1:]
	metrics.BufferDepth.Set(float64(len(b.items)))
	b.notFull.Signal()
	return n, true
}

// TryDequeue removes the head item without blocking. Used by the shutdown
// drain to dead-letter whatever is left past the grace period.
func (b *Buffer) TryDequeue() (notification.RawNotification, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return notification.RawNotification{}, false
	}
	n := b.items[0]
	b.items = b.items[1:]
	metrics.BufferDepth.Set(float64(len(b.items)))
	return n, true
}

// Close stops accepting new items and wakes all waiters. Items already
// buffered remain available to Dequeue.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// Depth reports the current number of buffered items.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
