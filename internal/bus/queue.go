// Package bus provides the in-process message router: named FIFO queues
// filled by producers and drained by long-running consumer tasks.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// OverflowPolicy decides what Put does when a bounded queue is full
type OverflowPolicy string

const (
	// OverflowBlock makes producers wait for free space
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest discards the oldest queued payload
	OverflowDropOldest OverflowPolicy = "drop-oldest"
)

// ParseOverflowPolicy parses a policy name from configuration
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case "", OverflowBlock:
		return OverflowBlock, nil
	case OverflowDropOldest:
		return OverflowDropOldest, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// QueueOptions configures a queue. Capacity 0 means unbounded.
type QueueOptions struct {
	Capacity int
	Overflow OverflowPolicy
}

// Queue is a named FIFO with many producers and a single logical consumer
type Queue struct {
	name   string
	opts   QueueOptions
	logger *slog.Logger

	mu      sync.Mutex
	items   []any
	dropped uint64

	notEmpty chan struct{}
	notFull  chan struct{}
}

func newQueue(name string, opts QueueOptions, logger *slog.Logger) *Queue {
	if opts.Overflow == "" {
		opts.Overflow = OverflowBlock
	}
	return &Queue{
		name:     name,
		opts:     opts,
		logger:   logger,
		items:    make([]any, 0, 16),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Put appends a payload. It only blocks when the queue is bounded, full
// and uses OverflowBlock.
func (q *Queue) Put(ctx context.Context, payload any) error {
	for {
		q.mu.Lock()
		if q.opts.Capacity <= 0 || len(q.items) < q.opts.Capacity {
			q.items = append(q.items, payload)
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}

		if q.opts.Overflow == OverflowDropOldest {
			q.items[0] = nil
			q.items = append(q.items[1:], payload)
			q.dropped++
			dropped := q.dropped
			q.mu.Unlock()
			q.logger.Warn("queue full, dropped oldest payload", "queue", q.name, "dropped_total", dropped)
			signal(q.notEmpty)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notFull:
		}
	}
}

// Get removes and returns the oldest payload, waiting until one is
// available or ctx is done.
func (q *Queue) Get(ctx context.Context) (any, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			payload := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			signal(q.notFull)
			return payload, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notEmpty:
		}
	}
}

// Len returns the number of queued payloads
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many payloads the drop-oldest policy discarded
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// signal wakes one waiter without blocking
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
