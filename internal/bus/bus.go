package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrUnknownQueue is returned when emitting to a queue that was never declared
var ErrUnknownQueue = errors.New("unknown queue")

// Handler processes one payload taken from a queue
type Handler func(ctx context.Context, payload any) error

// TaskFunc is a long-running consumer task. It should return nil when ctx
// is cancelled.
type TaskFunc func(ctx context.Context) error

// Component wires itself onto the bus: it declares the queues it produces
// to and adds the consumer tasks it needs.
type Component interface {
	Register(b *Bus) error
}

type task struct {
	name string
	fn   TaskFunc
}

// Bus owns the queues and the consumer tasks draining them
type Bus struct {
	logger      *slog.Logger
	defaultOpts QueueOptions

	mu     sync.RWMutex
	queues map[string]*Queue
	tasks  []task
	ran    bool
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the bus logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithDefaultQueueOptions sets the options used by Declare when none are given
func WithDefaultQueueOptions(opts QueueOptions) Option {
	return func(b *Bus) { b.defaultOpts = opts }
}

// New creates an empty bus
func New(opts ...Option) *Bus {
	b := &Bus{
		logger: slog.Default(),
		queues: make(map[string]*Queue),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bus")
	return b
}

// Declare creates the named queue, or returns it if it already exists.
// Options are only applied on creation; the bus defaults are used when
// none are given.
func (b *Bus) Declare(name string, opts ...QueueOptions) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q
	}

	o := b.defaultOpts
	if len(opts) > 0 {
		o = opts[0]
	}
	q := newQueue(name, o, b.logger)
	b.queues[name] = q
	b.logger.Debug("declared queue", "queue", name, "capacity", o.Capacity, "overflow", string(o.Overflow))
	return q
}

// Queue returns a declared queue
func (b *Bus) Queue(name string) (*Queue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// Queues returns the declared queue names, sorted
func (b *Bus) Queues() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Emit appends payload to the named queue
func (b *Bus) Emit(ctx context.Context, name string, payload any) error {
	q, err := b.Queue(name)
	if err != nil {
		return err
	}
	return q.Put(ctx, payload)
}

// Register lets a component declare its queues and consumers
func (b *Bus) Register(c Component) error {
	return c.Register(b)
}

// Go adds a named long-running task started by Run
func (b *Bus) Go(name string, fn TaskFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = append(b.tasks, task{name: name, fn: fn})
}

// Consume adds a task draining queueName through handler, one payload at a
// time. Handler errors are logged and never stop the loop.
func (b *Bus) Consume(queueName string, handler Handler) error {
	q, err := b.Queue(queueName)
	if err != nil {
		return err
	}

	b.Go("consume:"+queueName, func(ctx context.Context) error {
		for {
			payload, err := q.Get(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := handler(ctx, payload); err != nil {
				b.logger.Warn("consumer failed on payload", "queue", queueName, "error", err)
			}
		}
	})
	return nil
}

// Run starts every task concurrently and blocks until they all return.
// Cancelling ctx stops the tasks; the first task error cancels the others.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.ran {
		b.mu.Unlock()
		return errors.New("bus already running")
	}
	b.ran = true
	tasks := make([]task, len(b.tasks))
	copy(tasks, b.tasks)
	b.mu.Unlock()

	if len(tasks) == 0 {
		return errors.New("no consumers registered")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			b.logger.Info("consumer started", "task", t.name)
			err := t.fn(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Error("consumer stopped", "task", t.name, "error", err)
				return fmt.Errorf("%s: %w", t.name, err)
			}
			b.logger.Info("consumer stopped", "task", t.name)
			return nil
		})
	}
	return g.Wait()
}
