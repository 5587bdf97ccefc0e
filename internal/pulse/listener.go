// Package pulse listens to Mozilla Pulse exchanges and feeds parsed messages
// onto the bus.
package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/pulselistener/internal/bus"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Message is one delivery from the broker
type Message struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	// Ack acknowledges the delivery, may be nil
	Ack func() error
}

// Subscriber opens a stream of messages. The returned channel closes when
// the subscription ends.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// Parser turns a message body into a bus payload. A nil payload means the
// message is ignored.
type Parser func(ctx context.Context, body []byte) (any, error)

// Listener consumes a subscription and emits parsed payloads onto a queue
type Listener struct {
	queueName string
	sub       Subscriber
	parser    Parser
	logger    *slog.Logger
	backoff   func(attempt int) time.Duration
	queue     *bus.Queue
}

// NewListener creates a listener emitting onto queueName. A nil parser
// emits raw bodies.
func NewListener(queueName string, sub Subscriber, parser Parser, logger *slog.Logger) *Listener {
	if parser == nil {
		parser = func(ctx context.Context, body []byte) (any, error) { return body, nil }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		queueName: queueName,
		sub:       sub,
		parser:    parser,
		logger:    logger.With("component", "pulse", "queue", queueName),
		backoff:   calculateBackoff,
	}
}

// Register declares the target queue and adds the listener task
func (l *Listener) Register(b *bus.Bus) error {
	l.queue = b.Declare(l.queueName)
	b.Go("pulse:"+l.queueName, l.Run)
	return nil
}

// Run subscribes and resubscribes with exponential backoff until ctx is done
func (l *Listener) Run(ctx context.Context) error {
	if l.queue == nil {
		return fmt.Errorf("pulse listener is not registered on a bus")
	}

	attempt := 0
	for {
		msgs, err := l.sub.Subscribe(ctx)
		if err == nil {
			attempt = 0
			l.logger.Info("connected to pulse")
			for msg := range msgs {
				l.handle(ctx, msg)
			}
			if ctx.Err() != nil {
				return nil
			}
			err = fmt.Errorf("subscription closed")
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := l.backoff(attempt)
		l.logger.Warn("pulse connection lost, retrying", "error", err, "delay", delay)
		attempt++

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg Message) {
	defer func() {
		if msg.Ack == nil {
			return
		}
		if err := msg.Ack(); err != nil {
			l.logger.Warn("ack failed", "error", err)
		}
	}()

	payload, err := l.parser(ctx, msg.Body)
	if err != nil {
		l.logger.Warn("dropping pulse message", "routing_key", msg.RoutingKey, "error", err)
		return
	}
	if payload == nil {
		return
	}
	if err := l.queue.Put(ctx, payload); err != nil {
		l.logger.Error("queueing pulse message", "error", err)
	}
}
