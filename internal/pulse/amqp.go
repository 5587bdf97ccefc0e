package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultURL is the Mozilla Pulse broker
const DefaultURL = "amqps://pulse.mozilla.org:5671"

// AMQPConfig configures a Pulse subscription
type AMQPConfig struct {
	URL      string
	User     string
	Password string
	Exchange string
	Topic    string
	// QueueName defaults to "pulselistener"; Pulse requires queues to be
	// namespaced under queue/<user>/ which is added automatically.
	QueueName string
}

// QueueFullName returns the broker-side queue name
func (c AMQPConfig) QueueFullName() string {
	name := c.QueueName
	if name == "" {
		name = "pulselistener"
	}
	return fmt.Sprintf("queue/%s/%s", c.User, name)
}

// dialURL merges credentials into the broker URL
func (c AMQPConfig) dialURL() (string, error) {
	raw := c.URL
	if raw == "" {
		raw = DefaultURL
	}
	uri, err := amqp.ParseURI(raw)
	if err != nil {
		return "", fmt.Errorf("parsing pulse url: %w", err)
	}
	if c.User != "" {
		uri.Username = c.User
		uri.Password = c.Password
	}
	return uri.String(), nil
}

// AMQPSubscriber subscribes to a Pulse exchange over AMQP 0-9-1
type AMQPSubscriber struct {
	config AMQPConfig
	logger *slog.Logger
}

// NewAMQPSubscriber creates a subscriber for config
func NewAMQPSubscriber(config AMQPConfig, logger *slog.Logger) *AMQPSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPSubscriber{config: config, logger: logger.With("component", "pulse")}
}

// Subscribe connects, binds a durable queue to the exchange and streams its
// messages. The channel closes when the connection is lost or ctx is done.
func (s *AMQPSubscriber) Subscribe(ctx context.Context) (<-chan Message, error) {
	url, err := s.config.dialURL()
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "pulselistener",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to pulse: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	queue := s.config.QueueFullName()
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, s.config.Topic, s.config.Exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("binding %s to %s: %w", queue, s.config.Exchange, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting prefetch: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consuming %s: %w", queue, err)
	}
	s.logger.Info("subscribed", "exchange", s.config.Exchange, "topic", s.config.Topic, "queue", queue)

	out := make(chan Message)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				msg := Message{
					Exchange:   d.Exchange,
					RoutingKey: d.RoutingKey,
					Body:       d.Body,
					Ack:        func() error { return d.Ack(false) },
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
