package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// Breaker defaults.
const (
	DefaultBreakerFailures = 5
	DefaultBreakerOpenFor  = 30 * time.Second
)

// ErrBrokerUnavailable is returned while the breaker is open.
var ErrBrokerUnavailable = errors.New("notify: broker unavailable")

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher publishes events as persistent JSON messages to a
// RabbitMQ exchange. Calls go through a circuit breaker; while it is open,
// Publish fails immediately with ErrBrokerUnavailable.
type RabbitPublisher struct {
	ch         Channel
	conn       io.Closer
	exchange   string
	routingKey string
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// RabbitOption configures a RabbitPublisher.
type RabbitOption func(*rabbitConfig)

type rabbitConfig struct {
	failures uint32
	openFor  time.Duration
	logger   *slog.Logger
}

// WithBreaker sets how many consecutive failures open the breaker and how
// long it stays open before a trial publication.
func WithBreaker(failures uint32, openFor time.Duration) RabbitOption {
	return func(c *rabbitConfig) {
		if failures > 0 {
			c.failures = failures
		}
		if openFor > 0 {
			c.openFor = openFor
		}
	}
}

// WithRabbitLogger sets the logger for breaker state changes.
func WithRabbitLogger(l *slog.Logger) RabbitOption {
	return func(c *rabbitConfig) { c.logger = l }
}

// NewRabbitPublisher publishes through an open channel.
func NewRabbitPublisher(ch Channel, exchange, routingKey string, opts ...RabbitOption) *RabbitPublisher {
	cfg := rabbitConfig{
		failures: DefaultBreakerFailures,
		openFor:  DefaultBreakerOpenFor,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &RabbitPublisher{
		ch:         ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     cfg.logger,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "credits-notify",
		MaxRequests: 1,
		Timeout:     cfg.openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("notification breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return p
}

// DialRabbit connects to url, declares a durable topic exchange and returns
// a publisher that owns the connection.
func DialRabbit(url, exchange, routingKey string, opts ...RabbitOption) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("notify: declare exchange %s: %w", exchange, err)
	}

	p := NewRabbitPublisher(ch, exchange, routingKey, opts...)
	p.conn = conn
	return p, nil
}

// Publish implements Publisher.
func (p *RabbitPublisher) Publish(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     evt.ID,
		CorrelationId: evt.TransactionID,
		Type:          evt.Type,
		Timestamp:     evt.Timestamp,
		Body:          body,
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// State returns the breaker state.
func (p *RabbitPublisher) State() gobreaker.State {
	return p.breaker.State()
}

// Close closes the channel and, when dialed by DialRabbit, the connection.
func (p *RabbitPublisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}
