package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/AnshMNSoni/NariKawach/internal/safety"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	Exchange       = "safety_topic"
	publishTimeout = 5 * time.Second
)

// Channel is the slice of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Observer is told about every publish attempt.
type Observer interface {
	ObservePublish(err error)
}

// Publisher forwards safety events to a topic exchange so downstream
// services (SMS, guardian apps) can react. A nil Publisher is a no-op.
type Publisher struct {
	ch   Channel
	conn interface{ Close() error }
	log  *zap.Logger
	obs  Observer

	mu     sync.Mutex
	closed bool
}

// Dial connects to the broker. An empty url disables publishing and
// returns a nil Publisher without error.
func Dial(ctx context.Context, url string, log *zap.Logger, obs Observer) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}

	const attempts = 5
	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			ch, err := conn.Channel()
			if err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("open channel: %w", err)
			}
			p, err := NewPublisher(ch, log, obs)
			if err != nil {
				_ = conn.Close()
				return nil, err
			}
			p.conn = conn
			log.Info("amqp connected", zap.Int("attempt", attempt))
			return p, nil
		}
		lastErr = err
		log.Warn("amqp connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			delay = delay * 3 / 2
		}
	}
	return nil, fmt.Errorf("dial amqp after %d attempts: %w", attempts, lastErr)
}

// NewPublisher declares the exchange on ch.
func NewPublisher(ch Channel, log *zap.Logger, obs Observer) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{ch: ch, log: log, obs: obs}, nil
}

// RoutingKey maps an event to safety.<type>.
func RoutingKey(t safety.EventType) string {
	return "safety." + string(t)
}

func (p *Publisher) Notify(ctx context.Context, e safety.Event) {
	if p == nil {
		return
	}
	err := p.publish(ctx, e)
	if p.obs != nil {
		p.obs.ObservePublish(err)
	}
	if err != nil {
		p.log.Warn("event publish failed",
			zap.String("type", string(e.Type)),
			zap.String("user_id", e.UserID),
			zap.Error(err),
		)
	}
}

func (p *Publisher) publish(ctx context.Context, e safety.Event) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("publisher closed")
	}

	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	return p.ch.PublishWithContext(ctx, Exchange, RoutingKey(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.At,
		MessageId:    e.UserID + ":" + string(e.Type) + ":" + e.At.Format(time.RFC3339Nano),
	})
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.ch.Close()
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
