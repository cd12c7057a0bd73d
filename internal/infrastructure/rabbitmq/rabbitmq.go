// Package rabbitmq adapts amqp091-go to the broker port. Messages go to a
// topic exchange with the event type as routing key.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cassiomorais/courier/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var (
	ErrPublishNacked  = errors.New("broker nacked the message")
	ErrChannelClosed  = errors.New("amqp channel closed")
	ErrConfirmTimeout = errors.New("confirmation timed out")
)

// DefaultConfirmWait bounds the wait for a publisher confirm.
const DefaultConfirmWait = 5 * time.Second

// Channel is the subset of *amqp.Channel used by the publisher and subscriber.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dial opens a connection and a channel on url.
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return conn, ch, nil
}

func declareExchange(ch Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return nil
}

// Publisher publishes in confirm mode and waits for the broker's ack before
// returning. Calls are serialized so confirms arrive in publish order.
type Publisher struct {
	mu          sync.Mutex
	ch          Channel
	exchange    string
	confirms    chan amqp.Confirmation
	confirmWait time.Duration
	broken      bool
}

func NewPublisher(ch Channel, exchange string) (*Publisher, error) {
	if err := declareExchange(ch, exchange); err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("channel does not support confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return &Publisher{
		ch:          ch,
		exchange:    exchange,
		confirms:    confirms,
		confirmWait: DefaultConfirmWait,
	}, nil
}

// Publish returns the outbox id as broker message id; AMQP assigns none.
func (p *Publisher) Publish(ctx context.Context, msg broker.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken {
		return "", ErrChannelClosed
	}

	headers := amqp.Table{}
	for k, v := range msg.Properties {
		headers[k] = v
	}

	err := p.ch.PublishWithContext(ctx, p.exchange, msg.Subject, false, false, amqp.Publishing{
		MessageId:    msg.ID,
		Type:         msg.Subject,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         msg.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}

	timer := time.NewTimer(p.confirmWait)
	defer timer.Stop()

	select {
	case c, ok := <-p.confirms:
		if !ok {
			p.broken = true
			return "", ErrChannelClosed
		}
		if !c.Ack {
			return "", fmt.Errorf("message %s: %w", msg.ID, ErrPublishNacked)
		}
		return msg.ID, nil
	case <-ctx.Done():
		// A late confirm would be read by the next publish; stop using the channel.
		p.broken = true
		return "", ctx.Err()
	case <-timer.C:
		p.broken = true
		return "", ErrConfirmTimeout
	}
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

type SubscriberConfig struct {
	Exchange    string
	Queue       string
	BindingKeys []string
	Prefetch    int
	Consumer    string
}

// Subscriber consumes with manual acks. A rejected delivery is nacked with
// requeue so the broker hands it out again.
type Subscriber struct {
	ch     Channel
	cfg    SubscriberConfig
	logger zerolog.Logger
}

func NewSubscriber(ch Channel, cfg SubscriberConfig, logger zerolog.Logger) (*Subscriber, error) {
	if err := declareExchange(ch, cfg.Exchange); err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}
	keys := cfg.BindingKeys
	if len(keys) == 0 {
		keys = []string{"#"}
	}
	for _, key := range keys {
		if err := ch.QueueBind(cfg.Queue, key, cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind queue %s to %s: %w", cfg.Queue, key, err)
		}
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}
	return &Subscriber{
		ch:     ch,
		cfg:    cfg,
		logger: logger.With().Str("queue", cfg.Queue).Logger(),
	}, nil
}

func (s *Subscriber) Subscribe(ctx context.Context, h broker.Handler) error {
	deliveries, err := s.ch.Consume(s.cfg.Queue, s.cfg.Consumer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", s.cfg.Queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrChannelClosed
			}
			s.handle(ctx, h, d)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, h broker.Handler, d amqp.Delivery) {
	delivery := toDelivery(d)
	if err := h(ctx, delivery); err != nil {
		s.logger.Warn().Err(err).Str("message_id", delivery.MessageID).Msg("Handler failed, requeueing delivery")
		if nackErr := d.Nack(false, true); nackErr != nil {
			s.logger.Error().Err(nackErr).Str("message_id", delivery.MessageID).Msg("Failed to nack delivery")
		}
		return
	}
	if err := d.Ack(false); err != nil {
		s.logger.Error().Err(err).Str("message_id", delivery.MessageID).Msg("Failed to ack delivery")
	}
}

func (s *Subscriber) Close() error {
	return s.ch.Close()
}

func toDelivery(d amqp.Delivery) broker.Delivery {
	props := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if str, ok := v.(string); ok {
			props[k] = str
		}
	}
	subject := d.Type
	if subject == "" {
		subject = d.RoutingKey
	}
	return broker.Delivery{
		MessageID:   d.MessageId,
		Subject:     subject,
		Properties:  props,
		Payload:     d.Body,
		Redelivered: d.Redelivered,
	}
}
