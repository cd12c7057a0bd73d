// Package kafka adapts segmentio/kafka-go to the broker port. Each event type
// maps to its own topic; the aggregate id is the partition key so events of
// one aggregate keep their relative order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cassiomorais/courier/internal/broker"
	"github.com/iancoleman/strcase"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	headerMessageID = "message_id"
	headerSubject   = "subject"
)

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader the subscriber uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TopicFor maps an event type to a topic name: "order.created" with prefix
// "outbox-" becomes "outbox-order-created".
func TopicFor(prefix, subject string) string {
	return prefix + strcase.ToKebab(strings.ReplaceAll(subject, ".", "_"))
}

type Publisher struct {
	writer      Writer
	topicPrefix string
	logger      zerolog.Logger
}

func NewPublisher(brokers []string, topicPrefix string, logger zerolog.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return NewPublisherWithWriter(writer, topicPrefix, logger)
}

func NewPublisherWithWriter(w Writer, topicPrefix string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		writer:      w,
		topicPrefix: topicPrefix,
		logger:      logger.With().Str("kafka_component", "producer").Logger(),
	}
}

// Publish writes synchronously. Kafka assigns no id the writer can observe, so
// the returned broker message id is "<topic>/<message id>".
func (p *Publisher) Publish(ctx context.Context, msg broker.Message) (string, error) {
	topic := TopicFor(p.topicPrefix, msg.Subject)

	headers := []kafka.Header{
		{Key: headerMessageID, Value: []byte(msg.ID)},
		{Key: headerSubject, Value: []byte(msg.Subject)},
	}
	for k, v := range msg.Properties {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Properties[broker.PropAggregateID]),
		Value:   msg.Payload,
		Headers: headers,
	})
	if err != nil {
		return "", fmt.Errorf("failed to produce message to %s: %w", topic, err)
	}
	p.logger.Debug().Str("topic", topic).Str("message_id", msg.ID).Msg("Produced message")
	return topic + "/" + msg.ID, nil
}

func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

type Subscriber struct {
	reader     Reader
	retryDelay time.Duration
	logger     zerolog.Logger
}

// NewSubscriber joins groupID on the topics of the given event types.
func NewSubscriber(brokers []string, groupID, topicPrefix string, subjects []string, logger zerolog.Logger) (*Subscriber, error) {
	var topics []string
	for _, s := range subjects {
		if s == "" || s == "#" || s == "*" {
			continue
		}
		topics = append(topics, TopicFor(topicPrefix, s))
	}
	if len(topics) == 0 {
		return nil, errors.New("kafka subscriber needs at least one concrete event type in broker.consume_subjects")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	return NewSubscriberWithReader(reader, time.Second, logger), nil
}

// NewSubscriberWithReader builds a subscriber around r. retryDelay spaces out
// attempts at a message the handler rejected.
func NewSubscriberWithReader(r Reader, retryDelay time.Duration, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		reader:     r,
		retryDelay: retryDelay,
		logger:     logger.With().Str("kafka_component", "consumer").Logger(),
	}
}

// Subscribe commits an offset only after the handler accepted the message.
// Committing a later offset would implicitly acknowledge a rejected one, so a
// rejected message is retried in place until it is accepted or ctx ends.
func (s *Subscriber) Subscribe(ctx context.Context, h broker.Handler) error {
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to fetch Kafka message: %w", err)
		}

		d := toDelivery(m)
		for attempt := 1; ; attempt++ {
			err := h(ctx, d)
			if err == nil {
				break
			}
			s.logger.Error().Err(err).
				Str("topic", m.Topic).
				Int("partition", m.Partition).
				Int64("offset", m.Offset).
				Int("attempt", attempt).
				Msg("Error handling Kafka message")

			d.Redelivered = true
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.retryDelay):
			}
		}

		if err := s.reader.CommitMessages(ctx, m); err != nil {
			s.logger.Error().Err(err).
				Str("topic", m.Topic).
				Int("partition", m.Partition).
				Int64("offset", m.Offset).
				Msg("Failed to commit offset for message")
		}
	}
}

func (s *Subscriber) Close() error {
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka consumer: %w", err)
	}
	return nil
}

func toDelivery(m kafka.Message) broker.Delivery {
	d := broker.Delivery{
		Properties: make(map[string]string),
		Payload:    m.Value,
	}
	for _, h := range m.Headers {
		switch h.Key {
		case headerMessageID:
			d.MessageID = string(h.Value)
		case headerSubject:
			d.Subject = string(h.Value)
		default:
			d.Properties[h.Key] = string(h.Value)
		}
	}
	if d.MessageID == "" {
		d.MessageID = fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
	}
	return d
}
