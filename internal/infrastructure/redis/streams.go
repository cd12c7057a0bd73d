package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cassiomorais/courier/internal/broker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	fieldMessageID = "message_id"
	fieldSubject   = "subject"
	fieldPayload   = "payload"
)

// StreamPublisher appends outbox messages to a Redis stream.
type StreamPublisher struct {
	client *redis.Client
	stream string
}

func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream}
}

// Publish returns the stream entry id as the broker message id.
func (p *StreamPublisher) Publish(ctx context.Context, msg broker.Message) (string, error) {
	values := map[string]any{
		fieldMessageID: msg.ID,
		fieldSubject:   msg.Subject,
		fieldPayload:   string(msg.Payload),
	}
	for k, v := range msg.Properties {
		if _, reserved := values[k]; !reserved {
			values[k] = v
		}
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", p.stream, err)
	}
	return id, nil
}

type StreamSubscriberConfig struct {
	Stream        string
	Group         string
	Consumer      string
	BatchSize     int64
	BlockDuration time.Duration
	// ClaimMinIdle is how long an entry must sit unacknowledged before another
	// consumer may take it over.
	ClaimMinIdle time.Duration
}

// StreamSubscriber reads a stream through a consumer group. Entries are acked
// only when the handler returns nil; the rest stay pending and are reclaimed
// with XAUTOCLAIM once idle.
type StreamSubscriber struct {
	client *redis.Client
	cfg    StreamSubscriberConfig
	logger zerolog.Logger
}

func NewStreamSubscriber(client *redis.Client, cfg StreamSubscriberConfig, logger zerolog.Logger) *StreamSubscriber {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &StreamSubscriber{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("stream", cfg.Stream).Str("group", cfg.Group).Logger(),
	}
}

func (s *StreamSubscriber) CreateGroup(ctx context.Context) error {
	// Create stream if it doesn't exist
	const busyGroupMsg = "BUSYGROUP"
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (s *StreamSubscriber) Subscribe(ctx context.Context, h broker.Handler) error {
	if err := s.CreateGroup(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := s.reclaim(ctx, h); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Failed to reclaim pending entries")
		}

		messages, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error().Err(err).Msg("Failed to read from stream")
			sleep(ctx, time.Second)
			continue
		}
		for _, msg := range messages {
			s.handle(ctx, h, msg, false)
		}
	}
}

func (s *StreamSubscriber) Close() error {
	return nil
}

func (s *StreamSubscriber) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, ">"},
		Count:    s.cfg.BatchSize,
		Block:    s.cfg.BlockDuration,
	}).Result()
	if errors.Is(err, redis.Nil) {
		// No new messages
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []redis.XMessage
	for _, st := range streams {
		messages = append(messages, st.Messages...)
	}
	return messages, nil
}

func (s *StreamSubscriber) reclaim(ctx context.Context, h broker.Handler) error {
	messages, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.cfg.Stream,
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		MinIdle:  s.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    s.cfg.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to claim pending entries: %w", err)
	}
	for _, msg := range messages {
		s.handle(ctx, h, msg, true)
	}
	return nil
}

func (s *StreamSubscriber) handle(ctx context.Context, h broker.Handler, msg redis.XMessage, redelivered bool) {
	d := toDelivery(msg)
	d.Redelivered = redelivered

	if err := h(ctx, d); err != nil {
		s.logger.Warn().Err(err).
			Str("entry_id", msg.ID).
			Str("message_id", d.MessageID).
			Msg("Handler failed, leaving entry pending")
		return
	}
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, msg.ID).Err(); err != nil {
		s.logger.Error().Err(err).Str("entry_id", msg.ID).Msg("Failed to ack entry")
	}
}

func toDelivery(msg redis.XMessage) broker.Delivery {
	d := broker.Delivery{Properties: make(map[string]string)}
	for k, v := range msg.Values {
		str, _ := v.(string)
		switch k {
		case fieldMessageID:
			d.MessageID = str
		case fieldSubject:
			d.Subject = str
		case fieldPayload:
			d.Payload = []byte(str)
		default:
			d.Properties[k] = str
		}
	}
	if d.MessageID == "" {
		// Entries written by other producers may lack an id; the entry id is stable.
		d.MessageID = msg.ID
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
