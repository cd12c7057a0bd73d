package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cassiomorais/courier/internal/broker"
	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/cassiomorais/courier/internal/domain/inbox"
	"github.com/cassiomorais/courier/internal/infrastructure/observability"
	"github.com/cassiomorais/courier/pkg/retry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type InboxConsumerConfig struct {
	// MaxAttempts is the number of in-process handler runs before a message is
	// recorded as poison. Values below 1 mean a single run.
	MaxAttempts    uint
	RetryDelay     time.Duration
	HandlerTimeout time.Duration
}

// InboxConsumer wraps a handler so that each broker message id takes effect
// at most once, however many times the broker delivers it.
type InboxConsumer struct {
	inboxRepo inbox.Repository
	txManager TransactionManager
	handler   broker.Handler
	cfg       InboxConsumerConfig
	logger    zerolog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

func NewInboxConsumer(
	inboxRepo inbox.Repository,
	txManager TransactionManager,
	handler broker.Handler,
	cfg InboxConsumerConfig,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *InboxConsumer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &InboxConsumer{
		inboxRepo: inboxRepo,
		txManager: txManager,
		handler:   handler,
		cfg:       cfg,
		logger:    observability.Component(logger, "inbox"),
		metrics:   metrics,
		tracer:    otel.Tracer("courier/inbox"),
	}
}

// Handle is a broker.Handler. A nil return means the delivery may be acked:
// the message was processed, was a duplicate, or was recorded as poison.
// A non-nil return means no durable claim exists and the broker must redeliver,
// either because Begin failed or because ctx was cancelled mid-handler.
func (c *InboxConsumer) Handle(ctx context.Context, d broker.Delivery) error {
	ctx, span := c.tracer.Start(ctx, "inbox.handle", trace.WithAttributes(
		attribute.String("messaging.message_id", d.MessageID),
		attribute.String("messaging.subject", d.Subject),
	))
	defer span.End()

	log := observability.WithTrace(ctx, c.logger).With().
		Str("message_id", d.MessageID).
		Str("subject", d.Subject).
		Bool("redelivered", d.Redelivered).
		Logger()

	if d.MessageID == "" {
		// Without an id there is nothing to dedup on; redelivering would loop forever.
		c.metrics.InboxMessages.WithLabelValues("invalid").Inc()
		log.Error().Msg("Dropping delivery without message id")
		return nil
	}

	claimed, err := c.inboxRepo.Begin(ctx, d.MessageID)
	if err != nil {
		c.metrics.InboxMessages.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
		return fmt.Errorf("claim message %s: %w", d.MessageID, err)
	}
	if !claimed {
		c.metrics.InboxMessages.WithLabelValues("duplicate").Inc()
		span.SetAttributes(attribute.Bool("inbox.duplicate", true))
		log.Debug().Msg("Duplicate delivery skipped")
		return nil
	}

	start := time.Now()
	err = retry.Do(ctx, c.retryConfig(log), func() error {
		return c.process(ctx, d)
	})
	c.metrics.InboxHandlerDuration.WithLabelValues(d.Subject).Observe(time.Since(start).Seconds())

	if err == nil {
		c.metrics.InboxMessages.WithLabelValues("processed").Inc()
		log.Debug().Msg("Message processed")
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "handler failed")

	if ctx.Err() != nil {
		// Shutdown cut the handler short; the message itself is not poison.
		if relErr := c.inboxRepo.Release(context.WithoutCancel(ctx), d.MessageID); relErr != nil {
			log.Error().Err(relErr).Msg("Failed to release interrupted message claim")
		}
		c.metrics.InboxMessages.WithLabelValues("interrupted").Inc()
		log.Warn().Err(err).Msg("Handler interrupted, claim released for redelivery")
		return fmt.Errorf("message %s interrupted: %w", d.MessageID, ctx.Err())
	}

	if recErr := c.inboxRepo.RecordFailure(context.WithoutCancel(ctx), d.MessageID, err); recErr != nil {
		c.metrics.InboxMessages.WithLabelValues("error").Inc()
		log.Error().Err(recErr).AnErr("handler_error", err).Msg("Failed to record message failure")
		// The claim exists, so a redelivery is skipped as a duplicate. The
		// record stays IN_PROGRESS until ResetInbox finds it stale.
		return nil
	}

	c.metrics.InboxMessages.WithLabelValues("failed").Inc()
	log.Error().Err(fmt.Errorf("%w: %w", domainErrors.ErrPoisonMessage, err)).
		Uint("attempts", c.cfg.MaxAttempts).
		Msg("Message moved to FAILED")
	return nil
}

// process runs the handler and the PROCESSED mark in one transaction.
func (c *InboxConsumer) process(ctx context.Context, d broker.Delivery) error {
	return c.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := c.invoke(txCtx, d); err != nil {
			if errors.Is(err, domainErrors.ErrNoHandler) {
				return retry.Permanent(err)
			}
			return err
		}
		return c.inboxRepo.MarkProcessed(txCtx, d.MessageID)
	})
}

func (c *InboxConsumer) invoke(ctx context.Context, d broker.Delivery) (err error) {
	if c.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return c.handler(ctx, d)
}

func (c *InboxConsumer) retryConfig(log zerolog.Logger) retry.Config {
	return retry.Config{
		MaxAttempts:  c.cfg.MaxAttempts,
		InitialDelay: c.cfg.RetryDelay,
		MaxDelay:     c.cfg.RetryDelay * 10,
		Multiplier:   2,
		OnRetry: func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Msg("Handler failed, retrying")
		},
	}
}

// HandlerRegistry routes deliveries to handlers by subject.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]broker.Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]broker.Handler)}
}

// Register binds h to subject, replacing any earlier handler.
func (r *HandlerRegistry) Register(subject string, h broker.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[subject] = h
}

// Subjects lists the registered subjects in sorted order.
func (r *HandlerRegistry) Subjects() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}

func (r *HandlerRegistry) Handle(ctx context.Context, d broker.Delivery) error {
	r.mu.RLock()
	h, ok := r.handlers[d.Subject]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("subject %q: %w", d.Subject, domainErrors.ErrNoHandler)
	}
	return h(ctx, d)
}
