package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/courier/internal/broker"
	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/cassiomorais/courier/internal/domain/outbox"
	"github.com/cassiomorais/courier/internal/infrastructure/observability"
	"github.com/cassiomorais/courier/pkg/retry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type DispatcherConfig struct {
	WorkerID       string
	PollInterval   time.Duration
	BatchSize      int
	PublishTimeout time.Duration
	// ClaimTimeout is how long a record may stay IN_FLIGHT before another cycle
	// takes it back. It must exceed PublishTimeout. A batch is worked only while
	// its claim is younger than ClaimTimeout - PublishTimeout, so every publish
	// finishes before a peer may reclaim the row.
	ClaimTimeout time.Duration
	Backoff      retry.Config
}

// Dispatcher moves outbox records to the broker. Each cycle reclaims stale
// claims, claims a batch of due records and publishes them one by one.
type Dispatcher struct {
	outboxRepo outbox.Repository
	publisher  broker.Publisher
	cfg        DispatcherConfig
	logger     zerolog.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

func NewDispatcher(
	outboxRepo outbox.Repository,
	publisher broker.Publisher,
	cfg DispatcherConfig,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Dispatcher {
	return &Dispatcher{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		cfg:        cfg,
		logger:     observability.Component(logger, "dispatcher"),
		metrics:    metrics,
		tracer:     otel.Tracer("courier/outbox"),
		now:        time.Now,
	}
}

// WithClock replaces the time source. Tests use it to step past timeouts.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Run dispatches on every poll tick until ctx is cancelled. Cycle errors are
// logged and never stop the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Str("worker_id", d.cfg.WorkerID).
		Dur("poll_interval", d.cfg.PollInterval).
		Int("batch_size", d.cfg.BatchSize).
		Msg("Outbox dispatcher started")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		res, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("Outbox dispatch cycle failed")
		} else if res.Claimed > 0 || res.Reclaimed > 0 {
			d.logger.Debug().
				Int("claimed", res.Claimed).
				Int("reclaimed", res.Reclaimed).
				Int("dispatched", res.Dispatched).
				Int("retried", res.Retried).
				Int("failed", res.Failed).
				Int("expired", res.Expired).
				Msg("Outbox dispatch cycle finished")
		}

		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs a single cycle.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()
	defer func() {
		d.metrics.OutboxDispatchDuration.Observe(time.Since(start).Seconds())
	}()

	now := d.now()
	reclaimed, err := d.outboxRepo.ReclaimStuck(ctx, now.Add(-d.cfg.ClaimTimeout))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reclaim failed")
		return res, fmt.Errorf("reclaim stuck records: %w", err)
	}
	res.Reclaimed = int(reclaimed)
	if reclaimed > 0 {
		d.metrics.OutboxReclaimed.Add(float64(reclaimed))
		d.logger.Warn().Int64("count", reclaimed).Msg("Reclaimed stale in-flight outbox records")
	}

	records, err := d.outboxRepo.Claim(ctx, d.cfg.BatchSize, d.cfg.WorkerID, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return res, fmt.Errorf("claim outbox records: %w", err)
	}
	res.Claimed = len(records)
	d.metrics.OutboxClaimed.Add(float64(len(records)))
	span.SetAttributes(attribute.Int("outbox.claimed", len(records)))

	for i, rec := range records {
		if !d.claimFresh(rec) {
			// The whole batch shares one claimed_at; the rest stays IN_FLIGHT
			// until ReclaimStuck hands it to the next cycle.
			res.Expired = len(records) - i
			d.logger.Warn().
				Int("remaining", res.Expired).
				Dur("claim_timeout", d.cfg.ClaimTimeout).
				Msg("Outbox claim too old to publish safely, leaving rest of batch for reclaim")
			break
		}
		d.dispatch(ctx, rec, &res)
	}
	return res, nil
}

// claimFresh reports whether a publish started now ends before the claim can
// be reclaimed.
func (d *Dispatcher) claimFresh(rec *outbox.Record) bool {
	if rec.ClaimedAt == nil {
		return false
	}
	return d.now().Sub(*rec.ClaimedAt) <= d.cfg.ClaimTimeout-d.cfg.PublishTimeout
}

func (d *Dispatcher) dispatch(ctx context.Context, rec *outbox.Record, res *DispatchResult) {
	log := observability.WithTrace(ctx, d.logger).With().
		Str("outbox_id", rec.ID.String()).
		Str("event_type", rec.EventType).
		Str("aggregate_id", rec.AggregateID).
		Logger()

	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	brokerID, err := d.publisher.Publish(pubCtx, toMessage(rec))
	cancel()

	if err != nil {
		if !errors.Is(err, domainErrors.ErrTransientPublish) {
			err = fmt.Errorf("%w: %w", domainErrors.ErrTransientPublish, err)
		}
		d.handlePublishFailure(ctx, log, rec, err, res)
		return
	}

	if err := d.outboxRepo.MarkDispatched(ctx, rec.ID, rec.Lease(), brokerID, d.now()); err != nil {
		if errors.Is(err, domainErrors.ErrClaimLost) {
			res.ClaimLost++
			log.Warn().Err(err).Str("broker_message_id", brokerID).Msg("Outbox claim lost before dispatch was recorded")
			return
		}
		// The broker has the message; the record stays IN_FLIGHT and is
		// republished after the claim timeout. Consumers dedup on the id.
		res.StateUpdateFailed++
		d.metrics.OutboxPublishFailures.WithLabelValues("state_update").Inc()
		log.Error().Err(err).Str("broker_message_id", brokerID).Msg("Published but failed to mark outbox record dispatched")
		return
	}

	res.Dispatched++
	d.metrics.OutboxDispatched.Inc()
	log.Debug().Str("broker_message_id", brokerID).Msg("Outbox record dispatched")
}

func (d *Dispatcher) handlePublishFailure(ctx context.Context, log zerolog.Logger, rec *outbox.Record, cause error, res *DispatchResult) {
	next := d.now().Add(retry.Backoff(d.cfg.Backoff, rec.RetryCount+1))

	status, err := d.outboxRepo.MarkFailed(ctx, rec.ID, rec.Lease(), cause.Error(), next)
	if errors.Is(err, domainErrors.ErrClaimLost) {
		res.ClaimLost++
		log.Warn().Err(err).AnErr("publish_error", cause).Msg("Outbox claim lost before failure was recorded")
		return
	}
	if err != nil {
		res.StateUpdateFailed++
		d.metrics.OutboxPublishFailures.WithLabelValues("state_update").Inc()
		log.Error().Err(err).AnErr("publish_error", cause).Msg("Failed to record publish failure")
		return
	}

	if status == outbox.StatusFailed {
		res.Failed++
		d.metrics.OutboxPublishFailures.WithLabelValues("failed").Inc()
		log.Error().Err(cause).Int("retry_count", rec.RetryCount+1).Msg("Outbox record exhausted its retries")
		return
	}

	res.Retried++
	d.metrics.OutboxPublishFailures.WithLabelValues("retry").Inc()
	log.Warn().Err(cause).
		Int("retry_count", rec.RetryCount+1).
		Time("next_attempt_at", next).
		Msg("Publish failed, will retry")
}

func toMessage(rec *outbox.Record) broker.Message {
	return broker.Message{
		ID:      rec.ID.String(),
		Subject: rec.EventType,
		Properties: map[string]string{
			broker.PropAggregateType: rec.AggregateType,
			broker.PropAggregateID:   rec.AggregateID,
		},
		Payload: rec.Payload,
	}
}
