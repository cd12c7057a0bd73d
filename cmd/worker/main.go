package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/courier/internal/bootstrap"
	"github.com/cassiomorais/courier/internal/broker"
	"github.com/cassiomorais/courier/internal/service"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "courier-worker", "courier_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	dispatcher, err := app.Dispatcher()
	if err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to create dispatcher")
	}

	subscriber, err := app.Subscriber(ctx)
	if err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to create subscriber")
	}
	defer subscriber.Close()

	consumer := app.InboxConsumer(newHandler(app.Config.Broker.ConsumeSubjects, app.Logger))
	idempotencyService := app.IdempotencyService()

	app.Logger.Info().
		Str("broker", app.Config.Broker.Driver).
		Strs("subjects", app.Config.Broker.ConsumeSubjects).
		Str("consumer", app.Config.InstanceID).
		Msg("Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Outbox dispatcher (claims due records and publishes them).
	g.Go(func() error {
		return dispatcher.Run(gCtx)
	})

	// 2. Inbox consumer (deduplicates deliveries before the handler runs).
	g.Go(func() error {
		return subscriber.Subscribe(gCtx, consumer.Handle)
	})

	// 3. Expired idempotency records.
	g.Go(func() error {
		return idempotencyService.RunCleanup(gCtx, app.Config.Idempotency.CleanupInterval)
	})

	// 4. Wait for shutdown signal.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down worker...")
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

// newHandler routes concrete subjects through a registry. A wildcard
// subscription gets a single handler for everything it receives.
func newHandler(subjects []string, logger zerolog.Logger) broker.Handler {
	registry := service.NewHandlerRegistry()
	for _, s := range subjects {
		if s == "" || s == "#" || s == "*" {
			return logEvent(logger)
		}
		registry.Register(s, logEvent(logger))
	}
	logger.Info().Strs("subjects", registry.Subjects()).Msg("Inbox handlers registered")
	return registry.Handle
}

func logEvent(logger zerolog.Logger) broker.Handler {
	return func(ctx context.Context, d broker.Delivery) error {
		logger.Info().
			Str("message_id", d.MessageID).
			Str("subject", d.Subject).
			Str("aggregate_type", d.Properties[broker.PropAggregateType]).
			Str("aggregate_id", d.Properties[broker.PropAggregateID]).
			Int("bytes", len(d.Payload)).
			Msg("Event received")
		return nil
	}
}
