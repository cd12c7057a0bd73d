package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/cassiomorais/courier/internal/broker"
	"github.com/cassiomorais/courier/internal/domain/idempotency"
	"github.com/cassiomorais/courier/internal/infrastructure/config"
	"github.com/cassiomorais/courier/internal/infrastructure/kafka"
	"github.com/cassiomorais/courier/internal/infrastructure/observability"
	"github.com/cassiomorais/courier/internal/infrastructure/rabbitmq"
	infraRedis "github.com/cassiomorais/courier/internal/infrastructure/redis"
	"github.com/cassiomorais/courier/internal/repository/postgres"
	"github.com/cassiomorais/courier/internal/service"
	"github.com/cassiomorais/courier/pkg/retry"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics

	TxManager  *postgres.TxManager
	OutboxRepo *postgres.OutboxRepository
	InboxRepo  *postgres.InboxRepository

	amqpConn *amqp.Connection
	closers  []func() error
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info().Str("service", serviceName).Str("broker", cfg.Broker.Driver).Msg("Starting")

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			go func() {
				<-ctx.Done()
				observability.Shutdown(context.Background(), tp)
			}()
			logger.Info().Msg("Tracing enabled")
		}
	}

	var metrics *observability.Metrics
	if cfg.Observability.EnableMetrics {
		metrics = observability.NewMetrics(metricsNamespace, nil)
		logger.Info().Msg("Metrics initialized")
	} else {
		metrics = observability.NewNopMetrics()
	}

	pool, err := postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	redisClient, err := infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("Connected to Redis")

	return &App{
		Config:     cfg,
		Logger:     logger,
		Pool:       pool,
		Redis:      redisClient,
		Metrics:    metrics,
		TxManager:  postgres.NewTxManager(pool),
		OutboxRepo: postgres.NewOutboxRepository(pool),
		InboxRepo:  postgres.NewInboxRepository(pool),
	}, nil
}

// EventWriter appends events to the outbox inside the caller's transaction.
func (a *App) EventWriter() *service.EventWriter {
	return service.NewEventWriter(a.OutboxRepo, a.TxManager, a.Config.Outbox.MaxRetries)
}

// IdempotencyService builds the HTTP idempotency cache on the configured store.
// The per-key lock always lives in Redis so it is shared across instances.
func (a *App) IdempotencyService() *service.IdempotencyService {
	c := a.Config.Idempotency

	var store idempotency.Store
	switch c.Store {
	case config.StoreRedis:
		store = infraRedis.NewIdempotencyStore(a.Redis, a.Config.Redis.OperationTimeout)
	default:
		store = postgres.NewIdempotencyRepository(a.Pool)
	}
	locker := infraRedis.NewLocker(a.Redis, a.Config.Redis.OperationTimeout)

	return service.NewIdempotencyService(store, locker, service.IdempotencyConfig{
		TTL:          c.TTL,
		LockTTL:      c.LockTTL,
		LockWait:     c.LockWait,
		PollInterval: c.PollInterval,
	}, a.Logger)
}

// Dispatcher builds the outbox relay on top of the configured broker.
func (a *App) Dispatcher() (*service.Dispatcher, error) {
	pub, err := a.Publisher()
	if err != nil {
		return nil, err
	}
	c := a.Config.Outbox
	return service.NewDispatcher(a.OutboxRepo, pub, service.DispatcherConfig{
		WorkerID:       a.Config.InstanceID,
		PollInterval:   c.PollInterval,
		BatchSize:      c.BatchSize,
		PublishTimeout: c.PublishTimeout,
		ClaimTimeout:   c.ClaimTimeout,
		Backoff: retry.Config{
			InitialDelay: c.BackoffBase,
			MaxDelay:     c.BackoffMax,
			Multiplier:   2,
		},
	}, a.Logger, a.Metrics), nil
}

// InboxConsumer wraps h with the deduplicating inbox.
func (a *App) InboxConsumer(h broker.Handler) *service.InboxConsumer {
	c := a.Config.Inbox
	return service.NewInboxConsumer(a.InboxRepo, a.TxManager, h, service.InboxConsumerConfig{
		MaxAttempts:    c.MaxAttempts,
		RetryDelay:     c.RetryDelay,
		HandlerTimeout: c.HandlerTimeout,
	}, a.Logger, a.Metrics)
}

// Publisher returns the configured broker publisher, behind a circuit breaker
// when enabled.
func (a *App) Publisher() (broker.Publisher, error) {
	bc := a.Config.Broker

	var pub broker.Publisher
	switch bc.Driver {
	case config.BrokerKafka:
		p := kafka.NewPublisher(bc.Kafka.Brokers, bc.Kafka.TopicPrefix, a.Logger)
		a.closers = append(a.closers, p.Close)
		pub = p
	case config.BrokerRabbitMQ:
		ch, err := a.amqpChannel()
		if err != nil {
			return nil, err
		}
		p, err := rabbitmq.NewPublisher(ch, bc.RabbitMQ.Exchange)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		pub = p
	default:
		pub = infraRedis.NewStreamPublisher(a.Redis, bc.Stream)
	}

	if !bc.Breaker.Enabled {
		return pub, nil
	}
	name := "broker-" + bc.Driver
	a.Metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	return broker.NewBreakerPublisher(pub, broker.BreakerConfig{
		Name:         name,
		MaxRequests:  bc.Breaker.MaxRequests,
		Interval:     bc.Breaker.Interval,
		Timeout:      bc.Breaker.Timeout,
		MinRequests:  bc.Breaker.MinRequests,
		FailureRatio: bc.Breaker.FailureRatio,
	}, func(name string, from, to gobreaker.State) {
		a.Metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		a.Logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
	}), nil
}

// Subscriber returns the configured broker subscriber.
func (a *App) Subscriber(ctx context.Context) (broker.Subscriber, error) {
	bc := a.Config.Broker

	switch bc.Driver {
	case config.BrokerKafka:
		sub, err := kafka.NewSubscriber(bc.Kafka.Brokers, bc.Kafka.GroupID, bc.Kafka.TopicPrefix, bc.ConsumeSubjects, a.Logger)
		if err != nil {
			return nil, err
		}
		return sub, nil
	case config.BrokerRabbitMQ:
		ch, err := a.amqpChannel()
		if err != nil {
			return nil, err
		}
		sub, err := rabbitmq.NewSubscriber(ch, rabbitmq.SubscriberConfig{
			Exchange:    bc.RabbitMQ.Exchange,
			Queue:       bc.RabbitMQ.Queue,
			BindingKeys: bc.ConsumeSubjects,
			Prefetch:    bc.RabbitMQ.Prefetch,
			Consumer:    a.Config.InstanceID,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		return sub, nil
	default:
		sub := infraRedis.NewStreamSubscriber(a.Redis, infraRedis.StreamSubscriberConfig{
			Stream:        bc.Stream,
			Group:         bc.ConsumerGroup,
			Consumer:      a.Config.InstanceID,
			BatchSize:     bc.BatchSize,
			BlockDuration: bc.BlockDuration,
			ClaimMinIdle:  bc.ClaimMinIdle,
		}, a.Logger)
		if err := sub.CreateGroup(ctx); err != nil {
			return nil, fmt.Errorf("create consumer group: %w", err)
		}
		return sub, nil
	}
}

// amqpChannel opens a fresh channel, dialing on first use. Publisher and
// subscriber each get their own channel on the shared connection.
func (a *App) amqpChannel() (*amqp.Channel, error) {
	if a.amqpConn == nil {
		conn, ch, err := rabbitmq.Dial(a.Config.Broker.RabbitMQ.URL)
		if err != nil {
			return nil, err
		}
		a.amqpConn = conn
		a.Logger.Info().Msg("Connected to RabbitMQ")
		return ch, nil
	}
	ch, err := a.amqpConn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn().Err(err).Msg("Close failed")
		}
	}
	if a.amqpConn != nil {
		a.amqpConn.Close()
	}
	a.Redis.Close()
	a.Pool.Close()
}
