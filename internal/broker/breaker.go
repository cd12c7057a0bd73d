package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/sony/gobreaker/v2"
)

type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// MinRequests and FailureRatio decide when the breaker trips.
	MinRequests  uint32
	FailureRatio float64
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  10,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

// BreakerPublisher fails fast while the downstream broker keeps failing.
type BreakerPublisher struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker[string]
}

// NewBreakerPublisher wraps next. onStateChange may be nil.
func NewBreakerPublisher(next Publisher, cfg BreakerConfig, onStateChange func(name string, from, to gobreaker.State)) *BreakerPublisher {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: onStateChange,
	}
	return &BreakerPublisher{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[string](settings),
	}
}

func (p *BreakerPublisher) Publish(ctx context.Context, msg Message) (string, error) {
	id, err := p.cb.Execute(func() (string, error) {
		return p.next.Publish(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: circuit %s: %v", domainErrors.ErrTransientPublish, p.cb.Name(), err)
	}
	return id, err
}

func (p *BreakerPublisher) State() gobreaker.State {
	return p.cb.State()
}
