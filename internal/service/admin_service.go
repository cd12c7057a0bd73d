package service

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/cassiomorais/courier/internal/domain/inbox"
	"github.com/cassiomorais/courier/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500

	// DefaultInboxStaleAfter is how old an IN_PROGRESS inbox record must be
	// before ResetInbox treats it as orphaned.
	DefaultInboxStaleAfter = 15 * time.Minute
)

// AdminService backs the operator endpoints for inspecting and recovering
// outbox and inbox records.
type AdminService struct {
	outboxRepo outbox.Repository
	inboxRepo  inbox.Repository
	logger     zerolog.Logger
	now        func() time.Time

	inboxStaleAfter time.Duration
}

func NewAdminService(outboxRepo outbox.Repository, inboxRepo inbox.Repository, logger zerolog.Logger) *AdminService {
	return &AdminService{
		outboxRepo: outboxRepo,
		inboxRepo:  inboxRepo,
		logger:     logger,
		now:        time.Now,

		inboxStaleAfter: DefaultInboxStaleAfter,
	}
}

// WithInboxStaleAfter sets the age past which ResetInbox also clears an
// IN_PROGRESS record. It should exceed the longest handler run.
func (s *AdminService) WithInboxStaleAfter(d time.Duration) *AdminService {
	if d > 0 {
		s.inboxStaleAfter = d
	}
	return s
}

func (s *AdminService) GetOutbox(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	return s.outboxRepo.Get(ctx, id)
}

func (s *AdminService) ListOutbox(ctx context.Context, status string, limit int) ([]*outbox.Record, error) {
	st := outbox.Status(status)
	if !st.IsValid() {
		return nil, domainErrors.NewValidationError("status", fmt.Sprintf("unknown outbox status %q", status))
	}
	return s.outboxRepo.ListByStatus(ctx, st, clampLimit(limit))
}

// Redrive returns a FAILED or DISPATCHED record to PENDING with a fresh retry budget.
func (s *AdminService) Redrive(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	if err := s.outboxRepo.Redrive(ctx, id, s.now()); err != nil {
		return nil, err
	}
	s.logger.Info().Str("outbox_id", id.String()).Msg("Outbox record redriven")
	return s.outboxRepo.Get(ctx, id)
}

func (s *AdminService) GetInbox(ctx context.Context, messageID string) (*inbox.Record, error) {
	return s.inboxRepo.Get(ctx, messageID)
}

func (s *AdminService) ListInbox(ctx context.Context, status string, limit int) ([]*inbox.Record, error) {
	st := inbox.Status(status)
	if !st.IsValid() {
		return nil, domainErrors.NewValidationError("status", fmt.Sprintf("unknown inbox status %q", status))
	}
	return s.inboxRepo.ListByStatus(ctx, st, clampLimit(limit))
}

// ResetInbox deletes a FAILED inbox record, or one left IN_PROGRESS for longer
// than the stale age, so the next delivery of the message id is processed again.
func (s *AdminService) ResetInbox(ctx context.Context, messageID string) error {
	if err := s.inboxRepo.Reset(ctx, messageID, s.now().Add(-s.inboxStaleAfter)); err != nil {
		return err
	}
	s.logger.Info().Str("message_id", messageID).Msg("Inbox record reset")
	return nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
