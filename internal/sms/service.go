package sms

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parsgate/payamak/internal/durable"
	"github.com/parsgate/payamak/internal/faults"
	"github.com/parsgate/payamak/internal/ledger"
)

// DefaultListLimit and MaxListLimit bound the list endpoint's page size.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Statistics is the per-account message summary.
type Statistics struct {
	Total       int64
	Sent        int64
	Failed      int64
	Pending     int64
	Cancelled   int64
	SuccessRate float64
}

// Service covers the owner-scoped message operations behind the REST surface:
// lookup, listing, cancellation, statistics.
type Service struct {
	messages *durable.Messages
	ledger   *ledger.Ledger
	log      zerolog.Logger
}

// NewService wires the message service.
func NewService(messages *durable.Messages, l *ledger.Ledger, logger zerolog.Logger) *Service {
	return &Service{
		messages: messages,
		ledger:   l,
		log:      logger.With().Str("component", "sms_service").Logger(),
	}
}

// Get returns one of the account's messages.
func (s *Service) Get(ctx context.Context, accountID int64, id uuid.UUID) (durable.Message, error) {
	m, err := s.messages.Get(ctx, accountID, id)
	if errors.Is(err, durable.ErrNotFound) {
		return durable.Message{}, faults.New(faults.KindNotFound, "message %s not found", id)
	}
	return m, err
}

// List pages through the account's messages, newest first. beforeID is the
// cursor; uuid.Nil starts from the top.
func (s *Service) List(ctx context.Context, accountID int64, status string, limit int, beforeID uuid.UUID) ([]durable.Message, error) {
	if status != "" && !ValidStatus(status) {
		return nil, faults.New(faults.KindInvalidInput, "unknown status filter %q", status)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.messages.List(ctx, accountID, status, limit, beforeID)
}

// Cancel flips a still-cancellable message to cancelled and refunds its cost
// to the working balance.
//
// The durable status gate runs first: only the request that wins the flip
// performs the refund, so a double-cancel cannot refund twice. A refund
// failure after the flip is logged and swallowed; the cancellation is already
// visible and retrying the endpoint would hit the terminal-state gate.
func (s *Service) Cancel(ctx context.Context, accountID int64, id uuid.UUID) (durable.Message, error) {
	m, err := s.messages.CancelIfCancellable(ctx, accountID, id)
	if errors.Is(err, durable.ErrNotFound) {
		return durable.Message{}, faults.New(faults.KindNotFound, "message %s not found", id)
	}
	if errors.Is(err, durable.ErrTerminalState) {
		return durable.Message{}, faults.Wrap(faults.KindConflict, err, "message %s cannot be cancelled", id)
	}
	if err != nil {
		return durable.Message{}, err
	}

	if err := s.ledger.RefundCancellation(ctx, accountID, m.Cost, m.ID.String()); err != nil {
		s.log.Error().Err(err).
			Int64("account_id", accountID).
			Str("sms_id", m.ID.String()).
			Str("cost", m.Cost.StringFixed(2)).
			Msg("refund failed after cancellation, balance needs reconciliation")
	}

	s.log.Info().
		Int64("account_id", accountID).
		Str("sms_id", m.ID.String()).
		Msg("message cancelled")
	return m, nil
}

// Stats aggregates the account's message counts and computes the delivery
// success rate over terminal outcomes.
func (s *Service) Stats(ctx context.Context, accountID int64) (Statistics, error) {
	raw, err := s.messages.StatsFor(ctx, accountID)
	if err != nil {
		return Statistics{}, err
	}

	out := Statistics{
		Total:     raw.Total,
		Sent:      raw.Sent,
		Failed:    raw.Failed,
		Pending:   raw.Pending,
		Cancelled: raw.Cancelled,
	}
	if raw.Total > 0 {
		rate := float64(raw.Sent) / float64(raw.Total) * 100
		out.SuccessRate = math.Round(rate*100) / 100
	}
	return out, nil
}
