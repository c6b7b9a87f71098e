package sms

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/parsgate/payamak/internal/faults"
	"github.com/parsgate/payamak/internal/hotstore"
	"github.com/parsgate/payamak/internal/ledger"
	"github.com/parsgate/payamak/internal/metrics"
)

// SubmitRequest is one admission attempt after authentication.
type SubmitRequest struct {
	Recipient   string
	Message     string
	Priority    string
	ScheduledAt *time.Time
	RequestID   string
}

// Receipt is what a successful admission returns to the caller.
type Receipt struct {
	ID     uuid.UUID
	Cost   decimal.Decimal
	Status string
}

// Acceptor is the admission path. It talks exclusively to the hot store:
// idempotency token, balance reservation, ingest buffer push. The durable
// store is never touched here, so a slow primary cannot stall admission.
type Acceptor struct {
	ledger  *ledger.Ledger
	idem    *hotstore.Idempotency
	buffers *hotstore.Buffers
	log     zerolog.Logger

	baseCost          decimal.Decimal
	expressMultiplier decimal.Decimal
}

// NewAcceptor wires the admission path.
func NewAcceptor(l *ledger.Ledger, idem *hotstore.Idempotency, buffers *hotstore.Buffers,
	baseCost, expressMultiplier decimal.Decimal, logger zerolog.Logger) *Acceptor {
	return &Acceptor{
		ledger:            l,
		idem:              idem,
		buffers:           buffers,
		log:               logger.With().Str("component", "acceptor").Logger(),
		baseCost:          baseCost,
		expressMultiplier: expressMultiplier,
	}
}

// Submit runs the admission gates in order: idempotency claim, validation,
// cost, reservation, buffer push. The idempotency token survives only a fully
// admitted submission; every failure path releases it so the caller may retry
// the same request id after correcting the problem.
func (a *Acceptor) Submit(ctx context.Context, accountID int64, req SubmitRequest) (Receipt, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		// Server-generated: no idempotency benefit, but the flow stays uniform.
		requestID = uuid.NewString()
	}

	claimed, err := a.idem.Begin(ctx, accountID, requestID)
	if err != nil {
		return Receipt{}, err
	}
	if !claimed {
		metrics.SubmissionsRejected.WithLabelValues("duplicate").Inc()
		return Receipt{}, faults.New(faults.KindDuplicateRequest, "request %s already processed", requestID)
	}

	recipient, err := NormalizeRecipient(req.Recipient)
	if err != nil {
		a.reject(ctx, accountID, requestID, "invalid_input")
		return Receipt{}, err
	}
	if err := ValidateBody(req.Message); err != nil {
		a.reject(ctx, accountID, requestID, "invalid_input")
		return Receipt{}, err
	}
	priority, err := CoercePriority(req.Priority)
	if err != nil {
		a.reject(ctx, accountID, requestID, "invalid_input")
		return Receipt{}, err
	}

	cost := CostOf(priority, a.baseCost, a.expressMultiplier)

	if err := a.ledger.Reserve(ctx, accountID, cost); err != nil {
		if faults.Is(err, faults.KindInsufficientBalance) {
			a.reject(ctx, accountID, requestID, "insufficient_balance")
		} else {
			a.reject(ctx, accountID, requestID, "reserve_error")
		}
		return Receipt{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		a.compensate(ctx, accountID, requestID, cost, "")
		return Receipt{}, faults.Wrap(faults.KindInternal, err, "submission id generation")
	}

	item := IngestItem{
		ID:          id.String(),
		UserID:      accountID,
		Recipient:   recipient,
		Message:     req.Message,
		Priority:    priority,
		Cost:        cost.StringFixed(2),
		ScheduledAt: req.ScheduledAt,
	}
	payload, err := item.Encode()
	if err != nil {
		a.compensate(ctx, accountID, requestID, cost, id.String())
		return Receipt{}, faults.Wrap(faults.KindInternal, err, "submission encode")
	}
	if err := a.buffers.PushIngest(ctx, payload); err != nil {
		a.compensate(ctx, accountID, requestID, cost, id.String())
		return Receipt{}, faults.Wrap(faults.KindInternal, err, "submission enqueue")
	}

	metrics.SubmissionsAccepted.Inc()
	metrics.AcceptDuration.Observe(time.Since(start).Seconds())

	a.log.Debug().
		Int64("account_id", accountID).
		Str("sms_id", id.String()).
		Str("priority", priority).
		Str("cost", cost.StringFixed(2)).
		Dur("duration", time.Since(start)).
		Msg("submission accepted")

	return Receipt{ID: id, Cost: cost, Status: StatusQueued}, nil
}

func (a *Acceptor) reject(ctx context.Context, accountID int64, requestID, reason string) {
	metrics.SubmissionsRejected.WithLabelValues(reason).Inc()
	a.idem.Clear(ctx, accountID, requestID)
}

// compensate unwinds a reservation whose submission never reached the ingest
// buffer, then releases the idempotency token.
func (a *Acceptor) compensate(ctx context.Context, accountID int64, requestID string, cost decimal.Decimal, refID string) {
	metrics.SubmissionsRejected.WithLabelValues("enqueue_error").Inc()
	if err := a.ledger.RefundCancellation(ctx, accountID, cost, refID); err != nil {
		a.log.Error().Err(err).
			Int64("account_id", accountID).
			Str("cost", cost.StringFixed(2)).
			Msg("reservation rollback failed, balance will drift until reconciliation")
	}
	a.idem.Clear(ctx, accountID, requestID)
}
