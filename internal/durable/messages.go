package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrTerminalState is returned when a cancellation hits a message that has
// already left the cancellable states.
var ErrTerminalState = errors.New("message is not cancellable in its current state")

// Message is the durable submission row. The table is range-partitioned by
// created_at; the primary key (id, created_at) routes rows to their yearly
// partition, so CreatedAt must be populated before insert.
type Message struct {
	ID           uuid.UUID
	AccountID    int64
	Recipient    string
	Body         string
	Priority     string
	Cost         decimal.Decimal
	ScheduledAt  *time.Time
	SentAt       *time.Time
	Status       string
	FailedReason string
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StatusChange is one write-back item: the target status for a message and,
// for failures, the reason.
type StatusChange struct {
	ID     uuid.UUID
	Status string
	Reason string
}

// DispatchRef identifies a message to (re)enqueue onto a dispatch queue.
type DispatchRef struct {
	ID       uuid.UUID
	Priority string
}

// Stats aggregates per-account message counts for the statistics endpoint.
type Stats struct {
	Total     int64
	Sent      int64
	Failed    int64
	Pending   int64
	Cancelled int64
}

// Messages is the repository over the partitioned sms_messages table.
type Messages struct {
	db *sql.DB
}

// NewMessages builds the messages repository.
func NewMessages(db *sql.DB) *Messages {
	return &Messages{db: db}
}

const messageColumns = `id, account_id, recipient, message, priority, cost, scheduled_at, sent_at, status, failed_reason, retry_count, created_at, updated_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.AccountID, &m.Recipient, &m.Body, &m.Priority, &m.Cost,
		&m.ScheduledAt, &m.SentAt, &m.Status, &m.FailedReason, &m.RetryCount,
		&m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// BulkInsert writes a batch of accepted submissions in one statement.
// Conflicting rows (same id and creation time, i.e. a replayed batch) are
// ignored. Returns the number of rows actually inserted.
func (r *Messages) BulkInsert(ctx context.Context, msgs []Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	ib := psql.Insert("sms_messages").
		Columns("id", "account_id", "recipient", "message", "priority", "cost",
			"scheduled_at", "status", "failed_reason", "retry_count", "created_at", "updated_at")
	for _, m := range msgs {
		ib = ib.Values(m.ID, m.AccountID, m.Recipient, m.Body, m.Priority, m.Cost,
			m.ScheduledAt, m.Status, m.FailedReason, m.RetryCount, m.CreatedAt, m.CreatedAt)
	}
	query, args, err := ib.Suffix("ON CONFLICT DO NOTHING").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build bulk insert: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("bulk insert messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ApplyStatusChanges bulk-updates message statuses from the write-back batch.
// Rows already in the terminal cancelled state are never overridden. A change
// to sent stamps sent_at; a change to failed records the reason and consumes
// one unit of retry budget. Returns the number of rows updated.
func (r *Messages) ApplyStatusChanges(ctx context.Context, changes []StatusChange) (int64, error) {
	if len(changes) == 0 {
		return 0, nil
	}

	values := make([]string, 0, len(changes))
	args := make([]interface{}, 0, len(changes)*3)
	for i, c := range changes {
		base := i * 3
		values = append(values, fmt.Sprintf("($%d::uuid, $%d::text, $%d::text)", base+1, base+2, base+3))
		args = append(args, c.ID, c.Status, c.Reason)
	}

	query := `
		UPDATE sms_messages AS m SET
			status        = v.status,
			failed_reason = CASE WHEN v.status = 'failed' THEN v.reason ELSE m.failed_reason END,
			retry_count   = m.retry_count + CASE WHEN v.status = 'failed' THEN 1 ELSE 0 END,
			sent_at       = CASE WHEN v.status = 'sent' THEN NOW() ELSE m.sent_at END,
			updated_at    = NOW()
		FROM (VALUES ` + strings.Join(values, ", ") + `) AS v(id, status, reason)
		WHERE m.id = v.id AND m.status <> 'cancelled'`

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("apply status changes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Get loads one message scoped to its owner.
func (r *Messages) Get(ctx context.Context, accountID int64, id uuid.UUID) (Message, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM sms_messages WHERE id = $1 AND account_id = $2`, id, accountID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// GetAny loads one message without owner scoping. Dispatch workers use it;
// they hold only the message id.
func (r *Messages) GetAny(ctx context.Context, id uuid.UUID) (Message, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM sms_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// List returns an owner's messages newest first. status filters when
// non-empty; beforeID pages further back (ids are time-ordered).
func (r *Messages) List(ctx context.Context, accountID int64, status string, limit int, beforeID uuid.UUID) ([]Message, error) {
	qb := psql.Select(messageColumns).
		From("sms_messages").
		Where(sq.Eq{"account_id": accountID}).
		OrderBy("id DESC").
		Limit(uint64(limit))
	if status != "" {
		qb = qb.Where(sq.Eq{"status": status})
	}
	if beforeID != uuid.Nil {
		qb = qb.Where(sq.Lt{"id": beforeID})
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CancelIfCancellable flips a message to cancelled iff it is still pending or
// queued, returning the cancelled row. ErrTerminalState distinguishes "exists
// but already past the point of no return" from ErrNotFound.
func (r *Messages) CancelIfCancellable(ctx context.Context, accountID int64, id uuid.UUID) (Message, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE sms_messages
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND account_id = $2 AND status IN ('pending', 'queued')
		RETURNING `+messageColumns, id, accountID)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, accountID, id); getErr != nil {
			return Message{}, getErr
		}
		return Message{}, ErrTerminalState
	}
	if err != nil {
		return Message{}, fmt.Errorf("cancel message %s: %w", id, err)
	}
	return m, nil
}

// DueScheduled finds queued messages whose scheduled time has arrived. The
// partial index on (scheduled_at) WHERE status = 'queued' serves this query.
func (r *Messages) DueScheduled(ctx context.Context, now time.Time, limit int) ([]DispatchRef, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, priority FROM sms_messages
		WHERE status = 'queued' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due scheduled: %w", err)
	}
	defer rows.Close()
	return collectRefs(rows)
}

// ClaimFailedForRetry atomically moves failed messages with remaining retry
// budget back to queued and returns them for re-dispatch. The single
// statement prevents two sweep ticks from double-enqueueing the same row.
func (r *Messages) ClaimFailedForRetry(ctx context.Context, maxRetries, limit int) ([]DispatchRef, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE sms_messages
		SET status = 'queued', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM sms_messages
			WHERE status = 'failed' AND retry_count < $1
			LIMIT $2
		)
		RETURNING id, priority`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("claim failed for retry: %w", err)
	}
	defer rows.Close()
	return collectRefs(rows)
}

// StatsFor aggregates an owner's message counts in one pass.
func (r *Messages) StatsFor(ctx context.Context, accountID int64) (Stats, error) {
	var s Stats
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'sent'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE status IN ('pending', 'queued')),
		       COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM sms_messages WHERE account_id = $1`, accountID).
		Scan(&s.Total, &s.Sent, &s.Failed, &s.Pending, &s.Cancelled)
	if err != nil {
		return Stats{}, fmt.Errorf("message stats: %w", err)
	}
	return s, nil
}

func collectRefs(rows *sql.Rows) ([]DispatchRef, error) {
	var refs []DispatchRef
	for rows.Next() {
		var ref DispatchRef
		if err := rows.Scan(&ref.ID, &ref.Priority); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
