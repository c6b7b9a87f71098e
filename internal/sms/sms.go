// Package sms holds the submission domain: priorities, the status machine,
// input validation, cost calculation, and the wire payloads staged through
// the hot-store buffers.
package sms

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parsgate/payamak/internal/faults"
)

// Message priorities. Express costs more and drains from its own queue.
const (
	PriorityNormal  = "normal"
	PriorityExpress = "express"
)

// Submission statuses.
//
// Lifecycle: pending -> queued -> sending -> sent | failed, with cancelled
// reachable from pending and queued only. cancelled is terminal; the status
// write-back refuses to overwrite it.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// MaxBodyLength is the longest accepted message body.
const MaxBodyLength = 1000

// ValidStatus reports whether s is one of the submission statuses. Used to
// vet list filters before they reach the durable store.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusQueued, StatusSending, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NormalizeRecipient strips spaces and hyphens, then enforces the local
// mobile format: digits only, length 11, prefix 09.
func NormalizeRecipient(raw string) (string, error) {
	r := strings.NewReplacer(" ", "", "-", "").Replace(raw)
	if len(r) != 11 {
		return "", faults.New(faults.KindInvalidInput, "recipient must be 11 digits, got %d", len(r))
	}
	for _, c := range r {
		if c < '0' || c > '9' {
			return "", faults.New(faults.KindInvalidInput, "recipient must contain digits only")
		}
	}
	if !strings.HasPrefix(r, "09") {
		return "", faults.New(faults.KindInvalidInput, "recipient must start with 09")
	}
	return r, nil
}

// ValidateBody enforces the 1..1000 character bound.
func ValidateBody(body string) error {
	if body == "" {
		return faults.New(faults.KindInvalidInput, "message body is required")
	}
	if len([]rune(body)) > MaxBodyLength {
		return faults.New(faults.KindInvalidInput, "message body exceeds %d characters", MaxBodyLength)
	}
	return nil
}

// CoercePriority maps the request value onto one of the two priorities.
// Empty defaults to normal.
func CoercePriority(raw string) (string, error) {
	switch raw {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityExpress:
		return PriorityExpress, nil
	}
	return "", faults.New(faults.KindInvalidInput, "priority must be %q or %q", PriorityNormal, PriorityExpress)
}

// CostOf prices one submission: base for normal, base times the multiplier
// for express.
func CostOf(priority string, base, expressMultiplier decimal.Decimal) decimal.Decimal {
	if priority == PriorityExpress {
		return base.Mul(expressMultiplier)
	}
	return base
}

// IngestItem is the serialized form staged on the ingest buffer between the
// acceptor and the batcher. Cost travels as a string to keep exact decimal
// semantics across the buffer.
type IngestItem struct {
	ID          string     `json:"id"`
	UserID      int64      `json:"user_id"`
	Recipient   string     `json:"recipient"`
	Message     string     `json:"message"`
	Priority    string     `json:"priority"`
	Cost        string     `json:"cost"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// StatusItem is the serialized form staged on the status buffer between the
// dispatch workers and the write-back flusher.
type StatusItem struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Encode marshals the item for the buffer.
func (i IngestItem) Encode() ([]byte, error) { return json.Marshal(i) }

// Encode marshals the item for the buffer.
func (i StatusItem) Encode() ([]byte, error) { return json.Marshal(i) }
