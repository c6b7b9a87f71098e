package rest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/parsgate/payamak/internal/durable"
	"github.com/parsgate/payamak/internal/sms"
)

// sendRequest is the POST /api/sms/send body. Shape checks live in the
// validator tags; domain rules (phone normalization, priority coercion) run
// inside the admission path.
type sendRequest struct {
	Recipient   string     `json:"recipient" validate:"required"`
	Message     string     `json:"message" validate:"required"`
	Priority    string     `json:"priority" validate:"omitempty,oneof=normal express"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	SMSID   string `json:"sms_id"`
	Cost    string `json:"cost"`
	Status  string `json:"status"`
}

// chargeRequest is the POST /api/credits/charge body. Positivity is a
// domain rule, enforced by the ledger.
type chargeRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"omitempty,max=255"`
}

type chargeResponse struct {
	Balance      string `json:"balance"`
	TotalCharged string `json:"total_charged"`
}

type balanceResponse struct {
	Balance      string `json:"balance"`
	Pending      string `json:"pending"`
	TotalCharged string `json:"total_charged"`
	TotalSpent   string `json:"total_spent"`
	Currency     string `json:"currency"`
}

type cancelResponse struct {
	SMSID  string `json:"sms_id"`
	Status string `json:"status"`
}

type statisticsResponse struct {
	Total       int64   `json:"total"`
	Sent        int64   `json:"sent"`
	Failed      int64   `json:"failed"`
	Pending     int64   `json:"pending"`
	Cancelled   int64   `json:"cancelled"`
	SuccessRate float64 `json:"success_rate"`
}

type messageResponse struct {
	SMSID        string     `json:"sms_id"`
	Recipient    string     `json:"recipient"`
	Message      string     `json:"message"`
	Priority     string     `json:"priority"`
	Status       string     `json:"status"`
	Cost         string     `json:"cost"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	FailedReason string     `json:"failed_reason,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

type messageListResponse struct {
	Next     *string           `json:"next"`
	Previous *string           `json:"previous"`
	Results  []messageResponse `json:"results"`
}

type transactionResponse struct {
	ID            int64     `json:"id"`
	Kind          string    `json:"kind"`
	Amount        string    `json:"amount"`
	BalanceBefore string    `json:"balance_before"`
	BalanceAfter  string    `json:"balance_after"`
	Description   string    `json:"description,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type transactionListResponse struct {
	Count   int                   `json:"count"`
	Results []transactionResponse `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func toMessageResponse(m durable.Message) messageResponse {
	return messageResponse{
		SMSID:        m.ID.String(),
		Recipient:    m.Recipient,
		Message:      m.Body,
		Priority:     m.Priority,
		Status:       m.Status,
		Cost:         m.Cost.StringFixed(2),
		ScheduledAt:  m.ScheduledAt,
		SentAt:       m.SentAt,
		FailedReason: m.FailedReason,
		RetryCount:   m.RetryCount,
		CreatedAt:    m.CreatedAt,
	}
}

func toStatisticsResponse(s sms.Statistics) statisticsResponse {
	return statisticsResponse{
		Total:       s.Total,
		Sent:        s.Sent,
		Failed:      s.Failed,
		Pending:     s.Pending,
		Cancelled:   s.Cancelled,
		SuccessRate: s.SuccessRate,
	}
}

func toTransactionResponse(t durable.Transaction) transactionResponse {
	return transactionResponse{
		ID:            t.ID,
		Kind:          t.Kind,
		Amount:        t.Amount.StringFixed(2),
		BalanceBefore: t.BalanceBefore.StringFixed(2),
		BalanceAfter:  t.BalanceAfter.StringFixed(2),
		Description:   t.Description,
		ReferenceID:   t.ReferenceID,
		CreatedAt:     t.CreatedAt,
	}
}
