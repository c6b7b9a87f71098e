// Package rest is the HTTP/JSON surface of the gateway.
//
// Routes:
//
//	POST /api/sms/send                  submit a message (202 on acceptance)
//	GET  /api/sms/messages              list own messages (cursor paginated)
//	GET  /api/sms/messages/{id}         message detail
//	POST /api/sms/messages/{id}/cancel  cancel a queued message
//	GET  /api/sms/statistics            per-account delivery counts
//	GET  /api/credits/balance           working balance and lifetime totals
//	POST /api/credits/charge            add credit
//	GET  /api/credits/transactions      audit trail, newest first
//	GET  /health                        component health (unauthenticated)
//	GET  /metrics                       Prometheus metrics (unauthenticated)
//
// All /api routes authenticate with the X-Api-Key header and are rate
// limited per account. Errors use one envelope: {"error": "...", "code":
// "<kind>"}.
package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parsgate/payamak/internal/durable"
	"github.com/parsgate/payamak/internal/faults"
	"github.com/parsgate/payamak/internal/ledger"
	"github.com/parsgate/payamak/internal/sms"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 200
)

// Handler carries the dependencies behind the authenticated routes.
type Handler struct {
	acceptor     *sms.Acceptor
	messages     *sms.Service
	ledger       *ledger.Ledger
	accounts     *durable.Accounts
	transactions *durable.Transactions
	validate     *validator.Validate
	log          zerolog.Logger
}

// NewHandler wires the REST handlers.
func NewHandler(acceptor *sms.Acceptor, messages *sms.Service, l *ledger.Ledger,
	accounts *durable.Accounts, transactions *durable.Transactions, logger zerolog.Logger) *Handler {
	return &Handler{
		acceptor:     acceptor,
		messages:     messages,
		ledger:       l,
		accounts:     accounts,
		transactions: transactions,
		validate:     validator.New(),
		log:          logger.With().Str("component", "rest").Logger(),
	}
}

// handleSend accepts a submission. 202 means the message is admitted and
// funded; delivery is asynchronous from here.
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(h.log, w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, string(faults.KindInvalidInput), "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, string(faults.KindInvalidInput), validationMessage(err))
		return
	}
	if req.ScheduledAt != nil && !req.ScheduledAt.After(time.Now()) {
		writeError(h.log, w, http.StatusBadRequest, string(faults.KindInvalidInput), "scheduled_at must be in the future")
		return
	}

	receipt, err := h.acceptor.Submit(r.Context(), identity.ID, sms.SubmitRequest{
		Recipient:   req.Recipient,
		Message:     req.Message,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		RequestID:   r.Header.Get("X-Request-ID"),
	})
	if err != nil {
		h.writeFault(w, err)
		return
	}

	writeJSON(h.log, w, http.StatusAccepted, sendResponse{
		Success: true,
		SMSID:   receipt.ID.String(),
		Cost:    receipt.Cost.StringFixed(2),
		Status:  receipt.Status,
	})
}

// handleListMessages pages through the caller's messages, newest first. The
// before_id cursor comes back to the client inside the next link.
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(h.log, w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	q := r.URL.Query()
	status := q.Get("status")

	limit := sms.DefaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(h.log, w, http.StatusBadRequest, string(faults.KindInvalidInput), "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > sms.MaxListLimit {
		limit = sms.MaxListLimit
	}

	beforeID := uuid.Nil
	if raw := q.Get("before_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(h.log, w, http.StatusBadRequest, string(faults.KindInvalidInput), "before_id must be a UUID")
			return
		}
		beforeID = id
	}

	msgs, err := h.messages.List(r.Context(), identity.ID, status, limit, beforeID)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	resp := messageListResponse{Results: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Results = append(resp.Results, toMessageResponse(m))
	}
	if len(msgs) == limit {
		next := pageURL(r.URL.Path, status, limit, msgs[len(msgs)-1].ID.String())
		resp.Next = &next
	}
	if beforeID != uuid.Nil {
		prev := pageURL(r.URL.Path, status, limit, "")
		resp.Previous = &prev
	}

	writeJSON(h.log, w, http.StatusOK, resp)
}

func (h *Handler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(h.log, w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, string(faults.KindInvalidInput), "message id must be a UUID")
		return
	}

	m, err := h.messages.Get(r.Context(), identity.ID, id)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, toMessageResponse(m))
}

func (h *Handler) handleCancelMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(h.log, w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, string(faults.KindInvalidInput), "message id must be a UUID")
		return
	}

	m, err := h.messages.Cancel(r.Context(), identity.ID, id)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, cancelResponse{SMSID: m.ID.String(), Status: sms.StatusCancelled})
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(h.log, w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	stats, err := h.messages.Stats(r.Context(), identity.ID)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, toStatisticsResponse(stats))
}

// handleBalance reports the spendable working balance alongside the durable
// lifetime totals and the unsettled pending amount.
func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(h.log, w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	account, err := h.accounts.GetByID(r.Context(), identity.ID)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), identity.ID)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	pending, err := h.ledger.Pending(r.Context(), identity.ID)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	writeJSON(h.log, w, http.StatusOK, balanceResponse{
		Balance:      balance.StringFixed(2),
		Pending:      pending.StringFixed(2),
		TotalCharged: account.TotalCharged.StringFixed(2),
		TotalSpent:   account.TotalSpent.StringFixed(2),
		Currency:     "credits",
	})
}

func (h *Handler) handleCharge(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(h.log, w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, string(faults.KindInvalidInput), "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, string(faults.KindInvalidInput), validationMessage(err))
		return
	}

	account, err := h.ledger.Charge(r.Context(), identity.ID, req.Amount, req.Description)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, chargeResponse{
		Balance:      account.Balance.StringFixed(2),
		TotalCharged: account.TotalCharged.StringFixed(2),
	})
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(h.log, w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	limit := defaultTransactionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(h.log, w, http.StatusBadRequest, string(faults.KindInvalidInput), "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}

	txs, err := h.transactions.ListByAccount(r.Context(), identity.ID, limit)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	resp := transactionListResponse{Count: len(txs), Results: make([]transactionResponse, 0, len(txs))}
	for _, t := range txs {
		resp.Results = append(resp.Results, toTransactionResponse(t))
	}
	writeJSON(h.log, w, http.StatusOK, resp)
}

// writeFault maps a classified error onto the envelope. Internal details stay
// in the log.
func (h *Handler) writeFault(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	msg := err.Error()
	if kind == faults.KindInternal {
		h.log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeError(h.log, w, kind.HTTPStatus(), string(kind), msg)
}

func writeJSON(log zerolog.Logger, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(log zerolog.Logger, w http.ResponseWriter, status int, code, message string) {
	writeJSON(log, w, status, errorResponse{Error: message, Code: code})
}

// validationMessage flattens a validator error into one caller-readable line.
func validationMessage(err error) string {
	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return "invalid request body"
	}
	fe := errs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fieldName(fe))
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fieldName(fe), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fieldName(fe), fe.Param())
	}
	return fmt.Sprintf("%s is invalid", fieldName(fe))
}

func fieldName(fe validator.FieldError) string {
	// Report the JSON name, not the Go field.
	switch fe.Field() {
	case "Recipient":
		return "recipient"
	case "Message":
		return "message"
	case "Priority":
		return "priority"
	case "ScheduledAt":
		return "scheduled_at"
	case "Amount":
		return "amount"
	case "Description":
		return "description"
	}
	return fe.Field()
}

func pageURL(path, status string, limit int, beforeID string) string {
	v := url.Values{}
	if status != "" {
		v.Set("status", status)
	}
	v.Set("limit", strconv.Itoa(limit))
	if beforeID != "" {
		v.Set("before_id", beforeID)
	}
	return path + "?" + v.Encode()
}
