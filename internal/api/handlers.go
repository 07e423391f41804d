/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sellermint/ledger-service/internal/app"
	"github.com/sellermint/ledger-service/internal/domain"
	"github.com/sellermint/ledger-service/internal/store"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service *app.Service
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{service: service}
}

// RecordTransactionHandler records a new ledger entry and, unless deferred,
// applies it to a balance bucket. Called service-to-service by the systems
// that own purchases, refunds, disputes and credits.
func (h *LedgerHandlers) RecordTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.NewBalanceTransaction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	txn, err := h.service.RecordBalanceTransaction(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrCausalCardinality) {
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		var resErr *app.BalanceResolutionError
		if errors.As(err, &resErr) {
			log.Printf("level=error component=api endpoint=record_transaction msg=\"balance resolution failed\" transaction_id=%s err=%v", resErr.BalanceTransactionID, err)
			h.writeJSON(w, http.StatusConflict, map[string]string{
				"error":                  "transaction recorded but could not be applied to a balance",
				"balance_transaction_id": resErr.BalanceTransactionID.String(),
			})
			return
		}
		log.Printf("level=error component=api endpoint=record_transaction err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to record transaction")
		return
	}

	h.writeJSON(w, http.StatusCreated, txn)
}

// ApplyTransactionHandler re-drives bucket application for a recorded entry,
// either one recorded with deferred application or one whose earlier attempt
// was reported back as a conflict.
func (h *LedgerHandlers) ApplyTransactionHandler(w http.ResponseWriter, r *http.Request) {
	transactionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	txn, err := h.service.ApplyBalanceTransaction(r.Context(), transactionID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrBalanceTransactionNotFound):
			h.writeError(w, http.StatusNotFound, "Transaction not found")
		case errors.Is(err, store.ErrBalanceStateChanged):
			h.writeError(w, http.StatusConflict, "Balance bucket contended, retry the application")
		default:
			log.Printf("level=error component=api endpoint=apply_transaction transaction_id=%s err=%v", transactionID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to apply transaction")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, txn)
}

// CreatePaymentHandler builds a payout batch over a set of unpaid balances.
func (h *LedgerHandlers) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.NewPayment
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	payment, err := h.service.CreatePayment(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrBalanceNotFound):
			h.writeError(w, http.StatusNotFound, "One or more balance buckets do not exist")
		case errors.Is(err, store.ErrBalanceNotPayable):
			h.writeError(w, http.StatusConflict, "One or more balance buckets are not payable")
		case errors.Is(err, store.ErrCurrencyMismatch):
			h.writeError(w, http.StatusUnprocessableEntity, "Balance buckets carry mixed holding currencies")
		default:
			log.Printf("level=error component=api endpoint=create_payment err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Unable to create payment")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, payment)
}

// SubmitPaymentHandler hands a creating payment to the payout processor.
func (h *LedgerHandlers) SubmitPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.paymentIDFromURL(w, r)
	if !ok {
		return
	}

	payment, err := h.service.SubmitPayment(r.Context(), paymentID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPaymentNotFound):
			h.writeError(w, http.StatusNotFound, "Payment not found")
		case errors.Is(err, store.ErrPaymentStateConflict):
			h.writeError(w, http.StatusConflict, "Payment is not in a submittable state")
		default:
			log.Printf("level=error component=api endpoint=submit_payment payment_id=%s err=%v", paymentID, err)
			h.writeError(w, http.StatusBadGateway, "Payout submission failed")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

type markPaymentRequest struct {
	Event  string `json:"event"`
	Reason string `json:"reason,omitempty"`
}

// MarkPaymentHandler drives one payout lifecycle event, typically from a
// processor webhook relay.
func (h *LedgerHandlers) MarkPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.paymentIDFromURL(w, r)
	if !ok {
		return
	}

	var req markPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.Event == "" {
		h.writeError(w, http.StatusBadRequest, "event is required")
		return
	}

	payment, err := h.service.Mark(r.Context(), paymentID, app.Event(req.Event), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPaymentNotFound):
			h.writeError(w, http.StatusNotFound, "Payment not found")
		case errors.Is(err, app.ErrInvalidTransition):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, store.ErrPaymentStateConflict):
			h.writeError(w, http.StatusConflict, "Payment state changed concurrently")
		default:
			log.Printf("level=error component=api endpoint=mark_payment payment_id=%s event=%s err=%v", paymentID, req.Event, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to mark payment")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

// SyncPaymentHandler reconciles one payment against the processor's view.
func (h *LedgerHandlers) SyncPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.paymentIDFromURL(w, r)
	if !ok {
		return
	}

	payment, err := h.service.SyncWithProcessor(r.Context(), paymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			h.writeError(w, http.StatusNotFound, "Payment not found")
			return
		}
		log.Printf("level=error component=api endpoint=sync_payment payment_id=%s err=%v", paymentID, err)
		h.writeError(w, http.StatusBadGateway, "Unable to sync payment with processor")
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

// ReconcileHandler runs one reconciliation sweep on demand.
func (h *LedgerHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.ReconcilePendingPayments(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconcile sweep failed")
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// ListBalancesHandler returns the authenticated seller's balance buckets.
func (h *LedgerHandlers) ListBalancesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	var state *domain.BalanceState
	if raw := r.URL.Query().Get("state"); raw != "" {
		s := domain.BalanceState(raw)
		if s != domain.BalanceUnpaid && s != domain.BalancePaid {
			h.writeError(w, http.StatusBadRequest, "Invalid state filter")
			return
		}
		state = &s
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 50)

	balances, err := h.service.ListBalances(r.Context(), userID, state, limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_balances user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list balances")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"balances": balances})
}

// GetBalanceHandler returns one balance bucket owned by the caller.
func (h *LedgerHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	balanceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid balance id")
		return
	}

	balance, err := h.service.GetBalance(r.Context(), balanceID)
	if err != nil {
		if errors.Is(err, store.ErrBalanceNotFound) {
			h.writeError(w, http.StatusNotFound, "Balance not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_balance balance_id=%s err=%v", balanceID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch balance")
		return
	}
	if balance.UserID != userID {
		h.writeError(w, http.StatusNotFound, "Balance not found")
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

// ListBalanceTransactionsHandler returns the entries applied to one bucket.
func (h *LedgerHandlers) ListBalanceTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	balanceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid balance id")
		return
	}

	balance, err := h.service.GetBalance(r.Context(), balanceID)
	if err != nil {
		if errors.Is(err, store.ErrBalanceNotFound) {
			h.writeError(w, http.StatusNotFound, "Balance not found")
			return
		}
		log.Printf("level=error component=api endpoint=list_balance_transactions balance_id=%s err=%v", balanceID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch balance")
		return
	}
	if balance.UserID != userID {
		h.writeError(w, http.StatusNotFound, "Balance not found")
		return
	}

	entries, err := h.service.ListBalanceTransactions(r.Context(), balanceID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_balance_transactions balance_id=%s err=%v", balanceID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list transactions")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": entries})
}

// ListPaymentsHandler returns the authenticated seller's payments.
func (h *LedgerHandlers) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 50)

	payments, err := h.service.ListPayments(r.Context(), userID, limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_payments user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list payments")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"payments": payments})
}

// GetPaymentHandler returns one payment owned by the caller.
func (h *LedgerHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}
	paymentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment id")
		return
	}

	payment, err := h.service.GetPayment(r.Context(), paymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			h.writeError(w, http.StatusNotFound, "Payment not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_payment payment_id=%s err=%v", paymentID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch payment")
		return
	}
	if payment.UserID != userID {
		h.writeError(w, http.StatusNotFound, "Payment not found")
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

func (h *LedgerHandlers) authenticatedUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	subject, ok := GetAuthSubject(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(subject)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_subject subject=%s", subject)
		http.Error(w, "Invalid user ID format", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return userID, true
}

func (h *LedgerHandlers) paymentIDFromURL(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	paymentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment id")
		return uuid.Nil, false
	}
	return paymentID, true
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
