/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, jwksURL, internalKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Server-to-server endpoints guarded by the internal API key. These are
	// called by the systems that own purchases, refunds, disputes and credits,
	// and by operator tooling.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Post("/ledger/transactions", h.RecordTransactionHandler)
		r.Post("/ledger/transactions/{id}/apply", h.ApplyTransactionHandler)
		r.Post("/ledger/payments", h.CreatePaymentHandler)
		r.Post("/ledger/payments/{id}/submit", h.SubmitPaymentHandler)
		r.Post("/ledger/payments/{id}/mark", h.MarkPaymentHandler)
		r.Post("/ledger/payments/{id}/sync", h.SyncPaymentHandler)
		r.Post("/ledger/reconcile", h.ReconcileHandler)
	})

	// Seller-facing read endpoints behind JWT authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Get("/ledger/balances", h.ListBalancesHandler)
		r.Get("/ledger/balances/{id}", h.GetBalanceHandler)
		r.Get("/ledger/balances/{id}/transactions", h.ListBalanceTransactionsHandler)
		r.Get("/ledger/payments", h.ListPaymentsHandler)
		r.Get("/ledger/payments/{id}", h.GetPaymentHandler)
	})

	return r
}
