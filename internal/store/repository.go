/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the ledger-service. By defining an interface,
 * we decouple the ledger's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sellermint/ledger-service/internal/domain"
)

// TransitionPaymentParams describes one atomic payment state swap and the
// balance flip it carries. From/To are enforced with a conditional update so
// a concurrent transition loses cleanly instead of clobbering state.
type TransitionPaymentParams struct {
	PaymentID     uuid.UUID
	From          domain.PaymentState
	To            domain.PaymentState
	FailureReason *string
	// BalanceState, when set, flips every balance owned by the payment to
	// that state inside the same transaction, serialized through each row's
	// exclusive lock. Flipping to unpaid also detaches the balances so a
	// later payment can pick them up again.
	BalanceState *domain.BalanceState
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Balance bucket selection. The selection reads run against the primary
	// node and outside any transaction; locking happens later, in
	// ApplyBalanceDelta.
	FindUnpaidBalanceByDate(ctx context.Context, key domain.BalanceKey, date time.Time) (*domain.Balance, error)
	FindEarliestUnpaidBalance(ctx context.Context, key domain.BalanceKey) (*domain.Balance, error)
	CreateBalance(ctx context.Context, balance *domain.Balance) error
	GetBalance(ctx context.Context, balanceID uuid.UUID) (*domain.Balance, error)
	ListBalancesByUser(ctx context.Context, userID uuid.UUID, state *domain.BalanceState, limit int) ([]domain.Balance, error)

	// ApplyBalanceDelta locks the balance row, verifies it is still an
	// unpaid, unattached bucket, applies both increments and writes the
	// transaction's balance_id, all in one transaction scope.
	ApplyBalanceDelta(ctx context.Context, balanceID, transactionID uuid.UUID, issuedNetCents, holdingNetCents int64) (*domain.Balance, error)

	// Balance transaction methods.
	CreateBalanceTransaction(ctx context.Context, tx *domain.BalanceTransaction) error
	GetBalanceTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.BalanceTransaction, error)
	ListBalanceTransactionsByBalance(ctx context.Context, balanceID uuid.UUID) ([]domain.BalanceTransaction, error)

	// Payment methods.
	CreatePayment(ctx context.Context, payment *domain.Payment, balanceIDs []uuid.UUID) error
	GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	ListPaymentsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Payment, error)
	ListReconcilablePayments(ctx context.Context, limit int) ([]domain.Payment, error)
	FindPaymentByTransferID(ctx context.Context, transferID string) (*domain.Payment, error)
	FindPaymentByCorrelationID(ctx context.Context, correlationID string) (*domain.Payment, error)
	TransitionPayment(ctx context.Context, params TransitionPaymentParams) error
	SetPaymentProcessorRefs(ctx context.Context, paymentID uuid.UUID, transferID, correlationID *string) error
	RecordPaymentReconcileError(ctx context.Context, paymentID uuid.UUID, message string) error
	TouchPaymentReconciled(ctx context.Context, paymentID uuid.UUID) error
}
