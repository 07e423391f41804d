package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentProcessor identifies the payout rail a payment is executed through.
type PaymentProcessor string

const (
	// ProcessorBank is a push rail: funds land without payee action.
	ProcessorBank PaymentProcessor = "bank"
	// ProcessorPayPal is a claim rail: the payee may have to claim the
	// payout, which is where the unclaimed state comes from.
	ProcessorPayPal PaymentProcessor = "paypal"
)

// PaymentState is one of the payout state machine's states.
type PaymentState string

const (
	PaymentCreating   PaymentState = "creating"
	PaymentProcessing PaymentState = "processing"
	PaymentUnclaimed  PaymentState = "unclaimed"
	PaymentCompleted  PaymentState = "completed"
	PaymentFailed     PaymentState = "failed"
	PaymentCancelled  PaymentState = "cancelled"
	PaymentReversed   PaymentState = "reversed"
	PaymentReturned   PaymentState = "returned"
)

// Terminal reports whether the state ends the payout's own progress.
// completed is terminal-adjacent: a completed payment on a push rail can
// still bounce into returned.
func (s PaymentState) Terminal() bool {
	switch s {
	case PaymentCompleted, PaymentFailed, PaymentCancelled, PaymentReversed, PaymentReturned:
		return true
	}
	return false
}

// Payment is a payout batch over a set of unpaid balances.
type Payment struct {
	ID            uuid.UUID        `json:"id"`
	UserID        uuid.UUID        `json:"user_id"`
	BankAccountID *uuid.UUID       `json:"bank_account_id,omitempty"`
	PayeeEmail    *string          `json:"payee_email,omitempty"`
	Processor     PaymentProcessor `json:"processor"`
	State         PaymentState     `json:"state"`
	AmountCents   int64            `json:"amount_cents"`
	Currency      string           `json:"currency"`
	// TransferID and CorrelationID are the processor's identifiers for this
	// payout, used to reconcile asynchronously.
	TransferID         *string    `json:"transfer_id,omitempty"`
	CorrelationID      *string    `json:"correlation_id,omitempty"`
	FailureReason      *string    `json:"failure_reason,omitempty"`
	SplitMode          bool       `json:"split_mode"`
	LastReconcileError *string    `json:"last_reconcile_error,omitempty"`
	LastReconciledAt   *time.Time `json:"last_reconciled_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewPayment is the input for creating a payout batch.
type NewPayment struct {
	UserID        uuid.UUID        `json:"user_id"`
	BankAccountID *uuid.UUID       `json:"bank_account_id,omitempty"`
	PayeeEmail    *string          `json:"payee_email,omitempty"`
	Processor     PaymentProcessor `json:"processor"`
	BalanceIDs    []uuid.UUID      `json:"balance_ids"`
	SplitMode     bool             `json:"split_mode"`
}

// ReconcileSummary reports what one reconciliation sweep did.
type ReconcileSummary struct {
	Scanned   int `json:"scanned"`
	Skipped   int `json:"skipped"`
	Advanced  int `json:"advanced"`
	Unchanged int `json:"unchanged"`
	Errored   int `json:"errored"`
}
