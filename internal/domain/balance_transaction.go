package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// CausalKind names the business event that justifies a balance transaction.
type CausalKind string

const (
	CausalPurchase CausalKind = "purchase"
	CausalRefund   CausalKind = "refund"
	CausalDispute  CausalKind = "dispute"
	CausalCredit   CausalKind = "credit"
)

// ErrCausalCardinality is returned when a balance transaction is constructed
// with zero or more than one causal entity. This is a hard validation rule,
// not a convention; such a row is never persisted.
var ErrCausalCardinality = errors.New("exactly one of purchase, refund, dispute or credit must be set")

// CausalEntity carries the identity and date capabilities of the purchase,
// refund, dispute or credit behind a balance transaction. Exactly one of the
// four id pointers must be set.
//
// OccurredOn is the settlement/creation/formalization date of the entity and
// is what a freshly created bucket gets keyed on. ReferenceDate, when present,
// is the date bucket selection should prefer: the original purchase's
// settlement date for refunds and pinned credits, or the dispute-type-specific
// reference date for disputes. How that date is computed is the caller's
// business; the ledger treats it as opaque.
type CausalEntity struct {
	PurchaseID    *uuid.UUID `json:"purchase_id,omitempty"`
	RefundID      *uuid.UUID `json:"refund_id,omitempty"`
	DisputeID     *uuid.UUID `json:"dispute_id,omitempty"`
	CreditID      *uuid.UUID `json:"credit_id,omitempty"`
	OccurredOn    time.Time  `json:"occurred_on"`
	ReferenceDate *time.Time `json:"reference_date,omitempty"`
}

// Kind returns which causal entity is set, or ErrCausalCardinality if the
// exactly-one rule is violated.
func (c CausalEntity) Kind() (CausalKind, error) {
	var kind CausalKind
	count := 0
	if c.PurchaseID != nil {
		kind = CausalPurchase
		count++
	}
	if c.RefundID != nil {
		kind = CausalRefund
		count++
	}
	if c.DisputeID != nil {
		kind = CausalDispute
		count++
	}
	if c.CreditID != nil {
		kind = CausalCredit
		count++
	}
	if count != 1 {
		return "", ErrCausalCardinality
	}
	return kind, nil
}

// BalanceTransaction is one immutable ledger entry. Every field is fixed at
// construction except BalanceID, which is written exactly once after the
// target balance has been resolved.
type BalanceTransaction struct {
	ID                uuid.UUID  `json:"id"`
	UserID            uuid.UUID  `json:"user_id"`
	MerchantAccountID uuid.UUID  `json:"merchant_account_id"`
	PurchaseID        *uuid.UUID `json:"purchase_id,omitempty"`
	RefundID          *uuid.UUID `json:"refund_id,omitempty"`
	DisputeID         *uuid.UUID `json:"dispute_id,omitempty"`
	CreditID          *uuid.UUID `json:"credit_id,omitempty"`
	OccurredOn        time.Time  `json:"occurred_on"`
	ReferenceDate     *time.Time `json:"reference_date,omitempty"`
	IssuedAmount      Amount     `json:"issued_amount"`
	HoldingAmount     Amount     `json:"holding_amount"`
	BalanceID         *uuid.UUID `json:"balance_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Causal reconstructs the causal entity view of a stored ledger entry.
func (t *BalanceTransaction) Causal() CausalEntity {
	return CausalEntity{
		PurchaseID:    t.PurchaseID,
		RefundID:      t.RefundID,
		DisputeID:     t.DisputeID,
		CreditID:      t.CreditID,
		OccurredOn:    t.OccurredOn,
		ReferenceDate: t.ReferenceDate,
	}
}

// NewBalanceTransaction is the input for creating a ledger entry.
type NewBalanceTransaction struct {
	UserID            uuid.UUID    `json:"user_id"`
	MerchantAccountID uuid.UUID    `json:"merchant_account_id"`
	Causal            CausalEntity `json:"causal"`
	IssuedAmount      Amount       `json:"issued_amount"`
	HoldingAmount     Amount       `json:"holding_amount"`
	// ApplyToBalance false defers balance application, used by callers that
	// need balance selection to stay outside a larger ambient transaction.
	ApplyToBalance bool `json:"apply_to_balance"`
}
