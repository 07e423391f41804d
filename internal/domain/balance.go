package domain

import (
	"time"

	"github.com/google/uuid"
)

// BalanceState is the lifecycle state of a balance bucket.
type BalanceState string

const (
	BalanceUnpaid BalanceState = "unpaid"
	BalancePaid   BalanceState = "paid"
)

// BalanceKey identifies the aggregation bucket a balance transaction
// contributes to. Currency is the issued-side currency; HoldingCurrency is
// the merchant account's currency.
type BalanceKey struct {
	UserID            uuid.UUID
	MerchantAccountID uuid.UUID
	Currency          string
	HoldingCurrency   string
}

// Balance is a per-(user, merchant account, currency pair, date) accumulator.
// It maps directly to the `balances` table. Totals are only ever mutated
// through the repository's locked increment path; there is no setter here.
type Balance struct {
	ID                 uuid.UUID    `json:"id"`
	UserID             uuid.UUID    `json:"user_id"`
	MerchantAccountID  uuid.UUID    `json:"merchant_account_id"`
	Currency           string       `json:"currency"`
	HoldingCurrency    string       `json:"holding_currency"`
	Date               time.Time    `json:"date"`
	State              BalanceState `json:"state"`
	AmountCents        int64        `json:"amount_cents"`         // net issued total, in Currency
	HoldingAmountCents int64        `json:"holding_amount_cents"` // net holding total, in HoldingCurrency
	PaymentID          *uuid.UUID   `json:"payment_id,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Key returns the bucket key of this balance.
func (b *Balance) Key() BalanceKey {
	return BalanceKey{
		UserID:            b.UserID,
		MerchantAccountID: b.MerchantAccountID,
		Currency:          b.Currency,
		HoldingCurrency:   b.HoldingCurrency,
	}
}

// BucketDate truncates a timestamp to the UTC calendar date used as the
// balance bucket key.
func BucketDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
