package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCausalEntityKind_ExactlyOne(t *testing.T) {
	id := uuid.New()

	cases := []struct {
		name   string
		causal CausalEntity
		want   CausalKind
	}{
		{"purchase", CausalEntity{PurchaseID: &id}, CausalPurchase},
		{"refund", CausalEntity{RefundID: &id}, CausalRefund},
		{"dispute", CausalEntity{DisputeID: &id}, CausalDispute},
		{"credit", CausalEntity{CreditID: &id}, CausalCredit},
	}
	for _, tc := range cases {
		kind, err := tc.causal.Kind()
		if err != nil {
			t.Fatalf("%s: expected nil error, got %v", tc.name, err)
		}
		if kind != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, kind)
		}
	}
}

func TestCausalEntityKind_RejectsZeroAndMultiple(t *testing.T) {
	id := uuid.New()

	if _, err := (CausalEntity{}).Kind(); !errors.Is(err, ErrCausalCardinality) {
		t.Fatalf("expected ErrCausalCardinality for no cause, got %v", err)
	}
	if _, err := (CausalEntity{PurchaseID: &id, CreditID: &id}).Kind(); !errors.Is(err, ErrCausalCardinality) {
		t.Fatalf("expected ErrCausalCardinality for two causes, got %v", err)
	}
}

func TestBalanceTransactionCausal_RoundTrips(t *testing.T) {
	refundID := uuid.New()
	refDate := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	txn := BalanceTransaction{
		RefundID:      &refundID,
		OccurredOn:    time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
		ReferenceDate: &refDate,
	}

	causal := txn.Causal()
	kind, err := causal.Kind()
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if kind != CausalRefund {
		t.Fatalf("expected refund, got %s", kind)
	}
	if causal.ReferenceDate == nil || !causal.ReferenceDate.Equal(refDate) {
		t.Fatal("expected reference date to survive the round trip")
	}
}

func TestBucketDate_TruncatesToUTCDate(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}

	// 23:30 New York on March 14 is already March 15 in UTC.
	local := time.Date(2026, 3, 14, 23, 30, 0, 0, ny)
	got := BucketDate(local)
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got.Hour() != 0 || got.Minute() != 0 || got.Second() != 0 {
		t.Fatal("expected time-of-day to be truncated")
	}
}

func TestPaymentStateTerminal(t *testing.T) {
	terminal := []PaymentState{PaymentCompleted, PaymentFailed, PaymentCancelled, PaymentReversed, PaymentReturned}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	for _, s := range []PaymentState{PaymentCreating, PaymentProcessing, PaymentUnclaimed} {
		if s.Terminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}
