package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sellermint/ledger-service/internal/domain"
	"github.com/sellermint/ledger-service/pkg/payoutclient"
)

type processorStub struct {
	status    *payoutclient.TransferStatus
	statusErr error

	getCalls    int
	searchCalls int
}

func (p *processorStub) SubmitBankTransfer(ctx context.Context, bankAccountID, currency, reference string, amountCents int64) (*payoutclient.SubmitResponse, error) {
	return nil, errors.New("not implemented")
}

func (p *processorStub) SubmitClaimPayout(ctx context.Context, payeeEmail, currency, correlationID string, amountCents int64) (*payoutclient.SubmitResponse, error) {
	return nil, errors.New("not implemented")
}

func (p *processorStub) GetTransferStatus(ctx context.Context, transferID string, amountCents int64) (*payoutclient.TransferStatus, error) {
	p.getCalls++
	return p.status, p.statusErr
}

func (p *processorStub) SearchClaimPayout(ctx context.Context, correlationID, payeeEmail string, amountCents int64, window time.Duration) (*payoutclient.TransferStatus, error) {
	p.searchCalls++
	return p.status, p.statusErr
}

type reconcileRepoStub struct {
	fsmRepoStub

	reconcilable []domain.Payment

	recordedErrors []string
	touched        int
}

func (s *reconcileRepoStub) ListReconcilablePayments(ctx context.Context, limit int) ([]domain.Payment, error) {
	return s.reconcilable, nil
}

func (s *reconcileRepoStub) RecordPaymentReconcileError(ctx context.Context, paymentID uuid.UUID, message string) error {
	s.recordedErrors = append(s.recordedErrors, message)
	return nil
}

func (s *reconcileRepoStub) TouchPaymentReconciled(ctx context.Context, paymentID uuid.UUID) error {
	s.touched++
	return nil
}

func (s *reconcileRepoStub) SetPaymentProcessorRefs(ctx context.Context, paymentID uuid.UUID, transferID, correlationID *string) error {
	if transferID != nil {
		s.payment.TransferID = transferID
	}
	if correlationID != nil {
		s.payment.CorrelationID = correlationID
	}
	return nil
}

type leaseStub struct {
	available bool
	acquired  int
	released  int
}

func (l *leaseStub) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.acquired++
	return l.available, nil
}

func (l *leaseStub) Release(ctx context.Context, key string) error {
	l.released++
	return nil
}

func bankPaymentInFlight() *domain.Payment {
	transferID := "tr_8842"
	return &domain.Payment{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Processor:   domain.ProcessorBank,
		State:       domain.PaymentProcessing,
		AmountCents: 50000,
		Currency:    "USD",
		TransferID:  &transferID,
	}
}

func TestSyncWithProcessor_UnknownPayoutFailsPayment(t *testing.T) {
	repo := &reconcileRepoStub{}
	repo.payment = bankPaymentInFlight()
	processor := &processorStub{status: &payoutclient.TransferStatus{Found: false}}
	svc := NewService(repo, processor, nil, nil, time.Hour, 100, time.Minute)

	updated, err := svc.SyncWithProcessor(context.Background(), repo.payment.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if updated.State != domain.PaymentFailed {
		t.Fatalf("expected failed, got %s", updated.State)
	}
	if repo.transition.FailureReason == nil || *repo.transition.FailureReason != "payout not found at processor" {
		t.Fatal("expected the not-found reason to be recorded")
	}
}

func TestSyncWithProcessor_CompletedStatusAdvancesPayment(t *testing.T) {
	repo := &reconcileRepoStub{}
	repo.payment = bankPaymentInFlight()
	processor := &processorStub{status: &payoutclient.TransferStatus{Found: true, Status: "completed"}}
	svc := NewService(repo, processor, nil, nil, time.Hour, 100, time.Minute)

	updated, err := svc.SyncWithProcessor(context.Background(), repo.payment.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if updated.State != domain.PaymentCompleted {
		t.Fatalf("expected completed, got %s", updated.State)
	}
	if repo.touched == 0 {
		t.Fatal("expected the reconcile timestamp to be touched")
	}
}

func TestSyncWithProcessor_MatchingStatusLeavesPaymentUnchanged(t *testing.T) {
	repo := &reconcileRepoStub{}
	repo.payment = bankPaymentInFlight()
	processor := &processorStub{status: &payoutclient.TransferStatus{Found: true, Status: "processing"}}
	svc := NewService(repo, processor, nil, nil, time.Hour, 100, time.Minute)

	updated, err := svc.SyncWithProcessor(context.Background(), repo.payment.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if updated.State != domain.PaymentProcessing {
		t.Fatalf("expected processing, got %s", updated.State)
	}
	if repo.transitionCalled {
		t.Fatal("did not expect a transition when states already agree")
	}
}

func TestSyncWithProcessor_ProcessorErrorIsRecorded(t *testing.T) {
	repo := &reconcileRepoStub{}
	repo.payment = bankPaymentInFlight()
	boom := errors.New("processor unavailable")
	processor := &processorStub{statusErr: boom}
	svc := NewService(repo, processor, nil, nil, time.Hour, 100, time.Minute)

	_, err := svc.SyncWithProcessor(context.Background(), repo.payment.ID)
	if !errors.Is(err, boom) {
		t.Fatalf("expected processor error to propagate, got %v", err)
	}
	if len(repo.recordedErrors) != 1 {
		t.Fatalf("expected one recorded reconcile error, got %d", len(repo.recordedErrors))
	}
}

func TestSyncWithProcessor_ClaimRailSearchesByCorrelation(t *testing.T) {
	correlationID := "corr_19"
	payeeEmail := "seller@example.com"
	repo := &reconcileRepoStub{}
	repo.payment = &domain.Payment{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		Processor:     domain.ProcessorPayPal,
		State:         domain.PaymentProcessing,
		AmountCents:   50000,
		Currency:      "USD",
		CorrelationID: &correlationID,
		PayeeEmail:    &payeeEmail,
	}
	processor := &processorStub{status: &payoutclient.TransferStatus{Found: true, Status: "unclaimed", TransferID: "tr_late"}}
	svc := NewService(repo, processor, nil, nil, time.Hour, 100, time.Minute)

	updated, err := svc.SyncWithProcessor(context.Background(), repo.payment.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if processor.searchCalls != 1 {
		t.Fatalf("expected one claim search, got %d", processor.searchCalls)
	}
	if updated.State != domain.PaymentUnclaimed {
		t.Fatalf("expected unclaimed, got %s", updated.State)
	}
	if repo.payment.TransferID == nil || *repo.payment.TransferID != "tr_late" {
		t.Fatal("expected the late-assigned transfer id to be recorded")
	}
}

func TestReconcilePendingPayments_SkipsTickWithoutLease(t *testing.T) {
	repo := &reconcileRepoStub{reconcilable: []domain.Payment{*bankPaymentInFlight()}}
	lease := &leaseStub{available: false}
	svc := NewService(repo, &processorStub{}, nil, lease, time.Hour, 100, time.Minute)

	summary, err := svc.ReconcilePendingPayments(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if summary.Scanned != 0 {
		t.Fatalf("expected nothing scanned without the lease, got %d", summary.Scanned)
	}
	if lease.released != 0 {
		t.Fatal("did not expect a release for a lease that was never acquired")
	}
}

func TestReconcilePendingPayments_SummarizesSweep(t *testing.T) {
	inFlight := bankPaymentInFlight()
	unsubmitted := &domain.Payment{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Processor: domain.ProcessorBank,
		State:     domain.PaymentCreating,
	}
	repo := &reconcileRepoStub{reconcilable: []domain.Payment{*inFlight, *unsubmitted}}
	repo.payment = inFlight
	lease := &leaseStub{available: true}
	processor := &processorStub{status: &payoutclient.TransferStatus{Found: true, Status: "completed"}}
	svc := NewService(repo, processor, nil, lease, time.Hour, 100, time.Minute)

	summary, err := svc.ReconcilePendingPayments(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if summary.Scanned != 2 {
		t.Fatalf("expected two scanned, got %d", summary.Scanned)
	}
	if summary.Advanced != 1 {
		t.Fatalf("expected one advanced, got %d", summary.Advanced)
	}
	if summary.Skipped != 1 {
		t.Fatalf("expected the unsubmitted payment to be skipped, got %d", summary.Skipped)
	}
	if lease.released != 1 {
		t.Fatal("expected the lease to be released after the sweep")
	}
}

func TestProcessorStatusEvent_Vocabulary(t *testing.T) {
	cases := map[string]Event{
		"completed":  EventComplete,
		"SUCCESS":    EventComplete,
		"failed":     EventFail,
		"unclaimed":  EventUnclaim,
		"returned":   EventReturn,
		"reversed":   EventReverse,
		"refunded":   EventReverse,
		"cancelled":  EventCancel,
		"canceled":   EventCancel,
		"processing": EventProcess,
	}
	for status, want := range cases {
		got, ok := processorStatusEvent(status)
		if !ok || got != want {
			t.Fatalf("status %q: expected %s, got %s (ok=%t)", status, want, got, ok)
		}
	}
	if _, ok := processorStatusEvent("held_for_review"); ok {
		t.Fatal("expected unknown statuses to be rejected")
	}
}
