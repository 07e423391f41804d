/**
 * @description
 * Payout creation and submission. Creating a payment locks a set of unpaid
 * balance buckets under it; submitting hands the payout to the external
 * processor and moves the payment into processing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sellermint/ledger-service/internal/domain"
	"github.com/sellermint/ledger-service/internal/store"
	"github.com/sellermint/ledger-service/pkg/payoutclient"
)

// CreatePayment builds a payout batch over the given unpaid balance buckets.
// The buckets are validated and attached to the payment atomically; the
// payment starts in the creating state with its amount summed from the
// buckets' holding totals.
func (s *Service) CreatePayment(ctx context.Context, params domain.NewPayment) (*domain.Payment, error) {
	if params.UserID == uuid.Nil {
		return nil, errors.New("user id is required")
	}
	if len(params.BalanceIDs) == 0 {
		return nil, errors.New("at least one balance bucket is required")
	}
	switch params.Processor {
	case domain.ProcessorBank:
		if params.BankAccountID == nil {
			return nil, errors.New("bank account id is required for bank payouts")
		}
	case domain.ProcessorPayPal:
		if params.PayeeEmail == nil || *params.PayeeEmail == "" {
			return nil, errors.New("payee email is required for paypal payouts")
		}
	default:
		return nil, fmt.Errorf("unknown payout processor %q", params.Processor)
	}

	now := time.Now().UTC()
	payment := &domain.Payment{
		ID:            uuid.New(),
		UserID:        params.UserID,
		BankAccountID: params.BankAccountID,
		PayeeEmail:    params.PayeeEmail,
		Processor:     params.Processor,
		State:         domain.PaymentCreating,
		SplitMode:     params.SplitMode,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.CreatePayment(ctx, payment, params.BalanceIDs); err != nil {
		return nil, err
	}
	log.Printf("level=info component=payout msg=\"payment created\" payment_id=%s user_id=%s processor=%s amount_cents=%d buckets=%d",
		payment.ID, payment.UserID, payment.Processor, payment.AmountCents, len(params.BalanceIDs))
	return payment, nil
}

// SubmitPayment hands a creating payment to the external processor and, on
// acknowledgement, records the processor's identifiers and moves the payment
// into processing. An explicit processor rejection fails the payment and
// releases its buckets; an ambiguous failure leaves the payment in creating
// for reconciliation to settle.
func (s *Service) SubmitPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.State != domain.PaymentCreating {
		return nil, fmt.Errorf("payment %s is in state %s, only creating payments can be submitted: %w",
			payment.ID, payment.State, store.ErrPaymentStateConflict)
	}

	var resp *payoutclient.SubmitResponse
	switch payment.Processor {
	case domain.ProcessorBank:
		resp, err = s.processor.SubmitBankTransfer(ctx, payment.BankAccountID.String(), payment.Currency, payment.ID.String(), payment.AmountCents)
	case domain.ProcessorPayPal:
		resp, err = s.processor.SubmitClaimPayout(ctx, *payment.PayeeEmail, payment.Currency, payment.ID.String(), payment.AmountCents)
	default:
		return nil, fmt.Errorf("unknown payout processor %q", payment.Processor)
	}

	if err != nil {
		var apiErr *payoutclient.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.IsExplicitRejection() {
			log.Printf("level=warn component=payout msg=\"processor rejected payout\" payment_id=%s err=%v", payment.ID, err)
			reason := apiErr.Error()
			return s.Mark(ctx, payment.ID, EventFail, reason)
		}
		// Ambiguous: the processor may or may not have accepted the payout.
		// Leave the payment in creating; reconciliation resolves it.
		log.Printf("level=error component=payout msg=\"payout submission outcome unknown\" payment_id=%s err=%v", payment.ID, err)
		return nil, fmt.Errorf("payout submission failed: %w", err)
	}

	var transferID, correlationID *string
	if resp.TransferID != "" {
		transferID = &resp.TransferID
	}
	if resp.CorrelationID != "" {
		correlationID = &resp.CorrelationID
	}
	if err := s.repo.SetPaymentProcessorRefs(ctx, payment.ID, transferID, correlationID); err != nil {
		return nil, fmt.Errorf("failed to record processor refs: %w", err)
	}

	return s.Mark(ctx, payment.ID, EventProcess, "")
}

// GetPayment returns a single payment by id.
func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return s.repo.GetPayment(ctx, id)
}

// ListPayments returns a seller's payments, newest first.
func (s *Service) ListPayments(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Payment, error) {
	return s.repo.ListPaymentsByUser(ctx, userID, limit)
}
