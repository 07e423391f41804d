/**
 * @description
 * Reconciliation against the external payout processor. The processor's view
 * of a payout is authoritative: a sweep queries each pending payment's status
 * and drives the corresponding lifecycle event, so webhook loss or delivery
 * reordering never leaves a payment stuck.
 *
 * Sweeps are idempotent and serialized across service instances by a Redis
 * lease, so overlapping cron ticks do not double-drive the same payments.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/sellermint/ledger-service/internal/domain"
	"github.com/sellermint/ledger-service/pkg/payoutclient"
)

const reconcileLeaseKey = "ledger:reconcile:sweep"

// processorStatusEvent maps the processor's status vocabulary onto lifecycle
// events. Unknown statuses are skipped rather than guessed at.
func processorStatusEvent(status string) (Event, bool) {
	switch strings.ToLower(status) {
	case "pending", "processing", "in_progress":
		return EventProcess, true
	case "completed", "success", "succeeded":
		return EventComplete, true
	case "failed", "denied":
		return EventFail, true
	case "unclaimed":
		return EventUnclaim, true
	case "returned":
		return EventReturn, true
	case "reversed", "refunded":
		return EventReverse, true
	case "cancelled", "canceled":
		return EventCancel, true
	}
	return "", false
}

// SyncWithProcessor fetches the processor's authoritative status for one
// payment and drives the matching lifecycle event. A payout the processor has
// no record of is failed. Processor and transition errors are recorded on the
// payment's reconcile bookkeeping as well as returned.
func (s *Service) SyncWithProcessor(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	status, err := s.fetchProcessorStatus(ctx, payment)
	if err != nil {
		s.recordReconcileError(ctx, payment.ID, err)
		return nil, err
	}
	if status == nil {
		// Nothing to query yet: no processor refs have been recorded.
		return payment, nil
	}

	if !status.Found {
		log.Printf("level=warn component=reconcile msg=\"payout unknown to processor; failing\" payment_id=%s", payment.ID)
		updated, err := s.Mark(ctx, payment.ID, EventFail, "payout not found at processor")
		if err != nil {
			s.recordReconcileError(ctx, payment.ID, err)
			return nil, err
		}
		s.touchReconciled(ctx, payment.ID)
		return updated, nil
	}

	// A claim-rail search can surface the transfer id the payout was assigned
	// once claimed; record it for future direct lookups.
	if status.TransferID != "" && (payment.TransferID == nil || *payment.TransferID != status.TransferID) {
		if err := s.repo.SetPaymentProcessorRefs(ctx, payment.ID, &status.TransferID, nil); err != nil {
			log.Printf("level=warn component=reconcile msg=\"failed to record transfer id\" payment_id=%s err=%v", payment.ID, err)
		}
	}

	event, ok := processorStatusEvent(status.Status)
	if !ok {
		err := fmt.Errorf("processor reported unknown status %q", status.Status)
		s.recordReconcileError(ctx, payment.ID, err)
		return nil, err
	}

	if payment.State == eventTarget[event] {
		s.touchReconciled(ctx, payment.ID)
		return payment, nil
	}

	updated, err := s.Mark(ctx, payment.ID, event, status.Reason)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// The processor's status lags or leads our state in a way the
			// machine forbids (e.g. completed reported for an already returned
			// payout). Leave the payment alone and let the next sweep look.
			log.Printf("level=warn component=reconcile msg=\"processor status not applicable\" payment_id=%s state=%s status=%s", payment.ID, payment.State, status.Status)
			s.touchReconciled(ctx, payment.ID)
			return payment, nil
		}
		s.recordReconcileError(ctx, payment.ID, err)
		return nil, err
	}
	s.touchReconciled(ctx, payment.ID)
	return updated, nil
}

// fetchProcessorStatus queries the rail the payment was submitted on. Returns
// (nil, nil) when the payment has no processor references to query by.
func (s *Service) fetchProcessorStatus(ctx context.Context, payment *domain.Payment) (*payoutclient.TransferStatus, error) {
	switch payment.Processor {
	case domain.ProcessorBank:
		if payment.TransferID == nil {
			return nil, nil
		}
		return s.processor.GetTransferStatus(ctx, *payment.TransferID, payment.AmountCents)
	case domain.ProcessorPayPal:
		if payment.TransferID != nil {
			return s.processor.GetTransferStatus(ctx, *payment.TransferID, payment.AmountCents)
		}
		if payment.CorrelationID == nil || payment.PayeeEmail == nil {
			return nil, nil
		}
		return s.processor.SearchClaimPayout(ctx, *payment.CorrelationID, *payment.PayeeEmail, payment.AmountCents, s.paypalWindow)
	}
	return nil, fmt.Errorf("unknown payout processor %q", payment.Processor)
}

// ReconcilePendingPayments sweeps every non-terminal payment and syncs it with
// the processor. Only one sweep runs at a time cluster-wide; a tick that loses
// the lease returns immediately with an all-skipped summary.
func (s *Service) ReconcilePendingPayments(ctx context.Context) (*domain.ReconcileSummary, error) {
	summary := &domain.ReconcileSummary{}

	if s.lease != nil {
		acquired, err := s.lease.Acquire(ctx, reconcileLeaseKey, s.leaseTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire reconcile lease: %w", err)
		}
		if !acquired {
			log.Printf("level=info component=reconcile msg=\"sweep already running elsewhere; skipping tick\"")
			return summary, nil
		}
		defer func() {
			if err := s.lease.Release(context.WithoutCancel(ctx), reconcileLeaseKey); err != nil {
				log.Printf("level=warn component=reconcile msg=\"failed to release reconcile lease\" err=%v", err)
			}
		}()
	}

	payments, err := s.repo.ListReconcilablePayments(ctx, s.reconcileLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcilable payments: %w", err)
	}

	for _, payment := range payments {
		summary.Scanned++

		if payment.TransferID == nil && payment.CorrelationID == nil {
			// Submission never got far enough to record a processor ref;
			// there is nothing to query yet.
			summary.Skipped++
			continue
		}

		before := payment.State
		updated, err := s.SyncWithProcessor(ctx, payment.ID)
		if err != nil {
			summary.Errored++
			log.Printf("level=warn component=reconcile msg=\"payment sync failed\" payment_id=%s err=%v", payment.ID, err)
			continue
		}
		switch {
		case updated == nil || updated.State == before:
			summary.Unchanged++
		default:
			summary.Advanced++
		}
	}

	log.Printf("level=info component=reconcile msg=\"sweep finished\" scanned=%d advanced=%d unchanged=%d errored=%d skipped=%d",
		summary.Scanned, summary.Advanced, summary.Unchanged, summary.Errored, summary.Skipped)
	return summary, nil
}

func (s *Service) recordReconcileError(ctx context.Context, paymentID uuid.UUID, cause error) {
	if err := s.repo.RecordPaymentReconcileError(ctx, paymentID, cause.Error()); err != nil {
		log.Printf("level=warn component=reconcile msg=\"failed to record reconcile error\" payment_id=%s err=%v", paymentID, err)
	}
}

func (s *Service) touchReconciled(ctx context.Context, paymentID uuid.UUID) {
	if err := s.repo.TouchPaymentReconciled(ctx, paymentID); err != nil {
		log.Printf("level=warn component=reconcile msg=\"failed to touch reconcile timestamp\" payment_id=%s err=%v", paymentID, err)
	}
}
