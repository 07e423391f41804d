/**
 * @description
 * This file defines the payout state machine. A payout advances through its
 * lifecycle only via explicit transitions keyed on (current state, event); the
 * transition table is the single source of truth for which moves are legal,
 * what each one does to the attached balance buckets, and which guard must
 * hold before it runs.
 *
 * State changes are applied atomically: the conditional state swap and the
 * balance flips happen inside one database transaction, and notifications are
 * published only after that transaction commits.
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
	"github.com/sellermint/ledger-service/pkg/rabbitmq"
)

// Event names a payout lifecycle trigger. Events come from processor webhooks,
// reconciliation sweeps and operator actions; they never name states directly.
type Event string

const (
	EventProcess  Event = "process"
	EventUnclaim  Event = "unclaim"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
	EventCancel   Event = "cancel"
	EventReverse  Event = "reverse"
	EventReturn   Event = "return"
)

// ErrInvalidTransition is returned when an event is not legal from the
// payment's current state.
var ErrInvalidTransition = errors.New("event is not valid for the payment's current state")

type transitionKey struct {
	from  domain.PaymentState
	event Event
}

type transition struct {
	to domain.PaymentState
	// guard, when set, must return nil for the transition to run.
	guard func(p *domain.Payment) error
	// balanceState, when set, flips the payment's attached buckets inside the
	// same database transaction as the state swap.
	balanceState *domain.BalanceState
}

func guardClaimRail(p *domain.Payment) error {
	if p.Processor != domain.ProcessorPayPal {
		return fmt.Errorf("unclaimed is only reachable on the %s rail: %w", domain.ProcessorPayPal, ErrInvalidTransition)
	}
	return nil
}

func guardReturnableRail(p *domain.Payment) error {
	if p.Processor == domain.ProcessorPayPal {
		return fmt.Errorf("completed payouts cannot be returned on the %s rail: %w", domain.ProcessorPayPal, ErrInvalidTransition)
	}
	return nil
}

func buildTransitionTable() map[transitionKey]transition {
	paid := domain.BalancePaid
	unpaid := domain.BalanceUnpaid

	table := map[transitionKey]transition{
		{domain.PaymentCreating, EventProcess}: {to: domain.PaymentProcessing},
		{domain.PaymentCreating, EventFail}:    {to: domain.PaymentFailed, balanceState: &unpaid},

		{domain.PaymentProcessing, EventComplete}: {to: domain.PaymentCompleted, balanceState: &paid},
		{domain.PaymentProcessing, EventFail}:     {to: domain.PaymentFailed, balanceState: &unpaid},
		{domain.PaymentProcessing, EventCancel}:   {to: domain.PaymentCancelled, balanceState: &unpaid},
		{domain.PaymentProcessing, EventReverse}:  {to: domain.PaymentReversed, balanceState: &unpaid},
		{domain.PaymentProcessing, EventReturn}:   {to: domain.PaymentReturned, balanceState: &unpaid},
		{domain.PaymentProcessing, EventUnclaim}:  {to: domain.PaymentUnclaimed, guard: guardClaimRail},

		{domain.PaymentUnclaimed, EventComplete}: {to: domain.PaymentCompleted, balanceState: &paid},
		{domain.PaymentUnclaimed, EventCancel}:   {to: domain.PaymentCancelled, balanceState: &unpaid},
		{domain.PaymentUnclaimed, EventReverse}:  {to: domain.PaymentReversed, balanceState: &unpaid},
		{domain.PaymentUnclaimed, EventReturn}:   {to: domain.PaymentReturned, balanceState: &unpaid},

		// Only push rails can bounce a settled deposit back.
		{domain.PaymentCompleted, EventReturn}: {to: domain.PaymentReturned, guard: guardReturnableRail, balanceState: &unpaid},
	}
	return table
}

// eventTarget maps each event to the state it lands in, regardless of origin.
// Used for idempotency: re-delivering an event to a payment already at the
// target state is a no-op, not an error.
var eventTarget = map[Event]domain.PaymentState{
	EventProcess:  domain.PaymentProcessing,
	EventUnclaim:  domain.PaymentUnclaimed,
	EventComplete: domain.PaymentCompleted,
	EventFail:     domain.PaymentFailed,
	EventCancel:   domain.PaymentCancelled,
	EventReverse:  domain.PaymentReversed,
	EventReturn:   domain.PaymentReturned,
}

// Mark drives one payout lifecycle event against a payment. Re-delivering an
// event whose target state the payment already occupies returns the payment
// unchanged. An event that is not legal from the current state returns
// ErrInvalidTransition.
func (s *Service) Mark(ctx context.Context, paymentID uuid.UUID, event Event, reason string) (*domain.Payment, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	target, ok := eventTarget[event]
	if !ok {
		return nil, fmt.Errorf("unknown payout event %q", event)
	}
	if payment.State == target {
		log.Printf("level=info component=payout_fsm msg=\"event already applied\" payment_id=%s event=%s state=%s", payment.ID, event, payment.State)
		return payment, nil
	}

	tr, ok := s.transitionTable[transitionKey{payment.State, event}]
	if !ok {
		return nil, fmt.Errorf("cannot apply %s to payment %s in state %s: %w", event, payment.ID, payment.State, ErrInvalidTransition)
	}
	if tr.guard != nil {
		if err := tr.guard(payment); err != nil {
			return nil, err
		}
	}

	params := store.TransitionPaymentParams{
		PaymentID:    payment.ID,
		From:         payment.State,
		To:           tr.to,
		BalanceState: tr.balanceState,
	}
	// failure_reason is a failed-state column only. Reverse and return still
	// carry the reason in the published notification.
	if reason != "" && event == EventFail {
		params.FailureReason = &reason
	}

	if err := s.repo.TransitionPayment(ctx, params); err != nil {
		if errors.Is(err, store.ErrPaymentStateConflict) {
			// Another actor moved the payment first. If it landed where this
			// event was headed the outcome is the same; otherwise surface the
			// conflict.
			current, getErr := s.repo.GetPayment(ctx, paymentID)
			if getErr == nil && current.State == target {
				log.Printf("level=info component=payout_fsm msg=\"event applied concurrently\" payment_id=%s event=%s state=%s", payment.ID, event, current.State)
				return current, nil
			}
			return nil, err
		}
		return nil, err
	}

	log.Printf("level=info component=payout_fsm msg=\"payment transitioned\" payment_id=%s event=%s old_state=%s new_state=%s", payment.ID, event, payment.State, tr.to)

	updated, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	s.publishTransitionEffects(ctx, updated, event, reason)
	return updated, nil
}

// permanentFailureReasons are processor failure codes that mean the payee can
// never receive funds on this instrument. Only these trigger a seller-facing
// failure notification; transient failures are retried silently via new
// payouts.
var permanentFailureReasons = map[string]bool{
	"RECEIVER_UNREGISTERED": true,
	"RECEIVER_UNCONFIRMED":  true,
	"RECEIVER_LOCKED":       true,
	"ACCOUNT_CLOSED":        true,
	"COMPLIANCE_BLOCKED":    true,
	"REGULATORY_BLOCKED":    true,
}

func (s *Service) publishTransitionEffects(ctx context.Context, payment *domain.Payment, event Event, reason string) {
	if s.eventProducer == nil {
		return
	}

	evt := rabbitmq.PayoutEvent{
		UserID:      payment.UserID,
		PaymentID:   payment.ID,
		AmountCents: payment.AmountCents,
		Currency:    payment.Currency,
		State:       string(payment.State),
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}

	var routingKey string
	switch event {
	case EventComplete:
		routingKey = "payout.completed"
	case EventFail:
		if !permanentFailureReasons[reason] {
			return
		}
		routingKey = "payout.failed"
	case EventReturn:
		routingKey = "payout.returned"
	case EventReverse:
		routingKey = "payout.reversed"
	default:
		return
	}

	if err := s.eventProducer.PublishPayoutEvent(ctx, routingKey, evt); err != nil {
		log.Printf("level=warn component=payout_fsm msg=\"failed to publish payout event\" payment_id=%s routing_key=%s err=%v", payment.ID, routingKey, err)
	}
}
