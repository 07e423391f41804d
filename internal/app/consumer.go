package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sellermint/ledger-service/internal/domain"
	"github.com/sellermint/ledger-service/internal/store"
)

// PayoutStatusConsumer applies processor webhook events, delivered over
// RabbitMQ, to the payout state machine.
type PayoutStatusConsumer struct {
	service *Service
}

func NewPayoutStatusConsumer(service *Service) *PayoutStatusConsumer {
	return &PayoutStatusConsumer{service: service}
}

// HandleMessage returns true to ack the delivery. Malformed payloads and
// events for unknown payouts are acked to drop; transient processing errors
// return false so the broker re-queues the delivery.
func (c *PayoutStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.PayoutStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("payout-consumer: failed to unmarshal payload: %v", err)
		return true
	}

	if event.TransferID == "" && event.CorrelationID == "" {
		log.Printf("payout-consumer: event carries no payout identifier: %+v", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		log.Printf("payout-consumer: processing error for transfer %q correlation %q: %v", event.TransferID, event.CorrelationID, err)
		return false
	}

	return true
}

func (c *PayoutStatusConsumer) processEvent(ctx context.Context, event domain.PayoutStatusEvent) error {
	payment, err := c.findPayment(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			log.Printf("payout-consumer: no payment found for transfer %q correlation %q; acknowledging", event.TransferID, event.CorrelationID)
			return nil
		}
		return fmt.Errorf("lookup payment: %w", err)
	}

	// A claim payout's transfer id first appears in webhook traffic once the
	// payee claims it.
	if event.TransferID != "" && payment.TransferID == nil {
		if err := c.service.repo.SetPaymentProcessorRefs(ctx, payment.ID, &event.TransferID, nil); err != nil {
			log.Printf("payout-consumer: failed to record transfer id for payment %s: %v", payment.ID, err)
		}
	}

	lifecycleEvent, ok := processorStatusEvent(event.Status)
	if !ok {
		log.Printf("payout-consumer: unknown status %q for payment %s; acknowledging", event.Status, payment.ID)
		return nil
	}

	if payment.State == eventTarget[lifecycleEvent] {
		return nil
	}

	if _, err := c.service.Mark(ctx, payment.ID, lifecycleEvent, event.Reason); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Out-of-order delivery; reconciliation will settle the payment
			// against the processor's current truth.
			log.Printf("payout-consumer: status %q not applicable to payment %s in state %s; acknowledging", event.Status, payment.ID, payment.State)
			return nil
		}
		return fmt.Errorf("apply %s: %w", lifecycleEvent, err)
	}

	return nil
}

func (c *PayoutStatusConsumer) findPayment(ctx context.Context, event domain.PayoutStatusEvent) (*domain.Payment, error) {
	if event.TransferID != "" {
		payment, err := c.service.repo.FindPaymentByTransferID(ctx, event.TransferID)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, store.ErrPaymentNotFound) || event.CorrelationID == "" {
			return nil, err
		}
	}
	return c.service.repo.FindPaymentByCorrelationID(ctx, event.CorrelationID)
}
