/**
 * @description
 * This file contains the core business logic for the ledger-service. The `Service`
 * struct orchestrates all ledger operations, coordinating between the database
 * repository, the payout processor API client, and the message broker.
 *
 * Key features:
 * - Records immutable balance transactions caused by purchases, refunds,
 *   disputes and credits.
 * - Applies transactions to daily balance buckets, creating buckets on demand
 *   and resolving concurrent creation races.
 * - Retries balance application when another actor changes the bucket's state
 *   between resolution and the locked increment.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/payoutclient, pkg/rabbitmq: For external service communication.
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
	"github.com/sellermint/ledger-service/pkg/rabbitmq"
)

// balanceApplyAttempts bounds how many times a transaction is re-applied when
// the target bucket's state changes underneath it. The second attempt
// re-resolves the bucket from scratch, so a paid or attached bucket is simply
// replaced by a fresh one.
const balanceApplyAttempts = 2

// ProcessorClient is the subset of the payout processor API the service uses.
type ProcessorClient interface {
	SubmitBankTransfer(ctx context.Context, bankAccountID, currency, reference string, amountCents int64) (*payoutclient.SubmitResponse, error)
	SubmitClaimPayout(ctx context.Context, payeeEmail, currency, correlationID string, amountCents int64) (*payoutclient.SubmitResponse, error)
	GetTransferStatus(ctx context.Context, transferID string, amountCents int64) (*payoutclient.TransferStatus, error)
	SearchClaimPayout(ctx context.Context, correlationID, payeeEmail string, amountCents int64, window time.Duration) (*payoutclient.TransferStatus, error)
}

// ReconcileLease serializes reconciliation runs across service instances.
type ReconcileLease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// BalanceResolutionError indicates a balance transaction was persisted but
// could not be applied to any bucket. It is fatal for the operation and
// carries the transaction id so an operator can re-drive the application.
type BalanceResolutionError struct {
	BalanceTransactionID uuid.UUID
	Cause                error
}

func (e *BalanceResolutionError) Error() string {
	return fmt.Sprintf("balance resolution failed for transaction %s: %v", e.BalanceTransactionID, e.Cause)
}

func (e *BalanceResolutionError) Unwrap() error { return e.Cause }

// Service provides the core business logic for the ledger.
type Service struct {
	repo            store.Repository
	processor       ProcessorClient
	eventProducer   rabbitmq.Publisher
	lease           ReconcileLease
	paypalWindow    time.Duration
	reconcileLimit  int
	leaseTTL        time.Duration
	transitionTable map[transitionKey]transition
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, processor ProcessorClient, producer rabbitmq.Publisher, lease ReconcileLease, paypalWindow time.Duration, reconcileLimit int, leaseTTL time.Duration) *Service {
	s := &Service{
		repo:           repo,
		processor:      processor,
		eventProducer:  producer,
		lease:          lease,
		paypalWindow:   paypalWindow,
		reconcileLimit: reconcileLimit,
		leaseTTL:       leaseTTL,
	}
	s.transitionTable = buildTransitionTable()
	return s
}

// RecordBalanceTransaction validates and persists a new balance transaction,
// then applies it to a balance bucket unless the caller deferred application.
// The returned transaction reflects the bucket assignment when one was made.
func (s *Service) RecordBalanceTransaction(ctx context.Context, params domain.NewBalanceTransaction) (*domain.BalanceTransaction, error) {
	kind, err := params.Causal.Kind()
	if err != nil {
		return nil, err
	}
	if params.UserID == uuid.Nil || params.MerchantAccountID == uuid.Nil {
		return nil, errors.New("user id and merchant account id are required")
	}
	if params.IssuedAmount.Currency == "" || params.HoldingAmount.Currency == "" {
		return nil, errors.New("issued and holding currencies are required")
	}
	if params.IssuedAmount.IsZero() && params.HoldingAmount.IsZero() {
		return nil, errors.New("transaction must move a non-zero amount")
	}

	txn := &domain.BalanceTransaction{
		ID:                uuid.New(),
		UserID:            params.UserID,
		MerchantAccountID: params.MerchantAccountID,
		PurchaseID:        params.Causal.PurchaseID,
		RefundID:          params.Causal.RefundID,
		DisputeID:         params.Causal.DisputeID,
		CreditID:          params.Causal.CreditID,
		OccurredOn:        domain.BucketDate(params.Causal.OccurredOn),
		ReferenceDate:     params.Causal.ReferenceDate,
		IssuedAmount:      params.IssuedAmount,
		HoldingAmount:     params.HoldingAmount,
		CreatedAt:         time.Now().UTC(),
	}

	if err := s.repo.CreateBalanceTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to create balance transaction: %w", err)
	}
	log.Printf("level=info component=ledger msg=\"balance transaction recorded\" transaction_id=%s kind=%s user_id=%s", txn.ID, kind, txn.UserID)

	if !params.ApplyToBalance {
		return txn, nil
	}

	if err := s.ApplyToBalance(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// ApplyToBalance resolves the bucket a transaction belongs to and increments
// the bucket's totals under a row lock. If, between resolution and the locked
// increment, the bucket was paid out or attached to a payment, the whole
// resolve-and-apply sequence runs once more against a fresh bucket. Any other
// failure, including contention that survives the retry, propagates unchanged.
func (s *Service) ApplyToBalance(ctx context.Context, txn *domain.BalanceTransaction) error {
	var lastErr error
	for attempt := 1; attempt <= balanceApplyAttempts; attempt++ {
		balance, err := s.resolveBalance(ctx, txn)
		if err != nil {
			return &BalanceResolutionError{BalanceTransactionID: txn.ID, Cause: err}
		}

		updated, err := s.repo.ApplyBalanceDelta(ctx, balance.ID, txn.ID, txn.IssuedAmount.NetCents, txn.HoldingAmount.NetCents)
		if err == nil {
			txn.BalanceID = &updated.ID
			log.Printf("level=info component=ledger msg=\"balance transaction applied\" transaction_id=%s balance_id=%s attempt=%d", txn.ID, updated.ID, attempt)
			return nil
		}
		if !errors.Is(err, store.ErrBalanceStateChanged) {
			return err
		}
		lastErr = err
		log.Printf("level=warn component=ledger msg=\"balance state changed during apply; retrying\" transaction_id=%s balance_id=%s attempt=%d", txn.ID, balance.ID, attempt)
	}
	return lastErr
}

// resolveBalance picks the bucket a transaction should land in. The policy
// depends on the transaction's cause:
//
//   - purchase: the bucket whose date matches the purchase date exactly
//   - refund, dispute: the bucket at the caller-supplied reference date, then
//     the seller's earliest unpaid bucket
//   - credit: the bucket at the pinned reference date when one was supplied,
//     otherwise the earliest unpaid bucket
//
// When no suitable bucket exists a new one is created at the transaction's
// occurrence date. A concurrent creation of the same bucket is resolved by
// re-selecting the row the other writer won with.
func (s *Service) resolveBalance(ctx context.Context, txn *domain.BalanceTransaction) (*domain.Balance, error) {
	causal := txn.Causal()
	kind, err := causal.Kind()
	if err != nil {
		return nil, err
	}

	key := domain.BalanceKey{
		UserID:            txn.UserID,
		MerchantAccountID: txn.MerchantAccountID,
		Currency:          txn.IssuedAmount.Currency,
		HoldingCurrency:   txn.HoldingAmount.Currency,
	}

	switch kind {
	case domain.CausalPurchase:
		balance, err := s.repo.FindUnpaidBalanceByDate(ctx, key, domain.BucketDate(causal.OccurredOn))
		if err == nil {
			return balance, nil
		}
		if !errors.Is(err, store.ErrBalanceNotFound) {
			return nil, err
		}

	case domain.CausalRefund, domain.CausalDispute:
		if causal.ReferenceDate != nil {
			balance, err := s.repo.FindUnpaidBalanceByDate(ctx, key, domain.BucketDate(*causal.ReferenceDate))
			if err == nil {
				return balance, nil
			}
			if !errors.Is(err, store.ErrBalanceNotFound) {
				return nil, err
			}
		}
		balance, err := s.repo.FindEarliestUnpaidBalance(ctx, key)
		if err == nil {
			return balance, nil
		}
		if !errors.Is(err, store.ErrBalanceNotFound) {
			return nil, err
		}

	case domain.CausalCredit:
		if causal.ReferenceDate != nil {
			balance, err := s.repo.FindUnpaidBalanceByDate(ctx, key, domain.BucketDate(*causal.ReferenceDate))
			if err == nil {
				return balance, nil
			}
			if !errors.Is(err, store.ErrBalanceNotFound) {
				return nil, err
			}
		} else {
			balance, err := s.repo.FindEarliestUnpaidBalance(ctx, key)
			if err == nil {
				return balance, nil
			}
			if !errors.Is(err, store.ErrBalanceNotFound) {
				return nil, err
			}
		}
	}

	return s.createBalanceBucket(ctx, key, domain.BucketDate(causal.OccurredOn))
}

// createBalanceBucket inserts a fresh unpaid bucket for the key and date. When
// a concurrent writer inserted the same bucket first, the partial unique index
// rejects the insert and the winner's row is re-selected instead.
func (s *Service) createBalanceBucket(ctx context.Context, key domain.BalanceKey, date time.Time) (*domain.Balance, error) {
	now := time.Now().UTC()
	balance := &domain.Balance{
		ID:                uuid.New(),
		UserID:            key.UserID,
		MerchantAccountID: key.MerchantAccountID,
		Currency:          key.Currency,
		HoldingCurrency:   key.HoldingCurrency,
		Date:              date,
		State:             domain.BalanceUnpaid,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := s.repo.CreateBalance(ctx, balance)
	if err == nil {
		log.Printf("level=info component=ledger msg=\"balance bucket created\" balance_id=%s user_id=%s date=%s", balance.ID, key.UserID, date.Format("2006-01-02"))
		return balance, nil
	}
	if !errors.Is(err, store.ErrBalanceBucketExists) {
		return nil, fmt.Errorf("failed to create balance bucket: %w", err)
	}

	existing, selErr := s.repo.FindUnpaidBalanceByDate(ctx, key, date)
	if selErr != nil {
		return nil, fmt.Errorf("failed to re-select balance bucket after creation race: %w", selErr)
	}
	log.Printf("level=info component=ledger msg=\"balance bucket creation race resolved\" balance_id=%s user_id=%s", existing.ID, key.UserID)
	return existing, nil
}

// GetBalance returns a single balance bucket by id.
func (s *Service) GetBalance(ctx context.Context, id uuid.UUID) (*domain.Balance, error) {
	return s.repo.GetBalance(ctx, id)
}

// ListBalances returns a seller's balance buckets, newest first.
func (s *Service) ListBalances(ctx context.Context, userID uuid.UUID, state *domain.BalanceState, limit int) ([]domain.Balance, error) {
	return s.repo.ListBalancesByUser(ctx, userID, state, limit)
}

// GetBalanceTransaction returns a single immutable ledger entry by id.
func (s *Service) GetBalanceTransaction(ctx context.Context, id uuid.UUID) (*domain.BalanceTransaction, error) {
	return s.repo.GetBalanceTransaction(ctx, id)
}

// ApplyBalanceTransaction re-drives bucket application for an entry that was
// recorded with deferred application, or whose earlier application attempt
// failed. Re-driving an entry that already sits in a bucket is a no-op.
func (s *Service) ApplyBalanceTransaction(ctx context.Context, id uuid.UUID) (*domain.BalanceTransaction, error) {
	txn, err := s.repo.GetBalanceTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.BalanceID != nil {
		log.Printf("level=info component=ledger msg=\"balance transaction already applied\" transaction_id=%s balance_id=%s", txn.ID, *txn.BalanceID)
		return txn, nil
	}
	if err := s.ApplyToBalance(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// ListBalanceTransactions returns the ledger entries applied to one bucket.
func (s *Service) ListBalanceTransactions(ctx context.Context, balanceID uuid.UUID) ([]domain.BalanceTransaction, error) {
	return s.repo.ListBalanceTransactionsByBalance(ctx, balanceID)
}
