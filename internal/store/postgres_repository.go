/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface
 * for the balance side of the ledger: bucket selection, bucket creation, and the
 * locked increment path that keeps the conservation invariant true under
 * concurrent writers.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sellermint/ledger-service/internal/domain"
)

var (
	ErrBalanceNotFound            = errors.New("balance not found")
	ErrBalanceBucketExists        = errors.New("unpaid balance bucket already exists for this key and date")
	ErrBalanceStateChanged        = errors.New("balance state changed between selection and lock")
	ErrBalanceTransactionNotFound = errors.New("balance transaction not found")
	ErrPaymentNotFound            = errors.New("payment not found")
	ErrPaymentStateConflict       = errors.New("payment is no longer in the expected state")
	ErrBalanceNotPayable          = errors.New("balance is not payable")
	ErrCurrencyMismatch           = errors.New("balances in a payment must share a holding currency")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const balanceColumns = `id, user_id, merchant_account_id, currency, holding_currency, date, state, amount_cents, holding_amount_cents, payment_id, created_at, updated_at`

func scanBalance(row pgx.Row, b *domain.Balance) error {
	return row.Scan(
		&b.ID,
		&b.UserID,
		&b.MerchantAccountID,
		&b.Currency,
		&b.HoldingCurrency,
		&b.Date,
		&b.State,
		&b.AmountCents,
		&b.HoldingAmountCents,
		&b.PaymentID,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
}

// FindUnpaidBalanceByDate retrieves the unpaid, unattached bucket for a key at an
// exact date. This is a plain read; the caller locks later via ApplyBalanceDelta.
func (r *PostgresRepository) FindUnpaidBalanceByDate(ctx context.Context, key domain.BalanceKey, date time.Time) (*domain.Balance, error) {
	var balance domain.Balance
	query := `
		SELECT ` + balanceColumns + `
		FROM balances
		WHERE user_id = $1
		  AND merchant_account_id = $2
		  AND currency = $3
		  AND holding_currency = $4
		  AND date = $5::date
		  AND state = 'unpaid'
		  AND payment_id IS NULL
	`
	err := scanBalance(r.db.QueryRow(ctx, query, key.UserID, key.MerchantAccountID, key.Currency, key.HoldingCurrency, domain.BucketDate(date)), &balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// FindEarliestUnpaidBalance retrieves the oldest unpaid, unattached bucket for a key.
func (r *PostgresRepository) FindEarliestUnpaidBalance(ctx context.Context, key domain.BalanceKey) (*domain.Balance, error) {
	var balance domain.Balance
	query := `
		SELECT ` + balanceColumns + `
		FROM balances
		WHERE user_id = $1
		  AND merchant_account_id = $2
		  AND currency = $3
		  AND holding_currency = $4
		  AND state = 'unpaid'
		  AND payment_id IS NULL
		ORDER BY date ASC
		LIMIT 1
	`
	err := scanBalance(r.db.QueryRow(ctx, query, key.UserID, key.MerchantAccountID, key.Currency, key.HoldingCurrency), &balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// CreateBalance inserts a new bucket row. A concurrent creator winning the race
// surfaces as ErrBalanceBucketExists via the partial unique index; the caller
// is expected to discard the insert and re-select.
func (r *PostgresRepository) CreateBalance(ctx context.Context, balance *domain.Balance) error {
	query := `
		INSERT INTO balances (id, user_id, merchant_account_id, currency, holding_currency, date, state, amount_cents, holding_amount_cents)
		VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		balance.ID,
		balance.UserID,
		balance.MerchantAccountID,
		balance.Currency,
		balance.HoldingCurrency,
		domain.BucketDate(balance.Date),
		balance.State,
		balance.AmountCents,
		balance.HoldingAmountCents,
	).Scan(&balance.CreatedAt, &balance.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrBalanceBucketExists
		}
		return err
	}
	return nil
}

// GetBalance retrieves a balance by id.
func (r *PostgresRepository) GetBalance(ctx context.Context, balanceID uuid.UUID) (*domain.Balance, error) {
	var balance domain.Balance
	query := `SELECT ` + balanceColumns + ` FROM balances WHERE id = $1`
	err := scanBalance(r.db.QueryRow(ctx, query, balanceID), &balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// ListBalancesByUser retrieves a user's balances, newest bucket first,
// optionally filtered by state.
func (r *PostgresRepository) ListBalancesByUser(ctx context.Context, userID uuid.UUID, state *domain.BalanceState, limit int) ([]domain.Balance, error) {
	if limit <= 0 {
		limit = 50
	} else if limit > 500 {
		limit = 500
	}
	query := `SELECT ` + balanceColumns + ` FROM balances WHERE user_id = $1 AND ($2::text IS NULL OR state = $2) ORDER BY date DESC, created_at DESC LIMIT $3`
	rows, err := r.db.Query(ctx, query, userID, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []domain.Balance
	for rows.Next() {
		var balance domain.Balance
		if err := scanBalance(rows, &balance); err != nil {
			return nil, err
		}
		balances = append(balances, balance)
	}
	return balances, rows.Err()
}

// ApplyBalanceDelta locks one balance row and applies a transaction's increments.
// The row lock is the ledger's only unit of mutual exclusion: all increments on
// a bucket are totally ordered by lock acquisition. If the bucket stopped being
// an unpaid, unattached target between the caller's selection and this lock,
// ErrBalanceStateChanged is returned and nothing is written.
func (r *PostgresRepository) ApplyBalanceDelta(ctx context.Context, balanceID, transactionID uuid.UUID, issuedNetCents, holdingNetCents int64) (*domain.Balance, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var balance domain.Balance
	lockQuery := `SELECT ` + balanceColumns + ` FROM balances WHERE id = $1 FOR UPDATE`
	if err := scanBalance(tx.QueryRow(ctx, lockQuery, balanceID), &balance); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}

	if balance.State != domain.BalanceUnpaid || balance.PaymentID != nil {
		return nil, ErrBalanceStateChanged
	}

	updateQuery := `
		UPDATE balances
		SET amount_cents = amount_cents + $2,
		    holding_amount_cents = holding_amount_cents + $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING amount_cents, holding_amount_cents, updated_at
	`
	if err := tx.QueryRow(ctx, updateQuery, balanceID, issuedNetCents, holdingNetCents).Scan(
		&balance.AmountCents,
		&balance.HoldingAmountCents,
		&balance.UpdatedAt,
	); err != nil {
		return nil, err
	}

	// balance_id is write-once; a replayed apply must not re-point the entry.
	linkQuery := `UPDATE balance_transactions SET balance_id = $1 WHERE id = $2 AND balance_id IS NULL`
	if _, err := tx.Exec(ctx, linkQuery, balanceID, transactionID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &balance, nil
}

// CreateBalanceTransaction inserts a new ledger entry with balance_id unset.
func (r *PostgresRepository) CreateBalanceTransaction(ctx context.Context, entry *domain.BalanceTransaction) error {
	query := `
		INSERT INTO balance_transactions (
			id,
			user_id,
			merchant_account_id,
			purchase_id,
			refund_id,
			dispute_id,
			credit_id,
			occurred_on,
			reference_date,
			issued_currency,
			issued_gross_cents,
			issued_net_cents,
			holding_currency,
			holding_gross_cents,
			holding_net_cents
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::date, $9::date, $10, $11, $12, $13, $14, $15)
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		entry.ID,
		entry.UserID,
		entry.MerchantAccountID,
		entry.PurchaseID,
		entry.RefundID,
		entry.DisputeID,
		entry.CreditID,
		entry.OccurredOn,
		entry.ReferenceDate,
		entry.IssuedAmount.Currency,
		entry.IssuedAmount.GrossCents,
		entry.IssuedAmount.NetCents,
		entry.HoldingAmount.Currency,
		entry.HoldingAmount.GrossCents,
		entry.HoldingAmount.NetCents,
	).Scan(&entry.CreatedAt)
}

const balanceTransactionColumns = `id, user_id, merchant_account_id, purchase_id, refund_id, dispute_id, credit_id,
	       occurred_on, reference_date,
	       issued_currency, issued_gross_cents, issued_net_cents,
	       holding_currency, holding_gross_cents, holding_net_cents,
	       balance_id, created_at`

func scanBalanceTransaction(row pgx.Row, entry *domain.BalanceTransaction) error {
	return row.Scan(
		&entry.ID,
		&entry.UserID,
		&entry.MerchantAccountID,
		&entry.PurchaseID,
		&entry.RefundID,
		&entry.DisputeID,
		&entry.CreditID,
		&entry.OccurredOn,
		&entry.ReferenceDate,
		&entry.IssuedAmount.Currency,
		&entry.IssuedAmount.GrossCents,
		&entry.IssuedAmount.NetCents,
		&entry.HoldingAmount.Currency,
		&entry.HoldingAmount.GrossCents,
		&entry.HoldingAmount.NetCents,
		&entry.BalanceID,
		&entry.CreatedAt,
	)
}

// GetBalanceTransaction retrieves a ledger entry by id.
func (r *PostgresRepository) GetBalanceTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.BalanceTransaction, error) {
	var entry domain.BalanceTransaction
	query := `SELECT ` + balanceTransactionColumns + ` FROM balance_transactions WHERE id = $1`
	err := scanBalanceTransaction(r.db.QueryRow(ctx, query, transactionID), &entry)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBalanceTransactionNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// ListBalanceTransactionsByBalance retrieves the entries linked to a bucket in
// insertion order.
func (r *PostgresRepository) ListBalanceTransactionsByBalance(ctx context.Context, balanceID uuid.UUID) ([]domain.BalanceTransaction, error) {
	query := `SELECT ` + balanceTransactionColumns + ` FROM balance_transactions WHERE balance_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, balanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.BalanceTransaction
	for rows.Next() {
		var entry domain.BalanceTransaction
		if err := scanBalanceTransaction(rows, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
