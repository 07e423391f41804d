package store

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sellermint/ledger-service/internal/domain"
)

const paymentColumns = `id, user_id, bank_account_id, payee_email, processor, state, amount_cents, currency,
	       transfer_id, correlation_id, failure_reason, split_mode,
	       last_reconcile_error, last_reconciled_at, created_at, updated_at`

func scanPayment(row pgx.Row, p *domain.Payment) error {
	return row.Scan(
		&p.ID,
		&p.UserID,
		&p.BankAccountID,
		&p.PayeeEmail,
		&p.Processor,
		&p.State,
		&p.AmountCents,
		&p.Currency,
		&p.TransferID,
		&p.CorrelationID,
		&p.FailureReason,
		&p.SplitMode,
		&p.LastReconcileError,
		&p.LastReconciledAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
}

// CreatePayment inserts a payout batch over an explicit set of unpaid balances.
// Each balance row is locked in id order, validated (unpaid, unattached, owned
// by the payee, consistent holding currency) and attached to the payment; the
// payment amount is the sum of the holding totals. Everything happens in one
// transaction so a failed validation leaves no partial attachment behind.
func (r *PostgresRepository) CreatePayment(ctx context.Context, payment *domain.Payment, balanceIDs []uuid.UUID) error {
	if len(balanceIDs) == 0 {
		return ErrBalanceNotPayable
	}

	// Stable lock order across concurrent payment creations.
	ids := make([]uuid.UUID, len(balanceIDs))
	copy(ids, balanceIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var total int64
	currency := ""
	for _, balanceID := range ids {
		var (
			ownerID            uuid.UUID
			holdingCurrency    string
			holdingAmountCents int64
			state              domain.BalanceState
			paymentID          *uuid.UUID
		)
		err := tx.QueryRow(ctx,
			`SELECT user_id, holding_currency, holding_amount_cents, state, payment_id FROM balances WHERE id = $1 FOR UPDATE`,
			balanceID,
		).Scan(&ownerID, &holdingCurrency, &holdingAmountCents, &state, &paymentID)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrBalanceNotFound
			}
			return err
		}
		if ownerID != payment.UserID || state != domain.BalanceUnpaid || paymentID != nil {
			return ErrBalanceNotPayable
		}
		if currency == "" {
			currency = holdingCurrency
		} else if currency != holdingCurrency {
			return ErrCurrencyMismatch
		}
		total += holdingAmountCents
	}

	payment.State = domain.PaymentCreating
	payment.AmountCents = total
	payment.Currency = currency

	insertQuery := `
		INSERT INTO payments (id, user_id, bank_account_id, payee_email, processor, state, amount_cents, currency, split_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	if err := tx.QueryRow(ctx, insertQuery,
		payment.ID,
		payment.UserID,
		payment.BankAccountID,
		payment.PayeeEmail,
		payment.Processor,
		payment.State,
		payment.AmountCents,
		payment.Currency,
		payment.SplitMode,
	).Scan(&payment.CreatedAt, &payment.UpdatedAt); err != nil {
		return err
	}

	for _, balanceID := range ids {
		if _, err := tx.Exec(ctx,
			`INSERT INTO payment_balances (payment_id, balance_id) VALUES ($1, $2)`,
			payment.ID, balanceID,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE balances SET payment_id = $1, updated_at = NOW() WHERE id = $2`,
			payment.ID, balanceID,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetPayment retrieves a payment by id.
func (r *PostgresRepository) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	var payment domain.Payment
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	err := scanPayment(r.db.QueryRow(ctx, query, paymentID), &payment)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// ListPaymentsByUser retrieves a payee's payments, newest first.
func (r *PostgresRepository) ListPaymentsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	} else if limit > 500 {
		limit = 500
	}
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var payment domain.Payment
		if err := scanPayment(rows, &payment); err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

// ListReconcilablePayments retrieves payments still in a non-terminal state,
// stalest reconciliation first.
func (r *PostgresRepository) ListReconcilablePayments(ctx context.Context, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE state IN ('creating', 'processing', 'unclaimed')
		ORDER BY last_reconciled_at ASC NULLS FIRST, created_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var payment domain.Payment
		if err := scanPayment(rows, &payment); err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

// FindPaymentByTransferID retrieves a payment by the processor's transfer id.
func (r *PostgresRepository) FindPaymentByTransferID(ctx context.Context, transferID string) (*domain.Payment, error) {
	var payment domain.Payment
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transfer_id = $1`
	err := scanPayment(r.db.QueryRow(ctx, query, transferID), &payment)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// FindPaymentByCorrelationID retrieves a payment by its rail correlation id.
func (r *PostgresRepository) FindPaymentByCorrelationID(ctx context.Context, correlationID string) (*domain.Payment, error) {
	var payment domain.Payment
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE correlation_id = $1`
	err := scanPayment(r.db.QueryRow(ctx, query, correlationID), &payment)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// TransitionPayment performs one state-machine step atomically: the payment row
// is swapped from -> to with a conditional update, and, when requested, every
// owned balance is flipped under its own exclusive row lock inside the same
// transaction. A concurrent balance transaction targeting one of those rows
// therefore lands fully before or fully after the flip, never in between.
func (r *PostgresRepository) TransitionPayment(ctx context.Context, params TransitionPaymentParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE payments
		 SET state = $1, failure_reason = COALESCE($2, failure_reason), updated_at = NOW()
		 WHERE id = $3 AND state = $4`,
		params.To, params.FailureReason, params.PaymentID, params.From,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentStateConflict
	}

	if params.BalanceState != nil {
		rows, err := tx.Query(ctx, `
			SELECT b.id
			FROM balances b
			JOIN payment_balances pb ON pb.balance_id = b.id
			WHERE pb.payment_id = $1
			ORDER BY b.id
			FOR UPDATE OF b
		`, params.PaymentID)
		if err != nil {
			return err
		}
		var balanceIDs []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			balanceIDs = append(balanceIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, balanceID := range balanceIDs {
			// Idempotent flips: marking a paid balance paid again, or an
			// unpaid one unpaid, leaves the row as-is.
			if *params.BalanceState == domain.BalancePaid {
				if _, err := tx.Exec(ctx,
					`UPDATE balances SET state = 'paid', updated_at = NOW() WHERE id = $1 AND state <> 'paid'`,
					balanceID,
				); err != nil {
					return err
				}
			} else {
				if _, err := tx.Exec(ctx,
					`UPDATE balances SET state = 'unpaid', payment_id = NULL, updated_at = NOW()
					 WHERE id = $1 AND (state <> 'unpaid' OR payment_id IS NOT NULL)`,
					balanceID,
				); err != nil {
					return err
				}
			}
		}
	}

	return tx.Commit(ctx)
}

// SetPaymentProcessorRefs fills in the processor correlation identifiers after
// the payout has been submitted to the rail.
func (r *PostgresRepository) SetPaymentProcessorRefs(ctx context.Context, paymentID uuid.UUID, transferID, correlationID *string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE payments
		 SET transfer_id = COALESCE($1, transfer_id),
		     correlation_id = COALESCE($2, correlation_id),
		     updated_at = NOW()
		 WHERE id = $3`,
		transferID, correlationID, paymentID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// RecordPaymentReconcileError stores a reconciliation failure on the payment
// without touching its state; the scheduler retries later.
func (r *PostgresRepository) RecordPaymentReconcileError(ctx context.Context, paymentID uuid.UUID, message string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE payments SET last_reconcile_error = $1, last_reconciled_at = NOW(), updated_at = NOW() WHERE id = $2`,
		message, paymentID,
	)
	return err
}

// TouchPaymentReconciled clears any previous reconciliation error and stamps
// the sweep time.
func (r *PostgresRepository) TouchPaymentReconciled(ctx context.Context, paymentID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE payments SET last_reconcile_error = NULL, last_reconciled_at = NOW(), updated_at = NOW() WHERE id = $1`,
		paymentID,
	)
	return err
}
