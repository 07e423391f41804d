package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL bootstraps the ledger tables. The partial unique index on unpaid
// buckets is load-bearing: concurrent bucket creation relies on one inserter
// losing with SQLSTATE 23505 and re-selecting the winner's row.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS balances (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	merchant_account_id UUID NOT NULL,
	currency TEXT NOT NULL,
	holding_currency TEXT NOT NULL,
	date DATE NOT NULL,
	state TEXT NOT NULL DEFAULT 'unpaid',
	amount_cents BIGINT NOT NULL DEFAULT 0,
	holding_amount_cents BIGINT NOT NULL DEFAULT 0,
	payment_id UUID,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS balances_unpaid_bucket_key
	ON balances (user_id, merchant_account_id, currency, holding_currency, date)
	WHERE state = 'unpaid';

CREATE INDEX IF NOT EXISTS balances_user_state_idx ON balances (user_id, state);

CREATE TABLE IF NOT EXISTS balance_transactions (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	merchant_account_id UUID NOT NULL,
	purchase_id UUID,
	refund_id UUID,
	dispute_id UUID,
	credit_id UUID,
	occurred_on DATE NOT NULL,
	reference_date DATE,
	issued_currency TEXT NOT NULL,
	issued_gross_cents BIGINT NOT NULL,
	issued_net_cents BIGINT NOT NULL,
	holding_currency TEXT NOT NULL,
	holding_gross_cents BIGINT NOT NULL,
	holding_net_cents BIGINT NOT NULL,
	balance_id UUID REFERENCES balances (id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT balance_transactions_single_cause CHECK (
		(purchase_id IS NOT NULL)::int
		+ (refund_id IS NOT NULL)::int
		+ (dispute_id IS NOT NULL)::int
		+ (credit_id IS NOT NULL)::int = 1
	)
);

CREATE INDEX IF NOT EXISTS balance_transactions_balance_idx ON balance_transactions (balance_id);

CREATE TABLE IF NOT EXISTS payments (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	bank_account_id UUID,
	payee_email TEXT,
	processor TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'creating',
	amount_cents BIGINT NOT NULL,
	currency TEXT NOT NULL,
	transfer_id TEXT,
	correlation_id TEXT,
	failure_reason TEXT,
	split_mode BOOLEAN NOT NULL DEFAULT FALSE,
	last_reconcile_error TEXT,
	last_reconciled_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS payments_user_idx ON payments (user_id);
CREATE INDEX IF NOT EXISTS payments_transfer_idx ON payments (transfer_id);
CREATE INDEX IF NOT EXISTS payments_state_idx ON payments (state);

CREATE TABLE IF NOT EXISTS payment_balances (
	payment_id UUID NOT NULL REFERENCES payments (id),
	balance_id UUID NOT NULL REFERENCES balances (id),
	PRIMARY KEY (payment_id, balance_id)
);
`

// EnsureSchema creates the ledger tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, schemaSQL)
	return err
}
