// Package postgres owns the relational substrate: connection setup and the
// schema the settlement core runs against. All monetary columns are
// NUMERIC; the settled_transactions uniqueness on txn_id is the
// authoritative double-spend guard under concurrency.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the "postgres" driver.
	_ "github.com/lib/pq"
)

// Open connects to the database behind dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id        TEXT PRIMARY KEY,
		full_name      TEXT NOT NULL,
		email_or_phone TEXT NOT NULL,
		role           TEXT NOT NULL CHECK (role IN ('sender', 'receiver')),
		bank_id        TEXT NOT NULL,
		public_key     JSONB,
		kyc_status     TEXT NOT NULL DEFAULT 'pending',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (email_or_phone, role),
		UNIQUE (bank_id, role)
	)`,

	`CREATE TABLE IF NOT EXISTS wallets (
		wallet_id       TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL UNIQUE REFERENCES users (user_id) ON DELETE RESTRICT,
		approved_limit  NUMERIC(18,2) NOT NULL,
		current_balance NUMERIC(18,2) NOT NULL CHECK (current_balance >= 0),
		used_amount     NUMERIC(18,2) NOT NULL DEFAULT 0,
		locked_amount   NUMERIC(18,2) NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'approved', 'rejected', 'suspended')),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (used_amount + current_balance = approved_limit)
	)`,

	`CREATE TABLE IF NOT EXISTS settled_transactions (
		txn_id       TEXT PRIMARY KEY,
		wallet_id    TEXT NOT NULL REFERENCES wallets (wallet_id) ON DELETE RESTRICT,
		from_user_id TEXT NOT NULL REFERENCES users (user_id) ON DELETE RESTRICT,
		to_user_id   TEXT REFERENCES users (user_id) ON DELETE RESTRICT,
		amount       NUMERIC(18,2) NOT NULL,
		ledger_index INTEGER NOT NULL,
		receiver_id  TEXT,
		settled_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id         UUID PRIMARY KEY,
		actor      TEXT NOT NULL CHECK (actor IN ('bank', 'sender', 'receiver')),
		action     TEXT NOT NULL,
		txn_id     TEXT,
		status     TEXT NOT NULL CHECK (status IN ('success', 'error')),
		details    JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS audit_logs_created_at_idx
		ON audit_logs (created_at DESC)`,

	`CREATE INDEX IF NOT EXISTS settled_transactions_wallet_idx
		ON settled_transactions (wallet_id)`,
}

// Migrate applies the schema. Statements are idempotent so startup can run
// this unconditionally.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
