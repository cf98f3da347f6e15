// Package wallet holds the persistent customer escrow state. A wallet is
// the pre-approved offline spending allowance: settlement debits
// current_balance and credits used_amount, keeping their sum pinned to
// approved_limit.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the wallet lifecycle state. Settlement is permitted only for
// approved wallets.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusSuspended Status = "suspended"
)

// ErrNotFound reports a wallet lookup miss.
var ErrNotFound = errors.New("wallet: not found")

// Wallet is one customer escrow account.
type Wallet struct {
	WalletID       string          `json:"wallet_id"`
	UserID         string          `json:"user_id"`
	ApprovedLimit  decimal.Decimal `json:"approved_limit"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	UsedAmount     decimal.Decimal `json:"used_amount"`
	LockedAmount   decimal.Decimal `json:"locked_amount"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CheckInvariant verifies the escrow accounting law:
// used_amount + current_balance == approved_limit and current_balance >= 0.
func (w *Wallet) CheckInvariant() error {
	if w.CurrentBalance.IsNegative() {
		return fmt.Errorf("wallet %s: negative balance %s", w.WalletID, w.CurrentBalance)
	}
	if !w.UsedAmount.Add(w.CurrentBalance).Equal(w.ApprovedLimit) {
		return fmt.Errorf("wallet %s: used %s + balance %s != limit %s",
			w.WalletID, w.UsedAmount, w.CurrentBalance, w.ApprovedLimit)
	}
	return nil
}

// Store is the read surface for wallets outside the settlement engine's
// transactions (admin console, lookups).
type Store struct {
	db *sql.DB
}

// NewStore returns a store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `
	wallet_id, user_id, approved_limit, current_balance,
	used_amount, locked_amount, status, created_at, updated_at`

// Get fetches a wallet by id.
func (s *Store) Get(ctx context.Context, walletID string) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM wallets WHERE wallet_id = $1`, walletID)
	return scan(row)
}

// GetByBankID fetches the sender wallet belonging to the user with the
// given user-visible bank identifier.
func (s *Store) GetByBankID(ctx context.Context, bankID string) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM wallets w
		JOIN users u ON u.user_id = w.user_id
		WHERE u.bank_id = $1 AND u.role = 'sender'`, bankID)
	return scan(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Scan reads one wallet row in selectColumns order. Shared with the
// settlement engine, whose locked reads happen inside its own transaction.
func Scan(row rowScanner) (*Wallet, error) {
	return scan(row)
}

func scan(row rowScanner) (*Wallet, error) {
	var w Wallet
	var limit, balance, used, locked string
	err := row.Scan(&w.WalletID, &w.UserID, &limit, &balance,
		&used, &locked, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: scan: %w", err)
	}
	if w.ApprovedLimit, err = decimal.NewFromString(limit); err != nil {
		return nil, fmt.Errorf("wallet: approved_limit: %w", err)
	}
	if w.CurrentBalance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("wallet: current_balance: %w", err)
	}
	if w.UsedAmount, err = decimal.NewFromString(used); err != nil {
		return nil, fmt.Errorf("wallet: used_amount: %w", err)
	}
	if w.LockedAmount, err = decimal.NewFromString(locked); err != nil {
		return nil, fmt.Errorf("wallet: locked_amount: %w", err)
	}
	return &w, nil
}
