// Package settle executes verified ledgers against wallet escrow. A
// settlement is all or none: every entry must clear, or the whole batch
// rolls back and the wallets are untouched. Entries already settled in a
// prior batch are skipped, not failed, so replaying a ledger is safe.
package settle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/offlinepay/bank/audit"
	"github.com/offlinepay/bank/ledger"
	"github.com/offlinepay/bank/wallet"
)

// Failure codes reported per entry.
const (
	CodeWalletNotFound      = "wallet_not_found"
	CodeWalletNotApproved   = "wallet_not_approved"
	CodeInsufficientBalance = "insufficient_balance"
	CodeSettlementFailed    = "settlement_failed"
)

// Result is the outcome of one settlement attempt.
type Result struct {
	Settled             bool                `json:"settled"`
	SettledTransactions []string            `json:"settled_transactions"`
	Errors              []ledger.EntryError `json:"errors,omitempty"`
	AuditLogIDs         []string            `json:"audit_log_ids,omitempty"`
}

// Engine settles ledgers against the wallet tables.
type Engine struct {
	db    *sql.DB
	audit *audit.Store
}

// NewEngine returns an engine over db, recording to auditStore.
func NewEngine(db *sql.DB, auditStore *audit.Store) *Engine {
	return &Engine{db: db, audit: auditStore}
}

// Settle applies every entry of led inside one serializable transaction.
// On any entry failure the transaction rolls back, Settled is false, and
// Errors lists each failed entry. Entries whose txn_id is already present
// in settled_transactions are skipped silently.
func (e *Engine) Settle(ctx context.Context, led *ledger.Ledger) (*Result, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("settle: begin: %w", err)
	}
	defer tx.Rollback()

	res := &Result{SettledTransactions: []string{}}
	var settled []string
	var txAuditIDs []string
	for _, entry := range led.Entries {
		outcome, err := e.settleEntry(ctx, tx, led, entry)
		if err != nil {
			return nil, err
		}
		switch {
		case outcome.failure != nil:
			res.Errors = append(res.Errors, *outcome.failure)
		case outcome.settled:
			settled = append(settled, entry.Transaction.TxnID)
			txAuditIDs = append(txAuditIDs, outcome.auditID)
		}
	}

	if len(res.Errors) > 0 {
		// Rollback via the deferred call. The in-transaction audit rows and
		// settled inserts vanish with it, so neither is reported. Failure
		// audits must survive the rollback and go through standalone writes.
		for _, fe := range res.Errors {
			id, auditErr := e.audit.Append(ctx, audit.ActorBank, audit.ActionReject,
				e.txnIDAt(led, fe.LedgerIndex), audit.StatusError, map[string]any{
					"code":         fe.Code,
					"reason":       fe.Reason,
					"ledger_index": fe.LedgerIndex,
				})
			if auditErr == nil {
				res.AuditLogIDs = append(res.AuditLogIDs, id)
			}
		}
		summaryID, auditErr := e.audit.Append(ctx, audit.ActorBank, audit.ActionSettleLedger,
			"", audit.StatusError, map[string]any{
				"receiver_id": led.ReceiverID,
				"entries":     len(led.Entries),
				"error_count": len(res.Errors),
			})
		if auditErr == nil {
			res.AuditLogIDs = append(res.AuditLogIDs, summaryID)
		}
		return res, nil
	}

	summaryID, err := e.audit.AppendTx(ctx, tx, audit.ActorBank, audit.ActionSettleLedger,
		"", audit.StatusSuccess, map[string]any{
			"receiver_id":   led.ReceiverID,
			"entries":       len(led.Entries),
			"settled_count": len(settled),
		})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("settle: commit: %w", err)
	}
	res.Settled = true
	res.SettledTransactions = append(res.SettledTransactions, settled...)
	res.AuditLogIDs = append(txAuditIDs, summaryID)
	return res, nil
}

type entryOutcome struct {
	settled bool
	auditID string
	failure *ledger.EntryError
}

func (e *Engine) settleEntry(ctx context.Context, tx *sql.Tx, led *ledger.Ledger, entry ledger.Entry) (entryOutcome, error) {
	txn := entry.Transaction

	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM settled_transactions WHERE txn_id = $1)`,
		txn.TxnID).Scan(&exists)
	if err != nil {
		return entryOutcome{}, fmt.Errorf("settle: settled check: %w", err)
	}
	if exists {
		return entryOutcome{}, nil
	}

	w, err := e.lockWallet(ctx, tx, txn)
	if errors.Is(err, wallet.ErrNotFound) {
		return failure(entry, CodeWalletNotFound,
			fmt.Sprintf("no wallet for sender %s", txn.FromID)), nil
	}
	if err != nil {
		return entryOutcome{}, err
	}

	if w.Status != wallet.StatusApproved {
		return failure(entry, CodeWalletNotApproved,
			fmt.Sprintf("wallet %s status is %s", w.WalletID, w.Status)), nil
	}

	amount := decimal.NewFromFloat(txn.Amount)
	if amount.IsNegative() {
		return failure(entry, CodeSettlementFailed,
			fmt.Sprintf("negative amount %s", amount)), nil
	}
	if w.CurrentBalance.LessThan(amount) {
		return failure(entry, CodeInsufficientBalance,
			fmt.Sprintf("wallet %s balance %s < amount %s", w.WalletID, w.CurrentBalance, amount)), nil
	}

	toUserID, err := e.receiverUserID(ctx, tx, txn.ToID)
	if err != nil {
		return entryOutcome{}, err
	}

	// A concurrent settlement of the same txn_id surfaces here as a unique
	// violation. The savepoint keeps that from poisoning the rest of the
	// transaction, and the entry is treated as already settled.
	if _, err := tx.ExecContext(ctx, `SAVEPOINT entry`); err != nil {
		return entryOutcome{}, fmt.Errorf("settle: savepoint: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO settled_transactions
			(txn_id, wallet_id, from_user_id, to_user_id, amount, ledger_index, receiver_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		txn.TxnID, w.WalletID, w.UserID, toUserID, amount.StringFixed(2),
		entry.LedgerIndex, nullable(led.ReceiverID))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT entry`); rbErr != nil {
				return entryOutcome{}, fmt.Errorf("settle: rollback savepoint: %w", rbErr)
			}
			return entryOutcome{}, nil
		}
		return entryOutcome{}, fmt.Errorf("settle: insert settled: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT entry`); err != nil {
		return entryOutcome{}, fmt.Errorf("settle: release savepoint: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets
		SET current_balance = current_balance - $2,
		    used_amount     = used_amount + $2,
		    updated_at      = $3
		WHERE wallet_id = $1`,
		w.WalletID, amount.StringFixed(2), time.Now().UTC())
	if err != nil {
		return entryOutcome{}, fmt.Errorf("settle: debit wallet: %w", err)
	}

	auditID, err := e.audit.AppendTx(ctx, tx, audit.ActorBank, audit.ActionSettle,
		txn.TxnID, audit.StatusSuccess, map[string]any{
			"wallet_id":    w.WalletID,
			"from_id":      txn.FromID,
			"to_id":        txn.ToID,
			"amount":       txn.Amount,
			"ledger_index": entry.LedgerIndex,
		})
	if err != nil {
		return entryOutcome{}, err
	}
	return entryOutcome{settled: true, auditID: auditID}, nil
}

// lockWallet resolves and row-locks the sender wallet. The transaction's
// wallet_id, when present, wins; otherwise the wallet is found through the
// sender's bank id.
func (e *Engine) lockWallet(ctx context.Context, tx *sql.Tx, txn ledger.Transaction) (*wallet.Wallet, error) {
	const columns = `
		w.wallet_id, w.user_id, w.approved_limit, w.current_balance,
		w.used_amount, w.locked_amount, w.status, w.created_at, w.updated_at`

	if txn.WalletID != "" {
		row := tx.QueryRowContext(ctx, `
			SELECT `+columns+`
			FROM wallets w
			WHERE w.wallet_id = $1
			FOR UPDATE OF w`, txn.WalletID)
		w, err := wallet.Scan(row)
		if err == nil || !errors.Is(err, wallet.ErrNotFound) {
			return w, err
		}
		// Fall through to bank-id resolution when the claimed wallet does
		// not exist.
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+columns+`
		FROM wallets w
		JOIN users u ON u.user_id = w.user_id
		WHERE u.bank_id = $1 AND u.role = 'sender'
		FOR UPDATE OF w`, txn.FromID)
	return wallet.Scan(row)
}

// receiverUserID maps the transaction's to_id onto a receiver user, if one
// is registered with this bank. Unknown receivers settle with a NULL
// to_user_id.
func (e *Engine) receiverUserID(ctx context.Context, tx *sql.Tx, toID string) (any, error) {
	if toID == "" {
		return nil, nil
	}
	var userID string
	err := tx.QueryRowContext(ctx,
		`SELECT user_id FROM users WHERE bank_id = $1 AND role = 'receiver'`,
		toID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settle: receiver lookup: %w", err)
	}
	return userID, nil
}

func (e *Engine) txnIDAt(led *ledger.Ledger, index int) string {
	for _, entry := range led.Entries {
		if entry.LedgerIndex == index {
			return entry.Transaction.TxnID
		}
	}
	return ""
}

func failure(entry ledger.Entry, code, reason string) entryOutcome {
	return entryOutcome{failure: &ledger.EntryError{
		LedgerIndex: entry.LedgerIndex,
		Code:        code,
		Reason:      reason,
	}}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
