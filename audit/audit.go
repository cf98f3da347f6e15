// Package audit is the append-only record of every decision the settlement
// core takes. Entries are never updated or deleted. Success audits for
// settlements ride inside the settlement's own database transaction so the
// log can never show a settlement that did not happen; failure audits go
// through short standalone writes and are durable regardless.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Actors.
const (
	ActorBank     = "bank"
	ActorSender   = "sender"
	ActorReceiver = "receiver"
)

// Statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Actions recorded by the settlement core.
const (
	ActionDecryptEnvelope = "decrypt_envelope"
	ActionVerifyLedger    = "verify_ledger"
	ActionSettle          = "settle"
	ActionSettleLedger    = "settle_ledger"
	ActionReject          = "reject"
)

// Entry is one audit row.
type Entry struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	TxnID     string         `json:"txn_id,omitempty"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store appends and lists audit rows.
type Store struct {
	db *sql.DB
}

// NewStore returns a store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const insertSQL = `
	INSERT INTO audit_logs (id, actor, action, txn_id, status, details)
	VALUES ($1, $2, $3, $4, $5, $6)`

// Append writes one entry in its own short transaction and returns its id.
func (s *Store) Append(ctx context.Context, actor, action, txnID, status string, details map[string]any) (string, error) {
	id := uuid.NewString()
	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, insertSQL, id, actor, action, nullable(txnID), status, detailsJSON); err != nil {
		return "", fmt.Errorf("audit: append: %w", err)
	}
	return id, nil
}

// AppendTx writes one entry inside the caller's transaction. If the caller
// rolls back, the entry rolls back with it.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, actor, action, txnID, status string, details map[string]any) (string, error) {
	id := uuid.NewString()
	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, insertSQL, id, actor, action, nullable(txnID), status, detailsJSON); err != nil {
		return "", fmt.Errorf("audit: append: %w", err)
	}
	return id, nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, COALESCE(txn_id, ''), status, details, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.TxnID, &e.Status, &detailsJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("audit: details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		details = map[string]any{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal details: %w", err)
	}
	return b, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
