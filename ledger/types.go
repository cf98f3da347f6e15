// Package ledger defines the merchant ledger wire types and the verifier
// that checks a submitted ledger end to end: per-transaction hashes and
// signatures, the entry hash chain, index monotonicity and duplicate
// detection, plus the merchant's signature over the chain tail.
package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/offlinepay/bank/webcrypto"
)

// Entry status verdict tags.
const (
	StatusVerified = "verified"
	StatusRejected = "rejected"
)

// Transaction is the atomic payment intent produced by the customer.
type Transaction struct {
	TxnID           string         `json:"txn_id"`
	FromID          string         `json:"from_id"`
	ToID            string         `json:"to_id"`
	Amount          float64        `json:"amount"`
	Timestamp       string         `json:"timestamp"`
	PrevHash        string         `json:"prev_hash,omitempty"`
	WalletID        string         `json:"wallet_id,omitempty"`
	Hash            string         `json:"hash"`
	Signature       string         `json:"signature"`
	SenderPublicKey *webcrypto.JWK `json:"sender_public_key,omitempty"`
}

// Entry is one element of the merchant's append-only offline ledger. Hash
// covers the previous entry's hash (or the GENESIS sentinel) concatenated
// with the transaction's hash.
type Entry struct {
	LedgerIndex int         `json:"ledger_index"`
	Transaction Transaction `json:"transaction"`
	Hash        string      `json:"hash"`
	Status      string      `json:"status,omitempty"`
}

// Ledger is the complete merchant export. Hash is the chain tail (the last
// entry's hash) and Signature is the merchant's ECDSA-P256 signature over
// its raw bytes, verifiable under ReceiverPublicKey.
type Ledger struct {
	ReceiverID        string         `json:"receiver_id,omitempty"`
	Entries           []Entry        `json:"entries"`
	Hash              string         `json:"hash,omitempty"`
	Signature         string         `json:"signature,omitempty"`
	ReceiverPublicKey *webcrypto.JWK `json:"receiver_public_key,omitempty"`
	ExportedAt        string         `json:"exported_at,omitempty"`
}

// GenesisHash is the sentinel standing in for the previous entry hash of
// the first ledger entry.
const GenesisHash = "GENESIS"

// Parse decodes a ledger submission. The clients have shipped three body
// shapes over time: a bare entry array, a single entry object, and a
// wrapped {"ledger": {...}} object. All three resolve here, at parse time,
// into one Ledger. Unknown fields inside entries and transactions are
// rejected so that a client/server disagreement over the canonical form
// surfaces as a parse error instead of a silent signature failure.
func Parse(data []byte) (*Ledger, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("ledger: empty submission body")
	}

	if trimmed[0] == '[' {
		entries, err := parseEntries(data)
		if err != nil {
			return nil, err
		}
		return &Ledger{Entries: entries}, nil
	}

	// Probe the object's top-level keys without committing to a shape.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("ledger: invalid JSON: %w", err)
	}

	if wrapped, ok := probe["ledger"]; ok {
		return parseLedgerObject(wrapped)
	}
	if _, ok := probe["entries"]; ok {
		return parseLedgerObject(data)
	}
	if _, ok := probe["ledger_index"]; ok {
		entry, err := parseEntry(data)
		if err != nil {
			return nil, err
		}
		return &Ledger{Entries: []Entry{*entry}}, nil
	}
	return nil, fmt.Errorf("ledger: unrecognized submission shape")
}

func parseLedgerObject(data []byte) (*Ledger, error) {
	var l Ledger
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&l); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if l.Entries == nil {
		l.Entries = []Entry{}
	}
	return &l, nil
}

func parseEntries(data []byte) ([]Entry, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for i, r := range raw {
		e, err := parseEntry(r)
		if err != nil {
			return nil, fmt.Errorf("ledger: entry %d: %w", i, err)
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

func parseEntry(data []byte) (*Entry, error) {
	var e Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
