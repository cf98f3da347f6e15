// Package ledgertest builds signed transactions and chained ledgers for
// tests, standing in for the customer and merchant front-ends.
package ledgertest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/offlinepay/bank/canonical"
	"github.com/offlinepay/bank/ledger"
	"github.com/offlinepay/bank/webcrypto"
)

// Signer is a client-side ECDSA-P256 identity (customer or merchant).
type Signer struct {
	Key *ecdsa.PrivateKey
	JWK webcrypto.JWK
}

// NewSigner generates a fresh P-256 signing identity.
func NewSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ec, err := key.PublicKey.ECDH()
	if err != nil {
		t.Fatalf("export public key: %v", err)
	}
	return &Signer{Key: key, JWK: webcrypto.PublicKeyToJWK(ec)}
}

// TxnSpec describes a transaction to synthesize.
type TxnSpec struct {
	TxnID    string
	FromID   string
	ToID     string
	Amount   float64
	WalletID string
	PrevHash string
}

// SignTransaction canonicalizes, hashes and signs a transaction the way the
// customer front-end does.
func SignTransaction(t *testing.T, customer *Signer, spec TxnSpec) ledger.Transaction {
	t.Helper()
	fields := canonical.Fields{
		TxnID:     spec.TxnID,
		FromID:    spec.FromID,
		ToID:      spec.ToID,
		Amount:    spec.Amount,
		Timestamp: "2025-06-01T12:00:00Z",
		PrevHash:  spec.PrevHash,
		WalletID:  spec.WalletID,
	}
	enc, err := canonical.Encode(fields, canonical.PreferredVariant(fields))
	if err != nil {
		t.Fatalf("canonical encode: %v", err)
	}
	hashHex := webcrypto.SHA256Hex(enc)
	digest, _ := hex.DecodeString(hashHex)
	sig, err := webcrypto.SignP1363(customer.Key, digest)
	if err != nil {
		t.Fatalf("sign transaction: %v", err)
	}
	jwk := customer.JWK
	return ledger.Transaction{
		TxnID:           spec.TxnID,
		FromID:          spec.FromID,
		ToID:            spec.ToID,
		Amount:          spec.Amount,
		Timestamp:       fields.Timestamp,
		PrevHash:        spec.PrevHash,
		WalletID:        spec.WalletID,
		Hash:            hashHex,
		Signature:       base64.StdEncoding.EncodeToString(sig),
		SenderPublicKey: &jwk,
	}
}

// BuildLedger chains the given transactions from GENESIS and signs the
// chain tail with the merchant key.
func BuildLedger(t *testing.T, merchant *Signer, receiverID string, txns ...ledger.Transaction) *ledger.Ledger {
	t.Helper()
	prev := ledger.GenesisHash
	entries := make([]ledger.Entry, 0, len(txns))
	for i, txn := range txns {
		entryHash := webcrypto.SHA256Hex([]byte(prev + txn.Hash))
		entries = append(entries, ledger.Entry{
			LedgerIndex: i,
			Transaction: txn,
			Hash:        entryHash,
			Status:      ledger.StatusVerified,
		})
		prev = entryHash
	}

	l := &ledger.Ledger{
		ReceiverID: receiverID,
		Entries:    entries,
		ExportedAt: "2025-06-01T18:00:00Z",
	}
	if len(entries) > 0 {
		l.Hash = prev
		digest, _ := hex.DecodeString(prev)
		sig, err := webcrypto.SignP1363(merchant.Key, digest)
		if err != nil {
			t.Fatalf("sign ledger: %v", err)
		}
		l.Signature = base64.StdEncoding.EncodeToString(sig)
		jwk := merchant.JWK
		l.ReceiverPublicKey = &jwk
	}
	return l
}
