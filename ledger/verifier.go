package ledger

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/offlinepay/bank/canonical"
	"github.com/offlinepay/bank/webcrypto"
)

// Error codes carried in EntryError.Code.
const (
	CodeCanonicalForm    = "canonical_form"
	CodeHashMismatch     = "hash_mismatch"
	CodeChainMismatch    = "chain_mismatch"
	CodeSignatureInvalid = "signature_invalid"
	CodeIndexGap         = "index_gap"
	CodeDuplicateTxn     = "duplicate_txn"
)

// LedgerLevel is the ledger_index reported for errors that are not tied to
// a single entry (merchant signature, tail hash).
const LedgerLevel = -1

// EntryError locates one verification failure within a submission.
type EntryError struct {
	LedgerIndex int    `json:"ledger_index"`
	Code        string `json:"code"`
	Reason      string `json:"reason"`
}

// Verdict is the verifier's output. Valid is the logical AND over every
// check; Errors collects all failures so the client can repair its ledger
// in one round trip.
type Verdict struct {
	Valid                bool         `json:"valid"`
	VerifiedTransactions []string     `json:"verified_transactions"`
	Errors               []EntryError `json:"errors"`
}

// Verifier walks ledgers. It is stateless and safe for concurrent use.
type Verifier struct{}

// NewVerifier returns a Verifier.
func NewVerifier() *Verifier { return &Verifier{} }

// TransactionHash recomputes the canonical hash of a transaction under the
// preferred variant (wallet_id included iff non-empty). ok reports whether
// the claimed hash matches either variant; the customer signed under one of
// the two and both must remain acceptable.
func (v *Verifier) TransactionHash(txn *Transaction) (computed string, ok bool, err error) {
	fields := canonical.Fields{
		TxnID:     txn.TxnID,
		FromID:    txn.FromID,
		ToID:      txn.ToID,
		Amount:    txn.Amount,
		Timestamp: txn.Timestamp,
		PrevHash:  txn.PrevHash,
		WalletID:  txn.WalletID,
	}
	preferred := canonical.PreferredVariant(fields)
	enc, err := canonical.Encode(fields, preferred)
	if err != nil {
		return "", false, err
	}
	computed = webcrypto.SHA256Hex(enc)
	if computed == txn.Hash {
		return computed, true, nil
	}

	fallback := canonical.Compact
	if preferred == canonical.Compact {
		fallback = canonical.Extended
	}
	encAlt, err := canonical.Encode(fields, fallback)
	if err != nil {
		return computed, false, nil
	}
	if webcrypto.SHA256Hex(encAlt) == txn.Hash {
		return txn.Hash, true, nil
	}
	return computed, false, nil
}

// Verify checks the whole submission. A single entry's failure does not
// short-circuit the walk; the one exception is the merchant signature,
// whose failure rejects the submission outright (the walk still runs so
// the client gets the full error list).
func (v *Verifier) Verify(l *Ledger) Verdict {
	verdict := Verdict{
		VerifiedTransactions: []string{},
		Errors:               []EntryError{},
	}
	if len(l.Entries) == 0 {
		verdict.Valid = true
		return verdict
	}

	if err := v.verifyMerchantSignature(l); err != nil {
		verdict.Errors = append(verdict.Errors, EntryError{
			LedgerIndex: LedgerLevel,
			Code:        CodeSignatureInvalid,
			Reason:      err.Error(),
		})
	}

	prev := GenesisHash
	seen := make(map[string]int, len(l.Entries))

	for i := range l.Entries {
		entry := &l.Entries[i]
		txn := &entry.Transaction
		fail := func(code, reason string) {
			verdict.Errors = append(verdict.Errors, EntryError{
				LedgerIndex: entry.LedgerIndex,
				Code:        code,
				Reason:      reason,
			})
		}

		if entry.LedgerIndex != i {
			fail(CodeIndexGap, fmt.Sprintf("ledger_index %d, expected %d", entry.LedgerIndex, i))
		}

		chainHash := txn.Hash
		computed, hashOK, err := v.TransactionHash(txn)
		switch {
		case err != nil:
			fail(CodeCanonicalForm, err.Error())
		case !hashOK:
			fail(CodeHashMismatch, fmt.Sprintf("transaction hash mismatch: computed %s", truncate(computed)))
			chainHash = computed
		}

		// The chain is rebuilt over the recomputed transaction hashes: a
		// tampered transaction breaks every subsequent link, while a tampered
		// entry hash breaks only its own, because the correct expectation
		// keeps carrying forward. No chain error is reported on an entry
		// whose transaction hash already failed.
		expected := webcrypto.SHA256Hex([]byte(prev + chainHash))
		if err == nil && hashOK && expected != entry.Hash {
			fail(CodeChainMismatch, fmt.Sprintf("ledger hash mismatch: expected %s, got %s",
				truncate(expected), truncate(entry.Hash)))
		}

		if err := v.verifyTransactionSignature(txn); err != nil {
			fail(CodeSignatureInvalid, err.Error())
		}

		if first, dup := seen[txn.TxnID]; dup {
			fail(CodeDuplicateTxn, fmt.Sprintf("txn_id %s already appears at entry %d", txn.TxnID, first))
		} else {
			seen[txn.TxnID] = i
		}

		prev = expected
	}

	verdict.Valid = len(verdict.Errors) == 0
	if verdict.Valid {
		for i := range l.Entries {
			verdict.VerifiedTransactions = append(verdict.VerifiedTransactions, l.Entries[i].Transaction.TxnID)
		}
	}
	return verdict
}

// verifyMerchantSignature checks the merchant's ECDSA signature over the
// raw bytes of the chain tail. The tail must also match the last entry's
// hash; otherwise the signature covers a different ledger than the one
// submitted.
func (v *Verifier) verifyMerchantSignature(l *Ledger) error {
	if l.Signature == "" {
		return fmt.Errorf("missing ledger signature")
	}
	if l.ReceiverPublicKey == nil {
		return fmt.Errorf("missing receiver public key")
	}

	tail := l.Entries[len(l.Entries)-1].Hash
	if l.Hash != "" && l.Hash != tail {
		return fmt.Errorf("ledger hash %s does not match chain tail %s", truncate(l.Hash), truncate(tail))
	}

	digest, err := hex.DecodeString(tail)
	if err != nil {
		return fmt.Errorf("chain tail is not hex: %w", err)
	}
	pub, err := l.ReceiverPublicKey.ECDSAPublicKey()
	if err != nil {
		return fmt.Errorf("receiver public key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(l.Signature)
	if err != nil {
		return fmt.Errorf("ledger signature is not base64: %w", err)
	}
	if err := webcrypto.VerifyP1363(pub, sig, digest); err != nil {
		return fmt.Errorf("ledger signature verify failed")
	}
	return nil
}

// verifyTransactionSignature checks the customer's ECDSA signature over the
// raw bytes of the transaction hash, under the embedded sender key.
func (v *Verifier) verifyTransactionSignature(txn *Transaction) error {
	if txn.Signature == "" {
		return fmt.Errorf("missing transaction signature")
	}
	if txn.SenderPublicKey == nil {
		return fmt.Errorf("missing sender public key")
	}
	digest, err := hex.DecodeString(txn.Hash)
	if err != nil {
		return fmt.Errorf("transaction hash is not hex: %w", err)
	}
	pub, err := txn.SenderPublicKey.ECDSAPublicKey()
	if err != nil {
		return fmt.Errorf("sender public key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(txn.Signature)
	if err != nil {
		return fmt.Errorf("transaction signature is not base64: %w", err)
	}
	if err := webcrypto.VerifyP1363(pub, sig, digest); err != nil {
		return fmt.Errorf("transaction signature verify failed")
	}
	return nil
}

func truncate(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "..."
}
