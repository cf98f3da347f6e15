package bank_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bank "github.com/offlinepay/bank"
	"github.com/offlinepay/bank/audit"
	"github.com/offlinepay/bank/envelope"
	"github.com/offlinepay/bank/idempotency"
	"github.com/offlinepay/bank/keys"
	"github.com/offlinepay/bank/ledger"
	"github.com/offlinepay/bank/ledger/ledgertest"
)

// recordingSink captures audit appends in memory.
type recordingSink struct {
	mu      sync.Mutex
	entries []sinkEntry
}

type sinkEntry struct {
	Actor, Action, TxnID, Status string
	Details                      map[string]any
}

func (s *recordingSink) Append(_ context.Context, actor, action, txnID, status string, details map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sinkEntry{actor, action, txnID, status, details})
	return "audit-id", nil
}

func (s *recordingSink) byAction(action string) []sinkEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkEntry
	for _, e := range s.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func newTestBank(t *testing.T) (*bank.Bank, *keys.Manager, *recordingSink) {
	t.Helper()
	km := keys.NewManager(filepath.Join(t.TempDir(), "bank_keys.json"))
	require.NoError(t, km.LoadOrGenerate())
	sink := &recordingSink{}
	return bank.New(bank.Config{KeyManager: km, Audit: sink}), km, sink
}

func signedLedgerBody(t *testing.T) []byte {
	t.Helper()
	customer := ledgertest.NewSigner(t)
	merchant := ledgertest.NewSigner(t)
	txn := ledgertest.SignTransaction(t, customer, ledgertest.TxnSpec{
		TxnID:    "txn-1",
		FromID:   "BANK-001",
		ToID:     "MERCHANT-1",
		Amount:   42.5,
		PrevHash: ledger.GenesisHash,
	})
	led := ledgertest.BuildLedger(t, merchant, "MERCHANT-1", txn)
	body, err := json.Marshal(led)
	require.NoError(t, err)
	return body
}

func TestVerifyPlainLedger(t *testing.T) {
	b, _, sink := newTestBank(t)

	resp, err := b.Verify(context.Background(), signedLedgerBody(t))
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, []string{"txn-1"}, resp.VerifiedTransactions)
	assert.Empty(t, resp.Errors)

	audits := sink.byAction(audit.ActionVerifyLedger)
	require.Len(t, audits, 1)
	assert.Equal(t, audit.StatusSuccess, audits[0].Status)
}

func TestVerifyTamperedLedger(t *testing.T) {
	b, _, sink := newTestBank(t)

	var led ledger.Ledger
	require.NoError(t, json.Unmarshal(signedLedgerBody(t), &led))
	led.Entries[0].Transaction.Amount = 9999
	body, err := json.Marshal(led)
	require.NoError(t, err)

	resp, err := b.Verify(context.Background(), body)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Errors)
	assert.Empty(t, resp.VerifiedTransactions)

	audits := sink.byAction(audit.ActionVerifyLedger)
	require.Len(t, audits, 1)
	assert.Equal(t, audit.StatusError, audits[0].Status)
}

func TestVerifyEncryptedEnvelope(t *testing.T) {
	b, km, sink := newTestBank(t)

	env, err := envelope.Seal(signedLedgerBody(t), km.PrivateKey().PublicKey())
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)

	resp, err := b.Verify(context.Background(), body)
	require.NoError(t, err)
	assert.True(t, resp.Valid)

	decrypts := sink.byAction(audit.ActionDecryptEnvelope)
	require.Len(t, decrypts, 1)
	assert.Equal(t, audit.StatusSuccess, decrypts[0].Status)
}

func TestVerifyEnvelopeForAnotherKey(t *testing.T) {
	b, _, sink := newTestBank(t)

	other := keys.NewManager(filepath.Join(t.TempDir(), "other.json"))
	require.NoError(t, other.LoadOrGenerate())
	env, err := envelope.Seal(signedLedgerBody(t), other.PrivateKey().PublicKey())
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = b.Verify(context.Background(), body)
	var bankErr *bank.Error
	require.ErrorAs(t, err, &bankErr)
	assert.Equal(t, bank.ErrCodeDecryptFailed, bankErr.Code)

	decrypts := sink.byAction(audit.ActionDecryptEnvelope)
	require.Len(t, decrypts, 1)
	assert.Equal(t, audit.StatusError, decrypts[0].Status)
}

func TestVerifyMalformedEnvelope(t *testing.T) {
	b, _, _ := newTestBank(t)

	_, err := b.Verify(context.Background(), []byte(`{"encrypted_payload":"abc"}`))
	var bankErr *bank.Error
	require.ErrorAs(t, err, &bankErr)
	assert.Equal(t, bank.ErrCodeEnvelopeMalformed, bankErr.Code)
}

func TestVerifyMalformedLedger(t *testing.T) {
	b, _, _ := newTestBank(t)

	_, err := b.Verify(context.Background(), []byte(`{"not_a_ledger":true}`))
	var bankErr *bank.Error
	require.ErrorAs(t, err, &bankErr)
	assert.Equal(t, bank.ErrCodeMalformedLedger, bankErr.Code)
}

func TestBeforeVerifyHookAbort(t *testing.T) {
	b, _, _ := newTestBank(t)
	b.OnBeforeVerify(func(bank.VerifyContext) (*bank.BeforeHookResult, error) {
		return &bank.BeforeHookResult{Abort: true, Reason: "maintenance window"}, nil
	})

	_, err := b.Verify(context.Background(), signedLedgerBody(t))
	var bankErr *bank.Error
	require.ErrorAs(t, err, &bankErr)
	assert.Equal(t, bank.ErrCodeVerifyAborted, bankErr.Code)
	assert.Equal(t, "maintenance window", bankErr.Message)
}

func TestAfterVerifyHookObservesResult(t *testing.T) {
	b, _, _ := newTestBank(t)
	var seen *bank.VerifyResponse
	b.OnAfterVerify(func(rc bank.VerifyResultContext) error {
		seen = &rc.Result
		return nil
	})

	_, err := b.Verify(context.Background(), signedLedgerBody(t))
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.True(t, seen.Valid)
}

func TestSettleRejectsInvalidLedger(t *testing.T) {
	// No engine is wired: an invalid ledger must be rejected before
	// settlement is attempted at all.
	b, _, sink := newTestBank(t)

	var led ledger.Ledger
	require.NoError(t, json.Unmarshal(signedLedgerBody(t), &led))
	led.Entries[0].Hash = "deadbeef"
	body, err := json.Marshal(led)
	require.NoError(t, err)

	resp, err := b.Settle(context.Background(), body)
	require.NoError(t, err)
	assert.False(t, resp.Settled)
	assert.NotEmpty(t, resp.Errors)

	rejects := sink.byAction(audit.ActionReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, "verification", rejects[0].Details["stage"])
}

func TestSettleAnsweredFromIdempotencyCache(t *testing.T) {
	km := keys.NewManager(filepath.Join(t.TempDir(), "bank_keys.json"))
	require.NoError(t, km.LoadOrGenerate())
	store := idempotency.NewMemoryStore(time.Minute)
	// No engine: a cache hit must short-circuit before settlement.
	b := bank.New(bank.Config{KeyManager: km, Audit: &recordingSink{}, Idempotency: store})

	body := signedLedgerBody(t)
	cached, err := json.Marshal(bank.SettleResponse{
		Settled:             true,
		SettledTransactions: []string{"txn-1"},
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, _, done, err := store.CheckAndMark(ctx, idempotency.Key(body))
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, idempotency.Key(body), cached, done))

	resp, err := b.Settle(ctx, body)
	require.NoError(t, err)
	assert.True(t, resp.Settled)
	assert.Equal(t, []string{"txn-1"}, resp.SettledTransactions)
}

func TestBeforeSettleHookAbort(t *testing.T) {
	b, _, _ := newTestBank(t)
	b.OnBeforeSettle(func(bank.SettleContext) (*bank.BeforeHookResult, error) {
		return &bank.BeforeHookResult{Abort: true, Reason: "settlement paused"}, nil
	})

	_, err := b.Settle(context.Background(), signedLedgerBody(t))
	var bankErr *bank.Error
	require.ErrorAs(t, err, &bankErr)
	assert.Equal(t, bank.ErrCodeSettleAborted, bankErr.Code)
}
