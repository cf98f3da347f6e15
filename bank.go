// Package bank is the settlement core entry point. It accepts raw
// submission bytes at the network boundary, detects the wire form
// (encrypted envelope or plain ledger), routes through envelope opening,
// chain and signature verification, and atomic settlement, and records
// every decision in the audit log.
package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/offlinepay/bank/audit"
	"github.com/offlinepay/bank/envelope"
	"github.com/offlinepay/bank/idempotency"
	"github.com/offlinepay/bank/keys"
	"github.com/offlinepay/bank/ledger"
	"github.com/offlinepay/bank/settle"
	"github.com/offlinepay/bank/webcrypto"
)

// Bank wires verification and settlement together behind a byte-level API.
// Handlers hand it the request body as-is; the bank decides whether the
// bytes are an envelope or a plain ledger.
type Bank struct {
	mu sync.RWMutex

	keys     *keys.Manager
	verifier *ledger.Verifier
	engine   *settle.Engine
	audits   AuditSink
	store    idempotency.Store
	log      *zap.Logger

	// Lifecycle hooks
	beforeVerifyHooks    []BeforeVerifyHook
	afterVerifyHooks     []AfterVerifyHook
	onVerifyFailureHooks []OnVerifyFailureHook
	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook
}

// AuditSink receives the bank's decision records. *audit.Store is the
// production implementation.
type AuditSink interface {
	Append(ctx context.Context, actor, action, txnID, status string, details map[string]any) (string, error)
}

// Config carries the bank's collaborators. KeyManager, Engine and Audit
// are required; Idempotency and Logger are optional.
type Config struct {
	KeyManager  *keys.Manager
	Engine      *settle.Engine
	Audit       AuditSink
	Idempotency idempotency.Store
	Logger      *zap.Logger
}

// New creates a Bank from cfg.
func New(cfg Config) *Bank {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Bank{
		keys:     cfg.KeyManager,
		verifier: ledger.NewVerifier(),
		engine:   cfg.Engine,
		audits:   cfg.Audit,
		store:    cfg.Idempotency,
		log:      log,
	}
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (b *Bank) OnBeforeVerify(hook BeforeVerifyHook) *Bank {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beforeVerifyHooks = append(b.beforeVerifyHooks, hook)
	return b
}

func (b *Bank) OnAfterVerify(hook AfterVerifyHook) *Bank {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.afterVerifyHooks = append(b.afterVerifyHooks, hook)
	return b
}

func (b *Bank) OnVerifyFailure(hook OnVerifyFailureHook) *Bank {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onVerifyFailureHooks = append(b.onVerifyFailureHooks, hook)
	return b
}

func (b *Bank) OnBeforeSettle(hook BeforeSettleHook) *Bank {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beforeSettleHooks = append(b.beforeSettleHooks, hook)
	return b
}

func (b *Bank) OnAfterSettle(hook AfterSettleHook) *Bank {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.afterSettleHooks = append(b.afterSettleHooks, hook)
	return b
}

func (b *Bank) OnSettleFailure(hook OnSettleFailureHook) *Bank {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSettleFailureHooks = append(b.onSettleFailureHooks, hook)
	return b
}

// PublicJWK returns the bank's envelope public key for client key exchange.
func (b *Bank) PublicJWK() webcrypto.JWK {
	return b.keys.PublicJWK()
}

// ============================================================================
// Core Methods (Network Boundary - accepts bytes, routes internally)
// ============================================================================

// Verify checks a ledger submission (detects the wire form from bytes).
// Structural failures (bad envelope, undecryptable payload, unparseable
// ledger) return a typed *Error; verification failures return a normal
// response with Valid=false.
func (b *Bank) Verify(ctx context.Context, body []byte) (VerifyResponse, error) {
	led, encrypted, err := b.decode(ctx, body)
	if err != nil {
		failureCtx := VerifyFailureContext{
			VerifyContext: VerifyContext{Ctx: ctx, RawBytes: body, Encrypted: encrypted, Timestamp: time.Now()},
			Error:         err,
		}
		for _, hook := range b.verifyFailure() {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		return VerifyResponse{Valid: false, Errors: []ledger.EntryError{}}, err
	}

	hookCtx := VerifyContext{
		Ctx:       ctx,
		Ledger:    led,
		RawBytes:  body,
		Encrypted: encrypted,
		Timestamp: time.Now(),
	}
	for _, hook := range b.verifyHooks() {
		result, err := hook(hookCtx)
		if err != nil {
			return VerifyResponse{Valid: false, Errors: []ledger.EntryError{}}, err
		}
		if result != nil && result.Abort {
			return VerifyResponse{Valid: false, Errors: []ledger.EntryError{}},
				NewError(ErrCodeVerifyAborted, result.Reason, nil)
		}
	}

	start := time.Now()
	verdict := b.verifier.Verify(led)
	resp := VerifyResponse{
		Valid:                verdict.Valid,
		VerifiedTransactions: verdict.VerifiedTransactions,
		Errors:               verdict.Errors,
	}

	status := audit.StatusSuccess
	if !verdict.Valid {
		status = audit.StatusError
	}
	if _, err := b.audits.Append(ctx, audit.ActorBank, audit.ActionVerifyLedger, "", status,
		map[string]any{
			"receiver_id": led.ReceiverID,
			"entries":     len(led.Entries),
			"valid":       verdict.Valid,
			"error_count": len(verdict.Errors),
			"encrypted":   encrypted,
		}); err != nil {
		b.log.Warn("verify audit write failed", zap.Error(err))
	}

	resultCtx := VerifyResultContext{VerifyContext: hookCtx, Result: resp, Duration: time.Since(start)}
	for _, hook := range b.afterVerify() {
		if err := hook(resultCtx); err != nil {
			b.log.Warn("after-verify hook failed", zap.Error(err))
		}
	}

	b.log.Info("ledger verified",
		zap.String("receiver_id", led.ReceiverID),
		zap.Int("entries", len(led.Entries)),
		zap.Bool("valid", verdict.Valid),
		zap.Int("errors", len(verdict.Errors)))
	return resp, nil
}

// Settle verifies and settles a ledger submission. Settlement only runs
// when verification passes in full; a failed verification returns
// Settled=false carrying the verifier's error list. Byte-identical retries
// are answered from the idempotency store when one is configured.
func (b *Bank) Settle(ctx context.Context, body []byte) (SettleResponse, error) {
	led, encrypted, err := b.decode(ctx, body)
	if err != nil {
		return SettleResponse{Settled: false}, err
	}

	hookCtx := SettleContext{
		Ctx:       ctx,
		Ledger:    led,
		RawBytes:  body,
		Encrypted: encrypted,
		Timestamp: time.Now(),
	}
	for _, hook := range b.settleHooks() {
		result, err := hook(hookCtx)
		if err != nil {
			return SettleResponse{Settled: false}, err
		}
		if result != nil && result.Abort {
			return SettleResponse{Settled: false}, NewError(ErrCodeSettleAborted, result.Reason, nil)
		}
	}

	start := time.Now()
	resp, settleErr := b.settleDeduped(ctx, led, body, encrypted)

	if settleErr != nil {
		failureCtx := SettleFailureContext{SettleContext: hookCtx, Error: settleErr, Duration: time.Since(start)}
		for _, hook := range b.settleFailure() {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		return resp, settleErr
	}

	resultCtx := SettleResultContext{SettleContext: hookCtx, Result: resp, Duration: time.Since(start)}
	for _, hook := range b.afterSettle() {
		if err := hook(resultCtx); err != nil {
			b.log.Warn("after-settle hook failed", zap.Error(err))
		}
	}
	return resp, nil
}

// settleDeduped wraps settleLedger with the idempotency store, when
// configured. Only settled outcomes are cached; failures clear the
// in-flight marker so the client can retry.
func (b *Bank) settleDeduped(ctx context.Context, led *ledger.Ledger, body []byte, encrypted bool) (SettleResponse, error) {
	if b.store == nil {
		return b.settleLedger(ctx, led, encrypted)
	}

	key := idempotency.Key(body)
	for {
		status, cached, done, err := b.store.CheckAndMark(ctx, key)
		if err != nil {
			b.log.Warn("idempotency check failed, settling without dedup", zap.Error(err))
			return b.settleLedger(ctx, led, encrypted)
		}

		switch status {
		case idempotency.StatusCached:
			var resp SettleResponse
			if err := json.Unmarshal(cached, &resp); err == nil {
				b.log.Info("settle answered from idempotency cache", zap.String("key", key[:16]))
				return resp, nil
			}
			// Unreadable cache entry; fall through and settle.
			return b.settleLedger(ctx, led, encrypted)

		case idempotency.StatusInFlight:
			result, err := b.store.WaitForResult(ctx, key, done)
			if err != nil {
				return SettleResponse{Settled: false}, err
			}
			if result != nil {
				var resp SettleResponse
				if err := json.Unmarshal(result, &resp); err == nil {
					return resp, nil
				}
			}
			// The in-flight request failed; take over the key.
			continue

		default:
			resp, err := b.settleLedger(ctx, led, encrypted)
			if err != nil || !resp.Settled {
				if failErr := b.store.Fail(ctx, key, done); failErr != nil {
					b.log.Warn("idempotency fail-mark failed", zap.Error(failErr))
				}
				return resp, err
			}
			encoded, marshalErr := json.Marshal(resp)
			if marshalErr != nil {
				encoded = nil
			}
			if err := b.store.Complete(ctx, key, encoded, done); err != nil {
				b.log.Warn("idempotency complete failed", zap.Error(err))
			}
			return resp, nil
		}
	}
}

func (b *Bank) settleLedger(ctx context.Context, led *ledger.Ledger, encrypted bool) (SettleResponse, error) {
	verdict := b.verifier.Verify(led)
	if !verdict.Valid {
		if _, err := b.audits.Append(ctx, audit.ActorBank, audit.ActionReject, "", audit.StatusError,
			map[string]any{
				"receiver_id": led.ReceiverID,
				"stage":       "verification",
				"error_count": len(verdict.Errors),
			}); err != nil {
			b.log.Warn("reject audit write failed", zap.Error(err))
		}
		b.log.Info("settlement rejected at verification",
			zap.String("receiver_id", led.ReceiverID),
			zap.Int("errors", len(verdict.Errors)))
		return SettleResponse{
			Settled:             false,
			SettledTransactions: []string{},
			Errors:              verdict.Errors,
		}, nil
	}

	result, err := b.engine.Settle(ctx, led)
	if err != nil {
		return SettleResponse{Settled: false}, fmt.Errorf("settle ledger: %w", err)
	}

	b.log.Info("ledger settled",
		zap.String("receiver_id", led.ReceiverID),
		zap.Bool("settled", result.Settled),
		zap.Int("settled_count", len(result.SettledTransactions)),
		zap.Int("errors", len(result.Errors)),
		zap.Bool("encrypted", encrypted))
	return SettleResponse{
		Settled:             result.Settled,
		SettledTransactions: result.SettledTransactions,
		Errors:              result.Errors,
		AuditLogIDs:         result.AuditLogIDs,
	}, nil
}

// decode turns raw submission bytes into a parsed ledger, opening the
// envelope first when the bytes are the encrypted form.
func (b *Bank) decode(ctx context.Context, body []byte) (*ledger.Ledger, bool, error) {
	encrypted := envelope.IsEnvelope(body)
	plain := body

	if encrypted {
		env, err := envelope.Parse(body)
		if err != nil {
			b.auditDecrypt(ctx, audit.StatusError, map[string]any{"reason": err.Error()})
			return nil, true, NewError(ErrCodeEnvelopeMalformed, err.Error(), nil)
		}
		plain, err = env.Open(b.keys.PrivateKey())
		if err != nil {
			b.auditDecrypt(ctx, audit.StatusError, map[string]any{"reason": err.Error()})
			if errors.Is(err, envelope.ErrMalformed) {
				return nil, true, NewError(ErrCodeEnvelopeMalformed, err.Error(), nil)
			}
			return nil, true, NewError(ErrCodeDecryptFailed, "envelope decryption failed", nil)
		}
		b.auditDecrypt(ctx, audit.StatusSuccess, map[string]any{"bytes": len(plain)})
	}

	led, err := ledger.Parse(plain)
	if err != nil {
		return nil, encrypted, NewError(ErrCodeMalformedLedger, err.Error(), nil)
	}
	return led, encrypted, nil
}

func (b *Bank) auditDecrypt(ctx context.Context, status string, details map[string]any) {
	if _, err := b.audits.Append(ctx, audit.ActorBank, audit.ActionDecryptEnvelope, "", status, details); err != nil {
		b.log.Warn("decrypt audit write failed", zap.Error(err))
	}
}

// Hook slice snapshots, taken under the read lock so registration during
// traffic is safe.

func (b *Bank) verifyHooks() []BeforeVerifyHook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]BeforeVerifyHook(nil), b.beforeVerifyHooks...)
}

func (b *Bank) afterVerify() []AfterVerifyHook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]AfterVerifyHook(nil), b.afterVerifyHooks...)
}

func (b *Bank) verifyFailure() []OnVerifyFailureHook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]OnVerifyFailureHook(nil), b.onVerifyFailureHooks...)
}

func (b *Bank) settleHooks() []BeforeSettleHook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]BeforeSettleHook(nil), b.beforeSettleHooks...)
}

func (b *Bank) afterSettle() []AfterSettleHook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]AfterSettleHook(nil), b.afterSettleHooks...)
}

func (b *Bank) settleFailure() []OnSettleFailureHook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]OnSettleFailureHook(nil), b.onSettleFailureHooks...)
}
