package bank

import (
	"context"
	"time"

	"github.com/offlinepay/bank/ledger"
)

// ============================================================================
// Hook Context Types
// ============================================================================

// VerifyContext contains information passed to verify hooks
type VerifyContext struct {
	Ctx       context.Context
	Ledger    *ledger.Ledger
	RawBytes  []byte
	Encrypted bool
	Timestamp time.Time
}

// VerifyResultContext contains a verify operation result and context
type VerifyResultContext struct {
	VerifyContext
	Result   VerifyResponse
	Duration time.Duration
}

// VerifyFailureContext contains a verify operation failure and context
type VerifyFailureContext struct {
	VerifyContext
	Error    error
	Duration time.Duration
}

// SettleContext contains information passed to settle hooks
type SettleContext struct {
	Ctx       context.Context
	Ledger    *ledger.Ledger
	RawBytes  []byte
	Encrypted bool
	Timestamp time.Time
}

// SettleResultContext contains a settle operation result and context
type SettleResultContext struct {
	SettleContext
	Result   SettleResponse
	Duration time.Duration
}

// SettleFailureContext contains a settle operation failure and context
type SettleFailureContext struct {
	SettleContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Hook Result Types
// ============================================================================

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the operation will be aborted with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// VerifyFailureHookResult represents the result of a verify failure hook
// If Recovered is true, the hook has recovered from the failure with the given result
type VerifyFailureHookResult struct {
	Recovered bool
	Result    VerifyResponse
}

// SettleFailureHookResult represents the result of a settle failure hook
type SettleFailureHookResult struct {
	Recovered bool
	Result    SettleResponse
}

// ============================================================================
// Hook Function Types
// ============================================================================

// BeforeVerifyHook is called before ledger verification
// If it returns a result with Abort=true, verification will be skipped
// and an invalid VerifyResponse will be returned with the provided reason
type BeforeVerifyHook func(VerifyContext) (*BeforeHookResult, error)

// AfterVerifyHook is called after ledger verification completes
// Any error returned will be logged but will not affect the verification result
type AfterVerifyHook func(VerifyResultContext) error

// OnVerifyFailureHook is called when ledger verification fails with an error
// If it returns a result with Recovered=true, the provided VerifyResponse
// will be returned instead of the error
type OnVerifyFailureHook func(VerifyFailureContext) (*VerifyFailureHookResult, error)

// BeforeSettleHook is called before ledger settlement
// If it returns a result with Abort=true, settlement will be aborted
// and an error will be returned with the provided reason
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook is called after ledger settlement completes
// Any error returned will be logged but will not affect the settlement result
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook is called when ledger settlement fails with an error
// If it returns a result with Recovered=true, the provided SettleResponse
// will be returned instead of the error
type OnSettleFailureHook func(SettleFailureContext) (*SettleFailureHookResult, error)
