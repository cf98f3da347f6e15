// Package idempotency deduplicates settlement submissions. A client that
// retries a settle request after a timeout must not double-apply the
// ledger; the store caches the marshaled response keyed by a digest of the
// raw submission bytes and tracks in-flight requests so concurrent
// duplicates wait instead of racing.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Status represents the result of checking the store.
type Status int

const (
	// StatusNotFound means no cached result and no in-flight request.
	StatusNotFound Status = iota
	// StatusCached means a cached result was found.
	StatusCached
	// StatusInFlight means another request is currently processing this settlement.
	StatusInFlight
)

// Store is the settlement idempotency backend. Implementations must be
// safe for concurrent use. Results travel as opaque bytes (the marshaled
// settle response) so distributed backends can persist them directly.
type Store interface {
	// CheckAndMark atomically checks the store and marks the key as
	// in-flight if needed.
	//
	// Returns:
	//   - StatusCached + result + nil: a cached result exists, return it immediately
	//   - StatusInFlight + nil + done: another request is processing, wait on done
	//   - StatusNotFound + nil + done: this request should proceed (now marked in-flight)
	//
	// The done channel must be passed back to Complete or Fail when the
	// operation finishes.
	CheckAndMark(ctx context.Context, key string) (Status, []byte, chan struct{}, error)

	// WaitForResult waits for an in-flight request to complete, respecting
	// context cancellation. Returns the cached result, or nil if the
	// in-flight request failed and the caller should retry.
	WaitForResult(ctx context.Context, key string, done chan struct{}) ([]byte, error)

	// Complete caches the response and signals any waiting goroutines.
	Complete(ctx context.Context, key string, result []byte, done chan struct{}) error

	// Fail removes the in-flight marker without caching a result,
	// signaling waiters that they should retry.
	Fail(ctx context.Context, key string, done chan struct{}) error
}

// Key derives the deduplication key from the raw submission bytes. The
// submission embeds signatures and transaction ids, so byte-identical
// retries map to the same key while any semantic change produces a new one.
func Key(payload []byte) string {
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}
