package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsStable(t *testing.T) {
	payload := []byte(`{"ledger":[]}`)
	assert.Equal(t, Key(payload), Key(payload))
	assert.NotEqual(t, Key(payload), Key([]byte(`{"ledger":[{}]}`)))
	assert.Len(t, Key(payload), 64)
}

func TestMemoryStoreCacheHit(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	status, _, done, err := store.CheckAndMark(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, status)

	require.NoError(t, store.Complete(ctx, "k1", []byte(`{"settled":true}`), done))

	status, result, _, err := store.CheckAndMark(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusCached, status)
	assert.JSONEq(t, `{"settled":true}`, string(result))
}

func TestMemoryStoreInFlightWait(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	status, _, done, err := store.CheckAndMark(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, status)

	status2, _, wait, err := store.CheckAndMark(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusInFlight, status2)

	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte
	go func() {
		defer wg.Done()
		got, _ = store.WaitForResult(ctx, "k1", wait)
	}()

	require.NoError(t, store.Complete(ctx, "k1", []byte(`ok`), done))
	wg.Wait()
	assert.Equal(t, []byte(`ok`), got)
}

func TestMemoryStoreFailAllowsRetry(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	_, _, done, err := store.CheckAndMark(ctx, "k1")
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, "k1", done))

	// No cached result: the next attempt proceeds.
	status, result, _, err := store.CheckAndMark(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, status)
	assert.Nil(t, result)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	store := NewMemoryStore(10 * time.Millisecond)
	ctx := context.Background()

	_, _, done, err := store.CheckAndMark(ctx, "k1")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "k1", []byte(`ok`), done))

	time.Sleep(20 * time.Millisecond)

	status, _, _, err := store.CheckAndMark(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, status)
}

func TestMemoryStoreWaitRespectsContext(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	_, _, done, err := store.CheckAndMark(context.Background(), "k1")
	require.NoError(t, err)
	defer store.Fail(context.Background(), "k1", done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = store.WaitForResult(ctx, "k1", done)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
