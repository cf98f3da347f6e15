package audit_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinepay/bank/audit"
	"github.com/offlinepay/bank/postgres"
)

func testStore(t *testing.T) *audit.Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, postgres.Migrate(ctx, db))
	return audit.NewStore(db)
}

func TestAppendAndList(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, audit.ActorBank, audit.ActionVerifyLedger, "txn-1",
		audit.StatusSuccess, map[string]any{"entries": 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := store.List(ctx, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var got *audit.Entry
	for i := range entries {
		if entries[i].ID == id {
			got = &entries[i]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, audit.ActorBank, got.Actor)
	assert.Equal(t, audit.ActionVerifyLedger, got.Action)
	assert.Equal(t, "txn-1", got.TxnID)
	assert.Equal(t, float64(3), got.Details["entries"])
}

func TestAppendEmptyTxnID(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, audit.ActorBank, audit.ActionReject, "",
		audit.StatusError, nil)
	require.NoError(t, err)

	entries, err := store.List(ctx, 10, 0)
	require.NoError(t, err)
	for _, e := range entries {
		if e.ID == id {
			assert.Empty(t, e.TxnID)
			assert.NotNil(t, e.Details)
			return
		}
	}
	t.Fatal("appended entry not listed")
}

func TestListClampsLimit(t *testing.T) {
	store := testStore(t)
	_, err := store.List(context.Background(), -5, -1)
	assert.NoError(t, err)
}
