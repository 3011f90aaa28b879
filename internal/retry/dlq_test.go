package retry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDLQEnqueueAndList(t *testing.T) {
	dlq := NewMemDLQ()
	ctx := context.Background()

	entries, err := dlq.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, dlq.Enqueue(ctx, Task{TransactionID: "txn_1", PSPName: "stripe", Attempt: 5, LastError: "terminal provider error"}))
	require.NoError(t, dlq.Enqueue(ctx, Task{TransactionID: "txn_2", PSPName: "adyen", Attempt: 5, LastError: "circuit open"}))

	entries, err = dlq.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "txn_1", entries[0].TransactionID)
	assert.Equal(t, "txn_2", entries[1].TransactionID)
	assert.False(t, entries[0].MovedAt.IsZero())
}

func TestMemDLQListReturnsACopy(t *testing.T) {
	dlq := NewMemDLQ()
	ctx := context.Background()
	require.NoError(t, dlq.Enqueue(ctx, Task{TransactionID: "txn_1"}))

	entries, err := dlq.List(ctx)
	require.NoError(t, err)
	entries[0].TransactionID = "mutated"

	fresh, err := dlq.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "txn_1", fresh[0].TransactionID)
}
