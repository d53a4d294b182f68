package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yoma-reconciler/internal/models"
)

func newQueue(t *testing.T, capacity int64) *DeadLetterQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewDeadLetterQueue(client, capacity)
}

func failedItem(i int) models.PendingItem {
	reason := fmt.Sprintf("max retries exceeded: attempt %d", i)
	return models.PendingItem{
		ID:           fmt.Sprintf("item-%d", i),
		Status:       models.StatusError,
		ErrorReason:  &reason,
		RetryCount:   5,
		DateModified: time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC),
	}
}

func TestPushAndPeekNewestFirst(t *testing.T) {
	q := newQueue(t, 10)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Push(ctx, models.JobWalletCreation, failedItem(i)))
	}

	entries, err := q.Peek(ctx, models.JobWalletCreation, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "item-3", entries[0].ItemID)
	assert.Equal(t, "item-2", entries[1].ItemID)
	assert.Equal(t, "max retries exceeded: attempt 3", entries[0].ErrorReason)
	assert.Equal(t, uint8(5), entries[0].RetryCount)
}

func TestPushTrimsToCapacity(t *testing.T) {
	q := newQueue(t, 2)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Push(ctx, models.JobRewardTransaction, failedItem(i)))
	}

	retained, total, err := q.Depth(ctx, models.JobRewardTransaction)
	require.NoError(t, err)
	assert.Equal(t, int64(2), retained)
	assert.Equal(t, int64(5), total)
}

func TestFeedsArePerJob(t *testing.T) {
	q := newQueue(t, 10)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, models.JobWalletCreation, failedItem(1)))

	entries, err := q.Peek(ctx, models.JobTenantCreation, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	retained, total, err := q.Depth(ctx, models.JobTenantCreation)
	require.NoError(t, err)
	assert.Zero(t, retained)
	assert.Zero(t, total)
}
