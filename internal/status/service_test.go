package status

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yoma-reconciler/internal/models"
)

type countingSource struct {
	calls atomic.Int32
	rows  []models.StatusLookup
	err   error
}

func (s *countingSource) ListStatuses(_ context.Context, _ string) ([]models.StatusLookup, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]models.StatusLookup, len(s.rows))
	copy(out, s.rows)
	return out, nil
}

func walletStatuses() []models.StatusLookup {
	return []models.StatusLookup{
		{ID: "3", Name: "Pending"},
		{ID: "1", Name: "Created"},
		{ID: "2", Name: "Error"},
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestGetByNameTrimsAndIgnoresCase(t *testing.T) {
	svc := NewService("wallet_creation_status", &countingSource{rows: walletStatuses()}, nil)

	a, err := svc.GetByName(context.Background(), "  pending ")
	require.NoError(t, err)
	b, err := svc.GetByName(context.Background(), "Pending")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, "3", a.ID)
}

func TestGetByNameErrors(t *testing.T) {
	svc := NewService("wallet_creation_status", &countingSource{rows: walletStatuses()}, nil)

	_, err := svc.GetByName(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.GetByName(context.Background(), "Issued")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetByID(t *testing.T) {
	svc := NewService("wallet_creation_status", &countingSource{rows: walletStatuses()}, nil)

	st, err := svc.GetByID(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, "Error", st.Name)

	_, err = svc.GetByID(context.Background(), "9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSortedByName(t *testing.T) {
	svc := NewService("wallet_creation_status", &countingSource{rows: walletStatuses()}, nil)

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	names := []string{list[0].Name, list[1].Name, list[2].Name}
	assert.Equal(t, []string{"Created", "Error", "Pending"}, names)
}

func TestListPropagatesSourceError(t *testing.T) {
	svc := NewService("wallet_creation_status", &countingSource{err: errors.New("db down")}, nil)

	_, err := svc.List(context.Background())
	assert.Error(t, err)
}

func TestIDs(t *testing.T) {
	svc := NewService("wallet_creation_status", &countingSource{rows: walletStatuses()}, nil)

	ids, err := svc.IDs(context.Background(), "pending", "ERROR")
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "2"}, ids)

	_, err = svc.IDs(context.Background(), "pending", "Missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheServesRepeatedLookups(t *testing.T) {
	src := &countingSource{rows: walletStatuses()}
	svc := NewService("wallet_creation_status", src, NewCache(time.Hour, 24*time.Hour))

	for i := 0; i < 5; i++ {
		_, err := svc.GetByName(context.Background(), "Pending")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestCacheSlidingExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewCache(time.Hour, 24*time.Hour)
	cache.now = clock.now
	src := &countingSource{rows: walletStatuses()}
	svc := NewService("wallet_creation_status", src, cache)

	_, err := svc.List(context.Background())
	require.NoError(t, err)

	// Each hit inside the window pushes expiry out by another hour.
	for i := 0; i < 3; i++ {
		clock.advance(50 * time.Minute)
		_, err = svc.List(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), src.calls.Load())

	clock.advance(61 * time.Minute)
	_, err = svc.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCacheAbsoluteExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewCache(time.Hour, 2*time.Hour)
	cache.now = clock.now
	src := &countingSource{rows: walletStatuses()}
	svc := NewService("wallet_creation_status", src, cache)

	_, err := svc.List(context.Background())
	require.NoError(t, err)

	// Keep sliding, but the absolute deadline still wins.
	for i := 0; i < 4; i++ {
		clock.advance(30 * time.Minute)
		_, err = svc.List(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCacheKeyedByTable(t *testing.T) {
	cache := NewCache(time.Hour, 24*time.Hour)
	wallet := &countingSource{rows: walletStatuses()}
	reward := &countingSource{rows: []models.StatusLookup{{ID: "9", Name: "Processed"}}}

	_, err := NewService("wallet_creation_status", wallet, cache).GetByName(context.Background(), "Pending")
	require.NoError(t, err)
	st, err := NewService("reward_transaction_status", reward, cache).GetByName(context.Background(), "processed")
	require.NoError(t, err)
	assert.Equal(t, "9", st.ID)
}

func TestSharedTierPopulatesOtherProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	first := &countingSource{rows: walletStatuses()}
	_, err := NewService("wallet_creation_status", first,
		NewCache(time.Hour, 24*time.Hour).WithShared(client)).List(context.Background())
	require.NoError(t, err)

	second := &countingSource{rows: walletStatuses()}
	svc := NewService("wallet_creation_status", second, NewCache(time.Hour, 24*time.Hour).WithShared(client))
	st, err := svc.GetByName(context.Background(), "created")
	require.NoError(t, err)
	assert.Equal(t, "1", st.ID)
	assert.Equal(t, int32(0), second.calls.Load())
}

func TestSharedTierKeepsOriginalDeadline(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	loader := NewCache(time.Hour, 2*time.Hour).WithShared(client)
	loader.now = (&fakeClock{t: start}).now
	_, err := NewService("wallet_creation_status", &countingSource{rows: walletStatuses()}, loader).List(context.Background())
	require.NoError(t, err)

	clock := &fakeClock{t: start.Add(90 * time.Minute)}
	reader := NewCache(time.Hour, 2*time.Hour).WithShared(client)
	reader.now = clock.now
	src := &countingSource{rows: walletStatuses()}
	svc := NewService("wallet_creation_status", src, reader)

	_, err = svc.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), src.calls.Load())

	// Two hours after the first load the copy is stale, however recently it was picked up.
	clock.advance(40 * time.Minute)
	_, err = svc.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
}
