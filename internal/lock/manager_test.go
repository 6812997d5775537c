package lock_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lcrawford/membank/internal/lock"
	"github.com/lcrawford/membank/internal/memory"
	"github.com/lcrawford/membank/internal/storage"
)

func newTestManager(t *testing.T) *lock.Manager {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return lock.NewManager(db, zap.NewNop())
}

func TestAcquireAndRelease(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	res, err := mgr.Acquire(ctx, "proj", "k", "agent-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.Equal(t, "agent-1", res.Lock.LockedBy)

	require.NoError(t, mgr.Release(ctx, "proj", "k", "agent-1"))

	lck, err := mgr.Get(ctx, "proj", "k")
	require.NoError(t, err)
	assert.Nil(t, lck)
}

func TestAcquireContentionIsNotAnError(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.Acquire(ctx, "proj", "k", "agent-1", time.Minute)
	require.NoError(t, err)
	require.True(t, first.Acquired)

	second, err := mgr.Acquire(ctx, "proj", "k", "agent-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, second.Acquired)
	assert.Equal(t, "agent-1", second.Lock.LockedBy)
}

func TestAcquireConcurrentExactlyOneWins(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	const goroutines = 8
	var wg sync.WaitGroup
	wins := make(chan string, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			res, err := mgr.Acquire(ctx, "proj", "contested", holder, time.Minute)
			if err == nil && res.Acquired {
				wins <- holder
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	assert.Len(t, winners, 1)
}

func TestAcquireReclaimsExpiredLock(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	res, err := mgr.Acquire(ctx, "proj", "k", "agent-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	time.Sleep(80 * time.Millisecond)

	res, err = mgr.Acquire(ctx, "proj", "k", "agent-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.Equal(t, "agent-2", res.Lock.LockedBy)
}

func TestReleaseWrongHolderForbidden(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "proj", "k", "agent-1", time.Minute)
	require.NoError(t, err)

	err = mgr.Release(ctx, "proj", "k", "agent-2")
	assert.ErrorIs(t, err, memory.ErrForbidden)

	// Empty holder skips the ownership check.
	assert.NoError(t, mgr.Release(ctx, "proj", "k", ""))
}

func TestReleaseMissingLock(t *testing.T) {
	mgr := newTestManager(t)
	err := mgr.Release(context.Background(), "proj", "missing", "agent-1")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestAcquireInvalidInput(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "", "k", "a", time.Minute)
	assert.ErrorIs(t, err, memory.ErrInvalidArgument)

	_, err = mgr.Acquire(ctx, "proj", "k", "a", -time.Second)
	assert.ErrorIs(t, err, memory.ErrInvalidArgument)
}

func TestDeleteExpired(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "proj", "stale", "agent-1", 10*time.Millisecond)
	require.NoError(t, err)
	_, err = mgr.Acquire(ctx, "proj", "fresh", "agent-1", time.Minute)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	n, err := mgr.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	lck, err := mgr.Get(ctx, "proj", "fresh")
	require.NoError(t, err)
	require.NotNil(t, lck)
}
