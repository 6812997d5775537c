package lifecycle_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lcrawford/membank/internal/lifecycle"
	"github.com/lcrawford/membank/internal/lock"
	"github.com/lcrawford/membank/internal/memory"
	"github.com/lcrawford/membank/internal/storage"
)

type fixture struct {
	records *memory.Service
	locks   *lock.Manager
	runner  *lifecycle.Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	records := memory.NewService(db, logger)
	locks := lock.NewManager(db, logger)
	return &fixture{
		records: records,
		locks:   locks,
		runner:  lifecycle.NewRunner(records, locks, logger),
	}
}

func (f *fixture) store(t *testing.T, key, content string, mutate func(*memory.StoreInput)) *memory.Memory {
	t.Helper()
	in := memory.StoreInput{OrgID: "org", ProjectID: "proj", Key: key, Content: content}
	if mutate != nil {
		mutate(&in)
	}
	res, err := f.records.Store(context.Background(), in)
	require.NoError(t, err)
	return res.Memory
}

func TestRunCleanupExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	f.store(t, "stale", "v", func(in *memory.StoreInput) { in.ExpiresAt = &past })
	f.store(t, "keep", "v", nil)

	results := f.runner.Run(ctx, "proj", []string{"cleanup_expired"}, lifecycle.DefaultParams())
	res := results["cleanup_expired"]
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, res.Affected)

	_, err := f.records.Peek(ctx, "proj", "stale", true)
	assert.ErrorIs(t, err, memory.ErrNotFound)
	_, err = f.records.Peek(ctx, "proj", "keep", false)
	assert.NoError(t, err)
}

func TestRunCleanupExpiredLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.locks.Acquire(ctx, "proj", "k", "agent", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	results := f.runner.Run(ctx, "proj", []string{"cleanup_expired_locks"}, lifecycle.DefaultParams())
	assert.Equal(t, 1, results["cleanup_expired_locks"].Affected)
}

func TestRunAutoPromote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low := 20
	m := f.store(t, "hot", "v", func(in *memory.StoreInput) { in.Priority = &low })
	for i := 0; i < 12; i++ {
		require.NoError(t, f.records.Touch(ctx, m.ID))
	}
	f.store(t, "cold", "v", func(in *memory.StoreInput) { in.Priority = &low })

	params := lifecycle.DefaultParams()
	params.PromoteThreshold = 10
	params.PromoteIncrement = 15

	results := f.runner.Run(ctx, "proj", []string{"auto_promote"}, params)
	assert.Equal(t, 1, results["auto_promote"].Affected)

	hot, err := f.records.Peek(ctx, "proj", "hot", false)
	require.NoError(t, err)
	assert.Equal(t, 35, hot.Priority)

	cold, err := f.records.Peek(ctx, "proj", "cold", false)
	require.NoError(t, err)
	assert.Equal(t, 20, cold.Priority)
}

func TestRunAutoDemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store(t, "bad", "v", nil)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.records.Feedback(ctx, "proj", "bad", false))
	}
	// Balanced feedback does not demote.
	f.store(t, "mixed", "v", nil)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.records.Feedback(ctx, "proj", "mixed", false))
		require.NoError(t, f.records.Feedback(ctx, "proj", "mixed", true))
	}

	params := lifecycle.DefaultParams()
	params.DemoteThreshold = 3
	params.DemoteDecrement = 10

	results := f.runner.Run(ctx, "proj", []string{"auto_demote"}, params)
	assert.Equal(t, 1, results["auto_demote"].Affected)

	bad, err := f.records.Peek(ctx, "proj", "bad", false)
	require.NoError(t, err)
	assert.Equal(t, 40, bad.Priority)
}

func TestRunAutoPruneSkipsPinned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Zero priority, never accessed, and heavy downvotes push relevance
	// below any sensible threshold.
	zero := 0
	irrelevant := func(in *memory.StoreInput) { in.Priority = &zero }
	f.store(t, "doomed", "v", irrelevant)
	f.store(t, "precious", "v", irrelevant)
	for i := 0; i < 10; i++ {
		require.NoError(t, f.records.Feedback(ctx, "proj", "doomed", false))
		require.NoError(t, f.records.Feedback(ctx, "proj", "precious", false))
	}
	require.NoError(t, f.records.Pin(ctx, "proj", "precious"))

	results := f.runner.Run(ctx, "proj", []string{"auto_prune"}, lifecycle.DefaultParams())
	res := results["auto_prune"]
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, res.Affected)

	doomed, err := f.records.Peek(ctx, "proj", "doomed", true)
	require.NoError(t, err)
	assert.NotNil(t, doomed.ArchivedAt)
	assert.True(t, doomed.HasTag(lifecycle.TagPruned))

	precious, err := f.records.Peek(ctx, "proj", "precious", false)
	require.NoError(t, err)
	assert.Nil(t, precious.ArchivedAt)
}

func TestRunCleanupOldVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		f.store(t, "busy", fmt.Sprintf("v%d", i), nil)
	}

	params := lifecycle.DefaultParams()
	params.MaxVersions = 2

	results := f.runner.Run(ctx, "proj", []string{"cleanup_old_versions"}, params)
	assert.Equal(t, 4, results["cleanup_old_versions"].Affected)

	versions, err := f.records.History(ctx, "proj", "busy", 0)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 6, versions[0].Version)
	assert.Equal(t, 5, versions[1].Version)
}

func TestRunPurgeArchivedKeepsPinned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store(t, "old", "v", nil)
	f.store(t, "kept", "v", nil)
	require.NoError(t, f.records.Pin(ctx, "proj", "kept"))
	require.NoError(t, f.records.Archive(ctx, "proj", "old"))
	require.NoError(t, f.records.Archive(ctx, "proj", "kept"))

	params := lifecycle.DefaultParams()
	// A negative retention turns the cutoff into the future, so everything
	// archived so far is eligible.
	params.PurgeAfterDays = -1

	results := f.runner.Run(ctx, "proj", []string{"purge_archived"}, params)
	res := results["purge_archived"]
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, res.Affected)

	_, err := f.records.Peek(ctx, "proj", "old", true)
	assert.ErrorIs(t, err, memory.ErrNotFound)
	_, err = f.records.Peek(ctx, "proj", "kept", true)
	assert.NoError(t, err)
}

func TestRunArchiveMergedBranches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store(t, "branch:feat-x:plan", "v", nil)
	f.store(t, "tagged", "v", func(in *memory.StoreInput) { in.Tags = []string{"branch:feat-x"} })
	f.store(t, "unrelated", "v", nil)

	params := lifecycle.DefaultParams()
	params.MergedBranches = []string{"feat-x"}

	results := f.runner.Run(ctx, "proj", []string{"archive_merged_branches"}, params)
	assert.Equal(t, 2, results["archive_merged_branches"].Affected)

	m, err := f.records.Peek(ctx, "proj", "tagged", true)
	require.NoError(t, err)
	assert.True(t, m.HasTag(lifecycle.TagMerged))

	_, err = f.records.Peek(ctx, "proj", "unrelated", false)
	assert.NoError(t, err)
}

func TestRunUnknownPolicyIsNoOp(t *testing.T) {
	f := newFixture(t)

	results := f.runner.Run(context.Background(), "proj", []string{"defragment_the_moon"}, lifecycle.DefaultParams())
	res := results["defragment_the_moon"]
	assert.Empty(t, res.Error)
	assert.Equal(t, 0, res.Affected)
	assert.Contains(t, res.Details, "not implemented")
}

func TestRunPolicyFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.store(t, "k", "v", nil)

	params := lifecycle.DefaultParams()
	// An invalid keep count makes cleanup_old_versions fail; the policies
	// around it still run.
	params.MaxVersions = 0

	results := f.runner.Run(context.Background(), "proj",
		[]string{"cleanup_expired", "cleanup_old_versions", "cleanup_expired_locks"}, params)

	assert.Empty(t, results["cleanup_expired"].Error)
	assert.NotEmpty(t, results["cleanup_old_versions"].Error)
	assert.Empty(t, results["cleanup_expired_locks"].Error)
}

func TestRunCancelledContextSkipsPolicies(t *testing.T) {
	f := newFixture(t)
	f.store(t, "k", "v", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := f.runner.Run(ctx, "proj", []string{"cleanup_expired"}, lifecycle.DefaultParams())
	res := results["cleanup_expired"]
	assert.Equal(t, "skipped", res.Details)
	assert.NotEmpty(t, res.Error)
}
