package resolve_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lcrawford/membank/internal/memory"
	"github.com/lcrawford/membank/internal/resolve"
	"github.com/lcrawford/membank/internal/storage"
)

func newTestResolver(t *testing.T) (*resolve.Resolver, *memory.Service) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := memory.NewService(db, zap.NewNop())
	return resolve.NewResolver(svc, zap.NewNop()), svc
}

// seedConflict stores base content, returns the read timestamp, then applies
// an intervening write so any later guarded store collides.
func seedConflict(t *testing.T, svc *memory.Service) time.Time {
	t.Helper()
	ctx := context.Background()

	res, err := svc.Store(ctx, memory.StoreInput{OrgID: "org", ProjectID: "proj", Key: "k", Content: "base"})
	require.NoError(t, err)
	readAt := res.Memory.UpdatedAt

	time.Sleep(5 * time.Millisecond)
	_, err = svc.Store(ctx, memory.StoreInput{OrgID: "org", ProjectID: "proj", Key: "k", Content: "server"})
	require.NoError(t, err)

	return readAt
}

func input(since time.Time, strategy resolve.Strategy) resolve.SafeStoreInput {
	return resolve.SafeStoreInput{
		StoreInput: memory.StoreInput{
			OrgID: "org", ProjectID: "proj", Key: "k", Content: "client",
		},
		IfUnmodifiedSince: since,
		Strategy:          strategy,
	}
}

func TestStoreSafeNoConflictWritesThrough(t *testing.T) {
	r, svc := newTestResolver(t)
	ctx := context.Background()

	res, err := svc.Store(ctx, memory.StoreInput{OrgID: "org", ProjectID: "proj", Key: "k", Content: "base"})
	require.NoError(t, err)

	out, err := r.StoreSafe(ctx, input(res.Memory.UpdatedAt, resolve.StrategyReject))
	require.NoError(t, err)
	assert.False(t, out.Conflicted)
	require.NotNil(t, out.Store)
	assert.Equal(t, "client", out.Store.Memory.Content)
}

func TestStoreSafeNewKeyIsPlainStore(t *testing.T) {
	r, _ := newTestResolver(t)

	out, err := r.StoreSafe(context.Background(), input(time.Now(), resolve.StrategyReject))
	require.NoError(t, err)
	require.NotNil(t, out.Store)
	assert.True(t, out.Store.Created)
}

func TestStoreSafeRejectSurfacesBothSides(t *testing.T) {
	r, svc := newTestResolver(t)
	ctx := context.Background()
	readAt := seedConflict(t, svc)

	_, err := r.StoreSafe(ctx, input(readAt, resolve.StrategyReject))
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrConflict)

	var cerr *memory.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "client", cerr.ClientContent)
	assert.Equal(t, "server", cerr.ServerContent)

	// Nothing was written.
	m, err := svc.Peek(ctx, "proj", "k", false)
	require.NoError(t, err)
	assert.Equal(t, "server", m.Content)
}

func TestStoreSafeDefaultStrategyIsReject(t *testing.T) {
	r, svc := newTestResolver(t)
	readAt := seedConflict(t, svc)

	_, err := r.StoreSafe(context.Background(), input(readAt, ""))
	assert.ErrorIs(t, err, memory.ErrConflict)
}

func TestStoreSafeLastWriteWins(t *testing.T) {
	r, svc := newTestResolver(t)
	ctx := context.Background()
	readAt := seedConflict(t, svc)

	out, err := r.StoreSafe(ctx, input(readAt, resolve.StrategyLastWriteWins))
	require.NoError(t, err)
	assert.True(t, out.Conflicted)

	m, err := svc.Peek(ctx, "proj", "k", false)
	require.NoError(t, err)
	assert.Equal(t, "client", m.Content)
}

func TestStoreSafeAppendJoinsContents(t *testing.T) {
	r, svc := newTestResolver(t)
	ctx := context.Background()
	readAt := seedConflict(t, svc)

	out, err := r.StoreSafe(ctx, input(readAt, resolve.StrategyAppend))
	require.NoError(t, err)
	assert.True(t, out.Conflicted)

	m, err := svc.Peek(ctx, "proj", "k", false)
	require.NoError(t, err)
	assert.Equal(t, "server"+resolve.AppendSeparator+"client", m.Content)
}

func TestStoreSafeReturnBothWritesNothing(t *testing.T) {
	r, svc := newTestResolver(t)
	ctx := context.Background()
	readAt := seedConflict(t, svc)

	out, err := r.StoreSafe(ctx, input(readAt, resolve.StrategyReturnBoth))
	require.NoError(t, err)
	assert.True(t, out.Conflicted)
	assert.Nil(t, out.Store)
	assert.Equal(t, "client", out.ClientContent)
	assert.Equal(t, "server", out.ServerContent)
	assert.NotEmpty(t, out.Hint)

	m, err := svc.Peek(ctx, "proj", "k", false)
	require.NoError(t, err)
	assert.Equal(t, "server", m.Content)
}

func TestStoreSafeUnknownStrategy(t *testing.T) {
	r, svc := newTestResolver(t)
	readAt := seedConflict(t, svc)

	_, err := r.StoreSafe(context.Background(), input(readAt, "coin_flip"))
	assert.ErrorIs(t, err, memory.ErrInvalidArgument)
}

func TestTokenGuardedUpdate(t *testing.T) {
	r, svc := newTestResolver(t)
	ctx := context.Background()

	res, err := svc.Store(ctx, memory.StoreInput{OrgID: "org", ProjectID: "proj", Key: "k", Content: "base"})
	require.NoError(t, err)
	token := resolve.Token(res.Memory)

	out, err := r.UpdateGuarded(ctx, "proj", "k", token, "next", "agent")
	require.NoError(t, err)
	assert.Equal(t, "next", out.Memory.Content)

	// The old token no longer matches.
	_, err = r.UpdateGuarded(ctx, "proj", "k", token, "again", "agent")
	assert.ErrorIs(t, err, memory.ErrConflict)

	_, err = r.UpdateGuarded(ctx, "proj", "k", "", "again", "agent")
	assert.ErrorIs(t, err, memory.ErrInvalidArgument)
}

func TestTokenGuardedDelete(t *testing.T) {
	r, svc := newTestResolver(t)
	ctx := context.Background()

	res, err := svc.Store(ctx, memory.StoreInput{OrgID: "org", ProjectID: "proj", Key: "k", Content: "base"})
	require.NoError(t, err)
	stale := resolve.Token(res.Memory)

	time.Sleep(5 * time.Millisecond)
	_, err = svc.Store(ctx, memory.StoreInput{OrgID: "org", ProjectID: "proj", Key: "k", Content: "changed"})
	require.NoError(t, err)

	assert.ErrorIs(t, r.DeleteGuarded(ctx, "proj", "k", stale), memory.ErrConflict)

	current, err := svc.Peek(ctx, "proj", "k", false)
	require.NoError(t, err)
	require.NoError(t, r.DeleteGuarded(ctx, "proj", "k", resolve.Token(current)))

	_, err = svc.Peek(ctx, "proj", "k", true)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}
