// Package lock implements advisory, TTL-bounded write locks on
// (project, key) pairs. Locks are cooperative: the record store never
// consults them, and expired locks are reclaimed lazily by the next
// acquirer.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lcrawford/membank/internal/memory"
	"github.com/lcrawford/membank/internal/storage"
)

// DefaultTTL is applied when an acquire call does not supply one.
const DefaultTTL = 60 * time.Second

// Manager hands out advisory locks backed by the memory_locks table. The
// check-then-insert runs inside one transaction over the (project_id,
// memory_key) primary key, so two concurrent acquirers cannot both win.
type Manager struct {
	db     *storage.DB
	logger *zap.Logger
}

// NewManager creates a new lock manager.
func NewManager(db *storage.DB, logger *zap.Logger) *Manager {
	return &Manager{db: db, logger: logger}
}

// AcquireResult reports the outcome of an acquire attempt. When Acquired is
// false, Lock describes the competing holder so the caller can back off or
// wait out the TTL.
type AcquireResult struct {
	Acquired bool
	Lock     *memory.Lock
}

// Acquire attempts to take the lock for (projectID, key). An unexpired lock
// held by someone else yields Acquired=false, which is contention, not an
// error. An expired lock is deleted and replaced.
func (m *Manager) Acquire(ctx context.Context, projectID, key, holder string, ttl time.Duration) (*AcquireResult, error) {
	if projectID == "" || key == "" {
		return nil, memory.WrapOp("Acquire", fmt.Errorf("%w: project and key are required", memory.ErrInvalidArgument))
	}
	if ttl < 0 {
		return nil, memory.WrapOp("Acquire", fmt.Errorf("%w: ttl must not be negative", memory.ErrInvalidArgument))
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}

	now := time.Now()

	tx, err := m.db.Begin()
	if err != nil {
		return nil, memory.WrapOp("Acquire", err)
	}
	defer tx.Rollback()

	existing, err := getLockTx(tx, projectID, key)
	if err != nil {
		return nil, memory.WrapOp("Acquire", err)
	}
	if existing != nil {
		if !existing.Expired(now) {
			return &AcquireResult{Acquired: false, Lock: existing}, nil
		}
		// Reclaim the stale lock and fall through to creation.
		if _, err := tx.Exec("DELETE FROM memory_locks WHERE project_id = ? AND memory_key = ?", projectID, key); err != nil {
			return nil, memory.WrapOp("Acquire", err)
		}
		m.logger.Debug("reclaimed expired lock",
			zap.String("project", projectID), zap.String("key", key),
			zap.String("previous_holder", existing.LockedBy))
	}

	lck := &memory.Lock{
		ProjectID: projectID,
		MemoryKey: key,
		LockedBy:  holder,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	_, err = tx.Exec(`
		INSERT INTO memory_locks (project_id, memory_key, locked_by, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, projectID, key, holder, lck.ExpiresAt.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, memory.WrapOp("Acquire", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, memory.WrapOp("Acquire", err)
	}

	return &AcquireResult{Acquired: true, Lock: lck}, nil
}

// Release deletes the lock. When holder is non-empty it must match the
// lock's holder, otherwise the release is Forbidden. Releasing a lock that
// does not exist is NotFound.
func (m *Manager) Release(ctx context.Context, projectID, key, holder string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return memory.WrapOp("Release", err)
	}
	defer tx.Rollback()

	existing, err := getLockTx(tx, projectID, key)
	if err != nil {
		return memory.WrapOp("Release", err)
	}
	if existing == nil {
		return memory.WrapOp("Release", fmt.Errorf("%w: no lock on %s", memory.ErrNotFound, key))
	}
	if holder != "" && existing.LockedBy != holder {
		return memory.WrapOp("Release", fmt.Errorf("%w: lock on %s is held by %s", memory.ErrForbidden, key, existing.LockedBy))
	}

	if _, err := tx.Exec("DELETE FROM memory_locks WHERE project_id = ? AND memory_key = ?", projectID, key); err != nil {
		return memory.WrapOp("Release", err)
	}

	return memory.WrapOp("Release", tx.Commit())
}

// Get returns the current lock for (projectID, key), or nil if none exists.
func (m *Manager) Get(ctx context.Context, projectID, key string) (*memory.Lock, error) {
	lck, err := scanLock(m.db.Conn().QueryRowContext(ctx, `
		SELECT project_id, memory_key, locked_by, expires_at, created_at
		FROM memory_locks WHERE project_id = ? AND memory_key = ?
	`, projectID, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, memory.WrapOp("GetLock", err)
	}
	return lck, nil
}

// DeleteExpired removes all locks whose TTL has passed. Used by the
// cleanup_expired_locks lifecycle policy.
func (m *Manager) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := m.db.Conn().ExecContext(ctx, "DELETE FROM memory_locks WHERE expires_at <= ?", now.UnixNano())
	if err != nil {
		return 0, memory.WrapOp("DeleteExpiredLocks", err)
	}
	n, err := res.RowsAffected()
	return n, memory.WrapOp("DeleteExpiredLocks", err)
}

func getLockTx(tx *sql.Tx, projectID, key string) (*memory.Lock, error) {
	lck, err := scanLock(tx.QueryRow(`
		SELECT project_id, memory_key, locked_by, expires_at, created_at
		FROM memory_locks WHERE project_id = ? AND memory_key = ?
	`, projectID, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return lck, err
}

func scanLock(row *sql.Row) (*memory.Lock, error) {
	var lck memory.Lock
	var lockedBy sql.NullString
	var expiresAt, createdAt int64

	if err := row.Scan(&lck.ProjectID, &lck.MemoryKey, &lockedBy, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	lck.LockedBy = lockedBy.String
	lck.ExpiresAt = time.Unix(0, expiresAt)
	lck.CreatedAt = time.Unix(0, createdAt)
	return &lck, nil
}
