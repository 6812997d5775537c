package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Batch mutation helpers consumed by the lifecycle policy runner. Each is
// idempotent and scoped to a single project.

// ListActive returns all active memories of a project.
func (s *Service) ListActive(ctx context.Context, projectID string) ([]*Memory, error) {
	return s.List(ctx, projectID, false)
}

// ArchiveWithTag archives a memory by id and appends the given tag, recording
// why the policy retired it.
func (s *Service) ArchiveWithTag(ctx context.Context, id, tag string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return WrapOp("ArchiveWithTag", err)
	}
	defer tx.Rollback()

	m, err := scanMemory(tx.QueryRow("SELECT "+memoryColumns+" FROM memories WHERE id = ?", id))
	if err != nil {
		return WrapOp("ArchiveWithTag", err)
	}
	if !m.HasTag(tag) {
		m.Tags = append(m.Tags, tag)
	}
	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		return WrapOp("ArchiveWithTag", err)
	}
	_, err = tx.Exec("UPDATE memories SET archived_at = ?, tags = ? WHERE id = ?",
		time.Now().UnixNano(), string(tagsJSON), id)
	if err != nil {
		return WrapOp("ArchiveWithTag", err)
	}
	return WrapOp("ArchiveWithTag", tx.Commit())
}

// SetPriority updates the priority of a memory by id. Policy-driven priority
// changes deliberately leave updatedAt alone so they cannot trip optimistic
// concurrency checks on unrelated agent writes.
func (s *Service) SetPriority(ctx context.Context, id string, priority int) error {
	if priority < 0 || priority > 100 {
		return WrapOp("SetPriority", fmt.Errorf("%w: priority %d out of range [0,100]", ErrInvalidArgument, priority))
	}
	_, err := s.db.Conn().ExecContext(ctx, "UPDATE memories SET priority = ? WHERE id = ?", priority, id)
	return WrapOp("SetPriority", err)
}

// DeleteExpired hard-deletes memories whose TTL has passed.
func (s *Service) DeleteExpired(ctx context.Context, projectID string, now time.Time) (int64, error) {
	res, err := s.db.Conn().ExecContext(ctx, `
		DELETE FROM memories
		WHERE project_id = ? AND expires_at IS NOT NULL AND expires_at < ?
	`, projectID, now.UnixNano())
	if err != nil {
		return 0, WrapOp("DeleteExpired", err)
	}
	n, err := res.RowsAffected()
	return n, WrapOp("DeleteExpired", err)
}

// TrimVersions deletes all but the newest keep versions per memory in the
// project. Trimming intentionally leaves gaps in the surviving numbering.
func (s *Service) TrimVersions(ctx context.Context, projectID string, keep int) (int64, error) {
	if keep < 1 {
		return 0, WrapOp("TrimVersions", fmt.Errorf("%w: keep must be >= 1, got %d", ErrInvalidArgument, keep))
	}
	res, err := s.db.Conn().ExecContext(ctx, `
		DELETE FROM memory_versions WHERE id IN (
			SELECT mv.id FROM memory_versions mv
			JOIN memories m ON m.id = mv.memory_id
			WHERE m.project_id = ?
			  AND mv.id NOT IN (
				SELECT mv2.id FROM memory_versions mv2
				WHERE mv2.memory_id = mv.memory_id
				ORDER BY mv2.version DESC LIMIT ?
			  )
		)
	`, projectID, keep)
	if err != nil {
		return 0, WrapOp("TrimVersions", err)
	}
	n, err := res.RowsAffected()
	return n, WrapOp("TrimVersions", err)
}

// PurgeArchived hard-deletes memories archived before the cutoff. Pinned
// memories survive: pin always wins over purge.
func (s *Service) PurgeArchived(ctx context.Context, projectID string, cutoff time.Time) (int64, error) {
	res, err := s.db.Conn().ExecContext(ctx, `
		DELETE FROM memories
		WHERE project_id = ? AND archived_at IS NOT NULL AND archived_at < ? AND pinned_at IS NULL
	`, projectID, cutoff.UnixNano())
	if err != nil {
		return 0, WrapOp("PurgeArchived", err)
	}
	n, err := res.RowsAffected()
	return n, WrapOp("PurgeArchived", err)
}
