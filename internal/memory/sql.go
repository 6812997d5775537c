package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const memoryColumns = `id, org_id, project_id, key, content, metadata, tags, related_keys,
	scope, priority, access_count, last_accessed_at, helpful_count, unhelpful_count,
	pinned_at, archived_at, expires_at, created_by, created_at, updated_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

// getByKey resolves a key to its memory row. When archived rows are included
// the active one wins, then the most recently updated archived one.
func getByKey(q querier, projectID, key string, includeArchived bool) (*Memory, error) {
	query := "SELECT " + memoryColumns + " FROM memories WHERE project_id = ? AND key = ?"
	if !includeArchived {
		query += " AND archived_at IS NULL"
	}
	query += " ORDER BY (archived_at IS NULL) DESC, updated_at DESC LIMIT 1"

	m, err := scanMemory(q.QueryRow(query, projectID, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func getByKeyTx(tx *sql.Tx, projectID, key string, includeArchived bool) (*Memory, error) {
	return getByKey(tx, projectID, key, includeArchived)
}

func lastVersionTx(tx *sql.Tx, memoryID string) (int, error) {
	var last int
	err := tx.QueryRow("SELECT COALESCE(MAX(version), 0) FROM memory_versions WHERE memory_id = ?", memoryID).Scan(&last)
	return last, err
}

func insertVersionTx(tx *sql.Tx, memoryID string, version int, content string,
	metadata map[string]interface{}, actor string, changeType ChangeType, now time.Time) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO memory_versions (memory_id, version, content, metadata, changed_by, change_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, memoryID, version, content, string(metaJSON), actor, string(changeType), now.UnixNano())
	return err
}

// loadVersionsTx returns up to limit versions, newest first.
func loadVersionsTx(tx *sql.Tx, memoryID string, limit int) ([]*Version, error) {
	rows, err := tx.Query(`
		SELECT memory_id, version, content, metadata, changed_by, change_type, created_at
		FROM memory_versions WHERE memory_id = ? ORDER BY version DESC LIMIT ?
	`, memoryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Service) getVersion(ctx context.Context, memoryID string, version int) (*Version, error) {
	v, err := scanVersion(s.db.Conn().QueryRowContext(ctx, `
		SELECT memory_id, version, content, metadata, changed_by, change_type, created_at
		FROM memory_versions WHERE memory_id = ? AND version = ?
	`, memoryID, version))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: version %d", ErrNotFound, version)
	}
	return v, err
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	var metaStr, tagsStr, relatedStr, scopeStr string
	var lastAccessed, pinned, archived, expires sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&m.ID, &m.OrgID, &m.ProjectID, &m.Key, &m.Content,
		&metaStr, &tagsStr, &relatedStr,
		&scopeStr, &m.Priority, &m.AccessCount, &lastAccessed,
		&m.HelpfulCount, &m.UnhelpfulCount,
		&pinned, &archived, &expires,
		&m.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(metaStr), &m.Metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsStr), &m.Tags); err != nil {
		return nil, fmt.Errorf("parse tags: %w", err)
	}
	if err := json.Unmarshal([]byte(relatedStr), &m.RelatedKeys); err != nil {
		return nil, fmt.Errorf("parse related keys: %w", err)
	}

	m.Scope = Scope(scopeStr)
	m.LastAccessedAt = nsToTimePtr(lastAccessed)
	m.PinnedAt = nsToTimePtr(pinned)
	m.ArchivedAt = nsToTimePtr(archived)
	m.ExpiresAt = nsToTimePtr(expires)
	m.CreatedAt = time.Unix(0, createdAt)
	m.UpdatedAt = time.Unix(0, updatedAt)

	return &m, nil
}

func scanVersion(row rowScanner) (*Version, error) {
	var v Version
	var metaStr, changeType string
	var createdAt int64

	err := row.Scan(&v.MemoryID, &v.Version, &v.Content, &metaStr, &v.ChangedBy, &changeType, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaStr), &v.Metadata); err != nil {
		return nil, fmt.Errorf("parse version metadata: %w", err)
	}
	v.ChangeType = ChangeType(changeType)
	v.CreatedAt = time.Unix(0, createdAt)
	return &v, nil
}

func encodeJSONFields(m *Memory) (meta, tags, related string, err error) {
	if m.Metadata == nil {
		m.Metadata = map[string]interface{}{}
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if m.RelatedKeys == nil {
		m.RelatedKeys = []string{}
	}
	metaB, err := json.Marshal(m.Metadata)
	if err != nil {
		return "", "", "", err
	}
	tagsB, err := json.Marshal(m.Tags)
	if err != nil {
		return "", "", "", err
	}
	relatedB, err := json.Marshal(m.RelatedKeys)
	if err != nil {
		return "", "", "", err
	}
	return string(metaB), string(tagsB), string(relatedB), nil
}

func timePtrToNS(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nsToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
