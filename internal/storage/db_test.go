package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcrawford/membank/internal/storage"
)

func TestOpenAppliesMigrations(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	defer db.Close()

	var version int
	require.NoError(t, db.Conn().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, storage.SchemaVersion, version)

	for _, table := range []string{"memories", "memory_versions", "memory_locks"} {
		var name string
		err := db.Conn().QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sqlite3")

	db, err := storage.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = storage.Open(path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping())
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "test.sqlite3")
	db, err := storage.Open(path)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, path, db.Path())
}

func TestActiveKeyUniqueness(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	defer db.Close()

	insert := `INSERT INTO memories (id, org_id, project_id, key, content, created_at, updated_at)
		VALUES (?, 'org', 'proj', 'k', 'v', 0, 0)`
	_, err = db.Conn().Exec(insert, "id1")
	require.NoError(t, err)

	// A second active row for the same (project, key) violates the partial
	// unique index.
	_, err = db.Conn().Exec(insert, "id2")
	assert.Error(t, err)

	// Archiving the first row frees the slot.
	_, err = db.Conn().Exec("UPDATE memories SET archived_at = 1 WHERE id = 'id1'")
	require.NoError(t, err)
	_, err = db.Conn().Exec(insert, "id2")
	assert.NoError(t, err)
}

func TestVersionDeleteCascade(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Conn().Exec(`INSERT INTO memories (id, org_id, project_id, key, content, created_at, updated_at)
		VALUES ('m1', 'org', 'proj', 'k', 'v', 0, 0)`)
	require.NoError(t, err)
	_, err = db.Conn().Exec(`INSERT INTO memory_versions (memory_id, version, content, change_type, created_at)
		VALUES ('m1', 1, 'v', 'created', 0)`)
	require.NoError(t, err)

	_, err = db.Conn().Exec("DELETE FROM memories WHERE id = 'm1'")
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM memory_versions").Scan(&count))
	assert.Equal(t, 0, count)
}
