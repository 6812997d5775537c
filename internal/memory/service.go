package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lcrawford/membank/internal/storage"
)

// CreateGate is consulted before a new key is created. It returns advisory
// soft-limit signals, or a QuotaExceededError when the hard org limit is
// reached. Updates of existing keys are never gated.
type CreateGate interface {
	CheckCreate(ctx context.Context, orgID, projectID string) (GateSignals, error)
}

// Notifier receives best-effort notifications after a mutation commits.
// Failures are logged and discarded; they never fail the primary operation.
type Notifier interface {
	MemoryStored(ctx context.Context, m *Memory, created bool) error
	MemoryDeleted(ctx context.Context, projectID, key string) error
}

// DedupChecker asks an external similarity service whether equivalent content
// already exists. Unavailability degrades to "no warning", never an error.
type DedupChecker interface {
	SimilarKey(ctx context.Context, projectID, content string) (key string, found bool, err error)
}

// Service is the record store: it owns memories, their version history, and
// the rollback/diff logic. Store and Rollback run their read-modify-write
// sequence inside a single transaction on the single-writer connection, so
// two concurrent writers cannot mint the same version number.
type Service struct {
	db       *storage.DB
	logger   *zap.Logger
	gate     CreateGate
	notifier Notifier
	dedup    DedupChecker
	wg       sync.WaitGroup
}

// NewService creates a new record store service.
func NewService(db *storage.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// SetCreateGate installs the quota gate applied on creation of new keys.
func (s *Service) SetCreateGate(g CreateGate) { s.gate = g }

// SetNotifier installs the best-effort post-commit notifier.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetDedupChecker installs the similarity checker used by DedupWarning.
func (s *Service) SetDedupChecker(d DedupChecker) { s.dedup = d }

// Wait blocks until all in-flight fire-and-forget work (access bumps,
// notifications) has finished. Called on shutdown and by tests.
func (s *Service) Wait() {
	s.wg.Wait()
}

// StoreInput carries the fields of a Store call. Nil pointer/slice fields are
// left unchanged on an existing memory and defaulted on a new one.
type StoreInput struct {
	OrgID     string
	ProjectID string
	Key       string
	Content   string
	Metadata  map[string]interface{}
	Priority  *int
	Tags      []string
	Scope     Scope
	ExpiresAt *time.Time
	Actor     string
}

// StoreResult reports the outcome of a Store call.
type StoreResult struct {
	Memory  *Memory
	Created bool
	// Version is the snapshot number recorded by this call.
	Version int
	// Quota holds the advisory gate signals, set on creation when a gate is
	// configured.
	Quota *GateSignals
}

// Store upserts a memory. If an active or archived memory with this key
// exists, its current state is snapshotted as a new version and the supplied
// fields are applied; archived memories are revived. Otherwise the creation
// is gated through the quota tracker and the memory starts at version 1.
func (s *Service) Store(ctx context.Context, in StoreInput) (*StoreResult, error) {
	if in.ProjectID == "" || in.Key == "" {
		return nil, WrapOp("Store", fmt.Errorf("%w: project and key are required", ErrInvalidArgument))
	}
	if in.Priority != nil && (*in.Priority < 0 || *in.Priority > 100) {
		return nil, WrapOp("Store", fmt.Errorf("%w: priority %d out of range [0,100]", ErrInvalidArgument, *in.Priority))
	}
	if in.Scope != "" && in.Scope != ScopeProject && in.Scope != ScopeShared {
		return nil, WrapOp("Store", fmt.Errorf("%w: unknown scope %q", ErrInvalidArgument, in.Scope))
	}

	now := time.Now()
	res := &StoreResult{}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, WrapOp("Store", err)
	}
	defer tx.Rollback()

	existing, err := getByKeyTx(tx, in.ProjectID, in.Key, true)
	if err != nil {
		return nil, WrapOp("Store", err)
	}

	if existing != nil {
		ver, err := s.updateExisting(tx, existing, in, now)
		if err != nil {
			return nil, WrapOp("Store", err)
		}
		res.Memory = existing
		res.Version = ver
	} else {
		if s.gate != nil {
			signals, err := s.gate.CheckCreate(ctx, in.OrgID, in.ProjectID)
			if err != nil {
				return nil, WrapOp("Store", err)
			}
			res.Quota = &signals
		}
		m, err := s.createNew(tx, in, now)
		if err != nil {
			return nil, WrapOp("Store", err)
		}
		res.Memory = m
		res.Created = true
		res.Version = 1
	}

	if err := tx.Commit(); err != nil {
		return nil, WrapOp("Store", err)
	}

	s.dispatch(func(bg context.Context) error {
		if s.notifier == nil {
			return nil
		}
		return s.notifier.MemoryStored(bg, res.Memory, res.Created)
	})

	return res, nil
}

// updateExisting snapshots the memory's current state, then applies the
// supplied fields in place. Fields omitted in the call are left unchanged.
func (s *Service) updateExisting(tx *sql.Tx, m *Memory, in StoreInput, now time.Time) (int, error) {
	lastVer, err := lastVersionTx(tx, m.ID)
	if err != nil {
		return 0, err
	}
	newVer := lastVer + 1
	if err := insertVersionTx(tx, m.ID, newVer, m.Content, m.Metadata, in.Actor, ChangeUpdated, now); err != nil {
		return 0, err
	}

	m.Content = in.Content
	if in.Metadata != nil {
		m.Metadata = in.Metadata
	}
	if in.Priority != nil {
		m.Priority = *in.Priority
	}
	if in.Tags != nil {
		m.Tags = in.Tags
	}
	if in.Scope != "" {
		m.Scope = in.Scope
	}
	if in.ExpiresAt != nil {
		m.ExpiresAt = in.ExpiresAt
	}
	m.ArchivedAt = nil
	m.UpdatedAt = now

	metaJSON, tagsJSON, relatedJSON, err := encodeJSONFields(m)
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec(`
		UPDATE memories
		SET content = ?, metadata = ?, tags = ?, related_keys = ?, scope = ?,
		    priority = ?, expires_at = ?, archived_at = NULL, updated_at = ?
		WHERE id = ?
	`, m.Content, metaJSON, tagsJSON, relatedJSON, string(m.Scope),
		m.Priority, timePtrToNS(m.ExpiresAt), now.UnixNano(), m.ID)
	return newVer, err
}

func (s *Service) createNew(tx *sql.Tx, in StoreInput, now time.Time) (*Memory, error) {
	m := &Memory{
		ID:        uuid.NewString(),
		OrgID:     in.OrgID,
		ProjectID: in.ProjectID,
		Key:       in.Key,
		Content:   in.Content,
		Metadata:  in.Metadata,
		Tags:      in.Tags,
		Scope:     ScopeProject,
		Priority:  50,
		ExpiresAt: in.ExpiresAt,
		CreatedBy: in.Actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.Metadata == nil {
		m.Metadata = map[string]interface{}{}
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if in.Scope != "" {
		m.Scope = in.Scope
	}
	if in.Priority != nil {
		m.Priority = *in.Priority
	}

	metaJSON, tagsJSON, relatedJSON, err := encodeJSONFields(m)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(`
		INSERT INTO memories (id, org_id, project_id, key, content, metadata, tags, related_keys,
			scope, priority, expires_at, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.OrgID, m.ProjectID, m.Key, m.Content, metaJSON, tagsJSON, relatedJSON,
		string(m.Scope), m.Priority, timePtrToNS(m.ExpiresAt), m.CreatedBy,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, err
	}

	if err := insertVersionTx(tx, m.ID, 1, m.Content, m.Metadata, in.Actor, ChangeCreated, now); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the memory for (projectID, key). The access-count bump happens
// off the request path and its failure never fails the read.
func (s *Service) Get(ctx context.Context, projectID, key string, includeArchived bool) (*Memory, error) {
	m, err := getByKey(s.db.Conn(), projectID, key, includeArchived)
	if err != nil {
		return nil, WrapOp("Get", err)
	}
	if m == nil {
		return nil, WrapOp("Get", fmt.Errorf("%w: memory %s", ErrNotFound, key))
	}

	id := m.ID
	s.dispatch(func(bg context.Context) error {
		return s.Touch(bg, id)
	})

	return m, nil
}

// Peek returns the memory without registering an access. Used by the conflict
// resolver and by inspection paths that should not skew usage signals.
func (s *Service) Peek(ctx context.Context, projectID, key string, includeArchived bool) (*Memory, error) {
	m, err := getByKey(s.db.Conn(), projectID, key, includeArchived)
	if err != nil {
		return nil, WrapOp("Peek", err)
	}
	if m == nil {
		return nil, WrapOp("Peek", fmt.Errorf("%w: memory %s", ErrNotFound, key))
	}
	return m, nil
}

// Touch synchronously increments the access count and refreshes
// lastAccessedAt.
func (s *Service) Touch(ctx context.Context, id string) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id = ?
	`, time.Now().UnixNano(), id)
	return WrapOp("Touch", err)
}

// Delete hard-deletes the memory and cascades to its versions.
func (s *Service) Delete(ctx context.Context, projectID, key string) error {
	m, err := getByKey(s.db.Conn(), projectID, key, true)
	if err != nil {
		return WrapOp("Delete", err)
	}
	if m == nil {
		return WrapOp("Delete", fmt.Errorf("%w: memory %s", ErrNotFound, key))
	}
	if _, err := s.db.Conn().ExecContext(ctx, "DELETE FROM memories WHERE id = ?", m.ID); err != nil {
		return WrapOp("Delete", err)
	}

	s.dispatch(func(bg context.Context) error {
		if s.notifier == nil {
			return nil
		}
		return s.notifier.MemoryDeleted(bg, projectID, key)
	})
	return nil
}

// RollbackResult reports the snapshot created by a rollback and the content
// the memory was restored to.
type RollbackResult struct {
	RestoredVersion int
	Content         string
}

// Rollback undoes the last `steps` edits. The current state is first
// snapshotted as a restored version, which makes the rollback itself
// undoable by a subsequent rollback.
func (s *Service) Rollback(ctx context.Context, projectID, key string, steps int, actor string) (*RollbackResult, error) {
	if steps < 1 {
		return nil, WrapOp("Rollback", fmt.Errorf("%w: steps must be >= 1, got %d", ErrInvalidArgument, steps))
	}

	now := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, WrapOp("Rollback", err)
	}
	defer tx.Rollback()

	m, err := getByKeyTx(tx, projectID, key, false)
	if err != nil {
		return nil, WrapOp("Rollback", err)
	}
	if m == nil {
		return nil, WrapOp("Rollback", fmt.Errorf("%w: memory %s", ErrNotFound, key))
	}

	versions, err := loadVersionsTx(tx, m.ID, steps+1)
	if err != nil {
		return nil, WrapOp("Rollback", err)
	}
	if len(versions) < steps+1 {
		return nil, WrapOp("Rollback", fmt.Errorf("%w: undoing %d edits needs %d versions, have %d",
			ErrInsufficientHistory, steps, steps+1, len(versions)))
	}

	newVer := versions[0].Version + 1
	if err := insertVersionTx(tx, m.ID, newVer, m.Content, m.Metadata, actor, ChangeRestored, now); err != nil {
		return nil, WrapOp("Rollback", err)
	}

	// The snapshot just written is now the newest version, so the state
	// `steps` edits back sits at index steps-1 of the pre-snapshot list.
	target := versions[steps-1]

	metaJSON, err := json.Marshal(target.Metadata)
	if err != nil {
		return nil, WrapOp("Rollback", err)
	}
	_, err = tx.Exec(`
		UPDATE memories SET content = ?, metadata = ?, archived_at = NULL, updated_at = ?
		WHERE id = ?
	`, target.Content, string(metaJSON), now.UnixNano(), m.ID)
	if err != nil {
		return nil, WrapOp("Rollback", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, WrapOp("Rollback", err)
	}

	m.Content = target.Content
	m.Metadata = target.Metadata
	m.UpdatedAt = now
	s.dispatch(func(bg context.Context) error {
		if s.notifier == nil {
			return nil
		}
		return s.notifier.MemoryStored(bg, m, false)
	})

	return &RollbackResult{RestoredVersion: newVer, Content: target.Content}, nil
}

// Diff computes a line diff between version v1 and either version v2 (when
// v2 > 0) or the memory's current content.
func (s *Service) Diff(ctx context.Context, projectID, key string, v1, v2 int) ([]DiffLine, error) {
	m, err := s.Peek(ctx, projectID, key, true)
	if err != nil {
		return nil, err
	}

	from, err := s.getVersion(ctx, m.ID, v1)
	if err != nil {
		return nil, WrapOp("Diff", err)
	}

	to := m.Content
	if v2 > 0 {
		v, err := s.getVersion(ctx, m.ID, v2)
		if err != nil {
			return nil, WrapOp("Diff", err)
		}
		to = v.Content
	}

	return DiffLines(from.Content, to), nil
}

// History returns the most recent versions of a memory, newest first.
func (s *Service) History(ctx context.Context, projectID, key string, limit int) ([]*Version, error) {
	m, err := s.Peek(ctx, projectID, key, true)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT memory_id, version, content, metadata, changed_by, change_type, created_at
		FROM memory_versions WHERE memory_id = ? ORDER BY version DESC LIMIT ?
	`, m.ID, limit)
	if err != nil {
		return nil, WrapOp("History", err)
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, WrapOp("History", err)
		}
		versions = append(versions, v)
	}
	return versions, WrapOp("History", rows.Err())
}

// List returns the project's memories, active first, newest first.
func (s *Service) List(ctx context.Context, projectID string, includeArchived bool) ([]*Memory, error) {
	query := "SELECT " + memoryColumns + " FROM memories WHERE project_id = ?"
	if !includeArchived {
		query += " AND archived_at IS NULL"
	}
	query += " ORDER BY (archived_at IS NULL) DESC, updated_at DESC"

	rows, err := s.db.Conn().QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, WrapOp("List", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, WrapOp("List", err)
		}
		out = append(out, m)
	}
	return out, WrapOp("List", rows.Err())
}

// ListProjects returns the distinct project ids with at least one memory.
func (s *Service) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.Conn().QueryContext(ctx, "SELECT DISTINCT project_id FROM memories ORDER BY project_id")
	if err != nil {
		return nil, WrapOp("ListProjects", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, WrapOp("ListProjects", err)
		}
		out = append(out, p)
	}
	return out, WrapOp("ListProjects", rows.Err())
}

// Pin exempts the memory from automatic archive and prune policies.
func (s *Service) Pin(ctx context.Context, projectID, key string) error {
	return s.setPinned(ctx, projectID, key, true)
}

// Unpin removes the pin.
func (s *Service) Unpin(ctx context.Context, projectID, key string) error {
	return s.setPinned(ctx, projectID, key, false)
}

func (s *Service) setPinned(ctx context.Context, projectID, key string, pinned bool) error {
	m, err := getByKey(s.db.Conn(), projectID, key, true)
	if err != nil {
		return WrapOp("Pin", err)
	}
	if m == nil {
		return WrapOp("Pin", fmt.Errorf("%w: memory %s", ErrNotFound, key))
	}
	var pinnedAt interface{}
	if pinned {
		pinnedAt = time.Now().UnixNano()
	}
	_, err = s.db.Conn().ExecContext(ctx, "UPDATE memories SET pinned_at = ? WHERE id = ?", pinnedAt, m.ID)
	return WrapOp("Pin", err)
}

// Archive soft-deletes the active memory for the key.
func (s *Service) Archive(ctx context.Context, projectID, key string) error {
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE memories SET archived_at = ? WHERE project_id = ? AND key = ? AND archived_at IS NULL
	`, time.Now().UnixNano(), projectID, key)
	if err != nil {
		return WrapOp("Archive", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return WrapOp("Archive", err)
	}
	if n == 0 {
		return WrapOp("Archive", fmt.Errorf("%w: active memory %s", ErrNotFound, key))
	}
	return nil
}

// Feedback increments the helpful or unhelpful counter. Both counters only
// ever grow.
func (s *Service) Feedback(ctx context.Context, projectID, key string, helpful bool) error {
	column := "unhelpful_count"
	if helpful {
		column = "helpful_count"
	}
	res, err := s.db.Conn().ExecContext(ctx,
		"UPDATE memories SET "+column+" = "+column+" + 1 WHERE project_id = ? AND key = ? AND archived_at IS NULL",
		projectID, key)
	if err != nil {
		return WrapOp("Feedback", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return WrapOp("Feedback", err)
	}
	if n == 0 {
		return WrapOp("Feedback", fmt.Errorf("%w: active memory %s", ErrNotFound, key))
	}
	return nil
}

// Relate links two active memories bidirectionally through their relatedKeys.
func (s *Service) Relate(ctx context.Context, projectID, keyA, keyB string) error {
	if keyA == keyB {
		return WrapOp("Relate", fmt.Errorf("%w: cannot relate a key to itself", ErrInvalidArgument))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return WrapOp("Relate", err)
	}
	defer tx.Rollback()

	a, err := getByKeyTx(tx, projectID, keyA, false)
	if err != nil {
		return WrapOp("Relate", err)
	}
	b, err := getByKeyTx(tx, projectID, keyB, false)
	if err != nil {
		return WrapOp("Relate", err)
	}
	if a == nil || b == nil {
		return WrapOp("Relate", fmt.Errorf("%w: both keys must be active memories", ErrNotFound))
	}

	for _, pair := range []struct {
		m     *Memory
		other string
	}{{a, keyB}, {b, keyA}} {
		if containsString(pair.m.RelatedKeys, pair.other) {
			continue
		}
		related := append(pair.m.RelatedKeys, pair.other)
		relJSON, err := json.Marshal(related)
		if err != nil {
			return WrapOp("Relate", err)
		}
		if _, err := tx.Exec("UPDATE memories SET related_keys = ? WHERE id = ?", string(relJSON), pair.m.ID); err != nil {
			return WrapOp("Relate", err)
		}
	}

	return WrapOp("Relate", tx.Commit())
}

// DedupWarning asks the similarity collaborator whether equivalent content is
// already stored. Any failure degrades to "no warning".
func (s *Service) DedupWarning(ctx context.Context, projectID, content string) string {
	if s.dedup == nil {
		return ""
	}
	key, found, err := s.dedup.SimilarKey(ctx, projectID, content)
	if err != nil {
		s.logger.Debug("dedup check unavailable", zap.Error(err))
		return ""
	}
	if !found {
		return ""
	}
	return fmt.Sprintf("similar content already stored under key %q", key)
}

// dispatch runs fn off the request path. Errors are logged and discarded.
func (s *Service) dispatch(fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(context.Background()); err != nil {
			s.logger.Warn("best-effort side effect failed", zap.Error(err))
		}
	}()
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
