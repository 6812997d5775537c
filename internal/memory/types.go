package memory

import (
	"time"
)

// Scope classifies who a memory is visible to.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeShared  Scope = "shared"
)

// ChangeType records why a version snapshot was taken.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeUpdated  ChangeType = "updated"
	ChangeRestored ChangeType = "restored"
)

// Memory is a named, versioned unit of persisted text content scoped to a
// project. Exactly one active (non-archived) memory may exist per
// (ProjectID, Key).
type Memory struct {
	ID        string
	OrgID     string
	ProjectID string
	Key       string

	Content     string
	Metadata    map[string]interface{}
	Tags        []string
	RelatedKeys []string

	Scope    Scope
	Priority int

	AccessCount    int
	LastAccessedAt *time.Time
	HelpfulCount   int
	UnhelpfulCount int

	PinnedAt   *time.Time
	ArchivedAt *time.Time
	ExpiresAt  *time.Time

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the memory is not archived.
func (m *Memory) Active() bool {
	return m.ArchivedAt == nil
}

// Pinned reports whether the memory is exempt from automatic archive/prune.
func (m *Memory) Pinned() bool {
	return m.PinnedAt != nil
}

// HasTag reports whether the memory carries the given tag.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Version is an immutable snapshot of a memory's content and metadata, taken
// before each mutation of its parent. Version numbers start at 1 and increase
// strictly with no gaps.
type Version struct {
	MemoryID   string
	Version    int
	Content    string
	Metadata   map[string]interface{}
	ChangedBy  string
	ChangeType ChangeType
	CreatedAt  time.Time
}

// Lock is an advisory, TTL-bounded write intent on a (project, key) pair.
// It is cooperative: the record store does not enforce it.
type Lock struct {
	ProjectID string
	MemoryKey string
	LockedBy  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the lock's TTL has passed at the given instant.
func (l *Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// GateSignals is the advisory outcome of a quota check on creation.
type GateSignals struct {
	ProjectUsed   int
	OrgUsed       int
	SoftLimit     int
	HardLimit     int
	IsSoftFull    bool
	IsApproaching bool
}
