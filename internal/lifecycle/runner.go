// Package lifecycle runs named, idempotent maintenance policies over a
// project's memory set. Policies are independent: one failing is reported in
// its own result and never aborts the rest of the batch.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lcrawford/membank/internal/lock"
	"github.com/lcrawford/membank/internal/memory"
	"github.com/lcrawford/membank/internal/scoring"
)

// Result is the per-policy outcome of a run.
type Result struct {
	Affected int    `json:"affected"`
	Details  string `json:"details"`
	Error    string `json:"error,omitempty"`
}

// Runner orchestrates policies, mutating through the record store and lock
// manager only. It holds no scheduler of its own: periodic execution is the
// caller's concern.
type Runner struct {
	records *memory.Service
	locks   *lock.Manager
	logger  *zap.Logger
}

// NewRunner creates a policy runner.
func NewRunner(records *memory.Service, locks *lock.Manager, logger *zap.Logger) *Runner {
	return &Runner{records: records, locks: locks, logger: logger}
}

// Run executes the named policies in order against one project. Each policy
// completes or fails independently; a cancelled context marks the remaining
// policies as skipped without touching them.
func (r *Runner) Run(ctx context.Context, projectID string, policies []string, p Params) map[string]Result {
	results := make(map[string]Result, len(policies))

	for _, name := range policies {
		if err := ctx.Err(); err != nil {
			results[name] = Result{Details: "skipped", Error: err.Error()}
			continue
		}

		res := r.runOne(ctx, projectID, Policy(name), p)
		results[name] = res

		if res.Error != "" {
			r.logger.Warn("lifecycle policy failed",
				zap.String("project", projectID), zap.String("policy", name), zap.String("error", res.Error))
		} else {
			r.logger.Info("lifecycle policy completed",
				zap.String("project", projectID), zap.String("policy", name), zap.Int("affected", res.Affected))
		}
	}

	return results
}

func (r *Runner) runOne(ctx context.Context, projectID string, policy Policy, p Params) (res Result) {
	// A panicking policy is contained like an erroring one.
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{Error: fmt.Sprintf("policy panicked: %v", rec)}
		}
	}()

	var (
		affected int
		details  string
		err      error
	)

	switch policy {
	case PolicyCleanupExpired:
		affected, details, err = r.cleanupExpired(ctx, projectID)
	case PolicyCleanupExpiredLocks:
		affected, details, err = r.cleanupExpiredLocks(ctx)
	case PolicyAutoPromote:
		affected, details, err = r.autoPromote(ctx, projectID, p)
	case PolicyAutoDemote:
		affected, details, err = r.autoDemote(ctx, projectID, p)
	case PolicyAutoPrune:
		affected, details, err = r.autoPrune(ctx, projectID, p)
	case PolicyAutoArchiveUnhealthy:
		affected, details, err = r.autoArchiveUnhealthy(ctx, projectID, p)
	case PolicyCleanupOldVersions:
		affected, details, err = r.cleanupOldVersions(ctx, projectID, p)
	case PolicyPurgeArchived:
		affected, details, err = r.purgeArchived(ctx, projectID, p)
	case PolicyArchiveMergedBranches:
		affected, details, err = r.archiveMergedBranches(ctx, projectID, p)
	default:
		return Result{Affected: 0, Details: fmt.Sprintf("policy %q is not implemented by this engine", policy)}
	}

	if err != nil {
		return Result{Affected: affected, Details: details, Error: err.Error()}
	}
	return Result{Affected: affected, Details: details}
}

func (r *Runner) cleanupExpired(ctx context.Context, projectID string) (int, string, error) {
	n, err := r.records.DeleteExpired(ctx, projectID, time.Now())
	if err != nil {
		return 0, "", err
	}
	return int(n), fmt.Sprintf("deleted %d expired memories", n), nil
}

func (r *Runner) cleanupExpiredLocks(ctx context.Context) (int, string, error) {
	n, err := r.locks.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, "", err
	}
	return int(n), fmt.Sprintf("deleted %d expired locks", n), nil
}

// autoPromote raises priority for frequently accessed memories that still
// sit below the default priority.
func (r *Runner) autoPromote(ctx context.Context, projectID string, p Params) (int, string, error) {
	memories, err := r.records.ListActive(ctx, projectID)
	if err != nil {
		return 0, "", err
	}

	affected := 0
	for _, m := range memories {
		if m.AccessCount < p.PromoteThreshold || m.Priority >= 50 {
			continue
		}
		next := m.Priority + p.PromoteIncrement
		if next > 100 {
			next = 100
		}
		if err := r.records.SetPriority(ctx, m.ID, next); err != nil {
			return affected, "", err
		}
		affected++
	}
	return affected, fmt.Sprintf("promoted %d memories by %d", affected, p.PromoteIncrement), nil
}

// autoDemote lowers priority where negative feedback dominates.
func (r *Runner) autoDemote(ctx context.Context, projectID string, p Params) (int, string, error) {
	memories, err := r.records.ListActive(ctx, projectID)
	if err != nil {
		return 0, "", err
	}

	affected := 0
	for _, m := range memories {
		if m.UnhelpfulCount < p.DemoteThreshold || m.UnhelpfulCount <= m.HelpfulCount {
			continue
		}
		next := m.Priority - p.DemoteDecrement
		if next < 0 {
			next = 0
		}
		if err := r.records.SetPriority(ctx, m.ID, next); err != nil {
			return affected, "", err
		}
		affected++
	}
	return affected, fmt.Sprintf("demoted %d memories by %d", affected, p.DemoteDecrement), nil
}

// autoPrune archives unpinned memories whose relevance fell below the
// threshold. Never hard-deletes.
func (r *Runner) autoPrune(ctx context.Context, projectID string, p Params) (int, string, error) {
	return r.archiveByScore(ctx, projectID, TagPruned, func(m *memory.Memory, now time.Time) bool {
		return scoring.RelevanceScore(m, now, p.Weights) < p.PruneThreshold
	})
}

// autoArchiveUnhealthy archives unpinned memories whose health score decayed
// below the threshold.
func (r *Runner) autoArchiveUnhealthy(ctx context.Context, projectID string, p Params) (int, string, error) {
	return r.archiveByScore(ctx, projectID, TagDecayed, func(m *memory.Memory, now time.Time) bool {
		return scoring.HealthScore(m, now) < p.DecayThreshold
	})
}

func (r *Runner) archiveByScore(ctx context.Context, projectID, tag string, below func(*memory.Memory, time.Time) bool) (int, string, error) {
	memories, err := r.records.ListActive(ctx, projectID)
	if err != nil {
		return 0, "", err
	}

	now := time.Now()
	affected := 0
	for _, m := range memories {
		if m.Pinned() || !below(m, now) {
			continue
		}
		if err := r.records.ArchiveWithTag(ctx, m.ID, tag); err != nil {
			return affected, "", err
		}
		affected++
	}
	return affected, fmt.Sprintf("archived %d memories tagged %s", affected, tag), nil
}

func (r *Runner) cleanupOldVersions(ctx context.Context, projectID string, p Params) (int, string, error) {
	n, err := r.records.TrimVersions(ctx, projectID, p.MaxVersions)
	if err != nil {
		return 0, "", err
	}
	return int(n), fmt.Sprintf("trimmed %d versions beyond the newest %d per memory", n, p.MaxVersions), nil
}

func (r *Runner) purgeArchived(ctx context.Context, projectID string, p Params) (int, string, error) {
	cutoff := time.Now().AddDate(0, 0, -p.PurgeAfterDays)
	n, err := r.records.PurgeArchived(ctx, projectID, cutoff)
	if err != nil {
		return 0, "", err
	}
	return int(n), fmt.Sprintf("purged %d memories archived over %d days ago", n, p.PurgeAfterDays), nil
}

// archiveMergedBranches retires branch-scoped planning memories once their
// branch is merged. A memory belongs to a branch when it carries the tag
// "branch:<name>" or its key starts with "branch:<name>:".
func (r *Runner) archiveMergedBranches(ctx context.Context, projectID string, p Params) (int, string, error) {
	if len(p.MergedBranches) == 0 {
		return 0, "no merged branches supplied", nil
	}

	memories, err := r.records.ListActive(ctx, projectID)
	if err != nil {
		return 0, "", err
	}

	affected := 0
	for _, m := range memories {
		if m.Pinned() || !belongsToBranch(m, p.MergedBranches) {
			continue
		}
		if err := r.records.ArchiveWithTag(ctx, m.ID, TagMerged); err != nil {
			return affected, "", err
		}
		affected++
	}
	return affected, fmt.Sprintf("archived %d memories for %d merged branches", affected, len(p.MergedBranches)), nil
}

func belongsToBranch(m *memory.Memory, branches []string) bool {
	for _, branch := range branches {
		if m.HasTag("branch:"+branch) || strings.HasPrefix(m.Key, "branch:"+branch+":") {
			return true
		}
	}
	return false
}
