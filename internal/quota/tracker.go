// Package quota computes project-soft and org-hard usage of active memories
// against plan-derived limits. The count-then-create sequence deliberately
// holds no lock across requests: near-simultaneous creates can overshoot the
// limit by a small margin, an accepted bounded inaccuracy.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/lcrawford/membank/internal/memory"
	"github.com/lcrawford/membank/internal/storage"
)

// Limits is the plan-derived limit pair. Zero or negative values mean
// unlimited.
type Limits struct {
	SoftPerProject int
	HardOrg        int
}

// PlanLookup resolves an org to its plan limits. The billing system behind it
// is an external collaborator; the tracker treats the result as pure input.
type PlanLookup interface {
	Limits(ctx context.Context, orgID string) (Limits, error)
}

// StaticPlans is a PlanLookup that returns the same limits for every org.
// Used by the CLI, where limits come from configuration.
type StaticPlans struct {
	Soft int
	Hard int
}

func (p StaticPlans) Limits(ctx context.Context, orgID string) (Limits, error) {
	return Limits{SoftPerProject: p.Soft, HardOrg: p.Hard}, nil
}

// Usage is the live count of active memories in scope.
type Usage struct {
	ProjectUsed int
	OrgUsed     int
}

const planCacheTTL = 5 * time.Minute

// Tracker computes usage and applies the creation gate. Plan limits are
// cached per org with a TTL; Invalidate drops an org's entry when its plan
// changes.
type Tracker struct {
	db     *storage.DB
	plans  PlanLookup
	cache  *ristretto.Cache
	logger *zap.Logger
}

// NewTracker creates a quota tracker backed by the given plan lookup.
func NewTracker(db *storage.DB, plans PlanLookup, logger *zap.Logger) (*Tracker, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create plan cache: %w", err)
	}
	return &Tracker{db: db, plans: plans, cache: cache, logger: logger}, nil
}

// Invalidate drops the cached limits for an org, forcing a fresh plan lookup
// on the next check.
func (t *Tracker) Invalidate(orgID string) {
	t.cache.Del(orgID)
}

// Close releases the plan cache.
func (t *Tracker) Close() {
	t.cache.Close()
}

// CurrentUsage counts active (non-archived) memories scoped to the project
// and the org. Archived memories never count against quota.
func (t *Tracker) CurrentUsage(ctx context.Context, orgID, projectID string) (Usage, error) {
	var u Usage
	err := t.db.Conn().QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN project_id = ? THEN 1 END),
			COUNT(*)
		FROM memories WHERE org_id = ? AND archived_at IS NULL
	`, projectID, orgID).Scan(&u.ProjectUsed, &u.OrgUsed)
	if err != nil {
		return Usage{}, memory.WrapOp("CurrentUsage", err)
	}
	return u, nil
}

// CheckCreate applies the gate rule for creating a new key. The hard org
// limit blocks with a QuotaExceededError carrying the concrete numbers; the
// soft project limit only raises advisory signals.
func (t *Tracker) CheckCreate(ctx context.Context, orgID, projectID string) (memory.GateSignals, error) {
	limits, err := t.limitsFor(ctx, orgID)
	if err != nil {
		return memory.GateSignals{}, memory.WrapOp("CheckCreate", err)
	}

	usage, err := t.CurrentUsage(ctx, orgID, projectID)
	if err != nil {
		return memory.GateSignals{}, err
	}

	signals := memory.GateSignals{
		ProjectUsed: usage.ProjectUsed,
		OrgUsed:     usage.OrgUsed,
		SoftLimit:   limits.SoftPerProject,
		HardLimit:   limits.HardOrg,
	}

	if limits.HardOrg > 0 && usage.OrgUsed >= limits.HardOrg {
		return signals, &memory.QuotaExceededError{
			OrgID:     orgID,
			OrgUsed:   usage.OrgUsed,
			HardLimit: limits.HardOrg,
		}
	}

	if limits.SoftPerProject > 0 {
		if usage.ProjectUsed >= limits.SoftPerProject {
			signals.IsSoftFull = true
		}
		if float64(usage.ProjectUsed) >= 0.8*float64(limits.SoftPerProject) {
			signals.IsApproaching = true
		}
	}

	return signals, nil
}

func (t *Tracker) limitsFor(ctx context.Context, orgID string) (Limits, error) {
	if cached, ok := t.cache.Get(orgID); ok {
		if limits, ok := cached.(Limits); ok {
			return limits, nil
		}
	}

	limits, err := t.plans.Limits(ctx, orgID)
	if err != nil {
		return Limits{}, fmt.Errorf("plan lookup for org %s: %w", orgID, err)
	}

	if !t.cache.SetWithTTL(orgID, limits, 1, planCacheTTL) {
		t.logger.Debug("plan cache rejected entry", zap.String("org", orgID))
	}

	return limits, nil
}
