package lifecycle

import (
	"github.com/lcrawford/membank/internal/config"
	"github.com/lcrawford/membank/internal/scoring"
)

// Policy identifies a named maintenance policy. The set is closed: adding a
// policy means adding a constant and a handler, checked at compile time by
// the runner's switch. Unknown names reported by callers are a no-op, never
// an error.
type Policy string

const (
	PolicyCleanupExpired        Policy = "cleanup_expired"
	PolicyCleanupExpiredLocks   Policy = "cleanup_expired_locks"
	PolicyAutoPromote           Policy = "auto_promote"
	PolicyAutoDemote            Policy = "auto_demote"
	PolicyAutoPrune             Policy = "auto_prune"
	PolicyAutoArchiveUnhealthy  Policy = "auto_archive_unhealthy"
	PolicyCleanupOldVersions    Policy = "cleanup_old_versions"
	PolicyPurgeArchived         Policy = "purge_archived"
	PolicyArchiveMergedBranches Policy = "archive_merged_branches"
)

// Tags applied by archiving policies so pruned entries are distinguishable
// from user-archived ones.
const (
	TagPruned  = "auto:pruned"
	TagDecayed = "auto:decayed"
	TagMerged  = "auto:merged"
)

// Params carries the tunables for a policy run.
type Params struct {
	PromoteThreshold int
	PromoteIncrement int
	DemoteThreshold  int
	DemoteDecrement  int
	PruneThreshold   float64
	DecayThreshold   float64
	MaxVersions      int
	PurgeAfterDays   int

	// MergedBranches is the caller-supplied branch list consumed by
	// archive_merged_branches.
	MergedBranches []string

	Weights scoring.Weights
}

// DefaultParams returns the built-in tuning.
func DefaultParams() Params {
	return Params{
		PromoteThreshold: config.DefaultPromoteThreshold,
		PromoteIncrement: config.DefaultPromoteIncrement,
		DemoteThreshold:  config.DefaultDemoteThreshold,
		DemoteDecrement:  config.DefaultDemoteDecrement,
		PruneThreshold:   config.DefaultPruneThreshold,
		DecayThreshold:   config.DefaultDecayThreshold,
		MaxVersions:      config.DefaultMaxVersions,
		PurgeAfterDays:   config.DefaultPurgeAfterDays,
		Weights:          scoring.DefaultWeights,
	}
}

// ParamsFromConfig builds run parameters from the application configuration.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		PromoteThreshold: cfg.PromoteThreshold,
		PromoteIncrement: cfg.PromoteIncrement,
		DemoteThreshold:  cfg.DemoteThreshold,
		DemoteDecrement:  cfg.DemoteDecrement,
		PruneThreshold:   cfg.PruneThreshold,
		DecayThreshold:   cfg.DecayThreshold,
		MaxVersions:      cfg.MaxVersions,
		PurgeAfterDays:   cfg.PurgeAfterDays,
		Weights:          scoring.DefaultWeights,
	}
}
