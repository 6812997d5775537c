package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultLockTTLSeconds      = 60
	DefaultSoftLimitPerProject = 100
	DefaultHardLimitOrg        = 1000
	DefaultPromoteThreshold    = 10
	DefaultPromoteIncrement    = 10
	DefaultDemoteThreshold     = 3
	DefaultDemoteDecrement     = 10
	DefaultPruneThreshold      = 30.0
	DefaultDecayThreshold      = 25.0
	DefaultMaxVersions         = 20
	DefaultPurgeAfterDays      = 30
	DefaultMaintenanceSpec     = "0 3 * * *"
)

// Config holds the application configuration.
type Config struct {
	DataDir  string
	DBPath   string
	LogLevel string
	LogFile  string

	OrgID     string
	ProjectID string

	// Quota limits. Zero or negative means unlimited.
	SoftLimitPerProject int
	HardLimitOrg        int

	LockTTLSeconds int

	// Lifecycle policy tunables.
	PromoteThreshold int
	PromoteIncrement int
	DemoteThreshold  int
	DemoteDecrement  int
	PruneThreshold   float64
	DecayThreshold   float64
	MaxVersions      int
	PurgeAfterDays   int

	// Maintenance scheduling (cron spec + policy names to run).
	MaintenanceSpec     string
	MaintenancePolicies []string

	ConfigPath string
}

type fileConfig struct {
	Store struct {
		DataDir string `toml:"data_dir"`
		DBPath  string `toml:"db_path"`
	} `toml:"store"`
	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"logging"`
	Scope struct {
		Org     string `toml:"org"`
		Project string `toml:"project"`
	} `toml:"scope"`
	Quota struct {
		SoftLimitPerProject int `toml:"soft_limit_per_project"`
		HardLimitOrg        int `toml:"hard_limit_org"`
	} `toml:"quota"`
	Locks struct {
		TTLSeconds int `toml:"ttl_seconds"`
	} `toml:"locks"`
	Lifecycle struct {
		PromoteThreshold int     `toml:"promote_threshold"`
		PromoteIncrement int     `toml:"promote_increment"`
		DemoteThreshold  int     `toml:"demote_threshold"`
		DemoteDecrement  int     `toml:"demote_decrement"`
		PruneThreshold   float64 `toml:"prune_threshold"`
		DecayThreshold   float64 `toml:"decay_threshold"`
		MaxVersions      int     `toml:"max_versions"`
		PurgeAfterDays   int     `toml:"purge_after_days"`
	} `toml:"lifecycle"`
	Maintenance struct {
		Spec     string   `toml:"spec"`
		Policies []string `toml:"policies"`
	} `toml:"maintenance"`
}

// LoadConfig loads configuration from file, environment variables, and defaults.
// Precedence: env > file > defaults.
func LoadConfig() (*Config, error) {
	// A .env in the working directory is an optional convenience overlay.
	_ = godotenv.Load()

	dataDir := os.Getenv("MEMBANK_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".membank")
	}
	configPath := filepath.Join(dataDir, "config.toml")

	cfg := &Config{
		DataDir:             dataDir,
		DBPath:              filepath.Join(dataDir, "membank.sqlite3"),
		LogLevel:            "info",
		LogFile:             filepath.Join(dataDir, "logs", "membank.log"),
		OrgID:               "default",
		ProjectID:           "default",
		SoftLimitPerProject: DefaultSoftLimitPerProject,
		HardLimitOrg:        DefaultHardLimitOrg,
		LockTTLSeconds:      DefaultLockTTLSeconds,
		PromoteThreshold:    DefaultPromoteThreshold,
		PromoteIncrement:    DefaultPromoteIncrement,
		DemoteThreshold:     DefaultDemoteThreshold,
		DemoteDecrement:     DefaultDemoteDecrement,
		PruneThreshold:      DefaultPruneThreshold,
		DecayThreshold:      DefaultDecayThreshold,
		MaxVersions:         DefaultMaxVersions,
		PurgeAfterDays:      DefaultPurgeAfterDays,
		MaintenanceSpec:     DefaultMaintenanceSpec,
		MaintenancePolicies: []string{"cleanup_expired", "cleanup_expired_locks", "cleanup_old_versions", "purge_archived"},
		ConfigPath:          configPath,
	}

	if _, err := os.Stat(configPath); err == nil {
		fileData, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		var parsed fileConfig
		if err := toml.Unmarshal(fileData, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
		applyFileConfig(cfg, &parsed)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyFileConfig(cfg *Config, parsed *fileConfig) {
	if parsed.Store.DataDir != "" {
		cfg.DataDir = parsed.Store.DataDir
	}
	if parsed.Store.DBPath != "" {
		cfg.DBPath = parsed.Store.DBPath
	}
	if parsed.Logging.Level != "" {
		cfg.LogLevel = parsed.Logging.Level
	}
	if parsed.Logging.File != "" {
		cfg.LogFile = parsed.Logging.File
	}
	if parsed.Scope.Org != "" {
		cfg.OrgID = parsed.Scope.Org
	}
	if parsed.Scope.Project != "" {
		cfg.ProjectID = parsed.Scope.Project
	}
	if parsed.Quota.SoftLimitPerProject != 0 {
		cfg.SoftLimitPerProject = parsed.Quota.SoftLimitPerProject
	}
	if parsed.Quota.HardLimitOrg != 0 {
		cfg.HardLimitOrg = parsed.Quota.HardLimitOrg
	}
	if parsed.Locks.TTLSeconds > 0 {
		cfg.LockTTLSeconds = parsed.Locks.TTLSeconds
	}
	if parsed.Lifecycle.PromoteThreshold > 0 {
		cfg.PromoteThreshold = parsed.Lifecycle.PromoteThreshold
	}
	if parsed.Lifecycle.PromoteIncrement > 0 {
		cfg.PromoteIncrement = parsed.Lifecycle.PromoteIncrement
	}
	if parsed.Lifecycle.DemoteThreshold > 0 {
		cfg.DemoteThreshold = parsed.Lifecycle.DemoteThreshold
	}
	if parsed.Lifecycle.DemoteDecrement > 0 {
		cfg.DemoteDecrement = parsed.Lifecycle.DemoteDecrement
	}
	if parsed.Lifecycle.PruneThreshold > 0 {
		cfg.PruneThreshold = parsed.Lifecycle.PruneThreshold
	}
	if parsed.Lifecycle.DecayThreshold > 0 {
		cfg.DecayThreshold = parsed.Lifecycle.DecayThreshold
	}
	if parsed.Lifecycle.MaxVersions > 0 {
		cfg.MaxVersions = parsed.Lifecycle.MaxVersions
	}
	if parsed.Lifecycle.PurgeAfterDays > 0 {
		cfg.PurgeAfterDays = parsed.Lifecycle.PurgeAfterDays
	}
	if parsed.Maintenance.Spec != "" {
		cfg.MaintenanceSpec = parsed.Maintenance.Spec
	}
	if len(parsed.Maintenance.Policies) > 0 {
		cfg.MaintenancePolicies = parsed.Maintenance.Policies
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEMBANK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MEMBANK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MEMBANK_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("MEMBANK_ORG"); v != "" {
		cfg.OrgID = v
	}
	if v := os.Getenv("MEMBANK_PROJECT"); v != "" {
		cfg.ProjectID = v
	}
	if v := os.Getenv("MEMBANK_SOFT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SoftLimitPerProject = n
		}
	}
	if v := os.Getenv("MEMBANK_HARD_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HardLimitOrg = n
		}
	}
	if v := os.Getenv("MEMBANK_LOCK_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LockTTLSeconds = n
		}
	}
	if v := os.Getenv("MEMBANK_MAINTENANCE_SPEC"); v != "" {
		cfg.MaintenanceSpec = v
	}
	if v := os.Getenv("MEMBANK_MAINTENANCE_POLICIES"); v != "" {
		var policies []string
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				policies = append(policies, part)
			}
		}
		if len(policies) > 0 {
			cfg.MaintenancePolicies = policies
		}
	}
}

// Validate verifies the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("database path is empty")
	}
	if strings.TrimSpace(c.OrgID) == "" {
		return fmt.Errorf("org id is empty")
	}
	if strings.TrimSpace(c.ProjectID) == "" {
		return fmt.Errorf("project id is empty")
	}
	if c.LockTTLSeconds <= 0 {
		return fmt.Errorf("lock TTL must be positive")
	}
	if c.PruneThreshold < 0 || c.PruneThreshold > 100 {
		return fmt.Errorf("prune threshold must be between 0 and 100")
	}
	if c.DecayThreshold < 0 || c.DecayThreshold > 100 {
		return fmt.Errorf("decay threshold must be between 0 and 100")
	}
	if c.MaxVersions <= 0 {
		return fmt.Errorf("max versions must be positive")
	}
	if c.PurgeAfterDays <= 0 {
		return fmt.Errorf("purge after days must be positive")
	}
	return nil
}
