package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MEMBANK_DATA_DIR", t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "default", cfg.OrgID)
	assert.Equal(t, "default", cfg.ProjectID)
	assert.Equal(t, DefaultSoftLimitPerProject, cfg.SoftLimitPerProject)
	assert.Equal(t, DefaultHardLimitOrg, cfg.HardLimitOrg)
	assert.Equal(t, DefaultLockTTLSeconds, cfg.LockTTLSeconds)
	assert.Equal(t, DefaultMaintenanceSpec, cfg.MaintenanceSpec)
	assert.NotEmpty(t, cfg.MaintenancePolicies)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MEMBANK_DATA_DIR", dir)

	content := `
[scope]
org = "acme"
project = "rocket"

[quota]
soft_limit_per_project = 42
hard_limit_org = 420

[locks]
ttl_seconds = 120

[lifecycle]
max_versions = 7

[maintenance]
spec = "30 2 * * *"
policies = ["cleanup_expired"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644))

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.OrgID)
	assert.Equal(t, "rocket", cfg.ProjectID)
	assert.Equal(t, 42, cfg.SoftLimitPerProject)
	assert.Equal(t, 420, cfg.HardLimitOrg)
	assert.Equal(t, 120, cfg.LockTTLSeconds)
	assert.Equal(t, 7, cfg.MaxVersions)
	assert.Equal(t, "30 2 * * *", cfg.MaintenanceSpec)
	assert.Equal(t, []string{"cleanup_expired"}, cfg.MaintenancePolicies)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MEMBANK_DATA_DIR", dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[scope]
org = "from-file"
`), 0644))

	t.Setenv("MEMBANK_ORG", "from-env")
	t.Setenv("MEMBANK_SOFT_LIMIT", "9")
	t.Setenv("MEMBANK_MAINTENANCE_POLICIES", "cleanup_expired, auto_prune")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.OrgID)
	assert.Equal(t, 9, cfg.SoftLimitPerProject)
	assert.Equal(t, []string{"cleanup_expired", "auto_prune"}, cfg.MaintenancePolicies)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("MEMBANK_DATA_DIR", t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.OrgID = " "
	assert.Error(t, cfg.Validate())

	cfg, _ = LoadConfig()
	cfg.PruneThreshold = 250
	assert.Error(t, cfg.Validate())

	cfg, _ = LoadConfig()
	cfg.MaxVersions = 0
	assert.Error(t, cfg.Validate())
}
