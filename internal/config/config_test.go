package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithEmptyPathAppliesDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "data/marketctl.db", c.Store.Path)
	assert.Equal(t, -3.0, c.Drawdown.Limit)
	assert.Equal(t, 1.5, c.Allocator.Exploration)
	assert.Equal(t, 2, c.Council.MinAgree)
	assert.Equal(t, ":8090", c.Admin.Addr)
}

func TestLoadReadsYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := []byte("drawdown:\n  limit: -0.08\nallocator:\n  exploration: 2.0\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, -0.08, c.Drawdown.Limit)
	assert.Equal(t, 2.0, c.Allocator.Exploration)
}

func TestLoadLegacyEnvAliasOverridesDrawdownLimit(t *testing.T) {
	t.Setenv("DRAWDOWN_LIMIT", "-0.05")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, -0.05, c.Drawdown.Limit)
}

func TestCouncilTimeoutConvertsSecondsToDuration(t *testing.T) {
	c := CouncilConfig{TimeoutSec: 20}
	assert.Equal(t, 20e9, float64(c.Timeout()))
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
