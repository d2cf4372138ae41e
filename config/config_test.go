package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, 5000*time.Millisecond, cfg.CapabilityCacheTTL)
	require.Equal(t, 80, cfg.PlannerCRCSMaxRows)
	require.Equal(t, 1, cfg.PostConditionMaxRetries)
}

func TestLoad_NoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flexd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plannerCrcsMaxRows: 42\nmongo:\n  uri: mongodb://localhost:27017\n  database: flex\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 42, cfg.PlannerCRCSMaxRows)
	require.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	require.Equal(t, "flex", cfg.Mongo.Database)
	require.Equal(t, 1, cfg.PostConditionMaxRetries)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flexd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plannerCrcsMaxRows: 42\n"), 0o644))

	t.Setenv(envPlannerCRCSMaxRows, "10")
	t.Setenv(envPostConditionMaxRetries, "3")
	t.Setenv(envMongoURI, "mongodb://override:27017")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.PlannerCRCSMaxRows)
	require.Equal(t, 3, cfg.PostConditionMaxRetries)
	require.Equal(t, "mongodb://override:27017", cfg.Mongo.URI)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}
