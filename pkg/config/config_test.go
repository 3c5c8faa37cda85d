package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	clearGraphIndexEnv(t)

	cfg := LoadFromEnv()

	assert.Equal(t, DefaultGraphDir(), cfg.Database.DataDir)
	assert.Equal(t, 5, cfg.Database.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.Database.OperationTimeout)
	assert.False(t, cfg.Database.SyncWrites)
	assert.Equal(t, 0.7, cfg.Search.DefaultSemanticWeight)
	assert.True(t, cfg.Cache.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	clearGraphIndexEnv(t)
	t.Setenv("GRAPH_DIR", t.TempDir())
	t.Setenv("GRAPHINDEX_POOL_SIZE", "12")
	t.Setenv("GRAPHINDEX_SEMANTIC_WEIGHT", "0.3")
	t.Setenv("GRAPHINDEX_CACHE_ENABLED", "false")

	cfg := LoadFromEnv()

	assert.Equal(t, 12, cfg.Database.PoolSize)
	assert.Equal(t, 0.3, cfg.Search.DefaultSemanticWeight)
	assert.False(t, cfg.Cache.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := LoadFromEnv()
	cfg.Database.PoolSize = 0
	assert.Error(t, cfg.Validate())

	cfg = LoadFromEnv()
	cfg.Search.DefaultSemanticWeight = 1.5
	assert.Error(t, cfg.Validate())

	cfg = LoadFromEnv()
	cfg.Database.DataDir = ""
	assert.Error(t, cfg.Validate())
}

func TestDatabaseFile(t *testing.T) {
	cfg := &Config{}
	cfg.Database.DataDir = "/tmp/graph"
	assert.Equal(t, "/tmp/graph/graph.db", cfg.DatabaseFile())
}

func clearGraphIndexEnv(t *testing.T) {
	t.Helper()
	for _, env := range os.Environ() {
		for _, key := range []string{"GRAPH_DIR", "GRAPHINDEX_"} {
			if len(env) >= len(key) && env[:len(key)] == key {
				name := env
				if idx := indexOf(env, '='); idx >= 0 {
					name = env[:idx]
				}
				t.Setenv(name, "")
				os.Unsetenv(name)
			}
		}
	}
}

func TestApplyFileOverridesOnlySetFields(t *testing.T) {
	clearGraphIndexEnv(t)
	cfg := LoadFromEnv()
	originalTimeout := cfg.Database.OperationTimeout

	path := filepath.Join(t.TempDir(), "graphindex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  pool_size: 20
search:
  default_semantic_weight: 0.5
cache:
  enabled: false
`), 0o644))

	require.NoError(t, cfg.ApplyFile(path))

	assert.Equal(t, 20, cfg.Database.PoolSize)
	assert.Equal(t, 0.5, cfg.Search.DefaultSemanticWeight)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, originalTimeout, cfg.Database.OperationTimeout)
}

func TestApplyFileRejectsMissingPath(t *testing.T) {
	cfg := LoadFromEnv()
	assert.Error(t, cfg.ApplyFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func indexOf(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
