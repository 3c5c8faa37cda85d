// Package config resolves the graph index's process-wide configuration
// from environment variables.
//
// The only genuinely global state in the service is the database path
// derived from GRAPH_DIR; everything else (pool size, timeouts, cache
// sizing) is a tunable with a sane default. Configuration is loaded once at
// startup with LoadFromEnv and validated with Validate before use, then
// threaded explicitly through the rest of the program — nothing reads the
// environment again after startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the resolved configuration for one run of the service.
type Config struct {
	// Database settings
	Database DatabaseConfig

	// Search tuning
	Search SearchConfig

	// Cache settings
	Cache CacheConfig

	// Logging settings
	Logging LoggingConfig
}

// DatabaseConfig controls where and how the graph is stored.
type DatabaseConfig struct {
	// DataDir is the directory holding the database file and its sidecars.
	// Derived from GRAPH_DIR; see DefaultGraphDir for the per-platform default.
	DataDir string
	// PoolSize is the number of concurrent storage connections. A single
	// writer is still enforced by the underlying engine's WAL discipline;
	// this bounds concurrent readers.
	PoolSize int
	// OperationTimeout bounds how long a storage operation waits for a free
	// connection slot when its context carries no deadline; a wait that
	// exceeds it surfaces as a transient io_error. An operation that already
	// holds a slot is not interrupted.
	OperationTimeout time.Duration
	// SyncWrites forces an fsync after each commit. Slower, more durable.
	SyncWrites bool
}

// SearchConfig tunes the semantic/keyword/hybrid search engine.
type SearchConfig struct {
	// DefaultSemanticWeight is the hybrid search weight, loaded and
	// validated here. It is not passed to the search engine, whose
	// HybridSearch takes the weight as an argument from its caller.
	DefaultSemanticWeight float64
	// MinConfidence is the semantic search floor, loaded and validated
	// here. It is not passed to the search engine; query_graph requests run
	// with the query.Request default of 0.
	MinConfidence float64
	// ParallelCandidates enables errgroup-based parallel scoring of search
	// candidates above this many candidates. 0 disables parallelism.
	ParallelCandidates int
}

// CacheConfig tunes the read-through node/embedding cache in front of
// storage.
type CacheConfig struct {
	Enabled bool
	MaxSize int
	TTL     time.Duration
}

// LoggingConfig controls where diagnostic logging is written.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR.
	Level string
}

// LoadFromEnv loads configuration from environment variables, applying
// defaults where a variable is unset.
//
// Recognized variables:
//
//	GRAPH_DIR                      database directory (see DefaultGraphDir)
//	GRAPHINDEX_POOL_SIZE            storage connection pool size (default 5)
//	GRAPHINDEX_OPERATION_TIMEOUT    e.g. "30s" (default 30s)
//	GRAPHINDEX_SYNC_WRITES          "true"/"false" (default false)
//	GRAPHINDEX_SEMANTIC_WEIGHT      hybrid search weight (default 0.7; validated only)
//	GRAPHINDEX_MIN_CONFIDENCE       semantic search floor (default 0.0; validated only)
//	GRAPHINDEX_PARALLEL_THRESHOLD   candidate count above which scoring
//	                                 parallelizes (default 64, 0 disables)
//	GRAPHINDEX_CACHE_ENABLED        "true"/"false" (default true)
//	GRAPHINDEX_CACHE_SIZE           max cached entries (default 2000)
//	GRAPHINDEX_CACHE_TTL            e.g. "5m" (default 5m)
//	GRAPHINDEX_LOG_LEVEL            DEBUG/INFO/WARN/ERROR (default INFO)
func LoadFromEnv() *Config {
	cfg := &Config{}

	cfg.Database.DataDir = getEnv("GRAPH_DIR", DefaultGraphDir())
	cfg.Database.PoolSize = getEnvInt("GRAPHINDEX_POOL_SIZE", 5)
	cfg.Database.OperationTimeout = getEnvDuration("GRAPHINDEX_OPERATION_TIMEOUT", 30*time.Second)
	cfg.Database.SyncWrites = getEnvBool("GRAPHINDEX_SYNC_WRITES", false)

	cfg.Search.DefaultSemanticWeight = getEnvFloat("GRAPHINDEX_SEMANTIC_WEIGHT", 0.7)
	cfg.Search.MinConfidence = getEnvFloat("GRAPHINDEX_MIN_CONFIDENCE", 0.0)
	cfg.Search.ParallelCandidates = getEnvInt("GRAPHINDEX_PARALLEL_THRESHOLD", 64)

	cfg.Cache.Enabled = getEnvBool("GRAPHINDEX_CACHE_ENABLED", true)
	cfg.Cache.MaxSize = getEnvInt("GRAPHINDEX_CACHE_SIZE", 2000)
	cfg.Cache.TTL = getEnvDuration("GRAPHINDEX_CACHE_TTL", 5*time.Minute)

	cfg.Logging.Level = getEnv("GRAPHINDEX_LOG_LEVEL", "INFO")

	return cfg
}

// DefaultGraphDir returns the platform default database directory used when
// GRAPH_DIR is unset: %APPDATA%\n8n-mcp\graph on Windows, otherwise
// ~/.cache/n8n-mcp/graph.
func DefaultGraphDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "n8n-mcp", "graph")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cache", "n8n-mcp", "graph")
}

// fileOverlay is the subset of Config a YAML file may override. Only the
// fields operators actually tune by hand are exposed here; anything absent
// from the file leaves the env-derived value untouched.
type fileOverlay struct {
	Database struct {
		DataDir          *string `yaml:"data_dir"`
		PoolSize         *int    `yaml:"pool_size"`
		OperationTimeout *string `yaml:"operation_timeout"`
		SyncWrites       *bool   `yaml:"sync_writes"`
	} `yaml:"database"`
	Search struct {
		DefaultSemanticWeight *float64 `yaml:"default_semantic_weight"`
		MinConfidence         *float64 `yaml:"min_confidence"`
		ParallelCandidates    *int     `yaml:"parallel_candidates"`
	} `yaml:"search"`
	Cache struct {
		Enabled *bool   `yaml:"enabled"`
		MaxSize *int    `yaml:"max_size"`
		TTL     *string `yaml:"ttl"`
	} `yaml:"cache"`
	Logging struct {
		Level *string `yaml:"level"`
	} `yaml:"logging"`
}

// ApplyFile overlays the YAML document at path onto c, replacing only the
// fields the file sets explicitly. It is meant to run after LoadFromEnv so
// a config file takes precedence over the environment, matching the
// operator's expectation that a passed --config always wins.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if v := overlay.Database.DataDir; v != nil {
		c.Database.DataDir = *v
	}
	if v := overlay.Database.PoolSize; v != nil {
		c.Database.PoolSize = *v
	}
	if v := overlay.Database.OperationTimeout; v != nil {
		if d, err := time.ParseDuration(*v); err == nil {
			c.Database.OperationTimeout = d
		}
	}
	if v := overlay.Database.SyncWrites; v != nil {
		c.Database.SyncWrites = *v
	}

	if v := overlay.Search.DefaultSemanticWeight; v != nil {
		c.Search.DefaultSemanticWeight = *v
	}
	if v := overlay.Search.MinConfidence; v != nil {
		c.Search.MinConfidence = *v
	}
	if v := overlay.Search.ParallelCandidates; v != nil {
		c.Search.ParallelCandidates = *v
	}

	if v := overlay.Cache.Enabled; v != nil {
		c.Cache.Enabled = *v
	}
	if v := overlay.Cache.MaxSize; v != nil {
		c.Cache.MaxSize = *v
	}
	if v := overlay.Cache.TTL; v != nil {
		if d, err := time.ParseDuration(*v); err == nil {
			c.Cache.TTL = d
		}
	}

	if v := overlay.Logging.Level; v != nil {
		c.Logging.Level = *v
	}

	return nil
}

// DatabaseFile returns the path to the database file within DataDir.
func (c *Config) DatabaseFile() string {
	return filepath.Join(c.Database.DataDir, "graph.db")
}

// Validate checks the configuration for logical errors and invalid values.
// Call it after LoadFromEnv and before opening storage.
func (c *Config) Validate() error {
	if c.Database.DataDir == "" {
		return fmt.Errorf("database data directory must not be empty")
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("invalid pool size: %d", c.Database.PoolSize)
	}
	if c.Database.OperationTimeout <= 0 {
		return fmt.Errorf("invalid operation timeout: %s", c.Database.OperationTimeout)
	}
	if c.Search.DefaultSemanticWeight < 0 || c.Search.DefaultSemanticWeight > 1 {
		return fmt.Errorf("semantic weight must be in [0,1]: %f", c.Search.DefaultSemanticWeight)
	}
	if c.Search.MinConfidence < 0 || c.Search.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be in [0,1]: %f", c.Search.MinConfidence)
	}
	if c.Cache.MaxSize < 0 {
		return fmt.Errorf("invalid cache size: %d", c.Cache.MaxSize)
	}
	return nil
}

// String returns a representation safe for logging; it never contains
// secrets because this configuration holds none.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DataDir: %s, PoolSize: %d, CacheEnabled: %v}",
		c.Database.DataDir, c.Database.PoolSize, c.Cache.Enabled)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
