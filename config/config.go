// Package config provides environment-variable configuration loading shared
// across the clarium core (the graph store's commit-window/GC thresholds,
// the CLI's storage-root/postgres-dsn/scripts-dir defaults, §6's
// CLARIUM_-prefixed knobs), following the teacher's prefixed-lookup-with-
// fallback convention rather than a bespoke flag-only scheme.
package config

import (
	"os"
	"strconv"
)

// EnvConfig provides prefixed environment-variable lookups with defaults.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a new environment configuration loader. An empty
// prefix performs unprefixed lookups.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

// GetString retrieves a string value from the environment, or def if unset.
func (ec *EnvConfig) GetString(key, def string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return def
}

// GetInt retrieves an integer value from the environment, or def if unset
// or unparseable.
func (ec *EnvConfig) GetInt(key string, def int) int {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}
