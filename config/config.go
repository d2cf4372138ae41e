// Package config loads flexd's runtime configuration: capability-cache TTL,
// CRCS row cap, post-condition retry default, and the Mongo/Redis connection
// settings the persistence and stream layers need, grounded on the
// YAML-plus-environment-override shape goa-ai's clue configuration and the
// rest of the retrieval pack use for process configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Mongo holds connection settings for persistence/mongo.
type Mongo struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// Redis holds connection settings for the Pulse-backed stream sink. The
// capability-registry cache is in-memory and does not use them.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is flexd's full runtime configuration. Every field has a default
// matching the value spec.md §6 names; YAML values override the defaults,
// and environment variables (named below) override YAML.
type Config struct {
	CapabilityCacheTTL         time.Duration `yaml:"capabilityCacheTtl"`
	PlannerCRCSMaxRows         int           `yaml:"plannerCrcsMaxRows"`
	PostConditionMaxRetries    int           `yaml:"postConditionMaxRetries"`
	CapabilitySelfRegisterTries int          `yaml:"capabilitySelfRegisterRetries"`
	PlannerMaxAttempts         int           `yaml:"plannerMaxAttempts"`

	Mongo Mongo `yaml:"mongo"`
	Redis Redis `yaml:"redis"`
}

// Default returns the configuration spec.md §6's environment-variable
// defaults describe, with no Mongo/Redis settings (the in-memory stores and
// the in-process stream sink are the zero-config fallback).
func Default() Config {
	return Config{
		CapabilityCacheTTL:          5000 * time.Millisecond,
		PlannerCRCSMaxRows:          80,
		PostConditionMaxRetries:     1,
		CapabilitySelfRegisterTries: 5,
		PlannerMaxAttempts:          2,
	}
}

// Load reads YAML configuration from path (if non-empty and the file
// exists), layers it over Default, then applies environment-variable
// overrides, in that order — the same precedence the pack's YAML-plus-env
// configuration loaders use.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			raw, err := os.ReadFile(path)
			if err != nil {
				return Config{}, fmt.Errorf("config: reading %q: %w", path, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parsing %q: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %q: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

const (
	envCapabilityCacheTTLMS         = "FLEX_CAPABILITY_CACHE_TTL_MS"
	envPlannerCRCSMaxRows           = "FLEX_PLANNER_CRCS_MAX_ROWS"
	envPostConditionMaxRetries      = "FLEX_CAPABILITY_POST_CONDITION_MAX_RETRIES"
	envCapabilitySelfRegisterTries  = "FLEX_CAPABILITY_SELF_REGISTER_RETRIES"
	envMongoURI                     = "FLEX_MONGO_URI"
	envMongoDatabase                = "FLEX_MONGO_DATABASE"
	envRedisAddr                    = "FLEX_REDIS_ADDR"
)

func applyEnvOverrides(cfg *Config) {
	if ms, ok := envInt(envCapabilityCacheTTLMS); ok && ms >= 0 {
		cfg.CapabilityCacheTTL = time.Duration(ms) * time.Millisecond
	}
	if n, ok := envInt(envPlannerCRCSMaxRows); ok && n >= 1 {
		cfg.PlannerCRCSMaxRows = n
	}
	if n, ok := envInt(envPostConditionMaxRetries); ok && n >= 0 {
		cfg.PostConditionMaxRetries = n
	}
	if n, ok := envInt(envCapabilitySelfRegisterTries); ok && n >= 0 {
		cfg.CapabilitySelfRegisterTries = n
	}
	if uri := os.Getenv(envMongoURI); uri != "" {
		cfg.Mongo.URI = uri
	}
	if db := os.Getenv(envMongoDatabase); db != "" {
		cfg.Mongo.Database = db
	}
	if addr := os.Getenv(envRedisAddr); addr != "" {
		cfg.Redis.Addr = addr
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
