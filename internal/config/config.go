// Package config collects the authoritative constants and environment-driven
// settings Forge reads once at startup, per §9's "global mutable state →
// explicit configuration" guidance: no package-level mutable singletons, one
// Config constructed in main and threaded explicitly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single settings structure threaded through the CLI, server,
// and worker entry points.
type Config struct {
	// LLM transport (§4.E).
	LLMAPIKey          string        `yaml:"-"`
	LLMBaseURL         string        `yaml:"llm_base_url"`
	LLMModel           string        `yaml:"llm_model"`
	LLMStreamTimeout   time.Duration `yaml:"-"`
	LLMPollDeadline    time.Duration `yaml:"-"`
	LLMPollInterval    time.Duration `yaml:"-"`
	LLMMaxRetries      int           `yaml:"llm_max_retries"`
	LLMRetryBaseDelay  time.Duration `yaml:"-"`
	LLMMaxOutputTokens int           `yaml:"llm_max_output_tokens"`
	LLMMaxPayloadBytes int64         `yaml:"-"`

	// Git writeback (§4.J).
	GitPushToken string `yaml:"-"`

	// Roots.
	ArtifactsRoot string `yaml:"artifacts_root"`
	WorkspaceRoot string `yaml:"workspace_root"`

	// Run store / queue (§4.I/§4.J).
	DBDSN     string `yaml:"db_dsn"`
	RedisAddr string `yaml:"redis_addr"`

	// Factory (§4.H).
	MaxAttempts        int           `yaml:"max_attempts"`
	ProcTimeout        time.Duration `yaml:"-"`
	RuntimeSetupTimeout time.Duration `yaml:"-"`
	QueueJobTimeout    time.Duration `yaml:"-"`

	// Planner (§4.G).
	MaxCompileAttempts int `yaml:"max_compile_attempts"`

	// Color.
	NoColor    bool `yaml:"-"`
	ForceColor bool `yaml:"-"`
}

// Default returns the spec-mandated defaults (§4.D, §4.E, §4.H, §4.G, §5).
func Default() Config {
	return Config{
		LLMStreamTimeout:    40 * time.Minute,
		LLMPollDeadline:     40 * time.Minute,
		LLMPollInterval:     5 * time.Second,
		LLMMaxRetries:       3,
		LLMRetryBaseDelay:   3 * time.Second,
		LLMMaxOutputTokens:  65000,
		LLMMaxPayloadBytes:  10 * 1024 * 1024,
		ArtifactsRoot:       "artifacts",
		WorkspaceRoot:       os.TempDir(),
		MaxAttempts:         2,
		ProcTimeout:         30 * time.Second,
		RuntimeSetupTimeout: 120 * time.Second,
		QueueJobTimeout:     1 * time.Hour,
		MaxCompileAttempts:  3,
	}
}

// rawOverlay mirrors the yaml-tagged subset of Config that may be set from a
// config file, strictly decoded so an unrecognized key is a load error rather
// than a silently ignored typo.
type rawOverlay struct {
	LLMBaseURL         string `yaml:"llm_base_url"`
	LLMModel           string `yaml:"llm_model"`
	LLMMaxRetries      int    `yaml:"llm_max_retries"`
	LLMMaxOutputTokens int    `yaml:"llm_max_output_tokens"`
	ArtifactsRoot      string `yaml:"artifacts_root"`
	WorkspaceRoot      string `yaml:"workspace_root"`
	DBDSN              string `yaml:"db_dsn"`
	RedisAddr          string `yaml:"redis_addr"`
	MaxAttempts        int    `yaml:"max_attempts"`
	MaxCompileAttempts int    `yaml:"max_compile_attempts"`
}

// LoadYAMLOverlay strictly decodes a YAML file and applies any fields it sets
// on top of cfg, matching internal/attractor/engine/config.go's
// KnownFields(true) strict-decode discipline.
func LoadYAMLOverlay(cfg Config, path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var raw rawOverlay
	if err := dec.Decode(&raw); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if raw.LLMBaseURL != "" {
		cfg.LLMBaseURL = raw.LLMBaseURL
	}
	if raw.LLMModel != "" {
		cfg.LLMModel = raw.LLMModel
	}
	if raw.LLMMaxRetries != 0 {
		cfg.LLMMaxRetries = raw.LLMMaxRetries
	}
	if raw.LLMMaxOutputTokens != 0 {
		cfg.LLMMaxOutputTokens = raw.LLMMaxOutputTokens
	}
	if raw.ArtifactsRoot != "" {
		cfg.ArtifactsRoot = raw.ArtifactsRoot
	}
	if raw.WorkspaceRoot != "" {
		cfg.WorkspaceRoot = raw.WorkspaceRoot
	}
	if raw.DBDSN != "" {
		cfg.DBDSN = raw.DBDSN
	}
	if raw.RedisAddr != "" {
		cfg.RedisAddr = raw.RedisAddr
	}
	if raw.MaxAttempts != 0 {
		cfg.MaxAttempts = raw.MaxAttempts
	}
	if raw.MaxCompileAttempts != 0 {
		cfg.MaxCompileAttempts = raw.MaxCompileAttempts
	}
	return cfg, nil
}

// FromEnv layers environment variables over cfg. Missing/blank LLMAPIKey is
// intentionally left for callers to fail fast on, per §4.E: the key is
// required before any network use, not at config-load time, so that
// non-LLM subcommands (e.g. `forge run-all --allow-verify-exempt`-free dry
// runs) don't need it set.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("FORGE_LLM_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("FORGE_GIT_PUSH_TOKEN"); v != "" {
		cfg.GitPushToken = v
	}
	if v := os.Getenv("FORGE_ARTIFACTS_ROOT"); v != "" {
		cfg.ArtifactsRoot = v
	}
	if v := os.Getenv("FORGE_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("FORGE_DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv("FORGE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("FORGE_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v, err := strconv.Atoi(os.Getenv("FORGE_MAX_ATTEMPTS")); err == nil && v > 0 {
		cfg.MaxAttempts = v
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		cfg.NoColor = true
	}
	if _, ok := os.LookupEnv("FORCE_COLOR"); ok {
		cfg.ForceColor = true
	}
	return cfg
}
