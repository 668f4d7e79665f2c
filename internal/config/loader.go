package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "MCPGATE_CONFIG"

// DefaultConfigPaths lists where an optional config file is searched, in
// priority order.
var DefaultConfigPaths = []string{
	"mcpgate.yaml",
	"mcpgate.yml",
	"/etc/mcpgate/config.yaml",
}

// Load builds the gateway configuration with layered sources:
//
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
//
// Validation runs last; a validation failure is a startup failure.
func Load() (*Config, error) {
	return load("")
}

// LoadFromFile is Load with an explicit config file path, bypassing the
// search. Used by the --config flag.
func LoadFromFile(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	return load(path)
}

func load(explicitPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := explicitPath
	if configPath == "" {
		configPath = findConfigFile()
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envTransformFunc maps environment variable names onto koanf config paths.
// Unmapped variables are skipped so unrelated environment noise never leaks
// into the configuration.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		// HTTP listener
		"port":         "server.port",
		"host":         "server.host",
		"bind_address": "server.bind_address",
		"public_url":   "server.public_url",

		// Identity provider (mandatory trio first)
		"idp_app_id":       "idp.app_id",
		"idp_app_secret":   "idp.app_secret",
		"idp_redirect_uri": "idp.redirect_uri",
		"idp_base_url":     "idp.base_url",
		"idp_scope":        "idp.scope",
		"idp_timeout":      "idp.timeout",

		// Worker fleet
		"worker_bin":          "worker.binary_path",
		"worker_base_port":    "worker.base_port",
		"worker_port_window":  "worker.port_window",
		"worker_default_port": "worker.default_port",
		"max_instances":       "worker.max_instances",
		"idle_timeout_ms":     "worker.idle_timeout_ms",
		"max_memory_mb":       "worker.max_memory_mb",

		// Sessions
		"max_sessions": "sessions.max_sessions",
		"session_ttl":  "sessions.ttl",

		// Rate limiting
		"rate_limit_session":  "rate_limit.per_session",
		"rate_limit_ip":       "rate_limit.per_ip",
		"rate_limit_window":   "rate_limit.window",
		"rate_limit_disabled": "rate_limit.disabled",

		// Credential storage
		"data_dir":          "storage.data_dir",
		"token_ttl":         "storage.token_ttl",
		"token_key":         "storage.token_key",
		"snapshot_interval": "storage.snapshot_interval",

		// Logging
		"log_level": "logging.level",
	}

	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
