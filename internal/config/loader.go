package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, expands, defaults and validates the config at configPath.
// A directory is resolved to its config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	cfg.Checksum = ComputeBlake3Hash(data)
	return cfg, nil
}

// Parse decodes YAML config data. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := interpolateEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	if cfg.Worker.Binary == "" {
		cfg.Worker.Binary = defaults.Worker.Binary
	}
	if cfg.Worker.ConnectTimeout == 0 {
		cfg.Worker.ConnectTimeout = defaults.Worker.ConnectTimeout
	}
	if cfg.Worker.HandshakeTimeout == 0 {
		cfg.Worker.HandshakeTimeout = defaults.Worker.HandshakeTimeout
	}
	if cfg.Worker.TerminationGrace == 0 {
		cfg.Worker.TerminationGrace = defaults.Worker.TerminationGrace
	}

	if cfg.Channel.MaxFrameBytes == 0 {
		cfg.Channel.MaxFrameBytes = defaults.Channel.MaxFrameBytes
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaults.Journal.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.MaxConcurrent == 0 {
		cfg.API.MaxConcurrent = defaults.API.MaxConcurrent
	}
	if cfg.API.RunTimeout == 0 {
		cfg.API.RunTimeout = defaults.API.RunTimeout
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Worker.ConnectTimeout < 0 || cfg.Worker.HandshakeTimeout < 0 || cfg.Worker.TerminationGrace < 0 {
		return fmt.Errorf("worker timeouts must not be negative")
	}
	if cfg.Worker.HandshakeTimeout <= cfg.Worker.ConnectTimeout {
		return fmt.Errorf("worker.handshake_timeout (%s) must exceed worker.connect_timeout (%s)",
			cfg.Worker.HandshakeTimeout, cfg.Worker.ConnectTimeout)
	}

	if cfg.Channel.MaxFrameBytes < 0 {
		return fmt.Errorf("channel.max_frame_bytes must be positive")
	}
	if cfg.Channel.MaxFrameBytes > 1<<30 {
		return fmt.Errorf("channel.max_frame_bytes must be at most 1 GiB (got %d)", cfg.Channel.MaxFrameBytes)
	}

	if cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required")
	}

	if cfg.API.MaxConcurrent < 0 {
		return fmt.Errorf("api.max_concurrent must be positive")
	}
	if cfg.API.RunTimeout < 0 {
		return fmt.Errorf("api.run_timeout must not be negative")
	}
	if cfg.API.Enabled {
		if cfg.API.APIKey == "" || envVarPattern.MatchString(cfg.API.APIKey) {
			return fmt.Errorf("api.api_key is required when api is enabled (unresolved or empty)")
		}
	}
	return nil
}
