package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/tryextender/internal/webhook"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory is accepted and
// resolved to its config.yaml.
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
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	// A relative catalog path is relative to the config file.
	baseDir := filepath.Dir(absPath)
	if cfg.Catalog.Path != "" && !filepath.IsAbs(cfg.Catalog.Path) {
		cfg.Catalog.Path = filepath.Join(baseDir, cfg.Catalog.Path)
	}
	return cfg, nil
}

// Parse decodes YAML configuration on top of Defaults and validates it.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validate where they matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	switch {
	case cfg.Catalog.Path == "" && cfg.Catalog.URL == "":
		return fmt.Errorf("catalog.path or catalog.url is required")
	case cfg.Catalog.Path != "" && cfg.Catalog.URL != "":
		return fmt.Errorf("catalog.path and catalog.url are mutually exclusive")
	}
	if cfg.Catalog.URL != "" {
		if _, err := url.ParseRequestURI(cfg.Catalog.URL); err != nil {
			return fmt.Errorf("catalog.url: %w", err)
		}
	}
	if cfg.Catalog.RefreshInterval < 0 || cfg.Catalog.Jitter < 0 {
		return fmt.Errorf("catalog.refresh_interval and catalog.jitter must not be negative")
	}
	if len(cfg.Catalog.RepoMarkers) == 0 {
		return fmt.Errorf("catalog.repo_markers must be non-empty")
	}
	if hook := cfg.Catalog.Webhook; hook.Path != "" {
		if !cfg.API.Enabled {
			return fmt.Errorf("catalog.webhook requires api.enabled")
		}
		if !strings.HasPrefix(hook.Path, "/") {
			return fmt.Errorf("catalog.webhook.path must start with /")
		}
		if hook.Secret == "" {
			return fmt.Errorf("catalog.webhook.secret is required")
		}
		if err := unresolved("catalog.webhook.secret", hook.Secret); err != nil {
			return err
		}
		if _, err := webhook.ParseSize(hook.MaxBodySize); err != nil {
			return fmt.Errorf("catalog.webhook.max_body_size: %w", err)
		}
	}

	if _, err := url.ParseRequestURI(cfg.BuildAPI.BaseURL); err != nil {
		return fmt.Errorf("buildapi.base_url: %w", err)
	}
	if cfg.BuildAPI.Branch == "" {
		return fmt.Errorf("buildapi.branch is required")
	}
	for field, v := range map[string]string{
		"buildapi.username": cfg.BuildAPI.Username,
		"buildapi.password": cfg.BuildAPI.Password,
	} {
		if err := unresolved(field, v); err != nil {
			return err
		}
	}

	if cfg.Trigger.PollInterval <= 0 {
		return fmt.Errorf("trigger.poll_interval must be positive")
	}
	if cfg.Trigger.MaxAttempts < 1 {
		return fmt.Errorf("trigger.max_attempts must be at least 1")
	}
	if cfg.Trigger.BackoffBase <= 0 {
		return fmt.Errorf("trigger.backoff_base must be positive")
	}

	if len(cfg.Publish.Kafka.Brokers) > 0 && cfg.Publish.Kafka.Topic == "" {
		return fmt.Errorf("publish.kafka.topic is required when brokers are set")
	}
	return nil
}

// Fingerprint computes the BLAKE3 hash of a file.
func Fingerprint(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}
