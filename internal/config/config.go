// Package config loads the shell's configuration surface: a YAML file,
// optionally overridden by BUNDLE_-prefixed environment variables, the
// same two-tier shape configuration.Parse builds for the registry
// (yaml.v2 plus an env overlay), simplified here to a flat, unversioned
// struct since the shell's configuration surface is small and stable
// rather than evolving release to release.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Retry holds the exponential backoff parameters for manifest fetch and
// blob download retries.
type Retry struct {
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"maxAttempts"`
}

// DefaultRetry is the backoff policy used when a configuration omits
// "retry" entirely.
func DefaultRetry() Retry {
	return Retry{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		MaxAttempts:  3,
	}
}

// Config is the shell-side configuration surface.
type Config struct {
	AppDataDir        string `yaml:"appDataDir"`
	BundleSubdirectory string `yaml:"bundleSubdirectory"`
	BaseURL           string `yaml:"baseUrl"`
	PublicKey         string `yaml:"publicKey"` // base64 Ed25519 public key
	ShellVersion      int    `yaml:"shellVersion"`
	Platform          string `yaml:"platform,omitempty"` // "os-arch"; auto-detected if empty

	CheckInterval time.Duration `yaml:"checkInterval,omitempty"`
	Retry         Retry         `yaml:"retry,omitempty"`

	// RedisAddr, if set, enables the optional remote digest cache in front
	// of the ContentStore. Empty disables it.
	RedisAddr string `yaml:"redisAddr,omitempty"`

	// Log controls the logging subsystem, mirroring configuration.Log.
	Log LogConfig `yaml:"log,omitempty"`
}

// LogConfig controls the logrus setup.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`
	Formatter string `yaml:"formatter,omitempty"`
}

// BundleDir returns the root of the on-disk bundle layout.
func (c *Config) BundleDir() string {
	if c.BundleSubdirectory == "" {
		return c.AppDataDir
	}
	return c.AppDataDir + string(os.PathSeparator) + c.BundleSubdirectory
}

const envPrefix = "BUNDLE_"

// Parse reads a YAML configuration from rd, applies defaults, and then
// overlays any BUNDLE_* environment variables present, matching the
// override-by-env convention used throughout configuration.Configuration.
func Parse(rd io.Reader) (*Config, error) {
	raw, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	cfg := &Config{Retry: DefaultRetry()}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	applyEnvOverlay(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AppDataDir == "" {
		return fmt.Errorf("appDataDir is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("baseUrl is required")
	}
	if c.PublicKey == "" {
		return fmt.Errorf("publicKey is required")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.maxAttempts must be positive")
	}
	return nil
}

// applyEnvOverlay mutates cfg in place from BUNDLE_*-prefixed environment
// variables, named after the matching YAML key upper-cased with no added
// separators (e.g. BUNDLE_BASEURL, BUNDLE_SHELLVERSION, BUNDLE_CHECKINTERVAL).
func applyEnvOverlay(cfg *Config) {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], envPrefix) {
			continue
		}
		env[strings.ToUpper(strings.TrimPrefix(parts[0], envPrefix))] = parts[1]
	}
	if len(env) == 0 {
		return
	}

	if v, ok := env["APPDATADIR"]; ok {
		cfg.AppDataDir = v
	}
	if v, ok := env["BUNDLESUBDIRECTORY"]; ok {
		cfg.BundleSubdirectory = v
	}
	if v, ok := env["BASEURL"]; ok {
		cfg.BaseURL = v
	}
	if v, ok := env["PUBLICKEY"]; ok {
		cfg.PublicKey = v
	}
	if v, ok := env["PLATFORM"]; ok {
		cfg.Platform = v
	}
	if v, ok := env["REDISADDR"]; ok {
		cfg.RedisAddr = v
	}
	if v, ok := env["SHELLVERSION"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ShellVersion = n
		}
	}
	if v, ok := env["CHECKINTERVAL"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CheckInterval = d
		}
	}
}
