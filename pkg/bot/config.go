// Copyright 2024-2026 Aiku AI

package bot

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/chatlink/pkg/connection"
	"github.com/aiku/chatlink/pkg/identity"
	"github.com/aiku/chatlink/pkg/pending"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bot configuration. Durations are whole seconds.
type Config struct {
	ServerURL    string `yaml:"server_url"`
	AccessToken  string `yaml:"access_token"`
	DatabasePath string `yaml:"database_path"`

	ConnectTimeout       int `yaml:"connect_timeout"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	PendingMaxAge          int `yaml:"pending_max_age"`
	PendingCleanupInterval int `yaml:"pending_cleanup_interval"`
	ResolveRetries         int `yaml:"resolve_retries"`

	IdentityCacheTTL  int `yaml:"identity_cache_ttl"`
	IdentityCacheSize int `yaml:"identity_cache_size"`

	RequiredKeys []string `yaml:"required_keys"`
	LogLevel     string   `yaml:"log_level"`

	logLevel zerolog.Level `yaml:"-"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and fills in defaults for unset values.
func (c *Config) PostProcess() error {
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid server_url %q", c.ServerURL)
		}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = int(connection.DefaultConnectTimeout / time.Second)
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = connection.DefaultMaxReconnectAttempts
	}
	if c.PendingMaxAge <= 0 {
		c.PendingMaxAge = int(pending.DefaultMaxAge / time.Second)
	}
	if c.PendingCleanupInterval <= 0 {
		c.PendingCleanupInterval = int(pending.DefaultCleanupInterval / time.Second)
	}
	if c.ResolveRetries <= 0 {
		c.ResolveRetries = identity.DefaultResolveRetries
	}
	if c.IdentityCacheTTL <= 0 {
		c.IdentityCacheTTL = int(identity.DefaultCacheTTL / time.Second)
	}
	if c.IdentityCacheSize <= 0 {
		c.IdentityCacheSize = identity.DefaultCacheMaxEntries
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	var err error
	if c.logLevel, err = zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}

func (c *Config) Level() zerolog.Level {
	return c.logLevel
}

func (c *Config) connectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

func (c *Config) pendingMaxAge() time.Duration {
	return time.Duration(c.PendingMaxAge) * time.Second
}

func (c *Config) pendingCleanupInterval() time.Duration {
	return time.Duration(c.PendingCleanupInterval) * time.Second
}

func (c *Config) identityCacheTTL() time.Duration {
	return time.Duration(c.IdentityCacheTTL) * time.Second
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "server_url")
	helper.Copy(up.Str, "access_token")
	helper.Copy(up.Str, "database_path")
	helper.Copy(up.Int, "connect_timeout")
	helper.Copy(up.Int, "max_reconnect_attempts")
	helper.Copy(up.Int, "pending_max_age")
	helper.Copy(up.Int, "pending_cleanup_interval")
	helper.Copy(up.Int, "resolve_retries")
	helper.Copy(up.Int, "identity_cache_ttl")
	helper.Copy(up.Int, "identity_cache_size")
	helper.Copy(up.List, "required_keys")
	helper.Copy(up.Str, "log_level")
}

// DefaultConfig returns the embedded example config, post-processed.
func DefaultConfig() (*Config, error) {
	return ParseConfig(nil)
}

// ParseConfig merges data over the embedded example config. Keys missing
// from data keep their example values.
func ParseConfig(data []byte) (*Config, error) {
	var base yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("parse example config: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		var user yaml.Node
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		upgradeConfig(up.NewHelper(&base, &user))
	}
	var cfg Config
	if err := base.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads the config file at path. A missing file yields the
// example config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig()
	} else if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}
