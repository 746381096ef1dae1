// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the dk-server daemon's on-disk configuration:
// listen address, auth mode, session lifetime, storage locations and the
// command allowlist. Adapted from a yaml.v3-based Config/Load pattern,
// narrowed to this daemon's surface.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dkod-io/dk-server/pkg/profile"
)

// ErrInvalidConfig is returned when Validate finds a structurally invalid
// configuration.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// AuthMode selects how RPC clients authenticate.
type AuthMode string

const (
	AuthSharedSecret AuthMode = "shared_secret"
	AuthJWT          AuthMode = "jwt"
	AuthDual         AuthMode = "dual"
)

// AuthConfig configures the RPC layer's authentication.
type AuthConfig struct {
	ModeName  AuthMode `yaml:"mode"`
	Secret    string   `yaml:"shared_secret,omitempty"`
	JWTSecret string   `yaml:"jwt_secret,omitempty"`
	JWTIssuer string   `yaml:"jwt_issuer,omitempty"`
}

// RateLimitConfig bounds per-connection RPC throughput.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ServerConfig configures the RPC listener.
type ServerConfig struct {
	ListenAddr string          `yaml:"listen_addr"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

// SessionConfig configures session lifetime and cleanup.
type SessionConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StorageConfig configures where changeset metadata and base-commit
// content are persisted.
type StorageConfig struct {
	ChangesetDBPath string `yaml:"changeset_db_path"`
	RepoRoot        string `yaml:"repo_root"`
}

// AllowlistConfig extends or narrows the command allowlist.
type AllowlistConfig struct {
	ExtraTools []string `yaml:"extra_tools,omitempty"`
}

// ReviewConfig configures the agent-review provider (C14).
type ReviewConfig struct {
	Provider string `yaml:"provider"` // "http", "mcp", or "" (disabled)
	Endpoint string `yaml:"endpoint,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	Model    string `yaml:"model,omitempty"`
	Command  string `yaml:"command,omitempty"`
	Tool     string `yaml:"tool,omitempty"`
}

// LogConfig mirrors internal/log.Config's yaml-facing subset.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete dk-server daemon configuration.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Storage   StorageConfig   `yaml:"storage"`
	Allowlist AllowlistConfig `yaml:"allowlist"`
	Review    ReviewConfig    `yaml:"review"`
	Log       LogConfig       `yaml:"log"`
	WorkflowDir string        `yaml:"workflow_dir"`
}

// Default returns a Config with the daemon's baked-in defaults.
func Default() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:7421",
			Auth:       AuthConfig{ModeName: AuthSharedSecret},
			RateLimit:  RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		},
		Session: SessionConfig{
			Timeout:         30 * time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
		Storage: StorageConfig{
			ChangesetDBPath: "changesets.db",
			RepoRoot:        ".",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads and parses a YAML config file at path, filling in daemon
// defaults for anything the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.resolveSecretRefs(); err != nil {
		return nil, fmt.Errorf("config: resolve secret references: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveSecretRefs replaces any secret-bearing field written as an
// "env:VAR", "file:/path" or "${VAR}" reference with its resolved value,
// so the rest of the daemon only ever sees plaintext. Fields already
// holding a plaintext value are left untouched.
func (c *Config) resolveSecretRefs() error {
	reg := profile.NewRegistry()
	fields := []*string{
		&c.Server.Auth.Secret,
		&c.Server.Auth.JWTSecret,
		&c.Review.APIKey,
	}
	for _, f := range fields {
		if *f == "" || !profile.IsReference(*f) {
			continue
		}
		resolved, err := reg.Resolve(context.Background(), *f)
		if err != nil {
			return err
		}
		*f = resolved
	}
	return nil
}

// Save writes cfg to path as YAML with owner-only permissions, since it
// may contain a shared secret or JWT signing key.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate checks structural invariants Load cannot recover from.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("server.listen_addr is required"))
	}
	switch c.Server.Auth.ModeName {
	case AuthSharedSecret:
		if c.Server.Auth.Secret == "" {
			errs = append(errs, fmt.Errorf("server.auth.shared_secret is required for mode %q", AuthSharedSecret))
		}
	case AuthJWT:
		if c.Server.Auth.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("server.auth.jwt_secret is required for mode %q", AuthJWT))
		}
	case AuthDual:
		if c.Server.Auth.Secret == "" || c.Server.Auth.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("server.auth requires both shared_secret and jwt_secret for mode %q", AuthDual))
		}
	default:
		errs = append(errs, fmt.Errorf("server.auth.mode %q is not one of shared_secret, jwt, dual", c.Server.Auth.ModeName))
	}
	if c.Session.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("session.timeout must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
