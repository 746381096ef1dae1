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

// Package profile resolves secret-reference strings found in dk-server's
// config file (shared-secret, JWT signing key, review provider API key) to
// plaintext, so the rest of the daemon only ever sees resolved values.
package profile

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider resolves a reference's scheme-specific payload to a plaintext
// secret value.
type Provider interface {
	// Scheme returns the provider's URI scheme, e.g. "env" or "file".
	Scheme() string

	// Resolve retrieves the secret value for reference, the part of a
	// "scheme:reference" string after the colon.
	Resolve(ctx context.Context, reference string) (string, error)
}

// IsReference reports whether value is a secret reference rather than a
// plaintext value: "scheme:payload" or the legacy "${VAR}" env shorthand.
func IsReference(value string) bool {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		return true
	}
	scheme, _, ok := strings.Cut(value, ":")
	return ok && scheme != "" && !strings.ContainsAny(scheme, "/\\ ")
}

// Registry routes a "scheme:reference" string to the provider registered
// for that scheme.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a Registry with the env and file providers registered,
// which covers every secret reference dk-server's own config file uses.
func NewRegistry() *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	r.Register(EnvProvider{})
	r.Register(FileProvider{})
	return r
}

// Register adds provider to the registry, keyed by its scheme. A later
// call for the same scheme replaces the earlier one.
func (r *Registry) Register(provider Provider) {
	r.providers[provider.Scheme()] = provider
}

// Resolve routes reference to its scheme's provider and returns the
// resolved plaintext value. "${VAR}" is treated as "env:VAR" for backward
// compatibility with shell-style config files.
func (r *Registry) Resolve(ctx context.Context, reference string) (string, error) {
	if strings.HasPrefix(reference, "${") && strings.HasSuffix(reference, "}") {
		reference = "env:" + strings.TrimSuffix(strings.TrimPrefix(reference, "${"), "}")
	}

	scheme, payload, ok := strings.Cut(reference, ":")
	if !ok {
		return "", fmt.Errorf("profile: %q is not a scheme:reference value", reference)
	}

	provider, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("profile: no provider registered for scheme %q", scheme)
	}

	return provider.Resolve(ctx, payload)
}

// EnvProvider resolves a reference against the process environment.
type EnvProvider struct{}

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, reference string) (string, error) {
	value, ok := os.LookupEnv(reference)
	if !ok {
		return "", fmt.Errorf("profile: environment variable %q is not set", reference)
	}
	return value, nil
}

// FileProvider resolves a reference by reading a file's contents, trimming
// a single trailing newline if present (the common shape for a secret
// written by `echo "$SECRET" > path`).
type FileProvider struct{}

func (FileProvider) Scheme() string { return "file" }

func (FileProvider) Resolve(_ context.Context, reference string) (string, error) {
	data, err := os.ReadFile(reference)
	if err != nil {
		return "", fmt.Errorf("profile: reading secret file %q: %w", reference, err)
	}
	return strings.TrimSuffix(string(data), "\n"), nil
}
