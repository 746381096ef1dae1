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

package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dkod-io/dk-server/pkg/secrets"
)

// Format represents the log output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug, used for per-command stdout/stderr
// bodies and agent-review prompts/responses.
const LevelTrace = slog.Level(-8)

// Standard field keys for structured logging, kept consistent across the
// daemon so log lines can be filtered by any one of them.
const (
	SessionIDKey   = "session_id"
	WorkspaceIDKey = "workspace_id"
	ChangesetIDKey = "changeset_id"
	StageNameKey   = "stage"
	StepNameKey    = "step"
	DurationKey    = "duration_ms"
	MethodKey      = "method"
	ProviderKey    = "provider"
	EventKey       = "event"
)

// Config holds the logging configuration.
type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool

	// Secrets lists values (shared secrets, review API keys, JWT signing
	// keys) that must never reach a log line verbatim. They are masked
	// regardless of which attribute key carries them, in addition to the
	// process environment's own _TOKEN/_SECRET/_KEY/_PASSWORD-suffixed
	// values, which are always masked.
	Secrets []string
}

func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatJSON,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv creates a Config from environment variables.
// Supported environment variables:
//   - DK_DEBUG: true/1 to enable debug level and source logging (takes precedence)
//   - DK_LOG_LEVEL: trace, debug, info, warn, error
//   - DK_LOG_FORMAT: json, text (default: json)
//   - DK_LOG_SOURCE: 1 to enable source file/line
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("DK_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug == "" {
		if level := os.Getenv("DK_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("DK_LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("DK_LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	case FormatJSON:
		fallthrough
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	masker := secrets.NewMasker()
	masker.AddSecretsFromEnv(envMap())
	for _, s := range cfg.Secrets {
		masker.AddSecret(s)
	}

	return slog.New(&redactingHandler{next: handler, masker: masker})
}

func envMap() map[string]string {
	env := os.Environ()
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// redactingHandler wraps a slog.Handler and masks any known secret value
// found in a record's message or string-valued attributes before
// delegating. Attributes of other kinds (errors, groups, numbers) pass
// through unmasked.
// Grounded on pkg/secrets.Masker, previously built but never wired into
// any logging path.
type redactingHandler struct {
	next   slog.Handler
	masker *secrets.Masker
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	record.Message = h.masker.Mask(record.Message)
	masked := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		masked.AddAttrs(h.maskAttr(a))
		return true
	})
	return h.next.Handle(ctx, masked)
}

func (h *redactingHandler) maskAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, h.masker.Mask(a.Value.String()))
	}
	return a
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = h.maskAttr(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(masked), masker: h.masker}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), masker: h.masker}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithSession returns a logger annotated with a session ID, for RPC
// handlers that resolve a session before doing anything else.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With(SessionIDKey, sessionID)
}

// WithComponent returns a logger annotated with a component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

func Attr(key string, value any) slog.Attr    { return slog.Any(key, value) }
func String(key, value string) slog.Attr      { return slog.String(key, value) }
func Int(key string, value int) slog.Attr     { return slog.Int(key, value) }
func Int64(key string, value int64) slog.Attr { return slog.Int64(key, value) }
func Bool(key string, value bool) slog.Attr   { return slog.Bool(key, value) }
func Error(err error) slog.Attr               { return slog.Any("error", err) }
