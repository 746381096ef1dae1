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
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != "info" || cfg.Format != FormatJSON || cfg.AddSource {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromEnvDebugTakesPrecedence(t *testing.T) {
	for _, key := range []string{"DK_DEBUG", "DK_LOG_LEVEL", "DK_LOG_FORMAT", "DK_LOG_SOURCE"} {
		os.Unsetenv(key)
	}
	defer func() {
		for _, key := range []string{"DK_DEBUG", "DK_LOG_LEVEL", "DK_LOG_FORMAT", "DK_LOG_SOURCE"} {
			os.Unsetenv(key)
		}
	}()

	os.Setenv("DK_DEBUG", "1")
	os.Setenv("DK_LOG_LEVEL", "error")
	cfg := FromEnv()
	if cfg.Level != "debug" || !cfg.AddSource {
		t.Fatalf("DK_DEBUG should win over DK_LOG_LEVEL, got %+v", cfg)
	}
}

func TestFromEnvLogLevel(t *testing.T) {
	os.Unsetenv("DK_DEBUG")
	os.Setenv("DK_LOG_LEVEL", "warn")
	defer os.Unsetenv("DK_LOG_LEVEL")

	cfg := FromEnv()
	if cfg.Level != "warn" {
		t.Fatalf("level = %q", cfg.Level)
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger.Info("hello", "k", "v")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("not valid json: %v", err)
	}
	if decoded["msg"] != "hello" || decoded["k"] != "v" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	logger.Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace":   LevelTrace,
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})
	logger.Info("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("info line leaked past warn threshold: %s", buf.String())
	}
	logger.Warn("should appear")
	if buf.Len() == 0 {
		t.Fatal("warn line missing")
	}
}

func TestWithSession(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	WithSession(base, "sess-1").Info("touched")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded[SessionIDKey] != "sess-1" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	WithComponent(base, "scheduler").Info("ran")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["component"] != "scheduler" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestAddSource(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf, AddSource: true})
	logger.Info("hi")
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["source"]; !ok {
		t.Fatalf("expected source field, got %+v", decoded)
	}
}

func TestAttrHelpers(t *testing.T) {
	if String("k", "v").Value.String() != "v" {
		t.Fatal("String helper mismatch")
	}
	if Int("k", 3).Value.String() != "3" {
		t.Fatal("Int helper mismatch")
	}
	if Bool("k", true).Value.String() != "true" {
		t.Fatal("Bool helper mismatch")
	}
}

func TestErrorAttr(t *testing.T) {
	attr := Error(errors.New("boom"))
	if attr.Key != "error" {
		t.Fatalf("key = %q", attr.Key)
	}
}

func TestNilConfigUsesDefaults(t *testing.T) {
	logger := New(nil)
	if logger == nil {
		t.Fatal("expected a logger")
	}
}
