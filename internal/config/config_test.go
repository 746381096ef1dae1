package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPassesValidateOnceSecretIsSet(t *testing.T) {
	cfg := Default()
	cfg.Server.Auth.Secret = "s3cr3t"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid once auth is set: %v", err)
	}
}

func TestDefaultWithoutSecretFailsValidate(t *testing.T) {
	if err := Default().Validate(); err == nil {
		t.Fatal("expected error: default has no shared secret baked in")
	}
}

func TestValidateRejectsMissingListenAddr(t *testing.T) {
	cfg := Default()
	cfg.Server.ListenAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateRequiresSharedSecretForDefaultMode(t *testing.T) {
	cfg := Default()
	cfg.Server.Auth.Secret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing shared secret")
	}
}

func TestValidateJWTModeRequiresJWTSecret(t *testing.T) {
	cfg := Default()
	cfg.Server.Auth.ModeName = AuthJWT
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing jwt secret")
	}
}

func TestLoadSaveRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	cfg.Server.Auth.Secret = "s3cr3t"
	cfg.Server.ListenAddr = "0.0.0.0:9000"

	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("perm = %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.ListenAddr != "0.0.0.0:9000" || loaded.Server.Auth.Secret != "s3cr3t" {
		t.Fatalf("loaded = %+v", loaded.Server)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadResolvesEnvSecretReference(t *testing.T) {
	t.Setenv("DK_TEST_SHARED_SECRET", "resolved-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	cfg.Server.Auth.Secret = "env:DK_TEST_SHARED_SECRET"
	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Auth.Secret != "resolved-from-env" {
		t.Fatalf("Server.Auth.Secret = %q, want resolved plaintext value", loaded.Server.Auth.Secret)
	}
}

func TestLoadRejectsUnresolvableSecretReference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	cfg.Server.Auth.Secret = "env:DK_TEST_DOES_NOT_EXIST"
	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for a secret reference that can't be resolved")
	}
}
