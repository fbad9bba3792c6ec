package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, token, err := Load(filepath.Join(dir, "config.json"), "", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if token != "" {
		t.Fatalf("migratedToken = %q, want empty", token)
	}
	if cfg.Connection.DirectPort != 9876 {
		t.Fatalf("DirectPort = %d, want 9876", cfg.Connection.DirectPort)
	}
	if !cfg.Connection.RestrictToTailscale {
		t.Fatal("RestrictToTailscale should default true")
	}
}

func TestLoadMigratesInlineAuthToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"authToken":"deadbeef","autoLaunch":true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, token, err := Load(path, "", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if token != "deadbeef" {
		t.Fatalf("migratedToken = %q, want deadbeef", token)
	}
	if cfg.AuthToken != "" {
		t.Fatal("AuthToken should be cleared from the in-memory config after migration")
	}
	if !cfg.AutoLaunch {
		t.Fatal("AutoLaunch should still be preserved")
	}
}

func TestSaveNeverPersistsAuthToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := defaultConfig()
	cfg.AuthToken = "leaked-token"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) == "" {
		t.Fatal("expected non-empty config file")
	}
	reloaded, token, err := Load(path, "", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if token != "" {
		t.Fatalf("migratedToken = %q, want empty after Save strips it", token)
	}
	if reloaded.AuthToken != "" {
		t.Fatal("AuthToken must never round-trip through Save")
	}
}

func TestServiceDefinitionsTranslatesFields(t *testing.T) {
	cfg := GatewayConfig{Services: []ServiceDefinition{
		{ID: "svc-1", Name: "worker", Command: "/usr/bin/worker", AutoStart: true},
	}}
	defs := cfg.ServiceDefinitions()
	if len(defs) != 1 || defs[0].ID != "svc-1" || !defs[0].AutoStart {
		t.Fatalf("ServiceDefinitions = %+v", defs)
	}
}
