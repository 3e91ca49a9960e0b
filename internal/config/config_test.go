package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Bridge.APIURL = "http://bridge.internal/api/crm"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Bridge.APIURL != "http://bridge.internal/api/crm" {
		t.Errorf("Bridge.APIURL = %q", loaded.Bridge.APIURL)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("default_profile = \"alt\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.DefaultProfile != "alt" {
		t.Errorf("DefaultProfile = %q, want alt", loaded.DefaultProfile)
	}
	// Unset sections fall back to defaults.
	if loaded.HTTP.Addr != "127.0.0.1:8820" {
		t.Errorf("HTTP.Addr = %q, want default", loaded.HTTP.Addr)
	}
	if loaded.Suggest.Provider != "bridge" {
		t.Errorf("Suggest.Provider = %q, want bridge", loaded.Suggest.Provider)
	}
}

func TestResolveToken(t *testing.T) {
	cfg := Default()
	cfg.Auth.Token = "literal"
	cfg.Auth.TokenEnv = "CHATSYNC_TEST_TOKEN"
	t.Setenv("CHATSYNC_TEST_TOKEN", "from-env")

	if got := cfg.ResolveToken(); got != "literal" {
		t.Errorf("ResolveToken() = %q, want literal value to win", got)
	}

	cfg.Auth.Token = ""
	if got := cfg.ResolveToken(); got != "from-env" {
		t.Errorf("ResolveToken() = %q, want from-env", got)
	}

	cfg.Auth.TokenEnv = ""
	if got := cfg.ResolveToken(); got != "" {
		t.Errorf("ResolveToken() = %q, want empty", got)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
