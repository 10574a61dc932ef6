//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackendDropsSecrets(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	path := filepath.Join(dir, "config.json")
	body := `{"browser.pool_size": 3, "browser.headless": false, "chains.cgv.password": "hunter2"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	b := openFileBackend(path)
	if _, ok, _ := b.GetString("chains.cgv.password"); ok {
		t.Error("chain password from config.json was kept")
	}
	cfg, err := loadWith(b, mockKeychain{values: map[string]string{}})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Chains.CGV.Password != "" {
		t.Errorf("CGV password = %q, want it ignored", cfg.Chains.CGV.Password)
	}
	if cfg.Browser.PoolSize != 3 || cfg.Browser.Headless {
		t.Errorf("browser = %+v, want pool 3 and headless off", cfg.Browser)
	}
}

func TestFileBackendRefusesSecretWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cinepyle", "config.json")
	b := openFileBackend(path)

	if err := b.SetString("chains.megabox.id", "user"); err == nil {
		t.Error("expected error writing a chain login to config.json")
	}
	if err := b.SetString("browser.step_timeout", "20s"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file mode = %v, want 0600", perm)
	}

	reopened := openFileBackend(path)
	if v, ok, _ := reopened.GetString("browser.step_timeout"); !ok || v != "20s" {
		t.Errorf("step_timeout = %q (ok=%v), want 20s", v, ok)
	}
}

func TestSecretsFile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if err := keychainSet(keychainService, "chains.lotte.password", "pw"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	if err := keychainSet(keychainService, "chains.lotte.id", "lotteuser"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	if err := keychainSet(keychainService, "browser.pool_size", "2"); err == nil {
		t.Error("expected error storing a plain key as a secret")
	}

	got, err := keychainReader{}.Get(keychainService, "chains.lotte.password")
	if err != nil || got != "pw" {
		t.Errorf("Get = %q, %v; want pw", got, err)
	}
	if _, err := keychainGet(keychainService, "chains.cineq.id"); err == nil {
		t.Error("expected error for a secret that was never stored")
	}

	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatalf("secrets file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", perm)
	}
}

func TestSecretsFileKeepsCorruptContent(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	p := secretsFilePath()
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := keychainSet(keychainService, "server.api_token", "tok"); err == nil {
		t.Error("expected error instead of overwriting an unreadable secrets file")
	}
	data, _ := os.ReadFile(p)
	if string(data) != "{not json" {
		t.Errorf("secrets file rewritten to %q", data)
	}
}
