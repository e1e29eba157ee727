package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("UPLOAD_DIR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UploadDir != "uploads" {
		t.Errorf("expected default upload dir, got %q", cfg.UploadDir)
	}
	if cfg.SSEKeepAlive != 15*time.Second {
		t.Errorf("expected 15s keep-alive, got %s", cfg.SSEKeepAlive)
	}
	if cfg.MaxUploadSize != 100*1024*1024 {
		t.Errorf("unexpected max upload size %d", cfg.MaxUploadSize)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	os.WriteFile(filepath.Join(dir, ".env"), []byte("UPLOAD_DIR=/srv/files\nSSE_KEEPALIVE=5s\n"), 0644)
	t.Setenv("JWT_SECRET", "s3cret")
	// Registered so t.Setenv restores (unsets) them after godotenv sets them.
	t.Setenv("UPLOAD_DIR", "")
	t.Setenv("SSE_KEEPALIVE", "")
	os.Unsetenv("UPLOAD_DIR")
	os.Unsetenv("SSE_KEEPALIVE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UploadDir != "/srv/files" {
		t.Errorf("expected .env upload dir, got %q", cfg.UploadDir)
	}
	if cfg.SSEKeepAlive != 5*time.Second {
		t.Errorf("expected 5s keep-alive, got %s", cfg.SSEKeepAlive)
	}
}
