package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/exportworks/excel-export/internal/config"
)

const baseConfig = `env: test
cors-origin: http://localhost:3000
jwt:
  secret: 0123456789abcdef0123456789abcdef
`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseConfig)

	reloaded := make(chan *config.Config, 1)
	w, err := NewWatcher(path, func(cfg *config.Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	writeConfig(t, path, baseConfig+`debug: true`+"\n")

	select {
	case cfg := <-reloaded:
		if !cfg.Debug {
			t.Error("reloaded config lost the new debug setting")
		}
		if cfg.CORSOrigin != "http://localhost:3000" {
			t.Errorf("cors-origin = %q", cfg.CORSOrigin)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed after config write")
	}
}

func TestWatcherIgnoresInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseConfig)

	reloaded := make(chan *config.Config, 1)
	w, err := NewWatcher(path, func(cfg *config.Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// too-short secret fails validation and must not reach the callback
	writeConfig(t, path, "env: test\njwt:\n  secret: short\n")

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config was delivered: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}
}
