package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
api-port: 4001
app-port: 4000
api-host: exports.internal
env: production
cors-origin: https://app.example.com
database:
  host: db.internal
  port: 5433
  user: exporter
  password: hunter2
  name: reports
  max-conns: 25
  query-timeout: 45s
jwt:
  secret: `+testSecret+`
  expires-in: 5m
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.APIPort != 4001 || cfg.AppPort != 4000 {
		t.Errorf("ports = %d/%d, want 4001/4000", cfg.APIPort, cfg.AppPort)
	}
	if cfg.Env != EnvProduction {
		t.Errorf("env = %q, want production", cfg.Env)
	}
	if cfg.CORSOrigin != "https://app.example.com" {
		t.Errorf("cors-origin = %q", cfg.CORSOrigin)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5433 {
		t.Errorf("database = %s:%d", cfg.Database.Host, cfg.Database.Port)
	}
	if got := cfg.Database.QueryTimeout.Std(); got != 45*time.Second {
		t.Errorf("query-timeout = %v, want 45s", got)
	}
	if got := cfg.JWT.ExpiresIn.Std(); got != 5*time.Minute {
		t.Errorf("expires-in = %v, want 5m", got)
	}
	if got := cfg.Database.ConnectTimeout.Std(); got != 15*time.Second {
		t.Errorf("connect-timeout default = %v, want 15s", got)
	}
	if cfg.Database.MaxConns != 25 || cfg.Database.MinConns != 0 {
		t.Errorf("pool bounds = %d/%d, want 0/25", cfg.Database.MinConns, cfg.Database.MaxConns)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.APIPort != 3001 || cfg.AppPort != 3000 {
		t.Errorf("default ports = %d/%d, want 3001/3000", cfg.APIPort, cfg.AppPort)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("default database port = %d, want 5432", cfg.Database.Port)
	}
	if got := cfg.JWT.ExpiresIn.Std(); got != 15*time.Minute {
		t.Errorf("default expires-in = %v, want 15m", got)
	}
	if cfg.Env != EnvDevelopment {
		t.Errorf("default env = %q, want development", cfg.Env)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
api-host: from-file
database:
  host: from-file
jwt:
  secret: `+testSecret+`
`)
	t.Setenv("DB_HOST", "from-env")
	t.Setenv("API_PORT", "9001")
	t.Setenv("NODE_ENV", "test")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Database.Host != "from-env" {
		t.Errorf("database host = %q, want from-env", cfg.Database.Host)
	}
	if cfg.APIPort != 9001 {
		t.Errorf("api-port = %d, want 9001", cfg.APIPort)
	}
	if cfg.Env != EnvTest {
		t.Errorf("env = %q, want test", cfg.Env)
	}
	if cfg.APIHost != "from-file" {
		t.Errorf("api-host = %q, want from-file", cfg.APIHost)
	}
}

func TestEnvAliasPriority(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("APP_ENV", "production")
	t.Setenv("NODE_ENV", "test")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Env != EnvProduction {
		t.Errorf("env = %q, APP_ENV should win over NODE_ENV", cfg.Env)
	}
}

func TestValidate(t *testing.T) {
	t.Run("rejects short secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "short")
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Fatal("expected error for short secret")
		}
	})

	t.Run("rejects unknown env", func(t *testing.T) {
		t.Setenv("JWT_SECRET", testSecret)
		t.Setenv("APP_ENV", "staging")
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Fatal("expected error for unknown env")
		}
	})

	t.Run("rejects min-conns above max-conns", func(t *testing.T) {
		path := writeConfig(t, `
database:
  max-conns: 2
  min-conns: 5
jwt:
  secret: `+testSecret+`
`)
		if _, err := LoadConfig(path); err == nil {
			t.Fatal("expected error for min-conns > max-conns")
		}
	})

	t.Run("rejects malformed duration", func(t *testing.T) {
		path := writeConfig(t, `
jwt:
  secret: `+testSecret+`
  expires-in: fifteen minutes
`)
		if _, err := LoadConfig(path); err == nil {
			t.Fatal("expected error for malformed duration")
		}
	})
}

func TestConnString(t *testing.T) {
	d := DatabaseConfig{
		Host:           "db.internal",
		Port:           5432,
		User:           "app user",
		Password:       "p@ss/word",
		Name:           "reports",
		MaxConns:       10,
		IdleTimeout:    Duration(30 * time.Second),
		ConnectTimeout: Duration(15 * time.Second),
	}
	got := d.ConnString()

	if !strings.HasPrefix(got, "postgres://") {
		t.Fatalf("conn string = %q, want postgres:// scheme", got)
	}
	if !strings.Contains(got, "pool_max_conns=10") {
		t.Errorf("conn string missing pool_max_conns: %q", got)
	}
	if !strings.Contains(got, "connect_timeout=15") {
		t.Errorf("conn string missing connect_timeout: %q", got)
	}

	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse conn string: %v", err)
	}
	if pass, _ := u.User.Password(); pass != "p@ss/word" {
		t.Errorf("password = %q, special characters lost in encoding", pass)
	}
	if u.Path != "/reports" {
		t.Errorf("path = %q, want /reports", u.Path)
	}
}
