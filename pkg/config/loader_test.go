package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testConfigYAML = `
server:
  host: 127.0.0.1
  port: 9090
rate_limit:
  window: 30m
  tiers:
    anonymous: 50
    authenticated: 500
    premium: 2500
connections:
  max_per_user: 3
  max_per_ip: 6
origins:
  allowed:
    - https://app.example.com
    - "*.example.com"
store:
  backend: memory
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfigFile(t, testConfigYAML)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	defer loader.Close()

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Errorf("Unexpected server config: %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.RateLimit.Window != 30*time.Minute {
		t.Errorf("Expected 30m window, got %v", cfg.RateLimit.Window)
	}
	if cfg.RateLimit.Tiers["premium"] != 2500 {
		t.Errorf("Expected premium quota 2500, got %d", cfg.RateLimit.Tiers["premium"])
	}
	if cfg.Connections.MaxPerUser != 3 {
		t.Errorf("Expected max_per_user 3, got %d", cfg.Connections.MaxPerUser)
	}
	if len(cfg.Origins.Allowed) != 2 {
		t.Errorf("Expected 2 allowed origins, got %v", cfg.Origins.Allowed)
	}

	// Unset fields still get defaults.
	if cfg.WebSocket.Path != "/ws" {
		t.Errorf("Expected default websocket path, got %s", cfg.WebSocket.Path)
	}
	if cfg.Audit.RetentionDays != 7 {
		t.Errorf("Expected default retention, got %d", cfg.Audit.RetentionDays)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("GK_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("GK_REDIS_PASSWORD", "")

	path := writeConfigFile(t, `
store:
  backend: redis
  redis:
    addr: ${GK_REDIS_ADDR}
    password: ${GK_REDIS_PASSWORD:-fallback}
`)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	defer loader.Close()

	if cfg.Store.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Expected env-expanded addr, got %s", cfg.Store.Redis.Addr)
	}
	if cfg.Store.Redis.Password != "fallback" {
		t.Errorf("Expected default for empty env var, got %s", cfg.Store.Redis.Password)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 123456
`)

	if _, _, err := LoadConfigFile(context.Background(), path); err == nil {
		t.Error("Expected validation error for out-of-range port")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "server: [not: closed")

	if _, _, err := LoadConfigFile(context.Background(), path); err == nil {
		t.Error("Expected parse error for malformed YAML")
	}
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	path := writeConfigFile(t, testConfigYAML)

	reloaded := make(chan *Config, 1)
	_, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	defer loader.Close()

	loader.SetOnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchErr := make(chan error, 1)
	go func() { watchErr <- loader.Watch(ctx) }()

	// Give the watcher a moment to arm before touching the file.
	time.Sleep(200 * time.Millisecond)

	updated := testConfigYAML + "\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Logging.Level != "debug" {
			t.Errorf("Expected reloaded level debug, got %s", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for config reload")
	}

	cancel()
	<-watchErr
}

func TestWatchKeepsCurrentConfigOnBadReload(t *testing.T) {
	path := writeConfigFile(t, testConfigYAML)

	reloaded := make(chan *Config, 1)
	_, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	defer loader.Close()

	loader.SetOnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchErr := make(chan error, 1)
	go func() { watchErr <- loader.Watch(ctx) }()

	time.Sleep(200 * time.Millisecond)

	// Invalid config: reload must be skipped, no callback.
	if err := os.WriteFile(path, []byte("server:\n  port: -1\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		t.Errorf("Expected no reload for invalid config, got %+v", cfg.Server)
	case <-time.After(1 * time.Second):
	}

	cancel()
	<-watchErr
}
