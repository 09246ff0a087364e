package node

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Database != DBSQLite {
		t.Errorf("expected sqlite database, got %s", cfg.Database)
	}
	if cfg.RPCAddr() != "127.0.0.1:8645" {
		t.Errorf("unexpected rpc addr %s", cfg.RPCAddr())
	}
	if cfg.Metrics {
		t.Error("expected metrics disabled by default")
	}
	if key, err := cfg.JWTKey(); err != nil || key != nil {
		t.Errorf("expected auth disabled, got %x %v", key, err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid default", func(c *Config) {}, ""},
		{"memory without datadir", func(c *Config) { c.Database = DBMemory; c.DataDir = "" }, ""},
		{"sqlite without datadir", func(c *Config) { c.DataDir = "" }, "datadir"},
		{"unknown database", func(c *Config) { c.Database = "leveldb" }, "unknown database"},
		{"bad account", func(c *Config) { c.AccountAddress = "0x1234" }, "account address"},
		{"bad admin", func(c *Config) { c.AdminAddress = "admin" }, "admin address"},
		{"same addresses", func(c *Config) { c.AccountAddress = c.KeyManagerAddress }, "must differ"},
		{"rpc port", func(c *Config) { c.RPCPort = 70000 }, "rpc port"},
		{"metrics port", func(c *Config) { c.MetricsPort = -1 }, "metrics port"},
		{"rate limit", func(c *Config) { c.RateLimit = -5 }, "rate limit"},
		{"jwt not hex", func(c *Config) { c.JWTSecret = "zz" }, "not hex"},
		{"jwt short", func(c *Config) { c.JWTSecret = "0xabcd" }, "at least 32 bytes"},
		{"jwt ok", func(c *Config) { c.JWTSecret = "0x" + strings.Repeat("ab", 32) }, ""},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "log level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("want error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("KEYMANAGER_DB", "memory")
	t.Setenv("KEYMANAGER_RPC_PORT", "9001")
	t.Setenv("KEYMANAGER_CHAIN_ID", "4201")
	t.Setenv("KEYMANAGER_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("KEYMANAGER_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	if err := LoadEnv(&cfg); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if cfg.Database != DBMemory || cfg.RPCPort != 9001 || cfg.ChainID != 4201 {
		t.Errorf("env not applied: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("unexpected cors origins %v", cfg.CORSOrigins)
	}
	// Unset variables keep their defaults.
	if cfg.ServiceName != "keymanager" {
		t.Errorf("service name overwritten: %q", cfg.ServiceName)
	}
	if lvl, _ := cfg.SlogLevel(); lvl != slog.LevelDebug {
		t.Errorf("want debug level, got %v", lvl)
	}
}

func TestLoadEnvBadValue(t *testing.T) {
	t.Setenv("KEYMANAGER_RPC_PORT", "not-a-port")
	cfg := DefaultConfig()
	if err := LoadEnv(&cfg); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestResolvePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/km"
	if got := cfg.ResolvePath("keymanager.db"); got != filepath.Join("/var/lib/km", "keymanager.db") {
		t.Errorf("relative path: got %s", got)
	}
	if got := cfg.ResolvePath("/tmp/x.db"); got != "/tmp/x.db" {
		t.Errorf("absolute path: got %s", got)
	}
}
