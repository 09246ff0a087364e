// Package node assembles a key manager service: storage, the engine, the
// JSON-RPC and metrics endpoints, and tracing.
package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
)

// Database backends.
const (
	DBSQLite = "sqlite"
	DBMemory = "memory"
)

// Config holds all configuration for a key manager node. Every field can be
// overridden from the environment with LoadEnv.
type Config struct {
	// DataDir is the root directory for all data storage.
	DataDir string `env:"KEYMANAGER_DATADIR"`

	// Database selects the nonce store backend (sqlite, memory).
	Database string `env:"KEYMANAGER_DB"`

	// KeyManagerAddress is the key manager's own address. Relay signatures
	// commit to it.
	KeyManagerAddress string `env:"KEYMANAGER_ADDRESS"`

	// AccountAddress is the managed account.
	AccountAddress string `env:"KEYMANAGER_ACCOUNT"`

	// AdminAddress is granted every permission at startup when it has none.
	AdminAddress string `env:"KEYMANAGER_ADMIN"`

	ChainID uint64 `env:"KEYMANAGER_CHAIN_ID"`

	RPCHost string `env:"KEYMANAGER_RPC_HOST"`
	RPCPort int    `env:"KEYMANAGER_RPC_PORT"`

	// Metrics enables the Prometheus text endpoint on MetricsPort.
	Metrics     bool `env:"KEYMANAGER_METRICS"`
	MetricsPort int  `env:"KEYMANAGER_METRICS_PORT"`

	// JWTSecret is a hex encoded HS256 key. Empty disables RPC auth.
	JWTSecret string `env:"KEYMANAGER_JWT_SECRET"`

	// RateLimit is the per-client request rate. Zero disables limiting.
	RateLimit int `env:"KEYMANAGER_RATE_LIMIT"`

	CORSOrigins []string `env:"KEYMANAGER_CORS_ORIGINS" envSeparator:","`

	// LogLevel controls log verbosity (debug, info, warn, error).
	LogLevel  string `env:"KEYMANAGER_LOG_LEVEL"`
	LogFormat string `env:"KEYMANAGER_LOG_FORMAT"`

	// OTelEndpoint is an OTLP/HTTP traces URL. Empty disables tracing.
	OTelEndpoint string `env:"KEYMANAGER_OTEL_ENDPOINT"`
	ServiceName  string `env:"KEYMANAGER_SERVICE_NAME"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:           "keymanager-data",
		Database:          DBSQLite,
		KeyManagerAddress: "0x000000000000000000000000000000000000c0de",
		AccountAddress:    "0x000000000000000000000000000000000000acc0",
		ChainID:           1,
		RPCHost:           "127.0.0.1",
		RPCPort:           8645,
		MetricsPort:       9645,
		CORSOrigins:       []string{"*"},
		LogLevel:          "info",
		LogFormat:         "json",
		ServiceName:       "keymanager",
	}
}

// LoadEnv overlays KEYMANAGER_* environment variables onto c. Unset
// variables keep their current value.
func LoadEnv(c *Config) error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Database == DBSQLite && c.DataDir == "" {
		return errors.New("config: datadir must not be empty")
	}
	switch c.Database {
	case DBSQLite, DBMemory:
	default:
		return fmt.Errorf("config: unknown database %q", c.Database)
	}
	for name, addr := range map[string]string{
		"keymanager address": c.KeyManagerAddress,
		"account address":    c.AccountAddress,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("config: invalid %s %q", name, addr)
		}
	}
	if c.AdminAddress != "" && !common.IsHexAddress(c.AdminAddress) {
		return fmt.Errorf("config: invalid admin address %q", c.AdminAddress)
	}
	if common.HexToAddress(c.KeyManagerAddress) == common.HexToAddress(c.AccountAddress) {
		return errors.New("config: keymanager and account addresses must differ")
	}
	if c.RPCPort < 0 || c.RPCPort > 65535 {
		return fmt.Errorf("config: invalid rpc port: %d", c.RPCPort)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("config: invalid metrics port: %d", c.MetricsPort)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("config: invalid rate limit: %d", c.RateLimit)
	}
	if _, err := c.JWTKey(); err != nil {
		return err
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return nil
}

// JWTKey decodes the JWT secret. A nil key means auth is disabled.
func (c *Config) JWTKey() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimPrefix(c.JWTSecret, "0x"))
	if err != nil {
		return nil, fmt.Errorf("config: jwt secret is not hex: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("config: jwt secret must be at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
		if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return 0, err
		}
		return lvl, nil
	}
	return 0, fmt.Errorf("config: unknown log level %q", c.LogLevel)
}

// ResolvePath resolves a path relative to the data directory.
func (c *Config) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// RPCAddr returns the RPC listen address string.
func (c *Config) RPCAddr() string {
	return net.JoinHostPort(c.RPCHost, strconv.Itoa(c.RPCPort))
}

// MetricsAddr returns the metrics listen address string.
func (c *Config) MetricsAddr() string {
	return net.JoinHostPort(c.RPCHost, strconv.Itoa(c.MetricsPort))
}
