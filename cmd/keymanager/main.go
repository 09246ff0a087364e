// Command keymanager serves a key manager over JSON-RPC.
//
// Usage:
//
//	keymanager [flags]
//
// Every flag has a KEYMANAGER_* environment counterpart. Flags win over the
// environment, which wins over the defaults.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/eth2030/keymanager/core"
	"github.com/eth2030/keymanager/log"
	"github.com/eth2030/keymanager/node"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.commit=abc1234"
var commit = "unknown"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code.
func run(args []string) int {
	cfg, exit, code := parseFlags(args)
	if exit {
		return code
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	level, _ := cfg.SlogLevel()
	format, _ := log.ParseFormat(cfg.LogFormat)
	log.SetDefault(log.NewWithFormat(os.Stderr, format, level))
	logger := log.Default().Module("main")

	logger.Info("Key manager starting",
		"version", core.Version,
		"commit", commit,
		"datadir", cfg.DataDir,
		"db", cfg.Database,
		"rpc", cfg.RPCAddr(),
		"metrics", cfg.Metrics,
		"auth", cfg.JWTSecret != "")

	n, err := node.New(&cfg)
	if err != nil {
		logger.Error("Failed to create node", "err", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		logger.Error("Failed to start node", "err", err)
		return 1
	}
	<-ctx.Done()
	logger.Info("Shutting down")

	if err := n.Stop(context.Background()); err != nil {
		logger.Error("Error during shutdown", "err", err)
		return 1
	}
	return 0
}

// parseFlags layers the environment and then CLI arguments over the
// defaults. It returns whether the caller should exit and with what code.
func parseFlags(args []string) (node.Config, bool, int) {
	cfg := node.DefaultConfig()
	if err := node.LoadEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, true, 2
	}
	fs := newFlagSet(&cfg)
	showVersion := fs.Bool("version", false, "print version and exit")
	verbosity := fs.Int("verbosity", -1, "log level 0-5, overrides -log.level when set")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, true, 2
	}
	if *verbosity >= 0 {
		cfg.LogLevel = levelName(log.VerbosityToLevel(*verbosity))
	}
	if *showVersion {
		fmt.Printf("keymanager %s (commit %s)\n", core.Version, commit)
		return cfg, true, 0
	}
	return cfg, false, 0
}

// levelName maps a slog level onto the names node.Config accepts.
func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	}
	return "debug"
}

func newFlagSet(cfg *node.Config) *flagSet {
	fs := newCustomFlagSet("keymanager")
	fs.StringVar(&cfg.DataDir, "datadir", cfg.DataDir, "data directory path")
	fs.StringVar(&cfg.Database, "db", cfg.Database, "nonce store backend (sqlite, memory)")
	fs.StringVar(&cfg.KeyManagerAddress, "address", cfg.KeyManagerAddress, "key manager address")
	fs.StringVar(&cfg.AccountAddress, "account", cfg.AccountAddress, "managed account address")
	fs.StringVar(&cfg.AdminAddress, "admin", cfg.AdminAddress, "controller granted all permissions at startup")
	fs.Uint64Var(&cfg.ChainID, "chainid", cfg.ChainID, "chain id bound into relay signatures")
	fs.StringVar(&cfg.RPCHost, "http.addr", cfg.RPCHost, "HTTP listen host")
	fs.IntVar(&cfg.RPCPort, "http.port", cfg.RPCPort, "HTTP-RPC server port")
	fs.StringVar(&cfg.JWTSecret, "authrpc.jwtsecret", cfg.JWTSecret, "hex HS256 secret for RPC auth")
	fs.IntVar(&cfg.RateLimit, "http.ratelimit", cfg.RateLimit, "requests per second per client (0 = unlimited)")
	fs.ListVar(&cfg.CORSOrigins, "http.corsdomain", cfg.CORSOrigins, "comma separated allowed CORS origins")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "enable the metrics endpoint")
	fs.IntVar(&cfg.MetricsPort, "metrics.port", cfg.MetricsPort, "metrics server port")
	fs.StringVar(&cfg.LogLevel, "log.level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log.format", cfg.LogFormat, "log format (json, text)")
	fs.StringVar(&cfg.OTelEndpoint, "otel.endpoint", cfg.OTelEndpoint, "OTLP/HTTP traces endpoint URL")
	return fs
}
