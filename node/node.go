package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/keymanager/core"
	"github.com/eth2030/keymanager/core/account"
	"github.com/eth2030/keymanager/core/permission"
	"github.com/eth2030/keymanager/core/permstore"
	"github.com/eth2030/keymanager/core/rawdb"
	"github.com/eth2030/keymanager/log"
	"github.com/eth2030/keymanager/metrics"
	"github.com/eth2030/keymanager/rpc"
)

// dbVersion is the nonce store schema version.
const dbVersion = 1

const shutdownTimeout = 10 * time.Second

// Node is a running key manager service.
type Node struct {
	config *Config

	db        rawdb.Database
	km        *core.KeyManager
	rpc       *httpService
	metrics   *httpService
	lifecycle *LifecycleManager
	tracing   func(context.Context) error
	log       *log.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// New builds a node from config without starting any listener.
func New(config *Config) (*Node, error) {
	if config == nil {
		c := DefaultConfig()
		config = &c
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	n := &Node{
		config:    config,
		lifecycle: NewLifecycleManager(shutdownTimeout),
		tracing:   func(context.Context) error { return nil },
		log:       log.Default().Module("node"),
		stop:      make(chan struct{}),
	}

	db, err := openDatabase(config)
	if err != nil {
		return nil, err
	}
	n.db = db

	kmAddr := common.HexToAddress(config.KeyManagerAddress)
	acct := account.New(common.HexToAddress(config.AccountAddress), kmAddr)
	n.km = core.New(core.Config{
		Address: kmAddr,
		ChainID: uint256.NewInt(config.ChainID),
	}, acct, db)

	if config.AdminAddress != "" {
		if err := bootstrapAdmin(n.km, acct, common.HexToAddress(config.AdminAddress)); err != nil {
			db.Close()
			return nil, err
		}
	}

	jwtKey, _ := config.JWTKey()
	corsCfg := rpc.DefaultCORSConfig()
	corsCfg.AllowedOrigins = config.CORSOrigins
	server := rpc.NewServer(n.km, core.Version, rpc.ServerConfig{
		Auth:      rpc.AuthConfig{Secret: jwtKey},
		CORS:      corsCfg,
		RateLimit: rpc.RateLimitConfig{RequestsPerSecond: config.RateLimit, Burst: 2},
	})
	n.rpc = newHTTPService("rpc", config.RPCAddr(), server.Handler())
	if err := n.lifecycle.Register(n.rpc, 10); err != nil {
		db.Close()
		return nil, err
	}
	if config.Metrics {
		exp := metrics.NewPrometheusExporter(metrics.DefaultRegistry, metrics.DefaultPrometheusConfig())
		n.metrics = newHTTPService("metrics", config.MetricsAddr(), exp.Handler())
		if err := n.lifecycle.Register(n.metrics, 0); err != nil {
			db.Close()
			return nil, err
		}
	}
	return n, nil
}

func openDatabase(config *Config) (rawdb.Database, error) {
	var db rawdb.Database
	switch config.Database {
	case DBMemory:
		db = rawdb.NewMemoryDB()
	default:
		if err := os.MkdirAll(config.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create datadir: %w", err)
		}
		sdb, err := rawdb.OpenSQLite(config.ResolvePath("keymanager.db"))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db = sdb
	}
	v, ok, err := rawdb.ReadDatabaseVersion(db)
	switch {
	case err != nil:
		db.Close()
		return nil, err
	case !ok:
		if err := rawdb.WriteDatabaseVersion(db, dbVersion); err != nil {
			db.Close()
			return nil, err
		}
	case v != dbVersion:
		db.Close()
		return nil, fmt.Errorf("database version %d, want %d", v, dbVersion)
	}
	return db, nil
}

// bootstrapAdmin grants admin every permission unless it already holds some.
func bootstrapAdmin(km *core.KeyManager, acct *account.Account, admin common.Address) error {
	perms, err := km.Permissions(admin)
	if err != nil {
		return fmt.Errorf("read admin permissions: %w", err)
	}
	if !perms.IsZero() {
		return nil
	}
	if err := permstore.Install(acct, permstore.Grant{Controller: admin, Permissions: permission.All}); err != nil {
		return fmt.Errorf("grant admin permissions: %w", err)
	}
	log.Default().Module("node").Info("Granted admin permissions", "admin", admin)
	return nil
}

// Start starts tracing and every network service.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return errors.New("node already running")
	}
	shutdown, err := SetupTracing(ctx, n.config.OTelEndpoint, n.config.ServiceName, core.Version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	n.tracing = shutdown

	n.log.Info("Starting key manager", "keymanager", n.km.Address(), "account", n.km.Target(), "chain", n.config.ChainID, "db", n.config.Database)
	if err := n.lifecycle.StartAll(); err != nil {
		n.tracing(ctx)
		return err
	}
	n.running = true
	return nil
}

// Stop shuts the services down in reverse order and closes the database.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}
	var errs []error
	if err := n.lifecycle.StopAll(); err != nil {
		errs = append(errs, err)
	}
	if err := n.tracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush traces: %w", err))
	}
	if err := n.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	n.running = false
	close(n.stop)
	n.log.Info("Key manager stopped")
	return errors.Join(errs...)
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() {
	<-n.stop
}

func (n *Node) KeyManager() *core.KeyManager { return n.km }

func (n *Node) Config() *Config { return n.config }

// RPCAddr returns the address the RPC server listens on.
func (n *Node) RPCAddr() string { return n.rpc.Addr() }

// MetricsAddr returns the metrics listen address, or "" if disabled.
func (n *Node) MetricsAddr() string {
	if n.metrics == nil {
		return ""
	}
	return n.metrics.Addr()
}

// Health maps every service to whether it is running.
func (n *Node) Health() map[string]bool { return n.lifecycle.HealthCheck() }

// Running reports whether the node is currently running.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}
