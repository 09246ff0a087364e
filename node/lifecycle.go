package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/eth2030/keymanager/log"
)

// ServiceState represents the lifecycle state of a service.
type ServiceState int

const (
	StateCreated  ServiceState = iota // registered but not started
	StateRunning                      // running normally
	StateStopped                      // stopped cleanly
	StateFailed                       // failed to start or stop
)

func (s ServiceState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Service is a subsystem the lifecycle manager starts and stops.
type Service interface {
	Name() string
	Start() error
	Stop(ctx context.Context) error
}

type serviceEntry struct {
	svc      Service
	state    ServiceState
	priority int // lower starts first
	err      error
}

// LifecycleManager starts services in priority order and stops them in
// reverse.
type LifecycleManager struct {
	mu              sync.Mutex
	shutdownTimeout time.Duration
	services        []*serviceEntry
	byName          map[string]*serviceEntry
}

// NewLifecycleManager creates a manager that gives StopAll at most
// shutdownTimeout.
func NewLifecycleManager(shutdownTimeout time.Duration) *LifecycleManager {
	return &LifecycleManager{
		shutdownTimeout: shutdownTimeout,
		byName:          make(map[string]*serviceEntry),
	}
}

// Register adds a service.
func (lm *LifecycleManager) Register(svc Service, priority int) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, exists := lm.byName[svc.Name()]; exists {
		return fmt.Errorf("service %q already registered", svc.Name())
	}
	e := &serviceEntry{svc: svc, state: StateCreated, priority: priority}
	lm.services = append(lm.services, e)
	lm.byName[svc.Name()] = e
	sort.SliceStable(lm.services, func(i, j int) bool {
		return lm.services[i].priority < lm.services[j].priority
	})
	return nil
}

// StartAll starts every service in priority order. On the first failure the
// services already started are stopped again.
func (lm *LifecycleManager) StartAll() error {
	lm.mu.Lock()
	var failed error
	for _, e := range lm.services {
		if err := e.svc.Start(); err != nil {
			e.state, e.err = StateFailed, err
			failed = fmt.Errorf("start %s: %w", e.svc.Name(), err)
			break
		}
		e.state = StateRunning
	}
	lm.mu.Unlock()

	if failed != nil {
		lm.StopAll()
	}
	return failed
}

// StopAll stops running services in reverse priority order.
func (lm *LifecycleManager) StopAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lm.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(lm.services) - 1; i >= 0; i-- {
		e := lm.services[i]
		if e.state != StateRunning {
			continue
		}
		if err := e.svc.Stop(ctx); err != nil {
			e.state, e.err = StateFailed, err
			errs = append(errs, fmt.Errorf("stop %s: %w", e.svc.Name(), err))
			continue
		}
		e.state = StateStopped
	}
	return errors.Join(errs...)
}

// State returns the state of the named service. Unknown names are failed.
func (lm *LifecycleManager) State(name string) ServiceState {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	e, ok := lm.byName[name]
	if !ok {
		return StateFailed
	}
	return e.state
}

// HealthCheck maps every service name to whether it is running.
func (lm *LifecycleManager) HealthCheck() map[string]bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	out := make(map[string]bool, len(lm.services))
	for _, e := range lm.services {
		out[e.svc.Name()] = e.state == StateRunning
	}
	return out
}

// httpService serves a handler on a TCP address.
type httpService struct {
	name string
	addr string
	srv  *http.Server

	mu       sync.Mutex
	listener net.Listener
	log      *log.Logger
}

func newHTTPService(name, addr string, h http.Handler) *httpService {
	return &httpService{
		name: name,
		addr: addr,
		srv:  &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second},
		log:  log.Default().Module(name),
	}
}

func (s *httpService) Name() string { return s.name }

func (s *httpService) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("HTTP server started", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", "err", err)
		}
	}()
	return nil
}

func (s *httpService) Stop(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.log.Info("HTTP server stopped")
	return err
}

// Addr returns the bound address, or the configured one before Start.
func (s *httpService) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}
