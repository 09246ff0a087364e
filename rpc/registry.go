package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrMethodNotFound is returned when a method is not registered.
	ErrMethodNotFound = errors.New("rpc: method not found")

	// ErrDuplicateMethod is returned when registering an already-registered method.
	ErrDuplicateMethod = errors.New("rpc: duplicate method")

	// ErrInvalidParams is returned when a method receives the wrong number of params.
	ErrInvalidParams = errors.New("rpc: invalid params")
)

// MethodHandler handles one RPC method call.
type MethodHandler func(ctx context.Context, params []json.RawMessage) (any, error)

// Middleware wraps a method call. It receives the method name, the params
// and the next handler to call.
type Middleware func(ctx context.Context, method string, params []json.RawMessage, next MethodHandler) (any, error)

// MethodInfo describes a registered RPC method.
type MethodInfo struct {
	Name    string
	Handler MethodHandler
	// MinParams and MaxParams bound the positional param count.
	MinParams int
	MaxParams int
	// Mutating methods change account or nonce state and run one at a time.
	Mutating bool
}

// MethodRegistry is a thread-safe registry for RPC methods with middleware support.
type MethodRegistry struct {
	mu         sync.RWMutex
	methods    map[string]MethodInfo
	middleware []Middleware
}

// NewMethodRegistry creates a new, empty method registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{
		methods: make(map[string]MethodInfo),
	}
}

// Register adds a method to the registry.
func (r *MethodRegistry) Register(info MethodInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.methods[info.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, info.Name)
	}
	r.methods[info.Name] = info
	return nil
}

// Call dispatches a method call through the middleware chain and then to
// the registered handler.
func (r *MethodRegistry) Call(ctx context.Context, method string, params []json.RawMessage) (any, error) {
	r.mu.RLock()
	info, exists := r.methods[method]
	mw := make([]Middleware, len(r.middleware))
	copy(mw, r.middleware)
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
	if len(params) < info.MinParams || len(params) > info.MaxParams {
		if info.MinParams == info.MaxParams {
			return nil, fmt.Errorf("%w: %s expects %d params, got %d",
				ErrInvalidParams, method, info.MinParams, len(params))
		}
		return nil, fmt.Errorf("%w: %s expects %d to %d params, got %d",
			ErrInvalidParams, method, info.MinParams, info.MaxParams, len(params))
	}

	handler := info.Handler
	// First added middleware is the outermost.
	for i := len(mw) - 1; i >= 0; i-- {
		currentMW := mw[i]
		next := handler
		handler = func(ctx context.Context, p []json.RawMessage) (any, error) {
			return currentMW(ctx, method, p, next)
		}
	}
	return handler(ctx, params)
}

// Methods returns a sorted list of all registered method names.
func (r *MethodRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasMethod returns true if the named method is registered.
func (r *MethodRegistry) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.methods[name]
	return exists
}

// IsMutating reports whether the named method changes state.
func (r *MethodRegistry) IsMutating(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.methods[name].Mutating
}

// Use appends a middleware to the chain.
func (r *MethodRegistry) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.middleware = append(r.middleware, mw)
}

// NamespaceFromMethod extracts the namespace from a method name, e.g.
// "keymanager_getNonce" returns "keymanager".
func NamespaceFromMethod(method string) string {
	idx := strings.Index(method, "_")
	if idx < 0 {
		return ""
	}
	return method[:idx]
}

// parseParams decodes positional params into out. Params past the end of
// the list leave their target untouched.
func parseParams(params []json.RawMessage, out ...any) error {
	for i, p := range params {
		if i >= len(out) {
			break
		}
		if err := json.Unmarshal(p, out[i]); err != nil {
			return invalidParams(fmt.Sprintf("param %d: %v", i, err))
		}
	}
	return nil
}
