// Package handlers implements the step executor: a registry of action
// handlers keyed by kind, and the invocation boundary that enforces
// per-node timeouts and isolates handler faults from the orchestrator.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/flowstate-io/flowstate/rules"
	"github.com/flowstate-io/flowstate/types"
)

var (
	// ErrUnknownHandler indicates no handler is registered for a kind.
	ErrUnknownHandler = errors.New("handler not registered")
	// ErrHandlerTimeout indicates the per-node timeout elapsed before the
	// handler returned. Retry policy treats it like any handler failure.
	ErrHandlerTimeout = errors.New("handler timed out")
)

// Result is the successful outcome of one handler invocation. Branch is
// set only by decision and loop handlers; an empty Branch there selects
// the default edge.
type Result struct {
	Output map[string]interface{}
	Branch string
}

// Handler executes one node. Implementations must return failures as
// errors, never panic them across the boundary (the Executor recovers as
// a safety net), and must honor ctx cancellation on blocking work.
type Handler interface {
	Kind() string
	Execute(ctx context.Context, node types.Node, input map[string]interface{}) (*Result, error)
}

// Registry maps handler kinds to handlers. New node capabilities plug in
// here without touching the orchestrator.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// NewDefaultRegistry returns a registry with the built-in capabilities
// registered: decision and loop (backed by eval), delay, shell and http.
// Callers add their own action handlers on top.
func NewDefaultRegistry(eval rules.Evaluator) *Registry {
	r := NewRegistry()
	r.MustRegister(NewDecisionHandler(eval))
	r.MustRegister(NewLoopHandler(eval))
	r.MustRegister(NewDelayHandler())
	r.MustRegister(NewShellHandler())
	r.MustRegister(NewHTTPHandler(nil))
	return r
}

// Register adds a handler under its kind.
func (r *Registry) Register(h Handler) error {
	if h == nil || h.Kind() == "" {
		return errors.New("handler and kind are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[h.Kind()]; dup {
		return fmt.Errorf("handler kind %q already registered", h.Kind())
	}
	r.handlers[h.Kind()] = h
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for a kind.
func (r *Registry) Lookup(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// KindFor maps a node to the handler kind that executes it. Action nodes
// name their kind explicitly; the other capabilities map one-to-one.
func KindFor(node types.Node) string {
	switch node.Type {
	case types.NodeAction:
		return node.Handler
	case types.NodeDecision:
		return KindDecision
	case types.NodeDelay:
		return KindDelay
	case types.NodeLoop:
		return KindLoop
	default:
		return ""
	}
}

// Executor is the invocation boundary between the orchestrator and
// handlers: it applies the per-node timeout, copies the input so one
// invocation's side effects stay isolated from all others, and converts
// panics into failures.
type Executor struct {
	registry       *Registry
	logger         hclog.Logger
	defaultTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithDefaultTimeout sets the timeout applied to nodes that configure
// none of their own.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.defaultTimeout = d }
}

// WithLogger sets the executor logger.
func WithLogger(logger hclog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor wraps a registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       registry,
		logger:         hclog.NewNullLogger(),
		defaultTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one node through its handler. The returned error is the
// node's failure detail; it is never a panic in flight.
func (e *Executor) Run(ctx context.Context, node types.Node, input map[string]interface{}) (res *Result, err error) {
	kind := KindFor(node)
	h, ok := e.registry.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q (node %s)", ErrUnknownHandler, kind, node.ID)
	}

	timeout := e.defaultTimeout
	if node.TimeoutSec > 0 {
		timeout = time.Duration(node.TimeoutSec) * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked", "node_id", node.ID, "kind", kind, "panic", r)
			res, err = nil, fmt.Errorf("handler %q panicked: %v", kind, r)
		}
	}()

	res, err = h.Execute(hctx, node, types.CloneMap(input))
	if err != nil {
		if hctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %v", ErrHandlerTimeout, timeout, err)
		}
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}

// decodeConfig maps a node's raw configuration onto a typed config
// struct.
func decodeConfig(node types.Node, out interface{}) error {
	if err := mapstructureDecode(node.Config, out); err != nil {
		return fmt.Errorf("invalid config for node %s: %w", node.ID, err)
	}
	return nil
}
