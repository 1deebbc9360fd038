// Package workflow contains the scheduler/orchestrator: the state
// machine that walks a validated workflow graph, dispatches ready nodes
// to the step executor, applies retry and rollback policy, and emits
// every transition through the status broadcaster.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/songzhibin97/gkit/generator"

	"github.com/flowstate-io/flowstate/approval"
	"github.com/flowstate-io/flowstate/broadcast"
	"github.com/flowstate-io/flowstate/graph"
	"github.com/flowstate-io/flowstate/handlers"
	"github.com/flowstate-io/flowstate/metrics"
	"github.com/flowstate-io/flowstate/storage"
	"github.com/flowstate-io/flowstate/types"
)

// Orchestrator owns every live execution instance. All transitions of
// one instance are serialized through its run loop; concurrency across
// nodes comes from dispatching independent handler invocations in
// parallel while transition application stays atomic per instance.
type Orchestrator struct {
	gen         generator.Generator
	store       storage.Storage
	registry    *handlers.Registry
	executor    *handlers.Executor
	approvals   *approval.Manager
	broadcaster *broadcast.Broadcaster
	logger      hclog.Logger
	metrics     *metrics.Metrics

	mu     sync.RWMutex
	runs   map[uint64]*run
	defs   map[string]types.Definition
	closed bool
	wg     sync.WaitGroup

	defaultConcurrency     int
	defaultMaxAttempts     int
	defaultRetryDelay      time.Duration
	defaultNodeTimeout     time.Duration
	defaultApprovalTimeout time.Duration
	approveOnTimeout       bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger hclog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithBroadcaster sets the status broadcaster.
func WithBroadcaster(b *broadcast.Broadcaster) Option {
	return func(o *Orchestrator) { o.broadcaster = b }
}

// WithConcurrency sets the per-instance worker limit applied when the
// definition declares none.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.defaultConcurrency = n
		}
	}
}

// WithDefaultMaxAttempts sets the dispatch bound for nodes that declare
// no max_attempts of their own.
func WithDefaultMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.defaultMaxAttempts = n
		}
	}
}

// WithDefaultRetryDelay sets the base backoff delay between attempts.
func WithDefaultRetryDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.defaultRetryDelay = d
		}
	}
}

// WithDefaultNodeTimeout sets the handler timeout for nodes without one.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.defaultNodeTimeout = d
		}
	}
}

// WithDefaultApprovalTimeout sets the gate deadline for approval nodes
// that configure none.
func WithDefaultApprovalTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.defaultApprovalTimeout = d
		}
	}
}

// WithApproveOnTimeout flips the approval timeout policy from
// reject-by-default to approve.
func WithApproveOnTimeout() Option {
	return func(o *Orchestrator) { o.approveOnTimeout = true }
}

// New creates an Orchestrator. The generator and handler registry are
// required; storage defaults to in-memory.
func New(gen generator.Generator, store storage.Storage, registry *handlers.Registry, opts ...Option) (*Orchestrator, error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if registry == nil {
		return nil, errors.New("handler registry is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	o := &Orchestrator{
		gen:      gen,
		store:    store,
		registry: registry,
		logger:   hclog.NewNullLogger(),
		metrics:  metrics.Nop(),
		runs:     make(map[uint64]*run),
		defs:     make(map[string]types.Definition),

		defaultConcurrency:     4,
		defaultMaxAttempts:     3,
		defaultRetryDelay:      time.Second,
		defaultNodeTimeout:     30 * time.Second,
		defaultApprovalTimeout: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.broadcaster == nil {
		o.broadcaster = broadcast.New(broadcast.WithLogger(o.logger.Named("broadcast")))
	}
	o.executor = handlers.NewExecutor(registry,
		handlers.WithDefaultTimeout(o.defaultNodeTimeout),
		handlers.WithLogger(o.logger.Named("executor")),
	)
	o.approvals = approval.NewManager(o.routeApproval,
		approval.WithLogger(o.logger.Named("approval")),
	)
	return o, nil
}

// Approvals exposes the gate manager (pending requests, external tools).
func (o *Orchestrator) Approvals() *approval.Manager { return o.approvals }

// Broadcaster exposes the status broadcaster for transport adapters.
func (o *Orchestrator) Broadcaster() *broadcast.Broadcaster { return o.broadcaster }

// Validate runs static validation without touching storage.
func (o *Orchestrator) Validate(def types.Definition) *graph.Report {
	return graph.Validate(&def)
}

// RegisterDefinition validates and persists a workflow definition. A
// fatal validation report blocks registration.
func (o *Orchestrator) RegisterDefinition(ctx context.Context, def types.Definition) error {
	if def.ID == "" {
		return errors.New("definition id is required")
	}
	if rep := graph.Validate(&def); rep.Fatal() {
		return rep.Err()
	}
	if err := o.store.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	o.mu.Lock()
	o.defs[def.ID] = def
	o.mu.Unlock()
	return nil
}

// getDefinition checks the cache first, then storage.
func (o *Orchestrator) getDefinition(ctx context.Context, id string) (types.Definition, error) {
	o.mu.RLock()
	def, ok := o.defs[id]
	o.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := o.store.GetDefinition(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrDefinitionNotFound) {
			return types.Definition{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
		}
		return types.Definition{}, fmt.Errorf("failed to load definition: %w", err)
	}
	o.mu.Lock()
	o.defs[def.ID] = def
	o.mu.Unlock()
	return def, nil
}

// Submit freezes the named definition, validates it, creates an
// ExecutionInstance and starts its run loop. A failing validation never
// produces an instance.
func (o *Orchestrator) Submit(ctx context.Context, definitionID string, trigger map[string]interface{}) (uint64, error) {
	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return 0, ErrEngineClosed
	}

	def, err := o.getDefinition(ctx, definitionID)
	if err != nil {
		return 0, err
	}
	if rep := graph.Validate(&def); rep.Fatal() {
		return 0, rep.Err()
	}

	id, err := o.gen.NextID()
	if err != nil {
		return 0, fmt.Errorf("failed to generate instance id: %w", err)
	}

	now := time.Now().UnixMilli()
	inst := &types.Instance{
		ID:                id,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            types.InstanceRunning,
		Records:           make(map[string]*types.NodeRecord, len(def.Nodes)),
		Context:           types.CloneMap(trigger),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, n := range def.Nodes {
		inst.Records[n.ID] = &types.NodeRecord{NodeID: n.ID, Status: types.StatusPending}
	}
	if err := o.store.SaveInstance(ctx, *inst); err != nil {
		return 0, fmt.Errorf("failed to save instance: %w", err)
	}

	o.startRun(def, inst)
	o.logger.Info("execution instance submitted",
		"instance_id", id, "definition_id", def.ID, "nodes", len(def.Nodes))
	return id, nil
}

// Resume rebuilds a non-terminal instance from its last durable snapshot
// after a process restart. Interrupted dispatches re-run; approval gates
// re-register with their stored deadline (already-expired deadlines
// resolve immediately per policy).
func (o *Orchestrator) Resume(ctx context.Context, id uint64) error {
	o.mu.RLock()
	_, live := o.runs[id]
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return ErrEngineClosed
	}
	if live {
		return fmt.Errorf("%w: %d", ErrInstanceActive, id)
	}

	inst, err := o.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrInstanceNotFound) {
			return fmt.Errorf("%w: %d", ErrInstanceNotFound, id)
		}
		return err
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: %d", ErrInstanceTerminal, id)
	}
	def, err := o.getDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}

	var reRegister []string
	for _, rec := range inst.Records {
		switch rec.Status {
		case types.StatusRunning, types.StatusRetrying, types.StatusReady:
			// The dispatch was lost with the process; schedule it again.
			rec.Status = types.StatusPending
		case types.StatusWaitingApproval:
			reRegister = append(reRegister, rec.NodeID)
		}
	}

	// Gates re-register before the loop starts so that an
	// already-expired deadline routes its resolution into a known run.
	r := newRun(o, def, &inst)
	o.registerRun(r)
	for _, nodeID := range reRegister {
		rec := inst.Records[nodeID]
		req, err := o.approvals.Register(inst.ID, nodeID, time.UnixMilli(rec.ApprovalDeadline))
		if err != nil {
			return err
		}
		rec.ApprovalID = req.ID
		r.approvalsPending[req.ID] = nodeID
	}
	o.beginRun(r)
	o.logger.Info("execution instance resumed", "instance_id", id)
	return nil
}

func (o *Orchestrator) startRun(def types.Definition, inst *types.Instance) *run {
	r := newRun(o, def, inst)
	o.registerRun(r)
	o.beginRun(r)
	return r
}

func (o *Orchestrator) registerRun(r *run) {
	o.mu.Lock()
	o.runs[r.inst.ID] = r
	o.mu.Unlock()
	o.metrics.InstancesActive.Inc()
}

func (o *Orchestrator) beginRun(r *run) {
	o.wg.Add(1)
	go r.loop()
}

func (o *Orchestrator) liveRun(id uint64) (*run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[id]
	return r, ok
}

func (o *Orchestrator) removeRun(id uint64) {
	o.mu.Lock()
	delete(o.runs, id)
	o.mu.Unlock()
}

// Cancel requests cooperative cancellation of a running instance.
// In-flight handlers receive the cancellation signal but may finish;
// their results are recorded and excluded from further scheduling.
func (o *Orchestrator) Cancel(ctx context.Context, id uint64) error {
	r, ok := o.liveRun(id)
	if !ok {
		if _, err := o.store.GetInstance(ctx, id); err != nil {
			return fmt.Errorf("%w: %d", ErrInstanceNotFound, id)
		}
		return fmt.Errorf("%w: %d", ErrInstanceTerminal, id)
	}
	reply := make(chan error, 1)
	if !r.send(runEvent{kind: evCancel, errReply: reply}) {
		return fmt.Errorf("%w: %d", ErrInstanceTerminal, id)
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResolveApproval applies an external decision to a pending approval
// request; the owning instance reacts through its run loop.
func (o *Orchestrator) ResolveApproval(ctx context.Context, requestID string, decision types.ApprovalDecision, comment string) error {
	_, err := o.approvals.Resolve(requestID, decision, comment)
	return err
}

// Instance returns a consistent snapshot of an instance: live instances
// answer through their run loop, terminal ones from storage.
func (o *Orchestrator) Instance(ctx context.Context, id uint64) (*types.Instance, error) {
	if r, ok := o.liveRun(id); ok {
		reply := make(chan *types.Instance, 1)
		if r.send(runEvent{kind: evInspect, inspectReply: reply}) {
			select {
			case inst := <-reply:
				return inst, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	inst, err := o.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrInstanceNotFound, id)
		}
		return nil, err
	}
	return &inst, nil
}

// Subscribe attaches a live monitoring subscriber. The first event is a
// snapshot consistent with the stream position; only genuinely new
// transitions follow.
func (o *Orchestrator) Subscribe(ctx context.Context, id uint64) (<-chan broadcast.Event, func(), error) {
	if r, ok := o.liveRun(id); ok {
		reply := make(chan subscribeResult, 1)
		if r.send(runEvent{kind: evSubscribe, subscribeReply: reply}) {
			select {
			case res := <-reply:
				return res.ch, res.cancel, nil
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
	}
	inst, err := o.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrInstanceNotFound) {
			return nil, nil, fmt.Errorf("%w: %d", ErrInstanceNotFound, id)
		}
		return nil, nil, err
	}
	ch, cancel := o.broadcaster.Attach(id, inst.Clone())
	return ch, cancel, nil
}

// routeApproval delivers gate resolutions into the owning run loop.
func (o *Orchestrator) routeApproval(req types.ApprovalRequest) {
	o.metrics.ApprovalsResolved.WithLabelValues(string(req.Resolution)).Inc()
	r, ok := o.liveRun(req.InstanceID)
	if !ok {
		o.logger.Warn("approval resolution for unknown instance",
			"request_id", req.ID, "instance_id", req.InstanceID)
		return
	}
	r.send(runEvent{kind: evApproval, approval: req})
}

// Close stops accepting work, cancels every live run and waits for the
// loops to drain (bounded by ctx).
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	live := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		live = append(live, r)
	}
	o.mu.Unlock()

	for _, r := range live {
		reply := make(chan error, 1)
		r.send(runEvent{kind: evCancel, errReply: reply})
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.approvals.Stop()
	o.broadcaster.Stop()
	return nil
}
