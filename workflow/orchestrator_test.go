package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate-io/flowstate/broadcast"
	"github.com/flowstate-io/flowstate/handlers"
	"github.com/flowstate-io/flowstate/rules"
	"github.com/flowstate-io/flowstate/storage"
	"github.com/flowstate-io/flowstate/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

// mockHandler counts invocations and can fail selectively per attempt.
type mockHandler struct {
	kind      string
	mu        sync.Mutex
	calls     int
	inputs    []map[string]interface{}
	shouldErr func(call int) error
	output    map[string]interface{}
	block     chan struct{} // when set, Execute waits for it or ctx
}

func (m *mockHandler) Kind() string { return m.kind }

func (m *mockHandler) Execute(ctx context.Context, node types.Node, input map[string]interface{}) (*handlers.Result, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.inputs = append(m.inputs, input)
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.shouldErr != nil {
		if err := m.shouldErr(call); err != nil {
			return nil, err
		}
	}
	out := m.output
	if out == nil {
		out = map[string]interface{}{m.kind + "_result": call}
	}
	return &handlers.Result{Output: out}, nil
}

func (m *mockHandler) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockHandler) lastInput() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inputs) == 0 {
		return nil
	}
	return m.inputs[len(m.inputs)-1]
}

func newTestOrchestrator(t *testing.T, registry *handlers.Registry, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{
		WithDefaultRetryDelay(10 * time.Millisecond),
		WithDefaultNodeTimeout(5 * time.Second),
	}, opts...)
	o, err := New(&MockGenerator{}, storage.NewMemoryStorage(), registry, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Close(ctx)
	})
	return o
}

func baseRegistry(hs ...handlers.Handler) *handlers.Registry {
	r := handlers.NewDefaultRegistry(rules.NewExprEvaluator())
	for _, h := range hs {
		r.MustRegister(h)
	}
	return r
}

// waitTerminal polls until the instance reaches a terminal status.
func waitTerminal(t *testing.T, o *Orchestrator, id uint64) *types.Instance {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := o.Instance(context.Background(), id)
		require.NoError(t, err)
		if inst.Status.Terminal() {
			return inst
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("instance never reached a terminal status")
	return nil
}

func TestLinearWorkflowCompletes(t *testing.T) {
	a := &mockHandler{kind: "step-a", output: map[string]interface{}{"artifact": "v1"}}
	b := &mockHandler{kind: "step-b"}
	o := newTestOrchestrator(t, baseRegistry(a, b))

	def := types.Definition{
		ID:    "linear",
		Start: "a",
		Nodes: []types.Node{
			{ID: "a", Type: types.NodeAction, Handler: "step-a", Outputs: []string{"artifact"}},
			{ID: "b", Type: types.NodeAction, Handler: "step-b", Terminal: true},
		},
		Edges: []types.Edge{{From: "a", To: "b"}},
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))

	id, err := o.Submit(context.Background(), "linear", map[string]interface{}{"env": "prod"})
	require.NoError(t, err)

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Equal(t, types.StatusCompleted, inst.Records["a"].Status)
	assert.Equal(t, types.StatusCompleted, inst.Records["b"].Status)
	assert.Equal(t, []string{"a", "b"}, inst.CompletionOrder)
	assert.Positive(t, inst.Revision)
	assert.NotZero(t, inst.EndedAt)

	// b saw a's output and the trigger payload.
	in := b.lastInput()
	assert.Equal(t, "v1", in["artifact"])
	trigger, _ := in["trigger"].(map[string]interface{})
	assert.Equal(t, "prod", trigger["env"])
}

func TestSubmitRejectsInvalidDefinition(t *testing.T) {
	o := newTestOrchestrator(t, baseRegistry())

	def := types.Definition{
		ID:    "broken",
		Start: "ghost",
		Nodes: []types.Node{{ID: "a", Type: types.NodeAction, Handler: "x", Terminal: true}},
	}
	err := o.RegisterDefinition(context.Background(), def)
	require.Error(t, err)

	// Nothing was registered, so submission cannot find it either.
	_, err = o.Submit(context.Background(), "broken", nil)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestSubmitUnknownDefinition(t *testing.T) {
	o := newTestOrchestrator(t, baseRegistry())
	_, err := o.Submit(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestRetryPolicyExhaustsAttempts(t *testing.T) {
	flaky := &mockHandler{kind: "flaky", shouldErr: func(int) error {
		return errors.New("downstream unavailable")
	}}
	after := &mockHandler{kind: "after"}
	o := newTestOrchestrator(t, baseRegistry(flaky, after))

	def := types.Definition{
		ID:    "retrying",
		Start: "work",
		Nodes: []types.Node{
			{ID: "work", Type: types.NodeAction, Handler: "flaky", MaxAttempts: 3, RetryDelayMS: 5},
			{ID: "next", Type: types.NodeAction, Handler: "after", Terminal: true},
		},
		Edges: []types.Edge{{From: "work", To: "next"}},
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))
	id, err := o.Submit(context.Background(), "retrying", nil)
	require.NoError(t, err)

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceFailed, inst.Status)
	assert.Equal(t, 3, flaky.callCount(), "max_attempts=3 must dispatch exactly 3 times")
	assert.Equal(t, 3, inst.Records["work"].Attempts)
	assert.Equal(t, types.StatusFailed, inst.Records["work"].Status)
	assert.Contains(t, inst.Records["work"].Error, "downstream unavailable")
	assert.Equal(t, "work", inst.FailedNode)

	// Downstream of the failed node never ran.
	assert.Equal(t, types.StatusSkipped, inst.Records["next"].Status)
	assert.Zero(t, after.callCount())
}

func TestRetryThenSucceed(t *testing.T) {
	flaky := &mockHandler{kind: "flaky", shouldErr: func(call int) error {
		if call < 3 {
			return fmt.Errorf("transient error %d", call)
		}
		return nil
	}}
	o := newTestOrchestrator(t, baseRegistry(flaky))

	def := types.Definition{
		ID:    "recovers",
		Start: "work",
		Nodes: []types.Node{
			{ID: "work", Type: types.NodeAction, Handler: "flaky", MaxAttempts: 5, RetryDelayMS: 5, Terminal: true},
		},
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))
	id, err := o.Submit(context.Background(), "recovers", nil)
	require.NoError(t, err)

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Equal(t, 3, flaky.callCount())
	assert.Equal(t, 3, inst.Records["work"].Attempts)
	assert.Equal(t, types.StatusCompleted, inst.Records["work"].Status)
	assert.Empty(t, inst.Records["work"].Error)
}

func decisionDefinition() types.Definition {
	return types.Definition{
		ID:    "routing",
		Start: "probe",
		Nodes: []types.Node{
			{ID: "probe", Type: types.NodeAction, Handler: "probe"},
			{ID: "route", Type: types.NodeDecision, Config: map[string]interface{}{
				"rules": []interface{}{
					map[string]interface{}{"branch": "hot", "when": "temp > 30"},
				},
			}},
			{ID: "hot", Type: types.NodeAction, Handler: "hot-path", Terminal: true},
			{ID: "cold", Type: types.NodeAction, Handler: "cold-path", Terminal: true},
		},
		Edges: []types.Edge{
			{From: "probe", To: "route"},
			{From: "route", To: "hot", Branch: "hot"},
			{From: "route", To: "cold", Default: true},
		},
	}
}

func TestDecisionSelectsExactlyOneBranch(t *testing.T) {
	probe := &mockHandler{kind: "probe", output: map[string]interface{}{"temp": 35}}
	hot := &mockHandler{kind: "hot-path"}
	cold := &mockHandler{kind: "cold-path"}
	o := newTestOrchestrator(t, baseRegistry(probe, hot, cold))

	require.NoError(t, o.RegisterDefinition(context.Background(), decisionDefinition()))
	id, err := o.Submit(context.Background(), "routing", nil)
	require.NoError(t, err)

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Equal(t, "hot", inst.Records["route"].Branch)
	assert.Equal(t, types.StatusCompleted, inst.Records["hot"].Status)
	assert.Equal(t, types.StatusSkipped, inst.Records["cold"].Status)
	assert.Equal(t, 1, hot.callCount())
	assert.Zero(t, cold.callCount(), "non-selected branch must never execute")
}

func TestDecisionFallsBackToDefault(t *testing.T) {
	probe := &mockHandler{kind: "probe", output: map[string]interface{}{"temp": 10}}
	hot := &mockHandler{kind: "hot-path"}
	cold := &mockHandler{kind: "cold-path"}
	o := newTestOrchestrator(t, baseRegistry(probe, hot, cold))

	require.NoError(t, o.RegisterDefinition(context.Background(), decisionDefinition()))
	id, err := o.Submit(context.Background(), "routing", nil)
	require.NoError(t, err)

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Equal(t, types.DefaultBranch, inst.Records["route"].Branch)
	assert.Equal(t, types.StatusCompleted, inst.Records["cold"].Status)
	assert.Equal(t, types.StatusSkipped, inst.Records["hot"].Status)
	assert.Zero(t, hot.callCount())
}

func TestFanOutFanIn(t *testing.T) {
	src := &mockHandler{kind: "src"}
	left := &mockHandler{kind: "left", output: map[string]interface{}{"left_out": 1}}
	right := &mockHandler{kind: "right", output: map[string]interface{}{"right_out": 2}}
	join := &mockHandler{kind: "join"}
	o := newTestOrchestrator(t, baseRegistry(src, left, right, join), WithConcurrency(2))

	def := types.Definition{
		ID:    "diamond",
		Start: "src",
		Nodes: []types.Node{
			{ID: "src", Type: types.NodeAction, Handler: "src"},
			{ID: "left", Type: types.NodeAction, Handler: "left"},
			{ID: "right", Type: types.NodeAction, Handler: "right"},
			{ID: "join", Type: types.NodeAction, Handler: "join", Terminal: true},
		},
		Edges: []types.Edge{
			{From: "src", To: "left"},
			{From: "src", To: "right"},
			{From: "left", To: "join"},
			{From: "right", To: "join"},
		},
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))
	id, err := o.Submit(context.Background(), "diamond", nil)
	require.NoError(t, err)

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Equal(t, 1, join.callCount(), "join runs once, after both parents")

	in := join.lastInput()
	assert.Equal(t, 1, in["left_out"])
	assert.Equal(t, 2, in["right_out"])

	// src completed before both branches; join last.
	assert.Equal(t, "src", inst.CompletionOrder[0])
	assert.Equal(t, "join", inst.CompletionOrder[len(inst.CompletionOrder)-1])
}

func approvalDefinition(config map[string]interface{}) types.Definition {
	return types.Definition{
		ID:    "gated",
		Start: "prepare",
		Nodes: []types.Node{
			{ID: "prepare", Type: types.NodeAction, Handler: "prep"},
			{ID: "gate", Type: types.NodeApproval, Config: config},
			{ID: "ship", Type: types.NodeAction, Handler: "shipper", Terminal: true},
		},
		Edges: []types.Edge{
			{From: "prepare", To: "gate"},
			{From: "gate", To: "ship"},
		},
	}
}

// waitPendingApproval polls until the instance has a pending request.
func waitPendingApproval(t *testing.T, o *Orchestrator, id uint64) types.ApprovalRequest {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, req := range o.Approvals().Pending() {
			if req.InstanceID == id {
				return req
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no approval request appeared")
	return types.ApprovalRequest{}
}

func TestApprovalApproved(t *testing.T) {
	prep := &mockHandler{kind: "prep"}
	ship := &mockHandler{kind: "shipper"}
	o := newTestOrchestrator(t, baseRegistry(prep, ship))

	require.NoError(t, o.RegisterDefinition(context.Background(), approvalDefinition(nil)))
	id, err := o.Submit(context.Background(), "gated", nil)
	require.NoError(t, err)

	req := waitPendingApproval(t, o, id)
	assert.Equal(t, "gate", req.NodeID)

	inst, err := o.Instance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaitingApproval, inst.Records["gate"].Status)
	assert.Equal(t, req.ID, inst.Records["gate"].ApprovalID)

	require.NoError(t, o.ResolveApproval(context.Background(), req.ID, types.ApprovalApproved, "lgtm"))

	inst = waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Equal(t, types.StatusCompleted, inst.Records["gate"].Status)
	assert.Equal(t, true, inst.Records["gate"].Output["approved"])
	assert.Equal(t, 1, ship.callCount())
}

func TestApprovalRejected(t *testing.T) {
	prep := &mockHandler{kind: "prep"}
	ship := &mockHandler{kind: "shipper"}
	o := newTestOrchestrator(t, baseRegistry(prep, ship))

	require.NoError(t, o.RegisterDefinition(context.Background(), approvalDefinition(nil)))
	id, err := o.Submit(context.Background(), "gated", nil)
	require.NoError(t, err)

	req := waitPendingApproval(t, o, id)
	require.NoError(t, o.ResolveApproval(context.Background(), req.ID, types.ApprovalRejected, "not yet"))

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceFailed, inst.Status)
	assert.Equal(t, types.StatusFailed, inst.Records["gate"].Status)
	assert.Contains(t, inst.Records["gate"].Error, "rejected")
	assert.Equal(t, types.StatusSkipped, inst.Records["ship"].Status)
	assert.Zero(t, ship.callCount())
}

func TestApprovalTimeoutRejectsByDefault(t *testing.T) {
	prep := &mockHandler{kind: "prep"}
	ship := &mockHandler{kind: "shipper"}
	o := newTestOrchestrator(t, baseRegistry(prep, ship))

	cfg := map[string]interface{}{"timeout_sec": 1}
	require.NoError(t, o.RegisterDefinition(context.Background(), approvalDefinition(cfg)))

	start := time.Now()
	id, err := o.Submit(context.Background(), "gated", nil)
	require.NoError(t, err)

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceFailed, inst.Status)
	assert.Contains(t, inst.Records["gate"].Error, "deadline expired")
	// Auto-resolution happens at the deadline, never before it.
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Zero(t, ship.callCount())
}

func TestApprovalTimeoutCanApprove(t *testing.T) {
	prep := &mockHandler{kind: "prep"}
	ship := &mockHandler{kind: "shipper"}
	o := newTestOrchestrator(t, baseRegistry(prep, ship))

	cfg := map[string]interface{}{"timeout_sec": 1, "on_timeout": "approve"}
	require.NoError(t, o.RegisterDefinition(context.Background(), approvalDefinition(cfg)))
	id, err := o.Submit(context.Background(), "gated", nil)
	require.NoError(t, err)

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Equal(t, types.StatusCompleted, inst.Records["gate"].Status)
	assert.Equal(t, "timeout", inst.Records["gate"].Output["resolution"])
	assert.Equal(t, 1, ship.callCount())
}

func TestCancellation(t *testing.T) {
	release := make(chan struct{})
	slow := &mockHandler{kind: "slow", block: release}
	after := &mockHandler{kind: "after"}
	o := newTestOrchestrator(t, baseRegistry(slow, after))

	def := types.Definition{
		ID:    "cancellable",
		Start: "work",
		Nodes: []types.Node{
			{ID: "work", Type: types.NodeAction, Handler: "slow"},
			{ID: "next", Type: types.NodeAction, Handler: "after", Terminal: true},
		},
		Edges: []types.Edge{{From: "work", To: "next"}},
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))
	id, err := o.Submit(context.Background(), "cancellable", nil)
	require.NoError(t, err)

	// Let the handler start, then cancel while it is in flight.
	deadline := time.Now().Add(5 * time.Second)
	for slow.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, o.Cancel(context.Background(), id))

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceCancelled, inst.Status)
	// The in-flight handler saw the cancellation and its failure was
	// recorded; the unstarted successor was skipped, not executed.
	assert.Equal(t, types.StatusFailed, inst.Records["work"].Status)
	assert.Equal(t, types.StatusSkipped, inst.Records["next"].Status)
	assert.Zero(t, after.callCount())

	// Cancelling a terminal instance is an error.
	err = o.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, ErrInstanceTerminal)
}

func TestSubscribeSnapshotThenTail(t *testing.T) {
	release := make(chan struct{})
	slow := &mockHandler{kind: "slow", block: release}
	o := newTestOrchestrator(t, baseRegistry(slow))

	def := types.Definition{
		ID:    "watched",
		Start: "work",
		Nodes: []types.Node{
			{ID: "work", Type: types.NodeAction, Handler: "slow", Terminal: true},
		},
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))
	id, err := o.Submit(context.Background(), "watched", nil)
	require.NoError(t, err)

	ch, cancel, err := o.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer cancel()

	first := <-ch
	require.Equal(t, broadcast.EventSnapshot, first.Type)
	require.NotNil(t, first.Snapshot)
	snapRev := first.Snapshot.Revision

	close(release)

	var sawCompleted, sawWorkflowDone bool
	lastRev := snapRev
	for ev := range ch {
		// Only genuinely new transitions follow the snapshot.
		assert.Greater(t, ev.Revision, snapRev)
		assert.GreaterOrEqual(t, ev.Revision, lastRev)
		lastRev = ev.Revision
		switch ev.Type {
		case broadcast.EventNodeCompleted:
			sawCompleted = true
		case broadcast.EventWorkflowCompleted:
			sawWorkflowDone = true
		}
	}
	assert.True(t, sawCompleted)
	assert.True(t, sawWorkflowDone, "stream must end after the terminal event")
}

func TestSubscribeTerminalInstance(t *testing.T) {
	h := &mockHandler{kind: "h"}
	o := newTestOrchestrator(t, baseRegistry(h))

	def := types.Definition{
		ID:    "quick",
		Start: "work",
		Nodes: []types.Node{{ID: "work", Type: types.NodeAction, Handler: "h", Terminal: true}},
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))
	id, err := o.Submit(context.Background(), "quick", nil)
	require.NoError(t, err)
	waitTerminal(t, o, id)

	ch, cancel, err := o.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer cancel()

	ev, open := <-ch
	require.True(t, open)
	assert.Equal(t, broadcast.EventSnapshot, ev.Type)
	assert.Equal(t, types.InstanceCompleted, ev.Snapshot.Status)
	_, open = <-ch
	assert.False(t, open, "terminal subscription is snapshot-only")
}

func TestLoopIterates(t *testing.T) {
	work := &mockHandler{kind: "body-work"}
	drain := &mockHandler{kind: "drain"}
	o := newTestOrchestrator(t, baseRegistry(work, drain))

	def := types.Definition{
		ID:    "looped",
		Start: "head",
		Nodes: []types.Node{
			{ID: "head", Type: types.NodeLoop, Loop: &types.LoopConfig{MaxIterations: 3}},
			{ID: "work", Type: types.NodeAction, Handler: "body-work"},
			{ID: "exit", Type: types.NodeAction, Handler: "drain", Terminal: true},
		},
		Edges: []types.Edge{
			{From: "head", To: "work", Branch: types.LoopBodyBranch},
			{From: "head", To: "exit", Default: true},
			{From: "work", To: "head"},
		},
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))
	id, err := o.Submit(context.Background(), "looped", nil)
	require.NoError(t, err)

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Equal(t, 3, work.callCount(), "body must run once per iteration")
	assert.Equal(t, 3, inst.Records["head"].Iterations)
	assert.Equal(t, types.DefaultBranch, inst.Records["head"].Branch)
	assert.Equal(t, 1, drain.callCount())
	assert.Equal(t, types.StatusCompleted, inst.Records["exit"].Status)
}

func TestLoopWhileGuardStopsEarly(t *testing.T) {
	work := &mockHandler{kind: "body-work"}
	drain := &mockHandler{kind: "drain"}
	o := newTestOrchestrator(t, baseRegistry(work, drain))

	def := types.Definition{
		ID:    "guarded-loop",
		Start: "head",
		Nodes: []types.Node{
			{ID: "head", Type: types.NodeLoop,
				Loop: &types.LoopConfig{MaxIterations: 10, While: "iteration < 2"}},
			{ID: "work", Type: types.NodeAction, Handler: "body-work"},
			{ID: "exit", Type: types.NodeAction, Handler: "drain", Terminal: true},
		},
		Edges: []types.Edge{
			{From: "head", To: "work", Branch: types.LoopBodyBranch},
			{From: "head", To: "exit", Default: true},
			{From: "work", To: "head"},
		},
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))
	id, err := o.Submit(context.Background(), "guarded-loop", nil)
	require.NoError(t, err)

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Equal(t, 2, work.callCount())
	assert.Equal(t, 2, inst.Records["head"].Iterations)
}

func TestLoopBodyFailureFailsInstance(t *testing.T) {
	work := &mockHandler{kind: "body-work", shouldErr: func(int) error {
		return errors.New("body broke")
	}}
	drain := &mockHandler{kind: "drain"}
	o := newTestOrchestrator(t, baseRegistry(work, drain))

	def := types.Definition{
		ID:    "failing-loop",
		Start: "head",
		Nodes: []types.Node{
			{ID: "head", Type: types.NodeLoop, Loop: &types.LoopConfig{MaxIterations: 5}},
			{ID: "work", Type: types.NodeAction, Handler: "body-work", MaxAttempts: 1},
			{ID: "exit", Type: types.NodeAction, Handler: "drain", Terminal: true},
		},
		Edges: []types.Edge{
			{From: "head", To: "work", Branch: types.LoopBodyBranch},
			{From: "head", To: "exit", Default: true},
			{From: "work", To: "head"},
		},
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))
	id, err := o.Submit(context.Background(), "failing-loop", nil)
	require.NoError(t, err)

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceFailed, inst.Status)
	assert.Equal(t, 1, work.callCount(), "a failed body must not re-arm the loop")
	assert.Equal(t, types.StatusFailed, inst.Records["work"].Status)
}

func TestConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	gauge := &mockHandler{kind: "gauge"}
	gauge.shouldErr = func(int) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}
	o := newTestOrchestrator(t, baseRegistry(gauge))

	def := types.Definition{
		ID:          "wide",
		Start:       "src",
		Concurrency: 2,
		Nodes: []types.Node{
			{ID: "src", Type: types.NodeAction, Handler: "gauge"},
		},
	}
	for i := 0; i < 6; i++ {
		nid := fmt.Sprintf("n%d", i)
		def.Nodes = append(def.Nodes, types.Node{ID: nid, Type: types.NodeAction, Handler: "gauge", Terminal: true})
		def.Edges = append(def.Edges, types.Edge{From: "src", To: nid})
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))
	id, err := o.Submit(context.Background(), "wide", nil)
	require.NoError(t, err)

	inst := waitTerminal(t, o, id)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2, "per-instance worker limit exceeded")
}

func TestInstanceSnapshotsAreIsolated(t *testing.T) {
	h := &mockHandler{kind: "h", output: map[string]interface{}{"k": "v"}}
	o := newTestOrchestrator(t, baseRegistry(h))

	def := types.Definition{
		ID:    "iso",
		Start: "work",
		Nodes: []types.Node{{ID: "work", Type: types.NodeAction, Handler: "h", Terminal: true}},
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))
	id, err := o.Submit(context.Background(), "iso", nil)
	require.NoError(t, err)
	inst := waitTerminal(t, o, id)

	// Mutating a returned snapshot must not affect later reads.
	inst.Records["work"].Output["k"] = "tampered"
	inst.Status = types.InstanceFailed

	again, err := o.Instance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, again.Status)
	assert.Equal(t, "v", again.Records["work"].Output["k"])
}

func TestResumeRunsInterruptedInstance(t *testing.T) {
	h := &mockHandler{kind: "h"}
	o := newTestOrchestrator(t, baseRegistry(h))

	def := types.Definition{
		ID:    "resumable",
		Start: "a",
		Nodes: []types.Node{
			{ID: "a", Type: types.NodeAction, Handler: "h"},
			{ID: "b", Type: types.NodeAction, Handler: "h", Terminal: true},
		},
		Edges: []types.Edge{{From: "a", To: "b"}},
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))

	// Simulate a snapshot left behind by a crashed process: "a" was mid
	// dispatch, "b" untouched.
	inst := types.Instance{
		ID:           77,
		DefinitionID: "resumable",
		Status:       types.InstanceRunning,
		Revision:     3,
		Records: map[string]*types.NodeRecord{
			"a": {NodeID: "a", Status: types.StatusRunning, Attempts: 1},
			"b": {NodeID: "b", Status: types.StatusPending},
		},
	}
	require.NoError(t, o.store.SaveInstance(context.Background(), inst))

	require.NoError(t, o.Resume(context.Background(), 77))

	got := waitTerminal(t, o, 77)
	assert.Equal(t, types.InstanceCompleted, got.Status)
	assert.Equal(t, types.StatusCompleted, got.Records["a"].Status)
	assert.Equal(t, types.StatusCompleted, got.Records["b"].Status)
	assert.Equal(t, 2, h.callCount(), "interrupted dispatch re-runs once per node")
}

func TestResumeRejectsTerminalAndLiveInstances(t *testing.T) {
	h := &mockHandler{kind: "h"}
	o := newTestOrchestrator(t, baseRegistry(h))

	require.NoError(t, o.store.SaveInstance(context.Background(), types.Instance{
		ID: 5, DefinitionID: "x", Status: types.InstanceCompleted,
	}))
	assert.ErrorIs(t, o.Resume(context.Background(), 5), ErrInstanceTerminal)
	assert.ErrorIs(t, o.Resume(context.Background(), 404), ErrInstanceNotFound)
}

func TestCloseCancelsLiveRuns(t *testing.T) {
	release := make(chan struct{})
	slow := &mockHandler{kind: "slow", block: release}
	reg := baseRegistry(slow)
	o, err := New(&MockGenerator{}, storage.NewMemoryStorage(), reg,
		WithDefaultRetryDelay(10*time.Millisecond))
	require.NoError(t, err)

	def := types.Definition{
		ID:    "long",
		Start: "work",
		Nodes: []types.Node{{ID: "work", Type: types.NodeAction, Handler: "slow", Terminal: true}},
	}
	require.NoError(t, o.RegisterDefinition(context.Background(), def))
	id, err := o.Submit(context.Background(), "long", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Close(ctx))

	inst, err := o.store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCancelled, inst.Status)

	// A closed orchestrator accepts no new work.
	_, err = o.Submit(context.Background(), "long", nil)
	assert.ErrorIs(t, err, ErrEngineClosed)
}
