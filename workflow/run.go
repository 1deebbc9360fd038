package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/flowstate-io/flowstate/broadcast"
	"github.com/flowstate-io/flowstate/graph"
	"github.com/flowstate-io/flowstate/handlers"
	"github.com/flowstate-io/flowstate/types"
)

type runEventKind int

const (
	evNodeDone runEventKind = iota
	evRetryDue
	evApproval
	evCancel
	evRollback
	evSubscribe
	evInspect
)

type nodeDone struct {
	nodeID  string
	attempt int
	res     *handlers.Result
	err     error
	elapsed time.Duration
}

type subscribeResult struct {
	ch     <-chan broadcast.Event
	cancel func()
}

type rollbackResult struct {
	report *RollbackReport
	err    error
}

type runEvent struct {
	kind           runEventKind
	done           nodeDone
	nodeID         string
	approval       types.ApprovalRequest
	errReply       chan error
	inspectReply   chan *types.Instance
	subscribeReply chan subscribeResult
	rollbackReply  chan rollbackResult
}

type stopMode int

const (
	stopNone stopMode = iota
	stopCancel
	stopRollback
)

// run owns one execution instance. Its loop goroutine is the single
// logical state-transition function of the instance: every mutation of
// the instance happens on that goroutine, so concurrently completing
// nodes can never race.
type run struct {
	o    *Orchestrator
	def  types.Definition
	g    *graph.Graph
	inst *types.Instance

	events chan runEvent
	done   chan struct{}

	sendMu sync.Mutex
	sealed bool // set once the loop drained; no further sends accepted

	inflight         map[string]context.CancelFunc
	retries          map[string]*time.Timer
	approvalsPending map[string]string // request id -> node id
	limit            int

	stop          stopMode
	rollbackReply chan rollbackResult

	baseCtx    context.Context
	cancelBase context.CancelFunc
	deadline   *time.Timer
}

func newRun(o *Orchestrator, def types.Definition, inst *types.Instance) *run {
	limit := def.Concurrency
	if limit <= 0 {
		limit = o.defaultConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		o:                o,
		def:              def,
		g:                graph.Build(&def),
		inst:             inst,
		events:           make(chan runEvent, 128),
		done:             make(chan struct{}),
		inflight:         make(map[string]context.CancelFunc),
		retries:          make(map[string]*time.Timer),
		approvalsPending: make(map[string]string),
		limit:            limit,
		baseCtx:          ctx,
		cancelBase:       cancel,
	}
	if def.TimeoutSec > 0 {
		// Whole-workflow timeout only exists when the caller configured it.
		r.deadline = time.AfterFunc(time.Duration(def.TimeoutSec)*time.Second, func() {
			r.send(runEvent{kind: evCancel})
		})
	}
	return r
}

// send delivers an event to the loop unless the run already finalized.
// An accepted event is always answered: events that raced the finalize
// sit in the buffer until the loop drains it.
func (r *run) send(ev runEvent) bool {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.sealed {
		return false
	}
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *run) loop() {
	defer r.o.wg.Done()
	log := r.o.logger.With("instance_id", r.inst.ID)
	log.Debug("run loop started", "definition_id", r.def.ID)

	r.advance()
	for !r.inst.Status.Terminal() {
		r.handle(<-r.events)
	}
	r.drain()
	log.Debug("run loop finished", "status", r.inst.Status)
}

// drain answers the control events that were queued behind the
// finalizing transition. Without it a caller that won the send race
// would wait on its reply channel forever. Sealing before emptying the
// buffer guarantees no event is enqueued after the last pass.
func (r *run) drain() {
	r.sendMu.Lock()
	r.sealed = true
	r.sendMu.Unlock()
	for {
		select {
		case ev := <-r.events:
			r.answerLate(ev)
		default:
			return
		}
	}
}

// answerLate resolves a control event from the final instance state.
// Node results and retry timers need no reply and are dropped.
func (r *run) answerLate(ev runEvent) {
	switch ev.kind {
	case evInspect:
		ev.inspectReply <- r.inst.Clone()
	case evSubscribe:
		ch, cancel := r.o.broadcaster.Attach(r.inst.ID, r.inst.Clone())
		ev.subscribeReply <- subscribeResult{ch: ch, cancel: cancel}
	case evCancel:
		if ev.errReply != nil {
			ev.errReply <- fmt.Errorf("%w: %d", ErrInstanceTerminal, r.inst.ID)
		}
	case evRollback:
		if ev.rollbackReply != nil {
			ev.rollbackReply <- rollbackResult{
				err: fmt.Errorf("%w: %d", ErrInstanceTerminal, r.inst.ID),
			}
		}
	}
}

func (r *run) handle(ev runEvent) {
	switch ev.kind {
	case evNodeDone:
		r.onNodeDone(ev.done)
	case evRetryDue:
		r.onRetryDue(ev.nodeID)
	case evApproval:
		r.onApproval(ev.approval)
	case evCancel:
		r.beginStop(stopCancel)
		if ev.errReply != nil {
			ev.errReply <- nil
		}
		r.maybeFinishStop()
	case evRollback:
		r.rollbackReply = ev.rollbackReply
		r.beginStop(stopRollback)
		r.maybeFinishStop()
	case evSubscribe:
		// Attaching from the loop keeps the snapshot consistent with the
		// stream position: no transition can be published concurrently.
		ch, cancel := r.o.broadcaster.Attach(r.inst.ID, r.inst.Clone())
		ev.subscribeReply <- subscribeResult{ch: ch, cancel: cancel}
	case evInspect:
		ev.inspectReply <- r.inst.Clone()
	}
}

// advance recomputes node readiness, propagates skips, dispatches ready
// nodes up to the concurrency limit and checks for instance completion.
func (r *run) advance() {
	if r.stop != stopNone {
		return
	}
	changed := true
	for changed {
		changed = false
		for _, n := range r.def.Nodes {
			rec := r.inst.Records[n.ID]
			if rec.Status != types.StatusPending {
				continue
			}
			live, unresolved, blocked := r.classifyInbound(n)
			switch {
			case unresolved > 0:
				// Upstream still in progress.
			case blocked > 0, live == 0:
				// Either every inbound path died with a skipped branch, or
				// a required dependency failed: this subgraph never runs.
				r.markSkipped(n.ID)
				changed = true
			default:
				rec.Status = types.StatusReady
				changed = true
			}
		}
		if r.rearmLoops() {
			changed = true
		}
		for _, n := range r.def.Nodes {
			rec := r.inst.Records[n.ID]
			if rec.Status != types.StatusReady {
				continue
			}
			if n.Type == types.NodeApproval {
				r.registerApproval(n)
				changed = true
				continue
			}
			if len(r.inflight) < r.limit {
				r.dispatch(n)
				changed = true
			}
		}
	}
	r.checkTerminal()
}

// classifyInbound buckets a pending node's inbound edges. Back edges of
// declared loops are ignored here; they re-arm the loop head instead.
func (r *run) classifyInbound(n types.Node) (live, unresolved, blocked int) {
	edges := r.g.Incoming(n.ID)
	if n.ID == r.def.Start && len(edges) == 0 {
		return 1, 0, 0
	}
	for _, e := range edges {
		if r.g.IsBackEdge(e) {
			continue
		}
		prec := r.inst.Records[e.From]
		parent, _ := r.g.Node(e.From)
		switch prec.Status {
		case types.StatusCompleted:
			if parent.Type == types.NodeDecision || parent.Type == types.NodeLoop {
				if branchMatches(e, prec.Branch) {
					live++
				} else if parent.Type == types.NodeLoop && prec.Branch == types.LoopBodyBranch {
					// The loop is still iterating; its exit edge resolves
					// once a later iteration selects the default branch.
					unresolved++
				}
				// A non-selected decision branch contributes nothing: if
				// no other inbound path is live, the node is skipped.
			} else {
				live++
			}
		case types.StatusSkipped:
			// Vacuous dependency.
		case types.StatusFailed:
			blocked++
		default:
			unresolved++
		}
	}
	return live, unresolved, blocked
}

func branchMatches(e types.Edge, selected string) bool {
	if e.Default {
		return selected == types.DefaultBranch
	}
	return e.Branch == selected
}

// rearmLoops re-dispatches loop heads whose body finished an iteration.
func (r *run) rearmLoops() bool {
	changed := false
	for _, n := range r.def.Nodes {
		if n.Type != types.NodeLoop {
			continue
		}
		rec := r.inst.Records[n.ID]
		if rec.Status != types.StatusCompleted || rec.Branch != types.LoopBodyBranch {
			continue
		}
		body := r.g.LoopBody(n.ID)
		if len(body) == 0 {
			continue
		}
		tails := make(map[string]bool)
		for _, e := range r.g.Incoming(n.ID) {
			if r.g.IsBackEdge(e) {
				tails[e.From] = true
			}
		}
		settled, broken := true, false
		for id := range body {
			brec := r.inst.Records[id]
			if _, running := r.inflight[id]; running || !brec.Status.Terminal() {
				settled = false
				break
			}
			if brec.Status == types.StatusFailed {
				broken = true
			}
			if tails[id] && brec.Status != types.StatusCompleted {
				// The back edge will never fire this iteration.
				broken = true
			}
		}
		if !settled {
			continue
		}
		if broken {
			// The iteration died; the loop construct fails and the
			// failure propagates through the normal downstream rules.
			rec.Status = types.StatusFailed
			rec.Error = "loop body failed"
			rec.EndedAt = time.Now().UnixMilli()
			r.transition(broadcast.EventNodeFailed, n.ID, rec.Status, rec.Attempts,
				map[string]interface{}{"error": rec.Error})
			changed = true
			continue
		}
		rec.Status = types.StatusReady
		rec.Attempts = 0
		rec.Branch = ""
		rec.Output = nil
		rec.EndedAt = 0
		changed = true
	}
	return changed
}

// dispatch starts one handler invocation for a ready node.
func (r *run) dispatch(n types.Node) {
	rec := r.inst.Records[n.ID]
	if _, dup := r.inflight[n.ID]; dup {
		r.failInvariant(n.ID, "node dispatched while already in flight")
		return
	}

	rec.Attempts++
	attempt := rec.Attempts
	rec.Status = types.StatusRunning
	rec.Error = ""
	now := time.Now().UnixMilli()
	if rec.StartedAt == 0 {
		rec.StartedAt = now
	}

	input := r.assembleInput(n)
	rec.Input = types.CloneMap(input)

	r.o.logger.Debug("dispatching node",
		"instance_id", r.inst.ID, "node_id", n.ID, "attempt", attempt)
	r.transition(broadcast.EventNodeStarted, n.ID, types.StatusRunning, attempt, nil)

	hctx, cancel := context.WithCancel(r.baseCtx)
	r.inflight[n.ID] = cancel
	node := n
	go func() {
		start := time.Now()
		res, err := r.o.executor.Run(hctx, node, input)
		r.send(runEvent{kind: evNodeDone, done: nodeDone{
			nodeID:  node.ID,
			attempt: attempt,
			res:     res,
			err:     err,
			elapsed: time.Since(start),
		}})
	}()
}

func (r *run) onNodeDone(d nodeDone) {
	if cancel, ok := r.inflight[d.nodeID]; ok {
		cancel()
		delete(r.inflight, d.nodeID)
	}
	n, _ := r.g.Node(d.nodeID)
	rec := r.inst.Records[d.nodeID]
	kind := handlers.KindFor(n)
	r.o.metrics.NodeDuration.WithLabelValues(kind).Observe(d.elapsed.Seconds())

	if r.stop != stopNone {
		// Cancelled mid-flight: the result is recorded for audit but
		// excluded from every further scheduling decision.
		now := time.Now().UnixMilli()
		rec.EndedAt = now
		if d.err == nil {
			rec.Status = types.StatusCompleted
			if d.res != nil {
				rec.Output = d.res.Output
			}
			r.transition(broadcast.EventNodeCompleted, d.nodeID, rec.Status, d.attempt, nil)
		} else {
			rec.Status = types.StatusFailed
			rec.Error = d.err.Error()
			r.transition(broadcast.EventNodeFailed, d.nodeID, rec.Status, d.attempt,
				map[string]interface{}{"error": rec.Error})
		}
		r.maybeFinishStop()
		return
	}

	if d.err != nil {
		r.o.metrics.NodeExecutions.WithLabelValues(kind, "failure").Inc()
		r.failOrRetry(n, rec, d)
	} else {
		r.o.metrics.NodeExecutions.WithLabelValues(kind, "success").Inc()
		r.completeNode(n, rec, d)
	}
	r.advance()
}

func (r *run) completeNode(n types.Node, rec *types.NodeRecord, d nodeDone) {
	rec.Status = types.StatusCompleted
	rec.EndedAt = time.Now().UnixMilli()
	if d.res != nil {
		rec.Output = d.res.Output
	}

	switch n.Type {
	case types.NodeDecision:
		rec.Branch = d.res.Branch
		if rec.Branch == "" {
			rec.Branch = types.DefaultBranch
		}
	case types.NodeLoop:
		if d.res.Branch == types.LoopBodyBranch {
			rec.Branch = types.LoopBodyBranch
			rec.Iterations++
			r.resetLoopBody(n.ID)
		} else {
			rec.Branch = types.DefaultBranch
		}
	}

	r.inst.CompletionOrder = append(r.inst.CompletionOrder, n.ID)
	var data map[string]interface{}
	if rec.Branch != "" {
		data = map[string]interface{}{"branch": rec.Branch}
	}
	r.transition(broadcast.EventNodeCompleted, n.ID, rec.Status, rec.Attempts, data)
}

// resetLoopBody returns every body node to pending for the next
// iteration. No per-node events are emitted; the revision bump on the
// next transition plus snapshots cover late subscribers.
func (r *run) resetLoopBody(loopID string) {
	for id := range r.g.LoopBody(loopID) {
		rec := r.inst.Records[id]
		rec.Status = types.StatusPending
		rec.Attempts = 0
		rec.StartedAt = 0
		rec.EndedAt = 0
		rec.Input = nil
		rec.Output = nil
		rec.Error = ""
		rec.Branch = ""
	}
}

func (r *run) failOrRetry(n types.Node, rec *types.NodeRecord, d nodeDone) {
	maxAttempts := n.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.o.defaultMaxAttempts
	}
	rec.Error = d.err.Error()

	if d.attempt < maxAttempts {
		rec.Status = types.StatusRetrying
		r.o.metrics.RetriesTotal.Inc()
		r.o.logger.Warn("node failed, retrying",
			"instance_id", r.inst.ID, "node_id", n.ID,
			"attempt", d.attempt, "max_attempts", maxAttempts, "error", rec.Error)
		r.transition(broadcast.EventNodeRetrying, n.ID, rec.Status, d.attempt,
			map[string]interface{}{"error": rec.Error})

		nodeID := n.ID
		r.retries[nodeID] = time.AfterFunc(r.retryDelay(n, d.attempt), func() {
			r.send(runEvent{kind: evRetryDue, nodeID: nodeID})
		})
		return
	}

	rec.Status = types.StatusFailed
	rec.EndedAt = time.Now().UnixMilli()
	if r.inst.Error == "" {
		r.inst.Error = rec.Error
		r.inst.FailedNode = n.ID
	}
	r.o.logger.Error("node failed",
		"instance_id", r.inst.ID, "node_id", n.ID, "attempts", d.attempt, "error", rec.Error)
	r.transition(broadcast.EventNodeFailed, n.ID, rec.Status, d.attempt,
		map[string]interface{}{"error": rec.Error})
}

// retryDelay applies exponential backoff on the node's base delay.
func (r *run) retryDelay(n types.Node, attempt int) time.Duration {
	base := r.o.defaultRetryDelay
	if n.RetryDelayMS > 0 {
		base = time.Duration(n.RetryDelayMS) * time.Millisecond
	}
	d := base << uint(attempt-1)
	if max := 5 * time.Minute; d > max {
		d = max
	}
	return d
}

func (r *run) onRetryDue(nodeID string) {
	delete(r.retries, nodeID)
	if r.stop != stopNone {
		return
	}
	rec := r.inst.Records[nodeID]
	if rec.Status != types.StatusRetrying {
		r.failInvariant(nodeID, "retry fired for node not in retrying state")
		return
	}
	rec.Status = types.StatusReady
	r.advance()
}

type approvalConfig struct {
	TimeoutSec int    `mapstructure:"timeout_sec"`
	OnTimeout  string `mapstructure:"on_timeout"` // "approve" or "reject"
}

func (r *run) registerApproval(n types.Node) {
	rec := r.inst.Records[n.ID]
	var cfg approvalConfig
	_ = mapstructure.Decode(n.Config, &cfg)

	timeout := r.o.defaultApprovalTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	deadline := time.Now().Add(timeout)

	req, err := r.o.approvals.Register(r.inst.ID, n.ID, deadline)
	if err != nil {
		rec.Status = types.StatusFailed
		rec.Error = err.Error()
		rec.EndedAt = time.Now().UnixMilli()
		r.transition(broadcast.EventNodeFailed, n.ID, rec.Status, rec.Attempts,
			map[string]interface{}{"error": rec.Error})
		return
	}

	rec.Attempts++
	rec.Status = types.StatusWaitingApproval
	rec.StartedAt = time.Now().UnixMilli()
	rec.ApprovalID = req.ID
	rec.ApprovalDeadline = req.Deadline
	r.approvalsPending[req.ID] = n.ID

	r.transition(broadcast.EventApprovalRequested, n.ID, rec.Status, rec.Attempts,
		map[string]interface{}{"request_id": req.ID, "deadline": req.Deadline})
}

func (r *run) onApproval(req types.ApprovalRequest) {
	nodeID, ok := r.approvalsPending[req.ID]
	if !ok {
		r.o.logger.Warn("stale approval resolution",
			"instance_id", r.inst.ID, "request_id", req.ID)
		return
	}
	delete(r.approvalsPending, req.ID)
	if r.stop != stopNone {
		return
	}

	rec := r.inst.Records[nodeID]
	if rec.Status != types.StatusWaitingApproval {
		r.failInvariant(nodeID, "approval resolution for node not waiting for approval")
		return
	}
	n, _ := r.g.Node(nodeID)

	approved := req.Resolution == types.ApprovalApproved
	if req.Resolution == types.ApprovalTimeout {
		var cfg approvalConfig
		_ = mapstructure.Decode(n.Config, &cfg)
		approved = cfg.OnTimeout == "approve" || (cfg.OnTimeout == "" && r.o.approveOnTimeout)
	}

	rec.EndedAt = time.Now().UnixMilli()
	if approved {
		rec.Status = types.StatusCompleted
		rec.Output = map[string]interface{}{
			"approved":   true,
			"resolution": string(req.Resolution),
			"comment":    req.Comment,
		}
		r.inst.CompletionOrder = append(r.inst.CompletionOrder, nodeID)
		r.transition(broadcast.EventNodeCompleted, nodeID, rec.Status, rec.Attempts,
			map[string]interface{}{"resolution": string(req.Resolution)})
	} else {
		rec.Status = types.StatusFailed
		switch req.Resolution {
		case types.ApprovalTimeout:
			rec.Error = "approval deadline expired"
		default:
			rec.Error = "approval rejected"
			if req.Comment != "" {
				rec.Error += ": " + req.Comment
			}
		}
		if r.inst.Error == "" {
			r.inst.Error = rec.Error
			r.inst.FailedNode = nodeID
		}
		r.transition(broadcast.EventNodeFailed, nodeID, rec.Status, rec.Attempts,
			map[string]interface{}{"error": rec.Error, "resolution": string(req.Resolution)})
	}
	r.advance()
}

// markSkipped finalizes a node that will never run, either because its
// branch was not selected or because a required upstream failed.
func (r *run) markSkipped(nodeID string) {
	rec := r.inst.Records[nodeID]
	rec.Status = types.StatusSkipped
	rec.EndedAt = time.Now().UnixMilli()
	r.transition(broadcast.EventNodeSkipped, nodeID, rec.Status, rec.Attempts, nil)
}

// beginStop moves the run into draining mode: no new dispatches,
// in-flight handlers get the cooperative cancellation signal, pending
// approvals are dropped.
func (r *run) beginStop(mode stopMode) {
	if r.stop != stopNone {
		return
	}
	r.stop = mode
	r.o.logger.Info("stopping execution instance",
		"instance_id", r.inst.ID, "rollback", mode == stopRollback, "in_flight", len(r.inflight))

	for _, cancel := range r.inflight {
		cancel()
	}
	for id, t := range r.retries {
		t.Stop()
		delete(r.retries, id)
	}
	r.o.approvals.CancelInstance(r.inst.ID)

	for _, n := range r.def.Nodes {
		rec := r.inst.Records[n.ID]
		switch rec.Status {
		case types.StatusPending, types.StatusReady, types.StatusRetrying, types.StatusWaitingApproval:
			r.markSkipped(n.ID)
		}
	}
}

// maybeFinishStop finalizes a draining run once the last in-flight
// handler reported back.
func (r *run) maybeFinishStop() {
	if r.stop == stopNone || len(r.inflight) > 0 {
		return
	}
	if r.stop == stopRollback {
		report := r.o.compensate(context.Background(), &r.def, r.g, r.inst)
		if r.rollbackReply != nil {
			r.rollbackReply <- rollbackResult{report: report}
		}
	}
	r.finalize(types.InstanceCancelled)
}

// checkTerminal finalizes the instance once every node settled.
func (r *run) checkTerminal() {
	if r.stop != stopNone {
		return
	}
	anyFailed := false
	for _, rec := range r.inst.Records {
		if !rec.Status.Terminal() {
			return
		}
		if rec.Status == types.StatusFailed {
			anyFailed = true
		}
	}
	// A loop head that completed a body iteration is only provisionally
	// terminal; rearmLoops resets it before we can get here with work
	// outstanding, so reaching this point means the graph settled.
	if anyFailed {
		r.finalize(types.InstanceFailed)
	} else {
		r.finalize(types.InstanceCompleted)
	}
}

func (r *run) failInvariant(nodeID, reason string) {
	err := &InvariantError{InstanceID: r.inst.ID, NodeID: nodeID, Reason: reason}
	r.o.logger.Error("orchestrator invariant violated",
		"instance_id", r.inst.ID, "node_id", nodeID, "reason", reason)
	if r.inst.Error == "" {
		r.inst.Error = err.Error()
		r.inst.FailedNode = nodeID
	}
	for _, cancel := range r.inflight {
		cancel()
	}
	r.finalize(types.InstanceFailed)
}

func (r *run) finalize(status types.InstanceStatus) {
	if r.inst.Status.Terminal() {
		return
	}
	r.inst.Status = status
	r.inst.EndedAt = time.Now().UnixMilli()
	if r.deadline != nil {
		r.deadline.Stop()
	}

	var evType broadcast.EventType
	var data map[string]interface{}
	switch status {
	case types.InstanceCompleted:
		evType = broadcast.EventWorkflowCompleted
	case types.InstanceFailed:
		evType = broadcast.EventWorkflowFailed
		data = map[string]interface{}{"error": r.inst.Error, "failed_node": r.inst.FailedNode}
	default:
		evType = broadcast.EventWorkflowCancelled
	}
	r.transition(evType, "", "", 0, data)

	close(r.done)
	r.cancelBase()
	r.o.approvals.CancelInstance(r.inst.ID)
	r.o.broadcaster.Close(r.inst.ID)
	r.o.metrics.InstancesActive.Dec()
	r.o.metrics.InstancesTotal.WithLabelValues(string(status)).Inc()
	r.o.removeRun(r.inst.ID)
	r.o.logger.Info("execution instance finished",
		"instance_id", r.inst.ID, "status", status, "revision", r.inst.Revision)
}

// transition bumps the revision, publishes the event and persists the
// instance snapshot. Persistence failures are logged, never fatal to the
// run: the in-memory instance stays authoritative.
func (r *run) transition(evType broadcast.EventType, nodeID string, status types.NodeStatus, attempt int, data map[string]interface{}) {
	r.inst.Revision++
	r.inst.UpdatedAt = time.Now().UnixMilli()

	r.o.broadcaster.Publish(broadcast.Event{
		Type:       evType,
		InstanceID: r.inst.ID,
		NodeID:     nodeID,
		Status:     status,
		Attempt:    attempt,
		Revision:   r.inst.Revision,
		Data:       data,
	})
	r.o.metrics.EventsPublished.Inc()

	if err := r.o.store.SaveInstance(context.Background(), *r.inst); err != nil {
		r.o.logger.Error("failed to persist instance transition",
			"instance_id", r.inst.ID, "revision", r.inst.Revision, "error", err)
	}
}
