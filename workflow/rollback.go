package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowstate-io/flowstate/graph"
	"github.com/flowstate-io/flowstate/storage"
	"github.com/flowstate-io/flowstate/types"
)

// RollbackStep records one compensation invocation.
type RollbackStep struct {
	NodeID  string `json:"node_id"`
	Handler string `json:"handler"`
	Error   string `json:"error,omitempty"`
	At      int64  `json:"at"`
}

// RollbackReport summarizes a compensation pass. Compensation is best
// effort: failed steps are recorded and the pass continues.
type RollbackReport struct {
	InstanceID uint64         `json:"instance_id"`
	Steps      []RollbackStep `json:"steps"`
}

// Failed reports whether any compensation step errored.
func (r *RollbackReport) Failed() bool {
	for _, s := range r.Steps {
		if s.Error != "" {
			return true
		}
	}
	return false
}

// Rollback compensates an instance's completed work in reverse
// completion order. A running instance is first cancelled, then
// compensated by its own run loop; a failed instance is compensated
// synchronously without mutating its stored record. Completed and
// cancelled instances are not eligible.
func (o *Orchestrator) Rollback(ctx context.Context, id uint64) (*RollbackReport, error) {
	if r, ok := o.liveRun(id); ok {
		reply := make(chan rollbackResult, 1)
		if r.send(runEvent{kind: evRollback, rollbackReply: reply}) {
			select {
			case res := <-reply:
				if res.err == nil || !errors.Is(res.err, ErrInstanceTerminal) {
					return res.report, res.err
				}
				// The request raced the finalize; fall through to the
				// stored snapshot path.
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
	if inst.Status != types.InstanceFailed {
		return nil, fmt.Errorf("%w: instance %d is %s", ErrRollbackNotAllowed, id, inst.Status)
	}
	def, err := o.getDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	return o.compensate(ctx, &def, graph.Build(&def), &inst), nil
}

// compensate walks the completion order backwards and invokes each
// completed node's compensation handler. Loop iterations re-complete the
// same node; only the final completion is compensated.
func (o *Orchestrator) compensate(ctx context.Context, def *types.Definition, g *graph.Graph, inst *types.Instance) *RollbackReport {
	report := &RollbackReport{InstanceID: inst.ID}

	seen := make(map[string]bool, len(inst.CompletionOrder))
	for i := len(inst.CompletionOrder) - 1; i >= 0; i-- {
		nodeID := inst.CompletionOrder[i]
		if seen[nodeID] {
			continue
		}
		seen[nodeID] = true

		n, ok := g.Node(nodeID)
		if !ok || n.Compensation == nil {
			continue
		}
		rec := inst.Records[nodeID]
		if rec == nil || rec.Status != types.StatusCompleted {
			continue
		}

		step := RollbackStep{
			NodeID:  nodeID,
			Handler: n.Compensation.Handler,
			At:      time.Now().UnixMilli(),
		}
		comp := types.Node{
			ID:         nodeID + ":compensate",
			Name:       n.Name + " (compensation)",
			Type:       types.NodeAction,
			Handler:    n.Compensation.Handler,
			Config:     n.Compensation.Config,
			TimeoutSec: n.TimeoutSec,
		}
		input := map[string]interface{}{
			"input":  types.CloneMap(rec.Input),
			"output": types.CloneMap(rec.Output),
		}
		if _, err := o.executor.Run(ctx, comp, input); err != nil {
			step.Error = err.Error()
			o.logger.Warn("compensation step failed",
				"instance_id", inst.ID, "node_id", nodeID,
				"handler", comp.Handler, "error", err)
		} else {
			o.logger.Info("compensation step completed",
				"instance_id", inst.ID, "node_id", nodeID, "handler", comp.Handler)
		}
		report.Steps = append(report.Steps, step)
	}
	return report
}
