package handlers

import (
	"context"
	"fmt"

	"github.com/flowstate-io/flowstate/rules"
	"github.com/flowstate-io/flowstate/types"
)

// KindLoop drives a bounded loop construct. The orchestrator injects the
// completed-iteration count under InputIteration before each dispatch.
const KindLoop = "loop"

// InputIteration is the input key carrying the loop's iteration counter.
const InputIteration = "iteration"

// LoopHandler decides whether the loop re-enters its body or exits. It
// returns the body branch while the iteration count stays below the
// configured bound and the optional while-guard holds; otherwise the
// default (exit) edge.
type LoopHandler struct {
	eval rules.Evaluator
}

func NewLoopHandler(eval rules.Evaluator) *LoopHandler { return &LoopHandler{eval: eval} }

func (h *LoopHandler) Kind() string { return KindLoop }

func (h *LoopHandler) Execute(ctx context.Context, node types.Node, input map[string]interface{}) (*Result, error) {
	if node.Loop == nil {
		return nil, fmt.Errorf("loop node %s: missing loop configuration", node.ID)
	}
	iteration, _ := input[InputIteration].(int)

	out := map[string]interface{}{"iteration": iteration}
	if iteration >= node.Loop.MaxIterations {
		return &Result{Output: out}, nil
	}
	if node.Loop.While != "" {
		cont, err := h.eval.Evaluate(node.Loop.While, input)
		if err != nil {
			return nil, fmt.Errorf("evaluating loop guard %q: %w", node.Loop.While, err)
		}
		if !cont {
			return &Result{Output: out}, nil
		}
	}
	out["iteration"] = iteration + 1
	return &Result{Branch: types.LoopBodyBranch, Output: out}, nil
}
