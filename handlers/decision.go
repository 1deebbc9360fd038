package handlers

import (
	"context"
	"fmt"

	"github.com/flowstate-io/flowstate/rules"
	"github.com/flowstate-io/flowstate/types"
)

// KindDecision selects a branch label from the input context. It is a
// pure function: no side effects, no access to other nodes' state.
const KindDecision = "decision"

type decisionConfig struct {
	Rules []decisionRule `mapstructure:"rules"`
}

type decisionRule struct {
	Branch string `mapstructure:"branch"`
	When   string `mapstructure:"when"`
}

// DecisionHandler evaluates the node's ordered rules against the input
// context; the first rule whose condition holds selects its branch. No
// match selects the default edge (empty Branch in the result).
type DecisionHandler struct {
	eval rules.Evaluator
}

func NewDecisionHandler(eval rules.Evaluator) *DecisionHandler {
	return &DecisionHandler{eval: eval}
}

func (h *DecisionHandler) Kind() string { return KindDecision }

func (h *DecisionHandler) Execute(ctx context.Context, node types.Node, input map[string]interface{}) (*Result, error) {
	var cfg decisionConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Rules) == 0 {
		return nil, fmt.Errorf("decision node %s: no rules configured", node.ID)
	}

	for _, rule := range cfg.Rules {
		match, err := h.eval.Evaluate(rule.When, input)
		if err != nil {
			return nil, fmt.Errorf("evaluating %q for branch %q: %w", rule.When, rule.Branch, err)
		}
		if match {
			return &Result{
				Branch: rule.Branch,
				Output: map[string]interface{}{"branch": rule.Branch},
			}, nil
		}
	}
	return &Result{Output: map[string]interface{}{"branch": types.DefaultBranch}}, nil
}
