package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/flowstate-io/flowstate/types"
)

// Issue is one validation finding.
type Issue struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Nodes   []string `json:"nodes,omitempty"`
}

// Report collects validation findings. Errors block instance creation;
// warnings do not.
type Report struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Fatal reports whether the definition must be rejected.
func (r *Report) Fatal() bool { return len(r.Errors) > 0 }

// Err returns a ValidationError when the report is fatal, nil otherwise.
func (r *Report) Err() error {
	if !r.Fatal() {
		return nil
	}
	return &ValidationError{Report: r}
}

func (r *Report) errorf(code string, nodes []string, format string, args ...interface{}) {
	r.Errors = append(r.Errors, Issue{Code: code, Message: fmt.Sprintf(format, args...), Nodes: nodes})
}

func (r *Report) warnf(code string, nodes []string, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, Issue{Code: code, Message: fmt.Sprintf(format, args...), Nodes: nodes})
}

// ValidationError carries a fatal validation report.
type ValidationError struct {
	Report *Report
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Report.Errors))
	for _, iss := range e.Report.Errors {
		msgs = append(msgs, iss.Message)
	}
	return fmt.Sprintf("invalid workflow definition: %s", strings.Join(msgs, "; "))
}

// decisionRules is the typed shape of a decision node's config.
type decisionRules struct {
	Rules []struct {
		Branch string `mapstructure:"branch"`
		When   string `mapstructure:"when"`
	} `mapstructure:"rules"`
}

// requiredConfig lists the config keys each built-in action handler kind
// needs. Unknown kinds pass validation; the registry rejects them at
// dispatch time.
var requiredConfig = map[string][]string{
	"shell":      {"command"},
	"http":       {"url"},
	"llm-prompt": {"prompt"},
}

// Validate runs the static checks of the validation engine. It never
// mutates the definition. A fatal report means no ExecutionInstance may
// be created from this definition.
func Validate(def *types.Definition) *Report {
	rep := &Report{}

	ids := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			rep.errorf("empty-node-id", nil, "node with empty id")
			continue
		}
		if ids[n.ID] {
			rep.errorf("duplicate-node-id", []string{n.ID}, "duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
	}

	if def.Start == "" {
		rep.errorf("missing-start", nil, "definition declares no start node")
	} else if !ids[def.Start] {
		rep.errorf("unknown-start", []string{def.Start}, "start node %q does not exist", def.Start)
	}

	for _, e := range def.Edges {
		if !ids[e.From] {
			rep.errorf("unknown-edge-source", []string{e.From}, "edge %s->%s references unknown source node", e.From, e.To)
		}
		if !ids[e.To] {
			rep.errorf("unknown-edge-target", []string{e.To}, "edge %s->%s references unknown target node", e.From, e.To)
		}
	}

	// Structural checks below need the adjacency view; bail out first if
	// the id space itself is broken.
	if rep.Fatal() {
		return rep
	}

	g := Build(def)

	for _, n := range def.Nodes {
		switch n.Type {
		case types.NodeAction:
			validateAction(rep, n)
		case types.NodeDecision:
			validateDecision(rep, g, n)
		case types.NodeApproval:
			// Deadline and timeout policy have defaults; nothing required.
		case types.NodeDelay:
			if _, ok := n.Config["duration_ms"]; !ok {
				rep.errorf("missing-config", []string{n.ID}, "delay node %q requires config key %q", n.ID, "duration_ms")
			}
		case types.NodeLoop:
			validateLoop(rep, g, n)
		default:
			rep.errorf("unknown-node-type", []string{n.ID}, "node %q has unknown type %q", n.ID, n.Type)
		}
	}

	checkCycles(rep, g)

	reach := g.Reachable()
	var unreachable []string
	for _, n := range def.Nodes {
		if !reach[n.ID] {
			unreachable = append(unreachable, n.ID)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		rep.errorf("unreachable-nodes", unreachable, "nodes not reachable from start %q: %s", def.Start, strings.Join(unreachable, ", "))
	}

	for _, n := range def.Nodes {
		if len(g.Outgoing(n.ID)) == 0 && !n.Terminal {
			rep.warnf("dangling-node", []string{n.ID}, "node %q has no outgoing edge and is not declared terminal", n.ID)
		}
	}
	checkUnusedOutputs(rep, g)

	return rep
}

func validateAction(rep *Report, n types.Node) {
	if n.Handler == "" {
		rep.errorf("missing-handler", []string{n.ID}, "action node %q declares no handler kind", n.ID)
		return
	}
	for _, key := range requiredConfig[n.Handler] {
		if _, ok := n.Config[key]; !ok {
			rep.errorf("missing-config", []string{n.ID}, "%s node %q requires config key %q", n.Handler, n.ID, key)
		}
	}
}

func validateDecision(rep *Report, g *Graph, n types.Node) {
	out := g.Outgoing(n.ID)
	if len(out) == 0 {
		rep.errorf("decision-no-edges", []string{n.ID}, "decision node %q has no outgoing edges", n.ID)
		return
	}
	defaults := 0
	branches := make(map[string]bool)
	for _, e := range out {
		if e.Default {
			defaults++
			continue
		}
		if e.Branch == "" {
			rep.errorf("decision-unlabelled-edge", []string{n.ID}, "decision node %q has a non-default edge without a branch label", n.ID)
			continue
		}
		if branches[e.Branch] {
			rep.errorf("decision-duplicate-branch", []string{n.ID}, "decision node %q has duplicate branch label %q", n.ID, e.Branch)
		}
		branches[e.Branch] = true
	}
	if defaults != 1 {
		rep.errorf("decision-default-edge", []string{n.ID}, "decision node %q must have exactly one default edge, found %d", n.ID, defaults)
	}

	var rules decisionRules
	if err := mapstructure.Decode(n.Config, &rules); err != nil || len(rules.Rules) == 0 {
		rep.errorf("missing-config", []string{n.ID}, "decision node %q requires config key %q with at least one {branch, when} rule", n.ID, "rules")
		return
	}
	for _, rule := range rules.Rules {
		if rule.When == "" {
			rep.errorf("decision-empty-rule", []string{n.ID}, "decision node %q has a rule for branch %q with an empty condition", n.ID, rule.Branch)
		}
		if !branches[rule.Branch] {
			rep.errorf("decision-unknown-branch", []string{n.ID}, "decision node %q rule selects branch %q but no edge carries that label", n.ID, rule.Branch)
		}
	}
	ruled := make(map[string]bool)
	for _, rule := range rules.Rules {
		ruled[rule.Branch] = true
	}
	for b := range branches {
		if !ruled[b] {
			rep.warnf("decision-unselectable-branch", []string{n.ID}, "decision node %q edge branch %q has no selecting rule", n.ID, b)
		}
	}
}

func validateLoop(rep *Report, g *Graph, n types.Node) {
	if n.Loop == nil || n.Loop.MaxIterations < 1 {
		rep.errorf("missing-config", []string{n.ID}, "loop node %q requires loop.max_iterations >= 1", n.ID)
	}
	body, exits := 0, 0
	for _, e := range g.Outgoing(n.ID) {
		switch {
		case e.Branch == types.LoopBodyBranch:
			body++
		case e.Default:
			exits++
		default:
			rep.errorf("loop-edge", []string{n.ID}, "loop node %q edge to %q must be the %q branch or the default exit", n.ID, e.To, types.LoopBodyBranch)
		}
	}
	if body != 1 {
		rep.errorf("loop-body-edge", []string{n.ID}, "loop node %q must have exactly one %q edge, found %d", n.ID, types.LoopBodyBranch, body)
	}
	if exits != 1 {
		rep.errorf("loop-exit-edge", []string{n.ID}, "loop node %q must have exactly one default exit edge, found %d", n.ID, exits)
	}
	if body == 1 && len(g.LoopBody(n.ID)) == 0 {
		rep.warnf("loop-open-body", []string{n.ID}, "loop node %q body never returns to the loop head", n.ID)
	}
}

// checkCycles runs an iterative DFS over the whole graph and reports any
// cycle that is not closed by a declared loop's back edge, naming the
// nodes involved.
func checkCycles(rep *Report, g *Graph) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	onStack := []string{}
	index := make(map[string]int)

	type frame struct {
		id   string
		next int
	}

	for _, start := range g.Nodes() {
		if color[start.ID] != white {
			continue
		}
		stack := []frame{{id: start.ID}}
		color[start.ID] = gray
		index[start.ID] = len(onStack)
		onStack = append(onStack, start.ID)

		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			out := g.Outgoing(f.id)
			if f.next < len(out) {
				e := out[f.next]
				f.next++
				if g.IsBackEdge(e) {
					continue // declared loop closure
				}
				switch color[e.To] {
				case white:
					color[e.To] = gray
					index[e.To] = len(onStack)
					onStack = append(onStack, e.To)
					stack = append(stack, frame{id: e.To})
				case gray:
					cycle := append([]string(nil), onStack[index[e.To]:]...)
					rep.errorf("undeclared-cycle", cycle, "cycle without a loop construct: %s -> %s", strings.Join(cycle, " -> "), e.To)
				}
			} else {
				color[f.id] = black
				onStack = onStack[:len(onStack)-1]
				stack = stack[:len(stack)-1]
			}
		}
	}
}

// checkUnusedOutputs warns about declared output ports no downstream
// node lists as an input. Only meaningful when the consumer side
// declares its ports at all.
func checkUnusedOutputs(rep *Report, g *Graph) {
	consumed := make(map[string]bool)
	declaringConsumers := false
	for _, n := range g.Nodes() {
		if len(n.Inputs) > 0 {
			declaringConsumers = true
		}
		for _, p := range n.Inputs {
			consumed[p] = true
		}
	}
	if !declaringConsumers {
		return
	}
	for _, n := range g.Nodes() {
		for _, p := range n.Outputs {
			if !consumed[p] {
				rep.warnf("unused-output", []string{n.ID}, "node %q output port %q is never consumed", n.ID, p)
			}
		}
	}
}
