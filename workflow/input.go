package workflow

import (
	"dario.cat/mergo"

	"github.com/flowstate-io/flowstate/handlers"
	"github.com/flowstate-io/flowstate/types"
)

// assembleInput builds the input map for one node dispatch. Completed
// upstream outputs merge in completion order, so a later-finishing
// parent wins on key conflicts; the full per-node view stays available
// under "nodes" and the trigger payload under "trigger".
func (r *run) assembleInput(n types.Node) map[string]interface{} {
	input := make(map[string]interface{})
	if len(r.inst.Context) > 0 {
		input["trigger"] = types.CloneMap(r.inst.Context)
	}

	parents := make(map[string]types.Node)
	for _, e := range r.g.Incoming(n.ID) {
		if p, ok := r.g.Node(e.From); ok {
			parents[e.From] = p
		}
	}

	byNode := make(map[string]interface{})
	for _, id := range r.inst.CompletionOrder {
		parent, ok := parents[id]
		if !ok {
			continue
		}
		rec := r.inst.Records[id]
		if rec.Status != types.StatusCompleted || rec.Output == nil {
			continue
		}
		ports := types.CloneMap(rec.Output)
		if len(parent.Outputs) > 0 {
			ports = filterKeys(ports, parent.Outputs)
		}
		byNode[id] = ports
		if err := mergo.Merge(&input, ports, mergo.WithOverride); err != nil {
			r.o.logger.Warn("failed to merge upstream output",
				"instance_id", r.inst.ID, "node_id", n.ID, "from", id, "error", err)
		}
	}
	if len(byNode) > 0 {
		input["nodes"] = byNode
	}

	if n.Type == types.NodeLoop {
		input[handlers.InputIteration] = r.inst.Records[n.ID].Iterations
	}

	if len(n.Inputs) > 0 {
		keep := append([]string{"trigger", "nodes", handlers.InputIteration}, n.Inputs...)
		input = filterKeys(input, keep)
	}
	return input
}

func filterKeys(m map[string]interface{}, keys []string) map[string]interface{} {
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}
