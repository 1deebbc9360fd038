package types

// NodeType enumerates the closed set of node capabilities.
type NodeType string

const (
	NodeAction   NodeType = "action"
	NodeDecision NodeType = "decision"
	NodeApproval NodeType = "approval"
	NodeDelay    NodeType = "delay"
	NodeLoop     NodeType = "loop"
)

// NodeStatus enumerates the per-node execution states.
type NodeStatus string

const (
	StatusPending         NodeStatus = "pending"
	StatusReady           NodeStatus = "ready"
	StatusRunning         NodeStatus = "running"
	StatusCompleted       NodeStatus = "completed"
	StatusFailed          NodeStatus = "failed"
	StatusWaitingApproval NodeStatus = "waiting_approval"
	StatusSkipped         NodeStatus = "skipped"
	StatusRetrying        NodeStatus = "retrying"
)

// Terminal reports whether the status is a final per-node state.
func (s NodeStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// InstanceStatus enumerates the execution instance states.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the instance has reached a final state.
// A terminal instance is immutable.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// Definition describes a workflow graph. Definitions are authored by the
// external graph editor and frozen at trigger time: once an Instance
// references a definition, that copy is never mutated.
type Definition struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name" yaml:"name"`
	Version     int                    `json:"version" yaml:"version"`
	Start       string                 `json:"start" yaml:"start"`
	Concurrency int                    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	TimeoutSec  int                    `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
	Nodes       []Node                 `json:"nodes" yaml:"nodes"`
	Edges       []Edge                 `json:"edges" yaml:"edges"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Node is one step in a workflow graph. Action nodes name a handler
// kind; decision, approval, delay and loop nodes are driven by their
// type alone.
type Node struct {
	ID           string                 `json:"id" yaml:"id"`
	Name         string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Type         NodeType               `json:"type" yaml:"type"`
	Handler      string                 `json:"handler,omitempty" yaml:"handler,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Inputs       []string               `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs      []string               `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Terminal     bool                   `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	MaxAttempts  int                    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	RetryDelayMS int                    `json:"retry_delay_ms,omitempty" yaml:"retry_delay_ms,omitempty"`
	TimeoutSec   int                    `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
	Loop         *LoopConfig            `json:"loop,omitempty" yaml:"loop,omitempty"`
	Compensation *Compensation          `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	// Confidence is advisory metadata from the authoring tool. It never
	// gates scheduling.
	Confidence float64                `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// LoopConfig bounds a loop node. The loop re-enters its body while the
// iteration count stays below MaxIterations and While (when set)
// evaluates true.
type LoopConfig struct {
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations"`
	While         string `json:"while,omitempty" yaml:"while,omitempty"`
}

// Compensation names the handler invoked for this node during rollback.
type Compensation struct {
	Handler string                 `json:"handler" yaml:"handler"`
	Config  map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge connects two nodes. Edges leaving a decision or loop node carry a
// branch label; exactly one of them is the default/fallback edge.
type Edge struct {
	From    string `json:"from" yaml:"from"`
	To      string `json:"to" yaml:"to"`
	Branch  string `json:"branch,omitempty" yaml:"branch,omitempty"`
	Default bool   `json:"default,omitempty" yaml:"default,omitempty"`
}

// DefaultBranch is the branch value recorded when a decision selects its
// default/fallback edge.
const DefaultBranch = "default"

// LoopBodyBranch labels the edge a loop node follows into its body.
const LoopBodyBranch = "body"

// NodeRecord is the execution record of one node within an instance.
type NodeRecord struct {
	NodeID           string                 `json:"node_id"`
	Status           NodeStatus             `json:"status"`
	Attempts         int                    `json:"attempts"`
	StartedAt        int64                  `json:"started_at,omitempty"`
	EndedAt          int64                  `json:"ended_at,omitempty"`
	Input            map[string]interface{} `json:"input,omitempty"`
	Output           map[string]interface{} `json:"output,omitempty"`
	Error            string                 `json:"error,omitempty"`
	Branch           string                 `json:"branch,omitempty"`
	Iterations       int                    `json:"iterations,omitempty"`
	ApprovalID       string                 `json:"approval_id,omitempty"`
	ApprovalDeadline int64                  `json:"approval_deadline,omitempty"`
}

// Instance is one run of a Definition. It is mutated exclusively by the
// orchestrator's run loop (and, indirectly, by approval resolutions
// routed through it) and becomes immutable once Status is terminal.
type Instance struct {
	ID                uint64                 `json:"id"`
	DefinitionID      string                 `json:"definition_id"`
	DefinitionVersion int                    `json:"definition_version"`
	Status            InstanceStatus         `json:"status"`
	Revision          uint64                 `json:"revision"`
	Records           map[string]*NodeRecord `json:"records"`
	CompletionOrder   []string               `json:"completion_order,omitempty"`
	Context           map[string]interface{} `json:"context,omitempty"`
	Error             string                 `json:"error,omitempty"`
	FailedNode        string                 `json:"failed_node,omitempty"`
	CreatedAt         int64                  `json:"created_at"`
	UpdatedAt         int64                  `json:"updated_at"`
	EndedAt           int64                  `json:"ended_at,omitempty"`
}

// Record returns the record for a node id, or nil.
func (in *Instance) Record(nodeID string) *NodeRecord {
	if in == nil {
		return nil
	}
	return in.Records[nodeID]
}

// Clone returns a deep copy of the instance, safe to hand to observers
// while the run loop keeps mutating the original.
func (in *Instance) Clone() *Instance {
	if in == nil {
		return nil
	}
	cp := *in
	cp.Records = make(map[string]*NodeRecord, len(in.Records))
	for id, rec := range in.Records {
		r := *rec
		r.Input = CloneMap(rec.Input)
		r.Output = CloneMap(rec.Output)
		cp.Records[id] = &r
	}
	cp.CompletionOrder = append([]string(nil), in.CompletionOrder...)
	cp.Context = CloneMap(in.Context)
	return &cp
}

// ApprovalDecision is the outcome of an approval request.
type ApprovalDecision string

const (
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
	ApprovalTimeout  ApprovalDecision = "timeout"
)

// ApprovalRequest is owned by exactly one node record in
// waiting_approval. Resolution stays empty while the request is pending.
type ApprovalRequest struct {
	ID         string           `json:"id"`
	InstanceID uint64           `json:"instance_id"`
	NodeID     string           `json:"node_id"`
	Deadline   int64            `json:"deadline"`
	CreatedAt  int64            `json:"created_at"`
	Resolution ApprovalDecision `json:"resolution,omitempty"`
	Comment    string           `json:"comment,omitempty"`
	ResolvedAt int64            `json:"resolved_at,omitempty"`
}

// CloneMap deep-copies a context/output map. Nested maps and slices are
// copied; other values are shared (they are treated as immutable).
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	cp := make(map[string]interface{}, len(m))
	for k, v := range m {
		cp[k] = cloneValue(v)
	}
	return cp
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneMap(t)
	case []interface{}:
		cp := make([]interface{}, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}
