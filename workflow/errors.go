package workflow

import (
	"errors"
	"fmt"
)

// Standard error definitions
var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInstanceNotFound   = errors.New("execution instance not found")
	ErrInstanceTerminal   = errors.New("execution instance already terminal")
	ErrInstanceActive     = errors.New("execution instance is still running")
	ErrRollbackNotAllowed = errors.New("rollback requires a failed or running instance")
	ErrEngineClosed       = errors.New("orchestrator is closed")
)

// InvariantError reports an internal orchestrator defect, such as a node
// dispatched twice. It is fatal to the instance and always logged; it is
// never silently ignored.
type InvariantError struct {
	InstanceID uint64
	NodeID     string
	Reason     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("orchestrator invariant violated on instance %d node %q: %s", e.InstanceID, e.NodeID, e.Reason)
}
