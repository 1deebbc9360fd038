// Package approval suspends workflow branches pending an external human
// decision or a deadline expiry.
package approval

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/flowstate-io/flowstate/types"
)

var (
	// ErrRequestNotFound indicates the request id is unknown or already
	// resolved.
	ErrRequestNotFound = errors.New("approval request not found")
	// ErrInvalidDecision indicates an external resolution that is neither
	// approved nor rejected.
	ErrInvalidDecision = errors.New("invalid approval decision")
)

// ResolutionFunc receives every terminal request exactly once: external
// resolutions and deadline expiries alike. The orchestrator binds this
// to route resolutions into the owning run loop.
type ResolutionFunc func(req types.ApprovalRequest)

type pending struct {
	req   types.ApprovalRequest
	timer *time.Timer
}

// Manager owns all pending approval requests. A request leaves the
// pending set exactly once, through Resolve or its deadline timer;
// whichever fires first wins.
type Manager struct {
	mu         sync.Mutex
	pending    map[string]*pending
	onResolved ResolutionFunc
	logger     hclog.Logger
	now        func() time.Time
	stopped    bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger hclog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a manager delivering resolutions to onResolved.
func NewManager(onResolved ResolutionFunc, opts ...Option) *Manager {
	m := &Manager{
		pending:    make(map[string]*pending),
		onResolved: onResolved,
		logger:     hclog.NewNullLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register creates a pending request with a deadline. The deadline timer
// never fires strictly before the deadline.
func (m *Manager) Register(instanceID uint64, nodeID string, deadline time.Time) (types.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return types.ApprovalRequest{}, errors.New("approval manager is stopped")
	}

	req := types.ApprovalRequest{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		NodeID:     nodeID,
		Deadline:   deadline.UnixMilli(),
		CreatedAt:  m.now().UnixMilli(),
	}
	p := &pending{req: req}
	p.timer = time.AfterFunc(time.Until(deadline), func() { m.expire(req.ID) })
	m.pending[req.ID] = p

	m.logger.Debug("approval request registered",
		"request_id", req.ID,
		"instance_id", instanceID,
		"node_id", nodeID,
		"deadline", deadline,
	)
	return req, nil
}

// Resolve applies an external decision to a pending request.
func (m *Manager) Resolve(requestID string, decision types.ApprovalDecision, comment string) (types.ApprovalRequest, error) {
	if decision != types.ApprovalApproved && decision != types.ApprovalRejected {
		return types.ApprovalRequest{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	m.mu.Lock()
	p, ok := m.pending[requestID]
	if !ok {
		m.mu.Unlock()
		return types.ApprovalRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	delete(m.pending, requestID)
	p.timer.Stop()
	p.req.Resolution = decision
	p.req.Comment = comment
	p.req.ResolvedAt = m.now().UnixMilli()
	req := p.req
	m.mu.Unlock()

	m.logger.Info("approval resolved",
		"request_id", req.ID,
		"instance_id", req.InstanceID,
		"node_id", req.NodeID,
		"decision", decision,
	)
	if m.onResolved != nil {
		m.onResolved(req)
	}
	return req, nil
}

// expire auto-resolves a request whose deadline passed without an
// external decision. The resolution records "timeout"; what that means
// for the node (approve or reject) is the orchestrator's policy call.
func (m *Manager) expire(requestID string) {
	m.mu.Lock()
	p, ok := m.pending[requestID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pending, requestID)
	p.req.Resolution = types.ApprovalTimeout
	p.req.Comment = "deadline expired"
	p.req.ResolvedAt = m.now().UnixMilli()
	req := p.req
	m.mu.Unlock()

	m.logger.Info("approval deadline expired",
		"request_id", req.ID,
		"instance_id", req.InstanceID,
		"node_id", req.NodeID,
	)
	if m.onResolved != nil {
		m.onResolved(req)
	}
}

// Get returns a pending request by id.
func (m *Manager) Get(requestID string) (types.ApprovalRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[requestID]
	if !ok {
		return types.ApprovalRequest{}, false
	}
	return p.req, true
}

// Pending lists all pending requests.
func (m *Manager) Pending() []types.ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqs := make([]types.ApprovalRequest, 0, len(m.pending))
	for _, p := range m.pending {
		reqs = append(reqs, p.req)
	}
	return reqs
}

// CancelInstance drops every pending request of an instance without
// delivering a resolution. Used when the instance is cancelled or
// finalized.
func (m *Manager) CancelInstance(instanceID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pending {
		if p.req.InstanceID == instanceID {
			p.timer.Stop()
			delete(m.pending, id)
		}
	}
}

// Stop drops all pending requests and stops their timers.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, id)
	}
}
