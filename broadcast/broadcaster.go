// Package broadcast publishes ordered per-instance status transition
// events to live subscribers. A new subscriber first receives a full
// snapshot of the instance, then only the live tail. Delivery is
// at-least-once: consumers must treat a repeated (node_id, status,
// attempt) tuple as a no-op.
package broadcast

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/flowstate-io/flowstate/types"
)

// EventType names a transition event on the monitoring channel.
type EventType string

const (
	EventSnapshot          EventType = "snapshot"
	EventNodeStarted       EventType = "node_started"
	EventNodeCompleted     EventType = "node_completed"
	EventNodeFailed        EventType = "node_failed"
	EventNodeSkipped       EventType = "node_skipped"
	EventNodeRetrying      EventType = "node_retrying"
	EventApprovalRequested EventType = "approval_requested"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
)

// Event is one entry in an instance's monitoring stream. Seq increases
// monotonically per instance; Revision is the instance revision at the
// time of the transition, letting subscribers detect missed updates.
type Event struct {
	Seq        uint64                 `json:"seq"`
	Type       EventType              `json:"type"`
	InstanceID uint64                 `json:"instance_id"`
	NodeID     string                 `json:"node_id,omitempty"`
	Status     types.NodeStatus       `json:"status,omitempty"`
	Attempt    int                    `json:"attempt,omitempty"`
	Revision   uint64                 `json:"revision"`
	At         int64                  `json:"at"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Snapshot   *types.Instance        `json:"snapshot,omitempty"`
}

type subscriber struct {
	ch     chan Event
	lagged bool
}

type stream struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[int]*subscriber
	nextSub int
	closed  bool
}

// Broadcaster fans transition events out to subscribers, one ordered
// stream per execution instance.
type Broadcaster struct {
	mu      sync.RWMutex
	streams map[uint64]*stream
	logger  hclog.Logger
	buffer  int
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(size int) Option {
	return func(b *Broadcaster) {
		if size > 0 {
			b.buffer = size
		}
	}
}

// WithLogger sets the broadcaster logger.
func WithLogger(logger hclog.Logger) Option {
	return func(b *Broadcaster) { b.logger = logger }
}

// New returns a Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		streams: make(map[uint64]*stream),
		logger:  hclog.NewNullLogger(),
		buffer:  256,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) stream(instanceID uint64) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[instanceID]
	if !ok {
		s = &stream{subs: make(map[int]*subscriber)}
		b.streams[instanceID] = s
	}
	return s
}

// Publish appends an event to the instance stream and fans it out.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event and is marked lagged; it can detect the gap from the revision
// counter and resubscribe for a fresh snapshot.
func (b *Broadcaster) Publish(ev Event) {
	s := b.stream(ev.InstanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seq++
	ev.Seq = s.seq
	if ev.At == 0 {
		ev.At = time.Now().UnixMilli()
	}
	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			if !sub.lagged {
				sub.lagged = true
				b.logger.Warn("subscriber lagging, dropping events",
					"instance_id", ev.InstanceID, "subscriber", id)
			}
		}
	}
}

// Attach registers a subscriber and delivers the snapshot as its first
// event, atomically with respect to Publish: no transition published
// after the snapshot was taken can be missed, and none included in the
// snapshot is replayed (beyond the at-least-once contract).
//
// The caller must pass a snapshot consistent with the stream head; the
// orchestrator guarantees that by attaching from inside its run loop.
func (b *Broadcaster) Attach(instanceID uint64, snapshot *types.Instance) (<-chan Event, func()) {
	s := b.stream(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, b.buffer)
	s.seq++
	snapEv := Event{
		Seq:        s.seq,
		Type:       EventSnapshot,
		InstanceID: instanceID,
		Revision:   snapshot.Revision,
		At:         time.Now().UnixMilli(),
		Snapshot:   snapshot,
	}
	ch <- snapEv

	if s.closed || snapshot.Status.Terminal() {
		// Terminal instance: snapshot is all there will ever be.
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = &subscriber{ch: ch}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// Close seals an instance stream after its terminal event: subscriber
// channels are closed and later Attach calls receive snapshot-only
// streams.
func (b *Broadcaster) Close(instanceID uint64) {
	b.mu.RLock()
	s, ok := b.streams[instanceID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
}

// Stop closes every stream.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.streams))
	for id := range b.streams {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Close(id)
	}
}
