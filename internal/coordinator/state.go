package coordinator

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DrainStatus is the lifecycle of one in-flight node drain.
//
// Pending → Draining → {Drained | Failed | Expired}
//
// There are no transitions out of a terminal status.
type DrainStatus string

const (
	StatusPending  DrainStatus = "Pending"
	StatusDraining DrainStatus = "Draining"
	StatusDrained  DrainStatus = "Drained"
	StatusFailed   DrainStatus = "Failed"
	StatusExpired  DrainStatus = "Expired"
)

// Terminal returns true once no further transition is allowed.
func (s DrainStatus) Terminal() bool {
	return s == StatusDrained || s == StatusFailed || s == StatusExpired
}

var allowedTransitions = map[DrainStatus][]DrainStatus{
	StatusPending:  {StatusDraining},
	StatusDraining: {StatusDrained, StatusFailed, StatusExpired},
}

// PodsRemainingUnknown is the pods_remaining value before the first drain
// attempt has enumerated the node's workloads.
const PodsRemainingUnknown = -1

// A NodeDrainState tracks one termination notice from receipt to
// acknowledgment. It is mutated by the drain task that owns it and read by
// the heartbeat extender, hence the mutex.
type NodeDrainState struct {
	instanceID string
	nodeName   string
	startedAt  time.Time

	// extendMu serializes heartbeat extensions: the drain loop and the
	// background extender may both try to extend at the same moment, and the
	// extension budget must hold across them.
	extendMu sync.Mutex

	mu            sync.Mutex
	status        DrainStatus
	deadline      time.Time
	podsRemaining int
	extensions    int
}

func newNodeDrainState(instanceID, nodeName string, startedAt, deadline time.Time) *NodeDrainState {
	return &NodeDrainState{
		instanceID:    instanceID,
		nodeName:      nodeName,
		startedAt:     startedAt,
		status:        StatusPending,
		deadline:      deadline,
		podsRemaining: PodsRemainingUnknown,
	}
}

func (s *NodeDrainState) InstanceID() string { return s.instanceID }
func (s *NodeDrainState) NodeName() string   { return s.nodeName }
func (s *NodeDrainState) StartedAt() time.Time { return s.startedAt }

func (s *NodeDrainState) Status() DrainStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *NodeDrainState) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

func (s *NodeDrainState) Extensions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extensions
}

func (s *NodeDrainState) PodsRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.podsRemaining
}

func (s *NodeDrainState) setPodsRemaining(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.podsRemaining = n
}

// transitionTo moves the state machine. Returns an error for transitions the
// machine does not allow, including any transition out of a terminal status.
func (s *NodeDrainState) transitionTo(next DrainStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range allowedTransitions[s.status] {
		if next == allowed {
			s.status = next
			return nil
		}
	}
	return errors.Errorf("invalid drain state transition %s -> %s for instance %s", s.status, next, s.instanceID)
}

// extend pushes the deadline out by one lease duration and returns the new
// extension count and deadline. Callers enforce the extension bound.
func (s *NodeDrainState) extend(lease time.Duration) (int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extensions++
	s.deadline = s.deadline.Add(lease)
	return s.extensions, s.deadline
}

// registry holds the in-flight drain states keyed by instance id. The lock
// only guards map access; drain work never runs under it, so one node's
// drain cannot block another's.
type registry struct {
	mu sync.Mutex
	m  map[string]*NodeDrainState
}

func newRegistry() *registry {
	return &registry{m: map[string]*NodeDrainState{}}
}

// add registers the state unless an entry for the same instance already
// exists. Returns false on duplicates.
func (r *registry) add(st *NodeDrainState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[st.instanceID]; ok {
		return false
	}
	r.m[st.instanceID] = st
	return true
}

func (r *registry) get(instanceID string) (*NodeDrainState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.m[instanceID]
	return st, ok
}

func (r *registry) remove(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, instanceID)
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
