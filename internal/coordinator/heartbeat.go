package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/nebari-dev/asg-node-drainer/internal/lifecycle"
)

// minHeartbeatInterval keeps the extender from hammering the lifecycle API
// when a deadline is nearly exhausted.
const minHeartbeatInterval = 5 * time.Second

// A Heartbeater extends a pending lifecycle action by one heartbeat period.
type Heartbeater interface {
	Heartbeat(ctx context.Context, ref lifecycle.ActionRef) error
}

// A HeartbeatExtender requests additional grace time for a drain that is
// still making progress. It never grants more than maxExtensions extensions
// per drain, bounding the total grace time to lease × (1 + maxExtensions).
type HeartbeatExtender struct {
	heartbeater   Heartbeater
	clock         clock.Clock
	lease         time.Duration
	maxExtensions int
	logger        *zap.Logger
}

// NewHeartbeatExtender returns a HeartbeatExtender. lease is the lifecycle
// hook's heartbeat timeout: each successful heartbeat buys one more lease.
func NewHeartbeatExtender(h Heartbeater, lease time.Duration, maxExtensions int, clk clock.Clock, logger *zap.Logger) *HeartbeatExtender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &HeartbeatExtender{
		heartbeater:   h,
		clock:         clk,
		lease:         lease,
		maxExtensions: maxExtensions,
		logger:        logger,
	}
}

// MaybeExtend requests one heartbeat extension if the drain is still in
// progress and the extension budget is not exhausted. Returns true when the
// deadline was extended.
func (e *HeartbeatExtender) MaybeExtend(ctx context.Context, ref lifecycle.ActionRef, st *NodeDrainState) bool {
	st.extendMu.Lock()
	defer st.extendMu.Unlock()

	if st.Status() != StatusDraining {
		return false
	}
	if st.PodsRemaining() == 0 {
		return false
	}
	if st.Extensions() >= e.maxExtensions {
		return false
	}
	// Extending is deferred until less than half a lease remains: an earlier
	// heartbeat would spend the extension budget while the current lease
	// still has plenty of runway.
	if st.Deadline().Sub(e.clock.Now()) > e.lease/2 {
		return false
	}
	if err := e.heartbeater.Heartbeat(ctx, ref); err != nil {
		e.logger.Warn("Failed to record lifecycle heartbeat",
			zap.String("instance_id", st.InstanceID()), zap.Error(err))
		return false
	}
	count, deadline := st.extend(e.lease)
	recordHeartbeat(ctx, st.InstanceID(), ref.AutoScalingGroupName)
	e.logger.Info("Extended drain deadline",
		zap.String("instance_id", st.InstanceID()),
		zap.Int("extensions", count),
		zap.Time("deadline", deadline))
	return true
}

// Run sends heartbeats while the drain is in progress, waking up at half the
// remaining lease each time. It returns when the context is cancelled, the
// drain leaves the Draining status, or the extension budget is exhausted.
func (e *HeartbeatExtender) Run(ctx context.Context, ref lifecycle.ActionRef, st *NodeDrainState) {
	for {
		remaining := st.Deadline().Sub(e.clock.Now())
		if remaining <= 0 {
			return
		}
		wait := remaining / 2
		if wait < minHeartbeatInterval {
			wait = minHeartbeatInterval
		}
		timer := e.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		if st.Status() != StatusDraining {
			return
		}
		if st.Extensions() >= e.maxExtensions {
			return
		}
		e.MaybeExtend(ctx, ref, st)
	}
}
