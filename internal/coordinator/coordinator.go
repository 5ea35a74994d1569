// Package coordinator drives node drains in response to autoscaling
// lifecycle termination notices. Each accepted notice gets exactly one drain
// state, exactly one lifecycle completion, and exactly one queue
// acknowledgment, in that order.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	core "k8s.io/api/core/v1"
	"k8s.io/utils/clock"

	"github.com/nebari-dev/asg-node-drainer/internal/kubernetes"
	"github.com/nebari-dev/asg-node-drainer/internal/lifecycle"
	"github.com/nebari-dev/asg-node-drainer/internal/queue"
)

// Event reasons attached to handled nodes.
const (
	ReasonDrainStarting  = "DrainStarting"
	ReasonDrainSucceeded = "DrainSucceeded"
	ReasonDrainFailed    = "DrainFailed"
	ReasonDrainExpired   = "DrainDeadlineExpired"
)

// A LifecycleClient signals drain outcomes back to the autoscaler.
type LifecycleClient interface {
	Complete(ctx context.Context, ref lifecycle.ActionRef, result lifecycle.Result) error
	Heartbeat(ctx context.Context, ref lifecycle.ActionRef) error
	TagDrainResult(ctx context.Context, groupName, instanceID, status string) error
}

// An Acker settles queue messages.
type Acker interface {
	Ack(ctx context.Context, receiptHandle string) error
	Nack(ctx context.Context, receiptHandle string) error
}

// A Resolver maps provider instance ids to cluster nodes.
type Resolver interface {
	Resolve(ctx context.Context, instanceID string) (*core.Node, error)
}

// Config holds the drain timing policy.
type Config struct {
	// LeaseDuration is the lifecycle hook's heartbeat timeout. The initial
	// drain deadline is one lease from notice receipt; each heartbeat
	// extension adds another.
	LeaseDuration time.Duration
	// MaxExtensions bounds the number of heartbeat extensions per drain.
	MaxExtensions int
	// ExpiredResult is the lifecycle action result reported when a drain
	// exhausts its deadline with pods still on the node.
	ExpiredResult lifecycle.Result
	// DryRun logs and emits events for each notice without draining the node
	// or completing the lifecycle action. Messages are still acknowledged so
	// the queue does not loop; the hook's own timeout decides the instance's
	// fate.
	DryRun bool
}

// A Coordinator owns the in-flight drain states. It is safe for concurrent
// use; drains run in their own goroutines.
type Coordinator struct {
	cfg Config

	drainer   kubernetes.CordonDrainer
	resolver  Resolver
	lifecycle LifecycleClient
	queue     Acker
	extender  *HeartbeatExtender
	registry  *registry

	clock  clock.Clock
	events kubernetes.EventRecorder
	logger *zap.Logger
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(c *Coordinator)

// WithLogger configures the Coordinator to use the supplied logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithClock configures the clock used for deadlines and latency measurement.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithEventRecorder configures the recorder used to emit node events.
func WithEventRecorder(r kubernetes.EventRecorder) Option {
	return func(c *Coordinator) {
		c.events = r
	}
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(cfg Config, d kubernetes.CordonDrainer, r Resolver, lc LifecycleClient, q Acker, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		drainer:   d,
		resolver:  r,
		lifecycle: lc,
		queue:     q,
		registry:  newRegistry(),
		clock:     clock.RealClock{},
		events:    kubernetes.NoopEventRecorder{},
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.extender = NewHeartbeatExtender(lc, cfg.LeaseDuration, cfg.MaxExtensions, c.clock, c.logger)
	return c
}

// InFlight returns the number of drains currently being tracked.
func (c *Coordinator) InFlight() int {
	return c.registry.size()
}

// Wait blocks until all in-flight drain goroutines have returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// HandleNotice accepts one termination notice. Duplicate notices for an
// instance already being drained are acknowledged and dropped; the original
// drain keeps running. Notices for instances with no cluster node complete
// the lifecycle action immediately.
func (c *Coordinator) HandleNotice(ctx context.Context, n *queue.TerminationNotice) {
	log := c.logger.With(
		zap.String("instance_id", n.EC2InstanceID),
		zap.String("group", n.AutoScalingGroupName))
	ref := lifecycle.ActionRef{
		AutoScalingGroupName: n.AutoScalingGroupName,
		LifecycleHookName:    n.LifecycleHookName,
		LifecycleActionToken: n.LifecycleActionToken,
		InstanceID:           n.EC2InstanceID,
	}

	now := c.clock.Now()
	st := newNodeDrainState(n.EC2InstanceID, "", now, now.Add(c.cfg.LeaseDuration))
	if !c.registry.add(st) {
		recordNotice(ctx, noticeKindDuplicate, n.AutoScalingGroupName)
		log.Info("Ignoring duplicate termination notice")
		c.ack(ctx, n.ReceiptHandle, log)
		return
	}

	node, err := c.resolver.Resolve(ctx, n.EC2InstanceID)
	if err != nil {
		if kubernetes.IsNodeNotFound(err) {
			c.completeGoneNode(ctx, ref, n, log)
			return
		}
		// Transient resolution failure. Release both the state and the
		// message so a redelivery can retry from scratch.
		log.Warn("Cannot resolve termination notice to a node", zap.Error(err))
		c.registry.remove(n.EC2InstanceID)
		c.nack(ctx, n.ReceiptHandle, log)
		return
	}
	st.nodeName = node.GetName()
	log = kubernetes.LoggerForNode(node, log)

	if c.cfg.DryRun {
		recordNotice(ctx, noticeKindHandled, n.AutoScalingGroupName)
		c.events.NodeEventf(node, core.EventTypeNormal, ReasonDrainStarting,
			"Dry run: would drain node, instance %s selected for termination by group %s", n.EC2InstanceID, n.AutoScalingGroupName)
		log.Info("Dry run: would drain node")
		c.ack(ctx, n.ReceiptHandle, log)
		c.registry.remove(n.EC2InstanceID)
		return
	}

	if err := st.transitionTo(StatusDraining); err != nil {
		// Unreachable for a freshly registered state.
		log.Error("Cannot start drain", zap.Error(err))
		c.registry.remove(n.EC2InstanceID)
		c.nack(ctx, n.ReceiptHandle, log)
		return
	}
	recordNotice(ctx, noticeKindHandled, n.AutoScalingGroupName)
	c.events.NodeEventf(node, core.EventTypeWarning, ReasonDrainStarting,
		"Draining node: instance %s selected for termination by group %s", n.EC2InstanceID, n.AutoScalingGroupName)
	log.Info("Starting node drain", zap.Time("deadline", st.Deadline()))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runDrain(ctx, ref, st, node, n.ReceiptHandle, log)
	}()
}

// completeGoneNode settles a notice whose instance has no cluster node. The
// instance either never joined the cluster or its node object is already
// deleted; in both cases termination can proceed immediately.
func (c *Coordinator) completeGoneNode(ctx context.Context, ref lifecycle.ActionRef, n *queue.TerminationNotice, log *zap.Logger) {
	recordNotice(ctx, noticeKindNodeGone, n.AutoScalingGroupName)
	log.Info("No cluster node for instance, completing lifecycle action")
	if err := c.lifecycle.Complete(ctx, ref, lifecycle.ResultContinue); err != nil && !lifecycle.IsActionGone(err) {
		log.Warn("Cannot complete lifecycle action for absent node", zap.Error(err))
		c.registry.remove(n.EC2InstanceID)
		c.nack(ctx, n.ReceiptHandle, log)
		return
	}
	recordCompletion(ctx, n.AutoScalingGroupName, string(lifecycle.ResultContinue))
	c.ack(ctx, n.ReceiptHandle, log)
	c.registry.remove(n.EC2InstanceID)
}

// runDrain owns one drain from cordon to acknowledgment.
func (c *Coordinator) runDrain(ctx context.Context, ref lifecycle.ActionRef, st *NodeDrainState, node *core.Node, receiptHandle string, log *zap.Logger) {
	if err := c.drainer.Cordon(ctx, node); err != nil {
		if ctx.Err() != nil {
			c.abandonForRedelivery(st, log)
			return
		}
		log.Error("Cannot cordon node", zap.Error(err))
		c.fail(st, log)
		c.finish(ctx, ref, st, node, receiptHandle, log)
		return
	}

	extendCtx, cancelExtend := context.WithCancel(ctx)
	defer cancelExtend()
	go c.extender.Run(extendCtx, ref, st)

	for {
		res, err := c.drainer.Drain(ctx, node, st.Deadline())
		if err == nil && res.Completed {
			st.setPodsRemaining(0)
			if err := st.transitionTo(StatusDrained); err != nil {
				log.Error("Cannot record drain success", zap.Error(err))
			}
			break
		}
		st.setPodsRemaining(res.RemainingPods)

		if ctx.Err() != nil {
			// Shutting down. Leave the message unsettled so the drain is
			// resumed on redelivery.
			cancelExtend()
			c.abandonForRedelivery(st, log)
			return
		}
		if err != nil && !kubernetes.IsTimeout(err) {
			log.Error("Cannot drain node", zap.Error(err))
			c.fail(st, log)
			break
		}
		// The attempt ran out of deadline. Retry if a heartbeat already
		// moved the deadline, or if we can move it now.
		if c.clock.Now().Before(st.Deadline()) {
			continue
		}
		if c.extender.MaybeExtend(ctx, ref, st) {
			continue
		}
		if err := st.transitionTo(StatusExpired); err != nil {
			log.Error("Cannot record drain expiry", zap.Error(err))
		}
		break
	}

	cancelExtend()
	c.finish(ctx, ref, st, node, receiptHandle, log)
}

func (c *Coordinator) fail(st *NodeDrainState, log *zap.Logger) {
	if err := st.transitionTo(StatusFailed); err != nil {
		log.Error("Cannot record drain failure", zap.Error(err))
	}
}

// abandonForRedelivery drops the drain state without settling the message.
// Used only on shutdown: the unacked message becomes visible again after its
// visibility timeout and the next process picks the drain back up.
func (c *Coordinator) abandonForRedelivery(st *NodeDrainState, log *zap.Logger) {
	log.Info("Shutting down with drain in progress, leaving notice for redelivery",
		zap.String("status", string(st.Status())))
	c.registry.remove(st.InstanceID())
}

// finish settles a drain that reached a terminal status: emit the node event,
// complete the lifecycle action, tag the group, acknowledge the message, and
// only then forget the instance. The registry entry is removed last so that
// duplicate deliveries arriving during settlement are still deduplicated.
func (c *Coordinator) finish(ctx context.Context, ref lifecycle.ActionRef, st *NodeDrainState, node *core.Node, receiptHandle string, log *zap.Logger) {
	status := st.Status()
	result := lifecycle.ResultContinue
	switch status {
	case StatusDrained:
		c.events.NodeEventf(node, core.EventTypeNormal, ReasonDrainSucceeded, "Drained node")
	case StatusFailed:
		c.events.NodeEventf(node, core.EventTypeWarning, ReasonDrainFailed, "Drain failed, instance will be terminated regardless")
	case StatusExpired:
		result = c.cfg.ExpiredResult
		c.events.NodeEventf(node, core.EventTypeWarning, ReasonDrainExpired,
			"Drain deadline expired with %d pods remaining", st.PodsRemaining())
	}
	log = log.With(zap.String("status", string(status)), zap.String("result", string(result)))

	if err := c.lifecycle.Complete(ctx, ref, result); err != nil {
		if !lifecycle.IsActionGone(err) {
			// Keep the message so a redelivery can retry the completion. The
			// node is already drained, so the retried drain is a fast no-op.
			log.Error("Cannot complete lifecycle action", zap.Error(err))
			c.nack(ctx, receiptHandle, log)
			c.registry.remove(st.InstanceID())
			return
		}
		log.Info("Lifecycle action already gone", zap.Error(err))
	}
	recordCompletion(ctx, ref.AutoScalingGroupName, string(result))

	latency := c.clock.Now().Sub(st.StartedAt())
	recordDrain(ctx, st, ref.AutoScalingGroupName, string(result), float64(latency.Milliseconds()))
	log.Info("Drain settled", zap.Duration("elapsed", latency), zap.Int("extensions", st.Extensions()))

	if err := c.lifecycle.TagDrainResult(ctx, ref.AutoScalingGroupName, st.InstanceID(), string(status)); err != nil {
		log.Warn("Cannot tag autoscaling group with drain result", zap.Error(err))
	}

	c.ack(ctx, receiptHandle, log)
	c.registry.remove(st.InstanceID())
}

func (c *Coordinator) ack(ctx context.Context, receiptHandle string, log *zap.Logger) {
	if err := c.queue.Ack(ctx, receiptHandle); err != nil {
		log.Warn("Cannot acknowledge queue message", zap.Error(err))
	}
}

func (c *Coordinator) nack(ctx context.Context, receiptHandle string, log *zap.Logger) {
	if err := c.queue.Nack(ctx, receiptHandle); err != nil {
		log.Warn("Cannot release queue message", zap.Error(err))
	}
}
