package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/nebari-dev/asg-node-drainer/internal/queue"
)

// A NoticeHandler accepts parsed termination notices.
type NoticeHandler interface {
	HandleNotice(ctx context.Context, n *queue.TerminationNotice)
}

// A Poller pumps the notification queue into a NoticeHandler. Messages that
// cannot become actionable termination notices — malformed payloads,
// non-terminating transitions, groups outside the configured set — are
// acknowledged and dropped so they do not poison the queue.
type Poller struct {
	consumer *queue.Consumer
	handler  NoticeHandler
	// groups limits handling to the named autoscaling groups. Empty means
	// handle every group.
	groups   map[string]struct{}
	interval time.Duration
	logger   *zap.Logger
}

// NewPoller returns a Poller. groupNames may be empty to accept notices from
// any autoscaling group.
func NewPoller(c *queue.Consumer, h NoticeHandler, groupNames []string, interval time.Duration, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	var groups map[string]struct{}
	if len(groupNames) > 0 {
		groups = make(map[string]struct{}, len(groupNames))
		for _, g := range groupNames {
			groups[g] = struct{}{}
		}
	}
	return &Poller{
		consumer: c,
		handler:  h,
		groups:   groups,
		interval: interval,
		logger:   logger,
	}
}

// Run polls the queue until the context is cancelled. The consumer long-polls
// within each iteration, so the interval only paces error backoff and empty
// receives.
func (p *Poller) Run(ctx context.Context) {
	wait.UntilWithContext(ctx, p.pollOnce, p.interval)
}

func (p *Poller) pollOnce(ctx context.Context) {
	msgs, err := p.consumer.Poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("Cannot poll notification queue", zap.Error(err))
		}
		return
	}
	for _, m := range msgs {
		p.dispatch(ctx, m)
	}
}

func (p *Poller) dispatch(ctx context.Context, m queue.RawMessage) {
	n, err := p.consumer.Parse(m)
	if err != nil {
		if queue.IsMalformedNotice(err) {
			recordNotice(ctx, noticeKindMalformed, "")
			p.logger.Warn("Dropping malformed queue message",
				zap.String("message_id", m.ID), zap.Error(err))
			p.ackDropped(ctx, m)
			return
		}
		p.logger.Error("Cannot parse queue message", zap.String("message_id", m.ID), zap.Error(err))
		return
	}
	log := p.logger.With(
		zap.String("instance_id", n.EC2InstanceID),
		zap.String("group", n.AutoScalingGroupName))

	if n.LifecycleTransition != queue.TransitionTerminating {
		recordNotice(ctx, noticeKindSkipped, n.AutoScalingGroupName)
		log.Info("Dropping notice for unhandled lifecycle transition",
			zap.String("transition", n.LifecycleTransition))
		p.ackDropped(ctx, m)
		return
	}
	if p.groups != nil {
		if _, ok := p.groups[n.AutoScalingGroupName]; !ok {
			recordNotice(ctx, noticeKindSkipped, n.AutoScalingGroupName)
			log.Info("Dropping notice for unwatched autoscaling group")
			p.ackDropped(ctx, m)
			return
		}
	}

	p.handler.HandleNotice(ctx, n)
}

func (p *Poller) ackDropped(ctx context.Context, m queue.RawMessage) {
	if err := p.consumer.Ack(ctx, m.ReceiptHandle); err != nil {
		p.logger.Warn("Cannot acknowledge dropped message",
			zap.String("message_id", m.ID), zap.Error(err))
	}
}
