package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	core "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/nebari-dev/asg-node-drainer/internal/kubernetes"
	"github.com/nebari-dev/asg-node-drainer/internal/lifecycle"
	"github.com/nebari-dev/asg-node-drainer/internal/queue"
)

const (
	groupName  = "workers"
	instanceID = "i-0123456789abcdef0"
	nodeName   = "coolNode"
)

func notice(instanceID, receiptHandle string) *queue.TerminationNotice {
	return &queue.TerminationNotice{
		EC2InstanceID:        instanceID,
		AutoScalingGroupName: groupName,
		LifecycleHookName:    "drain-hook",
		LifecycleActionToken: "token-" + instanceID,
		LifecycleTransition:  queue.TransitionTerminating,
		MessageID:            "m-" + instanceID,
		ReceiptHandle:        receiptHandle,
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "timed out" }
func (timeoutErr) Timeout()      {}

type fakeDrainer struct {
	mu         sync.Mutex
	cordonErr  error
	drainFn    func(ctx context.Context, n *core.Node, deadline time.Time) (kubernetes.DrainResult, error)
	cordons    int
	drainCalls int
}

func (f *fakeDrainer) Cordon(_ context.Context, _ *core.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cordons++
	return f.cordonErr
}

func (f *fakeDrainer) Uncordon(_ context.Context, _ *core.Node) error { return nil }

func (f *fakeDrainer) Drain(ctx context.Context, n *core.Node, deadline time.Time) (kubernetes.DrainResult, error) {
	f.mu.Lock()
	f.drainCalls++
	fn := f.drainFn
	f.mu.Unlock()
	if fn == nil {
		return kubernetes.DrainResult{Completed: true}, nil
	}
	return fn(ctx, n, deadline)
}

func (f *fakeDrainer) drains() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drainCalls
}

type completion struct {
	ref    lifecycle.ActionRef
	result lifecycle.Result
}

type fakeLifecycle struct {
	mu          sync.Mutex
	completeErr error
	completions []completion
	heartbeats  int
	tags        []string
}

func (f *fakeLifecycle) Complete(_ context.Context, ref lifecycle.ActionRef, result lifecycle.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completions = append(f.completions, completion{ref: ref, result: result})
	return nil
}

func (f *fakeLifecycle) Heartbeat(_ context.Context, _ lifecycle.ActionRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeLifecycle) TagDrainResult(_ context.Context, groupName, instanceID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, fmt.Sprintf("%s/%s=%s", groupName, instanceID, status))
	return nil
}

func (f *fakeLifecycle) completed() []completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]completion(nil), f.completions...)
}

type fakeQueue struct {
	mu    sync.Mutex
	acks  []string
	nacks []string
}

func (f *fakeQueue) Ack(_ context.Context, receiptHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, receiptHandle)
	return nil
}

func (f *fakeQueue) Nack(_ context.Context, receiptHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, receiptHandle)
	return nil
}

func (f *fakeQueue) acked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acks...)
}

func (f *fakeQueue) nacked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.nacks...)
}

type fakeResolver struct {
	nodes map[string]*core.Node
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, instanceID string) (*core.Node, error) {
	if f.err != nil {
		return nil, f.err
	}
	n, ok := f.nodes[instanceID]
	if !ok {
		return nil, apierrors.NewNotFound(core.Resource("node"), instanceID)
	}
	return n, nil
}

func resolverFor(ids ...string) *fakeResolver {
	nodes := map[string]*core.Node{}
	for i, id := range ids {
		nodes[id] = &core.Node{ObjectMeta: meta.ObjectMeta{Name: fmt.Sprintf("%s-%d", nodeName, i)}}
	}
	return &fakeResolver{nodes: nodes}
}

func defaultConfig() Config {
	return Config{
		LeaseDuration: time.Minute,
		MaxExtensions: 3,
		ExpiredResult: lifecycle.ResultContinue,
	}
}

func TestHandleNoticeDrainsAndCompletes(t *testing.T) {
	d := &fakeDrainer{}
	lc := &fakeLifecycle{}
	q := &fakeQueue{}
	c := NewCoordinator(defaultConfig(), d, resolverFor(instanceID), lc, q)

	c.HandleNotice(context.Background(), notice(instanceID, "rh-1"))
	c.Wait()

	completions := lc.completed()
	assert.Len(t, completions, 1)
	assert.Equal(t, lifecycle.ResultContinue, completions[0].result)
	assert.Equal(t, instanceID, completions[0].ref.InstanceID)
	assert.Equal(t, []string{"rh-1"}, q.acked())
	assert.Empty(t, q.nacked())
	assert.Equal(t, []string{fmt.Sprintf("%s/%s=%s", groupName, instanceID, StatusDrained)}, lc.tags)
	assert.Equal(t, 0, c.InFlight())
}

func TestHandleNoticeDeduplicates(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDrainer{drainFn: func(ctx context.Context, _ *core.Node, _ time.Time) (kubernetes.DrainResult, error) {
		<-release
		return kubernetes.DrainResult{Completed: true}, nil
	}}
	lc := &fakeLifecycle{}
	q := &fakeQueue{}
	c := NewCoordinator(defaultConfig(), d, resolverFor(instanceID), lc, q)

	c.HandleNotice(context.Background(), notice(instanceID, "rh-1"))
	// Redelivery while the first drain is still running: acknowledged and
	// dropped, no second drain state.
	c.HandleNotice(context.Background(), notice(instanceID, "rh-2"))
	assert.Equal(t, 1, c.InFlight())
	assert.Equal(t, []string{"rh-2"}, q.acked())

	close(release)
	c.Wait()

	assert.Len(t, lc.completed(), 1)
	assert.Equal(t, []string{"rh-2", "rh-1"}, q.acked())
	assert.Equal(t, 0, c.InFlight())
}

func TestHandleNoticeNodeAlreadyGone(t *testing.T) {
	d := &fakeDrainer{}
	lc := &fakeLifecycle{}
	q := &fakeQueue{}
	c := NewCoordinator(defaultConfig(), d, resolverFor(), lc, q)

	c.HandleNotice(context.Background(), notice(instanceID, "rh-1"))
	c.Wait()

	completions := lc.completed()
	assert.Len(t, completions, 1)
	assert.Equal(t, lifecycle.ResultContinue, completions[0].result)
	assert.Equal(t, []string{"rh-1"}, q.acked())
	assert.Zero(t, d.drains())
	assert.Equal(t, 0, c.InFlight())
}

func TestHandleNoticeResolverFailure(t *testing.T) {
	d := &fakeDrainer{}
	lc := &fakeLifecycle{}
	q := &fakeQueue{}
	c := NewCoordinator(defaultConfig(), d, &fakeResolver{err: errors.New("cache not synced")}, lc, q)

	c.HandleNotice(context.Background(), notice(instanceID, "rh-1"))
	c.Wait()

	assert.Empty(t, lc.completed())
	assert.Empty(t, q.acked())
	assert.Equal(t, []string{"rh-1"}, q.nacked())
	assert.Equal(t, 0, c.InFlight())
}

func TestDrainFailureCompletesAnyway(t *testing.T) {
	d := &fakeDrainer{drainFn: func(ctx context.Context, _ *core.Node, _ time.Time) (kubernetes.DrainResult, error) {
		return kubernetes.DrainResult{RemainingPods: 2}, errors.New("api server on fire")
	}}
	lc := &fakeLifecycle{}
	q := &fakeQueue{}
	c := NewCoordinator(defaultConfig(), d, resolverFor(instanceID), lc, q)

	c.HandleNotice(context.Background(), notice(instanceID, "rh-1"))
	c.Wait()

	completions := lc.completed()
	assert.Len(t, completions, 1)
	assert.Equal(t, lifecycle.ResultContinue, completions[0].result)
	assert.Equal(t, []string{fmt.Sprintf("%s/%s=%s", groupName, instanceID, StatusFailed)}, lc.tags)
	assert.Equal(t, []string{"rh-1"}, q.acked())
}

func TestCordonFailureCompletesAnyway(t *testing.T) {
	d := &fakeDrainer{cordonErr: errors.New("nope")}
	lc := &fakeLifecycle{}
	q := &fakeQueue{}
	c := NewCoordinator(defaultConfig(), d, resolverFor(instanceID), lc, q)

	c.HandleNotice(context.Background(), notice(instanceID, "rh-1"))
	c.Wait()

	assert.Len(t, lc.completed(), 1)
	assert.Zero(t, d.drains())
	assert.Equal(t, []string{fmt.Sprintf("%s/%s=%s", groupName, instanceID, StatusFailed)}, lc.tags)
	assert.Equal(t, []string{"rh-1"}, q.acked())
}

func TestNeverEvictablePodExpiresAfterMaxExtensions(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	// Every drain attempt burns through its whole deadline without progress,
	// as with a pod whose disruption budget never allows eviction.
	d := &fakeDrainer{drainFn: func(ctx context.Context, _ *core.Node, deadline time.Time) (kubernetes.DrainResult, error) {
		clk.SetTime(deadline.Add(time.Millisecond))
		return kubernetes.DrainResult{RemainingPods: 1}, timeoutErr{}
	}}
	lc := &fakeLifecycle{}
	q := &fakeQueue{}
	cfg := defaultConfig()
	cfg.MaxExtensions = 2
	cfg.ExpiredResult = lifecycle.ResultAbandon
	c := NewCoordinator(cfg, d, resolverFor(instanceID), lc, q, WithClock(clk))

	c.HandleNotice(context.Background(), notice(instanceID, "rh-1"))
	c.Wait()

	// One attempt per lease: the initial one plus one per extension.
	assert.Equal(t, 3, d.drains())
	assert.Equal(t, 2, lc.heartbeats)

	completions := lc.completed()
	assert.Len(t, completions, 1)
	assert.Equal(t, lifecycle.ResultAbandon, completions[0].result)
	assert.Equal(t, []string{fmt.Sprintf("%s/%s=%s", groupName, instanceID, StatusExpired)}, lc.tags)
	assert.Equal(t, []string{"rh-1"}, q.acked())
	assert.Empty(t, q.nacked())
	assert.Equal(t, 0, c.InFlight())
}

func TestDrainSucceedsAfterOneExtension(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	attempts := 0
	d := &fakeDrainer{}
	d.drainFn = func(ctx context.Context, _ *core.Node, deadline time.Time) (kubernetes.DrainResult, error) {
		attempts++
		if attempts == 1 {
			// A disruption budget blocks the drain through the first lease.
			clk.SetTime(deadline.Add(time.Millisecond))
			return kubernetes.DrainResult{RemainingPods: 1}, timeoutErr{}
		}
		return kubernetes.DrainResult{Completed: true}, nil
	}
	lc := &fakeLifecycle{}
	q := &fakeQueue{}
	cfg := defaultConfig()
	cfg.MaxExtensions = 1
	c := NewCoordinator(cfg, d, resolverFor(instanceID), lc, q, WithClock(clk))

	c.HandleNotice(context.Background(), notice(instanceID, "rh-1"))
	c.Wait()

	assert.Equal(t, 2, d.drains())
	assert.Equal(t, 1, lc.heartbeats)

	completions := lc.completed()
	assert.Len(t, completions, 1)
	assert.Equal(t, lifecycle.ResultContinue, completions[0].result)
	assert.Equal(t, []string{fmt.Sprintf("%s/%s=%s", groupName, instanceID, StatusDrained)}, lc.tags)
	assert.Equal(t, []string{"rh-1"}, q.acked())
}

func TestDryRunNeverDrainsNorCompletes(t *testing.T) {
	d := &fakeDrainer{}
	lc := &fakeLifecycle{}
	q := &fakeQueue{}
	cfg := defaultConfig()
	cfg.DryRun = true
	c := NewCoordinator(cfg, d, resolverFor(instanceID), lc, q)

	c.HandleNotice(context.Background(), notice(instanceID, "rh-1"))
	c.Wait()

	assert.Zero(t, d.cordons)
	assert.Zero(t, d.drains())
	assert.Empty(t, lc.completed())
	assert.Equal(t, []string{"rh-1"}, q.acked())
	assert.Equal(t, 0, c.InFlight())
}

func TestCompletionFailureLeavesMessageForRetry(t *testing.T) {
	d := &fakeDrainer{}
	lc := &fakeLifecycle{completeErr: errors.New("throttled")}
	q := &fakeQueue{}
	c := NewCoordinator(defaultConfig(), d, resolverFor(instanceID), lc, q)

	c.HandleNotice(context.Background(), notice(instanceID, "rh-1"))
	c.Wait()

	assert.Empty(t, q.acked())
	assert.Equal(t, []string{"rh-1"}, q.nacked())
	assert.Equal(t, 0, c.InFlight())
}

func TestCompletionActionGoneStillAcks(t *testing.T) {
	d := &fakeDrainer{}
	lc := &fakeLifecycle{completeErr: fmt.Errorf("%w: hook timed out", lifecycle.ErrActionGone)}
	q := &fakeQueue{}
	c := NewCoordinator(defaultConfig(), d, resolverFor(instanceID), lc, q)

	c.HandleNotice(context.Background(), notice(instanceID, "rh-1"))
	c.Wait()

	assert.Equal(t, []string{"rh-1"}, q.acked())
	assert.Empty(t, q.nacked())
	assert.Equal(t, 0, c.InFlight())
}

func TestIndependentInstancesDrainIndependently(t *testing.T) {
	d := &fakeDrainer{}
	lc := &fakeLifecycle{}
	q := &fakeQueue{}
	c := NewCoordinator(defaultConfig(), d, resolverFor("i-001", "i-002"), lc, q)

	c.HandleNotice(context.Background(), notice("i-001", "rh-1"))
	c.HandleNotice(context.Background(), notice("i-002", "rh-2"))
	c.Wait()

	completions := lc.completed()
	assert.Len(t, completions, 2)
	got := map[string]bool{}
	for _, comp := range completions {
		got[comp.ref.InstanceID] = true
		assert.Equal(t, lifecycle.ResultContinue, comp.result)
	}
	assert.Equal(t, map[string]bool{"i-001": true, "i-002": true}, got)
	assert.ElementsMatch(t, []string{"rh-1", "rh-2"}, q.acked())
	assert.Equal(t, 0, c.InFlight())
}

func TestShutdownLeavesMessageUnsettled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	d := &fakeDrainer{drainFn: func(ctx context.Context, _ *core.Node, _ time.Time) (kubernetes.DrainResult, error) {
		close(started)
		<-ctx.Done()
		return kubernetes.DrainResult{RemainingPods: 1}, timeoutErr{}
	}}
	lc := &fakeLifecycle{}
	q := &fakeQueue{}
	c := NewCoordinator(defaultConfig(), d, resolverFor(instanceID), lc, q)

	c.HandleNotice(ctx, notice(instanceID, "rh-1"))
	<-started
	cancel()
	c.Wait()

	// Neither settled nor completed: the notice is redelivered to whichever
	// process polls the queue next.
	assert.Empty(t, lc.completed())
	assert.Empty(t, q.acked())
	assert.Empty(t, q.nacked())
	assert.Equal(t, 0, c.InFlight())
}
