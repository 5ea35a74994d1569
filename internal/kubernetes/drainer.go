/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
implied. See the License for the specific language governing permissions
and limitations under the License.
*/

package kubernetes

import (
	"context"
	"time"

	"github.com/pkg/errors"
	core "k8s.io/api/core/v1"
	policy "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
)

// Default pod eviction settings.
const (
	DefaultMaxGracePeriod       = 2 * time.Minute
	DefaultEvictionOverhead     = 30 * time.Second
	DefaultMaxParallelEvictions = 8

	evictionRetryDelay  = 5 * time.Second
	awaitDeletionPeriod = time.Second

	// cordonedAnnotationKey marks nodes cordoned by this process so that the
	// cordon is attributable when inspecting the node.
	cordonedAnnotationKey   = "asg-node-drainer/cordoned"
	cordonedAnnotationValue = "true"
)

type errTimeout struct{}

func (e errTimeout) Error() string { return "timed out" }

func (e errTimeout) Timeout() {}

// IsTimeout returns true if the supplied error was caused by a timeout.
func IsTimeout(err error) bool {
	err = errors.Cause(err)
	_, ok := err.(interface {
		Timeout()
	})
	return ok
}

// DrainResult reports the outcome of a drain attempt.
type DrainResult struct {
	// Completed is true once no filtered pods remain on the node.
	Completed bool
	// RemainingPods counts the pods that could not be evicted before the
	// deadline. Zero when Completed.
	RemainingPods int
}

// A Cordoner cordons nodes.
type Cordoner interface {
	// Cordon the supplied node. Marks it unschedulable for new pods.
	Cordon(ctx context.Context, n *core.Node) error
	// Uncordon the supplied node. Marks it schedulable for new pods.
	Uncordon(ctx context.Context, n *core.Node) error
}

// A Drainer drains nodes.
type Drainer interface {
	// Drain the supplied node before the given deadline. Evicts the node of
	// all but mirror, DaemonSet and finished pods.
	Drain(ctx context.Context, n *core.Node, deadline time.Time) (DrainResult, error)
}

// A CordonDrainer both cordons and drains nodes.
type CordonDrainer interface {
	Cordoner
	Drainer
}

// A NoopCordonDrainer does nothing. Used in dry-run mode.
type NoopCordonDrainer struct{}

func (d *NoopCordonDrainer) Cordon(_ context.Context, _ *core.Node) error   { return nil }
func (d *NoopCordonDrainer) Uncordon(_ context.Context, _ *core.Node) error { return nil }
func (d *NoopCordonDrainer) Drain(_ context.Context, _ *core.Node, _ time.Time) (DrainResult, error) {
	return DrainResult{Completed: true}, nil
}

var _ CordonDrainer = (*NoopCordonDrainer)(nil)

// APICordonDrainer drains Kubernetes nodes via the Kubernetes API.
type APICordonDrainer struct {
	c kubernetes.Interface

	filter PodFilterFunc

	maxGracePeriod   time.Duration
	evictionHeadroom time.Duration
	maxParallel      int
}

// APICordonDrainerOption configures an APICordonDrainer.
type APICordonDrainerOption func(d *APICordonDrainer)

// MaxGracePeriod configures the maximum time to wait for a pod eviction. Pod
// containers will be allowed this much time to shutdown once they receive a
// SIGTERM before they are sent a SIGKILL.
func MaxGracePeriod(m time.Duration) APICordonDrainerOption {
	return func(d *APICordonDrainer) {
		d.maxGracePeriod = m
	}
}

// EvictionHeadroom configures an amount of time to wait in addition to the
// MaxGracePeriod for the API server to report a pod deleted.
func EvictionHeadroom(h time.Duration) APICordonDrainerOption {
	return func(d *APICordonDrainer) {
		d.evictionHeadroom = h
	}
}

// MaxParallelEvictions bounds the number of concurrent eviction calls per
// drained node.
func MaxParallelEvictions(n int) APICordonDrainerOption {
	return func(d *APICordonDrainer) {
		if n > 0 {
			d.maxParallel = n
		}
	}
}

// WithPodFilter configures a filter that may be used to exclude certain pods
// from eviction when draining.
func WithPodFilter(f PodFilterFunc) APICordonDrainerOption {
	return func(d *APICordonDrainer) {
		d.filter = f
	}
}

// NewAPICordonDrainer returns a CordonDrainer that cordons and drains nodes
// via the Kubernetes API.
func NewAPICordonDrainer(c kubernetes.Interface, ao ...APICordonDrainerOption) *APICordonDrainer {
	d := &APICordonDrainer{
		c:                c,
		filter:           NewPodFilters(MirrorPodFilter, FinishedPodFilter, NewDaemonSetPodFilter(c)),
		maxGracePeriod:   DefaultMaxGracePeriod,
		evictionHeadroom: DefaultEvictionOverhead,
		maxParallel:      DefaultMaxParallelEvictions,
	}
	for _, o := range ao {
		o(d)
	}
	return d
}

// Cordon the supplied node. Marks it unschedulable for new pods.
func (d *APICordonDrainer) Cordon(ctx context.Context, n *core.Node) error {
	fresh, err := d.c.CoreV1().Nodes().Get(ctx, n.GetName(), meta.GetOptions{})
	if err != nil {
		return errors.Wrapf(err, "cannot get node %s", n.GetName())
	}
	if fresh.Spec.Unschedulable {
		return nil
	}
	fresh.Spec.Unschedulable = true
	if fresh.Annotations == nil {
		fresh.Annotations = map[string]string{}
	}
	fresh.Annotations[cordonedAnnotationKey] = cordonedAnnotationValue
	if _, err := d.c.CoreV1().Nodes().Update(ctx, fresh, meta.UpdateOptions{}); err != nil {
		return errors.Wrapf(err, "cannot cordon node %s", fresh.GetName())
	}
	return nil
}

// Uncordon the supplied node. Marks it schedulable for new pods.
func (d *APICordonDrainer) Uncordon(ctx context.Context, n *core.Node) error {
	fresh, err := d.c.CoreV1().Nodes().Get(ctx, n.GetName(), meta.GetOptions{})
	if err != nil {
		return errors.Wrapf(err, "cannot get node %s", n.GetName())
	}
	if !fresh.Spec.Unschedulable {
		return nil
	}
	fresh.Spec.Unschedulable = false
	delete(fresh.Annotations, cordonedAnnotationKey)
	if _, err := d.c.CoreV1().Nodes().Update(ctx, fresh, meta.UpdateOptions{}); err != nil {
		return errors.Wrapf(err, "cannot uncordon node %s", fresh.GetName())
	}
	return nil
}

// Drain the supplied node before the given deadline. Pods are evicted in
// parallel with bounded concurrency; evictions rejected because a disruption
// budget is temporarily exhausted are retried until the deadline.
func (d *APICordonDrainer) Drain(ctx context.Context, n *core.Node, deadline time.Time) (DrainResult, error) {
	pods, err := d.GetPodsToDrain(ctx, n.GetName())
	if err != nil {
		return DrainResult{}, errors.Wrapf(err, "cannot get pods for node %s", n.GetName())
	}
	if len(pods) == 0 {
		return DrainResult{Completed: true}, nil
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	sem := make(chan struct{}, d.maxParallel)
	errs := make(chan error, 1)
	for i := range pods {
		pod := pods[i]
		go func() {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs <- errors.Wrapf(errTimeout{}, "pod %s/%s was not evicted", pod.GetNamespace(), pod.GetName())
				return
			}
			defer func() { <-sem }()
			errs <- d.evict(ctx, pod)
		}()
	}

	var failed []error
	for range pods {
		if err := <-errs; err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return DrainResult{RemainingPods: len(failed)}, errors.Wrapf(failed[0], "%d pods were not evicted from node %s", len(failed), n.GetName())
	}
	return DrainResult{Completed: true}, nil
}

// GetPodsToDrain lists the pods bound to the given node that pass the
// configured filters.
func (d *APICordonDrainer) GetPodsToDrain(ctx context.Context, node string) ([]core.Pod, error) {
	l, err := d.c.CoreV1().Pods(meta.NamespaceAll).List(ctx, meta.ListOptions{
		FieldSelector: fields.SelectorFromSet(fields.Set{"spec.nodeName": node}).String(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list pods for node %s", node)
	}

	include := make([]core.Pod, 0, len(l.Items))
	for _, p := range l.Items {
		passes, err := d.filter(ctx, p)
		if err != nil {
			return nil, errors.Wrap(err, "cannot filter pods")
		}
		if passes {
			include = append(include, p)
		}
	}
	return include, nil
}

func (d *APICordonDrainer) evict(ctx context.Context, p core.Pod) error {
	gracePeriod := int64(d.maxGracePeriod.Seconds())
	if p.Spec.TerminationGracePeriodSeconds != nil && *p.Spec.TerminationGracePeriodSeconds < gracePeriod {
		gracePeriod = *p.Spec.TerminationGracePeriodSeconds
	}
	for {
		err := d.c.PolicyV1().Evictions(p.GetNamespace()).Evict(ctx, &policy.Eviction{
			ObjectMeta:    meta.ObjectMeta{Namespace: p.GetNamespace(), Name: p.GetName()},
			DeleteOptions: &meta.DeleteOptions{GracePeriodSeconds: &gracePeriod},
		})
		switch {
		// The eviction API returns 429 Too Many Requests if a pod cannot
		// currently be evicted, for example due to a pod disruption budget.
		case apierrors.IsTooManyRequests(err):
			select {
			case <-time.After(evictionRetryDelay):
			case <-ctx.Done():
				return errors.Wrapf(errTimeout{}, "disruption budget still blocking eviction of pod %s/%s", p.GetNamespace(), p.GetName())
			}
		case apierrors.IsNotFound(err):
			return nil
		case err != nil:
			return errors.Wrapf(err, "cannot evict pod %s/%s", p.GetNamespace(), p.GetName())
		default:
			return errors.Wrapf(d.awaitDeletion(ctx, p), "cannot confirm pod %s/%s was deleted", p.GetNamespace(), p.GetName())
		}
	}
}

func (d *APICordonDrainer) awaitDeletion(ctx context.Context, p core.Pod) error {
	err := wait.PollImmediateUntilWithContext(ctx, awaitDeletionPeriod, func(ctx context.Context) (bool, error) {
		got, err := d.c.CoreV1().Pods(p.GetNamespace()).Get(ctx, p.GetName(), meta.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, errors.Wrapf(err, "cannot get pod %s/%s", p.GetNamespace(), p.GetName())
		}
		if got.GetUID() != p.GetUID() {
			return true, nil
		}
		return false, nil
	})
	if err != nil && ctx.Err() != nil {
		return errors.Wrap(errTimeout{}, err.Error())
	}
	return err
}
