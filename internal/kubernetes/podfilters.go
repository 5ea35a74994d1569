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

	"github.com/pkg/errors"
	core "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const kindDaemonSet = "DaemonSet"

// A PodFilterFunc returns true if the supplied pod passes the filter.
type PodFilterFunc func(ctx context.Context, p core.Pod) (bool, error)

// MirrorPodFilter returns true if the supplied pod is not a mirror pod, i.e. a
// pod created by a manifest on the node rather than the API server.
func MirrorPodFilter(_ context.Context, p core.Pod) (bool, error) {
	_, mirrorPod := p.GetAnnotations()[core.MirrorPodAnnotationKey]
	return !mirrorPod, nil
}

// FinishedPodFilter returns true if the supplied pod is still running.
// Succeeded and failed pods hold no workload and need no eviction.
func FinishedPodFilter(_ context.Context, p core.Pod) (bool, error) {
	return p.Status.Phase != core.PodSucceeded && p.Status.Phase != core.PodFailed, nil
}

// NewDaemonSetPodFilter returns a PodFilterFunc that returns true if the
// supplied pod is not managed by an extant DaemonSet. DaemonSet pods ignore
// unschedulable markers and would be recreated right after eviction.
func NewDaemonSetPodFilter(client kubernetes.Interface) PodFilterFunc {
	return func(ctx context.Context, p core.Pod) (bool, error) {
		c := meta.GetControllerOf(&p)
		if c == nil || c.Kind != kindDaemonSet {
			return true, nil
		}

		// Pods pass the filter if they were created by a DaemonSet that no
		// longer exists.
		if _, err := client.AppsV1().DaemonSets(p.GetNamespace()).Get(ctx, c.Name, meta.GetOptions{}); err != nil {
			if apierrors.IsNotFound(err) {
				return true, nil
			}
			return false, errors.Wrapf(err, "cannot get DaemonSet %s/%s", p.GetNamespace(), c.Name)
		}
		return false, nil
	}
}

// NewPodFilters returns a PodFilterFunc that returns true if all of the
// supplied PodFilterFuncs return true.
func NewPodFilters(filters ...PodFilterFunc) PodFilterFunc {
	return func(ctx context.Context, p core.Pod) (bool, error) {
		for _, fn := range filters {
			passes, err := fn(ctx, p)
			if err != nil {
				return false, errors.Wrap(err, "cannot apply filters")
			}
			if !passes {
				return false, nil
			}
		}
		return true, nil
	}
}
