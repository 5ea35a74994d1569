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
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

const informerResyncPeriod = 30 * time.Minute

// nodeInstanceIDIndexField indexes nodes by the EC2 instance id parsed from
// their providerID.
const nodeInstanceIDIndexField = ".spec.providerID.instanceID"

// A NodeStore is a cache of node resources.
type NodeStore interface {
	// HasSynced returns true once the underlying cache completed an initial
	// list.
	HasSynced() bool
	// Get a node by name. Returns a NotFound error if the node does not
	// exist.
	Get(name string) (*core.Node, error)
	// GetByInstanceID returns the node backed by the given EC2 instance.
	// Returns a NotFound error if no such node exists in the cluster.
	GetByInstanceID(instanceID string) (*core.Node, error)
}

// A NodeWatch is a cache of node resources indexed by provider instance id.
type NodeWatch struct {
	cache.SharedIndexInformer
}

var _ NodeStore = (*NodeWatch)(nil)

// NewNodeWatch creates a watch on node resources. Nodes are cached and
// indexed by the instance id of their providerID.
func NewNodeWatch(ctx context.Context, c kubernetes.Interface) *NodeWatch {
	lw := &cache.ListWatch{
		ListFunc:  func(o meta.ListOptions) (runtime.Object, error) { return c.CoreV1().Nodes().List(ctx, o) },
		WatchFunc: func(o meta.ListOptions) (watch.Interface, error) { return c.CoreV1().Nodes().Watch(ctx, o) },
	}
	i := cache.NewSharedIndexInformer(lw, &core.Node{}, informerResyncPeriod, cache.Indexers{
		nodeInstanceIDIndexField: func(obj interface{}) ([]string, error) {
			n, ok := obj.(*core.Node)
			if !ok {
				return nil, nil
			}
			id, err := ParseInstanceID(n)
			if err != nil {
				// Nodes without an AWS providerID are simply not indexed.
				return nil, nil
			}
			return []string{id}, nil
		},
	})
	return &NodeWatch{i}
}

// Get a node by name. Returns a NotFound error if the node does not exist.
func (w *NodeWatch) Get(name string) (*core.Node, error) {
	o, exists, err := w.GetStore().GetByKey(name)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot get node %s", name)
	}
	if !exists {
		return nil, apierrors.NewNotFound(core.Resource("node"), name)
	}
	return o.(*core.Node), nil
}

// GetByInstanceID returns the node backed by the given EC2 instance.
func (w *NodeWatch) GetByInstanceID(instanceID string) (*core.Node, error) {
	objs, err := w.GetIndexer().ByIndex(nodeInstanceIDIndexField, instanceID)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot look up node for instance %s", instanceID)
	}
	if len(objs) == 0 {
		return nil, apierrors.NewNotFound(core.Resource("node"), instanceID)
	}
	n, ok := objs[0].(*core.Node)
	if !ok {
		return nil, errors.New("unexpected object type in node store")
	}
	return n, nil
}

// Await blocks until all the supplied informers have synced, or until the
// context is cancelled.
func Await(ctx context.Context, informers ...cache.SharedIndexInformer) error {
	synced := make([]cache.InformerSynced, 0, len(informers))
	for _, i := range informers {
		synced = append(synced, i.HasSynced)
	}
	if !cache.WaitForCacheSync(ctx.Done(), synced...) {
		return errors.New("timed out waiting for informer caches to sync")
	}
	return nil
}

// RunStoreForTest returns a running and synced node store backed by the given
// client. Intended for tests.
func RunStoreForTest(ctx context.Context, c kubernetes.Interface) (*NodeWatch, func()) {
	stopCh := make(chan struct{})
	nodeWatch := NewNodeWatch(ctx, c)
	go nodeWatch.Run(stopCh)
	cache.WaitForCacheSync(stopCh, nodeWatch.HasSynced)
	return nodeWatch, func() { close(stopCh) }
}
