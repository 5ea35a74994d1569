package kubernetes

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	core "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// An InstanceLookup resolves provider instance ids outside of the cluster,
// typically against the EC2 API. PrivateDNSName returns an empty string
// without error when the instance no longer exists.
type InstanceLookup interface {
	PrivateDNSName(ctx context.Context, instanceID string) (string, error)
}

// A NodeResolver maps provider instance ids to cluster nodes. It consults the
// node informer cache first and optionally falls back to an instance lookup
// for nodes registered under their private DNS name before the informer
// caught up.
type NodeResolver struct {
	nodes     NodeStore
	instances InstanceLookup
	logger    *zap.Logger
}

// NewNodeResolver returns a NodeResolver. The instance lookup may be nil, in
// which case resolution relies on the node cache alone.
func NewNodeResolver(nodes NodeStore, instances InstanceLookup, logger *zap.Logger) *NodeResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeResolver{nodes: nodes, instances: instances, logger: logger}
}

// Resolve returns the node backed by the given instance id. A NotFound error
// means the instance has no corresponding cluster node: either it was never a
// node, or the node object is already gone.
func (r *NodeResolver) Resolve(ctx context.Context, instanceID string) (*core.Node, error) {
	n, err := r.nodes.GetByInstanceID(instanceID)
	if err == nil {
		return n, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, errors.Wrapf(err, "cannot resolve instance %s", instanceID)
	}
	if r.instances == nil {
		return nil, err
	}

	dnsName, lookupErr := r.instances.PrivateDNSName(ctx, instanceID)
	if lookupErr != nil {
		return nil, errors.Wrapf(lookupErr, "cannot look up instance %s", instanceID)
	}
	if dnsName == "" {
		return nil, err
	}
	r.logger.Debug("Falling back to private DNS name resolution",
		zap.String("instance_id", instanceID), zap.String("private_dns_name", dnsName))
	return r.nodes.Get(dnsName)
}

// IsNodeNotFound returns true if the error indicates that an instance has no
// corresponding cluster node.
func IsNodeNotFound(err error) bool {
	return apierrors.IsNotFound(errors.Cause(err))
}
