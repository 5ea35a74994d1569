package kubernetes

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	core "k8s.io/api/core/v1"
)

// Component is the name used to identify this process in logs, events and
// metric namespaces.
const Component = "asg-node-drainer"

// ParseInstanceID extracts the EC2 instance id from a node's providerID.
// AWS provider ids look like aws:///us-west-2a/i-0123456789abcdef0.
func ParseInstanceID(n *core.Node) (string, error) {
	providerID := n.Spec.ProviderID
	if providerID == "" {
		return "", errors.Errorf("node %s has no providerID", n.GetName())
	}
	parts := strings.Split(providerID, "/")
	id := parts[len(parts)-1]
	if !strings.HasPrefix(id, "i-") {
		return "", errors.Errorf("cannot parse instance id from providerID %q of node %s", providerID, n.GetName())
	}
	return id, nil
}

// LoggerForNode returns a logger tagged with the node identity.
func LoggerForNode(n *core.Node, logger *zap.Logger) *zap.Logger {
	return logger.With(zap.String("node", n.GetName()), zap.String("provider_id", n.Spec.ProviderID))
}
