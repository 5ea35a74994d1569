package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// EC2API is the subset of the EC2 client used by InstanceResolver.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// An InstanceResolver looks up instance metadata needed to map a termination
// notice onto a cluster node when the providerID index misses. Every call is
// scoped to a single explicit instance id, so it works under an IAM policy
// restricted accordingly.
type InstanceResolver struct {
	ec2    EC2API
	logger *zap.Logger
}

// NewInstanceResolver returns an InstanceResolver.
func NewInstanceResolver(api EC2API, logger *zap.Logger) *InstanceResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstanceResolver{ec2: api, logger: logger}
}

// PrivateDNSName returns the private DNS name of the given instance, which
// is the node name kubelets register under on EC2. Returns an empty string
// without error when the instance no longer exists.
func (r *InstanceResolver) PrivateDNSName(ctx context.Context, instanceID string) (string, error) {
	out, err := r.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if isInstanceNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("describing instance %s: %w", instanceID, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.PrivateDnsName != nil && *inst.PrivateDnsName != "" {
				return *inst.PrivateDnsName, nil
			}
		}
	}
	return "", nil
}

func isInstanceNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "InvalidInstanceID.NotFound"
	}
	return false
}
