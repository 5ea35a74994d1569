package lifecycle

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
)

const (
	tagResourceTypeASG = "auto-scaling-group"

	// lastDrainResultTagKey records the most recent drain outcome on the
	// autoscaling group, for dashboards and audits that only see the ASG.
	lastDrainResultTagKey = "asg-node-drainer/last-drain-result"
)

// TagDrainResult upserts an observability tag on the autoscaling group
// recording the terminal drain status of the most recently handled instance.
// Tagging is best-effort metadata: failures are returned for logging but
// never block the lifecycle completion path.
func (c *Client) TagDrainResult(ctx context.Context, groupName, instanceID, status string) error {
	_, err := c.asg.CreateOrUpdateTags(ctx, &autoscaling.CreateOrUpdateTagsInput{
		Tags: []types.Tag{
			{
				ResourceId:        aws.String(groupName),
				ResourceType:      aws.String(tagResourceTypeASG),
				Key:               aws.String(lastDrainResultTagKey),
				Value:             aws.String(fmt.Sprintf("%s=%s", instanceID, status)),
				PropagateAtLaunch: aws.Bool(false),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("tagging group %s: %w", groupName, err)
	}
	return nil
}
