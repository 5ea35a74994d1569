// Package lifecycle talks to the AWS Auto Scaling lifecycle-hook API: it
// completes lifecycle actions, extends them with heartbeats, and tags the
// group with the last drain outcome.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// Result is the outcome reported when completing a lifecycle action.
// CONTINUE lets the autoscaler proceed with the remaining lifecycle steps;
// ABANDON terminates the instance immediately with no further grace. The two
// differ architecturally, hence a tagged type rather than a boolean.
type Result string

const (
	ResultContinue Result = "CONTINUE"
	ResultAbandon  Result = "ABANDON"
)

// Valid returns true for the two results the lifecycle-hook API accepts.
func (r Result) Valid() bool {
	return r == ResultContinue || r == ResultAbandon
}

// ParseResult converts a configuration string into a Result.
func ParseResult(s string) (Result, error) {
	r := Result(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid lifecycle action result %q (want %s or %s)", s, ResultContinue, ResultAbandon)
	}
	return r, nil
}

// An ActionRef identifies one pending lifecycle action.
type ActionRef struct {
	AutoScalingGroupName string
	LifecycleHookName    string
	LifecycleActionToken string
	InstanceID           string
}

// AutoScalingAPI is the subset of the Auto Scaling client used by Client.
type AutoScalingAPI interface {
	CompleteLifecycleAction(ctx context.Context, params *autoscaling.CompleteLifecycleActionInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CompleteLifecycleActionOutput, error)
	RecordLifecycleActionHeartbeat(ctx context.Context, params *autoscaling.RecordLifecycleActionHeartbeatInput, optFns ...func(*autoscaling.Options)) (*autoscaling.RecordLifecycleActionHeartbeatOutput, error)
	CreateOrUpdateTags(ctx context.Context, params *autoscaling.CreateOrUpdateTagsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CreateOrUpdateTagsOutput, error)
}

// Client wraps the Auto Scaling lifecycle-hook operations.
type Client struct {
	asg    AutoScalingAPI
	logger *zap.Logger
}

// NewClient returns a lifecycle Client.
func NewClient(api AutoScalingAPI, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{asg: api, logger: logger}
}

// Complete reports the result of a lifecycle action. Completing an action
// whose hook already timed out returns a ValidationError from AWS; that is
// reported as ErrActionGone so callers can treat it as benign.
func (c *Client) Complete(ctx context.Context, ref ActionRef, result Result) error {
	if !result.Valid() {
		return fmt.Errorf("invalid lifecycle action result %q", result)
	}
	_, err := c.asg.CompleteLifecycleAction(ctx, &autoscaling.CompleteLifecycleActionInput{
		AutoScalingGroupName:  aws.String(ref.AutoScalingGroupName),
		LifecycleHookName:     aws.String(ref.LifecycleHookName),
		LifecycleActionToken:  aws.String(ref.LifecycleActionToken),
		InstanceId:            aws.String(ref.InstanceID),
		LifecycleActionResult: aws.String(string(result)),
	})
	if err != nil {
		if isValidationError(err) {
			return fmt.Errorf("%w: %s", ErrActionGone, err)
		}
		return fmt.Errorf("completing lifecycle action for %s: %w", ref.InstanceID, err)
	}
	c.logger.Info("Completed lifecycle action",
		zap.String("instance_id", ref.InstanceID),
		zap.String("group", ref.AutoScalingGroupName),
		zap.String("result", string(result)))
	return nil
}

// Heartbeat extends the timeout of a pending lifecycle action by one
// heartbeat period.
func (c *Client) Heartbeat(ctx context.Context, ref ActionRef) error {
	_, err := c.asg.RecordLifecycleActionHeartbeat(ctx, &autoscaling.RecordLifecycleActionHeartbeatInput{
		AutoScalingGroupName: aws.String(ref.AutoScalingGroupName),
		LifecycleHookName:    aws.String(ref.LifecycleHookName),
		LifecycleActionToken: aws.String(ref.LifecycleActionToken),
		InstanceId:           aws.String(ref.InstanceID),
	})
	if err != nil {
		if isValidationError(err) {
			return fmt.Errorf("%w: %s", ErrActionGone, err)
		}
		return fmt.Errorf("recording lifecycle heartbeat for %s: %w", ref.InstanceID, err)
	}
	return nil
}

// ErrActionGone indicates the lifecycle action no longer exists, usually
// because its hook timed out or the action was already completed.
var ErrActionGone = errors.New("lifecycle action no longer pending")

// IsActionGone returns true if the lifecycle action disappeared underneath
// us; the instance is being reclaimed regardless, so there is nothing left
// to signal.
func IsActionGone(err error) bool {
	return errors.Is(err, ErrActionGone)
}

func isValidationError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ValidationError"
	}
	return false
}
