package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransitionTerminating is the lifecycle transition emitted when the
// autoscaler selects an instance for termination. Only this transition is
// acted upon; launch-hook transitions are acknowledged and dropped.
const TransitionTerminating = "autoscaling:EC2_INSTANCE_TERMINATING"

// eventSourceAutoScaling identifies lifecycle notifications relayed through
// an EventBridge envelope.
const eventSourceAutoScaling = "aws.autoscaling"

// A TerminationNotice is a parsed lifecycle termination notification.
// Immutable once parsed; uniquely identified by (AutoScalingGroupName,
// EC2InstanceID).
type TerminationNotice struct {
	EC2InstanceID        string `json:"EC2InstanceId"`
	AutoScalingGroupName string `json:"AutoScalingGroupName"`
	LifecycleHookName    string `json:"LifecycleHookName"`
	LifecycleActionToken string `json:"LifecycleActionToken"`
	LifecycleTransition  string `json:"LifecycleTransition"`
	NotificationMetadata string `json:"NotificationMetadata,omitempty"`

	// Queue delivery details, not part of the notification payload.
	MessageID     string    `json:"-"`
	ReceiptHandle string    `json:"-"`
	ReceivedAt    time.Time `json:"-"`
}

// envelope is the EventBridge wrapper some delivery paths put around the
// lifecycle notification.
//
//	{
//	  "source": "aws.autoscaling",
//	  "detail-type": "EC2 Instance-terminate Lifecycle Action",
//	  "time": "yyyy-mm-ddThh:mm:ssZ",
//	  "detail": { "LifecycleActionToken": ..., "AutoScalingGroupName": ..., ... }
//	}
type envelope struct {
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Time       time.Time       `json:"time"`
	Detail     json.RawMessage `json:"detail"`
}

// testNotification is the payload AWS publishes when a notification target is
// first attached to a hook.
type testNotification struct {
	Event string `json:"Event"`
}

// A MalformedNoticeError indicates a queue message that cannot be turned into
// a TerminationNotice. Such messages are acknowledged and dropped so they do
// not poison the queue.
type MalformedNoticeError struct {
	Reason string
}

func (e *MalformedNoticeError) Error() string {
	return fmt.Sprintf("malformed lifecycle notification: %s", e.Reason)
}

// IsMalformedNotice returns true if the supplied error identifies a message
// that should be dropped rather than retried.
func IsMalformedNotice(err error) bool {
	_, ok := err.(*MalformedNoticeError)
	return ok
}

// ParseNotice parses a queue message body into a TerminationNotice. The body
// is either the bare lifecycle notification JSON or the same payload wrapped
// in an EventBridge envelope.
func ParseNotice(body string) (*TerminationNotice, error) {
	payload := []byte(body)

	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil && env.Source == eventSourceAutoScaling && len(env.Detail) > 0 {
		payload = env.Detail
	}

	var test testNotification
	if err := json.Unmarshal(payload, &test); err == nil && test.Event != "" {
		return nil, &MalformedNoticeError{Reason: fmt.Sprintf("non-lifecycle event %q", test.Event)}
	}

	var n TerminationNotice
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, &MalformedNoticeError{Reason: err.Error()}
	}
	switch {
	case n.EC2InstanceID == "":
		return nil, &MalformedNoticeError{Reason: "missing EC2InstanceId"}
	case n.AutoScalingGroupName == "":
		return nil, &MalformedNoticeError{Reason: "missing AutoScalingGroupName"}
	case n.LifecycleHookName == "":
		return nil, &MalformedNoticeError{Reason: "missing LifecycleHookName"}
	case n.LifecycleActionToken == "":
		return nil, &MalformedNoticeError{Reason: "missing LifecycleActionToken"}
	case n.LifecycleTransition == "":
		return nil, &MalformedNoticeError{Reason: "missing LifecycleTransition"}
	}
	if !env.Time.IsZero() {
		n.ReceivedAt = env.Time
	}
	return &n, nil
}
