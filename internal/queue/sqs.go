// Package queue consumes autoscaling lifecycle notifications from an SQS
// queue with at-least-once delivery semantics: messages are deleted on ack
// and made immediately visible again on nack.
package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Receive settings. Long polling keeps the request count low; the visibility
// timeout gives the coordinator time to decide before an unacked message is
// redelivered.
const (
	defaultMaxMessages       = 10
	defaultWaitTimeSeconds   = 20
	defaultVisibilitySeconds = 60
)

// SQSAPI is the subset of the SQS client used by the Consumer.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// A Consumer receives, acknowledges and releases messages on a single queue.
type Consumer struct {
	client   SQSAPI
	queueURL string
	clock    clock.PassiveClock
	logger   *zap.Logger

	maxMessages       int32
	waitTimeSeconds   int32
	visibilitySeconds int32
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(c *Consumer)

// WithVisibilityTimeout overrides the receive visibility timeout, in seconds.
func WithVisibilityTimeout(seconds int32) ConsumerOption {
	return func(c *Consumer) {
		c.visibilitySeconds = seconds
	}
}

// WithWaitTime overrides the long-poll wait time, in seconds.
func WithWaitTime(seconds int32) ConsumerOption {
	return func(c *Consumer) {
		c.waitTimeSeconds = seconds
	}
}

// WithLogger configures the Consumer to use the supplied logger.
func WithLogger(l *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = l
	}
}

// WithClock configures the clock used to stamp received notices.
func WithClock(clk clock.PassiveClock) ConsumerOption {
	return func(c *Consumer) {
		c.clock = clk
	}
}

// NewConsumer returns a Consumer bound to the given queue URL.
func NewConsumer(client SQSAPI, queueURL string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		client:            client,
		queueURL:          queueURL,
		clock:             clock.RealClock{},
		logger:            zap.NewNop(),
		maxMessages:       defaultMaxMessages,
		waitTimeSeconds:   defaultWaitTimeSeconds,
		visibilitySeconds: defaultVisibilitySeconds,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// A RawMessage is a single received queue message, not yet parsed.
type RawMessage struct {
	ID            string
	ReceiptHandle string
	Body          string
}

// Poll receives a batch of messages from the queue. An empty slice means the
// long poll elapsed without traffic.
func (c *Consumer) Poll(ctx context.Context) ([]RawMessage, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     c.waitTimeSeconds,
		VisibilityTimeout:   c.visibilitySeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("receiving messages from %s: %w", c.queueURL, err)
	}
	msgs := make([]RawMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, RawMessage{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		})
	}
	return msgs, nil
}

// Parse turns a raw message into a TerminationNotice, stamping the queue
// delivery details onto it.
func (c *Consumer) Parse(m RawMessage) (*TerminationNotice, error) {
	n, err := ParseNotice(m.Body)
	if err != nil {
		return nil, err
	}
	n.MessageID = m.ID
	n.ReceiptHandle = m.ReceiptHandle
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = c.clock.Now()
	}
	return n, nil
}

// Ack deletes the message from the queue. Called exactly once per message,
// only after the corresponding drain reached a terminal state (or the
// message was decided to be dropped).
func (c *Consumer) Ack(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("deleting message from %s: %w", c.queueURL, err)
	}
	return nil
}

// Nack makes the message immediately visible again for redelivery.
func (c *Consumer) Nack(ctx context.Context, receiptHandle string) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("releasing message back to %s: %w", c.queueURL, err)
	}
	return nil
}
