// Package queue provides the SQS-based wake producer that nudges the sync
// worker after new jobs land, so webhook-triggered work starts immediately
// instead of waiting out the worker's poll interval.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"calsync/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Trigger sends WakeMessages to the worker's wake queue. The queue carries
// no work of its own - jobs live in the database - so a lost wake only
// delays processing until the next poll.
type Trigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewTrigger creates a Trigger targeting the given wake queue URL.
func NewTrigger(client SQSSender, queueURL string, logger *slog.Logger) *Trigger {
	return &Trigger{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Wake serializes the message and sends it to the wake queue. A missing
// trace id is filled in so worker logs always correlate to a producer.
func (t *Trigger) Wake(ctx context.Context, msg types.WakeMessage) error {
	if msg.TraceID == "" {
		msg.TraceID = uuid.NewString()
	}
	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal WakeMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Reason),
			},
		},
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send WakeMessage to %s: %w", t.queueURL, err)
	}

	t.logger.InfoContext(ctx, "worker wake sent",
		"queue_url", t.queueURL,
		"trace_id", msg.TraceID,
		"batch_limit", msg.BatchLimit,
		"reason", msg.Reason,
	)
	return nil
}
