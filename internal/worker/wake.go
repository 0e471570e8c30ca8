package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"calsync/internal/types"
)

// SQSReceiver abstracts the SQS consumer operations for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSWakeSource long-polls the wake queue. Wake messages carry no work
// themselves, so they are deleted as soon as they are read; a delete
// failure just means one redundant drain later.
type SQSWakeSource struct {
	client   SQSReceiver
	queueURL string
	logger   *slog.Logger
}

// NewSQSWakeSource creates a wake source reading from the given queue URL.
func NewSQSWakeSource(client SQSReceiver, queueURL string, logger *slog.Logger) *SQSWakeSource {
	return &SQSWakeSource{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Receive long-polls for one wake message. Returns nil, nil when the poll
// window closes without one.
func (s *SQSWakeSource) Receive(ctx context.Context) (*types.WakeMessage, error) {
	out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	raw := out.Messages[0]
	if raw.ReceiptHandle != nil {
		_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(s.queueURL),
			ReceiptHandle: raw.ReceiptHandle,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "failed to delete wake message", "error", err)
		}
	}

	var msg types.WakeMessage
	if raw.Body != nil {
		if err := json.Unmarshal([]byte(*raw.Body), &msg); err != nil {
			s.logger.WarnContext(ctx, "malformed wake message body", "error", err)
		}
	}
	return &msg, nil
}
