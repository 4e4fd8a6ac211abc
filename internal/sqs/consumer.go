package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// Received is one message taken off the queue. DecodeErr is set when the
// body is not a valid envelope; Raw keeps the body for the DLQ.
type Received struct {
	MessageID     string
	ReceiptHandle string
	ReceiveCount  int
	Envelope      Envelope
	Raw           string
	DecodeErr     error
}

// Consumer reads envelopes from one queue.
type Consumer struct {
	client            API
	queueURL          string
	waitSeconds       int32
	visibilityTimeout int32
	logger            *zap.Logger
}

// NewConsumer creates a consumer that long-polls queueURL.
func NewConsumer(client API, queueURL string, logger *zap.Logger) *Consumer {
	logger.Info("sqs consumer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Consumer{
		client:            client,
		queueURL:          queueURL,
		waitSeconds:       20,
		visibilityTimeout: 60,
		logger:            logger,
	}
}

// Receive long-polls for up to limit messages. An empty slice means the poll
// timed out with nothing to do.
func (c *Consumer) Receive(ctx context.Context, limit int32) ([]Received, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.queueURL),
		MaxNumberOfMessages:         limit,
		WaitTimeSeconds:             c.waitSeconds,
		VisibilityTimeout:           c.visibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	out := make([]Received, 0, len(result.Messages))
	for _, m := range result.Messages {
		r := Received{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Raw:           aws.ToString(m.Body),
		}
		if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
			r.ReceiveCount = n
		}
		if err := json.Unmarshal([]byte(r.Raw), &r.Envelope); err != nil {
			c.logger.Warn("failed to unmarshal message",
				zap.String("message_id", r.MessageID),
				zap.Error(err),
			)
			r.DecodeErr = fmt.Errorf("invalid message format: %w", err)
		}
		out = append(out, r)
	}

	return out, nil
}

// Delete removes a processed message.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility sets how long until an unprocessed message is redelivered.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
