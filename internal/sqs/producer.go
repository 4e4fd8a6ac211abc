// Package sqs moves dispatch requests through an AWS SQS queue and its
// dead-letter queue.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// KindDispatch marks an envelope carrying a dispatch request
const KindDispatch = "dispatch"

// API is the part of the SQS client the producer and consumer use
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	DLQURL   string
}

// Envelope is the body of every queued message
type Envelope struct {
	Kind       string          `json:"kind"`
	Body       json.RawMessage `json:"body"`
	Reason     string          `json:"reason,omitempty"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

// NewClient builds an SQS client from the default AWS config chain
func NewClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer sends envelopes to one queue.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewProducer creates a producer for queueURL.
func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// Enqueue wraps v in an envelope of the given kind and sends it.
// Returns the SQS message ID.
func (p *Producer) Enqueue(ctx context.Context, kind string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s body: %w", kind, err)
	}
	return p.send(ctx, Envelope{Kind: kind, Body: body})
}

// Forward resends an envelope with the reason it was rejected, typically to a DLQ.
func (p *Producer) Forward(ctx context.Context, env Envelope, reason string) (string, error) {
	env.Reason = reason
	return p.send(ctx, env)
}

func (p *Producer) send(ctx context.Context, env Envelope) (string, error) {
	env.EnqueuedAt = p.now().UnixNano()

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(data)),
	})
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("kind", env.Kind),
			zap.String("queue_url", p.queueURL),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
