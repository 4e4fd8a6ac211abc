package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
)

// SNSAPI is the part of the SNS client the sender uses
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender publishes to mobile platform endpoints registered with AWS SNS.
// The subscription endpoint is the platform endpoint ARN.
type SNSSender struct {
	client SNSAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region   string
	Endpoint string // optional, for LocalStack
}

// NewSNSSender creates an SNS sender from the default AWS config chain
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewSNSSenderWithClient(client, logger), nil
}

// NewSNSSenderWithClient wraps an existing client
func NewSNSSenderWithClient(client SNSAPI, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, logger: logger}
}

// Send publishes msg to the subscription's endpoint ARN. A disabled or
// deleted endpoint is reported as ErrSubscriptionGone.
func (s *SNSSender) Send(ctx context.Context, sub *db.PushSubscription, msg Message) error {
	if sub.Platform != db.PlatformSNS {
		return fmt.Errorf("SNS sender only supports %s, got: %s", db.PlatformSNS, sub.Platform)
	}
	if sub.Endpoint == "" {
		return fmt.Errorf("push subscription %s has no endpoint arn", sub.ID)
	}

	body, err := snsMessage(msg)
	if err != nil {
		return err
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(sub.Endpoint),
		Message:          aws.String(body),
		MessageStructure: aws.String("json"),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"priority": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Payload.Priority)),
			},
		},
	})
	if err != nil {
		var disabled *types.EndpointDisabledException
		var missing *types.NotFoundException
		if errors.As(err, &disabled) || errors.As(err, &missing) {
			return fmt.Errorf("%w: %s: %v", ErrSubscriptionGone, sub.Endpoint, err)
		}
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("push sent via SNS",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("notification_id", msg.Payload.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SNSSender) SupportsPlatform(platform string) bool {
	return platform == db.PlatformSNS
}

// snsMessage encodes msg in the per-protocol structure SNS expects when
// MessageStructure is "json".
func snsMessage(msg Message) (string, error) {
	inner, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal push message: %w", err)
	}
	gcm, err := json.Marshal(map[string]any{"data": msg})
	if err != nil {
		return "", fmt.Errorf("failed to marshal GCM payload: %w", err)
	}
	apns, err := json.Marshal(map[string]any{
		"aps":     map[string]any{"alert": map[string]string{"title": msg.Payload.Title, "body": msg.Payload.Body}},
		"payload": msg.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal APNS payload: %w", err)
	}

	out, err := json.Marshal(map[string]string{
		"default": string(inner),
		"GCM":     string(gcm),
		"APNS":    string(apns),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal SNS message: %w", err)
	}
	return string(out), nil
}
