package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
)

// WebSender delivers encrypted Web Push messages signed with the
// application's VAPID key pair.
type WebSender struct {
	client     *http.Client
	ttl        time.Duration
	publicKey  string
	privateKey string
	subscriber string
	logger     *zap.Logger
}

type WebConfig struct {
	Timeout         time.Duration // per request, default 10s
	TTL             time.Duration // how long the push service may hold the message, default 24h
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string // contact URL or mailto: address sent in the VAPID claim
}

// NewWebSender creates a web push sender. Both VAPID keys are required.
func NewWebSender(logger *zap.Logger, cfg WebConfig) (*WebSender, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errors.New("web push requires a VAPID key pair")
	}
	if cfg.Subscriber == "" {
		return nil, errors.New("web push requires a VAPID subscriber")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	return &WebSender{
		client:     &http.Client{Timeout: timeout},
		ttl:        ttl,
		publicKey:  cfg.VAPIDPublicKey,
		privateKey: cfg.VAPIDPrivateKey,
		subscriber: cfg.Subscriber,
		logger:     logger,
	}, nil
}

// Send encrypts msg for the subscription's keys and posts it to its endpoint.
// 404 and 410 mean the browser dropped the subscription.
func (s *WebSender) Send(ctx context.Context, sub *db.PushSubscription, msg Message) error {
	if sub.Platform != db.PlatformWeb {
		return fmt.Errorf("web sender only supports %s, got: %s", db.PlatformWeb, sub.Platform)
	}
	if sub.Endpoint == "" {
		return fmt.Errorf("push subscription %s has no endpoint", sub.ID)
	}
	if sub.P256dh == nil || *sub.P256dh == "" || sub.Auth == nil || *sub.Auth == "" {
		return fmt.Errorf("push subscription %s has no encryption keys", sub.ID)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal push message: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: *sub.P256dh,
			Auth:   *sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.subscriber,
		TTL:             int(s.ttl.Seconds()),
		Urgency:         urgency(msg.Payload.Priority),
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
	})
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: endpoint returned %d", ErrSubscriptionGone, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("push endpoint returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	s.logger.Info("web push delivered",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("notification_id", msg.Payload.ID.String()),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

func (s *WebSender) SupportsPlatform(platform string) bool {
	return platform == db.PlatformWeb
}

func urgency(p db.Priority) webpush.Urgency {
	switch p {
	case db.PriorityUrgent, db.PriorityHigh:
		return webpush.UrgencyHigh
	case db.PriorityLow:
		return webpush.UrgencyLow
	default:
		return webpush.UrgencyNormal
	}
}
