// Package push delivers a persisted notification to a recipient's registered
// devices and browsers.
package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
)

// ErrSubscriptionGone means the endpoint no longer accepts pushes and the
// subscription should be deactivated.
var ErrSubscriptionGone = errors.New("push subscription is gone")

// MessageTypeNew is the message type the service worker listens for
const MessageTypeNew = "NEW_NOTIFICATION"

// Sender delivers a message to one push subscription
type Sender interface {
	Send(ctx context.Context, sub *db.PushSubscription, msg Message) error
	SupportsPlatform(platform string) bool
}

// Action is a button on the OS-level notification
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Payload is what the service worker turns into an OS-level notification
type Payload struct {
	ID       uuid.UUID   `json:"id"`
	Title    string      `json:"title"`
	Body     string      `json:"body"`
	URL      string      `json:"url,omitempty"`
	OrderID  *string     `json:"order_id,omitempty"`
	Priority db.Priority `json:"priority"`
	Type     *string     `json:"type,omitempty"`
	Actions  []Action    `json:"actions"`
}

// Message is the envelope posted to the service worker
type Message struct {
	Type    string  `json:"type"`
	Payload Payload `json:"payload"`
}

// NewMessage builds the push message for a stored notification.
// Order notifications get accept/reject/view buttons, everything else view.
func NewMessage(n *db.Notification) Message {
	p := Payload{
		ID:       n.ID,
		Title:    n.Title,
		Body:     n.Message,
		OrderID:  n.OrderID,
		Priority: n.Priority,
		Type:     n.Type,
	}
	if n.URL != nil {
		p.URL = *n.URL
	}

	if n.OrderID != nil {
		p.Actions = []Action{
			{Action: "accept", Title: "Accept"},
			{Action: "reject", Title: "Reject"},
			{Action: "view", Title: "View"},
		}
	} else {
		p.Actions = []Action{{Action: "view", Title: "View"}}
	}

	return Message{Type: MessageTypeNew, Payload: p}
}

// MultiSender routes each subscription to the sender for its platform
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over senders. The first sender that
// supports a platform wins.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes sub to the sender for its platform
func (m *MultiSender) Send(ctx context.Context, sub *db.PushSubscription, msg Message) error {
	for _, sender := range m.senders {
		if sender.SupportsPlatform(sub.Platform) {
			m.logger.Debug("routing push to sender",
				zap.String("platform", sub.Platform),
				zap.String("subscription_id", sub.ID.String()),
			)
			return sender.Send(ctx, sub, msg)
		}
	}

	return fmt.Errorf("no push sender for platform: %s", sub.Platform)
}

// SupportsPlatform checks if any underlying sender supports the platform
func (m *MultiSender) SupportsPlatform(platform string) bool {
	for _, sender := range m.senders {
		if sender.SupportsPlatform(platform) {
			return true
		}
	}
	return false
}

// LogSender logs pushes instead of delivering them (for development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, sub *db.PushSubscription, msg Message) error {
	s.logger.Info("logging push (development mode)",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("platform", sub.Platform),
		zap.String("notification_id", msg.Payload.ID.String()),
		zap.String("title", msg.Payload.Title),
		zap.Int("actions", len(msg.Payload.Actions)),
	)
	return nil
}

func (s *LogSender) SupportsPlatform(platform string) bool {
	return platform == db.PlatformWeb || platform == db.PlatformSNS
}
