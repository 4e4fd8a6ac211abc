package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
)

const feedChannelPrefix = "notifications:insert:"

// FeedChannel returns the pub/sub channel carrying inserts for a recipient type
func FeedChannel(recipientType db.RecipientType) string {
	return feedChannelPrefix + string(recipientType)
}

// InsertFeed publishes inserted notifications over Redis pub/sub, one channel
// per recipient type. Subscribers filter by recipient id themselves.
type InsertFeed struct {
	client *Client
	logger *zap.Logger
}

// NewInsertFeed creates an insert feed.
func NewInsertFeed(client *Client, logger *zap.Logger) *InsertFeed {
	return &InsertFeed{
		client: client,
		logger: logger,
	}
}

// Publish announces an inserted notification.
func (f *InsertFeed) Publish(ctx context.Context, notif *db.Notification) error {
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := f.client.rdb.Publish(ctx, FeedChannel(notif.RecipientType), data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}

	return nil
}

// Subscribe joins the feed for one recipient type. It returns once Redis has
// confirmed the subscription.
func (f *InsertFeed) Subscribe(ctx context.Context, recipientType db.RecipientType) (*FeedSubscription, error) {
	channel := FeedChannel(recipientType)
	ps := f.client.rdb.Subscribe(ctx, channel)

	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	sub := &FeedSubscription{
		ps:     ps,
		out:    make(chan *db.Notification, 16),
		done:   make(chan struct{}),
		logger: f.logger.With(zap.String("channel", channel)),
	}
	go sub.pump()

	return sub, nil
}

// FeedSubscription is one live subscription to an insert feed channel.
type FeedSubscription struct {
	ps     *redis.PubSub
	out    chan *db.Notification
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// Notifications yields decoded inserts. It is closed when the subscription ends.
func (s *FeedSubscription) Notifications() <-chan *db.Notification {
	return s.out
}

// Close ends the subscription. Safe to call more than once.
func (s *FeedSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *FeedSubscription) pump() {
	defer close(s.out)

	messages := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var notif db.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &notif); err != nil {
				s.logger.Warn("dropping malformed feed message", zap.Error(err))
				continue
			}
			select {
			case s.out <- &notif:
			case <-s.done:
				return
			}
		}
	}
}
