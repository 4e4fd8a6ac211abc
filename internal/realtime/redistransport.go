package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/lalithlochan/bellhop/internal/redis"
)

// RedisTransport joins channels on the Redis insert feed. The feed is
// partitioned by recipient type; recipient ids are filtered here.
type RedisTransport struct {
	feed *redis.InsertFeed
}

// NewRedisTransport creates a transport over feed.
func NewRedisTransport(feed *redis.InsertFeed) *RedisTransport {
	return &RedisTransport{feed: feed}
}

// Join subscribes to the feed for the channel's recipient type.
func (t *RedisTransport) Join(ctx context.Context, spec ChannelSpec) (Conn, error) {
	sub, err := t.feed.Subscribe(ctx, spec.Filter.RecipientType)
	if err != nil {
		return nil, connError(ctx, err)
	}

	c := &redisConn{
		sub:    sub,
		filter: spec.Filter,
		events: make(chan Event, 16),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.forward()

	return c, nil
}

type redisConn struct {
	sub    *redis.FeedSubscription
	filter Filter
	events chan Event
	closed chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (c *redisConn) Events() <-chan Event { return c.events }

func (c *redisConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.sub.Close()
		<-c.done
	})
	return err
}

func (c *redisConn) forward() {
	defer close(c.done)
	defer close(c.events)

	for {
		select {
		case <-c.closed:
			return
		case notif, ok := <-c.sub.Notifications():
			if !ok {
				select {
				case <-c.closed:
				case c.events <- Event{State: StateError, Err: fmt.Errorf("%w: feed subscription ended", ErrChannel)}:
				}
				return
			}
			if !c.filter.Matches(notif) {
				continue
			}
			select {
			case c.events <- Event{Record: notif, State: StateSubscribed}:
			case <-c.closed:
				return
			}
		}
	}
}
