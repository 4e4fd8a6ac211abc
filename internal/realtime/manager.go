package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/metrics"
)

// ManagerConfig holds the channel retry policy.
type ManagerConfig struct {
	// MaxRetries is how many times a failed join is retried. Zero disables retry.
	MaxRetries int

	// RetryBase is the first retry delay; retry n waits RetryBase*n.
	RetryBase time.Duration

	// JoinTimeout bounds a single join attempt when the spec sets none.
	JoinTimeout time.Duration
}

// DefaultManagerConfig returns the standard retry policy
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxRetries:  3,
		RetryBase:   time.Second,
		JoinTimeout: 10 * time.Second,
	}
}

// Manager opens and tracks named realtime channels.
type Manager struct {
	transport Transport
	config    ManagerConfig
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewManager creates a channel manager over transport.
func NewManager(transport Transport, config ManagerConfig, logger *zap.Logger) *Manager {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBase <= 0 {
		config.RetryBase = time.Second
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = 10 * time.Second
	}
	return &Manager{
		transport: transport,
		config:    config,
		logger:    logger,
		sleep:     sleepContext,
		channels:  make(map[string]*Channel),
	}
}

// Open joins the channel described by spec, retrying ErrChannel and
// ErrTimedOut failures with linearly increasing delay. Other errors are
// returned at once. An open channel with the same name is torn down
// first. Once retries are exhausted the returned error wraps both
// ErrRetriesExhausted and the last cause.
func (m *Manager) Open(ctx context.Context, spec ChannelSpec) (*Channel, error) {
	if spec.Name == "" {
		spec.Name = spec.Filter.Topic()
	}
	timeout := spec.JoinTimeout
	if timeout <= 0 {
		timeout = m.config.JoinTimeout
	}

	m.Close(spec.Name)

	logger := m.logger.With(zap.String("channel", spec.Name))

	var conn Conn
	for attempt := 0; ; attempt++ {
		joinCtx, cancel := context.WithTimeout(ctx, timeout)
		c, err := m.transport.Join(joinCtx, spec)
		if err != nil {
			err = joinError(joinCtx, err)
		}
		cancel()

		if err == nil {
			conn = c
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !Transient(err) {
			metrics.RecordChannelFailure()
			logger.Error("realtime channel join failed, not retrying", zap.Error(err))
			return nil, err
		}
		if attempt >= m.config.MaxRetries {
			metrics.RecordChannelFailure()
			logger.Error("realtime channel failed, giving up",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}

		delay := m.config.RetryBase * time.Duration(attempt+1)
		metrics.RecordChannelRetry()
		logger.Warn("realtime channel join failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if err := m.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	ch := &Channel{name: spec.Name, spec: spec, conn: conn, manager: m}

	m.mu.Lock()
	prev := m.channels[spec.Name]
	m.channels[spec.Name] = ch
	m.mu.Unlock()

	// A concurrent Open of the same name finished first.
	if prev != nil {
		_ = prev.Close()
	}

	logger.Debug("realtime channel subscribed")
	return ch, nil
}

// Get returns the open channel with the given name
func (m *Manager) Get(name string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Len returns the number of open channels
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Close tears down the named channel if it is open.
func (m *Manager) Close(name string) {
	m.mu.Lock()
	ch := m.channels[name]
	delete(m.channels, name)
	m.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
}

// CloseAll tears down every open channel. Safe to call repeatedly.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	open := make([]*Channel, 0, len(m.channels))
	for name, ch := range m.channels {
		open = append(open, ch)
		delete(m.channels, name)
	}
	m.mu.Unlock()

	for _, ch := range open {
		_ = ch.Close()
	}
}

func (m *Manager) forget(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[ch.name] == ch {
		delete(m.channels, ch.name)
	}
}

// Channel is an open, subscribed realtime channel.
type Channel struct {
	name    string
	spec    ChannelSpec
	conn    Conn
	manager *Manager

	once sync.Once
	err  error
}

// Name returns the channel name
func (c *Channel) Name() string { return c.name }

// Spec returns the spec the channel was opened with
func (c *Channel) Spec() ChannelSpec { return c.spec }

// Events yields the channel's inserts and its final state change
func (c *Channel) Events() <-chan Event { return c.conn.Events() }

// Close tears the channel down. Safe to call more than once.
func (c *Channel) Close() error {
	c.once.Do(func() {
		c.err = c.conn.Close()
		c.manager.forget(c)
	})
	return c.err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsExhausted reports whether err ended a channel after its retry budget
func IsExhausted(err error) bool {
	return errors.Is(err, ErrRetriesExhausted)
}
