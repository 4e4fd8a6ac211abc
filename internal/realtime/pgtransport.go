package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
)

// InsertChannel is the Postgres NOTIFY channel the notifications insert trigger publishes on.
const InsertChannel = "notification_inserts"

// NotificationLoader loads the row an insert NOTIFY refers to.
type NotificationLoader interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
}

// listenConn is a connection holding the LISTEN. *pgx.Conn satisfies it.
type listenConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// insertRef is the NOTIFY payload written by the insert trigger.
type insertRef struct {
	ID            uuid.UUID        `json:"id"`
	RecipientType db.RecipientType `json:"recipient_type"`
	RecipientID   string           `json:"recipient_id"`
}

// PGTransport joins channels on a single shared LISTEN connection and
// demultiplexes inserts by filter. The connection is taken out of the pool
// by the first join and closed when the last channel closes.
type PGTransport struct {
	loader      NotificationLoader
	logger      *zap.Logger
	connect     func(ctx context.Context) (listenConn, error)
	loadTimeout time.Duration

	mu       sync.Mutex
	listener *pgListener
	nextID   uint64
}

// NewPGTransport creates a transport listening on InsertChannel. Inserted
// rows are read back through loader.
func NewPGTransport(pool *pgxpool.Pool, loader NotificationLoader, logger *zap.Logger) *PGTransport {
	return &PGTransport{
		loader: loader,
		logger: logger,
		connect: func(ctx context.Context) (listenConn, error) {
			return listen(ctx, pool, InsertChannel)
		},
		loadTimeout: 5 * time.Second,
	}
}

// listen takes a connection out of the pool for good and issues LISTEN on it.
func listen(ctx context.Context, pool *pgxpool.Pool, channel string) (listenConn, error) {
	pooled, err := pool.Acquire(ctx)
	if err != nil {
		return nil, pgJoinError(ctx, fmt.Errorf("acquire listen connection: %w", err))
	}

	if _, err := pooled.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		pooled.Release()
		return nil, pgJoinError(ctx, fmt.Errorf("listen %s: %w", channel, err))
	}

	return pooled.Hijack(), nil
}

// pgJoinError keeps server-reported errors (auth, permissions) permanent and
// marks connection failures retryable.
func pgJoinError(ctx context.Context, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return joinError(ctx, err)
	}
	return connError(ctx, err)
}

// Join attaches a channel to the shared listener, opening it if needed.
func (t *PGTransport) Join(ctx context.Context, spec ChannelSpec) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener == nil {
		raw, err := t.connect(ctx)
		if err != nil {
			return nil, err
		}
		t.listener = t.start(raw)
		t.logger.Info("insert listener started", zap.String("channel", InsertChannel))
	}

	t.nextID++
	c := &pgConn{
		id:        t.nextID,
		filter:    spec.Filter,
		transport: t,
		listener:  t.listener,
		events:    make(chan Event, 16),
		quit:      make(chan struct{}),
	}
	t.listener.subs[c.id] = c

	return c, nil
}

// Listening reports whether the shared LISTEN connection is open
func (t *PGTransport) Listening() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener != nil
}

type pgListener struct {
	raw    listenConn
	subs   map[uint64]*pgConn // guarded by PGTransport.mu
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *PGTransport) start(raw listenConn) *pgListener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &pgListener{
		raw:    raw,
		subs:   make(map[uint64]*pgConn),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run(ctx, l)
	return l
}

func (t *PGTransport) run(ctx context.Context, l *pgListener) {
	defer close(l.done)
	defer l.cancel()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.raw.Close(closeCtx)
	}()

	for {
		n, err := l.raw.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.fail(l, fmt.Errorf("%w: %v", ErrChannel, err))
			return
		}
		t.dispatch(ctx, l, n.Payload)
	}
}

// dispatch loads the referenced row once and hands a copy to every channel
// whose filter matches.
func (t *PGTransport) dispatch(ctx context.Context, l *pgListener, payload string) {
	var ref insertRef
	if err := json.Unmarshal([]byte(payload), &ref); err != nil || ref.ID == uuid.Nil {
		t.logger.Warn("dropping malformed insert payload", zap.String("payload", payload), zap.Error(err))
		return
	}

	key := &db.Notification{RecipientType: ref.RecipientType, RecipientID: ref.RecipientID}

	t.mu.Lock()
	var targets []*pgConn
	for _, c := range l.subs {
		if c.filter.Matches(key) {
			targets = append(targets, c)
		}
	}
	t.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, t.loadTimeout)
	notif, err := t.loader.GetNotification(loadCtx, ref.ID)
	cancel()
	if err != nil {
		t.logger.Warn("failed to load inserted notification",
			zap.String("notification_id", ref.ID.String()),
			zap.Error(err),
		)
		return
	}

	for _, c := range targets {
		c.send(Event{Record: notif.Clone(), State: StateSubscribed})
	}
}

// fail detaches l so the next join opens a fresh connection, then ends
// every channel that was attached to it.
func (t *PGTransport) fail(l *pgListener, err error) {
	t.mu.Lock()
	if t.listener == l {
		t.listener = nil
	}
	subs := make([]*pgConn, 0, len(l.subs))
	for id, c := range l.subs {
		subs = append(subs, c)
		delete(l.subs, id)
	}
	t.mu.Unlock()

	t.logger.Warn("insert listener lost", zap.Int("channels", len(subs)), zap.Error(err))
	for _, c := range subs {
		c.send(Event{State: StateError, Err: err})
		c.end()
	}
}

// release detaches c and closes the listener once nothing uses it.
func (t *PGTransport) release(c *pgConn) {
	t.mu.Lock()
	l := c.listener
	delete(l.subs, c.id)
	idle := len(l.subs) == 0 && t.listener == l
	if idle {
		t.listener = nil
	}
	t.mu.Unlock()

	if idle {
		l.cancel()
		<-l.done
		t.logger.Info("insert listener stopped", zap.String("channel", InsertChannel))
	}
}

type pgConn struct {
	id        uint64
	filter    Filter
	transport *PGTransport
	listener  *pgListener

	events chan Event
	quit   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	ended bool
}

func (c *pgConn) Events() <-chan Event { return c.events }

func (c *pgConn) Close() error {
	c.once.Do(func() {
		close(c.quit)
		c.transport.release(c)
		c.end()
	})
	return nil
}

func (c *pgConn) send(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}

func (c *pgConn) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ended {
		c.ended = true
		close(c.events)
	}
}
