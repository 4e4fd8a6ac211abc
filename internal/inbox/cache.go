// Package inbox keeps the per-session view of a recipient's notifications:
// a bulk-fetched feed merged with realtime inserts, an unread count, and
// optimistic read state reconciled against the store.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
	"github.com/lalithlochan/bellhop/internal/realtime"
)

// DefaultLimit is how many records a session fetches on mount and refresh
const DefaultLimit = 50

// ErrClosed is returned by operations on a closed cache
var ErrClosed = errors.New("inbox is closed")

// Store is the persistence a session reads and mutates
type Store interface {
	ListForScope(ctx context.Context, scope db.Scope, limit int) ([]*db.Notification, error)
	MarkRead(ctx context.Context, scope db.Scope, id uuid.UUID) error
	MarkAllRead(ctx context.Context, scope db.Scope) (int64, error)
}

// Subscriber is the realtime fan-out a session listens on
type Subscriber interface {
	Subscribe(ctx context.Context, filter realtime.Filter, handlers realtime.Handlers) (realtime.CancelFunc, error)
	Reconnect(filter realtime.Filter) bool
}

// Entry is one cached notification plus session-local state.
// PendingRead marks an optimistic read the store has not confirmed.
// Alert marks a realtime arrival that should interrupt the user.
type Entry struct {
	db.Notification
	PendingRead bool `json:"pending_read"`
	Alert       bool `json:"alert"`
}

// Cache is one session's notification view. All methods are safe for
// concurrent use. Results of calls still in flight when the scope switches
// or the cache closes are discarded.
type Cache struct {
	store  Store
	rt     Subscriber
	limit  int
	logger *zap.Logger

	mu          sync.Mutex
	scope       db.Scope
	generation  uint64
	entries     []*Entry
	index       map[uuid.UUID]*Entry
	unread      int
	state       realtime.State
	channelErr  error
	lastErr     error
	unsubscribe realtime.CancelFunc
	closed      bool
	changes     chan Change
}

// New creates a cache for scope. Call Mount to load it.
func New(store Store, rt Subscriber, scope db.Scope, limit int, logger *zap.Logger) *Cache {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Cache{
		store:   store,
		rt:      rt,
		limit:   limit,
		logger:  logger,
		scope:   scope,
		index:   make(map[uuid.UUID]*Entry),
		state:   realtime.StateConnecting,
		changes: make(chan Change, 128),
	}
}

// Mount subscribes to realtime inserts for the scope and bulk-fetches the
// newest records. Inserts that land during the fetch are merged by id.
func (c *Cache) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.scope.Valid() {
		c.mu.Unlock()
		return fmt.Errorf("invalid inbox scope %s", c.scope)
	}
	if c.unsubscribe != nil {
		c.mu.Unlock()
		return c.Refresh(ctx)
	}
	gen, scope := c.generation, c.scope
	c.mu.Unlock()

	filter := realtime.FilterFor(scope)
	cancel, err := c.rt.Subscribe(context.Background(), filter, realtime.Handlers{
		OnInsert: func(n *db.Notification) { c.onInsert(gen, n) },
		OnStatus: func(s realtime.State, err error) { c.onStatus(gen, s, err) },
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", filter.Topic(), err)
	}

	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.unsubscribe = cancel
	c.mu.Unlock()

	return c.Refresh(ctx)
}

// Refresh re-fetches the newest records and merges them into the view.
// Local read state is kept: a row read locally stays read.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	gen, scope := c.generation, c.scope
	c.mu.Unlock()

	fetched, err := c.store.ListForScope(ctx, scope, c.limit)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.generation {
		return err
	}
	if err != nil {
		c.lastErr = err
		c.logger.Warn("inbox refresh failed", zap.String("scope", scope.String()), zap.Error(err))
		c.emitLocked(Change{Kind: ChangeError, Error: err.Error()})
		return err
	}

	c.mergeLocked(fetched)
	c.emitLocked(c.snapshotLocked())
	return nil
}

func (c *Cache) mergeLocked(fetched []*db.Notification) {
	for _, n := range fetched {
		if !c.scope.Matches(n) {
			continue
		}
		if e, ok := c.index[n.ID]; ok {
			read := e.Read || n.Read
			e.Notification = *n.Clone()
			e.Read = read
			if n.Read {
				e.PendingRead = false
			}
			continue
		}
		e := &Entry{Notification: *n.Clone()}
		c.index[n.ID] = e
		c.entries = append(c.entries, e)
	}

	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].CreatedAt.After(c.entries[j].CreatedAt)
	})
	c.recountLocked()
}

func (c *Cache) recountLocked() {
	c.unread = 0
	for _, e := range c.entries {
		if !e.Read {
			c.unread++
		}
	}
}

func (c *Cache) onInsert(gen uint64, n *db.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.generation {
		return
	}
	if !c.scope.Matches(n) {
		c.logger.Warn("dropping realtime insert for another scope",
			zap.String("scope", c.scope.String()),
			zap.String("record_scope", n.Scope().String()),
		)
		return
	}
	if _, seen := c.index[n.ID]; seen {
		return
	}

	e := &Entry{Notification: *n, Alert: n.Priority.Alerts()}
	c.index[n.ID] = e
	c.entries = append([]*Entry{e}, c.entries...)
	if !e.Read {
		c.unread++
	}

	c.emitLocked(Change{Kind: ChangeInsert, Entries: []Entry{*e}, Unread: c.unread, Connected: c.connectedLocked()})
}

func (c *Cache) onStatus(gen uint64, state realtime.State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.generation {
		return
	}
	c.state = state
	c.channelErr = err

	change := Change{Kind: ChangeStatus, State: state.String(), Unread: c.unread, Connected: c.connectedLocked()}
	if err != nil {
		change.Error = err.Error()
	}
	c.emitLocked(change)
}

// MarkRead flips id to read locally, then persists it. A failed write is
// not rolled back: the entry keeps PendingRead and Err reports the failure.
func (c *Cache) MarkRead(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	gen, scope := c.generation, c.scope
	if e, ok := c.index[id]; ok && !e.Read {
		e.Read = true
		e.PendingRead = true
		c.unread = max(0, c.unread-1)
		c.emitLocked(Change{Kind: ChangeRead, ReadIDs: []uuid.UUID{id}, Unread: c.unread, Connected: c.connectedLocked()})
	}
	c.mu.Unlock()

	err := c.store.MarkRead(ctx, scope, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.generation {
		return err
	}
	if err != nil {
		c.failLocked("mark read", err, zap.String("notification_id", id.String()))
		return err
	}
	if e, ok := c.index[id]; ok {
		e.PendingRead = false
	}
	return nil
}

// MarkAllRead flips every unread entry to read locally, then persists the
// recipient's whole unread set. Calling it again is a no-op.
func (c *Cache) MarkAllRead(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	gen, scope := c.generation, c.scope
	var flipped []uuid.UUID
	for _, e := range c.entries {
		if !e.Read {
			e.Read = true
			e.PendingRead = true
			flipped = append(flipped, e.ID)
		}
	}
	c.unread = 0
	if len(flipped) > 0 {
		c.emitLocked(Change{Kind: ChangeRead, ReadIDs: flipped, Unread: 0, Connected: c.connectedLocked()})
	}
	c.mu.Unlock()

	updated, err := c.store.MarkAllRead(ctx, scope)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.generation {
		return err
	}
	if err != nil {
		c.failLocked("mark all read", err, zap.Int("optimistic", len(flipped)))
		return err
	}
	for _, id := range flipped {
		if e, ok := c.index[id]; ok {
			e.PendingRead = false
		}
	}
	c.logger.Debug("inbox marked all read", zap.String("scope", scope.String()), zap.Int64("updated", updated))
	return nil
}

func (c *Cache) failLocked(op string, err error, fields ...zap.Field) {
	c.lastErr = err
	c.logger.Warn("inbox "+op+" failed, local state is ahead of the store",
		append(fields, zap.String("scope", c.scope.String()), zap.Error(err))...)
	c.emitLocked(Change{Kind: ChangeError, Error: err.Error(), Unread: c.unread, Connected: c.connectedLocked()})
}

// SwitchScope tears down the current subscription and view and mounts scope.
// Nothing from the old scope survives the switch.
func (c *Cache) SwitchScope(ctx context.Context, scope db.Scope) error {
	if !scope.Valid() {
		return fmt.Errorf("invalid inbox scope %s", scope)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if scope == c.scope {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	old := c.unsubscribe
	c.unsubscribe = nil
	c.scope = scope
	c.entries = nil
	c.index = make(map[uuid.UUID]*Entry)
	c.unread = 0
	c.state = realtime.StateConnecting
	c.channelErr = nil
	c.lastErr = nil
	c.emitLocked(c.snapshotLocked())
	c.mu.Unlock()

	if old != nil {
		old()
	}

	return c.Mount(ctx)
}

// Reconnect asks the realtime bridge to restart this session's channel.
func (c *Cache) Reconnect() bool {
	c.mu.Lock()
	scope, closed := c.scope, c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	return c.rt.Reconnect(realtime.FilterFor(scope))
}

// Close ends the session. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	close(c.changes)
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// List returns a copy of the cached entries, newest first.
func (c *Cache) List() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listLocked()
}

func (c *Cache) listLocked() []Entry {
	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = *e
	}
	return out
}

// UnreadCount returns the number of unread entries.
func (c *Cache) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// IsConnected reports whether the realtime channel is subscribed.
func (c *Cache) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedLocked()
}

func (c *Cache) connectedLocked() bool {
	return c.state == realtime.StateSubscribed
}

// State returns the realtime channel state and its last error.
func (c *Cache) State() (realtime.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.channelErr
}

// Err returns the last persistence failure. Non-nil means local state may be
// ahead of the store until the next successful Refresh.
func (c *Cache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Scope returns the scope the cache is bound to.
func (c *Cache) Scope() db.Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// Snapshot returns the full current view as a change.
func (c *Cache) Snapshot() Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Cache) snapshotLocked() Change {
	return Change{
		Kind:      ChangeSnapshot,
		Entries:   c.listLocked(),
		Unread:    c.unread,
		Connected: c.connectedLocked(),
		State:     c.state.String(),
	}
}
