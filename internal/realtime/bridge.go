package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
	"github.com/lalithlochan/bellhop/internal/metrics"
)

// Handlers receive a subscriber's deliveries. Both are optional.
// OnInsert gets a private copy of each record. OnStatus reports channel
// state changes once each; channel failures are never returned as errors.
// Handlers may cancel their subscription but must not subscribe.
type Handlers struct {
	OnInsert func(*db.Notification)
	OnStatus func(State, error)
}

// CancelFunc ends a subscription. It is idempotent.
type CancelFunc func()

// Bridge fans realtime channels out to subscribers. Subscribers with the
// same filter topic share one channel.
type Bridge struct {
	manager *Manager
	logger  *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	scopes map[string]*scope
	nextID uint64
}

// NewBridge creates a bridge. Call Init before subscribing.
func NewBridge(manager *Manager, logger *zap.Logger) *Bridge {
	return &Bridge{
		manager: manager,
		logger:  logger,
		scopes:  make(map[string]*scope),
	}
}

// Init starts the bridge. Channels live until Dispose or until ctx is done.
func (b *Bridge) Init(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		return
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
}

// Dispose closes every channel and ends every subscription.
// Remaining subscribers are told StateClosed. Safe to call repeatedly.
func (b *Bridge) Dispose() {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	scopes := make([]*scope, 0, len(b.scopes))
	for topic, sc := range b.scopes {
		scopes = append(scopes, sc)
		delete(b.scopes, topic)
	}
	b.mu.Unlock()

	for _, sc := range scopes {
		sc.wait()
	}
	b.manager.CloseAll()
}

func (b *Bridge) running() bool {
	return b.ctx != nil && b.ctx.Err() == nil
}

// Subscribe registers handlers for inserts matching filter. The subscription
// ends when the returned CancelFunc is called or ctx is done.
func (b *Bridge) Subscribe(ctx context.Context, filter Filter, handlers Handlers) (CancelFunc, error) {
	if !filter.Scope().Valid() {
		return nil, fmt.Errorf("invalid realtime filter %q", filter.Expression())
	}

	b.mu.Lock()
	if !b.running() {
		b.mu.Unlock()
		return nil, ErrNotRunning
	}

	topic := filter.Topic()
	sc, ok := b.scopes[topic]
	if !ok {
		sc = newScope(filter, b.logger.With(zap.String("topic", topic)))
		b.scopes[topic] = sc
		b.start(sc)
	}

	b.nextID++
	sub := &subscriber{id: b.nextID, handlers: handlers}
	sub.active.Store(true)
	sc.add(sub)
	b.mu.Unlock()

	metrics.AddRealtimeSubscribers(1)

	// Late joiners learn the current connectivity right away.
	sc.greet(sub)

	cancel := func() {
		if !sub.active.CompareAndSwap(true, false) {
			return
		}
		metrics.AddRealtimeSubscribers(-1)
		b.remove(sc, sub)
	}
	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, cancel)
		return func() {
			stop()
			cancel()
		}, nil
	}
	return cancel, nil
}

// Reconnect restarts the channel for filter once its retry budget is spent.
// It reports false when there is no such scope or its channel is still
// connected or retrying on its own.
func (b *Bridge) Reconnect(filter Filter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running() {
		return false
	}
	sc, ok := b.scopes[filter.Topic()]
	if !ok || sc.alive() {
		return false
	}

	sc.wait()
	b.start(sc)
	return true
}

// State returns the channel state for filter, or StateClosed if nothing is subscribed
func (b *Bridge) State(filter Filter) State {
	b.mu.Lock()
	sc, ok := b.scopes[filter.Topic()]
	b.mu.Unlock()
	if !ok {
		return StateClosed
	}
	state, _ := sc.current()
	return state
}

// start launches the scope's run loop; b.mu must be held.
func (b *Bridge) start(sc *scope) {
	ctx, cancel := context.WithCancel(b.ctx)
	sc.mu.Lock()
	sc.state, sc.err = StateConnecting, nil
	sc.cancel = cancel
	sc.done = make(chan struct{})
	done := sc.done
	sc.mu.Unlock()

	go b.run(ctx, sc, done)
}

func (b *Bridge) remove(sc *scope, sub *subscriber) {
	b.mu.Lock()
	empty := sc.drop(sub)
	if empty && b.scopes[sc.topic] == sc {
		delete(b.scopes, sc.topic)
	} else {
		empty = false
	}
	b.mu.Unlock()

	// Not waiting: cancel may run on the scope's own goroutine from a handler.
	if empty {
		sc.stop()
	}
}

// stableChannel is how long a channel must stay up before a later drop
// starts a fresh retry budget.
const stableChannel = time.Minute

func (b *Bridge) run(ctx context.Context, sc *scope, done chan struct{}) {
	defer close(done)

	drops := 0
	for {
		sc.setState(StateConnecting, nil)

		ch, err := b.manager.Open(ctx, ChannelSpec{Name: sc.topic, Filter: sc.filter})
		if err != nil {
			if ctx.Err() != nil {
				sc.setState(StateClosed, nil)
				return
			}
			sc.logger.Warn("realtime channel unavailable", zap.Error(err))
			sc.setState(StateOf(err), err)
			return
		}

		sc.setState(StateSubscribed, nil)
		up := time.Now()
		state, delivered, err := sc.listen(ctx, ch)
		_ = ch.Close()

		if ctx.Err() != nil {
			sc.setState(StateClosed, nil)
			return
		}
		if !state.Retryable() {
			sc.setState(state, err)
			return
		}

		if delivered || time.Since(up) > stableChannel {
			drops = 0
		}
		drops++
		if drops > b.manager.config.MaxRetries {
			metrics.RecordChannelFailure()
			err = fmt.Errorf("%w after %d drops: %w", ErrRetriesExhausted, drops, err)
			sc.logger.Error("realtime channel keeps dropping, giving up", zap.Error(err))
			sc.setState(state, err)
			return
		}

		delay := b.manager.config.RetryBase * time.Duration(drops)
		metrics.RecordChannelRetry()
		sc.logger.Warn("realtime channel lost, resubscribing",
			zap.String("state", state.String()),
			zap.Int("attempt", drops),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		sc.setState(state, err)

		if b.manager.sleep(ctx, delay) != nil {
			sc.setState(StateClosed, nil)
			return
		}
	}
}

type subscriber struct {
	id       uint64
	handlers Handlers
	active   atomic.Bool

	// guarded by scope.notifyMu
	greeted bool
}

// scope is one logical channel and the subscribers sharing it.
type scope struct {
	filter Filter
	topic  string
	logger *zap.Logger

	// notifyMu orders status callbacks so each subscriber sees every
	// transition once.
	notifyMu sync.Mutex

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	state  State
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

func newScope(filter Filter, logger *zap.Logger) *scope {
	return &scope{
		filter: filter,
		topic:  filter.Topic(),
		logger: logger,
		subs:   make(map[uint64]*subscriber),
	}
}

func (sc *scope) add(sub *subscriber) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.subs[sub.id] = sub
}

// greet reports the current state to a new subscriber unless a broadcast
// already reached it.
func (sc *scope) greet(sub *subscriber) {
	sc.notifyMu.Lock()
	defer sc.notifyMu.Unlock()
	if sub.greeted {
		return
	}
	sub.greeted = true

	state, err := sc.current()
	if state != StateConnecting && sub.active.Load() && sub.handlers.OnStatus != nil {
		sub.handlers.OnStatus(state, err)
	}
}

// alive reports whether the run loop is still connecting, listening or retrying
func (sc *scope) alive() bool {
	sc.mu.Lock()
	done := sc.done
	sc.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// drop removes sub and reports whether the scope is now empty
func (sc *scope) drop(sub *subscriber) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.subs, sub.id)
	return len(sc.subs) == 0
}

func (sc *scope) current() (State, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state, sc.err
}

// stop cancels the run loop without waiting for it
func (sc *scope) stop() {
	sc.mu.Lock()
	cancel := sc.cancel
	sc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// wait stops the run loop and blocks until it has returned
func (sc *scope) wait() {
	sc.stop()
	sc.mu.Lock()
	done := sc.done
	sc.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (sc *scope) snapshot() []*subscriber {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	subs := make([]*subscriber, 0, len(sc.subs))
	for _, s := range sc.subs {
		subs = append(subs, s)
	}
	return subs
}

func (sc *scope) setState(state State, err error) {
	sc.notifyMu.Lock()
	defer sc.notifyMu.Unlock()

	sc.mu.Lock()
	sc.state, sc.err = state, err
	sc.mu.Unlock()

	for _, s := range sc.snapshot() {
		s.greeted = true
		if s.active.Load() && s.handlers.OnStatus != nil {
			s.handlers.OnStatus(state, err)
		}
	}
}

// listen delivers inserts until the channel ends. It returns the state the
// channel ended in and whether any record arrived.
func (sc *scope) listen(ctx context.Context, ch *Channel) (State, bool, error) {
	delivered := false
	for {
		select {
		case <-ctx.Done():
			return StateClosed, delivered, nil
		case ev, ok := <-ch.Events():
			if !ok {
				if ctx.Err() != nil {
					return StateClosed, delivered, nil
				}
				return StateError, delivered, fmt.Errorf("%w: transport closed the channel", ErrChannel)
			}
			if ev.Record == nil {
				return ev.State, delivered, ev.Err
			}
			sc.deliver(ev.Record)
			delivered = true
		}
	}
}

func (sc *scope) deliver(rec *db.Notification) {
	if !sc.filter.Matches(rec) {
		sc.logger.Debug("dropping insert outside filter",
			zap.String("notification_id", rec.ID.String()),
			zap.String("scope", rec.Scope().String()),
		)
		return
	}
	for _, s := range sc.snapshot() {
		if s.active.Load() && s.handlers.OnInsert != nil {
			s.handlers.OnInsert(rec.Clone())
		}
	}
}
