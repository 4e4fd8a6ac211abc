// Package realtime delivers inserted notifications to live sessions.
//
// A Transport joins a named channel that carries insert events for one
// recipient filter. The Manager owns channel lifecycle and bounded retry;
// the Bridge fans each channel out to any number of subscribers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lalithlochan/bellhop/internal/db"
)

// State is the lifecycle state of one realtime channel.
//
//	Connecting -> Subscribed -> {Error, TimedOut, Closed}
//
// Error and TimedOut are retryable. Closed is terminal for that channel instance.
type State int

const (
	StateConnecting State = iota
	StateSubscribed
	StateError
	StateTimedOut
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateError:
		return "error"
	case StateTimedOut:
		return "timed_out"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Retryable reports whether a channel in this state may be retried
func (s State) Retryable() bool {
	return s == StateError || s == StateTimedOut
}

var (
	// ErrChannel is a transport failure while joining or listening.
	ErrChannel = errors.New("realtime channel error")

	// ErrTimedOut means the channel did not confirm its subscription in time.
	ErrTimedOut = errors.New("realtime channel timed out")

	// ErrRetriesExhausted wraps the last cause once the retry budget is spent.
	ErrRetriesExhausted = errors.New("realtime channel retries exhausted")

	// ErrNotRunning is returned by a bridge that was never initialised or is disposed.
	ErrNotRunning = errors.New("realtime bridge is not running")
)

// StateOf maps an error to the state it leaves a channel in
func StateOf(err error) State {
	switch {
	case err == nil:
		return StateSubscribed
	case errors.Is(err, ErrTimedOut):
		return StateTimedOut
	default:
		return StateError
	}
}

// Filter selects the inserts a channel carries: one recipient type and,
// except for the shared admin scope, one recipient id.
type Filter struct {
	RecipientType db.RecipientType
	RecipientID   string
}

// FilterFor returns the filter for a recipient scope
func FilterFor(scope db.Scope) Filter {
	return Filter{RecipientType: scope.Type, RecipientID: scope.ID}
}

// Scope returns the recipient scope the filter selects
func (f Filter) Scope() db.Scope {
	return db.Scope{Type: f.RecipientType, ID: f.RecipientID}
}

// Topic names the logical channel for the filter. Every admin filter shares one topic.
func (f Filter) Topic() string {
	if f.Scope().Shared() {
		return "notifications:" + string(f.RecipientType)
	}
	return "notifications:" + string(f.RecipientType) + ":" + f.RecipientID
}

// Expression renders the filter in the store's change-feed filter syntax
func (f Filter) Expression() string {
	expr := "recipient_type=eq." + string(f.RecipientType)
	if !f.Scope().Shared() {
		expr += "&recipient_id=eq." + f.RecipientID
	}
	return expr
}

// Matches reports whether a record passes the filter
func (f Filter) Matches(n *db.Notification) bool {
	return f.Scope().Matches(n)
}

// ChannelSpec describes a channel to open
type ChannelSpec struct {
	Name        string
	Filter      Filter
	JoinTimeout time.Duration
}

// Event is one message from a joined channel: an inserted record, or a
// state change (Record nil) that ends the connection.
type Event struct {
	Record *db.Notification
	State  State
	Err    error
}

// Conn is a joined channel. Events is closed after the final event.
type Conn interface {
	Events() <-chan Event
	Close() error
}

// Transport joins channels on the underlying change feed.
// Join errors must wrap ErrChannel or ErrTimedOut to be retried.
type Transport interface {
	Join(ctx context.Context, spec ChannelSpec) (Conn, error)
}

// joinError classifies a join failure for the retry policy. Failures the
// transport did not mark as transient are returned unchanged.
func joinError(ctx context.Context, err error) error {
	if Transient(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimedOut, err)
	}
	return err
}

// connError classifies a failure to reach the change feed. Anything that is
// not a timeout is a retryable channel error.
func connError(ctx context.Context, err error) error {
	if err = joinError(ctx, err); Transient(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrChannel, err)
}

// Transient reports whether a channel failure may be retried
func Transient(err error) bool {
	return errors.Is(err, ErrChannel) || errors.Is(err, ErrTimedOut)
}
