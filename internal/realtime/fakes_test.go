package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/bellhop/internal/db"
)

type fakeConn struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 16)}
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) send(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- ev
	}
}

type fakeTransport struct {
	mu       sync.Mutex
	failures int
	failWith error
	block    bool
	joins    int
	specs    []ChannelSpec
	joined   chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{joined: make(chan *fakeConn, 16)}
}

func (f *fakeTransport) Join(ctx context.Context, spec ChannelSpec) (Conn, error) {
	f.mu.Lock()
	f.joins++
	f.specs = append(f.specs, spec)
	fail := f.joins <= f.failures
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, f.failWith
	}

	c := newFakeConn()
	f.joined <- c
	return c, nil
}

func (f *fakeTransport) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func storeRecord(id string) *db.Notification {
	return &db.Notification{
		ID:            uuid.New(),
		RecipientType: db.RecipientStore,
		RecipientID:   id,
		Title:         "New order",
		Message:       "An order is waiting",
		Priority:      db.PriorityHigh,
		CreatedAt:     time.Now(),
	}
}
