package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
	"github.com/lalithlochan/bellhop/internal/inbox"
	"github.com/lalithlochan/bellhop/internal/realtime"
)

type fakeRealtime struct {
	mu         sync.Mutex
	handlers   []realtime.Handlers
	filters    []realtime.Filter
	reconnects int
}

func (f *fakeRealtime) Subscribe(_ context.Context, filter realtime.Filter, handlers realtime.Handlers) (realtime.CancelFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handlers)
	f.filters = append(f.filters, filter)
	return func() {}, nil
}

func (f *fakeRealtime) Reconnect(realtime.Filter) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return true
}

func (f *fakeRealtime) filter(i int) realtime.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters[i]
}

func (f *fakeRealtime) reconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func (f *fakeRealtime) insert(n *db.Notification) {
	f.mu.Lock()
	h := f.handlers[len(f.handlers)-1]
	f.mu.Unlock()
	h.OnInsert(n)
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended before the next event: %v", sc.Err())
	return ev
}

func readChange(t *testing.T, sc *bufio.Scanner, want inbox.ChangeKind) inbox.Change {
	t.Helper()
	ev := readEvent(t, sc)
	if ev.name != string(want) {
		t.Fatalf("expected %s event, got %s: %s", want, ev.name, ev.data)
	}
	var change inbox.Change
	if err := json.Unmarshal([]byte(ev.data), &change); err != nil {
		t.Fatal(err)
	}
	return change
}

func openStream(t *testing.T, srv *httptest.Server, query string) (*bufio.Scanner, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/notifications/stream?"+query, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	ev := readEvent(t, sc)
	if ev.name != "session" {
		t.Fatalf("expected session event first, got %s", ev.name)
	}
	var hello map[string]string
	if err := json.Unmarshal([]byte(ev.data), &hello); err != nil {
		t.Fatal(err)
	}
	if hello["session_id"] != resp.Header.Get("X-Session-ID") {
		t.Error("session event and header should carry the same id")
	}
	return sc, hello["session_id"]
}

func call(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func TestStream_Session(t *testing.T) {
	existing := note(db.RecipientStore, "S1", time.Minute, false)
	store := NewMockStore(existing, note(db.RecipientStore, "S2", time.Minute, false))
	rt := &fakeRealtime{}
	h := NewHandler(zap.NewNop(), store, &mockDispatcher{}, Options{Realtime: rt, KeepAlive: time.Hour})
	srv := httptest.NewServer(newRouter(h))
	t.Cleanup(srv.Close)

	sc, session := openStream(t, srv, "recipient_type=store&recipient_id=S1")

	snap := readChange(t, sc, inbox.ChangeSnapshot)
	if len(snap.Entries) != 1 || snap.Entries[0].ID != existing.ID || snap.Unread != 1 {
		t.Fatalf("snapshot should hold only S1's record, got %+v", snap)
	}
	if got := rt.filter(0).Expression(); got != "recipient_type=eq.store&recipient_id=eq.S1" {
		t.Errorf("filter expression = %q", got)
	}

	urgent := note(db.RecipientStore, "S1", 0, false)
	urgent.Priority = db.PriorityUrgent
	rt.insert(urgent)

	ins := readChange(t, sc, inbox.ChangeInsert)
	if len(ins.Entries) != 1 || ins.Entries[0].ID != urgent.ID || !ins.Entries[0].Alert {
		t.Fatalf("expected alerting insert, got %+v", ins)
	}
	if ins.Unread != 2 {
		t.Errorf("unread after insert = %d", ins.Unread)
	}

	resp := call(t, srv, http.MethodPatch, "/v1/notifications/"+existing.ID.String()+"/read?session="+session, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session read: expected 200, got %d", resp.StatusCode)
	}
	read := readChange(t, sc, inbox.ChangeRead)
	if len(read.ReadIDs) != 1 || read.ReadIDs[0] != existing.ID || read.Unread != 1 {
		t.Errorf("unexpected read change %+v", read)
	}
	if !store.isRead(existing.ID) {
		t.Error("session read should persist")
	}

	resp = call(t, srv, http.MethodPost, "/v1/notifications/stream/"+session+"/reconnect", "")
	if resp.StatusCode != http.StatusAccepted || rt.reconnectCount() != 1 {
		t.Errorf("reconnect: status %d, reconnects %d", resp.StatusCode, rt.reconnectCount())
	}

	resp = call(t, srv, http.MethodPut, "/v1/notifications/stream/"+session+"/scope", `{"recipient_type":"store","recipient_id":"S2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("switch scope: expected 200, got %d", resp.StatusCode)
	}
	cleared := readChange(t, sc, inbox.ChangeSnapshot)
	if len(cleared.Entries) != 0 {
		t.Errorf("switch should clear the old scope first, got %d entries", len(cleared.Entries))
	}
	switched := readChange(t, sc, inbox.ChangeSnapshot)
	if len(switched.Entries) != 1 || switched.Entries[0].RecipientID != "S2" {
		t.Errorf("expected S2's feed after the switch, got %+v", switched.Entries)
	}
}

func TestStream_SessionEndpointsRejectUnknown(t *testing.T) {
	h := NewHandler(zap.NewNop(), NewMockStore(), &mockDispatcher{}, Options{Realtime: &fakeRealtime{}})
	router := newRouter(h)

	rec := do(t, router, http.MethodPost, "/v1/notifications/stream/missing/reconnect", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("reconnect: expected 404, got %d", rec.Code)
	}
	rec = do(t, router, http.MethodPut, "/v1/notifications/stream/missing/scope", `{"recipient_type":"store","recipient_id":"S1"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("switch: expected 404, got %d", rec.Code)
	}
	rec = do(t, router, http.MethodPost, "/v1/notifications/read-all?session=missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("read-all: expected 404, got %d", rec.Code)
	}
}

func TestStream_Unavailable(t *testing.T) {
	h := NewHandler(zap.NewNop(), NewMockStore(), &mockDispatcher{}, Options{})

	rec := do(t, newRouter(h), http.MethodGet, "/v1/notifications/stream?recipient_type=store&recipient_id=S1", nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without realtime, got %d", rec.Code)
	}
}

func TestStream_InvalidScope(t *testing.T) {
	h := NewHandler(zap.NewNop(), NewMockStore(), &mockDispatcher{}, Options{Realtime: &fakeRealtime{}})

	rec := do(t, newRouter(h), http.MethodGet, "/v1/notifications/stream?recipient_type=store", nil)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestStream_MountFailure(t *testing.T) {
	store := NewMockStore()
	store.shouldFail = true
	h := NewHandler(zap.NewNop(), store, &mockDispatcher{}, Options{Realtime: &fakeRealtime{}})

	rec := do(t, newRouter(h), http.MethodGet, "/v1/notifications/stream?recipient_type=store&recipient_id=S1", nil)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if len(h.sessions) != 0 {
		t.Error("failed mount must not register a session")
	}
}

func TestCloseSessions(t *testing.T) {
	h := NewHandler(zap.NewNop(), NewMockStore(), &mockDispatcher{}, Options{Realtime: &fakeRealtime{}})
	cache := inbox.New(h.store, h.realtime, db.Scope{Type: db.RecipientAdmin}, 0, zap.NewNop())
	id := h.register(cache)

	h.CloseSessions()

	if _, ok := h.session(id); ok {
		t.Error("session should be gone")
	}
	if _, ok := <-cache.Changes(); ok {
		t.Error("closed session should close its change stream")
	}
}
