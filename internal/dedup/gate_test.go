package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
)

type record struct {
	id        uuid.UUID
	key       db.DedupKey
	createdAt time.Time
}

type fakeStore struct {
	records []record
	err     error
	calls   int
}

func (f *fakeStore) FindRecentDuplicate(_ context.Context, key db.DedupKey, since time.Time) (uuid.UUID, bool, error) {
	f.calls++
	if f.err != nil {
		return uuid.Nil, false, f.err
	}
	for i := len(f.records) - 1; i >= 0; i-- {
		r := f.records[i]
		if r.key.RecipientType != key.RecipientType || r.key.RecipientID != key.RecipientID || r.key.Title != key.Title {
			continue
		}
		if key.OrderID != nil && (r.key.OrderID == nil || *r.key.OrderID != *key.OrderID) {
			continue
		}
		if r.createdAt.Before(since) {
			continue
		}
		return r.id, true, nil
	}
	return uuid.Nil, false, nil
}

type fakeClaims struct {
	mu       sync.Mutex
	held     map[string]uuid.UUID
	err      error
	released []string
}

func newFakeClaims() *fakeClaims {
	return &fakeClaims{held: make(map[string]uuid.UUID)}
}

func (f *fakeClaims) Claim(_ context.Context, key string, id uuid.UUID, _ time.Duration) (uuid.UUID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return uuid.Nil, false, f.err
	}
	if holder, ok := f.held[key]; ok {
		return holder, false, nil
	}
	f.held[key] = id
	return id, true, nil
}

func (f *fakeClaims) Release(_ context.Context, key string, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] == id {
		delete(f.held, key)
	}
	f.released = append(f.released, key)
	return nil
}

func strPtr(s string) *string { return &s }

func newTestGate(store Store, claims Claimer, now time.Time) *Gate {
	g := NewGate(store, claims, Windows{}, zap.NewNop())
	g.now = func() time.Time { return now }
	return g
}

func TestWindowsFor(t *testing.T) {
	w := Windows{WithOrder: 2 * time.Minute, Default: 10 * time.Minute}

	if got := w.For(db.DedupKey{OrderID: strPtr("O1")}); got != 2*time.Minute {
		t.Errorf("order window = %s, want 2m", got)
	}
	if got := w.For(db.DedupKey{}); got != 10*time.Minute {
		t.Errorf("default window = %s, want 10m", got)
	}
}

func TestAccept_Window(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	existing := uuid.New()

	orderKey := db.DedupKey{RecipientType: db.RecipientStore, RecipientID: "S1", Title: "New order", OrderID: strPtr("O1")}
	plainKey := db.DedupKey{RecipientType: db.RecipientStore, RecipientID: "S1", Title: "Daily summary"}

	tests := []struct {
		name     string
		stored   record
		key      db.DedupKey
		accepted bool
	}{
		{"order key inside 2m", record{existing, orderKey, now.Add(-90 * time.Second)}, orderKey, false},
		{"order key after 2m", record{existing, orderKey, now.Add(-3 * time.Minute)}, orderKey, true},
		{"plain key inside 10m", record{existing, plainKey, now.Add(-9 * time.Minute)}, plainKey, false},
		{"plain key after 10m", record{existing, plainKey, now.Add(-11 * time.Minute)}, plainKey, true},
		{"different order", record{existing, orderKey, now}, db.DedupKey{RecipientType: db.RecipientStore, RecipientID: "S1", Title: "New order", OrderID: strPtr("O2")}, true},
		{"different recipient", record{existing, orderKey, now}, db.DedupKey{RecipientType: db.RecipientStore, RecipientID: "S2", Title: "New order", OrderID: strPtr("O1")}, true},
		{"no order matches any order", record{existing, orderKey, now.Add(-time.Minute)}, db.DedupKey{RecipientType: db.RecipientStore, RecipientID: "S1", Title: "New order"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{records: []record{tt.stored}}
			gate := newTestGate(store, nil, now)

			decision, err := gate.Accept(context.Background(), Candidate{ID: uuid.New(), Key: tt.key})
			if err != nil {
				t.Fatalf("Accept() error = %v", err)
			}
			if decision.Accepted != tt.accepted {
				t.Fatalf("Accepted = %v, want %v", decision.Accepted, tt.accepted)
			}
			if !tt.accepted {
				if decision.DuplicateOf == nil || *decision.DuplicateOf != existing {
					t.Errorf("DuplicateOf = %v, want %s", decision.DuplicateOf, existing)
				}
			} else if decision.DuplicateOf != nil {
				t.Errorf("accepted decision should not carry DuplicateOf")
			}
		})
	}
}

func TestAccept_StoreError(t *testing.T) {
	storeErr := errors.New("connection refused")
	gate := newTestGate(&fakeStore{err: storeErr}, newFakeClaims(), time.Now())

	_, err := gate.Accept(context.Background(), Candidate{ID: uuid.New(), Key: db.DedupKey{RecipientType: db.RecipientAdmin, RecipientID: "admin", Title: "x"}})
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestAccept_ConcurrentClaimLoses(t *testing.T) {
	claims := newFakeClaims()
	gate := newTestGate(&fakeStore{}, claims, time.Now())
	key := db.DedupKey{RecipientType: db.RecipientStore, RecipientID: "S1", Title: "New order", OrderID: strPtr("O1")}

	first := Candidate{ID: uuid.New(), Key: key}
	second := Candidate{ID: uuid.New(), Key: key}

	d1, err := gate.Accept(context.Background(), first)
	if err != nil || !d1.Accepted {
		t.Fatalf("first candidate should be accepted: %+v, %v", d1, err)
	}

	// The store has not seen the first insert yet.
	d2, err := gate.Accept(context.Background(), second)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if d2.Accepted {
		t.Fatal("second candidate should lose the claim")
	}
	if d2.DuplicateOf == nil || *d2.DuplicateOf != first.ID {
		t.Errorf("DuplicateOf = %v, want %s", d2.DuplicateOf, first.ID)
	}
}

func TestAccept_ClaimErrorDegrades(t *testing.T) {
	claims := newFakeClaims()
	claims.err = errors.New("redis down")
	gate := newTestGate(&fakeStore{}, claims, time.Now())

	d, err := gate.Accept(context.Background(), Candidate{ID: uuid.New(), Key: db.DedupKey{RecipientType: db.RecipientCustomer, RecipientID: "C1", Title: "Shipped"}})
	if err != nil {
		t.Fatalf("claim failure should not fail the gate: %v", err)
	}
	if !d.Accepted {
		t.Error("expected acceptance on claim failure")
	}
}

func TestRelease(t *testing.T) {
	claims := newFakeClaims()
	gate := newTestGate(&fakeStore{}, claims, time.Now())
	c := Candidate{ID: uuid.New(), Key: db.DedupKey{RecipientType: db.RecipientStore, RecipientID: "S1", Title: "t"}}

	if d, _ := gate.Accept(context.Background(), c); !d.Accepted {
		t.Fatal("expected acceptance")
	}
	gate.Release(context.Background(), c)

	retry := Candidate{ID: uuid.New(), Key: c.Key}
	if d, _ := gate.Accept(context.Background(), retry); !d.Accepted {
		t.Error("retry after release should be accepted")
	}
	if len(claims.released) != 1 {
		t.Errorf("expected 1 release, got %d", len(claims.released))
	}
}

func TestReleaseWithoutClaimsIsNoop(t *testing.T) {
	gate := newTestGate(&fakeStore{}, nil, time.Now())
	gate.Release(context.Background(), Candidate{ID: uuid.New()})
}

func TestClaimKey(t *testing.T) {
	base := db.DedupKey{RecipientType: db.RecipientStore, RecipientID: "S1", Title: "New order", OrderID: strPtr("O1")}

	if ClaimKey(base) != ClaimKey(base) {
		t.Error("claim key should be deterministic")
	}

	variants := []db.DedupKey{
		{RecipientType: db.RecipientStore, RecipientID: "S1", Title: "New order"},
		{RecipientType: db.RecipientStore, RecipientID: "S1", Title: "New order", OrderID: strPtr("O2")},
		{RecipientType: db.RecipientCustomer, RecipientID: "S1", Title: "New order", OrderID: strPtr("O1")},
		{RecipientType: db.RecipientStore, RecipientID: "S1N", Title: "ew order", OrderID: strPtr("O1")},
	}
	for _, v := range variants {
		if ClaimKey(v) == ClaimKey(base) {
			t.Errorf("claim key collision for %+v", v)
		}
	}

	if got := ClaimKey(base); len(got) != len("dedup:")+64 {
		t.Errorf("unexpected claim key %q", got)
	}
}
