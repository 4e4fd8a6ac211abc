package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
	"github.com/lalithlochan/bellhop/internal/push"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(cfg Config) (*CircuitBreaker, *clock) {
	cb := New(cfg, zap.NewNop())
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb.now = c.now
	return cb, c
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newBreaker(Config{Name: "web"})
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("closed breaker should allow requests")
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newBreaker(Config{Name: "web", MaxFailures: 3})
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("should stay closed below the threshold")
	}
	trip(cb, 1)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("open breaker should reject")
	}
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	tests := []struct {
		name      string
		probeFail bool
		want      State
	}{
		{"probe succeeds", false, StateClosed},
		{"probe fails", true, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clk := newBreaker(Config{Name: "sns", MaxFailures: 2, RecoveryTimeout: 30 * time.Second})
			trip(cb, 2)

			clk.advance(29 * time.Second)
			if cb.Allow() {
				t.Fatal("should reject before the recovery timeout")
			}

			clk.advance(time.Second)
			if !cb.Allow() {
				t.Fatal("should allow a probe after the recovery timeout")
			}
			if cb.GetState() != StateHalfOpen {
				t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
			}
			if cb.Allow() {
				t.Fatal("only one probe may run while half-open")
			}

			if tt.probeFail {
				cb.RecordFailure()
			} else {
				cb.RecordSuccess()
			}
			if cb.GetState() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, cb.GetState())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newBreaker(Config{Name: "web", MaxFailures: 3})
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newBreaker(Config{Name: "web", MaxFailures: 2})
	trip(cb, 2)
	cb.Reset()
	if cb.GetState() != StateClosed || !cb.Allow() {
		t.Fatal("reset should close the breaker")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newBreaker(Config{Name: "stats", MaxFailures: 2})
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	cb.Allow()

	stats := cb.Stats()
	if stats.Name != "stats" || stats.State != "open" {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.TotalRequests != 4 || stats.TotalSuccesses != 1 || stats.TotalFailures != 2 || stats.TotalRejected != 1 {
		t.Errorf("unexpected counters %+v", stats)
	}
	if stats.LastFailure == "" {
		t.Error("last failure should be set")
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	cb := New(Config{Name: "svc"}, zap.NewNop())
	def := DefaultConfig("svc")
	if cb.config != def {
		t.Errorf("config = %+v, want %+v", cb.config, def)
	}
	if cb.Name() != "svc" {
		t.Errorf("Name() = %s", cb.Name())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type mockSender struct {
	sendErr   error
	platform  string
	sendCalls int
}

func (m *mockSender) Send(context.Context, *db.PushSubscription, push.Message) error {
	m.sendCalls++
	return m.sendErr
}

func (m *mockSender) SupportsPlatform(platform string) bool {
	return platform == m.platform
}

func testSub() *db.PushSubscription {
	return &db.PushSubscription{ID: uuid.New(), Platform: db.PlatformWeb, Endpoint: "https://push.example/abc"}
}

func testMessage() push.Message {
	return push.NewMessage(&db.Notification{ID: uuid.New(), Title: "Order ready"})
}

func TestProtectedSender_FailFastWhenOpen(t *testing.T) {
	mock := &mockSender{sendErr: errors.New("push service down"), platform: db.PlatformWeb}
	cb, _ := newBreaker(Config{Name: "web", MaxFailures: 2})
	ps := NewProtectedSender(mock, cb, zap.NewNop())
	ctx := context.Background()

	_ = ps.Send(ctx, testSub(), testMessage())
	_ = ps.Send(ctx, testSub(), testMessage())
	mock.sendCalls = 0

	err := ps.Send(ctx, testSub(), testMessage())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("sender called %d times while open", mock.sendCalls)
	}
}

func TestProtectedSender_GoneIsNotAnOutage(t *testing.T) {
	mock := &mockSender{sendErr: fmt.Errorf("%w: endpoint returned 410", push.ErrSubscriptionGone), platform: db.PlatformWeb}
	cb, _ := newBreaker(Config{Name: "web", MaxFailures: 2})
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	for i := 0; i < 5; i++ {
		err := ps.Send(context.Background(), testSub(), testMessage())
		if !errors.Is(err, push.ErrSubscriptionGone) {
			t.Fatalf("expected gone error passed through, got %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Errorf("gone subscriptions must not open the circuit, got %s", cb.GetState())
	}
}

func TestProtectedSender_SupportsPlatform(t *testing.T) {
	ps := NewProtectedSender(&mockSender{platform: db.PlatformSNS}, New(DefaultConfig("sns"), zap.NewNop()), zap.NewNop())
	if !ps.SupportsPlatform(db.PlatformSNS) {
		t.Fatal("should support sns")
	}
	if ps.SupportsPlatform(db.PlatformWeb) {
		t.Fatal("should not support web")
	}
}

func TestProtectedSender_FullLifecycle(t *testing.T) {
	mock := &mockSender{platform: db.PlatformWeb}
	cb, clk := newBreaker(Config{Name: "lifecycle", MaxFailures: 3, RecoveryTimeout: time.Minute})
	ps := NewProtectedSender(mock, cb, zap.NewNop())
	ctx := context.Background()

	if err := ps.Send(ctx, testSub(), testMessage()); err != nil {
		t.Fatalf("healthy send: %v", err)
	}

	mock.sendErr = errors.New("503 from push service")
	for i := 0; i < 3; i++ {
		_ = ps.Send(ctx, testSub(), testMessage())
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	clk.advance(time.Minute)
	mock.sendErr = nil
	if err := ps.Send(ctx, testSub(), testMessage()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after probe, got %s", cb.GetState())
	}
	if ps.Breaker() != cb {
		t.Error("Breaker() should expose the wrapped breaker")
	}
}
