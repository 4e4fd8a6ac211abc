package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestScopeMatches(t *testing.T) {
	tests := []struct {
		name  string
		scope Scope
		notif *Notification
		want  bool
	}{
		{"same store", Scope{RecipientStore, "S1"}, &Notification{RecipientType: RecipientStore, RecipientID: "S1"}, true},
		{"other store", Scope{RecipientStore, "S1"}, &Notification{RecipientType: RecipientStore, RecipientID: "S2"}, false},
		{"customer vs store with same id", Scope{RecipientCustomer, "S1"}, &Notification{RecipientType: RecipientStore, RecipientID: "S1"}, false},
		{"admin sees any admin record", Scope{RecipientAdmin, "ops"}, &Notification{RecipientType: RecipientAdmin, RecipientID: "admin"}, true},
		{"admin does not see store records", Scope{RecipientAdmin, "ops"}, &Notification{RecipientType: RecipientStore, RecipientID: "ops"}, false},
		{"nil record", Scope{RecipientStore, "S1"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.scope.Matches(tt.notif); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScopeValid(t *testing.T) {
	tests := []struct {
		scope Scope
		want  bool
	}{
		{Scope{RecipientStore, "S1"}, true},
		{Scope{RecipientStore, ""}, false},
		{Scope{RecipientAdmin, ""}, true},
		{Scope{"vendor", "V1"}, false},
	}

	for _, tt := range tests {
		if got := tt.scope.Valid(); got != tt.want {
			t.Errorf("%s Valid() = %v, want %v", tt.scope, got, tt.want)
		}
	}
}

func TestPriorityAlerts(t *testing.T) {
	tests := []struct {
		p    Priority
		want bool
	}{
		{PriorityLow, false},
		{PriorityMedium, false},
		{PriorityHigh, true},
		{PriorityUrgent, true},
	}
	for _, tt := range tests {
		if got := tt.p.Alerts(); got != tt.want {
			t.Errorf("%s.Alerts() = %v, want %v", tt.p, got, tt.want)
		}
	}
	if Priority("critical").Valid() {
		t.Error("unknown priority should be invalid")
	}
}

func TestScopeClause(t *testing.T) {
	where, args := scopeClause(Scope{RecipientStore, "S1"}, 2)
	if where != "recipient_type = $2 AND recipient_id = $3" {
		t.Errorf("unexpected clause: %s", where)
	}
	if len(args) != 2 || args[0] != "store" || args[1] != "S1" {
		t.Errorf("unexpected args: %v", args)
	}

	where, args = scopeClause(Scope{RecipientAdmin, "whoever"}, 1)
	if where != "recipient_type = $1" {
		t.Errorf("admin clause should filter on type only, got: %s", where)
	}
	if len(args) != 1 {
		t.Errorf("expected 1 arg, got %d", len(args))
	}
}

func TestStoreErrorCarriesPgContext(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "42501", Detail: "permission denied", Hint: "grant select"}
	se := storeError("query notifications", fmt.Errorf("wrapped: %w", pgErr))

	if se.Code != "42501" || se.Detail != "permission denied" || se.Hint != "grant select" {
		t.Errorf("pg context not copied: %+v", se)
	}
	if !errors.As(se, &pgErr) {
		t.Error("StoreError should unwrap to the pg error")
	}
	if len(se.Fields()) != 5 {
		t.Errorf("expected 5 log fields, got %d", len(se.Fields()))
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("notification x: %w", ErrNotFound)) {
		t.Error("wrapped ErrNotFound should match")
	}
	if !IsNotFound(pgx.ErrNoRows) {
		t.Error("pgx.ErrNoRows should match")
	}
	if IsNotFound(errors.New("boom")) {
		t.Error("unrelated error should not match")
	}
}

func TestNotificationClone(t *testing.T) {
	order := "O1"
	orig := &Notification{RecipientType: RecipientStore, RecipientID: "S1", OrderID: &order}

	c := orig.Clone()
	*c.OrderID = "O2"
	c.Read = true

	if *orig.OrderID != "O1" || orig.Read {
		t.Errorf("clone mutated the original: %+v", orig)
	}
	if (*Notification)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}
