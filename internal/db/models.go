package db

import (
	"time"

	"github.com/google/uuid"
)

// RecipientType identifies who a notification targets
type RecipientType string

// Recipient type constants
const (
	RecipientStore    RecipientType = "store"
	RecipientAdmin    RecipientType = "admin"
	RecipientCustomer RecipientType = "customer"
)

// Valid reports whether t is a known recipient type
func (t RecipientType) Valid() bool {
	switch t {
	case RecipientStore, RecipientAdmin, RecipientCustomer:
		return true
	}
	return false
}

// Priority drives whether a notification is surfaced as a toast or queued silently
type Priority string

// Priority constants
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Alerts reports whether the priority should interrupt the user
func (p Priority) Alerts() bool {
	return p == PriorityHigh || p == PriorityUrgent
}

// Notification is one row of the notifications table, one per logical occurrence
type Notification struct {
	ID            uuid.UUID     `json:"id"`
	RecipientType RecipientType `json:"recipient_type"`
	RecipientID   string        `json:"recipient_id"`
	Title         string        `json:"title"`
	Message       string        `json:"message"`
	OrderID       *string       `json:"order_id,omitempty"`
	Type          *string       `json:"type,omitempty"`
	URL           *string       `json:"url,omitempty"`
	Priority      Priority      `json:"priority"`
	Read          bool          `json:"read"`
	Sent          bool          `json:"sent"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     *time.Time    `json:"updated_at,omitempty"`
}

// Scope returns the recipient scope the notification belongs to
func (n *Notification) Scope() Scope {
	return Scope{Type: n.RecipientType, ID: n.RecipientID}
}

// Clone returns a copy that shares no pointers with n
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	c := *n
	c.OrderID = cloneString(n.OrderID)
	c.Type = cloneString(n.Type)
	c.URL = cloneString(n.URL)
	if n.UpdatedAt != nil {
		t := *n.UpdatedAt
		c.UpdatedAt = &t
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Scope is the (recipient_type, recipient_id) pair a feed or session is bound to.
//
// Every admin-typed record is visible to any admin scope, whatever its ID.
type Scope struct {
	Type RecipientType `json:"recipient_type"`
	ID   string        `json:"recipient_id"`
}

// Shared reports whether the scope is the shared admin feed
func (s Scope) Shared() bool {
	return s.Type == RecipientAdmin
}

// Matches reports whether n belongs to this scope
func (s Scope) Matches(n *Notification) bool {
	if n == nil || n.RecipientType != s.Type {
		return false
	}
	return s.Shared() || n.RecipientID == s.ID
}

// Valid reports whether the scope names a known type and, unless shared, an ID
func (s Scope) Valid() bool {
	if !s.Type.Valid() {
		return false
	}
	return s.Shared() || s.ID != ""
}

// String returns "type:id" for logging
func (s Scope) String() string {
	return string(s.Type) + ":" + s.ID
}

// Push platform constants
const (
	PlatformWeb = "web"
	PlatformSNS = "sns"
)

// PushSubscription is a device or browser endpoint registered for a recipient
type PushSubscription struct {
	ID            uuid.UUID     `json:"id"`
	RecipientType RecipientType `json:"recipient_type"`
	RecipientID   string        `json:"recipient_id"`
	Platform      string        `json:"platform"`
	Endpoint      string        `json:"endpoint"`
	P256dh        *string       `json:"p256dh,omitempty"`
	Auth          *string       `json:"auth,omitempty"`
	Active        bool          `json:"active"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// DedupKey is the uniqueness key the deduplication gate looks up
type DedupKey struct {
	RecipientType RecipientType
	RecipientID   string
	Title         string
	OrderID       *string
}
