package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lalithlochan/bellhop/internal/db"
)

// Sources label where a dispatch came from in logs and metrics
const (
	SourceAPI   = "api"
	SourceQueue = "queue"
)

// Request is a producer's ask to notify one recipient
type Request struct {
	RecipientType db.RecipientType `json:"recipient_type"`
	RecipientID   string           `json:"recipient_id"`
	Title         string           `json:"title"`
	Message       string           `json:"message"`
	OrderID       *string          `json:"order_id,omitempty"`
	Type          *string          `json:"type,omitempty"`
	URL           *string          `json:"url,omitempty"`
	Priority      db.Priority      `json:"priority,omitempty"`

	Source string `json:"-"`
}

// ValidationError is a malformed request. It is reported before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Normalize trims text fields, turns blank optionals into nil and applies defaults
func (r *Request) Normalize() {
	r.RecipientID = strings.TrimSpace(r.RecipientID)
	r.Title = strings.TrimSpace(r.Title)
	r.Message = strings.TrimSpace(r.Message)
	r.OrderID = blankToNil(r.OrderID)
	r.Type = blankToNil(r.Type)
	r.URL = blankToNil(r.URL)
	if r.Priority == "" {
		r.Priority = db.PriorityMedium
	}
	if r.Source == "" {
		r.Source = SourceAPI
	}
}

// MaxRecipientIDLength bounds recipient ids, which travel in the insert
// NOTIFY payload. Title and message length are not limited.
const MaxRecipientIDLength = 255

// Validate checks required fields and enumerations
func (r *Request) Validate() error {
	switch {
	case r.RecipientType == "":
		return &ValidationError{Field: "recipient_type", Reason: "is required"}
	case !r.RecipientType.Valid():
		return &ValidationError{Field: "recipient_type", Reason: fmt.Sprintf("unknown type %q", r.RecipientType)}
	case r.RecipientID == "":
		return &ValidationError{Field: "recipient_id", Reason: "is required"}
	case len(r.RecipientID) > MaxRecipientIDLength:
		return &ValidationError{Field: "recipient_id", Reason: fmt.Sprintf("exceeds %d bytes", MaxRecipientIDLength)}
	case r.Title == "":
		return &ValidationError{Field: "title", Reason: "is required"}
	case r.Message == "":
		return &ValidationError{Field: "message", Reason: "is required"}
	case r.Priority != "" && !r.Priority.Valid():
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", r.Priority)}
	}
	return nil
}

func (r *Request) dedupKey() db.DedupKey {
	return db.DedupKey{
		RecipientType: r.RecipientType,
		RecipientID:   r.RecipientID,
		Title:         r.Title,
		OrderID:       r.OrderID,
	}
}

func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
