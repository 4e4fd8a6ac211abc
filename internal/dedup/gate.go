// Package dedup decides whether a candidate notification is a new logical
// occurrence or a repeat of one accepted within its trailing window.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
	"github.com/lalithlochan/bellhop/internal/metrics"
)

// Default trailing windows. Order events are high-frequency and duplicated by
// concurrent triggers, so their window is tighter.
const (
	DefaultWindowWithOrder = 2 * time.Minute
	DefaultWindow          = 10 * time.Minute
)

// Store is the read the gate needs from the notification store
type Store interface {
	FindRecentDuplicate(ctx context.Context, key db.DedupKey, since time.Time) (uuid.UUID, bool, error)
}

// Claimer atomically reserves a dedup key for the lifetime of its window.
// Claim reports the id holding the key when won is false.
type Claimer interface {
	Claim(ctx context.Context, key string, id uuid.UUID, ttl time.Duration) (holder uuid.UUID, won bool, err error)
	Release(ctx context.Context, key string, id uuid.UUID) error
}

// Windows holds the trailing window lengths
type Windows struct {
	WithOrder time.Duration
	Default   time.Duration
}

// For returns the window that applies to key
func (w Windows) For(key db.DedupKey) time.Duration {
	if key.OrderID != nil {
		return w.WithOrder
	}
	return w.Default
}

// Candidate is a notification about to be inserted, with its id already assigned
type Candidate struct {
	ID  uuid.UUID
	Key db.DedupKey
}

// Decision is the gate's verdict. DuplicateOf is set on rejection.
type Decision struct {
	Accepted    bool
	DuplicateOf *uuid.UUID
}

// Gate is the deduplication gate.
//
// The store lookup and the later insert are not atomic, so two concurrent
// dispatches can both pass the store check. When a Claimer is configured the
// loser of that race is rejected by the claim instead.
type Gate struct {
	store   Store
	claims  Claimer
	windows Windows
	logger  *zap.Logger
	now     func() time.Time
}

// NewGate builds a gate. claims may be nil for store-only behaviour.
func NewGate(store Store, claims Claimer, windows Windows, logger *zap.Logger) *Gate {
	if windows.WithOrder <= 0 {
		windows.WithOrder = DefaultWindowWithOrder
	}
	if windows.Default <= 0 {
		windows.Default = DefaultWindow
	}
	return &Gate{
		store:   store,
		claims:  claims,
		windows: windows,
		logger:  logger,
		now:     time.Now,
	}
}

// Accept checks the candidate against recent records and, if configured, claims its key
func (g *Gate) Accept(ctx context.Context, c Candidate) (Decision, error) {
	window := g.windows.For(c.Key)
	since := g.now().Add(-window)

	existing, found, err := g.store.FindRecentDuplicate(ctx, c.Key, since)
	if err != nil {
		return Decision{}, fmt.Errorf("dedup lookup: %w", err)
	}
	if found {
		metrics.RecordDedupRejection("store")
		g.logger.Info("duplicate notification rejected",
			zap.String("duplicate_of", existing.String()),
			zap.String("recipient_type", string(c.Key.RecipientType)),
			zap.String("recipient_id", c.Key.RecipientID),
			zap.Duration("window", window),
		)
		return Decision{DuplicateOf: &existing}, nil
	}

	if g.claims == nil {
		return Decision{Accepted: true}, nil
	}

	holder, won, err := g.claims.Claim(ctx, ClaimKey(c.Key), c.ID, window)
	if err != nil {
		// Store check already passed; fall back to it alone.
		g.logger.Warn("dedup claim unavailable, continuing with store check only",
			zap.String("candidate_id", c.ID.String()),
			zap.Error(err),
		)
		return Decision{Accepted: true}, nil
	}
	if !won {
		metrics.RecordDedupRejection("claim")
		g.logger.Info("duplicate notification rejected by concurrent claim",
			zap.String("duplicate_of", holder.String()),
			zap.String("candidate_id", c.ID.String()),
		)
		return Decision{DuplicateOf: &holder}, nil
	}

	return Decision{Accepted: true}, nil
}

// Release drops the candidate's claim after a failed insert so a retry is not rejected
func (g *Gate) Release(ctx context.Context, c Candidate) {
	if g.claims == nil {
		return
	}
	if err := g.claims.Release(ctx, ClaimKey(c.Key), c.ID); err != nil {
		g.logger.Warn("failed to release dedup claim",
			zap.String("candidate_id", c.ID.String()),
			zap.Error(err),
		)
	}
}

// ClaimKey derives the claim key for a dedup key
func ClaimKey(key db.DedupKey) string {
	order := "-"
	if key.OrderID != nil {
		order = "o:" + *key.OrderID
	}
	sum := sha256.Sum256([]byte(string(key.RecipientType) + "\x00" + key.RecipientID + "\x00" + key.Title + "\x00" + order))
	return "dedup:" + hex.EncodeToString(sum[:])
}
