package inbox

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChangeKind names a view update
type ChangeKind string

// Change kinds
const (
	ChangeSnapshot ChangeKind = "snapshot"
	ChangeInsert   ChangeKind = "insert"
	ChangeRead     ChangeKind = "read"
	ChangeStatus   ChangeKind = "status"
	ChangeError    ChangeKind = "error"
)

// Change is one update to a session's view, shaped for streaming to a client.
type Change struct {
	Kind      ChangeKind  `json:"kind"`
	Entries   []Entry     `json:"entries,omitempty"`
	ReadIDs   []uuid.UUID `json:"read_ids,omitempty"`
	Unread    int         `json:"unread"`
	Connected bool        `json:"connected"`
	State     string      `json:"state,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Changes streams view updates. It is closed by Close.
// Updates are dropped if the reader falls behind; Snapshot re-syncs.
func (c *Cache) Changes() <-chan Change {
	return c.changes
}

func (c *Cache) emitLocked(change Change) {
	if c.closed {
		return
	}
	select {
	case c.changes <- change:
	default:
		c.logger.Warn("inbox change dropped, reader is behind",
			zap.String("scope", c.scope.String()),
			zap.String("kind", string(change.Kind)),
		)
	}
}
