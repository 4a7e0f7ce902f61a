// ABOUTME: Ledger entry types and filters for the append-only audit trail.
// ABOUTME: Records lifecycle, health, and operator events; never read back as state.

package ledger

import "time"

// Kind identifies what a ledger entry records.
type Kind string

const (
	KindRegistered    Kind = "registered"
	KindApproved      Kind = "approved"
	KindRejected      Kind = "rejected"
	KindActivated     Kind = "activated"
	KindClosed        Kind = "closed"
	KindEvicted       Kind = "evicted"
	KindHealthChanged Kind = "health_changed"
	KindServerStarted Kind = "server_started"
	KindServerStopped Kind = "server_stopped"
)

// ValidKinds lists every entry kind the ledger accepts.
var ValidKinds = []Kind{
	KindRegistered,
	KindApproved,
	KindRejected,
	KindActivated,
	KindClosed,
	KindEvicted,
	KindHealthChanged,
	KindServerStarted,
	KindServerStopped,
}

// IsValidKind reports whether k is a known entry kind.
func IsValidKind(k Kind) bool {
	for _, v := range ValidKinds {
		if k == v {
			return true
		}
	}
	return false
}

// Entry is a single immutable row in the audit trail.
type Entry struct {
	ID           string         `json:"id"`                     // UUID v4
	ConnectionID string         `json:"connectionId,omitempty"` // empty for server-level entries
	Kind         Kind           `json:"kind"`
	Endpoint     string         `json:"endpoint,omitempty"` // remote peer, when connection-scoped
	Reason       string         `json:"reason,omitempty"`   // rejection/closure reason
	Actor        *string        `json:"actor,omitempty"`    // operator subject, nil for automatic events
	Detail       map[string]any `json:"detail,omitempty"`   // additional context
	Timestamp    time.Time      `json:"timestamp"`
}

// Filter specifies filtering options for listing ledger entries.
type Filter struct {
	Since        *time.Time // entries at or after this time
	Until        *time.Time // entries at or before this time
	Kind         *Kind      // filter by entry kind
	ConnectionID *string    // filter by connection
	Limit        int        // max results (default 100, max 1000)
}
