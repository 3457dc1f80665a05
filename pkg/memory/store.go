// Package memory defines the conversation history store.
//
// A [SessionStore] is an append-only, time-ordered log of
// [types.TranscriptEntry] values grouped by session. The responder writes one
// user and one assistant entry per completed turn and reads the most recent
// entries back when a session is resumed.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/parley/pkg/types"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("memory: store closed")

// SearchOpts configures a keyword search over session entries.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// Role restricts results to one conversation role.
	Role string

	// After filters entries recorded after this instant (exclusive).
	After time.Time

	// Before filters entries recorded before this instant (exclusive).
	Before time.Time

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// SessionStore is the turn history log.
type SessionStore interface {
	// WriteEntry appends entry to the log of entry.SessionID.
	WriteEntry(ctx context.Context, entry types.TranscriptEntry) error

	// GetRecent returns up to limit of the newest entries of sessionID,
	// oldest first. A limit of zero returns every entry.
	GetRecent(ctx context.Context, sessionID string, limit int) ([]types.TranscriptEntry, error)

	// MarkInterrupted flags the assistant entry of turnID as cut short by
	// barge-in. Marking an unknown turn is not an error.
	MarkInterrupted(ctx context.Context, sessionID string, turnID uint64) error

	// Search returns entries whose text matches query, oldest first. Matching
	// is implementation-defined: substring for [MemStore], full-text for the
	// Postgres store.
	Search(ctx context.Context, query string, opts SearchOpts) ([]types.TranscriptEntry, error)
}
