// Package mock provides a test double for [memory.SessionStore].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.SessionStore{}
//	store.GetRecentResult = []types.TranscriptEntry{{Text: "hello"}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("GetRecent"); got != 1 {
//	    t.Errorf("expected 1 GetRecent call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/memory"
	"github.com/MrWong99/parley/pkg/types"
)

var _ memory.SessionStore = (*SessionStore)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// SessionStore is a configurable test double for [memory.SessionStore].
// Written entries are kept in Entries.
type SessionStore struct {
	mu    sync.Mutex
	calls []Call

	// Entries holds every successfully written entry.
	Entries []types.TranscriptEntry

	// WriteEntryErr is returned by WriteEntry when non-nil.
	WriteEntryErr error

	// GetRecentResult is returned by GetRecent. When nil, an empty non-nil
	// slice is returned.
	GetRecentResult []types.TranscriptEntry

	// GetRecentErr is returned by GetRecent when non-nil.
	GetRecentErr error

	// MarkInterruptedErr is returned by MarkInterrupted when non-nil.
	MarkInterruptedErr error

	// SearchResult is returned by Search.
	SearchResult []types.TranscriptEntry

	// SearchErr is returned by Search when non-nil.
	SearchErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *SessionStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SessionStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Written returns a copy of Entries.
func (m *SessionStore) Written() []types.TranscriptEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.TranscriptEntry, len(m.Entries))
	copy(out, m.Entries)
	return out
}

func (m *SessionStore) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// WriteEntry implements [memory.SessionStore].
func (m *SessionStore) WriteEntry(_ context.Context, entry types.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("WriteEntry", entry)
	if m.WriteEntryErr != nil {
		return m.WriteEntryErr
	}
	m.Entries = append(m.Entries, entry)
	return nil
}

// GetRecent implements [memory.SessionStore].
func (m *SessionStore) GetRecent(_ context.Context, sessionID string, limit int) ([]types.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetRecent", sessionID, limit)
	if m.GetRecentErr != nil {
		return nil, m.GetRecentErr
	}
	if m.GetRecentResult == nil {
		return []types.TranscriptEntry{}, nil
	}
	out := make([]types.TranscriptEntry, len(m.GetRecentResult))
	copy(out, m.GetRecentResult)
	return out, nil
}

// MarkInterrupted implements [memory.SessionStore].
func (m *SessionStore) MarkInterrupted(_ context.Context, sessionID string, turnID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MarkInterrupted", sessionID, turnID)
	return m.MarkInterruptedErr
}

// Search implements [memory.SessionStore].
func (m *SessionStore) Search(_ context.Context, query string, opts memory.SearchOpts) ([]types.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Search", query, opts)
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if m.SearchResult == nil {
		return []types.TranscriptEntry{}, nil
	}
	return m.SearchResult, nil
}
