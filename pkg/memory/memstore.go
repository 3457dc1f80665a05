package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/types"
)

var _ SessionStore = (*MemStore)(nil)

// MemStore is a process-local [SessionStore]. History is lost on exit.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string][]types.TranscriptEntry
	closed   bool
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string][]types.TranscriptEntry)}
}

// WriteEntry implements [SessionStore].
func (s *MemStore) WriteEntry(_ context.Context, entry types.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.sessions[entry.SessionID] = append(s.sessions[entry.SessionID], entry)
	return nil
}

// GetRecent implements [SessionStore].
func (s *MemStore) GetRecent(_ context.Context, sessionID string, limit int) ([]types.TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	entries := s.sessions[sessionID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]types.TranscriptEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// MarkInterrupted implements [SessionStore].
func (s *MemStore) MarkInterrupted(_ context.Context, sessionID string, turnID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	entries := s.sessions[sessionID]
	for i := range entries {
		if entries[i].TurnID == turnID && entries[i].Role == types.RoleAssistant {
			entries[i].Interrupted = true
		}
	}
	return nil
}

// Search implements [SessionStore] with a case-insensitive substring match.
func (s *MemStore) Search(_ context.Context, query string, opts SearchOpts) ([]types.TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	q := strings.ToLower(query)
	match := func(e types.TranscriptEntry) bool {
		switch {
		case opts.Role != "" && e.Role != opts.Role:
			return false
		case !opts.After.IsZero() && !e.Timestamp.After(opts.After):
			return false
		case !opts.Before.IsZero() && !e.Timestamp.Before(opts.Before):
			return false
		}
		return strings.Contains(strings.ToLower(e.Text), q)
	}

	var candidates []types.TranscriptEntry
	if opts.SessionID != "" {
		candidates = s.sessions[opts.SessionID]
	} else {
		for _, entries := range s.sessions {
			candidates = append(candidates, entries...)
		}
		slices.SortStableFunc(candidates, func(a, b types.TranscriptEntry) int {
			return a.Timestamp.Compare(b.Timestamp)
		})
	}

	out := []types.TranscriptEntry{}
	for _, e := range candidates {
		if !match(e) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Close drops all history. Further calls return [ErrClosed].
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sessions = nil
	return nil
}
