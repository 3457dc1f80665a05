package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/parley/pkg/memory"
	"github.com/MrWong99/parley/pkg/types"
)

const entryColumns = "session_id, turn_id, role, text, raw_text, interrupted, timestamp, duration_ns"

// WriteEntry implements [memory.SessionStore].
func (s *Store) WriteEntry(ctx context.Context, entry types.TranscriptEntry) error {
	const q = `
		INSERT INTO turn_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		entry.SessionID,
		int64(entry.TurnID),
		entry.Role,
		entry.Text,
		entry.RawText,
		entry.Interrupted,
		ts,
		entry.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("session store: write entry: %w", err)
	}
	return nil
}

// GetRecent implements [memory.SessionStore]. Entries are ordered by
// insertion, which matches turn order within a session.
func (s *Store) GetRecent(ctx context.Context, sessionID string, limit int) ([]types.TranscriptEntry, error) {
	q := `
		SELECT ` + entryColumns + ` FROM (
		    SELECT id, ` + entryColumns + `
		    FROM   turn_entries
		    WHERE  session_id = $1
		    ORDER  BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += "\n\t\t    LIMIT $2"
		args = append(args, limit)
	}
	q += `
		) recent
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: get recent: %w", err)
	}
	return collectEntries(rows)
}

// MarkInterrupted implements [memory.SessionStore].
func (s *Store) MarkInterrupted(ctx context.Context, sessionID string, turnID uint64) error {
	const q = `
		UPDATE turn_entries
		SET    interrupted = true
		WHERE  session_id = $1 AND turn_id = $2 AND role = $3`

	if _, err := s.pool.Exec(ctx, q, sessionID, int64(turnID), types.RoleAssistant); err != nil {
		return fmt.Errorf("session store: mark interrupted: %w", err)
	}
	return nil
}

// Search implements [memory.SessionStore] with a PostgreSQL full-text match.
// The query is passed to plainto_tsquery so no operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]types.TranscriptEntry, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(opts.Role))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT " + entryColumns + "\n" +
		"FROM   turn_entries\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp, id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: search: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]types.TranscriptEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TranscriptEntry, error) {
		var (
			e          types.TranscriptEntry
			turnID     int64
			durationNS int64
		)
		if err := row.Scan(
			&e.SessionID,
			&turnID,
			&e.Role,
			&e.Text,
			&e.RawText,
			&e.Interrupted,
			&e.Timestamp,
			&durationNS,
		); err != nil {
			return types.TranscriptEntry{}, err
		}
		e.TurnID = uint64(turnID)
		e.Duration = time.Duration(durationNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []types.TranscriptEntry{}
	}
	return entries, nil
}
