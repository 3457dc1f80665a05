// Package postgres provides a PostgreSQL-backed [memory.SessionStore].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.WriteEntry(ctx, entry)
//	recent, _ := store.GetRecent(ctx, sessionID, 20)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurnEntries = `
CREATE TABLE IF NOT EXISTS turn_entries (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    turn_id      BIGINT       NOT NULL,
    role         TEXT         NOT NULL,
    text         TEXT         NOT NULL,
    raw_text     TEXT         NOT NULL DEFAULT '',
    interrupted  BOOLEAN      NOT NULL DEFAULT false,
    timestamp    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    duration_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_turn_entries_session_id
    ON turn_entries (session_id, id);

CREATE INDEX IF NOT EXISTS idx_turn_entries_session_turn
    ON turn_entries (session_id, turn_id);

CREATE INDEX IF NOT EXISTS idx_turn_entries_fts
    ON turn_entries USING GIN (to_tsvector('simple', text));
`

// Migrate creates the history table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurnEntries); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
