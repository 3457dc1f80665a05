package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/pkg/memory"
	"github.com/MrWong99/parley/pkg/memory/postgres"
	"github.com/MrWong99/parley/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if PARLEY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PARLEY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLEY_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a Store on a freshly dropped schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS turn_entries CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func writeTurn(t *testing.T, s *postgres.Store, session string, turn uint64, user, reply string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	for _, e := range []types.TranscriptEntry{
		{SessionID: session, TurnID: turn, Role: types.RoleUser, Text: user, RawText: user, Timestamp: at, Duration: time.Second},
		{SessionID: session, TurnID: turn, Role: types.RoleAssistant, Text: reply, Timestamp: at.Add(time.Millisecond)},
	} {
		if err := s.WriteEntry(ctx, e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}
}

func TestStore_WriteAndGetRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	writeTurn(t, store, "s1", 1, "hello", "hi there", now.Add(-2*time.Minute))
	writeTurn(t, store, "s1", 2, "how are you", "fine", now.Add(-time.Minute))
	writeTurn(t, store, "s2", 1, "other session", "yes", now)

	recent, err := store.GetRecent(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	want := []string{"hi there", "how are you", "fine"}
	if len(recent) != len(want) {
		t.Fatalf("GetRecent(3) = %d entries, want %d", len(recent), len(want))
	}
	for i, e := range recent {
		if e.Text != want[i] {
			t.Errorf("entry %d = %q, want %q", i, e.Text, want[i])
		}
		if e.SessionID != "s1" {
			t.Errorf("entry %d session = %q", i, e.SessionID)
		}
	}
	if recent[1].TurnID != 2 || recent[1].Duration != time.Second {
		t.Errorf("entry 1 = %+v, want turn 2 with 1s duration", recent[1])
	}

	all, err := store.GetRecent(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("GetRecent(0): %v", err)
	}
	if len(all) != 4 {
		t.Errorf("GetRecent(0) = %d entries, want 4", len(all))
	}

	empty, err := store.GetRecent(ctx, "missing", 10)
	if err != nil {
		t.Fatalf("GetRecent(missing): %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("GetRecent(missing) = %v, want empty non-nil slice", empty)
	}
}

func TestStore_MarkInterrupted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	writeTurn(t, store, "s1", 1, "tell me a story", "once upon a time", time.Now())
	if err := store.MarkInterrupted(ctx, "s1", 1); err != nil {
		t.Fatalf("MarkInterrupted: %v", err)
	}

	entries, err := store.GetRecent(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if entries[0].Interrupted {
		t.Error("user entry marked interrupted")
	}
	if !entries[1].Interrupted {
		t.Error("assistant entry not marked interrupted")
	}
}

func TestStore_Search(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	writeTurn(t, store, "s1", 1, "where is the tower", "the tower lies north", now)
	writeTurn(t, store, "s2", 1, "the tower again", "still north", now.Add(time.Second))

	got, err := store.Search(ctx, "tower", memory.SearchOpts{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Search(s1) = %d entries, want 2", len(got))
	}

	got, err = store.Search(ctx, "tower", memory.SearchOpts{Role: types.RoleUser, Limit: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Text != "where is the tower" {
		t.Errorf("Search(role, limit) = %+v", got)
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
