package history_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/typefree/internal/history"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if TYPEFREE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TYPEFREE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TYPEFREE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newPostgresStore(t *testing.T) *history.PostgresStore {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS dictation_sessions"); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	pool.Close()

	s, err := history.NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestPostgresStore_SaveAndRecent(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	saved, err := s.Save(ctx, history.Entry{Text: "remember the milk", Source: history.SourceFinal, SpeechChunks: 30, Duration: 4500 * time.Millisecond})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.ID == 0 || saved.CreatedAt.IsZero() {
		t.Errorf("Save should assign ID and CreatedAt, got %+v", saved)
	}
	seed(t, s, "second", "third")

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if g := texts(got); len(g) != 2 || g[0] != "third" || g[1] != "second" {
		t.Errorf("Recent(2): got %v", g)
	}

	all, _ := s.Recent(ctx, 0)
	last := all[len(all)-1]
	if last.Source != history.SourceFinal || last.SpeechChunks != 30 || last.Duration != 4500*time.Millisecond {
		t.Errorf("round trip: got %+v", last)
	}

	if _, err := s.Save(ctx, history.Entry{Text: " "}); !errors.Is(err, history.ErrEmptyText) {
		t.Errorf("Save(empty): got %v, want ErrEmptyText", err)
	}
}

func TestPostgresStore_Search(t *testing.T) {
	s := newPostgresStore(t)
	seed(t, s, "buy milk and eggs", "call the dentist", "eggs benedict recipe")

	got, err := s.Search(context.Background(), "eggs", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Search(eggs): got %v, want 2 entries", texts(got))
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	for i := range 2 {
		if err := history.Migrate(ctx, pool); err != nil {
			t.Fatalf("Migrate #%d: %v", i+1, err)
		}
	}
}
