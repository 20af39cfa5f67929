package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS dictation_sessions (
    id             BIGSERIAL    PRIMARY KEY,
    text           TEXT         NOT NULL,
    source         TEXT         NOT NULL,
    speech_chunks  INTEGER      NOT NULL DEFAULT 0,
    duration_ns    BIGINT       NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dictation_sessions_created_at
    ON dictation_sessions (created_at);

CREATE INDEX IF NOT EXISTS idx_dictation_sessions_fts
    ON dictation_sessions USING GIN (to_tsvector('simple', text));
`

// PostgresStore is a [Store] backed by a PostgreSQL dictation_sessions
// table. All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and runs
// [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the history table and indexes if they do not exist. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		return fmt.Errorf("history: create dictation_sessions: %w", err)
	}
	return nil
}

// Save implements [Store].
func (s *PostgresStore) Save(ctx context.Context, e Entry) (Entry, error) {
	if strings.TrimSpace(e.Text) == "" {
		return Entry{}, ErrEmptyText
	}
	const q = `
		INSERT INTO dictation_sessions (text, source, speech_chunks, duration_ns)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, q, e.Text, string(e.Source), e.SpeechChunks, e.Duration.Nanoseconds()).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("history: save: %w", err)
	}
	return e, nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	q := `
		SELECT id, text, source, speech_chunks, duration_ns, created_at
		FROM   dictation_sessions
		ORDER  BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		q += "\nLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [Store]. The query goes through plainto_tsquery with the
// language-neutral 'simple' configuration, since dictation language varies.
func (s *PostgresStore) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	q := `
		SELECT id, text, source, speech_chunks, duration_ns, created_at
		FROM   dictation_sessions
		WHERE  to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)
		ORDER  BY created_at DESC, id DESC`
	args := []any{query}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: search: %w", err)
	}
	return collectEntries(rows)
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [Store].
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e          Entry
			source     string
			durationNS int64
		)
		if err := row.Scan(&e.ID, &e.Text, &source, &e.SpeechChunks, &durationNS, &e.CreatedAt); err != nil {
			return Entry{}, err
		}
		e.Source = Source(source)
		e.Duration = time.Duration(durationNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan rows: %w", err)
	}
	return entries, nil
}
