package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/attanik/gatehouse/internal/clock"
)

// SQLite is an adapter backed by an embedded SQLite database. Expiry is
// stored as a unix-second column; expired rows are filtered on read and
// reaped lazily.
type SQLite struct {
	db    *sql.DB
	clock clock.Clock
}

// SQLiteOption configures a SQLite adapter.
type SQLiteOption func(*SQLite)

// WithSQLiteClock injects a clock, letting tests control expiry.
func WithSQLiteClock(c clock.Clock) SQLiteOption {
	return func(s *SQLite) {
		s.clock = c
	}
}

// NewSQLite opens (or creates) the database at path and ensures the
// kv table exists. Use ":memory:" for an ephemeral store.
func NewSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key    TEXT PRIMARY KEY,
			value  TEXT NOT NULL,
			expiry INTEGER
		);
		CREATE INDEX IF NOT EXISTS kv_expiry ON kv(expiry) WHERE expiry IS NOT NULL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	s := &SQLite{db: db, clock: clock.NewSystemClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get implements Adapter.
func (s *SQLite) Get(ctx context.Context, key []string) (json.RawMessage, bool, error) {
	now := s.clock.Now().Unix()
	row := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv
		WHERE key = ? AND (expiry IS NULL OR expiry > ?);`,
		JoinKey(key), now,
	)

	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read key: %w", err)
	}
	return json.RawMessage(value), true, nil
}

// Set implements Adapter.
func (s *SQLite) Set(ctx context.Context, key []string, value json.RawMessage, ttl time.Duration) error {
	var expiry *int64
	if ttl > 0 {
		e := s.clock.Now().Add(ttl).Unix()
		expiry = &e
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expiry) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expiry = excluded.expiry;`,
		JoinKey(key), string(value), expiry,
	)
	if err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// Remove implements Adapter.
func (s *SQLite) Remove(ctx context.Context, key []string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?;`, JoinKey(key)); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Take atomically reads and deletes a key using DELETE ... RETURNING,
// making single-use authorization codes genuinely single-use.
func (s *SQLite) Take(ctx context.Context, key []string) (json.RawMessage, bool, error) {
	now := s.clock.Now().Unix()
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM kv
		WHERE key = ? AND (expiry IS NULL OR expiry > ?)
		RETURNING value;`,
		JoinKey(key), now,
	)

	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to take key: %w", err)
	}
	return json.RawMessage(value), true, nil
}

// Scan implements Adapter. Expired rows encountered during the scan are
// reaped afterwards.
func (s *SQLite) Scan(ctx context.Context, prefix []string) ([]Entry, error) {
	joined := JoinKey(prefix)
	now := s.clock.Now().Unix()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM kv
		WHERE (key = ? OR key LIKE ? ESCAPE '\')
		  AND (expiry IS NULL OR expiry > ?);`,
		joined, likeEscape(joined+Separator)+"%", now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan prefix: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, Entry{Key: SplitKey(key), Value: json.RawMessage(value)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// opportunistic reap of anything this prefix has outlived
	_, _ = s.db.ExecContext(ctx, `
		DELETE FROM kv
		WHERE (key = ? OR key LIKE ? ESCAPE '\') AND expiry IS NOT NULL AND expiry <= ?;`,
		joined, likeEscape(joined+Separator)+"%", now,
	)

	return out, nil
}

// likeEscape escapes LIKE metacharacters in a literal prefix.
func likeEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

var _ Adapter = (*SQLite)(nil)
