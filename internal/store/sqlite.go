package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS actor_kv (
    actor      TEXT     NOT NULL,
    key        TEXT     NOT NULL,
    value      BLOB     NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (actor, key)
);

CREATE INDEX IF NOT EXISTS idx_actor_kv_key ON actor_kv(key);
`

// SQLiteStore implements Store on a single SQLite file (pure Go, no CGo).
// Suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	// A single writer keeps transactions serialized and lets :memory:
	// databases survive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, actor, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM actor_kv WHERE actor = ? AND key = ?`, actor, key).
		Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", actor, key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) List(ctx context.Context, actor, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM actor_kv
		 WHERE actor = ? AND substr(key, 1, length(?)) = ?
		 ORDER BY key`, actor, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", actor, prefix, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Apply(ctx context.Context, actor string, b *Batch) error {
	if b.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, op := range b.Ops {
		switch op.Kind {
		case OpPut:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO actor_kv (actor, key, value, updated_at)
				 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
				 ON CONFLICT (actor, key) DO UPDATE
				 SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
				actor, op.Key, op.Value)
		case OpDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM actor_kv WHERE actor = ? AND key = ?`, actor, op.Key)
		case OpDeleteAll:
			_, err = tx.ExecContext(ctx, `DELETE FROM actor_kv WHERE actor = ?`, actor)
		}
		if err != nil {
			return fmt.Errorf("apply %s/%s: %w", actor, op.Key, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) ActorsWithKey(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor FROM actor_kv WHERE key = ? ORDER BY actor`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var actor string
		if err := rows.Scan(&actor); err != nil {
			return nil, err
		}
		out = append(out, actor)
	}
	return out, rows.Err()
}
