package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Each actor's namespace is a set of rows in actor_kv.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema migrations in file name order.
// Migrations are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, actor, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM actor_kv WHERE actor = $1 AND key = $2`, actor, key).
		Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", actor, key, err)
	}
	return value, true, nil
}

func (s *PostgresStore) List(ctx context.Context, actor, prefix string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM actor_kv
		 WHERE actor = $1 AND left(key, length($2)) = $2
		 ORDER BY key`, actor, prefix)
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

func (s *PostgresStore) Apply(ctx context.Context, actor string, b *Batch) error {
	if b.Empty() {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, op := range b.Ops {
		switch op.Kind {
		case OpPut:
			_, err = tx.Exec(ctx,
				`INSERT INTO actor_kv (actor, key, value, updated_at)
				 VALUES ($1, $2, $3, now())
				 ON CONFLICT (actor, key) DO UPDATE
				 SET value = EXCLUDED.value, updated_at = now()`,
				actor, op.Key, op.Value)
		case OpDelete:
			_, err = tx.Exec(ctx, `DELETE FROM actor_kv WHERE actor = $1 AND key = $2`, actor, op.Key)
		case OpDeleteAll:
			_, err = tx.Exec(ctx, `DELETE FROM actor_kv WHERE actor = $1`, actor)
		}
		if err != nil {
			return fmt.Errorf("apply %s/%s: %w", actor, op.Key, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ActorsWithKey(ctx context.Context, key string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT actor FROM actor_kv WHERE key = $1 ORDER BY actor`, key)
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
