package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a PostgreSQL container and returns a migrated store.
func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "failed to create pool")
	t.Cleanup(pool.Close)

	st := NewPostgresStore(pool)
	require.NoError(t, st.Migrate(ctx))
	// Migrations are idempotent.
	require.NoError(t, st.Migrate(ctx))
	return st
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, setupPostgres(t))
}

func TestCachedStore(t *testing.T) {
	rdb := setupRedis(t)
	runStoreSuite(t, NewCachedStore(NewMemoryStore(), rdb, time.Minute))
}

func TestCachedStore_InvalidatesOnWrite(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	primary := NewMemoryStore()
	st := NewCachedStore(primary, rdb, time.Minute)

	var b Batch
	b.Put("k", []byte(`1`))
	require.NoError(t, st.Apply(ctx, "a", &b))

	// Populate the cache.
	v, ok, err := st.Get(ctx, "a", "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `1`, string(v))

	b = Batch{}
	b.Put("k", []byte(`2`))
	require.NoError(t, st.Apply(ctx, "a", &b))

	v, _, err = st.Get(ctx, "a", "k")
	require.NoError(t, err)
	require.Equal(t, `2`, string(v))

	b = Batch{}
	b.DeleteAll()
	require.NoError(t, st.Apply(ctx, "a", &b))

	_, ok, err = st.Get(ctx, "a", "k")
	require.NoError(t, err)
	require.False(t, ok)
}
