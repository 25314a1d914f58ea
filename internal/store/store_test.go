package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, st Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, ok, err := st.Get(ctx, "a1", "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("put then get", func(t *testing.T) {
		var b Batch
		b.Put("k1", []byte(`"v1"`))
		b.Put("k2", []byte(`"v2"`))
		require.NoError(t, st.Apply(ctx, "a1", &b))

		v, ok, err := st.Get(ctx, "a1", "k1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `"v1"`, string(v))

		_, ok, err = st.Get(ctx, "a2", "k1")
		require.NoError(t, err)
		assert.False(t, ok, "namespaces must not leak across actors")
	})

	t.Run("overwrite and delete", func(t *testing.T) {
		var b Batch
		b.Put("k1", []byte(`"v1b"`))
		b.Delete("k2")
		require.NoError(t, st.Apply(ctx, "a1", &b))

		v, _, err := st.Get(ctx, "a1", "k1")
		require.NoError(t, err)
		assert.Equal(t, `"v1b"`, string(v))

		_, ok, err := st.Get(ctx, "a1", "k2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("list prefix sorted", func(t *testing.T) {
		var b Batch
		b.Put("bets-c", []byte(`3`))
		b.Put("bets-a", []byte(`1`))
		b.Put("bets-b", []byte(`2`))
		b.Put("other", []byte(`0`))
		require.NoError(t, st.Apply(ctx, "a3", &b))

		entries, err := st.List(ctx, "a3", "bets-")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "bets-a", entries[0].Key)
		assert.Equal(t, "bets-b", entries[1].Key)
		assert.Equal(t, "bets-c", entries[2].Key)
		assert.Equal(t, `2`, string(entries[1].Value))
	})

	t.Run("delete all then put in one batch", func(t *testing.T) {
		var b Batch
		b.DeleteAll()
		b.Put("total", []byte(`9`))
		require.NoError(t, st.Apply(ctx, "a3", &b))

		entries, err := st.List(ctx, "a3", "")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "total", entries[0].Key)
	})

	t.Run("actors with key", func(t *testing.T) {
		for _, actor := range []string{"x2", "x1"} {
			var b Batch
			b.Put("alarm", []byte(`1`))
			require.NoError(t, st.Apply(ctx, actor, &b))
		}

		actors, err := st.ActorsWithKey(ctx, "alarm")
		require.NoError(t, err)
		assert.Equal(t, []string{"x1", "x2"}, actors)

		var b Batch
		b.Delete("alarm")
		require.NoError(t, st.Apply(ctx, "x1", &b))

		actors, err = st.ActorsWithKey(ctx, "alarm")
		require.NoError(t, err)
		assert.Equal(t, []string{"x2"}, actors)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	st, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runStoreSuite(t, st)
}

func TestMemoryStore_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	value := []byte(`"abc"`)
	var b Batch
	b.Put("k", value)
	require.NoError(t, st.Apply(ctx, "a", &b))
	value[1] = 'z'

	got, _, err := st.Get(ctx, "a", "k")
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, string(got))
}
