// Package dbtest holds the conformance suite every kvdb backend runs.
package dbtest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substatevm/substatevm/kvdb"
)

// TestDatabaseSuite runs a suite of tests against a KeyValueStore database
// implementation.
func TestDatabaseSuite(t *testing.T, New func() kvdb.KeyValueStore) {
	t.Run("Iterator", func(t *testing.T) {
		tests := []struct {
			content map[string]string
			prefix  string
			start   string
			order   []string
		}{
			// Empty databases should be iterable
			{map[string]string{}, "", "", nil},
			{map[string]string{}, "non-existent-prefix", "", nil},

			// Single-item databases should be iterable
			{map[string]string{"key": "val"}, "", "", []string{"key"}},
			{map[string]string{"key": "val"}, "k", "", []string{"key"}},
			{map[string]string{"key": "val"}, "l", "", nil},

			// Multi-item databases should be fully iterable
			{
				map[string]string{"k1": "v1", "k5": "v5", "k2": "v2", "k4": "v4", "k3": "v3"},
				"", "",
				[]string{"k1", "k2", "k3", "k4", "k5"},
			},
			{
				map[string]string{"k1": "v1", "k5": "v5", "k2": "v2", "k4": "v4", "k3": "v3"},
				"k", "",
				[]string{"k1", "k2", "k3", "k4", "k5"},
			},
			// Prefixed iteration with a start key
			{
				map[string]string{"ka1": "va1", "ka5": "va5", "kb2": "vb2", "ka3": "va3", "kb4": "vb4"},
				"ka", "3",
				[]string{"ka3", "ka5"},
			},
			{
				map[string]string{"ka1": "va1", "ka5": "va5", "kb2": "vb2", "ka3": "va3", "kb4": "vb4"},
				"ka", "6",
				nil,
			},
		}
		for i, tt := range tests {
			db := New()
			for key, val := range tt.content {
				require.NoError(t, db.Put([]byte(key), []byte(val)), "test %d", i)
			}
			it := db.NewIterator([]byte(tt.prefix), []byte(tt.start))
			var got []string
			for it.Next() {
				got = append(got, string(it.Key()))
				assert.Equal(t, tt.content[string(it.Key())], string(it.Value()), "test %d", i)
			}
			require.NoError(t, it.Error(), "test %d", i)
			it.Release()
			assert.Equal(t, tt.order, got, "test %d", i)
			db.Close()
		}
	})

	t.Run("KeyValueOperations", func(t *testing.T) {
		db := New()
		defer db.Close()

		key := []byte("foo")
		got, err := db.Has(key)
		require.NoError(t, err)
		assert.False(t, got)

		_, err = db.Get(key)
		assert.True(t, errors.Is(err, kvdb.ErrNotFound), "missing key: %v", err)

		require.NoError(t, db.Put(key, []byte("bar")))
		got, err = db.Has(key)
		require.NoError(t, err)
		assert.True(t, got)

		val, err := db.Get(key)
		require.NoError(t, err)
		assert.Equal(t, []byte("bar"), val)

		require.NoError(t, db.Delete(key))
		got, err = db.Has(key)
		require.NoError(t, err)
		assert.False(t, got)
	})

	t.Run("Batch", func(t *testing.T) {
		db := New()
		defer db.Close()

		b := db.NewBatch()
		for _, k := range []string{"1", "2", "3", "4"} {
			require.NoError(t, b.Put([]byte(k), nil))
		}
		got, err := db.Has([]byte("1"))
		require.NoError(t, err)
		assert.False(t, got, "batch write leaked before Write")

		require.NoError(t, b.Write())
		assert.Equal(t, []string{"1", "2", "3", "4"}, iterateKeys(db.NewIterator(nil, nil)))

		b.Reset()
		// Mix writes and deletes in batch
		require.NoError(t, b.Put([]byte("5"), nil))
		require.NoError(t, b.Delete([]byte("1")))
		require.NoError(t, b.Put([]byte("6"), nil))
		require.NoError(t, b.Delete([]byte("3")))
		require.NoError(t, b.Put([]byte("3"), nil))
		require.NoError(t, b.Write())
		assert.Equal(t, []string{"2", "3", "4", "5", "6"}, iterateKeys(db.NewIterator(nil, nil)))
	})

	t.Run("BatchReplay", func(t *testing.T) {
		db := New()
		defer db.Close()

		want := []string{"1", "2", "3", "4"}
		b := db.NewBatch()
		for _, k := range want {
			require.NoError(t, b.Put([]byte(k), nil))
		}
		b2 := db.NewBatch()
		require.NoError(t, b.Replay(b2))
		require.NoError(t, b2.Replay(db))
		assert.Equal(t, want, iterateKeys(db.NewIterator(nil, nil)))
	})

	t.Run("DeleteRange", func(t *testing.T) {
		db := New()
		defer db.Close()

		addKeys := func(start, stop int) {
			for i := start; i <= stop; i++ {
				require.NoError(t, db.Put([]byte{byte(i)}, []byte{byte(i)}))
			}
		}
		addKeys(1, 8)
		require.NoError(t, db.DeleteRange([]byte{2}, []byte{5}))
		assert.Equal(t, [][]byte{{1}, {5}, {6}, {7}, {8}}, iterateRawKeys(db.NewIterator(nil, nil)))

		// Range deletion through a batch, mixed with writes.
		b := db.NewBatch()
		require.NoError(t, b.Put([]byte{3}, []byte{3}))
		require.NoError(t, b.DeleteRange([]byte{5}, []byte{8}))
		require.NoError(t, b.Write())
		assert.Equal(t, [][]byte{{1}, {3}, {8}}, iterateRawKeys(db.NewIterator(nil, nil)))
	})

	t.Run("IteratorSnapshot", func(t *testing.T) {
		db := New()
		defer db.Close()

		require.NoError(t, db.Put([]byte("a"), []byte("1")))
		it := db.NewIterator(nil, nil)
		defer it.Release()
		require.NoError(t, db.Put([]byte("a"), []byte("2")))
		require.True(t, it.Next())
		// Backends may or may not observe later writes; they must not
		// return torn values.
		assert.True(t, bytes.Equal(it.Value(), []byte("1")) || bytes.Equal(it.Value(), []byte("2")))
	})
}

func iterateKeys(it kvdb.Iterator) []string {
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	it.Release()
	return keys
}

func iterateRawKeys(it kvdb.Iterator) [][]byte {
	var keys [][]byte
	for it.Next() {
		keys = append(keys, bytes.Clone(it.Key()))
	}
	it.Release()
	return keys
}
