package memorydb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substatevm/substatevm/kvdb"
	"github.com/substatevm/substatevm/kvdb/dbtest"
)

func TestMemoryDB(t *testing.T) {
	t.Run("DatabaseSuite", func(t *testing.T) {
		dbtest.TestDatabaseSuite(t, func() kvdb.KeyValueStore {
			return New()
		})
	})
}

func TestClosedDatabase(t *testing.T) {
	db := New()
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	_, err := db.Get([]byte("k"))
	assert.ErrorIs(t, err, kvdb.ErrClosed)
	assert.ErrorIs(t, db.Put([]byte("k"), nil), kvdb.ErrClosed)

	it := db.NewIterator(nil, nil)
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Error(), kvdb.ErrClosed)
}

func TestUnboundedDeleteRange(t *testing.T) {
	db := New()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, db.Put([]byte(k), []byte(k)))
	}
	b := db.NewBatch()
	require.NoError(t, b.DeleteRange([]byte("b"), nil))
	require.NoError(t, b.Write())
	assert.Equal(t, 1, db.Len())
}
