package leveldb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substatevm/substatevm/kvdb"
	"github.com/substatevm/substatevm/kvdb/dbtest"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func newMemDatabase(t *testing.T) *Database {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	return &Database{db: db}
}

func TestLevelDB(t *testing.T) {
	t.Run("DatabaseSuite", func(t *testing.T) {
		dbtest.TestDatabaseSuite(t, func() kvdb.KeyValueStore {
			return newMemDatabase(t)
		})
	})
}

func TestBytesPrefixRange(t *testing.T) {
	r := bytesPrefixRange([]byte("ab"), []byte("c"))
	assert.Equal(t, []byte("abc"), r.Start)
	assert.Equal(t, []byte("ac"), r.Limit)
}

func TestOpenFile(t *testing.T) {
	db, err := New(t.TempDir(), 0, 0, "test/", false)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	stats, err := db.Stat()
	require.NoError(t, err)
	assert.Contains(t, stats, "Read(MB)")
	require.NoError(t, db.Close())
}
