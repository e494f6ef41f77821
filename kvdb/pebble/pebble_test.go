package pebble

import (
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substatevm/substatevm/kvdb"
	"github.com/substatevm/substatevm/kvdb/dbtest"
	"github.com/substatevm/substatevm/kvdb/memorydb"
)

func newMemDatabase(t *testing.T) *Database {
	db, err := pebble.Open("", &pebble.Options{
		FS: vfs.NewMem(),
	})
	require.NoError(t, err)
	return &Database{db: db}
}

func TestOnCompactionBegin(t *testing.T) {
	db := &Database{
		compTime:      atomic.Int64{},
		level0Comp:    atomic.Uint32{},
		nonLevel0Comp: atomic.Uint32{},
	}
	db.onCompactionBegin(pebble.CompactionInfo{Input: []pebble.LevelInfo{{Level: 0}}})
	assert.False(t, db.compStartTime.IsZero(), "compStartTime should be set")
	assert.Equal(t, uint32(1), db.level0Comp.Load())
	assert.Equal(t, 1, db.activeComp)

	db.onCompactionBegin(pebble.CompactionInfo{Input: []pebble.LevelInfo{{Level: 1}}})
	assert.Equal(t, uint32(1), db.nonLevel0Comp.Load())
	assert.Equal(t, 2, db.activeComp)

	db.onCompactionEnd(pebble.CompactionInfo{})
	db.onCompactionEnd(pebble.CompactionInfo{})
	assert.Equal(t, 0, db.activeComp)
	assert.Positive(t, db.compTime.Load())
}

func TestPebbleDB(t *testing.T) {
	t.Run("DatabaseSuite", func(t *testing.T) {
		dbtest.TestDatabaseSuite(t, func() kvdb.KeyValueStore {
			return newMemDatabase(t)
		})
	})
}

func TestReplayRangeDelete(t *testing.T) {
	db := newMemDatabase(t)
	defer db.Close()

	b := db.NewBatch()
	require.NoError(t, b.Put([]byte("a"), []byte("1")))
	require.NoError(t, b.DeleteRange([]byte("b"), []byte("d")))

	target := memorydb.New()
	for _, k := range []string{"b", "c", "d"} {
		require.NoError(t, target.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, b.Replay(target))

	_, err := target.Get([]byte("b"))
	assert.ErrorIs(t, err, kvdb.ErrNotFound)
	ok, err := target.Has([]byte("d"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, target.Len())
}

func TestClosed(t *testing.T) {
	db := newMemDatabase(t)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err := db.Get([]byte("k"))
	assert.ErrorIs(t, err, kvdb.ErrClosed)
}
