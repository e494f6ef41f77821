package substatedb

import (
	"bytes"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substatevm/substatevm/core/types"
	"github.com/substatevm/substatevm/kvdb/memorydb"
)

func testPartition(b byte, p types.PartitionNumber) []byte {
	return types.NewNodeId(types.EntityGlobalComponent, bytes.Repeat([]byte{b}, types.NodeIdLength-1)).PartitionKey(p)
}

func newTestDatabase(t *testing.T) (*Database, *memorydb.Database) {
	kv := memorydb.New()
	db, err := New(kv, &Config{CleanCacheSize: 1024 * 1024})
	require.NoError(t, err)
	return db, kv
}

func collect(t *testing.T, it Iterator) (keys, values []string) {
	defer it.Release()
	for it.Next() {
		keys = append(keys, string(it.SortKey()))
		values = append(values, string(it.Value()))
	}
	require.NoError(t, it.Error())
	return keys, values
}

func TestCommitAndRead(t *testing.T) {
	db, kv := newTestDatabase(t)
	pk := testPartition(1, types.MainPartition)

	_, err := db.GetSubstate(pk, []byte{0})
	assert.ErrorIs(t, err, ErrNotFound)

	updates := new(DatabaseUpdates)
	part := updates.Partition(pk)
	part.Set([]byte{0}, []byte("zero"))
	part.Set([]byte{1}, []byte("one"))
	require.NoError(t, db.Commit(updates))
	assert.Equal(t, uint64(1), db.Version())

	v, err := db.GetSubstate(pk, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	// Values are compressed at rest.
	raw, err := kv.Get(substateKey(pk, []byte{1}))
	require.NoError(t, err)
	assert.Equal(t, snappy.Encode(nil, []byte("one")), raw)
}

func TestCacheInvalidatedByCommit(t *testing.T) {
	db, _ := newTestDatabase(t)
	pk := testPartition(2, types.MainPartition)

	updates := new(DatabaseUpdates)
	updates.Partition(pk).Set([]byte{0}, []byte("a"))
	require.NoError(t, db.Commit(updates))

	v, err := db.GetSubstate(pk, []byte{0})
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)

	updates = new(DatabaseUpdates)
	updates.Partition(pk).Set([]byte{0}, []byte("b"))
	require.NoError(t, db.Commit(updates))
	v, err = db.GetSubstate(pk, []byte{0})
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), v)

	updates = new(DatabaseUpdates)
	updates.Partition(pk).Remove([]byte{0})
	require.NoError(t, db.Commit(updates))
	_, err = db.GetSubstate(pk, []byte{0})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPartitionReset(t *testing.T) {
	db, _ := newTestDatabase(t)
	pk := testPartition(3, types.FirstCollectionPartition)
	other := testPartition(3, types.FirstCollectionPartition+1)

	updates := new(DatabaseUpdates)
	updates.Partition(pk).Set([]byte("a"), []byte("1"))
	updates.Partition(pk).Set([]byte("b"), []byte("2"))
	updates.Partition(other).Set([]byte("a"), []byte("x"))
	require.NoError(t, db.Commit(updates))

	// warm the cache
	_, err := db.GetSubstate(pk, []byte("a"))
	require.NoError(t, err)

	updates = new(DatabaseUpdates)
	reset := updates.Partition(pk)
	reset.Reset = true
	reset.Set([]byte("c"), []byte("3"))
	require.NoError(t, db.Commit(updates))

	keys, values := collect(t, db.ListEntries(pk, nil))
	assert.Equal(t, []string{"c"}, keys)
	assert.Equal(t, []string{"3"}, values)

	_, err = db.GetSubstate(pk, []byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)

	keys, _ = collect(t, db.ListEntries(other, nil))
	assert.Equal(t, []string{"a"}, keys)
}

func TestListEntriesFrom(t *testing.T) {
	db, _ := newTestDatabase(t)
	pk := testPartition(4, types.FirstCollectionPartition)

	updates := new(DatabaseUpdates)
	for _, k := range []string{"d", "a", "c", "b"} {
		updates.Partition(pk).Set([]byte(k), []byte(k))
	}
	require.NoError(t, db.Commit(updates))

	keys, _ := collect(t, db.ListEntries(pk, []byte("b")))
	assert.Equal(t, []string{"b", "c", "d"}, keys)
}

func TestVersionPersisted(t *testing.T) {
	db, kv := newTestDatabase(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Commit(new(DatabaseUpdates)))
	}
	reopened, err := New(kv, &Config{})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), reopened.Version())
}

func TestListPartitions(t *testing.T) {
	db, _ := newTestDatabase(t)
	a := testPartition(5, types.MainPartition)
	b := testPartition(6, types.MainPartition)

	updates := new(DatabaseUpdates)
	updates.Partition(a).Set([]byte{0}, []byte("x"))
	updates.Partition(a).Set([]byte{1}, []byte("y"))
	updates.Partition(b).Set([]byte{0}, []byte("z"))
	require.NoError(t, db.Commit(updates))

	seen := make(map[string]int)
	require.NoError(t, db.ListPartitions(func(info PartitionInfo) error {
		seen[string(info.PartitionKey)] = info.Entries
		return nil
	}))
	assert.Equal(t, map[string]int{string(a): 2, string(b): 1}, seen)
}

func TestUpdatesHelpers(t *testing.T) {
	updates := new(DatabaseUpdates)
	assert.True(t, updates.Empty())

	pk := testPartition(7, types.MainPartition)
	updates.Partition(pk).Set([]byte{0}, []byte("v"))
	updates.Partition(pk).Remove([]byte{1})
	assert.Len(t, updates.Partitions, 1)
	assert.Equal(t, 2, updates.Len())
	assert.False(t, updates.Empty())
}
