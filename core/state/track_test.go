package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substatevm/substatevm/core/types"
	"github.com/substatevm/substatevm/kvdb/memorydb"
	"github.com/substatevm/substatevm/substatedb"
)

func newTestDB(t *testing.T) *substatedb.Database {
	db, err := substatedb.New(memorydb.New(), &substatedb.Config{})
	require.NoError(t, err)
	return db
}

func store(t *testing.T, db *substatedb.Database, ref types.SubstateRef, v *types.IndexedValue) {
	updates := new(substatedb.DatabaseUpdates)
	updates.Partition(ref.Node.PartitionKey(ref.Partition)).Set(ref.Key.SortKey(), v.Bytes())
	require.NoError(t, db.Commit(updates))
}

func field(id types.NodeId, n uint8) types.SubstateRef {
	return types.SubstateRef{Node: id, Partition: types.MainPartition, Key: types.FieldKey(n)}
}

func commit(t *testing.T, db *substatedb.Database, tr *Track) *TrackedSubstates {
	result, err := tr.Finalize()
	require.NoError(t, err)
	require.NoError(t, db.Commit(result.ToDatabaseUpdates()))
	return result
}

func TestTrackLockReadWrite(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityGlobalComponent, 1)
	ref := field(id, 0)
	store(t, db, ref, val(1))

	tr := NewTrack(db)
	var io ioLog
	h, err := tr.AcquireLock(id, ref.Partition, ref.Key, types.LockFlagMutable, nil, io.handler())
	require.NoError(t, err)
	assert.Equal(t, []IOAccessKind{ReadFromDb, TrackSubstateUpdated}, io.kinds())

	v, err := tr.Read(h)
	require.NoError(t, err)
	assert.True(t, v.Equal(val(1)))

	require.NoError(t, tr.Write(h, val(2), io.handler()))
	v, err = tr.Read(h)
	require.NoError(t, err)
	assert.True(t, v.Equal(val(2)))
	assert.Equal(t, SubstateUpdated, tr.GetTrackedSubstateInfo(id, ref.Partition, ref.Key))

	// A second read of a tracked substate does not hit the store.
	io = ioLog{}
	h2, err := tr.AcquireLock(id, ref.Partition, types.FieldKey(0), types.LockFlagsRead, nil, io.handler())
	assert.ErrorIs(t, err, ErrSubstateLocked)
	assert.Zero(t, h2)
	assert.Empty(t, io.accesses)

	require.NoError(t, tr.ReleaseLock(h))
	assert.ErrorIs(t, tr.ReleaseLock(h), ErrInvalidLockHandle)

	result := commit(t, db, tr)
	require.Len(t, result.Deltas(), 1)
	d := result.Deltas()[0]
	assert.Equal(t, ref, d.Ref)
	require.NotNil(t, d.OldHash)
	assert.Equal(t, val(1).Hash(), *d.OldHash)

	raw, err := db.GetSubstate(id.PartitionKey(ref.Partition), ref.Key.SortKey())
	require.NoError(t, err)
	assert.Equal(t, val(2).Bytes(), raw)
}

func TestTrackLockConflicts(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityGlobalComponent, 2)
	ref := field(id, 0)
	store(t, db, ref, val(1))
	tr := NewTrack(db)

	r1, err := tr.AcquireLock(id, ref.Partition, ref.Key, types.LockFlagsRead, nil, nil)
	require.NoError(t, err)
	r2, err := tr.AcquireLock(id, ref.Partition, ref.Key, types.LockFlagsRead, nil, nil)
	require.NoError(t, err)

	_, err = tr.AcquireLock(id, ref.Partition, ref.Key, types.LockFlagMutable, nil, nil)
	var terr *TrackError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ref, terr.Ref)
	assert.ErrorIs(t, err, ErrSubstateLocked)

	require.NoError(t, tr.ReleaseLock(r1))
	require.NoError(t, tr.ReleaseLock(r2))

	m1, err := tr.AcquireLock(id, ref.Partition, ref.Key, types.LockFlagMutable, nil, nil)
	require.NoError(t, err)
	_, err = tr.AcquireLock(id, ref.Partition, ref.Key, types.LockFlagMutable, nil, nil)
	assert.ErrorIs(t, err, ErrSubstateLocked)

	assert.ErrorIs(t, tr.SetSubstate(id, ref.Partition, ref.Key, val(3), nil), ErrSubstateLocked)
	_, err = tr.RemoveSubstate(id, ref.Partition, ref.Key, nil)
	assert.ErrorIs(t, err, ErrSubstateLocked)
	require.NoError(t, tr.ReleaseLock(m1))
}

func TestTrackReadOnlyLockCannotWrite(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityGlobalComponent, 3)
	ref := field(id, 0)
	store(t, db, ref, val(1))
	tr := NewTrack(db)

	h, err := tr.AcquireLock(id, ref.Partition, ref.Key, types.LockFlagsRead, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Write(h, val(2), nil), ErrLockNotMutable)
}

func TestTrackNotFoundAndDefault(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityGlobalAccount, 4)
	ref := field(id, 0)
	tr := NewTrack(db)

	var io ioLog
	_, err := tr.AcquireLock(id, ref.Partition, ref.Key, types.LockFlagsRead, nil, io.handler())
	assert.ErrorIs(t, err, ErrSubstateNotFound)
	assert.Equal(t, []IOAccessKind{ReadFromDbNotFound, TrackSubstateUpdated}, io.kinds())

	h, err := tr.AcquireLock(id, ref.Partition, ref.Key, types.LockFlagMutable, func() *types.IndexedValue { return val(9) }, nil)
	require.NoError(t, err)
	v, err := tr.Read(h)
	require.NoError(t, err)
	assert.True(t, v.Equal(val(9)))

	// An unwritten default is not committed.
	require.NoError(t, tr.ReleaseLock(h))
	result, err := tr.Finalize()
	require.NoError(t, err)
	assert.True(t, result.Empty())
}

func TestTrackDefaultMustNotOwnNodes(t *testing.T) {
	tr := NewTrack(newTestDB(t))
	id := testNode(types.EntityGlobalAccount, 5)
	owning := types.NewIndexedValue(nil, []types.NodeId{testNode(types.EntityInternalVault, 6)}, nil)
	_, err := tr.AcquireLock(id, types.MainPartition, types.FieldKey(0), types.LockFlagsRead, func() *types.IndexedValue { return owning }, nil)
	assert.ErrorIs(t, err, ErrInvalidDefaultValue)
}

func TestTrackNilDefaultRejected(t *testing.T) {
	tr := NewTrack(newTestDB(t))
	id := testNode(types.EntityGlobalAccount, 5)
	_, err := tr.AcquireLock(id, types.MainPartition, types.FieldKey(0), types.LockFlagsRead, func() *types.IndexedValue { return nil }, nil)
	assert.ErrorIs(t, err, ErrInvalidDefaultValue)
	assert.Zero(t, tr.OpenLocks())
}

func TestTrackUnmodifiedBase(t *testing.T) {
	db := newTestDB(t)
	stored := testNode(types.EntityGlobalComponent, 7)
	created := testNode(types.EntityGlobalComponent, 8)
	store(t, db, field(stored, 0), val(1))
	store(t, db, field(stored, 1), val(1))
	tr := NewTrack(db)

	substates := make(types.NodeSubstates)
	substates.Set(types.MainPartition, types.FieldKey(0), val(1))
	require.NoError(t, tr.CreateNode(created, substates, nil))
	_, err := tr.AcquireLock(created, types.MainPartition, types.FieldKey(0), types.LockFlagUnmodifiedBase, nil, nil)
	assert.ErrorIs(t, err, ErrLockUnmodifiedBaseOnNewSubstate)

	require.NoError(t, tr.SetSubstate(stored, types.MainPartition, types.FieldKey(1), val(2), nil))
	_, err = tr.AcquireLock(stored, types.MainPartition, types.FieldKey(1), types.LockFlagUnmodifiedBase, nil, nil)
	assert.ErrorIs(t, err, ErrLockUnmodifiedBaseOnUpdatedSubstate)

	flags := types.LockFlagMutable | types.LockFlagUnmodifiedBase
	h, err := tr.AcquireLock(stored, types.MainPartition, types.FieldKey(0), flags, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Write(h, val(2), nil))
	require.NoError(t, tr.Write(h, val(3), nil), "own writes keep the base")

	// Reverting under the lock changes the base.
	tr.RevertNonForceWriteChanges()
	assert.ErrorIs(t, tr.Write(h, val(4), nil), ErrStaleBase)
}

func TestTrackForceWriteSurvivesRevert(t *testing.T) {
	db := newTestDB(t)
	vault := testNode(types.EntityInternalVault, 9)
	other := testNode(types.EntityGlobalComponent, 10)
	store(t, db, field(vault, 0), val(10))
	store(t, db, field(other, 0), val(1))

	tr := NewTrack(db)
	fee, err := tr.AcquireLock(vault, types.MainPartition, types.FieldKey(0), types.LockFlagMutable|types.LockFlagForceWrite, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Write(fee, val(7), nil))
	require.NoError(t, tr.ReleaseLock(fee))

	require.NoError(t, tr.SetSubstate(other, types.MainPartition, types.FieldKey(0), val(2), nil))
	created := testNode(types.EntityGlobalComponent, 11)
	substates := make(types.NodeSubstates)
	substates.Set(types.MainPartition, types.FieldKey(0), val(5))
	require.NoError(t, tr.CreateNode(created, substates, nil))

	tr.RevertNonForceWriteChanges()
	result := commit(t, db, tr)
	require.Len(t, result.Deltas(), 1)
	assert.Equal(t, field(vault, 0), result.Deltas()[0].Ref)
	assert.Empty(t, result.NewNodes())

	raw, err := db.GetSubstate(other.PartitionKey(types.MainPartition), []byte{0})
	require.NoError(t, err)
	assert.Equal(t, val(1).Bytes(), raw)
	raw, err = db.GetSubstate(vault.PartitionKey(types.MainPartition), []byte{0})
	require.NoError(t, err)
	assert.Equal(t, val(7).Bytes(), raw)
}

func TestTrackRevertDropsForceWritesOnNewNodes(t *testing.T) {
	db := newTestDB(t)
	tr := NewTrack(db)
	vault := testNode(types.EntityInternalVault, 14)
	substates := make(types.NodeSubstates)
	substates.Set(types.MainPartition, types.FieldKey(0), val(10))
	require.NoError(t, tr.CreateNode(vault, substates, nil))

	h, err := tr.AcquireLock(vault, types.MainPartition, types.FieldKey(0), types.LockFlagMutable|types.LockFlagForceWrite, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Write(h, val(7), nil))
	require.NoError(t, tr.ReleaseLock(h))

	tr.RevertNonForceWriteChanges()
	result := commit(t, db, tr)
	assert.True(t, result.Empty())
	assert.Empty(t, result.NewNodes())
	_, err = db.GetSubstate(vault.PartitionKey(types.MainPartition), []byte{0})
	assert.ErrorIs(t, err, substatedb.ErrNotFound)
}

func TestTrackForceWriteNeedsUnmodifiedBase(t *testing.T) {
	db := newTestDB(t)
	vault := testNode(types.EntityInternalVault, 15)
	store(t, db, field(vault, 0), val(10))

	tr := NewTrack(db)
	h, err := tr.AcquireLock(vault, types.MainPartition, types.FieldKey(0), types.LockFlagMutable, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Write(h, val(60), nil))
	require.NoError(t, tr.ReleaseLock(h))

	_, err = tr.AcquireLock(vault, types.MainPartition, types.FieldKey(0), types.LockFlagMutable|types.LockFlagUnmodifiedBase|types.LockFlagForceWrite, nil, nil)
	assert.ErrorIs(t, err, ErrLockUnmodifiedBaseOnUpdatedSubstate)
}

func TestTrackFinalizeChecks(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityGlobalComponent, 12)
	store(t, db, field(id, 0), val(1))

	tr := NewTrack(db)
	h, err := tr.AcquireLock(id, types.MainPartition, types.FieldKey(0), types.LockFlagsRead, nil, nil)
	require.NoError(t, err)
	_, err = tr.Finalize()
	assert.ErrorIs(t, err, ErrLocksOutstanding)
	require.NoError(t, tr.ReleaseLock(h))

	tr.MarkAsTransient(id, types.MainPartition, types.FieldKey(5))
	owning := types.NewIndexedValue(nil, []types.NodeId{testNode(types.EntityInternalVault, 13)}, nil)
	require.NoError(t, tr.SetSubstate(id, types.MainPartition, types.FieldKey(5), owning, nil))
	_, err = tr.Finalize()
	assert.ErrorIs(t, err, ErrTransientSubstateOwnsNode)

	require.NoError(t, tr.SetSubstate(id, types.MainPartition, types.FieldKey(5), val(3), nil))
	result, err := tr.Finalize()
	require.NoError(t, err)
	assert.True(t, result.Empty(), "transient substates are never committed")

	_, err = tr.Finalize()
	assert.ErrorIs(t, err, ErrTrackFinalized)
}

func TestTrackDiscard(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityGlobalComponent, 30)
	store(t, db, field(id, 0), val(1))

	tr := NewTrack(db)
	_, err := tr.AcquireLock(id, types.MainPartition, types.FieldKey(0), types.LockFlagMutable, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tr.SetSubstate(id, types.MainPartition, types.FieldKey(1), val(2), nil))
	tr.Discard()

	info, err := tr.GetCommitInfo()
	require.NoError(t, err)
	assert.Empty(t, info)
	h, err := tr.AcquireLock(id, types.MainPartition, types.FieldKey(0), types.LockFlagMutable, nil, nil)
	require.NoError(t, err, "discarding releases every lock")
	require.NoError(t, tr.ReleaseLock(h))
	assert.True(t, commit(t, db, tr).Empty())
}

func TestTrackTransientNeverReadsStore(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityGlobalComponent, 14)
	store(t, db, field(id, 0), val(1))

	tr := NewTrack(db)
	tr.MarkAsTransient(id, types.MainPartition, types.FieldKey(0))
	var io ioLog
	_, err := tr.AcquireLock(id, types.MainPartition, types.FieldKey(0), types.LockFlagsRead, nil, io.handler())
	assert.ErrorIs(t, err, ErrSubstateNotFound)
	assert.Equal(t, []IOAccessKind{TrackSubstateUpdated}, io.kinds())
}

func TestTrackCollections(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityInternalKeyValueStore, 15)
	p := types.FirstCollectionPartition
	for _, k := range []string{"a", "b", "c"} {
		store(t, db, types.SubstateRef{Node: id, Partition: p, Key: types.MapKey([]byte(k))}, val(k[0]))
	}
	tr := NewTrack(db)

	keys, err := tr.ScanKeys(id, p, types.MapKeyKind, 10, nil)
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	// A removal hides the stored entry.
	removed, err := tr.RemoveSubstate(id, p, types.MapKey([]byte("b")), nil)
	require.NoError(t, err)
	assert.True(t, removed.Equal(val('b')))
	keys, err = tr.ScanKeys(id, p, types.MapKeyKind, 10, nil)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, tr.SetSubstate(id, p, types.MapKey([]byte("d")), val('d'), nil))
	drained, err := tr.DrainSubstates(id, p, types.MapKeyKind, 10, nil)
	require.NoError(t, err)
	assert.Len(t, drained, 3)

	keys, err = tr.ScanKeys(id, p, types.MapKeyKind, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, keys)

	result := commit(t, db, tr)
	deletes := 0
	for _, d := range result.Deltas() {
		if d.IsDelete() {
			deletes++
		}
	}
	assert.Equal(t, 3, deletes, "a, b and c deleted; d written and drained again")

	keys, err = NewTrack(db).ScanKeys(id, p, types.MapKeyKind, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestTrackDrainFromStore(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityInternalKeyValueStore, 16)
	p := types.FirstCollectionPartition
	for i := byte(0); i < 4; i++ {
		store(t, db, types.SubstateRef{Node: id, Partition: p, Key: types.MapKey([]byte{i})}, val(i))
	}
	tr := NewTrack(db)
	var io ioLog
	drained, err := tr.DrainSubstates(id, p, types.MapKeyKind, 3, io.handler())
	require.NoError(t, err)
	assert.Len(t, drained, 3)
	keys, err := tr.ScanKeys(id, p, types.MapKeyKind, 10, nil)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestTrackScanSortedMerge(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityInternalGenericComponent, 17)
	p := types.FirstCollectionPartition
	sorted := func(n uint16) types.SubstateKey { return types.SortedKey(n, []byte{0}) }
	for _, n := range []uint16{1, 3, 5} {
		store(t, db, types.SubstateRef{Node: id, Partition: p, Key: sorted(n)}, val(byte(n)))
	}
	tr := NewTrack(db)
	require.NoError(t, tr.SetSubstate(id, p, sorted(2), val(20), nil))
	require.NoError(t, tr.SetSubstate(id, p, sorted(3), val(30), nil))
	_, err := tr.RemoveSubstate(id, p, sorted(5), nil)
	require.NoError(t, err)

	entries, err := tr.ScanSortedSubstates(id, p, 10, nil)
	require.NoError(t, err)
	var prefixes []uint16
	for _, e := range entries {
		prefixes = append(prefixes, e.Key.Prefix())
	}
	assert.Equal(t, []uint16{1, 2, 3}, prefixes)
	assert.True(t, entries[2].Value.Equal(val(30)), "tracked value wins")

	entries, err = tr.ScanSortedSubstates(id, p, 2, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestTrackDeletePartition(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityInternalKeyValueStore, 18)
	p := types.FirstCollectionPartition
	store(t, db, types.SubstateRef{Node: id, Partition: p, Key: types.MapKey([]byte("old"))}, val(1))

	tr := NewTrack(db)
	require.NoError(t, tr.DeletePartition(id, p))
	keys, err := tr.ScanKeys(id, p, types.MapKeyKind, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, keys)
	require.NoError(t, tr.SetSubstate(id, p, types.MapKey([]byte("new")), val(2), nil))

	info, err := tr.GetCommitInfo()
	require.NoError(t, err)
	require.Len(t, info, 1)
	assert.Equal(t, CommitInsert, info[0].Op)

	result := commit(t, db, tr)
	assert.Len(t, result.DeletedPartitions(), 1)
	keys, err = NewTrack(db).ScanKeys(id, p, types.MapKeyKind, 10, nil)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, []byte("new"), keys[0].Key())
}

func TestTrackCommitInfo(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityGlobalComponent, 19)
	store(t, db, field(id, 0), val(1))
	store(t, db, field(id, 1), val(1))
	tr := NewTrack(db)

	require.NoError(t, tr.SetSubstate(id, types.MainPartition, types.FieldKey(0), val(2), nil)) // write only, stored
	require.NoError(t, tr.SetSubstate(id, types.MainPartition, types.FieldKey(2), val(2), nil)) // write only, absent
	_, err := tr.RemoveSubstate(id, types.MainPartition, types.FieldKey(1), nil)                // read then delete
	require.NoError(t, err)
	created := testNode(types.EntityGlobalComponent, 20)
	substates := make(types.NodeSubstates)
	substates.Set(types.TypeInfoPartition, types.TypeInfoField, val(0))
	require.NoError(t, tr.CreateNode(created, substates, nil))

	info, err := tr.GetCommitInfo()
	require.NoError(t, err)
	ops := make(map[types.SubstateRef]CommitOp)
	for _, c := range info {
		ops[c.Ref] = c.Op
	}
	assert.Equal(t, map[types.SubstateRef]CommitOp{
		field(id, 0): CommitUpdate,
		field(id, 1): CommitDelete,
		field(id, 2): CommitInsert,
		{Node: created, Partition: types.TypeInfoPartition, Key: types.TypeInfoField}: CommitInsert,
	}, ops)

	result, err := tr.Finalize()
	require.NoError(t, err)
	assert.Equal(t, []types.NodeId{created}, result.NewNodes())
	assert.Len(t, result.Deltas(), 4)
	assert.NotEqual(t, result.Hash(), (&TrackedSubstates{}).Hash())
}

func TestTrackIOHandlerErrorAborts(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityGlobalComponent, 21)
	store(t, db, field(id, 0), val(1))
	tr := NewTrack(db)

	errBudget := errors.New("budget exhausted")
	_, err := tr.AcquireLock(id, types.MainPartition, types.FieldKey(0), types.LockFlagsRead, nil, func(a IOAccess) error {
		if a.Kind == ReadFromDb {
			return errBudget
		}
		return nil
	})
	assert.Equal(t, errBudget, err, "handler errors are returned unwrapped")
	assert.Zero(t, tr.OpenLocks())
}

func TestTrackDump(t *testing.T) {
	db := newTestDB(t)
	id := testNode(types.EntityGlobalComponent, 22)
	store(t, db, field(id, 0), val(1))
	store(t, db, field(id, 1), val(2))

	dump, err := DumpNode(db, id, nil)
	require.NoError(t, err)
	require.Len(t, dump.Partitions, 1)
	assert.Len(t, dump.Partitions[0].Substates, 2)
	assert.Contains(t, string(dump.JSON()), `"entityType": "GlobalComponent"`)

	tr := NewTrack(db)
	require.NoError(t, tr.SetSubstate(id, types.MainPartition, types.FieldKey(0), val(3), nil))
	tdump := tr.Dump(id, nil)
	require.Len(t, tdump.Partitions, 1)
	assert.Equal(t, "WriteOnly", tdump.Partitions[0].Substates[0].State)
}
