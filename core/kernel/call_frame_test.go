package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substatevm/substatevm/core/state"
	"github.com/substatevm/substatevm/core/types"
)

func newTestIO(t *testing.T) *substateIO {
	env := newTestEnv(t)
	return newSubstateIO(state.NewHeap(), state.NewTrack(env.db), nil)
}

func TestPushVisibility(t *testing.T) {
	io := newTestIO(t)
	root := newFrame(0, Actor{})

	moved := testNode(types.EntityInternalBucket, 1)
	kept := testNode(types.EntityInternalBucket, 2)
	lent := testNode(types.EntityInternalGenericComponent, 3)
	global := testNode(types.EntityGlobalComponent, 4)
	for _, id := range []types.NodeId{moved, kept, lent} {
		require.NoError(t, root.CreateNode(io, id, fields(val(0)), false))
	}
	root.addStableRef(global, VisibilityNormal)

	msg := &CallFrameMessage{
		MoveNodes:        []types.NodeId{moved},
		CopyGlobalRefs:   []types.NodeId{global},
		CopyBorrowedRefs: []types.NodeId{lent},
	}
	child, err := newChildFrame(io, root, Actor{Blueprint: "B", Function: "f"}, msg)
	require.NoError(t, err)
	assert.Equal(t, 1, child.Depth())

	want := []types.NodeId{moved, lent, global}
	assert.ElementsMatch(t, want, child.VisibleNodes())
	assert.Equal(t, []types.NodeId{moved}, child.OwnedNodes())
	vis, _ := child.NodeVisibility(lent)
	assert.Equal(t, VisibilityBorrowed, vis)

	// The moved node left the parent.
	assert.ElementsMatch(t, []types.NodeId{kept, lent}, root.OwnedNodes())
	_, err = root.DropNode(io, moved)
	assert.ErrorIs(t, err, ErrOwnedNodeNotFound)
	assert.True(t, io.heap.ContainsNode(moved))
}

func TestPushRejectsInvalidMessages(t *testing.T) {
	io := newTestIO(t)
	root := newFrame(0, Actor{})
	owned := testNode(types.EntityInternalBucket, 1)
	require.NoError(t, root.CreateNode(io, owned, fields(val(0)), false))

	tests := []struct {
		msg  CallFrameMessage
		want error
	}{
		{CallFrameMessage{MoveNodes: []types.NodeId{testNode(types.EntityInternalBucket, 9)}}, ErrOwnedNodeNotFound},
		{CallFrameMessage{CopyGlobalRefs: []types.NodeId{owned}}, ErrNonGlobalRefNotAllowed},
		{CallFrameMessage{CopyGlobalRefs: []types.NodeId{testNode(types.EntityGlobalComponent, 9)}}, ErrNodeNotVisible},
		{CallFrameMessage{CopyBorrowedRefs: []types.NodeId{testNode(types.EntityGlobalComponent, 9)}}, ErrInvalidReference},
	}
	for _, tt := range tests {
		_, err := newChildFrame(io, root, Actor{Blueprint: "B", Function: "f"}, &tt.msg)
		assert.ErrorIs(t, err, tt.want)
	}
	// Nothing moved.
	assert.Equal(t, []types.NodeId{owned}, root.OwnedNodes())

	io.pinned.Add(owned)
	_, err := newChildFrame(io, root, Actor{}, &CallFrameMessage{MoveNodes: []types.NodeId{owned}})
	assert.ErrorIs(t, err, ErrNodePinned)
}

func TestPopCannotPassOwnedNodeAsRef(t *testing.T) {
	io := newTestIO(t)
	root := newFrame(0, Actor{})
	child := newFrame(1, Actor{Blueprint: "B", Function: "f"})
	global := testNode(types.EntityGlobalComponent, 1)
	child.owned.Add(global)

	err := passMessage(io, child, root, &CallFrameMessage{CopyGlobalRefs: []types.NodeId{global}})
	assert.ErrorIs(t, err, ErrCannotPassOwnedNodeAsRef)
	_, ok := root.NodeVisibility(global)
	assert.False(t, ok)
}

func TestOwnershipThroughSubstates(t *testing.T) {
	io := newTestIO(t)
	f := newFrame(1, Actor{Blueprint: "B", Function: "f"})
	parent := testNode(types.EntityInternalGenericComponent, 1)
	child := testNode(types.EntityInternalVault, 2)
	require.NoError(t, f.CreateNode(io, child, fields(val(0)), false))
	require.NoError(t, f.CreateNode(io, parent, fields(types.NewIndexedValue(nil, []types.NodeId{child}, nil)), false))
	assert.Equal(t, []types.NodeId{parent}, f.OwnedNodes())

	// The child is visible while the owning substate is locked.
	h, err := f.AcquireLock(io, parent, types.MainPartition, types.FieldKey(0), types.LockFlagMutable, nil)
	require.NoError(t, err)
	vis, ok := f.NodeVisibility(child)
	require.True(t, ok)
	assert.Equal(t, VisibilityNormal, vis)

	// Writing takes new children from the frame.
	other := testNode(types.EntityInternalVault, 3)
	require.NoError(t, f.CreateNode(io, other, fields(val(0)), false))
	require.NoError(t, f.WriteSubstate(io, h, types.NewIndexedValue(nil, []types.NodeId{child, other}, nil)))
	assert.Equal(t, []types.NodeId{parent}, f.OwnedNodes())

	err = f.WriteSubstate(io, h, types.NewIndexedValue(nil, []types.NodeId{child, child}, nil))
	assert.ErrorIs(t, err, ErrDuplicateOwnership)

	// Releasing the children returns them to the frame.
	require.NoError(t, f.WriteSubstate(io, h, types.Unit()))
	assert.ElementsMatch(t, []types.NodeId{parent, child, other}, f.OwnedNodes())
	require.NoError(t, f.DropLock(io, h))

	// A locked node cannot take itself.
	h, err = f.AcquireLock(io, child, types.MainPartition, types.FieldKey(0), types.LockFlagMutable, nil)
	require.NoError(t, err)
	err = f.WriteSubstate(io, h, types.NewIndexedValue(nil, []types.NodeId{child}, nil))
	assert.ErrorIs(t, err, ErrNodeLocked)
	require.NoError(t, f.DropAllLocks(io))
	assert.Empty(t, f.Locks())
}

func TestOwnershipCycleRejected(t *testing.T) {
	io := newTestIO(t)
	f := newFrame(1, Actor{Blueprint: "B", Function: "f"})
	a := testNode(types.EntityInternalGenericComponent, 1)
	b := testNode(types.EntityInternalGenericComponent, 2)
	require.NoError(t, f.CreateNode(io, b, fields(val(0)), false))
	require.NoError(t, f.CreateNode(io, a, fields(types.NewIndexedValue(nil, []types.NodeId{b}, nil)), false))

	// b is a child of a and lent to the frame; a cannot move under b.
	f.addStableRef(b, VisibilityBorrowed)
	err := f.SetSubstate(io, b, types.MainPartition, types.FieldKey(1), types.NewIndexedValue(nil, []types.NodeId{a}, nil))
	assert.ErrorIs(t, err, ErrDuplicateOwnership)
	assert.Equal(t, []types.NodeId{a}, f.OwnedNodes())
}

func TestDropReferencedNode(t *testing.T) {
	io := newTestIO(t)
	f := newFrame(1, Actor{Blueprint: "B", Function: "f"})
	target := testNode(types.EntityInternalBucket, 1)
	holder := testNode(types.EntityInternalGenericComponent, 2)
	require.NoError(t, f.CreateNode(io, target, fields(val(0)), false))
	require.NoError(t, f.CreateNode(io, holder, fields(types.NewIndexedValue(nil, nil, []types.NodeId{target})), false))

	_, err := f.DropNode(io, target)
	assert.ErrorIs(t, err, ErrNodeReferenced)

	subs, err := f.DropNode(io, holder)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeId{target}, subs.References())
	_, err = f.DropNode(io, target)
	require.NoError(t, err)
	assert.Zero(t, io.heap.Len())
}

func TestHeapDefaultAndUnmodifiedBase(t *testing.T) {
	io := newTestIO(t)
	f := newFrame(1, Actor{Blueprint: "B", Function: "f"})
	id := testNode(types.EntityInternalKeyValueStore, 1)
	require.NoError(t, f.CreateNode(io, id, types.NodeSubstates{}, false))

	key := types.MapKey([]byte("k"))
	_, err := f.AcquireLock(io, id, types.FirstCollectionPartition, key, types.LockFlagsRead, nil)
	assert.ErrorIs(t, err, state.ErrSubstateNotFound)

	h, err := f.AcquireLock(io, id, types.FirstCollectionPartition, key, types.LockFlagMutable, func() *types.IndexedValue { return val(3) })
	require.NoError(t, err)
	v, err := f.ReadSubstate(io, h)
	require.NoError(t, err)
	assert.True(t, v.Equal(val(3)))
	require.NoError(t, f.DropLock(io, h))
	assert.ErrorIs(t, f.DropLock(io, h), ErrLockNotFound)

	_, err = f.AcquireLock(io, id, types.MainPartition, types.FieldKey(0), types.LockFlagUnmodifiedBase, nil)
	assert.ErrorIs(t, err, ErrUnmodifiedBaseOnHeapNode)
}

func TestNilDefaultRejected(t *testing.T) {
	io := newTestIO(t)
	f := newFrame(1, Actor{Blueprint: "B", Function: "f"})
	id := testNode(types.EntityInternalKeyValueStore, 2)
	require.NoError(t, f.CreateNode(io, id, types.NodeSubstates{}, false))

	nilDefault := func() *types.IndexedValue { return nil }
	_, err := f.AcquireLock(io, id, types.FirstCollectionPartition, types.MapKey([]byte("k")), types.LockFlagMutable, nilDefault)
	assert.ErrorIs(t, err, state.ErrInvalidDefaultValue)
}

func TestDeleteHeapPartition(t *testing.T) {
	io := newTestIO(t)
	f := newFrame(1, Actor{Blueprint: "B", Function: "f"})
	kv := testNode(types.EntityInternalKeyValueStore, 4)
	vault := testNode(types.EntityInternalVault, 5)
	p := types.FirstCollectionPartition
	require.NoError(t, f.CreateNode(io, kv, types.NodeSubstates{}, false))
	require.NoError(t, f.CreateNode(io, vault, fields(val(0)), false))
	require.NoError(t, f.SetSubstate(io, kv, p, types.MapKey([]byte("a")), val(1)))
	require.NoError(t, f.SetSubstate(io, kv, p, types.MapKey([]byte("b")), types.NewIndexedValue(nil, []types.NodeId{vault}, nil)))
	assert.ElementsMatch(t, []types.NodeId{kv}, f.OwnedNodes())

	n, err := f.DeletePartition(io, kv, p, types.MapKeyKind)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	keys, err := f.ScanKeys(io, kv, p, types.MapKeyKind, 10)
	require.NoError(t, err)
	assert.Empty(t, keys)
	// Owned entries hand their nodes back to the frame.
	assert.ElementsMatch(t, []types.NodeId{kv, vault}, f.OwnedNodes())
}
