package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/substatevm/substatevm/core/types"
)

func TestLockTable(t *testing.T) {
	lt := NewLockTable()
	id := testNode(types.EntityGlobalComponent, 1)
	a := types.SubstateRef{Node: id, Partition: types.MainPartition, Key: types.FieldKey(0)}
	b := types.SubstateRef{Node: id, Partition: types.MainPartition, Key: types.FieldKey(1)}

	assert.NoError(t, lt.Lock(a, false))
	assert.NoError(t, lt.Lock(a, false))
	assert.ErrorIs(t, lt.Lock(a, true), ErrSubstateLocked)

	assert.NoError(t, lt.Lock(b, true))
	assert.ErrorIs(t, lt.Lock(b, true), ErrSubstateLocked)
	assert.ErrorIs(t, lt.Lock(b, false), ErrSubstateLocked)
	assert.True(t, lt.NodeIsLocked(id))
	assert.True(t, lt.PartitionIsLocked(id, types.MainPartition))
	assert.False(t, lt.PartitionIsLocked(id, types.TypeInfoPartition))

	lt.Unlock(a, false)
	assert.True(t, lt.IsLocked(a))
	lt.Unlock(a, false)
	assert.False(t, lt.IsLocked(a))
	assert.NoError(t, lt.Lock(a, true))

	lt.Unlock(a, true)
	lt.Unlock(b, true)
	assert.False(t, lt.NodeIsLocked(id))
	assert.Zero(t, lt.Len())

	assert.Panics(t, func() { lt.Unlock(a, false) })
}
