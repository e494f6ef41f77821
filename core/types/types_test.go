package types

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityTypeClassification(t *testing.T) {
	tests := []struct {
		typ       EntityType
		global    bool
		droppable bool
	}{
		{EntityGlobalPackage, true, false},
		{EntityGlobalComponent, true, false},
		{EntityGlobalAccount, true, false},
		{EntityGlobalVirtualAccount, true, false},
		{EntityGlobalResourceManager, true, false},
		{EntityInternalVault, false, false},
		{EntityInternalKeyValueStore, false, false},
		{EntityInternalGenericComponent, false, false},
		{EntityInternalBucket, false, true},
		{EntityInternalProof, false, true},
		{EntityInternalAddressReservation, false, false},
	}
	for _, tt := range tests {
		assert.True(t, tt.typ.Valid(), tt.typ.String())
		assert.Equal(t, tt.global, tt.typ.IsGlobal(), tt.typ.String())
		assert.Equal(t, !tt.global, tt.typ.IsInternal(), tt.typ.String())
		assert.Equal(t, tt.droppable, tt.typ.IsDroppable(), tt.typ.String())
	}
	assert.False(t, EntityType(0x01).Valid())
	assert.False(t, EntityType(0x01).IsInternal())
}

func TestNodeIdRoundTrip(t *testing.T) {
	id := NewNodeId(EntityInternalVault, bytes.Repeat([]byte{0xab}, NodeIdLength-1))
	assert.Equal(t, EntityInternalVault, id.EntityType())
	assert.False(t, id.IsGlobal())

	parsed, err := ParseNodeId("0x" + id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseNodeId("abcd")
	assert.ErrorIs(t, err, errInvalidNodeId)

	text, err := id.MarshalText()
	require.NoError(t, err)
	var decoded NodeId
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, id, decoded)
	assert.Error(t, decoded.UnmarshalText([]byte("0xabcd")))
}

func TestSortKeyRoundTrip(t *testing.T) {
	keys := []SubstateKey{
		FieldKey(0),
		FieldKey(7),
		MapKey([]byte("hello")),
		MapKey(nil),
		SortedKey(3, []byte{1, 2, 3}),
		SortedKey(0xffff, nil),
	}
	for _, key := range keys {
		got, err := SubstateKeyFromSortKey(key.Kind(), key.SortKey())
		require.NoError(t, err, key.String())
		assert.Equal(t, key, got)
	}
	_, err := SubstateKeyFromSortKey(FieldKeyKind, []byte{1, 2})
	assert.ErrorIs(t, err, errInvalidSortKey)
}

func TestSortedKeysKeepPrefixOrder(t *testing.T) {
	keys := []SubstateKey{
		SortedKey(9, []byte("a")),
		SortedKey(1, []byte("z")),
		SortedKey(1, []byte("b")),
		SortedKey(300, nil),
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i].SortKey(), keys[j].SortKey()) < 0
	})
	assert.Equal(t, []SubstateKey{
		SortedKey(1, []byte("b")),
		SortedKey(1, []byte("z")),
		SortedKey(9, []byte("a")),
		SortedKey(300, nil),
	}, keys)
}

func TestPartitionKey(t *testing.T) {
	id := NewNodeId(EntityGlobalComponent, []byte{1, 2, 3})
	pk := id.PartitionKey(MainPartition)
	require.Len(t, pk, PartitionKeyLength)

	gotId, gotPart, err := SplitPartitionKey(pk)
	require.NoError(t, err)
	assert.Equal(t, id, gotId)
	assert.Equal(t, MainPartition, gotPart)

	// Partitions of one node share everything but the last byte.
	other := id.PartitionKey(TypeInfoPartition)
	assert.Equal(t, pk[:PartitionKeyLength-1], other[:PartitionKeyLength-1])
}

func TestIndexedValueEncoding(t *testing.T) {
	owned := []NodeId{NewNodeId(EntityInternalVault, []byte{1})}
	refs := []NodeId{NewNodeId(EntityGlobalResourceManager, []byte{2})}
	v := NewIndexedValue([]byte{0xc0}, owned, refs)

	dec, err := DecodeIndexedValue(v.Bytes())
	require.NoError(t, err)
	assert.True(t, v.Equal(dec))
	assert.Equal(t, owned, dec.OwnedNodes())
	assert.Equal(t, refs, dec.References())
	assert.Equal(t, v.Len(), len(v.Bytes()))

	_, err = DecodeIndexedValue([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrValueDecode)
}

func TestIndexedValuePayload(t *testing.T) {
	v := MustEncodeValue(uint64(42))
	var out uint64
	require.NoError(t, v.DecodePayload(&out))
	assert.Equal(t, uint64(42), out)
	assert.Empty(t, v.OwnedNodes())
	assert.True(t, Unit().Equal(Unit()))
}

func TestLockFlags(t *testing.T) {
	f := LockFlagMutable | LockFlagForceWrite
	assert.True(t, f.IsMutable())
	assert.True(t, f.Contains(LockFlagForceWrite))
	assert.False(t, f.Contains(LockFlagUnmodifiedBase))
	assert.Equal(t, "MUTABLE|FORCE_WRITE", f.String())
	assert.Equal(t, "READ", LockFlagsRead.String())
}

func TestNodeSubstatesWalkOrder(t *testing.T) {
	subs := NodeSubstates{}
	subs.Set(FirstCollectionPartition, MapKey([]byte("b")), Unit())
	subs.Set(FirstCollectionPartition, MapKey([]byte("a")), Unit())
	subs.Set(MainPartition, FieldKey(2), Unit())
	subs.Set(MainPartition, FieldKey(0), Unit())

	var seen []SubstateKey
	require.NoError(t, subs.Walk(func(p PartitionNumber, key SubstateKey, v *IndexedValue) error {
		seen = append(seen, key)
		return nil
	}))
	assert.Equal(t, []SubstateKey{FieldKey(0), FieldKey(2), MapKey([]byte("a")), MapKey([]byte("b"))}, seen)
}
