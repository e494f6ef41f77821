// Copyright 2025 The substatevm Authors
// This file is part of the substatevm library.
//
// The substatevm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The substatevm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the substatevm library. If not, see <http://www.gnu.org/licenses/>.

package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/crypto/blake2b"
)

// PartitionNumber selects a logical grouping of substates inside a node.
// PartitionNumber 选择节点内部的一组逻辑子状态。
type PartitionNumber uint8

const (
	// TypeInfoPartition holds the field describing what a node is. The
	// kernel probes it to resolve global references at the root frame.
	TypeInfoPartition PartitionNumber = 0

	// MainPartition holds the fields of an object's state.
	MainPartition PartitionNumber = 64

	// FirstCollectionPartition is the first partition used by key-value
	// and sorted collections.
	FirstCollectionPartition PartitionNumber = 65
)

// TypeInfoField is the only field of the type info partition.
var TypeInfoField = FieldKey(0)

// SubstateKeyKind tags the variant of a SubstateKey.
type SubstateKeyKind uint8

const (
	FieldKeyKind SubstateKeyKind = iota
	MapKeyKind
	SortedKeyKind
)

func (k SubstateKeyKind) String() string {
	switch k {
	case FieldKeyKind:
		return "field"
	case MapKeyKind:
		return "map"
	case SortedKeyKind:
		return "sorted"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// spreadPrefixLength is the number of hash bytes prepended to node ids and
// map keys so that database keys spread evenly.
const spreadPrefixLength = 20

// PartitionKeyLength is the fixed width of a database partition key.
const PartitionKeyLength = spreadPrefixLength + NodeIdLength + 1

var errInvalidSortKey = errors.New("invalid sort key")

// SubstateKey addresses a substate within a partition. It is one of
//
//	Field(n)          a fixed field of an object
//	Map(key)          an entry of a key-value collection
//	Sorted(prefix, k) an entry of a collection iterated in prefix order
//
// The struct is comparable so it can key Go maps.
// SubstateKey 是可比较的结构体，可以直接作为 Go map 的键。
type SubstateKey struct {
	kind   SubstateKeyKind
	field  uint8
	prefix uint16
	key    string
}

func FieldKey(n uint8) SubstateKey { return SubstateKey{kind: FieldKeyKind, field: n} }

func MapKey(key []byte) SubstateKey { return SubstateKey{kind: MapKeyKind, key: string(key)} }

func SortedKey(prefix uint16, key []byte) SubstateKey {
	return SubstateKey{kind: SortedKeyKind, prefix: prefix, key: string(key)}
}

func (k SubstateKey) Kind() SubstateKeyKind { return k.kind }

// Field returns the field index; only meaningful for field keys.
func (k SubstateKey) Field() uint8 { return k.field }

// Prefix returns the sort prefix; only meaningful for sorted keys.
func (k SubstateKey) Prefix() uint16 { return k.prefix }

// Key returns the raw collection key of map and sorted keys.
func (k SubstateKey) Key() []byte { return []byte(k.key) }

func (k SubstateKey) String() string {
	switch k.kind {
	case FieldKeyKind:
		return fmt.Sprintf("Field(%d)", k.field)
	case MapKeyKind:
		return fmt.Sprintf("Map(%x)", k.key)
	default:
		return fmt.Sprintf("Sorted(%d,%x)", k.prefix, k.key)
	}
}

// SortKey maps the key onto the database sort key within its partition.
//
//	Field  -> [n]
//	Map    -> blake2b(key)[:20] ++ key
//	Sorted -> prefix (big endian u16) ++ key
//
// Map keys are hash-spread, sorted keys keep their prefix order.
// SortKey 将键映射为分区内的数据库排序键。Map 键做哈希打散，Sorted 键保留前缀顺序。
func (k SubstateKey) SortKey() []byte {
	switch k.kind {
	case FieldKeyKind:
		return []byte{k.field}
	case MapKeyKind:
		h := blake2b.Sum256([]byte(k.key))
		out := make([]byte, 0, spreadPrefixLength+len(k.key))
		out = append(out, h[:spreadPrefixLength]...)
		return append(out, k.key...)
	default:
		out := make([]byte, 2, 2+len(k.key))
		binary.BigEndian.PutUint16(out, k.prefix)
		return append(out, k.key...)
	}
}

// SubstateKeyFromSortKey inverts SortKey for a key of the given kind.
func SubstateKeyFromSortKey(kind SubstateKeyKind, sortKey []byte) (SubstateKey, error) {
	switch kind {
	case FieldKeyKind:
		if len(sortKey) != 1 {
			return SubstateKey{}, fmt.Errorf("%w: field key of %d bytes", errInvalidSortKey, len(sortKey))
		}
		return FieldKey(sortKey[0]), nil
	case MapKeyKind:
		if len(sortKey) < spreadPrefixLength {
			return SubstateKey{}, fmt.Errorf("%w: map key of %d bytes", errInvalidSortKey, len(sortKey))
		}
		return MapKey(sortKey[spreadPrefixLength:]), nil
	case SortedKeyKind:
		if len(sortKey) < 2 {
			return SubstateKey{}, fmt.Errorf("%w: sorted key of %d bytes", errInvalidSortKey, len(sortKey))
		}
		return SortedKey(binary.BigEndian.Uint16(sortKey), sortKey[2:]), nil
	}
	return SubstateKey{}, fmt.Errorf("%w: unknown kind %d", errInvalidSortKey, kind)
}

// PartitionKey returns the database partition key of the given partition
// of this node: blake2b(node)[:20] ++ node ++ partition.
func (id NodeId) PartitionKey(p PartitionNumber) []byte {
	h := blake2b.Sum256(id[:])
	out := make([]byte, 0, PartitionKeyLength)
	out = append(out, h[:spreadPrefixLength]...)
	out = append(out, id[:]...)
	return append(out, byte(p))
}

// SplitPartitionKey extracts the node id and partition from a database
// partition key.
func SplitPartitionKey(key []byte) (NodeId, PartitionNumber, error) {
	if len(key) != PartitionKeyLength {
		return NodeId{}, 0, fmt.Errorf("invalid partition key length %d", len(key))
	}
	id, err := BytesToNodeId(key[spreadPrefixLength : spreadPrefixLength+NodeIdLength])
	if err != nil {
		return NodeId{}, 0, err
	}
	return id, PartitionNumber(key[PartitionKeyLength-1]), nil
}

// NodeSubstates is the full content of a node, grouped by partition.
type NodeSubstates map[PartitionNumber]map[SubstateKey]*IndexedValue

// Set stores value under (partition, key), allocating the partition.
func (n NodeSubstates) Set(p PartitionNumber, key SubstateKey, value *IndexedValue) {
	part, ok := n[p]
	if !ok {
		part = make(map[SubstateKey]*IndexedValue)
		n[p] = part
	}
	part[key] = value
}

// Get returns the value at (partition, key).
func (n NodeSubstates) Get(p PartitionNumber, key SubstateKey) (*IndexedValue, bool) {
	v, ok := n[p][key]
	return v, ok
}

// OwnedNodes lists every node owned by any substate of the node, in id
// order.
func (n NodeSubstates) OwnedNodes() []NodeId {
	var out []NodeId
	for _, part := range n {
		for _, v := range part {
			out = append(out, v.OwnedNodes()...)
		}
	}
	slices.SortFunc(out, NodeId.Compare)
	return out
}

// References lists every node referenced by any substate of the node, in
// id order. Duplicates are kept.
func (n NodeSubstates) References() []NodeId {
	var out []NodeId
	for _, part := range n {
		for _, v := range part {
			out = append(out, v.References()...)
		}
	}
	slices.SortFunc(out, NodeId.Compare)
	return out
}

// Size is the total encoded size of all substates.
func (n NodeSubstates) Size() int {
	var size int
	for _, part := range n {
		for _, v := range part {
			size += v.Len()
		}
	}
	return size
}

// Walk visits every substate in partition and sort key order, stopping at
// the first error fn returns.
func (n NodeSubstates) Walk(fn func(p PartitionNumber, key SubstateKey, v *IndexedValue) error) error {
	for _, p := range slices.Sorted(maps.Keys(n)) {
		keys := slices.Collect(maps.Keys(n[p]))
		slices.SortFunc(keys, func(a, b SubstateKey) int {
			return bytes.Compare(a.SortKey(), b.SortKey())
		})
		for _, key := range keys {
			if err := fn(p, key, n[p][key]); err != nil {
				return err
			}
		}
	}
	return nil
}
