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
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/rlp"
)

var (
	ErrValueDecode = errors.New("indexed value decode failed")
)

// IndexedValue is an opaque substate payload together with the side index
// of node ids it owns and references. The kernel never looks inside the
// payload; ownership and visibility rules operate on the index alone.
// IndexedValue 是不透明的子状态负载，以及它拥有和引用的节点 ID 索引。
// 内核从不解析负载本身，所有权与可见性规则只作用于索引。
type IndexedValue struct {
	payload []byte
	owned   []NodeId
	refs    []NodeId
	encoded []byte
}

// indexedValueRLP is the wire form of an IndexedValue.
type indexedValueRLP struct {
	Payload []byte
	Owned   []NodeId
	Refs    []NodeId
}

// NewIndexedValue builds a value from its payload and node index. The
// slices are copied.
func NewIndexedValue(payload []byte, owned, refs []NodeId) *IndexedValue {
	v := &IndexedValue{
		payload: bytes.Clone(payload),
		owned:   slices.Clone(owned),
		refs:    slices.Clone(refs),
	}
	enc, err := rlp.EncodeToBytes(&indexedValueRLP{Payload: v.payload, Owned: v.owned, Refs: v.refs})
	if err != nil {
		// Byte slices and fixed arrays always encode.
		panic(fmt.Sprintf("indexed value encode: %v", err))
	}
	v.encoded = enc
	return v
}

// Unit returns the empty value.
func Unit() *IndexedValue { return NewIndexedValue(nil, nil, nil) }

// EncodeValue RLP-encodes val as the payload of a value without owned or
// referenced nodes.
func EncodeValue(val interface{}) (*IndexedValue, error) {
	payload, err := rlp.EncodeToBytes(val)
	if err != nil {
		return nil, err
	}
	return NewIndexedValue(payload, nil, nil), nil
}

// MustEncodeValue is EncodeValue for values known to be encodable.
func MustEncodeValue(val interface{}) *IndexedValue {
	v, err := EncodeValue(val)
	if err != nil {
		panic(err)
	}
	return v
}

// DecodeIndexedValue parses the encoding produced by Bytes.
func DecodeIndexedValue(enc []byte) (*IndexedValue, error) {
	var dec indexedValueRLP
	if err := rlp.DecodeBytes(enc, &dec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValueDecode, err)
	}
	for _, id := range append(slices.Clone(dec.Owned), dec.Refs...) {
		if !id.EntityType().Valid() {
			return nil, fmt.Errorf("%w: unknown entity type in %v", ErrValueDecode, id)
		}
	}
	return &IndexedValue{
		payload: dec.Payload,
		owned:   dec.Owned,
		refs:    dec.Refs,
		encoded: bytes.Clone(enc),
	}, nil
}

// DecodePayload RLP-decodes the payload into val.
func (v *IndexedValue) DecodePayload(val interface{}) error {
	return rlp.DecodeBytes(v.payload, val)
}

// Payload returns the opaque payload. The slice must not be modified.
func (v *IndexedValue) Payload() []byte { return v.payload }

// OwnedNodes returns the nodes owned by this value.
func (v *IndexedValue) OwnedNodes() []NodeId { return v.owned }

// References returns the nodes referenced (not owned) by this value.
func (v *IndexedValue) References() []NodeId { return v.refs }

// Bytes returns the canonical encoding. The slice must not be modified.
func (v *IndexedValue) Bytes() []byte { return v.encoded }

// Len is the encoded size, the unit substate metering works in.
func (v *IndexedValue) Len() int { return len(v.encoded) }

// Equal reports whether two values have the same encoding.
func (v *IndexedValue) Equal(other *IndexedValue) bool {
	if v == nil || other == nil {
		return v == other
	}
	return bytes.Equal(v.encoded, other.encoded)
}

func (v *IndexedValue) String() string {
	return fmt.Sprintf("IndexedValue{payload: %x, owned: %d, refs: %d}", v.payload, len(v.owned), len(v.refs))
}
