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
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NodeIdLength is the width of a node identifier in bytes: one entity type
// byte followed by 29 bytes derived by the id allocator.
// NodeIdLength 是节点标识符的字节宽度：1 字节实体类型 + 29 字节派生数据。
const NodeIdLength = 30

var errInvalidNodeId = errors.New("invalid node id")

// EntityType is the discriminant stored in the first byte of every NodeId.
// EntityType 是存储在每个 NodeId 第一个字节中的判别符。
type EntityType uint8

const (
	// Global entities are addressable from any transaction.
	EntityGlobalPackage         EntityType = 0x0d
	EntityGlobalResourceManager EntityType = 0x5d
	EntityGlobalComponent       EntityType = 0xc0
	EntityGlobalAccount         EntityType = 0xc1
	EntityGlobalVirtualAccount  EntityType = 0xd1 // preallocated, materialized on first access

	// Internal entities are only reachable through an ownership chain.
	EntityInternalVault              EntityType = 0x58
	EntityInternalKeyValueStore      EntityType = 0xb0
	EntityInternalGenericComponent   EntityType = 0xf8
	EntityInternalBucket             EntityType = 0xf0
	EntityInternalProof              EntityType = 0xf1
	EntityInternalAddressReservation EntityType = 0xf2
)

var entityNames = map[EntityType]string{
	EntityGlobalPackage:              "GlobalPackage",
	EntityGlobalResourceManager:      "GlobalResourceManager",
	EntityGlobalComponent:            "GlobalComponent",
	EntityGlobalAccount:              "GlobalAccount",
	EntityGlobalVirtualAccount:       "GlobalVirtualAccount",
	EntityInternalVault:              "InternalVault",
	EntityInternalKeyValueStore:      "InternalKeyValueStore",
	EntityInternalGenericComponent:   "InternalGenericComponent",
	EntityInternalBucket:             "InternalBucket",
	EntityInternalProof:              "InternalProof",
	EntityInternalAddressReservation: "InternalAddressReservation",
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	_, ok := entityNames[t]
	return ok
}

// IsGlobal reports whether nodes of this type are globally addressable.
// IsGlobal 报告该类型的节点是否可全局寻址。
func (t EntityType) IsGlobal() bool {
	switch t {
	case EntityGlobalPackage, EntityGlobalResourceManager, EntityGlobalComponent,
		EntityGlobalAccount, EntityGlobalVirtualAccount:
		return true
	}
	return false
}

// IsInternal reports whether nodes of this type are internal.
func (t EntityType) IsInternal() bool { return t.Valid() && !t.IsGlobal() }

func (t EntityType) IsVault() bool { return t == EntityInternalVault }

func (t EntityType) IsKeyValueStore() bool { return t == EntityInternalKeyValueStore }

// IsVirtual reports whether the node may be materialized lazily at an address
// derived outside the allocator.
func (t EntityType) IsVirtual() bool { return t == EntityGlobalVirtualAccount }

// IsDroppable reports whether a frame may hand a node of this type to the
// auto-drop hook when it pops.
// IsDroppable 报告帧弹出时是否可以将此类型的节点交给自动丢弃钩子。
func (t EntityType) IsDroppable() bool {
	return t == EntityInternalProof || t == EntityInternalBucket
}

func (t EntityType) String() string {
	if name, ok := entityNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EntityType(%#x)", uint8(t))
}

// NodeId identifies a node. The first byte is the entity type.
// NodeId 标识一个节点，第一个字节为实体类型。
type NodeId [NodeIdLength]byte

// NewNodeId builds a node id of the given type from up to 29 bytes of body.
func NewNodeId(t EntityType, body []byte) NodeId {
	var id NodeId
	id[0] = byte(t)
	copy(id[1:], body)
	return id
}

// BytesToNodeId converts b into a NodeId, failing on a width mismatch.
func BytesToNodeId(b []byte) (NodeId, error) {
	var id NodeId
	if len(b) != NodeIdLength {
		return id, fmt.Errorf("%w: length %d", errInvalidNodeId, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseNodeId parses the hex rendering produced by String, with or without
// a 0x prefix.
func ParseNodeId(s string) (NodeId, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return NodeId{}, fmt.Errorf("%w: %v", errInvalidNodeId, err)
	}
	return BytesToNodeId(b)
}

func (id NodeId) EntityType() EntityType { return EntityType(id[0]) }

func (id NodeId) IsGlobal() bool { return id.EntityType().IsGlobal() }

func (id NodeId) IsInternal() bool { return id.EntityType().IsInternal() }

// Bytes returns a copy of the id bytes.
func (id NodeId) Bytes() []byte {
	b := make([]byte, NodeIdLength)
	copy(b, id[:])
	return b
}

func (id NodeId) String() string { return hex.EncodeToString(id[:]) }

// MarshalText encodes id as a hex string with 0x prefix.
func (id NodeId) MarshalText() ([]byte, error) {
	return hexutil.Bytes(id[:]).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeId) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("NodeId", input, id[:])
}

// TerminalString implements the go-ethereum log.TerminalStringer interface
// so ids stay short in console output.
func (id NodeId) TerminalString() string {
	return fmt.Sprintf("%x..%x", id[:3], id[NodeIdLength-3:])
}

// Compare orders ids bytewise.
func (id NodeId) Compare(other NodeId) int {
	for i := 0; i < NodeIdLength; i++ {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
