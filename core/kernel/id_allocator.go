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

package kernel

import (
	"encoding/binary"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/substatevm/substatevm/core/types"
	"lukechampine.com/blake3"
)

// IdAllocator derives node ids from the transaction hash and a counter.
// The sequence is fully determined by the seed and the order of calls.
// IdAllocator 根据交易哈希和计数器派生节点 ID，序列完全由种子和调用顺序决定。
type IdAllocator struct {
	seed    common.Hash
	counter uint32
}

func NewIdAllocator(seed common.Hash) *IdAllocator {
	return &IdAllocator{seed: seed}
}

// AllocateNodeId returns the next id of the given entity type:
// blake3(seed ‖ counter) truncated to the id body, prefixed by the type.
func (a *IdAllocator) AllocateNodeId(t types.EntityType) (types.NodeId, error) {
	if a.counter == math.MaxUint32 {
		return types.NodeId{}, ErrIdAllocatorExhausted
	}
	var buf [common.HashLength + 4]byte
	copy(buf[:], a.seed[:])
	binary.BigEndian.PutUint32(buf[common.HashLength:], a.counter)
	a.counter++

	sum := blake3.Sum256(buf[:])
	return types.NewNodeId(t, sum[:types.NodeIdLength-1]), nil
}

// Allocated returns the number of ids handed out.
func (a *IdAllocator) Allocated() uint32 { return a.counter }
