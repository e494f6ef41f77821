// Copyright 2024 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package state

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/substatevm/substatevm/core/types"
	"github.com/substatevm/substatevm/substatedb"
)

// SubstateDelta is one change produced by a transaction.
// SubstateDelta 表示交易产生的一个子状态变更。
type SubstateDelta struct {
	Ref     types.SubstateRef
	OldHash *common.Hash        // hash of the replaced value, nil if none existed
	New     *types.IndexedValue // nil for a deletion
}

func (d SubstateDelta) IsDelete() bool { return d.New == nil }

func (d SubstateDelta) String() string {
	if d.New == nil {
		return fmt.Sprintf("delete %v", d.Ref)
	}
	return fmt.Sprintf("set %v (%d bytes)", d.Ref, d.New.Len())
}

// TrackedSubstates is the finalized result of a track.
// TrackedSubstates 是 Track 最终化后的结果。
type TrackedSubstates struct {
	deltas   []SubstateDelta
	deleted  []PartitionRef
	newNodes []types.NodeId
}

// Deltas returns the changes ordered by node, partition and sort key.
func (s *TrackedSubstates) Deltas() []SubstateDelta { return s.deltas }

// DeletedPartitions returns the stored partitions reset by the transaction.
func (s *TrackedSubstates) DeletedPartitions() []PartitionRef { return s.deleted }

// NewNodes returns the ids of nodes the transaction persisted.
func (s *TrackedSubstates) NewNodes() []types.NodeId { return s.newNodes }

// Empty reports whether committing would change nothing.
func (s *TrackedSubstates) Empty() bool {
	return len(s.deltas) == 0 && len(s.deleted) == 0
}

// ToDatabaseUpdates converts the changes into the store's update format.
// Partition resets come first so that later writes land in the emptied
// partition.
func (s *TrackedSubstates) ToDatabaseUpdates() *substatedb.DatabaseUpdates {
	updates := new(substatedb.DatabaseUpdates)
	for _, pr := range s.deleted {
		updates.Partition(pr.Node.PartitionKey(pr.Partition)).Reset = true
	}
	for _, d := range s.deltas {
		part := updates.Partition(d.Ref.Node.PartitionKey(d.Ref.Partition))
		if d.New == nil {
			part.Remove(d.Ref.Key.SortKey())
		} else {
			part.Set(d.Ref.Key.SortKey(), d.New.Bytes())
		}
	}
	return updates
}

// deltaRLP is the consensus encoding of a delta.
type deltaRLP struct {
	PartitionKey []byte
	SortKey      []byte
	OldHash      []byte
	New          []byte
}

// Len implements types.DerivableList.
func (s *TrackedSubstates) Len() int { return len(s.deltas) }

// EncodeIndex implements types.DerivableList.
func (s *TrackedSubstates) EncodeIndex(i int, w *bytes.Buffer) {
	d := s.deltas[i]
	enc := deltaRLP{
		PartitionKey: d.Ref.Node.PartitionKey(d.Ref.Partition),
		SortKey:      d.Ref.Key.SortKey(),
	}
	if d.OldHash != nil {
		enc.OldHash = d.OldHash.Bytes()
	}
	if d.New != nil {
		enc.New = d.New.Bytes()
	}
	rlp.Encode(w, &enc)
}

// Hash commits to the ordered list of deltas.
func (s *TrackedSubstates) Hash() common.Hash {
	return types.DeriveListHash(s)
}
