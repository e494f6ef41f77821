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

package substatedb

import "bytes"

// SubstateUpdate sets or deletes one entry of a partition.
type SubstateUpdate struct {
	SortKey []byte
	Value   []byte // nil when Delete is set
	Delete  bool
}

// PartitionUpdate is either a full reset of a partition (every existing
// entry is removed, then Updates are written) or a delta over it.
// PartitionUpdate 要么整体重置分区（先删除再写入），要么是分区上的增量。
type PartitionUpdate struct {
	PartitionKey []byte
	Reset        bool
	Updates      []SubstateUpdate
}

// DatabaseUpdates is the storage-format state diff of one transaction.
// Partitions are applied in order.
type DatabaseUpdates struct {
	Partitions []PartitionUpdate
}

// Partition returns the update entry for partitionKey, appending an empty
// delta if none exists yet.
func (u *DatabaseUpdates) Partition(partitionKey []byte) *PartitionUpdate {
	for i := range u.Partitions {
		if bytes.Equal(u.Partitions[i].PartitionKey, partitionKey) {
			return &u.Partitions[i]
		}
	}
	u.Partitions = append(u.Partitions, PartitionUpdate{PartitionKey: bytes.Clone(partitionKey)})
	return &u.Partitions[len(u.Partitions)-1]
}

// Set records a write.
func (p *PartitionUpdate) Set(sortKey, value []byte) {
	p.Updates = append(p.Updates, SubstateUpdate{SortKey: bytes.Clone(sortKey), Value: bytes.Clone(value)})
}

// Remove records a deletion.
func (p *PartitionUpdate) Remove(sortKey []byte) {
	p.Updates = append(p.Updates, SubstateUpdate{SortKey: bytes.Clone(sortKey), Delete: true})
}

// Len is the number of entry updates across all partitions.
func (u *DatabaseUpdates) Len() int {
	var n int
	for _, p := range u.Partitions {
		n += len(p.Updates)
	}
	return n
}

// Empty reports whether applying u would change nothing.
func (u *DatabaseUpdates) Empty() bool {
	for _, p := range u.Partitions {
		if p.Reset || len(p.Updates) > 0 {
			return false
		}
	}
	return true
}
