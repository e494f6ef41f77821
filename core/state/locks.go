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

package state

import (
	"github.com/substatevm/substatevm/core/types"
)

// lockState counts the holders of one substate. A substate is either held
// by any number of readers or by a single writer.
type lockState struct {
	readers int
	writer  bool
}

// LockTable arbitrates shared and exclusive substate locks. The track
// keeps one for stored substates; the kernel keeps another for heap
// substates.
// LockTable 负责仲裁子状态的共享锁与独占锁。
type LockTable struct {
	substates map[types.SubstateRef]*lockState
	nodes     map[types.NodeId]int
}

func NewLockTable() *LockTable {
	return &LockTable{
		substates: make(map[types.SubstateRef]*lockState),
		nodes:     make(map[types.NodeId]int),
	}
}

// Lock takes a shared lock, or an exclusive one if mutable. It fails with
// ErrSubstateLocked if the request conflicts with a held lock.
func (t *LockTable) Lock(ref types.SubstateRef, mutable bool) error {
	s, ok := t.substates[ref]
	if !ok {
		s = new(lockState)
	}
	switch {
	case s.writer:
		return ErrSubstateLocked
	case mutable && s.readers > 0:
		return ErrSubstateLocked
	case mutable:
		s.writer = true
	default:
		s.readers++
	}
	t.substates[ref] = s
	t.nodes[ref.Node]++
	return nil
}

// Unlock releases a lock taken with the same mutability.
func (t *LockTable) Unlock(ref types.SubstateRef, mutable bool) {
	s, ok := t.substates[ref]
	if !ok {
		panic("unlock of unlocked substate " + ref.String())
	}
	if mutable {
		s.writer = false
	} else {
		s.readers--
	}
	if !s.writer && s.readers == 0 {
		delete(t.substates, ref)
	}
	if t.nodes[ref.Node]--; t.nodes[ref.Node] == 0 {
		delete(t.nodes, ref.Node)
	}
}

// IsLocked reports whether any lock is held on ref.
func (t *LockTable) IsLocked(ref types.SubstateRef) bool {
	_, ok := t.substates[ref]
	return ok
}

// NodeIsLocked reports whether any substate of id is locked.
func (t *LockTable) NodeIsLocked(id types.NodeId) bool {
	return t.nodes[id] > 0
}

// PartitionIsLocked reports whether any substate of the partition is locked.
func (t *LockTable) PartitionIsLocked(id types.NodeId, partition types.PartitionNumber) bool {
	if !t.NodeIsLocked(id) {
		return false
	}
	for ref := range t.substates {
		if ref.Node == id && ref.Partition == partition {
			return true
		}
	}
	return false
}

// Len is the number of locked substates.
func (t *LockTable) Len() int { return len(t.substates) }
