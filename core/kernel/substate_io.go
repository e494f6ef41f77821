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
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/substatevm/substatevm/core/state"
	"github.com/substatevm/substatevm/core/types"
)

// substateIO bundles the storage shared by every frame of a transaction.
// Frames never keep a reference to it; the kernel passes it into each
// frame operation.
// substateIO 汇集交易内所有调用帧共享的存储，由内核传入每个帧操作。
type substateIO struct {
	heap      *state.Heap
	track     *state.Track
	heapLocks *state.LockTable
	pinned    mapset.Set[types.NodeId]

	// heapRefs counts the non-global references held by heap substates.
	// A referenced node cannot be dropped or persisted.
	heapRefs map[types.NodeId]int

	onIO     state.IOHandler
	nextLock types.LockHandle
}

func newSubstateIO(heap *state.Heap, track *state.Track, onIO state.IOHandler) *substateIO {
	return &substateIO{
		heap:      heap,
		track:     track,
		heapLocks: state.NewLockTable(),
		pinned:    mapset.NewThreadUnsafeSet[types.NodeId](),
		heapRefs:  make(map[types.NodeId]int),
		onIO:      onIO,
	}
}

func (io *substateIO) countRefs(v *types.IndexedValue, delta int) {
	if v == nil {
		return
	}
	for _, ref := range v.References() {
		if ref.IsGlobal() {
			continue
		}
		if io.heapRefs[ref] += delta; io.heapRefs[ref] <= 0 {
			delete(io.heapRefs, ref)
		}
	}
}

func (io *substateIO) createHeapNode(id types.NodeId, substates types.NodeSubstates) error {
	for _, part := range substates {
		for _, v := range part {
			io.countRefs(v, 1)
		}
	}
	return io.heap.CreateNode(id, substates, io.onIO)
}

func (io *substateIO) setHeapSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, value *types.IndexedValue) error {
	old, _ := io.heap.GetSubstate(id, partition, key)
	io.countRefs(old, -1)
	io.countRefs(value, 1)
	return io.heap.SetSubstate(id, partition, key, value, io.onIO)
}

func (io *substateIO) removeHeapSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) (*types.IndexedValue, error) {
	v, err := io.heap.RemoveSubstate(id, partition, key, io.onIO)
	io.countRefs(v, -1)
	return v, err
}

func (io *substateIO) drainHeapSubstates(id types.NodeId, partition types.PartitionNumber, limit int) ([]state.SubstateEntry, error) {
	entries, err := io.heap.DrainSubstates(id, partition, limit, io.onIO)
	for _, e := range entries {
		io.countRefs(e.Value, -1)
	}
	return entries, err
}

func (io *substateIO) removeHeapNode(id types.NodeId) (types.NodeSubstates, error) {
	substates, err := io.heap.RemoveNode(id, io.onIO)
	for _, part := range substates {
		for _, v := range part {
			io.countRefs(v, -1)
		}
	}
	return substates, err
}

// checkDetachable verifies a heap node may leave its current owner.
func (io *substateIO) checkDetachable(id types.NodeId) error {
	switch {
	case io.heapLocks.NodeIsLocked(id):
		return ErrNodeLocked
	case io.pinned.Contains(id):
		return ErrNodePinned
	}
	return nil
}

// reaches reports whether target is root or one of its heap descendants.
func (io *substateIO) reaches(root, target types.NodeId) bool {
	stack := []types.NodeId{root}
	seen := mapset.NewThreadUnsafeSet[types.NodeId]()
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen.Add(id) {
			stack = append(stack, io.heap.Children(id)...)
		}
	}
	return false
}

// persist moves heap nodes and all their descendants into the track.
// Stored nodes may only reference global nodes.
// persist 将堆节点及其全部后代移入 Track。
func (io *substateIO) persist(ids []types.NodeId) error {
	queue := append([]types.NodeId(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if err := io.checkDetachable(id); err != nil {
			return fmt.Errorf("%w: %v", err, id)
		}
		if io.heapRefs[id] > 0 {
			return fmt.Errorf("%w: %v", ErrNodeReferenced, id)
		}
		substates, err := io.removeHeapNode(id)
		if err != nil {
			return err
		}
		for _, ref := range substates.References() {
			if !ref.IsGlobal() {
				return fmt.Errorf("%w: %v", ErrNonGlobalRefNotAllowed, ref)
			}
		}
		if err := io.track.CreateNode(id, substates, io.onIO); err != nil {
			return err
		}
		queue = append(queue, substates.OwnedNodes()...)
	}
	return nil
}

func (io *substateIO) allocateLockHandle() types.LockHandle {
	io.nextLock++
	return io.nextLock
}
