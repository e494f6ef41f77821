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
	"cmp"
	"fmt"
	"slices"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/substatevm/substatevm/core/types"
)

// SubstateEntry is one substate returned by a scan.
type SubstateEntry struct {
	Key   types.SubstateKey
	Value *types.IndexedValue
}

// heapNode holds the partitions of one node, each ordered by sort key.
type heapNode map[types.PartitionNumber]*redblacktree.Tree // string(sortKey) -> *SubstateEntry

// Heap stores the nodes that live only in memory. It has no locking of its
// own: exclusivity is enforced by the call frames above it.
// Heap 存放仅驻留内存的节点，自身不做任何加锁，独占性由上层调用帧保证。
type Heap struct {
	nodes map[types.NodeId]heapNode
	size  int
}

func NewHeap() *Heap {
	return &Heap{nodes: make(map[types.NodeId]heapNode)}
}

// CreateNode inserts a new node. Creating an id twice is a programming
// error and panics.
func (h *Heap) CreateNode(id types.NodeId, substates types.NodeSubstates, onIO IOHandler) error {
	if _, ok := h.nodes[id]; ok {
		panic(fmt.Sprintf("heap node %v already exists", id))
	}
	node := make(heapNode)
	h.nodes[id] = node
	return forEachSubstate(substates, func(p types.PartitionNumber, key types.SubstateKey, v *types.IndexedValue) error {
		node.partition(p).Put(string(key.SortKey()), &SubstateEntry{Key: key, Value: v})
		h.size += v.Len()
		return onIO.report(IOAccess{
			Kind:    HeapSubstateUpdated,
			Ref:     types.SubstateRef{Node: id, Partition: p, Key: key},
			OldSize: NoSize,
			NewSize: v.Len(),
		})
	})
}

func (n heapNode) partition(p types.PartitionNumber) *redblacktree.Tree {
	tree, ok := n[p]
	if !ok {
		tree = redblacktree.NewWithStringComparator()
		n[p] = tree
	}
	return tree
}

// GetSubstate returns the value at (id, partition, key).
func (h *Heap) GetSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) (*types.IndexedValue, bool) {
	tree, ok := h.nodes[id][partition]
	if !ok {
		return nil, false
	}
	e, ok := tree.Get(string(key.SortKey()))
	if !ok {
		return nil, false
	}
	return e.(*SubstateEntry).Value, true
}

// SetSubstate inserts or replaces a substate, creating the node entry if
// needed.
func (h *Heap) SetSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, value *types.IndexedValue, onIO IOHandler) error {
	node, ok := h.nodes[id]
	if !ok {
		node = make(heapNode)
		h.nodes[id] = node
	}
	tree := node.partition(partition)
	sk := string(key.SortKey())

	old := NoSize
	if e, ok := tree.Get(sk); ok {
		old = e.(*SubstateEntry).Value.Len()
		h.size -= old
	}
	tree.Put(sk, &SubstateEntry{Key: key, Value: value})
	h.size += value.Len()
	return onIO.report(IOAccess{
		Kind:    HeapSubstateUpdated,
		Ref:     types.SubstateRef{Node: id, Partition: partition, Key: key},
		OldSize: old,
		NewSize: value.Len(),
	})
}

// RemoveSubstate deletes a substate, returning it if it existed.
func (h *Heap) RemoveSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, onIO IOHandler) (*types.IndexedValue, error) {
	tree, ok := h.nodes[id][partition]
	if !ok {
		return nil, nil
	}
	sk := string(key.SortKey())
	e, ok := tree.Get(sk)
	if !ok {
		return nil, nil
	}
	tree.Remove(sk)
	v := e.(*SubstateEntry).Value
	h.size -= v.Len()
	return v, onIO.report(IOAccess{
		Kind:    HeapSubstateUpdated,
		Ref:     types.SubstateRef{Node: id, Partition: partition, Key: key},
		OldSize: v.Len(),
		NewSize: NoSize,
	})
}

// ScanKeys returns up to limit keys of the partition in sort key order.
func (h *Heap) ScanKeys(id types.NodeId, partition types.PartitionNumber, limit int) []types.SubstateKey {
	entries := h.scan(id, partition, limit)
	keys := make([]types.SubstateKey, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// ScanSortedSubstates returns up to limit entries in sort key order.
func (h *Heap) ScanSortedSubstates(id types.NodeId, partition types.PartitionNumber, limit int) []SubstateEntry {
	return h.scan(id, partition, limit)
}

// DrainSubstates removes and returns up to limit entries in sort key order.
func (h *Heap) DrainSubstates(id types.NodeId, partition types.PartitionNumber, limit int, onIO IOHandler) ([]SubstateEntry, error) {
	entries := h.scan(id, partition, limit)
	for _, e := range entries {
		if _, err := h.RemoveSubstate(id, partition, e.Key, onIO); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (h *Heap) scan(id types.NodeId, partition types.PartitionNumber, limit int) []SubstateEntry {
	tree, ok := h.nodes[id][partition]
	if !ok || limit <= 0 {
		return nil
	}
	var out []SubstateEntry
	it := tree.Iterator()
	for it.Next() && len(out) < limit {
		out = append(out, *it.Value().(*SubstateEntry))
	}
	return out
}

// RemoveNode removes a node and returns its substates.
func (h *Heap) RemoveNode(id types.NodeId, onIO IOHandler) (types.NodeSubstates, error) {
	node, ok := h.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNodeNotFound, id)
	}
	delete(h.nodes, id)

	substates := make(types.NodeSubstates)
	for _, p := range sortedPartitions(node) {
		it := node[p].Iterator()
		for it.Next() {
			e := it.Value().(*SubstateEntry)
			substates.Set(p, e.Key, e.Value)
			h.size -= e.Value.Len()
			if err := onIO.report(IOAccess{
				Kind:    HeapSubstateUpdated,
				Ref:     types.SubstateRef{Node: id, Partition: p, Key: e.Key},
				OldSize: e.Value.Len(),
				NewSize: NoSize,
			}); err != nil {
				return substates, err
			}
		}
	}
	return substates, nil
}

// Children lists the nodes owned by any substate of a heap node.
func (h *Heap) Children(id types.NodeId) []types.NodeId {
	var out []types.NodeId
	for _, p := range sortedPartitions(h.nodes[id]) {
		it := h.nodes[id][p].Iterator()
		for it.Next() {
			out = append(out, it.Value().(*SubstateEntry).Value.OwnedNodes()...)
		}
	}
	return out
}

func (h *Heap) ContainsNode(id types.NodeId) bool {
	_, ok := h.nodes[id]
	return ok
}

// Len returns the number of nodes on the heap.
func (h *Heap) Len() int { return len(h.nodes) }

// Size returns the encoded size of every substate on the heap.
func (h *Heap) Size() int { return h.size }

// Nodes lists the heap nodes in id order.
func (h *Heap) Nodes() []types.NodeId {
	ids := make([]types.NodeId, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, types.NodeId.Compare)
	return ids
}

func sortedPartitions[V any](m map[types.PartitionNumber]V) []types.PartitionNumber {
	ps := make([]types.PartitionNumber, 0, len(m))
	for p := range m {
		ps = append(ps, p)
	}
	slices.Sort(ps)
	return ps
}

// forEachSubstate visits substates by partition, then sort key, so that
// IO reports are deterministic.
func forEachSubstate(substates types.NodeSubstates, fn func(types.PartitionNumber, types.SubstateKey, *types.IndexedValue) error) error {
	for _, p := range sortedPartitions(substates) {
		part := substates[p]
		keys := make([]types.SubstateKey, 0, len(part))
		for k := range part {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, func(a, b types.SubstateKey) int {
			return cmp.Compare(string(a.SortKey()), string(b.SortKey()))
		})
		for _, k := range keys {
			if err := fn(p, k, part[k]); err != nil {
				return err
			}
		}
	}
	return nil
}
