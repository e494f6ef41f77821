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

// Package state holds the per-transaction working set of the execution
// kernel: the Heap for nodes that only live in memory and the Track, the
// writable overlay over the substate store that collects a transaction's
// tentative changes until they are finalized into a commit.
//
// state 包保存执行内核在单个交易内的工作集：只驻留内存的节点所在的 Heap，
// 以及覆盖在子状态存储之上、收集交易暂存修改直到最终提交的 Track。
package state

import (
	"errors"
	"fmt"
	"slices"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/ethereum/go-ethereum/log"
	"github.com/substatevm/substatevm/core/types"
	"github.com/substatevm/substatevm/substatedb"
)

// TrackLockHandle identifies a lock held on a stored substate.
type TrackLockHandle uint32

type trackedSubstate struct {
	key     types.SubstateKey
	sortKey string
	value   trackedValue
	version uint64 // bumped on every change of value
}

type trackedNode struct {
	partitions map[types.PartitionNumber]*redblacktree.Tree // string(sortKey) -> *trackedSubstate
	isNew      bool
}

func newTrackedNode(isNew bool) *trackedNode {
	return &trackedNode{partitions: make(map[types.PartitionNumber]*redblacktree.Tree), isNew: isNew}
}

type trackLock struct {
	ref         types.SubstateRef
	flags       types.LockFlags
	base        uint64              // substate version the holder last observed
	virtualized *types.IndexedValue // default value served until the first write
}

// PartitionRef names one partition of a node.
type PartitionRef struct {
	Node      types.NodeId
	Partition types.PartitionNumber
}

// Track is the writable overlay over the substate store. It records every
// read and tentative write of one transaction, arbitrates locks on stored
// substates, and finalizes into the set of changes to commit.
// Track 是子状态存储之上的可写覆盖层。
type Track struct {
	db          substatedb.Reader
	nodes       map[types.NodeId]*trackedNode
	forceWrites map[types.SubstateRef]trackedValue
	deleted     map[PartitionRef]struct{}
	transient   transientSubstates

	locks      *LockTable
	handles    map[TrackLockHandle]*trackLock
	nextHandle TrackLockHandle
	finalized  bool

	log log.Logger
}

// NewTrack creates an empty overlay over db.
func NewTrack(db substatedb.Reader) *Track {
	t := &Track{db: db, log: log.New("module", "track")}
	t.reset()
	return t
}

func (t *Track) reset() {
	t.nodes = make(map[types.NodeId]*trackedNode)
	t.forceWrites = make(map[types.SubstateRef]trackedValue)
	t.deleted = make(map[PartitionRef]struct{})
	t.transient = newTransientSubstates()
	t.locks = NewLockTable()
	t.handles = make(map[TrackLockHandle]*trackLock)
}

func (t *Track) partition(id types.NodeId, partition types.PartitionNumber) *redblacktree.Tree {
	node, ok := t.nodes[id]
	if !ok {
		return nil
	}
	return node.partitions[partition]
}

// lookup returns the tracked substate, or nil if untracked.
func (t *Track) lookup(ref types.SubstateRef) *trackedSubstate {
	tree := t.partition(ref.Node, ref.Partition)
	if tree == nil {
		return nil
	}
	v, ok := tree.Get(string(ref.Key.SortKey()))
	if !ok {
		return nil
	}
	return v.(*trackedSubstate)
}

func (t *Track) insert(ref types.SubstateRef, value trackedValue) *trackedSubstate {
	node, ok := t.nodes[ref.Node]
	if !ok {
		node = newTrackedNode(false)
		t.nodes[ref.Node] = node
	}
	tree, ok := node.partitions[ref.Partition]
	if !ok {
		tree = redblacktree.NewWithStringComparator()
		node.partitions[ref.Partition] = tree
	}
	sub := &trackedSubstate{key: ref.Key, sortKey: string(ref.Key.SortKey()), value: value}
	tree.Put(sub.sortKey, sub)
	return sub
}

// skipStore reports whether the store can hold nothing for the partition
// that the track does not already know about.
func (t *Track) skipStore(id types.NodeId, partition types.PartitionNumber) bool {
	if node, ok := t.nodes[id]; ok && node.isNew {
		return true
	}
	_, ok := t.deleted[PartitionRef{id, partition}]
	return ok
}

// getTracked returns the tracked substate at ref, reading it from the store
// on first access.
func (t *Track) getTracked(ref types.SubstateRef, onIO IOHandler) (*trackedSubstate, error) {
	if sub := t.lookup(ref); sub != nil {
		return sub, nil
	}
	value := readValue(nil)
	if !t.skipStore(ref.Node, ref.Partition) && !t.transient.Contains(ref) {
		raw, err := t.db.GetSubstate(ref.Node.PartitionKey(ref.Partition), ref.Key.SortKey())
		switch {
		case errors.Is(err, substatedb.ErrNotFound):
			storeMissMeter.Mark(1)
			if err := onIO.report(IOAccess{Kind: ReadFromDbNotFound, Ref: ref}); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, fmt.Errorf("read substate %v: %w", ref, err)
		default:
			v, err := types.DecodeIndexedValue(raw)
			if err != nil {
				return nil, fmt.Errorf("read substate %v: %w", ref, err)
			}
			storeReadMeter.Mark(int64(len(raw)))
			if err := onIO.report(IOAccess{Kind: ReadFromDb, Ref: ref, Size: len(raw)}); err != nil {
				return nil, err
			}
			value = readValue(v)
		}
	}
	sub := t.insert(ref, value)
	return sub, onIO.report(IOAccess{Kind: TrackSubstateUpdated, Ref: ref, OldSize: NoSize, NewSize: sub.value.size()})
}

// trackFromStore starts tracking an entry found by a store scan.
func (t *Track) trackFromStore(ref types.SubstateRef, raw []byte, value func(*types.IndexedValue) trackedValue, onIO IOHandler) (*trackedSubstate, error) {
	v, err := types.DecodeIndexedValue(raw)
	if err != nil {
		return nil, fmt.Errorf("scan substate %v: %w", ref, err)
	}
	storeReadMeter.Mark(int64(len(raw)))
	if err := onIO.report(IOAccess{Kind: ReadFromDb, Ref: ref, Size: len(raw)}); err != nil {
		return nil, err
	}
	sub := t.insert(ref, value(v))
	return sub, onIO.report(IOAccess{Kind: TrackSubstateUpdated, Ref: ref, OldSize: NoSize, NewSize: sub.value.size()})
}

// update applies fn to the tracked value and reports the size change.
func (t *Track) update(ref types.SubstateRef, sub *trackedSubstate, fn func(*trackedValue), onIO IOHandler) error {
	old := sub.value.size()
	fn(&sub.value)
	sub.version++
	return onIO.report(IOAccess{Kind: TrackSubstateUpdated, Ref: ref, OldSize: old, NewSize: sub.value.size()})
}

// AcquireLock opens a lock on a stored substate. If the substate does not
// exist, def supplies a default value that is served from the lock until
// the holder writes; without def the lock fails with ErrSubstateNotFound.
// AcquireLock 在存储的子状态上加锁；子状态不存在时由 def 提供默认值。
func (t *Track) AcquireLock(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, flags types.LockFlags, def func() *types.IndexedValue, onIO IOHandler) (TrackLockHandle, error) {
	ref := types.SubstateRef{Node: id, Partition: partition, Key: key}
	if t.finalized {
		return 0, newTrackError("lock", ref, ErrTrackFinalized)
	}
	if flags.Contains(types.LockFlagUnmodifiedBase) {
		switch t.GetTrackedSubstateInfo(id, partition, key) {
		case SubstateNew:
			return 0, newTrackError("lock", ref, ErrLockUnmodifiedBaseOnNewSubstate)
		case SubstateUpdated:
			return 0, newTrackError("lock", ref, ErrLockUnmodifiedBaseOnUpdatedSubstate)
		}
	}
	sub, err := t.getTracked(ref, onIO)
	if err != nil {
		return 0, err
	}
	lock := &trackLock{ref: ref, flags: flags, base: sub.version}
	if sub.value.get() == nil {
		if def == nil {
			return 0, newTrackError("lock", ref, ErrSubstateNotFound)
		}
		v := def()
		if v == nil || len(v.OwnedNodes()) > 0 {
			return 0, newTrackError("lock", ref, ErrInvalidDefaultValue)
		}
		lock.virtualized = v
	}
	if err := t.locks.Lock(ref, flags.IsMutable()); err != nil {
		return 0, newTrackError("lock", ref, err)
	}
	t.nextHandle++
	t.handles[t.nextHandle] = lock
	return t.nextHandle, nil
}

func (t *Track) handle(h TrackLockHandle) (*trackLock, error) {
	lock, ok := t.handles[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLockHandle, h)
	}
	return lock, nil
}

// LockedRef returns the substate a lock was taken on.
func (t *Track) LockedRef(h TrackLockHandle) (types.SubstateRef, types.LockFlags, error) {
	lock, err := t.handle(h)
	if err != nil {
		return types.SubstateRef{}, 0, err
	}
	return lock.ref, lock.flags, nil
}

// Read returns the current value under a lock.
func (t *Track) Read(h TrackLockHandle) (*types.IndexedValue, error) {
	lock, err := t.handle(h)
	if err != nil {
		return nil, err
	}
	if lock.virtualized != nil {
		return lock.virtualized, nil
	}
	sub := t.lookup(lock.ref)
	if sub == nil || sub.value.get() == nil {
		return nil, newTrackError("read", lock.ref, ErrSubstateNotFound)
	}
	return sub.value.get(), nil
}

// Write replaces the value under a mutable lock. Under an unmodified base
// lock the write fails if the substate changed since the holder last saw
// it.
func (t *Track) Write(h TrackLockHandle, value *types.IndexedValue, onIO IOHandler) error {
	lock, err := t.handle(h)
	if err != nil {
		return err
	}
	if !lock.flags.IsMutable() {
		return newTrackError("write", lock.ref, ErrLockNotMutable)
	}
	sub := t.lookup(lock.ref)
	if sub == nil {
		sub = t.insert(lock.ref, readValue(nil))
	}
	if lock.flags.Contains(types.LockFlagUnmodifiedBase) && sub.version != lock.base {
		return newTrackError("write", lock.ref, ErrStaleBase)
	}
	lock.virtualized = nil
	if err := t.update(lock.ref, sub, func(v *trackedValue) { v.set(value) }, onIO); err != nil {
		return err
	}
	lock.base = sub.version
	return nil
}

// ReleaseLock closes a lock. A force-write lock snapshots the current
// value so that it survives RevertNonForceWriteChanges.
func (t *Track) ReleaseLock(h TrackLockHandle) error {
	lock, err := t.handle(h)
	if err != nil {
		return err
	}
	delete(t.handles, h)
	t.locks.Unlock(lock.ref, lock.flags.IsMutable())

	if lock.flags.Contains(types.LockFlagForceWrite) {
		if sub := t.lookup(lock.ref); sub != nil && sub.value.written() {
			t.forceWrites[lock.ref] = sub.value
		}
	}
	return nil
}

// IsLocked reports whether any lock is open on the substate.
func (t *Track) IsLocked(ref types.SubstateRef) bool { return t.locks.IsLocked(ref) }

// NodeIsLocked reports whether any substate of the node is locked.
func (t *Track) NodeIsLocked(id types.NodeId) bool { return t.locks.NodeIsLocked(id) }

// OpenLocks returns the number of open lock handles.
func (t *Track) OpenLocks() int { return len(t.handles) }

// CreateNode tracks a node created by this transaction. Every substate is
// new; reads of the node never reach the store.
func (t *Track) CreateNode(id types.NodeId, substates types.NodeSubstates, onIO IOHandler) error {
	t.nodes[id] = newTrackedNode(true)
	return forEachSubstate(substates, func(p types.PartitionNumber, key types.SubstateKey, v *types.IndexedValue) error {
		ref := types.SubstateRef{Node: id, Partition: p, Key: key}
		sub := t.insert(ref, trackedValue{state: newValue, current: v})
		return onIO.report(IOAccess{Kind: TrackSubstateUpdated, Ref: ref, OldSize: NoSize, NewSize: sub.value.size()})
	})
}

// SetSubstate writes a substate without a lock. Locked substates are
// rejected.
func (t *Track) SetSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, value *types.IndexedValue, onIO IOHandler) error {
	ref := types.SubstateRef{Node: id, Partition: partition, Key: key}
	if t.locks.IsLocked(ref) {
		return newTrackError("set", ref, ErrSubstateLocked)
	}
	sub := t.lookup(ref)
	if sub == nil {
		sub = t.insert(ref, trackedValue{state: writeOnly, current: value})
		sub.version++
		return onIO.report(IOAccess{Kind: TrackSubstateUpdated, Ref: ref, OldSize: NoSize, NewSize: sub.value.size()})
	}
	return t.update(ref, sub, func(v *trackedValue) { v.set(value) }, onIO)
}

// RemoveSubstate deletes a substate without a lock and returns the removed
// value, nil if there was none.
func (t *Track) RemoveSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, onIO IOHandler) (*types.IndexedValue, error) {
	ref := types.SubstateRef{Node: id, Partition: partition, Key: key}
	if t.locks.IsLocked(ref) {
		return nil, newTrackError("remove", ref, ErrSubstateLocked)
	}
	sub, err := t.getTracked(ref, onIO)
	if err != nil {
		return nil, err
	}
	var removed *types.IndexedValue
	err = t.update(ref, sub, func(v *trackedValue) { removed = v.take() }, onIO)
	return removed, err
}

// ScanKeys returns up to limit keys of a collection partition. Tracked
// entries come first in sort key order, followed by stored entries the
// track has not seen yet.
func (t *Track) ScanKeys(id types.NodeId, partition types.PartitionNumber, kind types.SubstateKeyKind, limit int, onIO IOHandler) ([]types.SubstateKey, error) {
	var keys []types.SubstateKey
	if tree := t.partition(id, partition); tree != nil {
		it := tree.Iterator()
		for it.Next() {
			if len(keys) >= limit {
				return keys, nil
			}
			sub := it.Value().(*trackedSubstate)
			if sub.value.get() != nil {
				keys = append(keys, sub.key)
			}
		}
	}
	if len(keys) >= limit || t.skipStore(id, partition) {
		return keys, nil
	}
	err := t.scanStore(id, partition, kind, func(ref types.SubstateRef, raw []byte) (bool, error) {
		if _, err := t.trackFromStore(ref, raw, readValue, onIO); err != nil {
			return false, err
		}
		keys = append(keys, ref.Key)
		return len(keys) < limit, nil
	})
	return keys, err
}

// DrainSubstates removes and returns up to limit entries of a collection
// partition.
func (t *Track) DrainSubstates(id types.NodeId, partition types.PartitionNumber, kind types.SubstateKeyKind, limit int, onIO IOHandler) ([]SubstateEntry, error) {
	var out []SubstateEntry
	if tree := t.partition(id, partition); tree != nil {
		var subs []*trackedSubstate
		it := tree.Iterator()
		for it.Next() {
			if sub := it.Value().(*trackedSubstate); sub.value.get() != nil {
				subs = append(subs, sub)
			}
		}
		for _, sub := range subs {
			if len(out) >= limit {
				return out, nil
			}
			ref := types.SubstateRef{Node: id, Partition: partition, Key: sub.key}
			if t.locks.IsLocked(ref) {
				return nil, newTrackError("drain", ref, ErrSubstateLocked)
			}
			var removed *types.IndexedValue
			if err := t.update(ref, sub, func(v *trackedValue) { removed = v.take() }, onIO); err != nil {
				return nil, err
			}
			out = append(out, SubstateEntry{Key: sub.key, Value: removed})
		}
	}
	if len(out) >= limit || t.skipStore(id, partition) {
		return out, nil
	}
	deleted := func(v *types.IndexedValue) trackedValue {
		return trackedValue{state: readExistAndWrite, base: v}
	}
	err := t.scanStore(id, partition, kind, func(ref types.SubstateRef, raw []byte) (bool, error) {
		sub, err := t.trackFromStore(ref, raw, deleted, onIO)
		if err != nil {
			return false, err
		}
		sub.version++
		out = append(out, SubstateEntry{Key: ref.Key, Value: sub.value.base})
		return len(out) < limit, nil
	})
	return out, err
}

// scanStore walks the stored entries of a partition that are not tracked,
// until fn returns false.
func (t *Track) scanStore(id types.NodeId, partition types.PartitionNumber, kind types.SubstateKeyKind, fn func(ref types.SubstateRef, raw []byte) (bool, error)) error {
	it := t.db.ListEntries(id.PartitionKey(partition), nil)
	defer it.Release()

	for it.Next() {
		if tree := t.partition(id, partition); tree != nil {
			if _, ok := tree.Get(string(it.SortKey())); ok {
				continue
			}
		}
		key, err := types.SubstateKeyFromSortKey(kind, it.SortKey())
		if err != nil {
			return err
		}
		more, err := fn(types.SubstateRef{Node: id, Partition: partition, Key: key}, it.Value())
		if err != nil || !more {
			return err
		}
	}
	return it.Error()
}

// ScanSortedSubstates returns up to limit entries of a sorted collection in
// sort key order, merging tracked and stored entries. Tracked entries win;
// a tracked removal hides the stored entry.
func (t *Track) ScanSortedSubstates(id types.NodeId, partition types.PartitionNumber, limit int, onIO IOHandler) ([]SubstateEntry, error) {
	var tracked []*trackedSubstate
	if tree := t.partition(id, partition); tree != nil {
		it := tree.Iterator()
		for it.Next() {
			tracked = append(tracked, it.Value().(*trackedSubstate))
		}
	}
	var (
		out  []SubstateEntry
		db   substatedb.Iterator
		more bool
	)
	if !t.skipStore(id, partition) {
		db = t.db.ListEntries(id.PartitionKey(partition), nil)
		defer db.Release()
		more = db.Next()
	}
	for len(out) < limit && (more || len(tracked) > 0) {
		if len(tracked) > 0 && (!more || tracked[0].sortKey <= string(db.SortKey())) {
			sub := tracked[0]
			tracked = tracked[1:]
			if more && sub.sortKey == string(db.SortKey()) {
				more = db.Next()
			}
			if v := sub.value.get(); v != nil {
				out = append(out, SubstateEntry{Key: sub.key, Value: v})
			}
			continue
		}
		key, err := types.SubstateKeyFromSortKey(types.SortedKeyKind, db.SortKey())
		if err != nil {
			return nil, err
		}
		sub, err := t.trackFromStore(types.SubstateRef{Node: id, Partition: partition, Key: key}, db.Value(), readValue, onIO)
		if err != nil {
			return nil, err
		}
		out = append(out, SubstateEntry{Key: key, Value: sub.value.base})
		more = db.Next()
	}
	if db != nil {
		if err := db.Error(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeletePartition drops every substate of a partition. For stored nodes
// the partition is reset in the store at commit.
func (t *Track) DeletePartition(id types.NodeId, partition types.PartitionNumber) error {
	if t.locks.PartitionIsLocked(id, partition) {
		return newTrackError("delete partition", types.SubstateRef{Node: id, Partition: partition}, ErrSubstateLocked)
	}
	node, ok := t.nodes[id]
	if ok {
		delete(node.partitions, partition)
	}
	for ref := range t.forceWrites {
		if ref.Node == id && ref.Partition == partition {
			delete(t.forceWrites, ref)
		}
	}
	if !ok || !node.isNew {
		t.deleted[PartitionRef{id, partition}] = struct{}{}
	}
	return nil
}

// MarkAsTransient excludes a substate from the store: it is never read
// from it and never committed.
func (t *Track) MarkAsTransient(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) {
	t.transient.Mark(types.SubstateRef{Node: id, Partition: partition, Key: key})
}

// GetTrackedSubstateInfo reports how the transaction touched a substate.
func (t *Track) GetTrackedSubstateInfo(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) TrackedSubstateInfo {
	sub := t.lookup(types.SubstateRef{Node: id, Partition: partition, Key: key})
	if sub == nil {
		return SubstateUnmodified
	}
	return sub.value.info()
}

// RevertNonForceWriteChanges discards every write except the values
// captured by force-write locks. Nodes created by the transaction are
// dropped, and with them any force write on their substates.
func (t *Track) RevertNonForceWriteChanges() {
	for id, node := range t.nodes {
		if node.isNew {
			delete(t.nodes, id)
			for ref := range t.forceWrites {
				if ref.Node == id {
					t.log.Warn("Dropped force write on reverted node", "ref", ref)
					delete(t.forceWrites, ref)
				}
			}
			continue
		}
		for _, tree := range node.partitions {
			it := tree.Iterator()
			for it.Next() {
				sub := it.Value().(*trackedSubstate)
				sub.value.revertWrites()
				sub.version++
			}
		}
	}
	clear(t.deleted)

	for _, ref := range sortedRefs(t.forceWrites) {
		sub := t.lookup(ref)
		if sub == nil {
			sub = t.insert(ref, t.forceWrites[ref])
		} else {
			sub.value = t.forceWrites[ref]
		}
		sub.version++
	}
	t.log.Debug("Reverted track to force writes", "forced", len(t.forceWrites))
}

// Discard drops the whole overlay, including locks.
func (t *Track) Discard() {
	t.log.Debug("Discarded track", "nodes", len(t.nodes), "locks", len(t.handles))
	t.reset()
}

// walk visits tracked substates ordered by node, partition and sort key.
func (t *Track) walk(fn func(ref types.SubstateRef, sub *trackedSubstate) error) error {
	ids := make([]types.NodeId, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, types.NodeId.Compare)
	for _, id := range ids {
		node := t.nodes[id]
		for _, p := range sortedPartitions(node.partitions) {
			it := node.partitions[p].Iterator()
			for it.Next() {
				sub := it.Value().(*trackedSubstate)
				ref := types.SubstateRef{Node: id, Partition: p, Key: sub.key}
				if t.transient.Contains(ref) {
					continue
				}
				if err := fn(ref, sub); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// storedValue returns the encoding currently in the store, nil if none.
func (t *Track) storedValue(ref types.SubstateRef) ([]byte, error) {
	if _, ok := t.deleted[PartitionRef{ref.Node, ref.Partition}]; ok {
		return nil, nil
	}
	raw, err := t.db.GetSubstate(ref.Node.PartitionKey(ref.Partition), ref.Key.SortKey())
	if errors.Is(err, substatedb.ErrNotFound) {
		return nil, nil
	}
	return raw, err
}

// CommitOp is the kind of store change a substate produces.
type CommitOp uint8

const (
	CommitInsert CommitOp = iota
	CommitUpdate
	CommitDelete
)

func (op CommitOp) String() string {
	switch op {
	case CommitInsert:
		return "insert"
	case CommitUpdate:
		return "update"
	}
	return "delete"
}

// StoreCommit describes one substate change for the fee collaborator.
type StoreCommit struct {
	Op      CommitOp
	Ref     types.SubstateRef
	Size    int // new value size, insert and update
	OldSize int // previous value size, update and delete
}

// GetCommitInfo lists the store changes the transaction would make.
func (t *Track) GetCommitInfo() ([]StoreCommit, error) {
	var out []StoreCommit
	err := t.walk(func(ref types.SubstateRef, sub *trackedSubstate) error {
		v := sub.value
		switch v.state {
		case newValue, readNonExistAndWrite:
			out = append(out, StoreCommit{Op: CommitInsert, Ref: ref, Size: v.current.Len(), OldSize: NoSize})
		case readExistAndWrite:
			if v.current != nil {
				out = append(out, StoreCommit{Op: CommitUpdate, Ref: ref, Size: v.current.Len(), OldSize: v.base.Len()})
			} else {
				out = append(out, StoreCommit{Op: CommitDelete, Ref: ref, Size: NoSize, OldSize: v.base.Len()})
			}
		case writeOnly:
			old, err := t.storedValue(ref)
			if err != nil {
				return err
			}
			switch {
			case v.current != nil && old != nil:
				out = append(out, StoreCommit{Op: CommitUpdate, Ref: ref, Size: v.current.Len(), OldSize: len(old)})
			case v.current != nil:
				out = append(out, StoreCommit{Op: CommitInsert, Ref: ref, Size: v.current.Len(), OldSize: NoSize})
			case old != nil:
				out = append(out, StoreCommit{Op: CommitDelete, Ref: ref, Size: NoSize, OldSize: len(old)})
			}
		}
		return nil
	})
	return out, err
}

// Finalize closes the overlay and returns its changes. It must be called
// once, after every frame has popped: open locks fail it, and so does a
// transient substate that still owns nodes. Transient substates are never
// part of the result.
// Finalize 关闭覆盖层并返回其修改，只能在所有调用帧弹出后调用一次。
func (t *Track) Finalize() (*TrackedSubstates, error) {
	if t.finalized {
		return nil, ErrTrackFinalized
	}
	if n := len(t.handles); n > 0 {
		return nil, fmt.Errorf("%w: %d", ErrLocksOutstanding, n)
	}
	for _, ref := range t.transient.Refs() {
		sub := t.lookup(ref)
		if sub == nil {
			continue
		}
		if v := sub.value.get(); v != nil && len(v.OwnedNodes()) > 0 {
			return nil, newTrackError("finalize", ref, ErrTransientSubstateOwnsNode)
		}
		t.partition(ref.Node, ref.Partition).Remove(sub.sortKey)
	}

	result := &TrackedSubstates{}
	for pr := range t.deleted {
		result.deleted = append(result.deleted, pr)
	}
	slices.SortFunc(result.deleted, func(a, b PartitionRef) int {
		return compareRefs(types.SubstateRef{Node: a.Node, Partition: a.Partition}, types.SubstateRef{Node: b.Node, Partition: b.Partition})
	})
	for id, node := range t.nodes {
		if node.isNew {
			result.newNodes = append(result.newNodes, id)
		}
	}
	slices.SortFunc(result.newNodes, types.NodeId.Compare)

	err := t.walk(func(ref types.SubstateRef, sub *trackedSubstate) error {
		v := sub.value
		if !v.written() {
			return nil
		}
		delta := SubstateDelta{Ref: ref, New: v.current}
		switch v.state {
		case readExistAndWrite:
			h := v.base.Hash()
			delta.OldHash = &h
		case writeOnly:
			old, err := t.storedValue(ref)
			if err != nil {
				return err
			}
			if old == nil && v.current == nil {
				return nil
			}
			if old != nil {
				h := types.HashBytes(old)
				delta.OldHash = &h
			}
		}
		result.deltas = append(result.deltas, delta)
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.finalized = true
	t.log.Trace("Finalized track", "deltas", len(result.deltas), "new", len(result.newNodes), "resets", len(result.deleted))
	return result, nil
}

func sortedRefs[V any](m map[types.SubstateRef]V) []types.SubstateRef {
	refs := make([]types.SubstateRef, 0, len(m))
	for ref := range m {
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, compareRefs)
	return refs
}
