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
	"math"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/substatevm/substatevm/core/state"
	"github.com/substatevm/substatevm/core/types"
)

// Visibility tells how a node is visible to a frame.
// Visibility 表示节点对调用帧的可见方式。
type Visibility uint8

const (
	VisibilityOwned Visibility = iota + 1
	VisibilityNormal
	VisibilityDirectAccess
	VisibilityBorrowed
)

func (v Visibility) String() string {
	switch v {
	case VisibilityOwned:
		return "owned"
	case VisibilityNormal:
		return "normal"
	case VisibilityDirectAccess:
		return "direct"
	case VisibilityBorrowed:
		return "borrowed"
	}
	return fmt.Sprintf("Visibility(%d)", uint8(v))
}

// access maps the visibility to its subject in the visibility matrix.
func (v Visibility) access() Access {
	switch v {
	case VisibilityOwned:
		return AccessOwned
	case VisibilityNormal:
		return AccessNormal
	case VisibilityDirectAccess:
		return AccessDirect
	case VisibilityBorrowed:
		return AccessBorrowed
	}
	return AccessNone
}

// Actor identifies the code running in a frame. Receiver is nil for
// function calls and for the root frame.
type Actor struct {
	Blueprint    string
	Function     string
	Receiver     *types.NodeId
	DirectAccess bool
}

func (a Actor) IsRoot() bool { return a.Blueprint == "" }

func (a Actor) String() string {
	if a.IsRoot() {
		return "root"
	}
	if a.Receiver == nil {
		return a.Blueprint + "::" + a.Function
	}
	return fmt.Sprintf("%s::%s@%s", a.Blueprint, a.Function, a.Receiver.TerminalString())
}

// CallFrameMessage describes what crosses a frame boundary. On push every
// field may be used; on pop only MoveNodes and CopyGlobalRefs.
// CallFrameMessage 描述跨越帧边界的节点：移动的所有权以及复制的引用。
type CallFrameMessage struct {
	MoveNodes            []types.NodeId
	CopyGlobalRefs       []types.NodeId
	CopyDirectAccessRefs []types.NodeId
	CopyBorrowedRefs     []types.NodeId
}

type substateLock struct {
	ref    types.SubstateRef
	flags  types.LockFlags
	onHeap bool
	track  state.TrackLockHandle

	// Nodes made visible by the locked value: its children and its
	// non-global references. Each is counted once in the frame's
	// transient references while the lock is open.
	owned []types.NodeId
	refs  []types.NodeId
}

// CallFrame is the execution scope of one invocation: the nodes it owns,
// the nodes it can see and the substate locks it holds.
// CallFrame 是一次调用的执行范围：它拥有的节点、可见的节点以及持有的子状态锁。
type CallFrame struct {
	depth int
	actor Actor

	owned     mapset.Set[types.NodeId]
	stable    map[types.NodeId]Visibility
	transient map[types.NodeId]int
	locks     map[types.LockHandle]*substateLock
}

func newFrame(depth int, actor Actor) *CallFrame {
	return &CallFrame{
		depth:     depth,
		actor:     actor,
		owned:     mapset.NewThreadUnsafeSet[types.NodeId](),
		stable:    make(map[types.NodeId]Visibility),
		transient: make(map[types.NodeId]int),
		locks:     make(map[types.LockHandle]*substateLock),
	}
}

func (f *CallFrame) Depth() int   { return f.depth }
func (f *CallFrame) Actor() Actor { return f.actor }

// OwnedNodes returns the owned roots in id order.
func (f *CallFrame) OwnedNodes() []types.NodeId {
	ids := f.owned.ToSlice()
	slices.SortFunc(ids, types.NodeId.Compare)
	return ids
}

// Locks returns the open lock handles in order.
func (f *CallFrame) Locks() []types.LockHandle {
	handles := make([]types.LockHandle, 0, len(f.locks))
	for h := range f.locks {
		handles = append(handles, h)
	}
	slices.Sort(handles)
	return handles
}

// NodeVisibility reports whether and how a node is visible.
func (f *CallFrame) NodeVisibility(id types.NodeId) (Visibility, bool) {
	if f.owned.Contains(id) {
		return VisibilityOwned, true
	}
	v, ok := f.stable[id]
	if f.transient[id] > 0 && (!ok || v == VisibilityDirectAccess) {
		return VisibilityNormal, true
	}
	return v, ok
}

// VisibleNodes returns every visible node in id order.
func (f *CallFrame) VisibleNodes() []types.NodeId {
	all := f.owned.Clone()
	for id := range f.stable {
		all.Add(id)
	}
	for id := range f.transient {
		all.Add(id)
	}
	ids := all.ToSlice()
	slices.SortFunc(ids, types.NodeId.Compare)
	return ids
}

// addStableRef records a reference that lives as long as the frame. A
// direct access reference is upgraded by a normal one, never the reverse.
func (f *CallFrame) addStableRef(id types.NodeId, v Visibility) {
	if cur, ok := f.stable[id]; ok && cur != VisibilityDirectAccess {
		return
	}
	f.stable[id] = v
}

func (f *CallFrame) addGlobalRefs(ids []types.NodeId) {
	for _, id := range ids {
		if id.IsGlobal() {
			f.addStableRef(id, VisibilityNormal)
		}
	}
}

func (f *CallFrame) fail(op string, id types.NodeId, err error) error {
	return frameError(op, f.depth, id, err)
}

// checkMovable verifies an owned root may leave the frame.
func (f *CallFrame) checkMovable(io *substateIO, id types.NodeId) error {
	if !f.owned.Contains(id) {
		return ErrOwnedNodeNotFound
	}
	return io.checkDetachable(id)
}

// openLock records the contents of a locked value: global references
// become stable, children and internal references transient.
func (f *CallFrame) openLock(lock *substateLock, value *types.IndexedValue) {
	lock.owned, lock.refs = nil, nil
	if value == nil {
		return
	}
	lock.owned = slices.Clone(value.OwnedNodes())
	for _, ref := range value.References() {
		if ref.IsGlobal() {
			f.addStableRef(ref, VisibilityNormal)
		} else {
			lock.refs = append(lock.refs, ref)
		}
	}
	for _, id := range lock.owned {
		f.transient[id]++
	}
	for _, id := range lock.refs {
		f.transient[id]++
	}
}

func (f *CallFrame) closeLock(lock *substateLock) {
	for _, ids := range [][]types.NodeId{lock.owned, lock.refs} {
		for _, id := range ids {
			if f.transient[id]--; f.transient[id] <= 0 {
				delete(f.transient, id)
			}
		}
	}
}

// planUpdate validates replacing a substate of parent whose value owned
// oldOwned with value. It returns the owned roots the new value takes and
// the children it releases.
func (f *CallFrame) planUpdate(io *substateIO, parent types.NodeId, onHeap bool, oldOwned []types.NodeId, value *types.IndexedValue) (taken, released []types.NodeId, err error) {
	var owned, refs []types.NodeId
	if value != nil {
		owned, refs = value.OwnedNodes(), value.References()
	}
	seen := mapset.NewThreadUnsafeSet[types.NodeId]()
	for _, id := range owned {
		if !seen.Add(id) {
			return nil, nil, fmt.Errorf("%w: %v", ErrDuplicateOwnership, id)
		}
	}
	old := mapset.NewThreadUnsafeSet(oldOwned...)
	for _, id := range owned {
		if old.Contains(id) {
			continue
		}
		if err := f.checkMovable(io, id); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", err, id)
		}
		if onHeap && io.reaches(id, parent) {
			return nil, nil, fmt.Errorf("%w: %v", ErrDuplicateOwnership, id)
		}
		taken = append(taken, id)
	}
	for _, id := range oldOwned {
		if seen.Contains(id) {
			continue
		}
		if !onHeap {
			return nil, nil, fmt.Errorf("%w: %v", ErrStoredNodeRemoved, id)
		}
		released = append(released, id)
	}
	for _, ref := range refs {
		if _, ok := f.NodeVisibility(ref); !ok {
			return nil, nil, fmt.Errorf("%w: %v", ErrNodeNotVisible, ref)
		}
		if !onHeap && !ref.IsGlobal() {
			return nil, nil, fmt.Errorf("%w: %v", ErrNonGlobalRefNotAllowed, ref)
		}
	}
	return taken, released, nil
}

// attach moves owned roots into a substate of a heap or stored node.
func (f *CallFrame) attach(io *substateIO, onHeap bool, ids []types.NodeId) error {
	for _, id := range ids {
		f.owned.Remove(id)
	}
	if onHeap {
		return nil
	}
	return io.persist(ids)
}

// CreateNode creates a node from substates whose children are owned roots
// of the frame. With persist the node goes straight into the track,
// becoming a global reference of the frame; otherwise it is a new owned
// root on the heap.
func (f *CallFrame) CreateNode(io *substateIO, id types.NodeId, substates types.NodeSubstates, persist bool) error {
	if io.heap.ContainsNode(id) {
		return f.fail("create node", id, ErrNodeExists)
	}
	children := substates.OwnedNodes()
	seen := mapset.NewThreadUnsafeSet[types.NodeId]()
	for _, child := range children {
		if !seen.Add(child) {
			return f.fail("create node", id, fmt.Errorf("%w: %v", ErrDuplicateOwnership, child))
		}
		if err := f.checkMovable(io, child); err != nil {
			return f.fail("create node", id, fmt.Errorf("%w: %v", err, child))
		}
	}
	for _, ref := range substates.References() {
		if _, ok := f.NodeVisibility(ref); !ok {
			return f.fail("create node", id, fmt.Errorf("%w: %v", ErrNodeNotVisible, ref))
		}
		if persist && !ref.IsGlobal() {
			return f.fail("create node", id, fmt.Errorf("%w: %v", ErrNonGlobalRefNotAllowed, ref))
		}
	}
	for _, child := range children {
		f.owned.Remove(child)
	}
	if persist {
		if err := io.track.CreateNode(id, substates, io.onIO); err != nil {
			return f.fail("create node", id, err)
		}
		if err := io.persist(children); err != nil {
			return f.fail("create node", id, err)
		}
		f.addStableRef(id, VisibilityNormal)
		return nil
	}
	if err := io.createHeapNode(id, substates); err != nil {
		return f.fail("create node", id, err)
	}
	f.owned.Add(id)
	return nil
}

// DropNode removes an owned, unlocked heap node and returns its
// substates. Its children become owned roots of the frame.
func (f *CallFrame) DropNode(io *substateIO, id types.NodeId) (types.NodeSubstates, error) {
	if err := f.checkMovable(io, id); err != nil {
		return nil, f.fail("drop node", id, err)
	}
	if io.heapRefs[id] > 0 {
		return nil, f.fail("drop node", id, ErrNodeReferenced)
	}
	substates, err := io.removeHeapNode(id)
	if err != nil {
		return nil, f.fail("drop node", id, err)
	}
	f.owned.Remove(id)
	for _, child := range substates.OwnedNodes() {
		f.owned.Add(child)
	}
	f.addGlobalRefs(substates.References())
	return substates, nil
}

// AcquireLock opens a lock on a substate of a visible node. Heap nodes
// lock through the shared heap lock table, stored nodes through the
// track. def, if set, supplies the value of a missing substate.
// AcquireLock 在可见节点的子状态上加锁。
func (f *CallFrame) AcquireLock(io *substateIO, id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, flags types.LockFlags, def func() *types.IndexedValue) (types.LockHandle, error) {
	if _, ok := f.NodeVisibility(id); !ok {
		return 0, f.fail("lock", id, ErrNodeNotVisible)
	}
	lock := &substateLock{
		ref:   types.SubstateRef{Node: id, Partition: partition, Key: key},
		flags: flags,
	}
	var value *types.IndexedValue
	if io.heap.ContainsNode(id) {
		if flags.Contains(types.LockFlagUnmodifiedBase) {
			return 0, f.fail("lock", id, ErrUnmodifiedBaseOnHeapNode)
		}
		v, ok := io.heap.GetSubstate(id, partition, key)
		if !ok {
			if def == nil {
				return 0, f.fail("lock", id, fmt.Errorf("%w: %v", state.ErrSubstateNotFound, lock.ref))
			}
			if v = def(); v == nil || len(v.OwnedNodes()) > 0 {
				return 0, f.fail("lock", id, state.ErrInvalidDefaultValue)
			}
			if io.heapLocks.IsLocked(lock.ref) {
				return 0, f.fail("lock", id, state.ErrSubstateLocked)
			}
			if err := io.setHeapSubstate(id, partition, key, v); err != nil {
				return 0, f.fail("lock", id, err)
			}
		}
		if err := io.heapLocks.Lock(lock.ref, flags.IsMutable()); err != nil {
			return 0, f.fail("lock", id, err)
		}
		lock.onHeap, value = true, v
	} else {
		h, err := io.track.AcquireLock(id, partition, key, flags, def, io.onIO)
		if err != nil {
			return 0, f.fail("lock", id, err)
		}
		if value, err = io.track.Read(h); err != nil {
			io.track.ReleaseLock(h)
			return 0, f.fail("lock", id, err)
		}
		lock.track = h
	}
	f.openLock(lock, value)

	handle := io.allocateLockHandle()
	f.locks[handle] = lock
	return handle, nil
}

func (f *CallFrame) lock(handle types.LockHandle) (*substateLock, error) {
	lock, ok := f.locks[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrLockNotFound, handle)
	}
	return lock, nil
}

// LockInfo returns the substate and flags of an open lock.
func (f *CallFrame) LockInfo(handle types.LockHandle) (types.SubstateRef, types.LockFlags, error) {
	lock, err := f.lock(handle)
	if err != nil {
		return types.SubstateRef{}, 0, err
	}
	return lock.ref, lock.flags, nil
}

// ReadSubstate returns the value under an open lock.
func (f *CallFrame) ReadSubstate(io *substateIO, handle types.LockHandle) (*types.IndexedValue, error) {
	lock, err := f.lock(handle)
	if err != nil {
		return nil, err
	}
	if lock.onHeap {
		v, ok := io.heap.GetSubstate(lock.ref.Node, lock.ref.Partition, lock.ref.Key)
		if !ok {
			return nil, f.fail("read", lock.ref.Node, state.ErrSubstateNotFound)
		}
		return v, nil
	}
	v, err := io.track.Read(lock.track)
	if err != nil {
		return nil, f.fail("read", lock.ref.Node, err)
	}
	return v, nil
}

// WriteSubstate replaces the value under a mutable lock. Nodes the new
// value owns are taken from the frame's owned roots, and persisted if the
// locked node is stored; children it no longer owns return to the frame.
func (f *CallFrame) WriteSubstate(io *substateIO, handle types.LockHandle, value *types.IndexedValue) error {
	lock, err := f.lock(handle)
	if err != nil {
		return err
	}
	id := lock.ref.Node
	if !lock.flags.IsMutable() {
		return f.fail("write", id, ErrNoWritePermission)
	}
	taken, released, err := f.planUpdate(io, id, lock.onHeap, lock.owned, value)
	if err != nil {
		return f.fail("write", id, err)
	}
	if err := f.attach(io, lock.onHeap, taken); err != nil {
		return f.fail("write", id, err)
	}
	if lock.onHeap {
		err = io.setHeapSubstate(id, lock.ref.Partition, lock.ref.Key, value)
	} else {
		err = io.track.Write(lock.track, value, io.onIO)
	}
	if err != nil {
		return f.fail("write", id, err)
	}
	f.closeLock(lock)
	for _, child := range released {
		f.owned.Add(child)
	}
	f.openLock(lock, value)
	return nil
}

// DropLock closes a lock. The nodes it made visible are forgotten unless
// visible through another lock.
func (f *CallFrame) DropLock(io *substateIO, handle types.LockHandle) error {
	lock, err := f.lock(handle)
	if err != nil {
		return err
	}
	delete(f.locks, handle)
	f.closeLock(lock)
	if lock.onHeap {
		io.heapLocks.Unlock(lock.ref, lock.flags.IsMutable())
		return nil
	}
	if err := io.track.ReleaseLock(lock.track); err != nil {
		return f.fail("unlock", lock.ref.Node, err)
	}
	return nil
}

// DropAllLocks closes every open lock in handle order.
func (f *CallFrame) DropAllLocks(io *substateIO) error {
	for _, h := range f.Locks() {
		if err := f.DropLock(io, h); err != nil {
			return err
		}
	}
	return nil
}

func (f *CallFrame) checkVisible(op string, id types.NodeId) error {
	if _, ok := f.NodeVisibility(id); !ok {
		return f.fail(op, id, ErrNodeNotVisible)
	}
	return nil
}

// SetSubstate writes a substate without a lock.
func (f *CallFrame) SetSubstate(io *substateIO, id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, value *types.IndexedValue) error {
	if err := f.checkVisible("set", id); err != nil {
		return err
	}
	ref := types.SubstateRef{Node: id, Partition: partition, Key: key}
	onHeap := io.heap.ContainsNode(id)

	var old *types.IndexedValue
	if onHeap {
		if io.heapLocks.IsLocked(ref) {
			return f.fail("set", id, state.ErrSubstateLocked)
		}
		old, _ = io.heap.GetSubstate(id, partition, key)
	} else {
		// The previous value is taken so that stored children cannot be
		// dropped by overwriting their owner.
		var err error
		if old, err = io.track.RemoveSubstate(id, partition, key, io.onIO); err != nil {
			return f.fail("set", id, err)
		}
	}
	var oldOwned []types.NodeId
	if old != nil {
		oldOwned = old.OwnedNodes()
	}
	taken, released, err := f.planUpdate(io, id, onHeap, oldOwned, value)
	if err != nil {
		return f.fail("set", id, err)
	}
	if err := f.attach(io, onHeap, taken); err != nil {
		return f.fail("set", id, err)
	}
	if onHeap {
		err = io.setHeapSubstate(id, partition, key, value)
	} else {
		err = io.track.SetSubstate(id, partition, key, value, io.onIO)
	}
	if err != nil {
		return f.fail("set", id, err)
	}
	for _, child := range released {
		f.owned.Add(child)
	}
	return nil
}

// release hands the children of removed heap values to the frame. Values
// removed from stored nodes must not own anything.
func (f *CallFrame) release(op string, id types.NodeId, onHeap bool, values ...*types.IndexedValue) error {
	for _, v := range values {
		if v == nil {
			continue
		}
		if !onHeap && len(v.OwnedNodes()) > 0 {
			return f.fail(op, id, fmt.Errorf("%w: %v", ErrStoredNodeRemoved, v.OwnedNodes()[0]))
		}
		for _, child := range v.OwnedNodes() {
			f.owned.Add(child)
		}
		f.addGlobalRefs(v.References())
	}
	return nil
}

// RemoveSubstate deletes a substate without a lock and returns the removed
// value, nil if there was none.
func (f *CallFrame) RemoveSubstate(io *substateIO, id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) (*types.IndexedValue, error) {
	if err := f.checkVisible("remove", id); err != nil {
		return nil, err
	}
	var (
		v      *types.IndexedValue
		err    error
		onHeap = io.heap.ContainsNode(id)
	)
	if onHeap {
		if io.heapLocks.IsLocked(types.SubstateRef{Node: id, Partition: partition, Key: key}) {
			return nil, f.fail("remove", id, state.ErrSubstateLocked)
		}
		v, err = io.removeHeapSubstate(id, partition, key)
	} else {
		v, err = io.track.RemoveSubstate(id, partition, key, io.onIO)
	}
	if err != nil {
		return nil, f.fail("remove", id, err)
	}
	return v, f.release("remove", id, onHeap, v)
}

// ScanKeys lists up to limit keys of a collection partition.
func (f *CallFrame) ScanKeys(io *substateIO, id types.NodeId, partition types.PartitionNumber, kind types.SubstateKeyKind, limit int) ([]types.SubstateKey, error) {
	if err := f.checkVisible("scan keys", id); err != nil {
		return nil, err
	}
	if io.heap.ContainsNode(id) {
		return io.heap.ScanKeys(id, partition, limit), nil
	}
	keys, err := io.track.ScanKeys(id, partition, kind, limit, io.onIO)
	if err != nil {
		return nil, f.fail("scan keys", id, err)
	}
	return keys, nil
}

// ScanSortedSubstates returns up to limit entries of a sorted partition.
// Global nodes referenced by the entries become visible.
func (f *CallFrame) ScanSortedSubstates(io *substateIO, id types.NodeId, partition types.PartitionNumber, limit int) ([]state.SubstateEntry, error) {
	if err := f.checkVisible("scan sorted", id); err != nil {
		return nil, err
	}
	var (
		entries []state.SubstateEntry
		err     error
	)
	if io.heap.ContainsNode(id) {
		entries = io.heap.ScanSortedSubstates(id, partition, limit)
	} else if entries, err = io.track.ScanSortedSubstates(id, partition, limit, io.onIO); err != nil {
		return nil, f.fail("scan sorted", id, err)
	}
	for _, e := range entries {
		f.addGlobalRefs(e.Value.References())
	}
	return entries, nil
}

// DrainSubstates removes and returns up to limit entries of a partition.
func (f *CallFrame) DrainSubstates(io *substateIO, id types.NodeId, partition types.PartitionNumber, kind types.SubstateKeyKind, limit int) ([]state.SubstateEntry, error) {
	if err := f.checkVisible("drain", id); err != nil {
		return nil, err
	}
	var (
		entries []state.SubstateEntry
		err     error
		onHeap  = io.heap.ContainsNode(id)
	)
	if onHeap {
		if io.heapLocks.PartitionIsLocked(id, partition) {
			return nil, f.fail("drain", id, state.ErrSubstateLocked)
		}
		entries, err = io.drainHeapSubstates(id, partition, limit)
	} else {
		entries, err = io.track.DrainSubstates(id, partition, kind, limit, io.onIO)
	}
	if err != nil {
		return nil, f.fail("drain", id, err)
	}
	for _, e := range entries {
		if err := f.release("drain", id, onHeap, e.Value); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// DeletePartition empties a partition and returns how many entries it
// held. Stored partitions are drained first so that owned nodes are caught,
// then reset in the store at commit.
func (f *CallFrame) DeletePartition(io *substateIO, id types.NodeId, partition types.PartitionNumber, kind types.SubstateKeyKind) (int, error) {
	if err := f.checkVisible("delete partition", id); err != nil {
		return 0, err
	}
	var (
		entries []state.SubstateEntry
		err     error
		onHeap  = io.heap.ContainsNode(id)
	)
	if onHeap {
		if io.heapLocks.PartitionIsLocked(id, partition) {
			return 0, f.fail("delete partition", id, state.ErrSubstateLocked)
		}
		entries, err = io.drainHeapSubstates(id, partition, math.MaxInt)
	} else if entries, err = io.track.DrainSubstates(id, partition, kind, math.MaxInt, io.onIO); err == nil {
		err = io.track.DeletePartition(id, partition)
	}
	if err != nil {
		return 0, f.fail("delete partition", id, err)
	}
	for _, e := range entries {
		if err := f.release("delete partition", id, onHeap, e.Value); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// MarkSubstateAsTransient keeps a stored substate out of the commit.
func (f *CallFrame) MarkSubstateAsTransient(io *substateIO, id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) error {
	if err := f.checkVisible("mark transient", id); err != nil {
		return err
	}
	io.track.MarkAsTransient(id, partition, key)
	return nil
}

// newChildFrame pushes a frame for actor. Moved nodes must be movable
// owned roots of the parent; copied references must be visible in it.
// The child sees exactly the moved and copied nodes.
// newChildFrame 压入新帧：移动的节点必须是父帧拥有的根节点，复制的引用必须对父帧可见。
func newChildFrame(io *substateIO, parent *CallFrame, actor Actor, msg *CallFrameMessage) (*CallFrame, error) {
	for _, id := range msg.MoveNodes {
		if err := parent.checkMovable(io, id); err != nil {
			return nil, parent.fail("move down", id, err)
		}
	}
	for _, id := range msg.CopyGlobalRefs {
		if !id.IsGlobal() {
			return nil, parent.fail("copy ref", id, ErrNonGlobalRefNotAllowed)
		}
		if err := parent.checkVisible("copy ref", id); err != nil {
			return nil, err
		}
	}
	for _, id := range msg.CopyDirectAccessRefs {
		if err := parent.checkVisible("copy direct ref", id); err != nil {
			return nil, err
		}
	}
	for _, id := range msg.CopyBorrowedRefs {
		if id.IsGlobal() {
			return nil, parent.fail("lend", id, ErrInvalidReference)
		}
		if err := parent.checkVisible("lend", id); err != nil {
			return nil, err
		}
	}

	child := newFrame(parent.depth+1, actor)
	for _, id := range msg.MoveNodes {
		parent.owned.Remove(id)
		child.owned.Add(id)
	}
	for _, id := range msg.CopyGlobalRefs {
		child.addStableRef(id, VisibilityNormal)
	}
	for _, id := range msg.CopyDirectAccessRefs {
		child.addStableRef(id, VisibilityDirectAccess)
	}
	for _, id := range msg.CopyBorrowedRefs {
		child.addStableRef(id, VisibilityBorrowed)
	}
	return child, nil
}

// passMessage moves the returned nodes and references from a popping
// child to its parent. The child's locks must already be closed.
func passMessage(io *substateIO, child, parent *CallFrame, msg *CallFrameMessage) error {
	for _, id := range msg.MoveNodes {
		if err := child.checkMovable(io, id); err != nil {
			return child.fail("move up", id, err)
		}
	}
	for _, id := range msg.CopyGlobalRefs {
		if child.owned.Contains(id) {
			return child.fail("copy ref up", id, ErrCannotPassOwnedNodeAsRef)
		}
		if !id.IsGlobal() {
			return child.fail("copy ref up", id, ErrNonGlobalRefNotAllowed)
		}
		if err := child.checkVisible("copy ref up", id); err != nil {
			return err
		}
	}
	for _, id := range msg.MoveNodes {
		child.owned.Remove(id)
		parent.owned.Add(id)
	}
	for _, id := range msg.CopyGlobalRefs {
		parent.addStableRef(id, VisibilityNormal)
	}
	return nil
}
