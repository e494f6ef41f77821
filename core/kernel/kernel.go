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

// Package kernel implements the call frame engine of the substate VM: the
// frame stack, node ownership and visibility, substate locking, and the
// dispatch of invocations to the system layer.
//
// kernel 包实现子状态虚拟机的调用帧引擎：帧栈、节点所有权与可见性、子状态加锁，
// 以及将调用分派给系统层。
package kernel

import (
	"errors"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/log"
	"github.com/substatevm/substatevm/core/state"
	"github.com/substatevm/substatevm/core/tracing"
	"github.com/substatevm/substatevm/core/types"
)

// DefaultMaxCallDepth bounds the frame stack when Config leaves it unset.
const DefaultMaxCallDepth = 8

// Config are the kernel's configuration options.
type Config struct {
	MaxCallDepth int            // Maximum invocation depth, the root frame excluded
	Tracer       *tracing.Hooks // Optional tracer
}

// Kernel executes one transaction. It owns the frame stack and hands the
// heap and track to frame operations; it is not safe for concurrent use.
// Kernel 执行一个交易，持有帧栈并把堆和 Track 交给帧操作，不可并发使用。
type Kernel struct {
	frames   []*CallFrame
	io       *substateIO
	ids      *IdAllocator
	callback Callback
	mode     ExecutionMode
	config   Config
	ran      bool

	log log.Logger
}

// New creates a kernel over a fresh heap and track.
func New(heap *state.Heap, track *state.Track, ids *IdAllocator, callback Callback, config Config) *Kernel {
	if config.MaxCallDepth <= 0 {
		config.MaxCallDepth = DefaultMaxCallDepth
	}
	k := &Kernel{
		frames:   []*CallFrame{newFrame(0, Actor{})},
		ids:      ids,
		callback: callback,
		mode:     ModeKernel,
		config:   config,
		log:      log.New("module", "kernel"),
	}
	k.io = newSubstateIO(heap, track, func(access state.IOAccess) error {
		return WrapError(OriginSystem, k.callback.OnStoreAccess(k, access))
	})
	return k
}

func (k *Kernel) current() *CallFrame { return k.frames[len(k.frames)-1] }

// enter switches to kernel mode for the duration of a kernel API call and
// returns the caller's mode, against which visibility is checked.
func (k *Kernel) enter() (ExecutionMode, func()) {
	caller := k.mode
	k.mode = ModeKernel
	return caller, func() { k.mode = caller }
}

func (k *Kernel) hooks() *tracing.Hooks {
	if k.config.Tracer == nil {
		return &tracing.Hooks{}
	}
	return k.config.Tracer
}

func systemError(err error) error { return WrapError(OriginSystem, err) }

// ExecuteInMode runs fn in the given mode and restores the previous mode
// afterwards, also when fn fails or panics.
func (k *Kernel) ExecuteInMode(mode ExecutionMode, fn func() error) error {
	if !ValidTransition(k.mode, mode) {
		return kernelError("execute in mode", fmt.Errorf("%w: %v -> %v", ErrInvalidModeTransition, k.mode, mode))
	}
	saved := k.mode
	k.mode = mode
	defer func() { k.mode = saved }()
	return fn()
}

// Run executes the root invocation from the root frame, then tears the
// root frame down. On failure every open lock of every frame is released
// so that the track can still be finalized.
// Run 从根帧执行根调用，然后拆除根帧。
func (k *Kernel) Run(root *Invocation) (output *types.IndexedValue, err error) {
	if k.ran {
		return nil, kernelError("run", ErrKernelFinished)
	}
	k.ran = true
	defer func() {
		if err != nil {
			k.abort()
		}
	}()
	if err := k.ExecuteInMode(ModeKernelModule, func() error { return k.callback.OnInit(k) }); err != nil {
		return nil, systemError(err)
	}
	if output, err = k.Invoke(root); err != nil {
		return nil, err
	}
	rootFrame := k.frames[0]
	if err := rootFrame.DropAllLocks(k.io); err != nil {
		return nil, kernelError("teardown", err)
	}
	if err := k.autoDrop(rootFrame); err != nil {
		return nil, err
	}
	if err := k.ExecuteInMode(ModeKernelModule, func() error { return k.callback.OnTeardown(k) }); err != nil {
		return nil, systemError(err)
	}
	return output, nil
}

// abort releases the locks of every frame, innermost first.
func (k *Kernel) abort() {
	for i := len(k.frames) - 1; i >= 0; i-- {
		if err := k.frames[i].DropAllLocks(k.io); err != nil {
			k.log.Error("Failed to release locks", "depth", i, "err", err)
		}
	}
	k.frames = k.frames[:1]
}

// AllocateNodeId allocates an id and lets the callback veto it.
func (k *Kernel) AllocateNodeId(t types.EntityType) (types.NodeId, error) {
	_, leave := k.enter()
	defer leave()

	id, err := k.ids.AllocateNodeId(t)
	if err != nil {
		return types.NodeId{}, kernelError("allocate node id", err)
	}
	if err := k.callback.OnAllocateNodeId(k, t); err != nil {
		return types.NodeId{}, systemError(err)
	}
	return id, nil
}

func (k *Kernel) CreateNode(id types.NodeId, substates types.NodeSubstates) error {
	caller, leave := k.enter()
	defer leave()
	return k.createNode(caller, id, substates, false)
}

func (k *Kernel) CreateNodeGlobal(id types.NodeId, substates types.NodeSubstates) error {
	caller, leave := k.enter()
	defer leave()
	return k.createNode(caller, id, substates, true)
}

func (k *Kernel) createNode(caller ExecutionMode, id types.NodeId, substates types.NodeSubstates, global bool) error {
	subject := AccessOwned
	if global {
		subject = AccessGlobal
	}
	if !id.EntityType().Valid() || id.IsGlobal() != global || !Allowed(caller, OpCreateNode, subject) {
		return kernelError("create node", fmt.Errorf("%w: %v in mode %v", ErrInvalidCreateNodeAccess, id.EntityType(), caller))
	}
	if err := k.callback.OnCreateNode(k, &CreateNodeEvent{Stage: StageStart, Node: id, Substates: substates, Global: global}); err != nil {
		return systemError(err)
	}
	frame := k.current()
	if err := frame.CreateNode(k.io, id, substates, global); err != nil {
		return kernelError("create node", err)
	}
	if err := k.callback.OnCreateNode(k, &CreateNodeEvent{Stage: StageEnd, Node: id, Substates: substates, Global: global}); err != nil {
		return systemError(err)
	}
	if h := k.hooks(); h.OnNodeCreate != nil {
		h.OnNodeCreate(frame.depth, id, global)
	}
	k.log.Trace("Created node", "id", id, "global", global, "depth", frame.depth)
	return nil
}

// DropNode drops a node owned by the current frame. Global nodes are never
// droppable.
func (k *Kernel) DropNode(id types.NodeId) (types.NodeSubstates, error) {
	caller, leave := k.enter()
	defer leave()

	frame := k.current()
	if vis, ok := frame.NodeVisibility(id); !ok || vis != VisibilityOwned || id.IsGlobal() || !Allowed(caller, OpDropNode, AccessOwned) {
		return nil, kernelError("drop node", fmt.Errorf("%w: %v in mode %v", ErrInvalidDropNodeAccess, id, caller))
	}
	err := k.ExecuteInMode(ModeDropNode, func() error {
		return k.callback.OnDropNode(k, &DropNodeEvent{Stage: StageStart, Node: id})
	})
	if err != nil {
		return nil, systemError(err)
	}
	substates, err := frame.DropNode(k.io, id)
	if err != nil {
		return nil, kernelError("drop node", err)
	}
	if err := k.callback.OnDropNode(k, &DropNodeEvent{Stage: StageEnd, Node: id, Substates: substates}); err != nil {
		return nil, systemError(err)
	}
	if h := k.hooks(); h.OnNodeDrop != nil {
		h.OnNodeDrop(frame.depth, id)
	}
	k.log.Trace("Dropped node", "id", id, "depth", frame.depth)
	return substates, nil
}

// PinNode makes a visible node non-droppable and non-movable.
func (k *Kernel) PinNode(id types.NodeId) error {
	_, leave := k.enter()
	defer leave()

	if _, ok := k.current().NodeVisibility(id); !ok {
		return kernelError("pin node", frameError("pin", k.current().depth, id, ErrNodeNotVisible))
	}
	if err := k.callback.OnPinNode(k, id); err != nil {
		return systemError(err)
	}
	k.io.pinned.Add(id)
	return nil
}

// checkSubstateAccess applies the visibility matrix. Invisible nodes are
// left to the frame, which reports them as not visible.
func (k *Kernel) checkSubstateAccess(caller ExecutionMode, op Operation, id types.NodeId) error {
	vis, ok := k.current().NodeVisibility(id)
	if ok && !Allowed(caller, op, vis.access()) {
		return kernelError(op.String(), fmt.Errorf("%w: %v %v node %v in mode %v", ErrInvalidSubstateAccess, op, vis, id, caller))
	}
	return nil
}

func (k *Kernel) OpenSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, flags types.LockFlags) (types.LockHandle, error) {
	return k.openSubstate(id, partition, key, flags, nil)
}

func (k *Kernel) OpenSubstateWithDefault(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, flags types.LockFlags, def func() *types.IndexedValue) (types.LockHandle, error) {
	return k.openSubstate(id, partition, key, flags, def)
}

func (k *Kernel) openSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, flags types.LockFlags, def func() *types.IndexedValue) (types.LockHandle, error) {
	caller, leave := k.enter()
	defer leave()

	op := OpReadSubstate
	if flags.IsMutable() {
		op = OpWriteSubstate
	}
	if err := k.checkSubstateAccess(caller, op, id); err != nil {
		return 0, err
	}
	frame := k.current()
	handle, err := frame.AcquireLock(k.io, id, partition, key, flags, def)
	if errors.Is(err, state.ErrSubstateNotFound) {
		retry, ferr := k.lockFault(id, partition, key)
		if ferr != nil {
			return 0, ferr
		}
		if retry {
			handle, err = frame.AcquireLock(k.io, id, partition, key, flags, def)
		}
	}
	if err != nil {
		return 0, kernelError("open substate", err)
	}
	ref := types.SubstateRef{Node: id, Partition: partition, Key: key}
	value, err := frame.ReadSubstate(k.io, handle)
	if err != nil {
		return 0, kernelError("open substate", err)
	}
	if err := k.callback.OnOpenSubstate(k, &SubstateEvent{Handle: handle, Ref: ref, Flags: flags, Value: value, Size: value.Len()}); err != nil {
		return 0, systemError(err)
	}
	if h := k.hooks(); h.OnSubstateOpen != nil {
		h.OnSubstateOpen(frame.depth, handle, ref, flags)
	}
	k.log.Trace("Opened substate", "ref", ref, "flags", flags, "handle", handle)
	return handle, nil
}

// lockFault asks the callback to materialize a missing substate.
func (k *Kernel) lockFault(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) (bool, error) {
	var retry bool
	err := k.ExecuteInMode(ModeResolver, func() error {
		var err error
		retry, err = k.callback.OnSubstateLockFault(k, id, partition, key)
		return err
	})
	if err != nil {
		return false, systemError(err)
	}
	return retry, nil
}

func (k *Kernel) CloseSubstate(handle types.LockHandle) error {
	_, leave := k.enter()
	defer leave()

	frame := k.current()
	ref, flags, err := frame.LockInfo(handle)
	if err != nil {
		return kernelError("close substate", err)
	}
	if err := k.callback.OnCloseSubstate(k, &SubstateEvent{Handle: handle, Ref: ref, Flags: flags}); err != nil {
		return systemError(err)
	}
	if err := frame.DropLock(k.io, handle); err != nil {
		return kernelError("close substate", err)
	}
	if h := k.hooks(); h.OnSubstateClose != nil {
		h.OnSubstateClose(frame.depth, handle)
	}
	return nil
}

func (k *Kernel) ReadSubstate(handle types.LockHandle) (*types.IndexedValue, error) {
	_, leave := k.enter()
	defer leave()

	frame := k.current()
	ref, flags, err := frame.LockInfo(handle)
	if err != nil {
		return nil, kernelError("read substate", err)
	}
	value, err := frame.ReadSubstate(k.io, handle)
	if err != nil {
		return nil, kernelError("read substate", err)
	}
	if err := k.callback.OnReadSubstate(k, &SubstateEvent{Handle: handle, Ref: ref, Flags: flags, Value: value, Size: value.Len()}); err != nil {
		return nil, systemError(err)
	}
	return value, nil
}

func (k *Kernel) WriteSubstate(handle types.LockHandle, value *types.IndexedValue) error {
	_, leave := k.enter()
	defer leave()

	frame := k.current()
	ref, flags, err := frame.LockInfo(handle)
	if err != nil {
		return kernelError("write substate", err)
	}
	if err := k.callback.OnWriteSubstate(k, &SubstateEvent{Handle: handle, Ref: ref, Flags: flags, Value: value, Size: value.Len()}); err != nil {
		return systemError(err)
	}
	if err := frame.WriteSubstate(k.io, handle, value); err != nil {
		return kernelError("write substate", err)
	}
	if h := k.hooks(); h.OnSubstateWrite != nil {
		h.OnSubstateWrite(frame.depth, handle, ref, value.Len())
	}
	k.log.Trace("Wrote substate", "ref", ref, "size", value.Len())
	return nil
}

func (k *Kernel) SetSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, value *types.IndexedValue) error {
	caller, leave := k.enter()
	defer leave()

	if err := k.checkSubstateAccess(caller, OpWriteSubstate, id); err != nil {
		return err
	}
	ref := types.SubstateRef{Node: id, Partition: partition, Key: key}
	if err := k.callback.OnSetSubstate(k, &SubstateEvent{Ref: ref, Value: value, Size: value.Len()}); err != nil {
		return systemError(err)
	}
	if err := k.current().SetSubstate(k.io, id, partition, key, value); err != nil {
		return kernelError("set substate", err)
	}
	return nil
}

func (k *Kernel) RemoveSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) (*types.IndexedValue, error) {
	caller, leave := k.enter()
	defer leave()

	if err := k.checkSubstateAccess(caller, OpWriteSubstate, id); err != nil {
		return nil, err
	}
	removed, err := k.current().RemoveSubstate(k.io, id, partition, key)
	if err != nil {
		return nil, kernelError("remove substate", err)
	}
	ev := &SubstateEvent{Ref: types.SubstateRef{Node: id, Partition: partition, Key: key}, Value: removed}
	if removed != nil {
		ev.Size = removed.Len()
	}
	if err := k.callback.OnRemoveSubstate(k, ev); err != nil {
		return nil, systemError(err)
	}
	return removed, nil
}

func (k *Kernel) ScanKeys(id types.NodeId, partition types.PartitionNumber, kind types.SubstateKeyKind, limit int) ([]types.SubstateKey, error) {
	caller, leave := k.enter()
	defer leave()

	if err := k.checkSubstateAccess(caller, OpReadSubstate, id); err != nil {
		return nil, err
	}
	keys, err := k.current().ScanKeys(k.io, id, partition, kind, limit)
	if err != nil {
		return nil, kernelError("scan keys", err)
	}
	if err := k.callback.OnScanKeys(k, &ScanEvent{Node: id, Partition: partition, Limit: limit, Count: len(keys)}); err != nil {
		return nil, systemError(err)
	}
	return keys, nil
}

func (k *Kernel) DrainSubstates(id types.NodeId, partition types.PartitionNumber, kind types.SubstateKeyKind, limit int) ([]state.SubstateEntry, error) {
	caller, leave := k.enter()
	defer leave()

	if err := k.checkSubstateAccess(caller, OpWriteSubstate, id); err != nil {
		return nil, err
	}
	entries, err := k.current().DrainSubstates(k.io, id, partition, kind, limit)
	if err != nil {
		return nil, kernelError("drain substates", err)
	}
	if err := k.callback.OnDrainSubstates(k, &ScanEvent{Node: id, Partition: partition, Limit: limit, Count: len(entries)}); err != nil {
		return nil, systemError(err)
	}
	return entries, nil
}

// DeletePartition removes every entry of a collection partition.
func (k *Kernel) DeletePartition(id types.NodeId, partition types.PartitionNumber, kind types.SubstateKeyKind) error {
	caller, leave := k.enter()
	defer leave()

	if err := k.checkSubstateAccess(caller, OpWriteSubstate, id); err != nil {
		return err
	}
	n, err := k.current().DeletePartition(k.io, id, partition, kind)
	if err != nil {
		return kernelError("delete partition", err)
	}
	if err := k.callback.OnDeletePartition(k, &ScanEvent{Node: id, Partition: partition, Count: n}); err != nil {
		return systemError(err)
	}
	return nil
}

func (k *Kernel) ScanSortedSubstates(id types.NodeId, partition types.PartitionNumber, limit int) ([]state.SubstateEntry, error) {
	caller, leave := k.enter()
	defer leave()

	if err := k.checkSubstateAccess(caller, OpReadSubstate, id); err != nil {
		return nil, err
	}
	entries, err := k.current().ScanSortedSubstates(k.io, id, partition, limit)
	if err != nil {
		return nil, kernelError("scan sorted substates", err)
	}
	if err := k.callback.OnScanSortedSubstates(k, &ScanEvent{Node: id, Partition: partition, Limit: limit, Count: len(entries)}); err != nil {
		return nil, systemError(err)
	}
	return entries, nil
}

func (k *Kernel) MarkSubstateAsTransient(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) error {
	caller, leave := k.enter()
	defer leave()

	if err := k.checkSubstateAccess(caller, OpWriteSubstate, id); err != nil {
		return err
	}
	ref := types.SubstateRef{Node: id, Partition: partition, Key: key}
	if err := k.callback.OnMarkSubstateAsTransient(k, ref); err != nil {
		return systemError(err)
	}
	if err := k.current().MarkSubstateAsTransient(k.io, id, partition, key); err != nil {
		return kernelError("mark transient", err)
	}
	return nil
}

// Invoke pushes a frame for the invocation, runs its blueprint code and
// pops the frame, moving the output's nodes back to the caller.
// Invoke 为调用压入新帧，执行蓝图代码，然后弹出该帧并把输出中的节点移回调用者。
func (k *Kernel) Invoke(inv *Invocation) (*types.IndexedValue, error) {
	_, leave := k.enter()
	defer leave()

	parent := k.current()
	if parent.depth >= k.config.MaxCallDepth {
		return nil, kernelError("invoke", fmt.Errorf("%w: %d", ErrCallDepthExceeded, parent.depth+1))
	}
	if inv.Args == nil {
		inv.Args = types.Unit()
	}
	msg, err := k.buildMessage(parent, inv)
	if err != nil {
		return nil, err
	}
	if err := k.ExecuteInMode(ModeKernelModule, func() error { return k.callback.BeforeInvoke(k, inv) }); err != nil {
		return nil, systemError(err)
	}
	child, err := newChildFrame(k.io, parent, inv.Actor, msg)
	if err != nil {
		return nil, kernelError("invoke", err)
	}
	k.frames = append(k.frames, child)
	if err := k.moved(msg.MoveNodes, parent.depth, child.depth); err != nil {
		return nil, err
	}
	hooks := k.hooks()
	if hooks.OnEnter != nil {
		hooks.OnEnter(child.depth, inv.Actor.String(), inv.Actor.Function, inv.Args.Bytes())
	}
	k.log.Debug("Pushed call frame", "depth", child.depth, "actor", inv.Actor)

	output, err := k.execute(inv)
	if hooks.OnExit != nil {
		var out []byte
		if output != nil {
			out = output.Bytes()
		}
		hooks.OnExit(child.depth, out, err)
	}
	if err != nil {
		return nil, err
	}
	if err := k.ExecuteInMode(ModeKernelModule, func() error { return k.callback.AfterInvoke(k, output) }); err != nil {
		return nil, systemError(err)
	}
	return output, nil
}

// buildMessage derives the push message from the arguments. At depth 0
// references the root frame has not seen yet are resolved against the
// store first.
func (k *Kernel) buildMessage(parent *CallFrame, inv *Invocation) (*CallFrameMessage, error) {
	msg := &CallFrameMessage{MoveNodes: inv.Args.OwnedNodes()}
	refs := inv.Args.References()
	if r := inv.Actor.Receiver; r != nil {
		switch {
		case inv.Actor.DirectAccess:
			if parent.depth == 0 {
				if err := k.resolveRef(parent, *r, VisibilityDirectAccess); err != nil {
					return nil, err
				}
			}
			msg.CopyDirectAccessRefs = append(msg.CopyDirectAccessRefs, *r)
		case r.IsGlobal():
			refs = append(refs, *r)
		default:
			msg.CopyBorrowedRefs = append(msg.CopyBorrowedRefs, *r)
		}
	}
	for _, ref := range refs {
		if !ref.IsGlobal() {
			return nil, kernelError("invoke", fmt.Errorf("%w: %v", ErrNonGlobalRefNotAllowed, ref))
		}
		if parent.depth == 0 {
			if err := k.resolveRef(parent, ref, VisibilityNormal); err != nil {
				return nil, err
			}
		}
		msg.CopyGlobalRefs = append(msg.CopyGlobalRefs, ref)
	}
	return msg, nil
}

// resolveRef makes a stored node visible to the root frame after checking
// its type info exists, virtualizing it through the lock fault hook if
// needed.
func (k *Kernel) resolveRef(frame *CallFrame, id types.NodeId, vis Visibility) error {
	if cur, ok := frame.NodeVisibility(id); ok && (cur != VisibilityDirectAccess || vis == VisibilityDirectAccess) {
		return nil
	}
	err := k.probe(id)
	if errors.Is(err, state.ErrSubstateNotFound) {
		retry, ferr := k.lockFault(id, types.TypeInfoPartition, types.TypeInfoField)
		if ferr != nil {
			return ferr
		}
		if retry {
			err = k.probe(id)
		}
	}
	if err != nil {
		return kernelError("resolve reference", fmt.Errorf("%w: %v: %v", ErrInvalidReference, id, err))
	}
	frame.addStableRef(id, vis)
	return nil
}

func (k *Kernel) probe(id types.NodeId) error {
	if k.io.heap.ContainsNode(id) {
		return ErrNodeNotVisible
	}
	h, err := k.io.track.AcquireLock(id, types.TypeInfoPartition, types.TypeInfoField, types.LockFlagsRead, nil, k.io.onIO)
	if err != nil {
		return err
	}
	return k.io.track.ReleaseLock(h)
}

// execute runs the current frame's code and pops it.
func (k *Kernel) execute(inv *Invocation) (*types.IndexedValue, error) {
	if err := k.ExecuteInMode(ModeKernelModule, func() error { return k.callback.OnExecutionStart(k) }); err != nil {
		return nil, systemError(err)
	}
	var output *types.IndexedValue
	err := k.ExecuteInMode(ModeClient, func() error {
		var err error
		output, err = k.callback.InvokeUpstream(k, inv)
		return err
	})
	if err != nil {
		return nil, WrapError(OriginApplication, err)
	}
	if output == nil {
		output = types.Unit()
	}
	msg := &CallFrameMessage{MoveNodes: output.OwnedNodes(), CopyGlobalRefs: output.References()}
	if err := k.ExecuteInMode(ModeKernelModule, func() error { return k.callback.OnExecutionFinish(k, msg) }); err != nil {
		return nil, systemError(err)
	}
	if err := k.pop(msg); err != nil {
		return nil, err
	}
	return output, nil
}

// pop closes the child's locks, passes msg to the parent, auto-drops what
// the child still owns and fails on orphans.
func (k *Kernel) pop(msg *CallFrameMessage) error {
	child := k.current()
	parent := k.frames[len(k.frames)-2]
	if err := child.DropAllLocks(k.io); err != nil {
		return kernelError("pop", err)
	}
	if err := passMessage(k.io, child, parent, msg); err != nil {
		return kernelError("pop", err)
	}
	if err := k.moved(msg.MoveNodes, child.depth, parent.depth); err != nil {
		return err
	}
	if err := k.autoDrop(child); err != nil {
		return err
	}
	k.frames = k.frames[:len(k.frames)-1]
	k.log.Debug("Popped call frame", "depth", child.depth, "actor", child.actor)
	return nil
}

func (k *Kernel) moved(ids []types.NodeId, from, to int) error {
	hooks := k.hooks()
	for _, id := range ids {
		if err := k.callback.OnMoveNode(k, &MoveNodeEvent{Node: id, FromDepth: from, ToDepth: to}); err != nil {
			return systemError(err)
		}
		if hooks.OnNodeMove != nil {
			hooks.OnNodeMove(id, from, to)
		}
	}
	return nil
}

// autoDrop hands the nodes frame still owns to the callback; whatever is
// left afterwards is orphaned.
func (k *Kernel) autoDrop(frame *CallFrame) error {
	if owned := frame.OwnedNodes(); len(owned) > 0 {
		if err := k.ExecuteInMode(ModeAutoDrop, func() error { return k.callback.AutoDrop(k, owned) }); err != nil {
			return systemError(err)
		}
	}
	if orphans := frame.OwnedNodes(); len(orphans) > 0 {
		k.log.Debug("Orphaned nodes", "depth", frame.depth, "count", len(orphans))
		return kernelError("pop", &OrphanedNodesError{Nodes: orphans})
	}
	return nil
}

func (k *Kernel) CurrentDepth() int   { return k.current().depth }
func (k *Kernel) CurrentActor() Actor { return k.current().actor }
func (k *Kernel) Mode() ExecutionMode { return k.mode }

func (k *Kernel) NodeVisibility(id types.NodeId) (Visibility, bool) {
	return k.current().NodeVisibility(id)
}

func (k *Kernel) VisibleNodes() []types.NodeId { return k.current().VisibleNodes() }

func (k *Kernel) LockInfo(handle types.LockHandle) (types.SubstateRef, types.LockFlags, error) {
	return k.current().LockInfo(handle)
}

// HeapSize returns the encoded size of all heap substates.
func (k *Kernel) HeapSize() int { return k.io.heap.Size() }

type frameSnapshot struct {
	Depth int
	Actor string
	Owned []string
	Refs  map[string]string
	Locks map[types.LockHandle]string
}

// Snapshot renders the frame stack for diagnostics.
func (k *Kernel) Snapshot() string {
	frames := make([]frameSnapshot, len(k.frames))
	for i, f := range k.frames {
		s := frameSnapshot{
			Depth: f.depth,
			Actor: f.actor.String(),
			Refs:  make(map[string]string),
			Locks: make(map[types.LockHandle]string),
		}
		for _, id := range f.OwnedNodes() {
			s.Owned = append(s.Owned, id.String())
		}
		for _, id := range f.VisibleNodes() {
			if vis, _ := f.NodeVisibility(id); vis != VisibilityOwned {
				s.Refs[id.String()] = vis.String()
			}
		}
		for h, lock := range f.locks {
			s.Locks[h] = fmt.Sprintf("%v %v", lock.ref, lock.flags)
		}
		frames[i] = s
	}
	cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true, SortKeys: true}
	return fmt.Sprintf("mode: %v\n%s", k.mode, cfg.Sdump(frames))
}
