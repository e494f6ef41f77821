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
	"github.com/substatevm/substatevm/core/state"
	"github.com/substatevm/substatevm/core/types"
)

// Stage tells whether a hook runs before or after the operation.
type Stage uint8

const (
	StageStart Stage = iota
	StageEnd
)

func (s Stage) String() string {
	if s == StageStart {
		return "start"
	}
	return "end"
}

type CreateNodeEvent struct {
	Stage     Stage
	Node      types.NodeId
	Substates types.NodeSubstates
	Global    bool
}

// DropNodeEvent carries the dropped substates at StageEnd.
type DropNodeEvent struct {
	Stage     Stage
	Node      types.NodeId
	Substates types.NodeSubstates
}

type MoveNodeEvent struct {
	Node      types.NodeId
	FromDepth int
	ToDepth   int
}

// SubstateEvent describes a substate operation. Size is the encoded size
// of the value read or written, zero when there is none.
type SubstateEvent struct {
	Handle types.LockHandle
	Ref    types.SubstateRef
	Flags  types.LockFlags
	Value  *types.IndexedValue
	Size   int
}

// ScanEvent describes a scan or drain. Count is the number of entries
// returned.
type ScanEvent struct {
	Node      types.NodeId
	Partition types.PartitionNumber
	Limit     int
	Count     int
}

// Callback is implemented by the system layer to observe, meter and veto
// kernel operations and to execute blueprint code. Every hook is called
// explicitly; an error returned by any hook aborts the transaction.
// Callback 由系统层实现，用于观察、计量和否决内核操作并执行蓝图代码。
type Callback interface {
	// Lifecycle, called once each around the transaction.
	OnInit(api KernelApi) error
	OnTeardown(api KernelApi) error

	// Nodes
	OnAllocateNodeId(api KernelInternalApi, t types.EntityType) error
	OnCreateNode(api KernelInternalApi, ev *CreateNodeEvent) error
	OnDropNode(api KernelInternalApi, ev *DropNodeEvent) error
	OnMoveNode(api KernelInternalApi, ev *MoveNodeEvent) error
	OnPinNode(api KernelInternalApi, id types.NodeId) error

	// Substates
	OnOpenSubstate(api KernelInternalApi, ev *SubstateEvent) error
	OnCloseSubstate(api KernelInternalApi, ev *SubstateEvent) error
	OnReadSubstate(api KernelInternalApi, ev *SubstateEvent) error
	OnWriteSubstate(api KernelInternalApi, ev *SubstateEvent) error
	OnSetSubstate(api KernelInternalApi, ev *SubstateEvent) error
	OnRemoveSubstate(api KernelInternalApi, ev *SubstateEvent) error
	OnScanKeys(api KernelInternalApi, ev *ScanEvent) error
	OnDrainSubstates(api KernelInternalApi, ev *ScanEvent) error
	OnDeletePartition(api KernelInternalApi, ev *ScanEvent) error
	OnScanSortedSubstates(api KernelInternalApi, ev *ScanEvent) error
	OnMarkSubstateAsTransient(api KernelInternalApi, ref types.SubstateRef) error

	// OnStoreAccess is told about every heap and track size change and
	// every store read.
	OnStoreAccess(api KernelInternalApi, access state.IOAccess) error

	// Invocation
	BeforeInvoke(api KernelApi, inv *Invocation) error
	AfterInvoke(api KernelApi, output *types.IndexedValue) error
	OnExecutionStart(api KernelApi) error
	OnExecutionFinish(api KernelApi, msg *CallFrameMessage) error

	// InvokeUpstream runs the blueprint code of the current frame.
	InvokeUpstream(api KernelApi, inv *Invocation) (*types.IndexedValue, error)

	// AutoDrop is given the nodes a popping frame still owns. Nodes it
	// does not drop are orphans.
	AutoDrop(api KernelApi, nodes []types.NodeId) error

	// OnSubstateLockFault may materialize a missing substate. Returning
	// true makes the kernel retry the lock once.
	OnSubstateLockFault(api KernelApi, id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) (bool, error)
}
