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

// KernelNodeApi manages the node lifecycle.
type KernelNodeApi interface {
	// AllocateNodeId returns a fresh id of the given entity type.
	AllocateNodeId(t types.EntityType) (types.NodeId, error)

	// CreateNode creates an internal node on the heap, owned by the
	// current frame.
	CreateNode(id types.NodeId, substates types.NodeSubstates) error

	// CreateNodeGlobal creates a global node directly in the track.
	CreateNodeGlobal(id types.NodeId, substates types.NodeSubstates) error

	// DropNode removes an owned heap node and returns its substates.
	DropNode(id types.NodeId) (types.NodeSubstates, error)

	// PinNode makes a node non-droppable and non-movable for the rest of
	// the transaction.
	PinNode(id types.NodeId) error
}

// KernelSubstateApi opens, reads and writes substates of visible nodes.
type KernelSubstateApi interface {
	OpenSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, flags types.LockFlags) (types.LockHandle, error)
	OpenSubstateWithDefault(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, flags types.LockFlags, def func() *types.IndexedValue) (types.LockHandle, error)
	CloseSubstate(handle types.LockHandle) error
	ReadSubstate(handle types.LockHandle) (*types.IndexedValue, error)
	WriteSubstate(handle types.LockHandle, value *types.IndexedValue) error

	SetSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey, value *types.IndexedValue) error
	RemoveSubstate(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) (*types.IndexedValue, error)
	ScanKeys(id types.NodeId, partition types.PartitionNumber, kind types.SubstateKeyKind, limit int) ([]types.SubstateKey, error)
	DrainSubstates(id types.NodeId, partition types.PartitionNumber, kind types.SubstateKeyKind, limit int) ([]state.SubstateEntry, error)
	DeletePartition(id types.NodeId, partition types.PartitionNumber, kind types.SubstateKeyKind) error
	ScanSortedSubstates(id types.NodeId, partition types.PartitionNumber, limit int) ([]state.SubstateEntry, error)
	MarkSubstateAsTransient(id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) error
}

// KernelInvokeApi is the cross-object call entry point.
type KernelInvokeApi interface {
	Invoke(inv *Invocation) (*types.IndexedValue, error)
}

// KernelInternalApi exposes kernel state for the system layer and for
// diagnostics.
type KernelInternalApi interface {
	CurrentDepth() int
	CurrentActor() Actor
	NodeVisibility(id types.NodeId) (Visibility, bool)
	VisibleNodes() []types.NodeId
	LockInfo(handle types.LockHandle) (types.SubstateRef, types.LockFlags, error)
	Mode() ExecutionMode
	ExecuteInMode(mode ExecutionMode, fn func() error) error
	HeapSize() int
	Snapshot() string
}

// KernelApi is the full kernel surface handed to the callback.
type KernelApi interface {
	KernelNodeApi
	KernelSubstateApi
	KernelInvokeApi
	KernelInternalApi
}

// Invocation is a call into blueprint code.
type Invocation struct {
	Actor Actor
	Args  *types.IndexedValue
}
