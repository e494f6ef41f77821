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

// Package tracing defines hooks for observing kernel execution. A tracer
// fills in the hooks it cares about; nil hooks are skipped by the kernel.
//
// tracing 包定义观察内核执行的钩子。追踪器只需填写关心的钩子，内核跳过为 nil 的钩子。
package tracing

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/substatevm/substatevm/core/types"
)

type (
	/*
		- Transaction events -
		- 交易事件 -
	*/

	// TxStartHook is called before the kernel starts executing a transaction.
	TxStartHook = func(hash common.Hash)

	// TxEndHook is called after the transaction has been executed, with the
	// error that aborted it, if any.
	TxEndHook = func(err error)

	/*
		- Frame events -
		- 调用帧事件 -
	*/

	// EnterHook is invoked when a new call frame is pushed. depth is the
	// depth of the new frame.
	// EnterHook 在压入新的调用帧时调用。
	EnterHook = func(depth int, actor string, fn string, input []byte)

	// ExitHook is invoked when a call frame pops.
	ExitHook = func(depth int, output []byte, err error)

	/*
		- Node events -
		- 节点事件 -
	*/

	NodeCreateHook = func(depth int, id types.NodeId, global bool)

	NodeDropHook = func(depth int, id types.NodeId)

	// NodeMoveHook reports an ownership transfer between the frames at the
	// two depths.
	NodeMoveHook = func(id types.NodeId, fromDepth, toDepth int)

	/*
		- Substate events -
		- 子状态事件 -
	*/

	SubstateOpenHook = func(depth int, handle types.LockHandle, ref types.SubstateRef, flags types.LockFlags)

	SubstateCloseHook = func(depth int, handle types.LockHandle)

	SubstateWriteHook = func(depth int, handle types.LockHandle, ref types.SubstateRef, size int)

	/*
		- Costing events -
		- 计费事件 -
	*/

	// CostChangeHook is invoked when cost units are consumed.
	CostChangeHook = func(old, new uint64, reason CostChangeReason)
)

// Hooks is the table of tracing callbacks.
// Hooks 是追踪回调表。
type Hooks struct {
	// Transaction events
	OnTxStart TxStartHook
	OnTxEnd   TxEndHook
	// Frame events
	OnEnter EnterHook
	OnExit  ExitHook
	// Node events
	OnNodeCreate NodeCreateHook
	OnNodeDrop   NodeDropHook
	OnNodeMove   NodeMoveHook
	// Substate events
	OnSubstateOpen  SubstateOpenHook
	OnSubstateClose SubstateCloseHook
	OnSubstateWrite SubstateWriteHook
	// Costing events
	OnCostChange CostChangeHook
}

// CostChangeReason is used to indicate the reason for a cost unit change,
// useful for tracing and reporting.
// CostChangeReason 表示计费单元变化的原因。
type CostChangeReason byte

const (
	CostChangeUnspecified CostChangeReason = iota

	// CostChangeInvoke is charged for every invocation.
	CostChangeInvoke
	// CostChangeCreateNode is charged per created node and byte.
	CostChangeCreateNode
	// CostChangeDropNode is charged per dropped node.
	CostChangeDropNode
	// CostChangeOpenSubstate is charged per lock.
	CostChangeOpenSubstate
	// CostChangeReadSubstate is charged per read byte.
	CostChangeReadSubstate
	// CostChangeWriteSubstate is charged per written byte.
	CostChangeWriteSubstate
	// CostChangeStoreAccess is charged for store reads and track growth.
	CostChangeStoreAccess
	// CostChangeScan is charged for scans and drains.
	CostChangeScan
	// CostChangeCommit is charged for the final state changes.
	CostChangeCommit
)

func (r CostChangeReason) String() string {
	switch r {
	case CostChangeInvoke:
		return "invoke"
	case CostChangeCreateNode:
		return "create_node"
	case CostChangeDropNode:
		return "drop_node"
	case CostChangeOpenSubstate:
		return "open_substate"
	case CostChangeReadSubstate:
		return "read_substate"
	case CostChangeWriteSubstate:
		return "write_substate"
	case CostChangeStoreAccess:
		return "store_access"
	case CostChangeScan:
		return "scan"
	case CostChangeCommit:
		return "commit"
	}
	return "unspecified"
}
