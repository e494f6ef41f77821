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

package system

import "github.com/holiman/uint256"

// 成本单位：执行中的每个内核操作按成本单位计费，类似 EVM 中的 gas。
// 基准：1 微秒的计算约等于 100 个成本单位，原生代码按 CPU 指令数折算（每 34 条指令 1 个单位）。

// CostingParams prices every kernel operation in cost units.
// CostingParams 以成本单位为每个内核操作定价。
type CostingParams struct {
	TxBase         uint32 // Charged once per transaction in OnInit.
	Invoke         uint32 // Per invocation, plus PerByte on the argument size.
	AllocateNodeId uint32
	CreateNode     uint32 // Plus PerByte on the total substate size.
	DropNode       uint32 // Plus PerByte on the total substate size.
	PinNode        uint32
	MoveNode       uint32
	OpenSubstate   uint32 // Plus PerByte on the locked value size.
	ReadSubstate   uint32 // Plus PerByte on the value size.
	WriteSubstate  uint32 // Plus PerByte on the value size.
	CloseSubstate  uint32
	SetSubstate    uint32 // Plus PerByte on the value size.
	RemoveSubstate uint32
	MarkTransient  uint32
	ScanKeys       uint32
	DrainBase      uint32 // DrainBase + DrainPerEntry * entries.
	DrainPerEntry  uint32
	ScanSorted     uint32
	NativeCode     uint32 // Per native function run.

	PerByte uint32 // Data processing cost per byte.

	StoreRead         uint32 // Base cost of a store read; plus size / 10.
	StoreReadNotFound uint32 // A store read that found nothing.
	CommitPerByte     uint32 // Finalization cost per committed byte.

	CostUnitPrice *uint256.Int // Price of one cost unit in the fee resource.
	LoanUnits     uint32       // Cost units executed on credit before fees must be locked.
}

// DefaultCostingParams are the parameters used when none are configured.
var DefaultCostingParams = CostingParams{
	TxBase:         4_000,
	Invoke:         100,
	AllocateNodeId: 97,      // 3312 instructions
	CreateNode:     456,     // 15510 instructions
	DropNode:       1_143,   // 38883 instructions
	PinNode:        12,      // 424 instructions
	MoveNode:       140,     // 4791 instructions
	OpenSubstate:   303,     // 10318 instructions
	ReadSubstate:   113,     // 3868 instructions
	WriteSubstate:  218,     // 7441 instructions
	CloseSubstate:  129,     // 4390 instructions
	SetSubstate:    133,     // 4530 instructions
	RemoveSubstate: 717,     // 24389 instructions
	MarkTransient:  55,      // 1896 instructions
	ScanKeys:       498,     // 16938 instructions
	DrainBase:      272,     // 9262 instructions
	DrainPerEntry:  273,     // 9286 instructions
	ScanSorted:     187,     // 6369 instructions
	NativeCode:     1_000,

	PerByte: 2,

	StoreRead:         40_000,
	StoreReadNotFound: 160_000,
	CommitPerByte:     1,

	CostUnitPrice: new(uint256.Int), // free execution; a price enables the fee loan
	LoanUnits:     4_000_000,
}

// Limits bound the resources a single transaction may use.
// Limits 限制单个交易可使用的资源。
type Limits struct {
	MaxCallDepth    int // Maximum invocation depth.
	MaxSubstateSize int // Maximum encoded size of a single substate value.
	MaxHeapSize     int // Maximum encoded size of all heap substates.
	MaxEvents       int // Maximum number of recorded trace events, 0 for unlimited.
}

var DefaultLimits = Limits{
	MaxCallDepth:    8,
	MaxSubstateSize: 2 * 1024 * 1024,
	MaxHeapSize:     64 * 1024 * 1024,
	MaxEvents:       4096,
}

// DefaultCostUnitLimit is the execution limit of transactions that do not
// set one.
const DefaultCostUnitLimit uint64 = 100_000_000
