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
	"strings"
)

// ExecutionMode gates which node and substate operations the caller of a
// kernel API may perform.
// ExecutionMode 限定内核 API 调用者可以执行的节点和子状态操作。
type ExecutionMode uint8

const (
	ModeKernel       ExecutionMode = iota // inside the kernel itself
	ModeKernelModule                      // invocation and lifecycle hooks
	ModeClient                            // blueprint code run by InvokeUpstream
	ModeSystem                            // system layer acting on behalf of a blueprint
	ModeGlobalize                         // creating global nodes
	ModeResolver                          // resolving references and lock faults
	ModeAutoDrop                          // dropping leftovers of a popping frame
	ModeDropNode                          // drop hooks inspecting the dropped node

	numModes
)

var modeNames = [numModes]string{
	ModeKernel:       "Kernel",
	ModeKernelModule: "KernelModule",
	ModeClient:       "Client",
	ModeSystem:       "System",
	ModeGlobalize:    "Globalize",
	ModeResolver:     "Resolver",
	ModeAutoDrop:     "AutoDrop",
	ModeDropNode:     "DropNode",
}

func (m ExecutionMode) String() string {
	if m < numModes {
		return modeNames[m]
	}
	return fmt.Sprintf("ExecutionMode(%d)", uint8(m))
}

// Operation is a kernel operation subject to the visibility matrix.
type Operation uint8

const (
	OpCreateNode Operation = iota
	OpDropNode
	OpReadSubstate  // read locks and scans
	OpWriteSubstate // mutable locks, set, remove and drain

	numOperations
)

func (o Operation) String() string {
	switch o {
	case OpCreateNode:
		return "create_node"
	case OpDropNode:
		return "drop_node"
	case OpReadSubstate:
		return "read_substate"
	case OpWriteSubstate:
		return "write_substate"
	}
	return fmt.Sprintf("Operation(%d)", uint8(o))
}

// Access is a set of subjects an operation may act on, named after how
// the node is reachable from the current frame.
type Access uint8

const (
	AccessOwned    Access = 1 << iota // owned by the frame, or a new internal node
	AccessGlobal                      // a new global node
	AccessNormal                      // referenced, or reachable through an open lock
	AccessDirect                      // direct access reference
	AccessBorrowed                    // internal node lent by the caller

	AccessNone Access = 0
	AccessAll         = AccessOwned | AccessGlobal | AccessNormal | AccessDirect | AccessBorrowed
	accessRefs        = AccessOwned | AccessNormal | AccessDirect | AccessBorrowed
)

func (a Access) Allows(subject Access) bool { return subject != 0 && a&subject == subject }

func (a Access) String() string {
	if a == AccessNone {
		return "none"
	}
	var parts []string
	for i, name := range accessNames {
		if a&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

var accessNames = []string{"owned", "global", "normal", "direct", "borrowed"}

// visibilityMatrix lists, per mode and operation, the subjects allowed.
// Global nodes are never droppable, so no mode grants AccessGlobal for
// OpDropNode.
var visibilityMatrix = [numModes][numOperations]Access{
	ModeKernel: {
		OpCreateNode:    AccessOwned | AccessGlobal,
		OpDropNode:      AccessOwned,
		OpReadSubstate:  accessRefs,
		OpWriteSubstate: accessRefs,
	},
	ModeKernelModule: {
		OpCreateNode:    AccessOwned,
		OpDropNode:      AccessOwned,
		OpReadSubstate:  accessRefs,
		OpWriteSubstate: accessRefs,
	},
	ModeClient: {
		OpCreateNode:    AccessOwned,
		OpDropNode:      AccessOwned,
		OpReadSubstate:  accessRefs,
		OpWriteSubstate: AccessOwned | AccessNormal | AccessBorrowed,
	},
	ModeSystem: {
		OpCreateNode:    AccessOwned,
		OpDropNode:      AccessOwned,
		OpReadSubstate:  accessRefs,
		OpWriteSubstate: accessRefs,
	},
	ModeGlobalize: {
		OpCreateNode:    AccessOwned | AccessGlobal,
		OpDropNode:      AccessNone,
		OpReadSubstate:  AccessOwned | AccessNormal | AccessBorrowed,
		OpWriteSubstate: AccessOwned | AccessNormal,
	},
	ModeResolver: {
		OpCreateNode:    AccessNone,
		OpDropNode:      AccessNone,
		OpReadSubstate:  accessRefs,
		OpWriteSubstate: AccessNone,
	},
	ModeAutoDrop: {
		OpCreateNode:    AccessNone,
		OpDropNode:      AccessOwned,
		OpReadSubstate:  AccessOwned,
		OpWriteSubstate: AccessOwned,
	},
	ModeDropNode: {
		OpCreateNode:    AccessNone,
		OpDropNode:      AccessNone,
		OpReadSubstate:  AccessOwned,
		OpWriteSubstate: AccessOwned,
	},
}

// Allowed reports whether mode may perform op on subject.
func Allowed(mode ExecutionMode, op Operation, subject Access) bool {
	if mode >= numModes || op >= numOperations {
		return false
	}
	return visibilityMatrix[mode][op].Allows(subject)
}

// modeTransitions lists the modes reachable through ExecuteInMode. The
// kernel mode may enter any mode; every mode may re-enter itself.
var modeTransitions = [numModes][]ExecutionMode{
	ModeKernel:       {ModeKernelModule, ModeClient, ModeSystem, ModeGlobalize, ModeResolver, ModeAutoDrop, ModeDropNode},
	ModeKernelModule: {ModeResolver},
	ModeClient:       {ModeSystem, ModeGlobalize, ModeResolver},
	ModeSystem:       {ModeGlobalize, ModeResolver},
	ModeGlobalize:    nil,
	ModeResolver:     {ModeSystem, ModeGlobalize},
	ModeAutoDrop:     nil,
	ModeDropNode:     nil,
}

// ValidTransition reports whether ExecuteInMode may switch from cur to next.
func ValidTransition(cur, next ExecutionMode) bool {
	if cur >= numModes || next >= numModes {
		return false
	}
	if cur == next {
		return true
	}
	for _, m := range modeTransitions[cur] {
		if m == next {
			return true
		}
	}
	return false
}
