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
	"errors"
	"fmt"
	"strings"

	"github.com/substatevm/substatevm/core/types"
)

// List of call frame errors.
// 列出调用帧错误。
var (
	ErrNodeNotVisible           = errors.New("node not visible")
	ErrNodeExists               = errors.New("node already exists")
	ErrNodeLocked               = errors.New("node locked")
	ErrNodePinned               = errors.New("node pinned")
	ErrNodeReferenced           = errors.New("node referenced by another heap substate")
	ErrOwnedNodeNotFound        = errors.New("owned node not found")
	ErrDuplicateOwnership       = errors.New("node owned twice")
	ErrStoredNodeRemoved        = errors.New("stored node removed from owner")
	ErrCannotPassOwnedNodeAsRef = errors.New("cannot pass owned node as reference")
	ErrNonGlobalRefNotAllowed   = errors.New("non-global reference not allowed")
	ErrNoWritePermission        = errors.New("no write permission")
	ErrUnmodifiedBaseOnHeapNode = errors.New("unmodified base lock on heap node")
	ErrLockNotFound             = errors.New("lock not found")
)

// List of kernel errors.
// 列出内核错误。
var (
	ErrInvalidCreateNodeAccess = errors.New("invalid create node access")
	ErrInvalidDropNodeAccess   = errors.New("invalid drop node access")
	ErrInvalidSubstateAccess   = errors.New("invalid substate access")
	ErrInvalidModeTransition   = errors.New("invalid execution mode transition")
	ErrInvalidReference        = errors.New("invalid reference")
	ErrCallDepthExceeded       = errors.New("max call depth exceeded")
	ErrIdAllocatorExhausted    = errors.New("id allocator exhausted")
	ErrOrphanedNodes           = errors.New("orphaned nodes")
	ErrKernelFinished          = errors.New("kernel already ran")
)

// CallFrameError is returned by call frame operations. It names the frame
// depth and the node the operation failed on.
// CallFrameError 由调用帧操作返回，包含帧深度和失败的节点。
type CallFrameError struct {
	Op    string
	Depth int
	Node  types.NodeId
	Err   error
}

func (e *CallFrameError) Error() string {
	return fmt.Sprintf("call frame %d: %s %s: %v", e.Depth, e.Op, e.Node.TerminalString(), e.Err)
}

func (e *CallFrameError) Unwrap() error { return e.Err }

// KernelError is returned by kernel operations.
type KernelError struct {
	Op  string
	Err error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("kernel %s: %v", e.Op, e.Err)
}

func (e *KernelError) Unwrap() error { return e.Err }

// OrphanedNodesError lists the nodes a popping frame failed to move out or
// drop.
// OrphanedNodesError 列出弹出的帧未能移出或丢弃的节点。
type OrphanedNodesError struct {
	Nodes []types.NodeId
}

func (e *OrphanedNodesError) Error() string {
	ids := make([]string, len(e.Nodes))
	for i, id := range e.Nodes {
		ids[i] = id.TerminalString()
	}
	return fmt.Sprintf("%d orphaned nodes: [%s]", len(e.Nodes), strings.Join(ids, " "))
}

func (e *OrphanedNodesError) Unwrap() error { return ErrOrphanedNodes }

// ErrorOrigin tells which layer produced a runtime error.
type ErrorOrigin uint8

const (
	OriginKernel ErrorOrigin = iota
	OriginSystem
	OriginApplication
)

func (o ErrorOrigin) String() string {
	switch o {
	case OriginKernel:
		return "kernel"
	case OriginSystem:
		return "system"
	case OriginApplication:
		return "application"
	}
	return fmt.Sprintf("ErrorOrigin(%d)", uint8(o))
}

// RuntimeError is the error type every kernel API returns. Errors are
// wrapped once, at the layer that produced them; a RuntimeError crossing
// frames is passed on untouched.
// RuntimeError 是所有内核 API 返回的错误类型。
type RuntimeError struct {
	Origin ErrorOrigin
	Err    error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%v error: %v", e.Origin, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// WrapError wraps err as a runtime error of the given origin, unless a
// runtime error is already in its chain, in which case that one is
// returned.
func WrapError(origin ErrorOrigin, err error) error {
	if err == nil {
		return nil
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		return re
	}
	return &RuntimeError{Origin: origin, Err: err}
}

func frameError(op string, depth int, id types.NodeId, err error) error {
	return &CallFrameError{Op: op, Depth: depth, Node: id, Err: err}
}

func kernelError(op string, err error) error {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re
	}
	return &RuntimeError{Origin: OriginKernel, Err: &KernelError{Op: op, Err: err}}
}
