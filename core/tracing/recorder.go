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

package tracing

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/substatevm/substatevm/core/types"
)

// Event is one recorded tracing event.
type Event struct {
	Kind   string `json:"kind" toml:"kind"`
	Depth  int    `json:"depth" toml:"depth"`
	Target string `json:"target,omitempty" toml:"target,omitempty"`
	Detail string `json:"detail,omitempty" toml:"detail,omitempty"`
}

func (e Event) String() string {
	s := fmt.Sprintf("%*s%s", 2*e.Depth, "", e.Kind)
	if e.Target != "" {
		s += " " + e.Target
	}
	if e.Detail != "" {
		s += " " + e.Detail
	}
	return s
}

// Recorder collects events in order. It is not safe for concurrent use;
// every transaction gets its own.
// Recorder 按顺序收集事件，每个交易使用独立的 Recorder。
type Recorder struct {
	events []Event
	limit  int
}

// NewRecorder creates a recorder keeping at most limit events, 0 for no
// limit.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) add(e Event) {
	if r.limit > 0 && len(r.events) >= r.limit {
		return
	}
	r.events = append(r.events, e)
}

// Events returns the recorded events.
func (r *Recorder) Events() []Event { return r.events }

// Hooks returns the hook table feeding the recorder.
func (r *Recorder) Hooks() *Hooks {
	return &Hooks{
		OnTxStart: func(hash common.Hash) {
			r.add(Event{Kind: "tx_start", Target: hash.Hex()})
		},
		OnTxEnd: func(err error) {
			e := Event{Kind: "tx_end"}
			if err != nil {
				e.Detail = err.Error()
			}
			r.add(e)
		},
		OnEnter: func(depth int, actor string, fn string, input []byte) {
			r.add(Event{Kind: "enter", Depth: depth, Target: actor, Detail: fmt.Sprintf("%s(%d bytes)", fn, len(input))})
		},
		OnExit: func(depth int, output []byte, err error) {
			e := Event{Kind: "exit", Depth: depth, Detail: fmt.Sprintf("%d bytes", len(output))}
			if err != nil {
				e.Detail = err.Error()
			}
			r.add(e)
		},
		OnNodeCreate: func(depth int, id types.NodeId, global bool) {
			kind := "create_node"
			if global {
				kind = "create_global_node"
			}
			r.add(Event{Kind: kind, Depth: depth, Target: id.String()})
		},
		OnNodeDrop: func(depth int, id types.NodeId) {
			r.add(Event{Kind: "drop_node", Depth: depth, Target: id.String()})
		},
		OnNodeMove: func(id types.NodeId, fromDepth, toDepth int) {
			r.add(Event{Kind: "move_node", Depth: fromDepth, Target: id.String(), Detail: fmt.Sprintf("to %d", toDepth)})
		},
		OnSubstateOpen: func(depth int, handle types.LockHandle, ref types.SubstateRef, flags types.LockFlags) {
			r.add(Event{Kind: "open_substate", Depth: depth, Target: ref.String(), Detail: fmt.Sprintf("#%d %v", handle, flags)})
		},
		OnSubstateClose: func(depth int, handle types.LockHandle) {
			r.add(Event{Kind: "close_substate", Depth: depth, Detail: fmt.Sprintf("#%d", handle)})
		},
		OnSubstateWrite: func(depth int, handle types.LockHandle, ref types.SubstateRef, size int) {
			r.add(Event{Kind: "write_substate", Depth: depth, Target: ref.String(), Detail: fmt.Sprintf("#%d %d bytes", handle, size)})
		},
		OnCostChange: func(old, new uint64, reason CostChangeReason) {
			r.add(Event{Kind: "cost", Detail: fmt.Sprintf("%s %d -> %d", reason, old, new)})
		},
	}
}
