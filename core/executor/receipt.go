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

package executor

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/substatevm/substatevm/core/state"
	"github.com/substatevm/substatevm/core/system"
	"github.com/substatevm/substatevm/core/tracing"
	"github.com/substatevm/substatevm/core/types"
)

// Status is the outcome of a transaction.
type Status uint8

const (
	// StatusSuccess means every state change was committed.
	StatusSuccess Status = iota
	// StatusFailed means execution failed after the fee loan was repaid.
	// Only force writes, such as fee payments, were committed.
	StatusFailed
	// StatusRejected means nothing was committed.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusRejected:
		return "rejected"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Receipt represents the results of a transaction.
// Receipt 表示交易的执行结果。
type Receipt struct {
	TxHash common.Hash `json:"txHash"`
	Status Status      `json:"status"`

	// Output is the value returned by the transaction processor, Outputs
	// its decoded per call payloads. Both are empty unless the
	// transaction succeeded.
	Output  *types.IndexedValue `json:"-"`
	Outputs [][]byte            `json:"outputs,omitempty"`
	Err     error               `json:"-"`

	Fees     *system.FeeSummary    `json:"fees"`
	NewNodes []types.NodeId        `json:"newNodes,omitempty"`
	Deltas   []state.SubstateDelta `json:"-"`
	Commits  []state.StoreCommit   `json:"-"`
	// StateHash commits to the deltas, zero when nothing was committed.
	StateHash common.Hash     `json:"stateHash"`
	Events    []tracing.Event `json:"events,omitempty"`
}

// Succeeded reports whether the transaction committed all its changes.
func (r *Receipt) Succeeded() bool { return r.Status == StatusSuccess }

func (r *Receipt) String() string {
	s := fmt.Sprintf("tx %s: %v, %d deltas", r.TxHash.TerminalString(), r.Status, len(r.Deltas))
	if r.Fees != nil {
		s += fmt.Sprintf(", %d cost units", r.Fees.ExecutionCostUnits+r.Fees.FinalizationCostUnits)
	}
	if r.Err != nil {
		s += fmt.Sprintf(": %v", r.Err)
	}
	return s
}
