// Copyright 2014 The go-ethereum Authors
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

package types

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

var (
	ErrEmptyTransaction    = errors.New("transaction has no calls")
	ErrInvalidCallTarget   = errors.New("call without blueprint or function")
	ErrInvalidCallReceiver = errors.New("call receiver is not a node id")
	ErrNonGlobalReference  = errors.New("transaction references a non-global node")
)

// Call is one step of a transaction. Receiver is empty for function
// calls. With Worktop set, every node returned by earlier calls and not
// yet consumed is moved into the call.
// Call 是交易的一个步骤。Receiver 为空时表示函数调用。
type Call struct {
	Blueprint string
	Function  string
	Receiver  []byte
	Args      []byte
	Refs      []NodeId
	Worktop   bool
}

// Transaction is a list of calls run in order by the transaction
// processor, with the global nodes they may reference.
// Transaction 是由交易处理器按顺序执行的调用列表，以及它们可以引用的全局节点。
type Transaction struct {
	Calls         []Call
	References    []NodeId
	CostUnitLimit uint64 // 0 selects the default limit
	Nonce         uint64 // distinguishes otherwise identical transactions

	// caches
	hash atomic.Pointer[common.Hash]
}

// NewTransaction creates a transaction.
func NewTransaction(calls []Call, refs []NodeId, costUnitLimit, nonce uint64) *Transaction {
	return &Transaction{
		Calls:         calls,
		References:    refs,
		CostUnitLimit: costUnitLimit,
		Nonce:         nonce,
	}
}

// Hash returns the keccak256 hash of the transaction's RLP encoding.
// Hash 返回交易 RLP 编码的 keccak256 哈希值。
func (tx *Transaction) Hash() common.Hash {
	if hash := tx.hash.Load(); hash != nil {
		return *hash
	}
	h := RlpHash(tx)
	tx.hash.Store(&h)
	return h
}

// Validate checks the static shape of the transaction.
func (tx *Transaction) Validate() error {
	if len(tx.Calls) == 0 {
		return ErrEmptyTransaction
	}
	for i, call := range tx.Calls {
		if call.Blueprint == "" || call.Function == "" {
			return fmt.Errorf("call %d: %w", i, ErrInvalidCallTarget)
		}
		if len(call.Receiver) > 0 {
			if _, err := BytesToNodeId(call.Receiver); err != nil {
				return fmt.Errorf("call %d: %w: %v", i, ErrInvalidCallReceiver, err)
			}
		}
	}
	for _, id := range tx.References {
		if !id.IsGlobal() {
			return fmt.Errorf("%w: %v", ErrNonGlobalReference, id)
		}
	}
	return nil
}

// MarshalBinary returns the canonical encoding of the transaction.
func (tx *Transaction) MarshalBinary() ([]byte, error) {
	return rlp.EncodeToBytes(tx)
}

// UnmarshalBinary decodes the canonical encoding of a transaction.
func (tx *Transaction) UnmarshalBinary(b []byte) error {
	var dec Transaction
	if err := rlp.DecodeBytes(b, &dec); err != nil {
		return err
	}
	tx.Calls, tx.References = dec.Calls, dec.References
	tx.CostUnitLimit, tx.Nonce = dec.CostUnitLimit, dec.Nonce
	tx.hash.Store(nil)
	return nil
}
