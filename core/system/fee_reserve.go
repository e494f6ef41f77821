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

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"
	"github.com/substatevm/substatevm/core/tracing"
	"github.com/substatevm/substatevm/core/types"
)

// FeeReserve meters cost units against the fees locked by a transaction.
// Execution starts on a loan of LoanUnits cost units; once the loan is
// used up the transaction must have locked enough fees to repay it.
// FeeReserve 按交易锁定的费用计量成本单位。执行以 LoanUnits 的贷款开始，
// 贷款用完后交易必须已锁定足够的费用来偿还。
type FeeReserve interface {
	ConsumeExecution(units uint32, reason tracing.CostChangeReason) error
	ConsumeFinalization(units uint32) error
	LockFee(vault types.NodeId, amount *uint256.Int, contingent bool)
	RepayAll() error
	FullyRepaid() bool
	Summary() *FeeSummary
}

// LockedFee is a payment made from a vault during execution.
type LockedFee struct {
	Vault      types.NodeId
	Amount     *uint256.Int
	Contingent bool // Only paid if the transaction succeeds.
}

// FeeSummary is the outcome of fee metering for a receipt.
type FeeSummary struct {
	CostUnitLimit         uint64       `json:"costUnitLimit"`
	ExecutionCostUnits    uint64       `json:"executionCostUnits"`
	FinalizationCostUnits uint64       `json:"finalizationCostUnits"`
	TotalCost             *uint256.Int `json:"totalCost"`
	Locked                *uint256.Int `json:"locked"`
	Repaid                bool         `json:"repaid"`
	LockedFees            []LockedFee  `json:"-"`
}

// CostingReserve is the FeeReserve used by the system layer.
type CostingReserve struct {
	limit uint64
	price *uint256.Int
	loan  uint32

	execution    uint64
	finalization uint64

	balance *uint256.Int
	owed    *uint256.Int
	locked  []LockedFee

	onChange tracing.CostChangeHook
}

// NewCostingReserve creates a reserve with the given execution limit.
func NewCostingReserve(params *CostingParams, limit uint64, onChange tracing.CostChangeHook) *CostingReserve {
	loan := new(uint256.Int).Mul(params.CostUnitPrice, uint256.NewInt(uint64(params.LoanUnits)))
	return &CostingReserve{
		limit:    limit,
		price:    params.CostUnitPrice.Clone(),
		loan:     params.LoanUnits,
		balance:  loan.Clone(),
		owed:     loan,
		onChange: onChange,
	}
}

func (r *CostingReserve) charge(units uint32) error {
	amount := new(uint256.Int).Mul(r.price, uint256.NewInt(uint64(units)))
	if r.balance.Lt(amount) {
		return fmt.Errorf("%w: required %v, remaining %v", ErrInsufficientBalance, amount, r.balance)
	}
	r.balance.Sub(r.balance, amount)
	return nil
}

// ConsumeExecution charges execution cost units. The first charge that
// reaches the loan size repays the loan from the locked fees.
func (r *CostingReserve) ConsumeExecution(units uint32, reason tracing.CostChangeReason) error {
	if units == 0 {
		return nil
	}
	old := r.execution
	if r.execution > math.MaxUint64-uint64(units) || r.execution+uint64(units) > r.limit {
		return fmt.Errorf("%w: %d + %d > %d", ErrCostUnitLimitExceeded, r.execution, units, r.limit)
	}
	if err := r.charge(units); err != nil {
		return err
	}
	r.execution += uint64(units)
	if r.onChange != nil {
		r.onChange(old, r.execution, reason)
	}
	if !r.FullyRepaid() && r.execution >= uint64(r.loan) {
		return r.RepayAll()
	}
	return nil
}

// ConsumeFinalization charges commit costs. They are not subject to the
// execution limit.
func (r *CostingReserve) ConsumeFinalization(units uint32) error {
	if units == 0 {
		return nil
	}
	if err := r.charge(units); err != nil {
		return err
	}
	old := r.finalization
	r.finalization += uint64(units)
	if r.onChange != nil {
		r.onChange(old, r.finalization, tracing.CostChangeCommit)
	}
	return nil
}

// LockFee credits a payment. Contingent payments are recorded but do not
// fund execution.
func (r *CostingReserve) LockFee(vault types.NodeId, amount *uint256.Int, contingent bool) {
	if !contingent {
		r.balance.Add(r.balance, amount)
	}
	r.locked = append(r.locked, LockedFee{Vault: vault, Amount: amount.Clone(), Contingent: contingent})
}

// RepayAll repays as much of the loan as the balance allows and fails if
// any of it remains outstanding.
func (r *CostingReserve) RepayAll() error {
	amount := r.owed.Clone()
	if r.balance.Lt(amount) {
		amount.Set(r.balance)
	}
	r.owed.Sub(r.owed, amount)
	r.balance.Sub(r.balance, amount)
	if !r.owed.IsZero() {
		return fmt.Errorf("%w: %v owed", ErrLoanRepaymentFailed, r.owed)
	}
	return nil
}

func (r *CostingReserve) FullyRepaid() bool { return r.owed.IsZero() }

func (r *CostingReserve) Summary() *FeeSummary {
	total := new(uint256.Int).Mul(r.price, uint256.NewInt(r.execution+r.finalization))
	locked := new(uint256.Int)
	for _, fee := range r.locked {
		if !fee.Contingent {
			locked.Add(locked, fee.Amount)
		}
	}
	return &FeeSummary{
		CostUnitLimit:         r.limit,
		ExecutionCostUnits:    r.execution,
		FinalizationCostUnits: r.finalization,
		TotalCost:             total,
		Locked:                locked,
		Repaid:                r.FullyRepaid(),
		LockedFees:            append([]LockedFee(nil), r.locked...),
	}
}
