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
	"errors"
	"fmt"
)

// List of fee errors.
// 列出费用错误。
var (
	// ErrCostUnitLimitExceeded is returned when execution would use more cost
	// units than the transaction allows.
	// ErrCostUnitLimitExceeded 在执行将使用超过交易允许的成本单位时返回。
	ErrCostUnitLimitExceeded = errors.New("cost unit limit exceeded")

	// ErrInsufficientBalance is returned when the locked fees cannot pay for
	// the cost units consumed.
	ErrInsufficientBalance = errors.New("insufficient fee balance")

	// ErrLoanRepaymentFailed is returned when the transaction has not locked
	// enough fees to repay the execution loan.
	// ErrLoanRepaymentFailed 在交易未锁定足够的费用偿还执行贷款时返回。
	ErrLoanRepaymentFailed = errors.New("fee loan repayment failed")
)

// List of limit errors.
var (
	ErrSubstateTooLarge  = errors.New("substate too large")
	ErrHeapLimitExceeded = errors.New("heap size limit exceeded")
)

// List of blueprint errors.
var (
	ErrBlueprintNotFound = errors.New("blueprint not found")
	ErrFunctionNotFound  = errors.New("function not found")
	ErrBlueprintMismatch = errors.New("receiver blueprint mismatch")
	ErrInvalidTypeInfo   = errors.New("invalid type info")
	ErrInvalidArguments  = errors.New("invalid arguments")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBucketNotEmpty    = errors.New("bucket not empty")
	ErrCounterOverflow   = errors.New("counter overflow")
)

// BlueprintError reports a failure inside a native function.
type BlueprintError struct {
	Blueprint string
	Function  string
	Err       error
}

func (e *BlueprintError) Error() string {
	return fmt.Sprintf("%s::%s: %v", e.Blueprint, e.Function, e.Err)
}

func (e *BlueprintError) Unwrap() error { return e.Err }
