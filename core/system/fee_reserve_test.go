package system

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substatevm/substatevm/core/tracing"
	"github.com/substatevm/substatevm/core/types"
)

func testParams(loan uint32) *CostingParams {
	params := DefaultCostingParams
	params.LoanUnits = loan
	params.CostUnitPrice = uint256.NewInt(2)
	return &params
}

func TestReserveLimit(t *testing.T) {
	r := NewCostingReserve(testParams(1000), 100, nil)
	require.NoError(t, r.ConsumeExecution(60, tracing.CostChangeInvoke))
	assert.ErrorIs(t, r.ConsumeExecution(41, tracing.CostChangeInvoke), ErrCostUnitLimitExceeded)
	require.NoError(t, r.ConsumeExecution(40, tracing.CostChangeInvoke))
	assert.Equal(t, uint64(100), r.Summary().ExecutionCostUnits)

	// Finalization is not bound by the execution limit.
	require.NoError(t, r.ConsumeFinalization(200))
	summary := r.Summary()
	assert.Equal(t, uint64(200), summary.FinalizationCostUnits)
	assert.Equal(t, uint64(600), summary.TotalCost.Uint64())
}

func TestReserveLoan(t *testing.T) {
	var vault types.NodeId
	vault[0] = byte(types.EntityInternalVault)

	// Without locked fees the loan cannot be repaid.
	r := NewCostingReserve(testParams(100), 1000, nil)
	require.NoError(t, r.ConsumeExecution(50, tracing.CostChangeInvoke))
	assert.False(t, r.FullyRepaid())
	assert.ErrorIs(t, r.ConsumeExecution(50, tracing.CostChangeInvoke), ErrLoanRepaymentFailed)
	assert.ErrorIs(t, r.ConsumeExecution(1, tracing.CostChangeInvoke), ErrInsufficientBalance)

	// Locked fees repay the loan once it is used up.
	r = NewCostingReserve(testParams(100), 1000, nil)
	r.LockFee(vault, uint256.NewInt(500), false)
	r.LockFee(vault, uint256.NewInt(1000), true)
	require.NoError(t, r.ConsumeExecution(99, tracing.CostChangeInvoke))
	assert.False(t, r.FullyRepaid())
	require.NoError(t, r.ConsumeExecution(1, tracing.CostChangeInvoke))
	assert.True(t, r.FullyRepaid())

	// The loan and the 500 locked pay for 350 units; contingent fees do not count.
	require.NoError(t, r.ConsumeExecution(150, tracing.CostChangeInvoke))
	assert.ErrorIs(t, r.ConsumeExecution(1, tracing.CostChangeInvoke), ErrInsufficientBalance)

	summary := r.Summary()
	assert.Equal(t, uint64(500), summary.Locked.Uint64())
	assert.Len(t, summary.LockedFees, 2)
	assert.True(t, summary.LockedFees[1].Contingent)
}

func TestReserveRepayAll(t *testing.T) {
	r := NewCostingReserve(testParams(100), 1000, nil)
	require.NoError(t, r.ConsumeExecution(10, tracing.CostChangeInvoke))
	assert.ErrorIs(t, r.RepayAll(), ErrLoanRepaymentFailed)

	r = NewCostingReserve(testParams(100), 1000, nil)
	r.LockFee(types.NodeId{}, uint256.NewInt(20), false)
	require.NoError(t, r.ConsumeExecution(10, tracing.CostChangeInvoke))
	require.NoError(t, r.RepayAll())
	assert.True(t, r.FullyRepaid())
	require.NoError(t, r.RepayAll())
}

func TestReserveCostChangeHook(t *testing.T) {
	type change struct {
		old, new uint64
		reason   tracing.CostChangeReason
	}
	var changes []change
	r := NewCostingReserve(testParams(1000), 1000, func(old, new uint64, reason tracing.CostChangeReason) {
		changes = append(changes, change{old, new, reason})
	})
	require.NoError(t, r.ConsumeExecution(5, tracing.CostChangeCreateNode))
	require.NoError(t, r.ConsumeExecution(0, tracing.CostChangeInvoke))
	require.NoError(t, r.ConsumeFinalization(3))
	assert.Equal(t, []change{
		{0, 5, tracing.CostChangeCreateNode},
		{0, 3, tracing.CostChangeCommit},
	}, changes)
}
