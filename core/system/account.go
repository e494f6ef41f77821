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

	"github.com/holiman/uint256"
	"github.com/substatevm/substatevm/core/kernel"
	"github.com/substatevm/substatevm/core/types"
)

const (
	AccountBlueprint = "Account"
	vaultBlueprint   = "Vault"
	bucketBlueprint  = "Bucket"
)

// Arguments of the account functions.
type (
	NewAccountArgs struct{ Balance *uint256.Int }
	AmountArgs     struct{ Amount *uint256.Int }
	LockFeeArgs    struct {
		Amount     *uint256.Int
		Contingent bool
	}
)

func accountBlueprint() *Blueprint {
	return &Blueprint{
		Name: AccountBlueprint,
		Functions: map[string]NativeFunction{
			"new": newAccount,
		},
		Methods: map[string]NativeFunction{
			"balance":  accountBalance,
			"deposit":  accountDeposit,
			"withdraw": accountWithdraw,
			"lock_fee": accountLockFee,
		},
	}
}

func amountValue(amount *uint256.Int) *types.IndexedValue {
	return types.MustEncodeValue(amount)
}

// readAmount returns the amount held by a vault or bucket.
func readAmount(api kernel.KernelApi, id types.NodeId) (*uint256.Int, error) {
	h, err := api.OpenSubstate(id, types.MainPartition, types.FieldKey(0), types.LockFlagsRead)
	if err != nil {
		return nil, err
	}
	v, err := api.ReadSubstate(h)
	if err != nil {
		return nil, err
	}
	if err := api.CloseSubstate(h); err != nil {
		return nil, err
	}
	amount := new(uint256.Int)
	if err := v.DecodePayload(amount); err != nil {
		return nil, fmt.Errorf("%w: amount of %v: %v", ErrInvalidTypeInfo, id, err)
	}
	return amount, nil
}

// createAccount creates a global account at id owning a fresh vault. It
// must run in globalize mode.
func createAccount(api kernel.KernelApi, id types.NodeId, balance *uint256.Int) error {
	vault, err := api.AllocateNodeId(types.EntityInternalVault)
	if err != nil {
		return err
	}
	vs := types.NodeSubstates{}
	vs.Set(types.TypeInfoPartition, types.TypeInfoField, typeInfoValue(vaultBlueprint, false))
	vs.Set(types.MainPartition, types.FieldKey(0), amountValue(balance))
	if err := api.CreateNode(vault, vs); err != nil {
		return err
	}
	as := types.NodeSubstates{}
	as.Set(types.TypeInfoPartition, types.TypeInfoField, typeInfoValue(AccountBlueprint, true))
	as.Set(types.MainPartition, types.FieldKey(0), types.NewIndexedValue(nil, []types.NodeId{vault}, nil))
	return api.CreateNodeGlobal(id, as)
}

func newAccount(c *Context) (*types.IndexedValue, error) {
	args := new(NewAccountArgs)
	if err := c.Decode(args); err != nil {
		return nil, err
	}
	id, err := c.api.AllocateNodeId(types.EntityGlobalAccount)
	if err != nil {
		return nil, err
	}
	err = c.api.ExecuteInMode(kernel.ModeGlobalize, func() error {
		return createAccount(c.api, id, args.Balance)
	})
	if err != nil {
		return nil, err
	}
	return encodeValue(id, nil, []types.NodeId{id})
}

// withVault runs fn with the balance of the receiver's vault locked with
// flags. The vault is only visible while the account field is open.
func (c *Context) withVault(flags types.LockFlags, fn func(vault types.NodeId, balance *uint256.Int) (*uint256.Int, error)) error {
	h, err := c.api.OpenSubstate(c.Receiver(), types.MainPartition, types.FieldKey(0), types.LockFlagsRead)
	if err != nil {
		return err
	}
	v, err := c.api.ReadSubstate(h)
	if err != nil {
		return err
	}
	owned := v.OwnedNodes()
	if len(owned) != 1 || !owned[0].EntityType().IsVault() {
		return fmt.Errorf("%w: account %v has no vault", ErrInvalidTypeInfo, c.Receiver())
	}
	vault := owned[0]
	vh, err := c.api.OpenSubstate(vault, types.MainPartition, types.FieldKey(0), flags)
	if err != nil {
		return err
	}
	bv, err := c.api.ReadSubstate(vh)
	if err != nil {
		return err
	}
	balance := new(uint256.Int)
	if err := bv.DecodePayload(balance); err != nil {
		return fmt.Errorf("%w: vault %v: %v", ErrInvalidTypeInfo, vault, err)
	}
	updated, err := fn(vault, balance)
	if err != nil {
		return err
	}
	if updated != nil {
		if err := c.api.WriteSubstate(vh, amountValue(updated)); err != nil {
			return err
		}
	}
	if err := c.api.CloseSubstate(vh); err != nil {
		return err
	}
	return c.api.CloseSubstate(h)
}

func accountBalance(c *Context) (*types.IndexedValue, error) {
	var out *uint256.Int
	err := c.withVault(types.LockFlagsRead, func(_ types.NodeId, balance *uint256.Int) (*uint256.Int, error) {
		out = balance
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return amountValue(out), nil
}

// accountDeposit empties the buckets moved in with the call into the vault.
func accountDeposit(c *Context) (*types.IndexedValue, error) {
	total := new(uint256.Int)
	for _, bucket := range c.Args().OwnedNodes() {
		if bucket.EntityType() != types.EntityInternalBucket {
			return nil, fmt.Errorf("%w: %v is not a bucket", ErrInvalidArguments, bucket)
		}
		amount, err := readAmount(c.api, bucket)
		if err != nil {
			return nil, err
		}
		if _, err := c.api.DropNode(bucket); err != nil {
			return nil, err
		}
		total.Add(total, amount)
	}
	err := c.withVault(types.LockFlagMutable, func(_ types.NodeId, balance *uint256.Int) (*uint256.Int, error) {
		return new(uint256.Int).Add(balance, total), nil
	})
	if err != nil {
		return nil, err
	}
	return types.Unit(), nil
}

// accountWithdraw takes an amount out of the vault and returns it in a
// new bucket.
func accountWithdraw(c *Context) (*types.IndexedValue, error) {
	args := new(AmountArgs)
	if err := c.Decode(args); err != nil {
		return nil, err
	}
	err := c.withVault(types.LockFlagMutable, func(_ types.NodeId, balance *uint256.Int) (*uint256.Int, error) {
		if balance.Lt(args.Amount) {
			return nil, fmt.Errorf("%w: have %v, want %v", ErrInsufficientFunds, balance, args.Amount)
		}
		return new(uint256.Int).Sub(balance, args.Amount), nil
	})
	if err != nil {
		return nil, err
	}
	bs := types.NodeSubstates{}
	bs.Set(types.MainPartition, types.FieldKey(0), amountValue(args.Amount))
	bucket, err := c.createNode(types.EntityInternalBucket, bucketBlueprint, bs)
	if err != nil {
		return nil, err
	}
	return encodeValue(bucket, []types.NodeId{bucket}, nil)
}

// accountLockFee pays fees from the vault. The withdrawal is force
// written, so it is kept when the transaction fails. The vault must be
// untouched by the transaction so far: the force write carries the whole
// value, and nothing else may survive a failure with it.
func accountLockFee(c *Context) (*types.IndexedValue, error) {
	args := new(LockFeeArgs)
	if err := c.Decode(args); err != nil {
		return nil, err
	}
	err := c.withVault(types.LockFlagMutable|types.LockFlagUnmodifiedBase|types.LockFlagForceWrite, func(vault types.NodeId, balance *uint256.Int) (*uint256.Int, error) {
		if balance.Lt(args.Amount) {
			return nil, fmt.Errorf("%w: have %v, want %v", ErrInsufficientFunds, balance, args.Amount)
		}
		c.Fees().LockFee(vault, args.Amount, args.Contingent)
		return new(uint256.Int).Sub(balance, args.Amount), nil
	})
	if err != nil {
		return nil, err
	}
	return types.Unit(), nil
}
