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

	"github.com/substatevm/substatevm/core/types"
)

const CounterBlueprint = "Counter"

type CounterArgs struct{ Value uint64 }

func counterBlueprint() *Blueprint {
	return &Blueprint{
		Name: CounterBlueprint,
		Functions: map[string]NativeFunction{
			"new": newCounter,
		},
		Methods: map[string]NativeFunction{
			"increment": incrementCounter,
			"get":       getCounter,
		},
	}
}

func counterSubstates(initial uint64) types.NodeSubstates {
	subs := types.NodeSubstates{}
	subs.Set(types.MainPartition, types.FieldKey(0), types.MustEncodeValue(initial))
	return subs
}

func newCounter(c *Context) (*types.IndexedValue, error) {
	args := new(CounterArgs)
	if err := c.Decode(args); err != nil {
		return nil, err
	}
	id, err := c.api.AllocateNodeId(types.EntityGlobalComponent)
	if err != nil {
		return nil, err
	}
	if err := c.globalize(id, CounterBlueprint, counterSubstates(args.Value)); err != nil {
		return nil, err
	}
	return encodeValue(id, nil, []types.NodeId{id})
}

func incrementCounter(c *Context) (*types.IndexedValue, error) {
	args := new(CounterArgs)
	if err := c.Decode(args); err != nil {
		return nil, err
	}
	var next uint64
	err := c.updateField(c.Receiver(), 0, 0, func(old *types.IndexedValue) (*types.IndexedValue, error) {
		var n uint64
		if err := old.DecodePayload(&n); err != nil {
			return nil, err
		}
		if n > math.MaxUint64-args.Value {
			return nil, fmt.Errorf("%w: %d + %d", ErrCounterOverflow, n, args.Value)
		}
		next = n + args.Value
		return types.MustEncodeValue(next), nil
	})
	if err != nil {
		return nil, err
	}
	return types.MustEncodeValue(next), nil
}

func getCounter(c *Context) (*types.IndexedValue, error) {
	v, err := c.readField(c.Receiver(), 0)
	if err != nil {
		return nil, err
	}
	return types.NewIndexedValue(v.Payload(), nil, nil), nil
}
