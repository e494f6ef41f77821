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
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/substatevm/substatevm/core/kernel"
	"github.com/substatevm/substatevm/core/types"
)

const (
	TransactionProcessorBlueprint = "TransactionProcessor"
	TransactionProcessorRun       = "run"
)

// Manifest is the argument of TransactionProcessor::run.
type Manifest struct {
	Calls []types.Call
}

// ManifestOutput holds the output payload of every call in order.
type ManifestOutput struct {
	Outputs [][]byte
}

// RootInvocation returns the invocation that runs the calls of tx with
// its references visible to them.
func RootInvocation(tx *types.Transaction) (*kernel.Invocation, error) {
	args, err := encodeValue(&Manifest{Calls: tx.Calls}, nil, tx.References)
	if err != nil {
		return nil, err
	}
	return &kernel.Invocation{
		Actor: kernel.Actor{Blueprint: TransactionProcessorBlueprint, Function: TransactionProcessorRun},
		Args:  args,
	}, nil
}

func transactionProcessorBlueprint() *Blueprint {
	return &Blueprint{
		Name:      TransactionProcessorBlueprint,
		Functions: map[string]NativeFunction{TransactionProcessorRun: runManifest},
	}
}

// runManifest invokes the calls of a manifest. Owned nodes returned by a
// call go onto the worktop; whatever is left there at the end is returned
// to the root frame.
func runManifest(c *Context) (*types.IndexedValue, error) {
	manifest := new(Manifest)
	if err := c.Decode(manifest); err != nil {
		return nil, err
	}
	var (
		worktop []types.NodeId
		refs    = mapset.NewThreadUnsafeSet[types.NodeId]()
		out     = &ManifestOutput{Outputs: make([][]byte, 0, len(manifest.Calls))}
	)
	for i, call := range manifest.Calls {
		actor := kernel.Actor{Blueprint: call.Blueprint, Function: call.Function}
		if len(call.Receiver) > 0 {
			id, err := types.BytesToNodeId(call.Receiver)
			if err != nil {
				return nil, fmt.Errorf("%w: call %d: %v", ErrInvalidArguments, i, err)
			}
			actor.Receiver = &id
		}
		var moved []types.NodeId
		if call.Worktop {
			moved, worktop = worktop, nil
		}
		res, err := c.api.Invoke(&kernel.Invocation{
			Actor: actor,
			Args:  types.NewIndexedValue(call.Args, moved, call.Refs),
		})
		if err != nil {
			return nil, err
		}
		worktop = append(worktop, res.OwnedNodes()...)
		refs.Append(res.References()...)
		out.Outputs = append(out.Outputs, res.Payload())
	}
	returned := refs.ToSlice()
	slices.SortFunc(returned, types.NodeId.Compare)
	return encodeValue(out, worktop, returned)
}
