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

	"github.com/substatevm/substatevm/core/types"
)

const (
	ProofsBlueprint       = "Proofs"
	ReservationsBlueprint = "Reservations"
	proofBlueprint        = "Proof"
	reservationBlueprint  = "AddressReservation"
)

type ProofsArgs struct{ Count uint64 }

func proofsBlueprint() *Blueprint {
	return &Blueprint{
		Name:      ProofsBlueprint,
		Functions: map[string]NativeFunction{"create": createProofs},
	}
}

// createProofs returns Count proofs. Proofs left at the end of a frame are
// dropped automatically.
func createProofs(c *Context) (*types.IndexedValue, error) {
	args := new(ProofsArgs)
	if err := c.Decode(args); err != nil {
		return nil, err
	}
	proofs := make([]types.NodeId, 0, args.Count)
	for i := uint64(0); i < args.Count; i++ {
		id, err := c.createNode(types.EntityInternalProof, proofBlueprint, types.NodeSubstates{})
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, id)
	}
	return encodeValue(proofs, proofs, nil)
}

func reservationsBlueprint() *Blueprint {
	return &Blueprint{
		Name: ReservationsBlueprint,
		Functions: map[string]NativeFunction{
			"reserve": reserveAddress,
			"claim":   claimAddress,
		},
	}
}

// reserveAddress allocates a global address and returns a reservation
// for it. The reservation must be claimed before the transaction ends.
func reserveAddress(c *Context) (*types.IndexedValue, error) {
	addr, err := c.api.AllocateNodeId(types.EntityGlobalComponent)
	if err != nil {
		return nil, err
	}
	subs := types.NodeSubstates{}
	subs.Set(types.MainPartition, types.FieldKey(0), types.MustEncodeValue(addr))
	res, err := c.createNode(types.EntityInternalAddressReservation, reservationBlueprint, subs)
	if err != nil {
		return nil, err
	}
	return encodeValue(addr, []types.NodeId{res}, nil)
}

// claimAddress consumes the reservation moved in with the call and
// creates a counter at the reserved address.
func claimAddress(c *Context) (*types.IndexedValue, error) {
	args := new(CounterArgs)
	if err := c.Decode(args); err != nil {
		return nil, err
	}
	owned := c.Args().OwnedNodes()
	if len(owned) != 1 || owned[0].EntityType() != types.EntityInternalAddressReservation {
		return nil, fmt.Errorf("%w: expected one address reservation", ErrInvalidArguments)
	}
	subs, err := c.api.DropNode(owned[0])
	if err != nil {
		return nil, err
	}
	v, ok := subs.Get(types.MainPartition, types.FieldKey(0))
	if !ok {
		return nil, fmt.Errorf("%w: reservation %v", ErrInvalidTypeInfo, owned[0])
	}
	var addr types.NodeId
	if err := v.DecodePayload(&addr); err != nil {
		return nil, fmt.Errorf("%w: reservation %v: %v", ErrInvalidTypeInfo, owned[0], err)
	}
	if err := c.globalize(addr, CounterBlueprint, counterSubstates(args.Value)); err != nil {
		return nil, err
	}
	return encodeValue(addr, nil, []types.NodeId{addr})
}
