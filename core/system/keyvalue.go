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
	"github.com/substatevm/substatevm/core/state"
	"github.com/substatevm/substatevm/core/types"
)

const (
	KeyValueBlueprint = "KeyValue"
	kvStoreBlueprint  = "KeyValueStore"

	// Map entries live in the first collection partition of the store,
	// sorted entries in the one after.
	kvMapPartition    = types.FirstCollectionPartition
	kvSortedPartition = types.FirstCollectionPartition + 1
)

// Arguments and outputs of the key-value functions.
type (
	KeyArgs struct{ Key []byte }
	SetArgs struct {
		Key   []byte
		Value []byte
	}
	PushArgs struct {
		Prefix uint16
		Key    []byte
		Value  []byte
	}
	LimitArgs struct{ Limit uint64 }
	GetResult struct {
		Found bool
		Value []byte
	}
	Entry struct {
		Key   []byte
		Value []byte
	}
)

func keyValueBlueprint() *Blueprint {
	return &Blueprint{
		Name: KeyValueBlueprint,
		Functions: map[string]NativeFunction{
			"new": newKeyValue,
		},
		Methods: map[string]NativeFunction{
			"set":            kvSet,
			"get":            kvGet,
			"remove":         kvRemove,
			"keys":           kvKeys,
			"drain":          kvDrain,
			"clear":          kvClear,
			"push":           kvPush,
			"sorted":         kvSorted,
			"mark_transient": kvMarkTransient,
		},
	}
}

// newKeyValue creates a global component owning an empty store.
func newKeyValue(c *Context) (*types.IndexedValue, error) {
	store, err := c.createNode(types.EntityInternalKeyValueStore, kvStoreBlueprint, types.NodeSubstates{})
	if err != nil {
		return nil, err
	}
	id, err := c.api.AllocateNodeId(types.EntityGlobalComponent)
	if err != nil {
		return nil, err
	}
	subs := types.NodeSubstates{}
	subs.Set(types.MainPartition, types.FieldKey(0), types.NewIndexedValue(nil, []types.NodeId{store}, nil))
	if err := c.globalize(id, KeyValueBlueprint, subs); err != nil {
		return nil, err
	}
	return encodeValue(id, nil, []types.NodeId{id})
}

// withStore decodes args and runs fn with the receiver's store visible.
func (c *Context) withStore(args interface{}, fn func(store types.NodeId) (*types.IndexedValue, error)) (*types.IndexedValue, error) {
	if args != nil {
		if err := c.Decode(args); err != nil {
			return nil, err
		}
	}
	h, err := c.api.OpenSubstate(c.Receiver(), types.MainPartition, types.FieldKey(0), types.LockFlagsRead)
	if err != nil {
		return nil, err
	}
	v, err := c.api.ReadSubstate(h)
	if err != nil {
		return nil, err
	}
	owned := v.OwnedNodes()
	if len(owned) != 1 || !owned[0].EntityType().IsKeyValueStore() {
		return nil, ErrInvalidTypeInfo
	}
	out, err := fn(owned[0])
	if err != nil {
		return nil, err
	}
	return out, c.api.CloseSubstate(h)
}

func kvSet(c *Context) (*types.IndexedValue, error) {
	args := new(SetArgs)
	return c.withStore(args, func(store types.NodeId) (*types.IndexedValue, error) {
		return types.Unit(), c.api.SetSubstate(store, kvMapPartition, types.MapKey(args.Key), types.MustEncodeValue(args.Value))
	})
}

// kvGet reads an entry. Missing entries are served as the unit value
// without being written.
func kvGet(c *Context) (*types.IndexedValue, error) {
	args := new(KeyArgs)
	return c.withStore(args, func(store types.NodeId) (*types.IndexedValue, error) {
		h, err := c.api.OpenSubstateWithDefault(store, kvMapPartition, types.MapKey(args.Key), types.LockFlagsRead, types.Unit)
		if err != nil {
			return nil, err
		}
		v, err := c.api.ReadSubstate(h)
		if err != nil {
			return nil, err
		}
		if err := c.api.CloseSubstate(h); err != nil {
			return nil, err
		}
		res := new(GetResult)
		if len(v.Payload()) > 0 {
			res.Found = true
			if err := v.DecodePayload(&res.Value); err != nil {
				return nil, err
			}
		}
		return encodeValue(res, nil, nil)
	})
}

func kvRemove(c *Context) (*types.IndexedValue, error) {
	args := new(KeyArgs)
	return c.withStore(args, func(store types.NodeId) (*types.IndexedValue, error) {
		old, err := c.api.RemoveSubstate(store, kvMapPartition, types.MapKey(args.Key))
		if err != nil {
			return nil, err
		}
		return types.MustEncodeValue(old != nil), nil
	})
}

func kvKeys(c *Context) (*types.IndexedValue, error) {
	args := new(LimitArgs)
	return c.withStore(args, func(store types.NodeId) (*types.IndexedValue, error) {
		keys, err := c.api.ScanKeys(store, kvMapPartition, types.MapKeyKind, int(args.Limit))
		if err != nil {
			return nil, err
		}
		out := make([][]byte, len(keys))
		for i, k := range keys {
			out[i] = k.Key()
		}
		return encodeValue(out, nil, nil)
	})
}

func kvDrain(c *Context) (*types.IndexedValue, error) {
	args := new(LimitArgs)
	return c.withStore(args, func(store types.NodeId) (*types.IndexedValue, error) {
		entries, err := c.api.DrainSubstates(store, kvMapPartition, types.MapKeyKind, int(args.Limit))
		if err != nil {
			return nil, err
		}
		return encodeEntries(entries)
	})
}

// kvClear removes every map entry.
func kvClear(c *Context) (*types.IndexedValue, error) {
	return c.withStore(nil, func(store types.NodeId) (*types.IndexedValue, error) {
		return types.Unit(), c.api.DeletePartition(store, kvMapPartition, types.MapKeyKind)
	})
}

func kvPush(c *Context) (*types.IndexedValue, error) {
	args := new(PushArgs)
	return c.withStore(args, func(store types.NodeId) (*types.IndexedValue, error) {
		key := types.SortedKey(args.Prefix, args.Key)
		return types.Unit(), c.api.SetSubstate(store, kvSortedPartition, key, types.MustEncodeValue(args.Value))
	})
}

func kvSorted(c *Context) (*types.IndexedValue, error) {
	args := new(LimitArgs)
	return c.withStore(args, func(store types.NodeId) (*types.IndexedValue, error) {
		entries, err := c.api.ScanSortedSubstates(store, kvSortedPartition, int(args.Limit))
		if err != nil {
			return nil, err
		}
		return encodeEntries(entries)
	})
}

// kvMarkTransient keeps an entry out of the committed state.
func kvMarkTransient(c *Context) (*types.IndexedValue, error) {
	args := new(KeyArgs)
	return c.withStore(args, func(store types.NodeId) (*types.IndexedValue, error) {
		return types.Unit(), c.api.MarkSubstateAsTransient(store, kvMapPartition, types.MapKey(args.Key))
	})
}

func encodeEntries(entries []state.SubstateEntry) (*types.IndexedValue, error) {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i].Key = e.Key.Key()
		if err := e.Value.DecodePayload(&out[i].Value); err != nil {
			return nil, err
		}
	}
	return encodeValue(out, nil, nil)
}
