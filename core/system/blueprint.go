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

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/substatevm/substatevm/core/kernel"
	"github.com/substatevm/substatevm/core/types"
)

// TypeInfo is the value of the type info field of every node created by a
// blueprint.
// TypeInfo 是蓝图创建的每个节点的类型信息字段的值。
type TypeInfo struct {
	Blueprint string
	Global    bool
}

func typeInfoValue(blueprint string, global bool) *types.IndexedValue {
	return types.MustEncodeValue(&TypeInfo{Blueprint: blueprint, Global: global})
}

// EncodeArgs RLP-encodes an argument or output payload.
func EncodeArgs(val interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(val)
}

// encodeValue builds a value with the RLP encoding of val as payload.
func encodeValue(val interface{}, owned, refs []types.NodeId) (*types.IndexedValue, error) {
	payload, err := rlp.EncodeToBytes(val)
	if err != nil {
		return nil, err
	}
	return types.NewIndexedValue(payload, owned, refs), nil
}

// NativeFunction is the code of a blueprint function or method.
type NativeFunction func(c *Context) (*types.IndexedValue, error)

// Blueprint groups the functions and methods of one kind of object.
// Functions are called without a receiver, methods with one.
type Blueprint struct {
	Name      string
	Functions map[string]NativeFunction
	Methods   map[string]NativeFunction
}

// Registry maps blueprint names to their code.
// Registry 将蓝图名称映射到其代码。
type Registry struct {
	blueprints map[string]*Blueprint
}

func NewRegistry() *Registry {
	return &Registry{blueprints: make(map[string]*Blueprint)}
}

// Register adds a blueprint. Registering a name twice is a programming
// error.
func (r *Registry) Register(bp *Blueprint) {
	if _, ok := r.blueprints[bp.Name]; ok {
		panic(fmt.Sprintf("blueprint %q registered twice", bp.Name))
	}
	r.blueprints[bp.Name] = bp
}

func (r *Registry) Lookup(name string) (*Blueprint, bool) {
	bp, ok := r.blueprints[name]
	return bp, ok
}

// Names returns the registered blueprint names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.blueprints))
	for name := range r.blueprints {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NewDefaultRegistry returns a registry holding the built-in blueprints.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(transactionProcessorBlueprint())
	r.Register(counterBlueprint())
	r.Register(proofsBlueprint())
	r.Register(reservationsBlueprint())
	r.Register(keyValueBlueprint())
	r.Register(accountBlueprint())
	return r
}

// Context is handed to native code. It wraps the kernel API with the
// helpers blueprints share.
type Context struct {
	sys *System
	api kernel.KernelApi
	inv *kernel.Invocation
}

func (c *Context) Api() kernel.KernelApi     { return c.api }
func (c *Context) Args() *types.IndexedValue { return c.inv.Args }
func (c *Context) Actor() kernel.Actor       { return c.inv.Actor }
func (c *Context) Fees() FeeReserve          { return c.sys.fees }

// Receiver returns the node a method was called on.
func (c *Context) Receiver() types.NodeId {
	if c.inv.Actor.Receiver == nil {
		return types.NodeId{}
	}
	return *c.inv.Actor.Receiver
}

// Decode decodes the argument payload into v.
func (c *Context) Decode(v interface{}) error {
	if err := c.inv.Args.DecodePayload(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// readField returns a main partition field of a visible node.
func (c *Context) readField(id types.NodeId, field uint8) (*types.IndexedValue, error) {
	h, err := c.api.OpenSubstate(id, types.MainPartition, types.FieldKey(field), types.LockFlagsRead)
	if err != nil {
		return nil, err
	}
	v, err := c.api.ReadSubstate(h)
	if err != nil {
		return nil, err
	}
	return v, c.api.CloseSubstate(h)
}

// updateField rewrites a main partition field under a lock taken with
// flags, which must include LockFlagMutable.
func (c *Context) updateField(id types.NodeId, field uint8, flags types.LockFlags, fn func(*types.IndexedValue) (*types.IndexedValue, error)) error {
	h, err := c.api.OpenSubstate(id, types.MainPartition, types.FieldKey(field), flags|types.LockFlagMutable)
	if err != nil {
		return err
	}
	old, err := c.api.ReadSubstate(h)
	if err != nil {
		return err
	}
	v, err := fn(old)
	if err != nil {
		return err
	}
	if err := c.api.WriteSubstate(h, v); err != nil {
		return err
	}
	return c.api.CloseSubstate(h)
}

// globalize creates a global node of the given blueprint. Nodes owned by
// the substates must be owned roots of the current frame.
func (c *Context) globalize(id types.NodeId, blueprint string, substates types.NodeSubstates) error {
	substates.Set(types.TypeInfoPartition, types.TypeInfoField, typeInfoValue(blueprint, true))
	return c.api.ExecuteInMode(kernel.ModeGlobalize, func() error {
		return c.api.CreateNodeGlobal(id, substates)
	})
}

// createNode creates an internal node of the given blueprint owned by the
// current frame.
func (c *Context) createNode(t types.EntityType, blueprint string, substates types.NodeSubstates) (types.NodeId, error) {
	id, err := c.api.AllocateNodeId(t)
	if err != nil {
		return types.NodeId{}, err
	}
	substates.Set(types.TypeInfoPartition, types.TypeInfoField, typeInfoValue(blueprint, false))
	return id, c.api.CreateNode(id, substates)
}

// readTypeInfo reads the type info of a visible node.
func readTypeInfo(api kernel.KernelApi, id types.NodeId) (*TypeInfo, error) {
	h, err := api.OpenSubstate(id, types.TypeInfoPartition, types.TypeInfoField, types.LockFlagsRead)
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
	info := new(TypeInfo)
	if err := v.DecodePayload(info); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrInvalidTypeInfo, id, err)
	}
	return info, nil
}
