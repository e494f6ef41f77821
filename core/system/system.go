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

// Package system implements the layer above the kernel: it meters every
// kernel operation against a fee reserve, enforces resource limits,
// materializes virtual substates and runs native blueprint code.
// Package system 实现内核之上的系统层：计量内核操作、执行资源限制、
// 虚拟化子状态并运行原生蓝图代码。
package system

import (
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/substatevm/substatevm/core/kernel"
	"github.com/substatevm/substatevm/core/state"
	"github.com/substatevm/substatevm/core/tracing"
	"github.com/substatevm/substatevm/core/types"
	"github.com/substatevm/substatevm/metrics"
)

var (
	invokeMeter         = metrics.NewRegisteredMeter("system/invoke", "Blueprint invocations")
	nodesCreatedCounter = metrics.NewRegisteredCounter("system/nodes/created", "Nodes created by blueprint code")
	substateWriteMeter  = metrics.NewRegisteredMeter("system/substate/write", "Bytes of substates written")
	lockFaultCounter    = metrics.NewRegisteredCounter("system/lockfault", "Substates materialized on a lock fault")
	costUnitsHistogram  = metrics.NewRegisteredHistogram("system/costunits", "Execution cost units per transaction",
		[]float64{1e4, 1e5, 5e5, 1e6, 5e6, 1e7, 5e7, 1e8})
)

// Config holds the system layer settings of one transaction.
type Config struct {
	Costing       *CostingParams
	Limits        Limits
	CostUnitLimit uint64
	Tracer        *tracing.Hooks
}

func (c *Config) sanitize() Config {
	conf := *c
	if conf.Costing == nil {
		conf.Costing = &DefaultCostingParams
	}
	if conf.Limits == (Limits{}) {
		conf.Limits = DefaultLimits
	}
	if conf.CostUnitLimit == 0 {
		conf.CostUnitLimit = DefaultCostUnitLimit
	}
	return conf
}

// System is the kernel callback. A System is used for a single
// transaction and is not safe for concurrent use.
type System struct {
	registry *Registry
	config   Config
	costing  *CostingParams
	fees     *CostingReserve
	log      log.Logger
}

// New creates the system layer of one transaction.
func New(registry *Registry, config *Config) *System {
	if config == nil {
		config = new(Config)
	}
	conf := config.sanitize()
	var onChange tracing.CostChangeHook
	if conf.Tracer != nil {
		onChange = conf.Tracer.OnCostChange
	}
	return &System{
		registry: registry,
		config:   conf,
		costing:  conf.Costing,
		fees:     NewCostingReserve(conf.Costing, conf.CostUnitLimit, onChange),
		log:      log.New("module", "system"),
	}
}

// Fees returns the fee reserve of the transaction.
func (s *System) Fees() FeeReserve { return s.fees }

// Registry returns the blueprints this system runs.
func (s *System) Registry() *Registry { return s.registry }

func (s *System) consume(units uint32, reason tracing.CostChangeReason) error {
	return s.fees.ConsumeExecution(units, reason)
}

// sized adds the per byte cost of size bytes to base, saturating.
func (s *System) sized(base uint32, size int) uint32 {
	if size <= 0 {
		return base
	}
	total := uint64(base) + uint64(size)*uint64(s.costing.PerByte)
	if total > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(total)
}

func (s *System) checkSize(ref types.SubstateRef, size int) error {
	if size > s.config.Limits.MaxSubstateSize {
		return fmt.Errorf("%w: %v is %d bytes, limit %d", ErrSubstateTooLarge, ref, size, s.config.Limits.MaxSubstateSize)
	}
	return nil
}

func (s *System) OnInit(api kernel.KernelApi) error {
	return s.consume(s.costing.TxBase, tracing.CostChangeUnspecified)
}

// OnTeardown repays the execution loan from the locked fees.
func (s *System) OnTeardown(api kernel.KernelApi) error {
	costUnitsHistogram.Observe(float64(s.fees.execution))
	if err := s.fees.RepayAll(); err != nil {
		return err
	}
	s.log.Debug("Transaction executed", "costunits", s.fees.execution, "heap", api.HeapSize())
	return nil
}

func (s *System) OnAllocateNodeId(api kernel.KernelInternalApi, t types.EntityType) error {
	return s.consume(s.costing.AllocateNodeId, tracing.CostChangeCreateNode)
}

func (s *System) OnCreateNode(api kernel.KernelInternalApi, ev *kernel.CreateNodeEvent) error {
	if ev.Stage == kernel.StageEnd {
		nodesCreatedCounter.Inc()
		return nil
	}
	err := ev.Substates.Walk(func(p types.PartitionNumber, key types.SubstateKey, v *types.IndexedValue) error {
		return s.checkSize(types.SubstateRef{Node: ev.Node, Partition: p, Key: key}, v.Len())
	})
	if err != nil {
		return err
	}
	return s.consume(s.sized(s.costing.CreateNode, ev.Substates.Size()), tracing.CostChangeCreateNode)
}

func (s *System) OnDropNode(api kernel.KernelInternalApi, ev *kernel.DropNodeEvent) error {
	if ev.Stage == kernel.StageStart {
		return nil
	}
	return s.consume(s.sized(s.costing.DropNode, ev.Substates.Size()), tracing.CostChangeDropNode)
}

func (s *System) OnMoveNode(api kernel.KernelInternalApi, ev *kernel.MoveNodeEvent) error {
	return s.consume(s.costing.MoveNode, tracing.CostChangeUnspecified)
}

func (s *System) OnPinNode(api kernel.KernelInternalApi, id types.NodeId) error {
	return s.consume(s.costing.PinNode, tracing.CostChangeUnspecified)
}

func (s *System) OnOpenSubstate(api kernel.KernelInternalApi, ev *kernel.SubstateEvent) error {
	return s.consume(s.sized(s.costing.OpenSubstate, ev.Size), tracing.CostChangeOpenSubstate)
}

func (s *System) OnCloseSubstate(api kernel.KernelInternalApi, ev *kernel.SubstateEvent) error {
	return s.consume(s.costing.CloseSubstate, tracing.CostChangeOpenSubstate)
}

func (s *System) OnReadSubstate(api kernel.KernelInternalApi, ev *kernel.SubstateEvent) error {
	return s.consume(s.sized(s.costing.ReadSubstate, ev.Size), tracing.CostChangeReadSubstate)
}

func (s *System) OnWriteSubstate(api kernel.KernelInternalApi, ev *kernel.SubstateEvent) error {
	if err := s.checkSize(ev.Ref, ev.Size); err != nil {
		return err
	}
	substateWriteMeter.Mark(int64(ev.Size))
	return s.consume(s.sized(s.costing.WriteSubstate, ev.Size), tracing.CostChangeWriteSubstate)
}

func (s *System) OnSetSubstate(api kernel.KernelInternalApi, ev *kernel.SubstateEvent) error {
	if err := s.checkSize(ev.Ref, ev.Size); err != nil {
		return err
	}
	substateWriteMeter.Mark(int64(ev.Size))
	return s.consume(s.sized(s.costing.SetSubstate, ev.Size), tracing.CostChangeWriteSubstate)
}

func (s *System) OnRemoveSubstate(api kernel.KernelInternalApi, ev *kernel.SubstateEvent) error {
	return s.consume(s.costing.RemoveSubstate, tracing.CostChangeWriteSubstate)
}

func (s *System) OnScanKeys(api kernel.KernelInternalApi, ev *kernel.ScanEvent) error {
	return s.consume(s.costing.ScanKeys, tracing.CostChangeScan)
}

func (s *System) OnDrainSubstates(api kernel.KernelInternalApi, ev *kernel.ScanEvent) error {
	units := uint64(s.costing.DrainBase) + uint64(ev.Count)*uint64(s.costing.DrainPerEntry)
	if units > math.MaxUint32 {
		units = math.MaxUint32
	}
	return s.consume(uint32(units), tracing.CostChangeScan)
}

// OnDeletePartition is charged as a drain of every removed entry.
func (s *System) OnDeletePartition(api kernel.KernelInternalApi, ev *kernel.ScanEvent) error {
	return s.OnDrainSubstates(api, ev)
}

func (s *System) OnScanSortedSubstates(api kernel.KernelInternalApi, ev *kernel.ScanEvent) error {
	return s.consume(s.costing.ScanSorted, tracing.CostChangeScan)
}

func (s *System) OnMarkSubstateAsTransient(api kernel.KernelInternalApi, ref types.SubstateRef) error {
	return s.consume(s.costing.MarkTransient, tracing.CostChangeWriteSubstate)
}

// OnStoreAccess charges store reads and enforces the heap size limit.
func (s *System) OnStoreAccess(api kernel.KernelInternalApi, access state.IOAccess) error {
	switch access.Kind {
	case state.ReadFromDb:
		units := uint64(s.costing.StoreRead) + uint64(access.Size)/10
		if units > math.MaxUint32 {
			units = math.MaxUint32
		}
		return s.consume(uint32(units), tracing.CostChangeStoreAccess)
	case state.ReadFromDbNotFound:
		return s.consume(s.costing.StoreReadNotFound, tracing.CostChangeStoreAccess)
	case state.HeapSubstateUpdated:
		if size := api.HeapSize(); size > s.config.Limits.MaxHeapSize {
			return fmt.Errorf("%w: %d bytes, limit %d", ErrHeapLimitExceeded, size, s.config.Limits.MaxHeapSize)
		}
	}
	return nil
}

func (s *System) BeforeInvoke(api kernel.KernelApi, inv *kernel.Invocation) error {
	invokeMeter.Mark(1)
	return s.consume(s.sized(s.costing.Invoke, inv.Args.Len()), tracing.CostChangeInvoke)
}

func (s *System) AfterInvoke(api kernel.KernelApi, output *types.IndexedValue) error {
	return s.consume(s.sized(0, output.Len()), tracing.CostChangeInvoke)
}

func (s *System) OnExecutionStart(api kernel.KernelApi) error { return nil }

func (s *System) OnExecutionFinish(api kernel.KernelApi, msg *kernel.CallFrameMessage) error {
	return nil
}

// InvokeUpstream checks the receiver blueprint and runs the native code of
// the called function.
func (s *System) InvokeUpstream(api kernel.KernelApi, inv *kernel.Invocation) (*types.IndexedValue, error) {
	actor := inv.Actor
	bp, ok := s.registry.Lookup(actor.Blueprint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlueprintNotFound, actor.Blueprint)
	}
	fns := bp.Functions
	if actor.Receiver != nil {
		fns = bp.Methods
		var info *TypeInfo
		err := api.ExecuteInMode(kernel.ModeSystem, func() error {
			var err error
			info, err = readTypeInfo(api, *actor.Receiver)
			return err
		})
		if err != nil {
			return nil, err
		}
		if info.Blueprint != bp.Name {
			return nil, fmt.Errorf("%w: %v is a %s", ErrBlueprintMismatch, actor.Receiver, info.Blueprint)
		}
	}
	fn, ok := fns[actor.Function]
	if !ok {
		return nil, fmt.Errorf("%w: %s::%s", ErrFunctionNotFound, actor.Blueprint, actor.Function)
	}
	if err := s.consume(s.costing.NativeCode, tracing.CostChangeInvoke); err != nil {
		return nil, err
	}
	out, err := fn(&Context{sys: s, api: api, inv: inv})
	if err != nil {
		var rerr *kernel.RuntimeError
		if errors.As(err, &rerr) {
			return nil, err
		}
		return nil, &BlueprintError{Blueprint: actor.Blueprint, Function: actor.Function, Err: err}
	}
	return out, nil
}

// AutoDrop drops proofs and empty buckets. Everything else is left to the
// kernel to report as orphaned.
func (s *System) AutoDrop(api kernel.KernelApi, nodes []types.NodeId) error {
	for _, id := range nodes {
		switch id.EntityType() {
		case types.EntityInternalProof:
		case types.EntityInternalBucket:
			amount, err := readAmount(api, id)
			if err != nil {
				return err
			}
			if !amount.IsZero() {
				continue
			}
		default:
			continue
		}
		if _, err := api.DropNode(id); err != nil {
			return err
		}
	}
	return nil
}

// OnSubstateLockFault materializes virtual accounts the first time their
// type info is looked up.
func (s *System) OnSubstateLockFault(api kernel.KernelApi, id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) (bool, error) {
	if !id.EntityType().IsVirtual() || partition != types.TypeInfoPartition || key != types.TypeInfoField {
		return false, nil
	}
	err := api.ExecuteInMode(kernel.ModeGlobalize, func() error {
		return createAccount(api, id, new(uint256.Int))
	})
	if err != nil {
		return false, err
	}
	lockFaultCounter.Inc()
	s.log.Trace("Virtualized account", "node", id)
	return true, nil
}

// ChargeCommit charges the finalization cost of the given store changes.
func (s *System) ChargeCommit(commits []state.StoreCommit) error {
	var size uint64
	for _, c := range commits {
		if c.Op != state.CommitDelete {
			size += uint64(c.Size)
		}
	}
	units := size * uint64(s.costing.CommitPerByte)
	if units > math.MaxUint32 {
		units = math.MaxUint32
	}
	return s.fees.ConsumeFinalization(uint32(units))
}
