package kernel

import (
	"fmt"

	"github.com/substatevm/substatevm/core/state"
	"github.com/substatevm/substatevm/core/types"
)

type upstreamFunc func(api KernelApi, inv *Invocation) (*types.IndexedValue, error)

// testCallback dispatches invocations by function name and records the
// hooks it sees. Optional fields override the default behavior.
type testCallback struct {
	funcs map[string]upstreamFunc

	autoDrop  func(api KernelApi, nodes []types.NodeId) error
	lockFault func(api KernelApi, id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) (bool, error)
	onCreate  func(api KernelInternalApi, ev *CreateNodeEvent) error

	events []string
	modes  []ExecutionMode // mode seen by each hook
	io     []state.IOAccess
}

func newTestCallback() *testCallback {
	return &testCallback{funcs: make(map[string]upstreamFunc)}
}

func (c *testCallback) record(api KernelInternalApi, format string, args ...interface{}) {
	c.events = append(c.events, fmt.Sprintf(format, args...))
	c.modes = append(c.modes, api.Mode())
}

func (c *testCallback) OnInit(api KernelApi) error {
	c.record(api, "init")
	return nil
}

func (c *testCallback) OnTeardown(api KernelApi) error {
	c.record(api, "teardown")
	return nil
}

func (c *testCallback) OnAllocateNodeId(api KernelInternalApi, t types.EntityType) error {
	c.record(api, "allocate %v", t)
	return nil
}

func (c *testCallback) OnCreateNode(api KernelInternalApi, ev *CreateNodeEvent) error {
	c.record(api, "create %v %v", ev.Stage, ev.Node.TerminalString())
	if c.onCreate != nil {
		return c.onCreate(api, ev)
	}
	return nil
}

func (c *testCallback) OnDropNode(api KernelInternalApi, ev *DropNodeEvent) error {
	c.record(api, "drop %v %v", ev.Stage, ev.Node.TerminalString())
	return nil
}

func (c *testCallback) OnMoveNode(api KernelInternalApi, ev *MoveNodeEvent) error {
	c.record(api, "move %v %d->%d", ev.Node.TerminalString(), ev.FromDepth, ev.ToDepth)
	return nil
}

func (c *testCallback) OnPinNode(api KernelInternalApi, id types.NodeId) error {
	c.record(api, "pin %v", id.TerminalString())
	return nil
}

func (c *testCallback) OnOpenSubstate(api KernelInternalApi, ev *SubstateEvent) error {
	c.record(api, "open %v", ev.Flags)
	return nil
}

func (c *testCallback) OnCloseSubstate(api KernelInternalApi, ev *SubstateEvent) error {
	c.record(api, "close %d", ev.Handle)
	return nil
}

func (c *testCallback) OnReadSubstate(api KernelInternalApi, ev *SubstateEvent) error {
	c.record(api, "read %d", ev.Handle)
	return nil
}

func (c *testCallback) OnWriteSubstate(api KernelInternalApi, ev *SubstateEvent) error {
	c.record(api, "write %d", ev.Handle)
	return nil
}

func (c *testCallback) OnSetSubstate(api KernelInternalApi, ev *SubstateEvent) error {
	c.record(api, "set")
	return nil
}

func (c *testCallback) OnRemoveSubstate(api KernelInternalApi, ev *SubstateEvent) error {
	c.record(api, "remove")
	return nil
}

func (c *testCallback) OnScanKeys(api KernelInternalApi, ev *ScanEvent) error {
	c.record(api, "scan keys %d", ev.Count)
	return nil
}

func (c *testCallback) OnDrainSubstates(api KernelInternalApi, ev *ScanEvent) error {
	c.record(api, "drain %d", ev.Count)
	return nil
}

func (c *testCallback) OnScanSortedSubstates(api KernelInternalApi, ev *ScanEvent) error {
	c.record(api, "scan sorted %d", ev.Count)
	return nil
}

func (c *testCallback) OnDeletePartition(api KernelInternalApi, ev *ScanEvent) error {
	c.record(api, "delete partition %d", ev.Count)
	return nil
}

func (c *testCallback) OnMarkSubstateAsTransient(api KernelInternalApi, ref types.SubstateRef) error {
	c.record(api, "transient")
	return nil
}

func (c *testCallback) OnStoreAccess(api KernelInternalApi, access state.IOAccess) error {
	c.io = append(c.io, access)
	return nil
}

func (c *testCallback) BeforeInvoke(api KernelApi, inv *Invocation) error {
	c.record(api, "before %v", inv.Actor)
	return nil
}

func (c *testCallback) AfterInvoke(api KernelApi, output *types.IndexedValue) error {
	c.record(api, "after")
	return nil
}

func (c *testCallback) OnExecutionStart(api KernelApi) error {
	c.record(api, "start %d", api.CurrentDepth())
	return nil
}

func (c *testCallback) OnExecutionFinish(api KernelApi, msg *CallFrameMessage) error {
	c.record(api, "finish %d", api.CurrentDepth())
	return nil
}

func (c *testCallback) InvokeUpstream(api KernelApi, inv *Invocation) (*types.IndexedValue, error) {
	fn, ok := c.funcs[inv.Actor.Function]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", inv.Actor.Function)
	}
	return fn(api, inv)
}

func (c *testCallback) AutoDrop(api KernelApi, nodes []types.NodeId) error {
	if c.autoDrop != nil {
		return c.autoDrop(api, nodes)
	}
	return nil
}

func (c *testCallback) OnSubstateLockFault(api KernelApi, id types.NodeId, partition types.PartitionNumber, key types.SubstateKey) (bool, error) {
	c.record(api, "fault %v", id.TerminalString())
	if c.lockFault != nil {
		return c.lockFault(api, id, partition, key)
	}
	return false, nil
}

var _ Callback = (*testCallback)(nil)
