package system

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substatevm/substatevm/core/kernel"
	"github.com/substatevm/substatevm/core/state"
	"github.com/substatevm/substatevm/core/types"
	"github.com/substatevm/substatevm/kvdb/memorydb"
	"github.com/substatevm/substatevm/substatedb"
)

type testChain struct {
	t        *testing.T
	db       *substatedb.Database
	registry *Registry
	txs      byte
}

func newTestChain(t *testing.T) *testChain {
	db, err := substatedb.New(memorydb.New(), &substatedb.Config{})
	require.NoError(t, err)
	return &testChain{t: t, db: db, registry: NewDefaultRegistry()}
}

// run executes the calls as one transaction and commits its state changes
// if it succeeds.
func (c *testChain) run(config *Config, refs []types.NodeId, calls ...types.Call) (*ManifestOutput, *System, error) {
	c.txs++
	sys := New(c.registry, config)
	track := state.NewTrack(c.db)
	k := kernel.New(state.NewHeap(), track, kernel.NewIdAllocator(common.Hash{c.txs}), sys, kernel.Config{})
	root, err := RootInvocation(types.NewTransaction(calls, refs, 0, 0))
	require.NoError(c.t, err)
	out, err := k.Run(root)
	if err != nil {
		return nil, sys, err
	}
	result, err := track.Finalize()
	require.NoError(c.t, err)
	require.NoError(c.t, c.db.Commit(result.ToDatabaseUpdates()))

	mo := new(ManifestOutput)
	require.NoError(c.t, out.DecodePayload(mo))
	require.Len(c.t, mo.Outputs, len(calls))
	return mo, sys, nil
}

func (c *testChain) mustRun(refs []types.NodeId, calls ...types.Call) *ManifestOutput {
	out, _, err := c.run(nil, refs, calls...)
	require.NoError(c.t, err)
	return out
}

func (c *testChain) encode(v interface{}) []byte {
	if v == nil {
		return nil
	}
	b, err := EncodeArgs(v)
	require.NoError(c.t, err)
	return b
}

func (c *testChain) function(blueprint, fn string, args interface{}) types.Call {
	return types.Call{Blueprint: blueprint, Function: fn, Args: c.encode(args)}
}

func (c *testChain) method(receiver types.NodeId, blueprint, fn string, args interface{}) types.Call {
	return types.Call{Blueprint: blueprint, Function: fn, Receiver: receiver.Bytes(), Args: c.encode(args)}
}

func decode[T any](t *testing.T, b []byte) T {
	var v T
	require.NoError(t, rlp.DecodeBytes(b, &v))
	return v
}

func TestCounterLifecycle(t *testing.T) {
	c := newTestChain(t)
	out := c.mustRun(nil, c.function(CounterBlueprint, "new", &CounterArgs{Value: 5}))
	counter := decode[types.NodeId](t, out.Outputs[0])
	assert.Equal(t, types.EntityGlobalComponent, counter.EntityType())

	out = c.mustRun([]types.NodeId{counter},
		c.method(counter, CounterBlueprint, "increment", &CounterArgs{Value: 3}),
		c.method(counter, CounterBlueprint, "get", nil),
	)
	assert.Equal(t, uint64(8), decode[uint64](t, out.Outputs[0]))
	assert.Equal(t, uint64(8), decode[uint64](t, out.Outputs[1]))

	out = c.mustRun([]types.NodeId{counter}, c.method(counter, CounterBlueprint, "get", nil))
	assert.Equal(t, uint64(8), decode[uint64](t, out.Outputs[0]))
}

func TestCounterOverflow(t *testing.T) {
	c := newTestChain(t)
	out := c.mustRun(nil, c.function(CounterBlueprint, "new", &CounterArgs{Value: ^uint64(0)}))
	counter := decode[types.NodeId](t, out.Outputs[0])

	_, _, err := c.run(nil, []types.NodeId{counter}, c.method(counter, CounterBlueprint, "increment", &CounterArgs{Value: 1}))
	assert.ErrorIs(t, err, ErrCounterOverflow)
	var berr *BlueprintError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "increment", berr.Function)
}

func (c *testChain) newAccount(balance uint64) types.NodeId {
	out := c.mustRun(nil, c.function(AccountBlueprint, "new", &NewAccountArgs{Balance: uint256.NewInt(balance)}))
	return decode[types.NodeId](c.t, out.Outputs[0])
}

func (c *testChain) balance(account types.NodeId) uint64 {
	out := c.mustRun([]types.NodeId{account}, c.method(account, AccountBlueprint, "balance", nil))
	return decode[*uint256.Int](c.t, out.Outputs[0]).Uint64()
}

func TestAccountTransfer(t *testing.T) {
	c := newTestChain(t)
	a, b := c.newAccount(100), c.newAccount(0)

	withdraw := c.method(a, AccountBlueprint, "withdraw", &AmountArgs{Amount: uint256.NewInt(30)})
	deposit := c.method(b, AccountBlueprint, "deposit", nil)
	deposit.Worktop = true
	c.mustRun([]types.NodeId{a, b}, withdraw, deposit)

	assert.Equal(t, uint64(70), c.balance(a))
	assert.Equal(t, uint64(30), c.balance(b))

	// Overdrawing fails and changes nothing.
	_, _, err := c.run(nil, []types.NodeId{a}, c.method(a, AccountBlueprint, "withdraw", &AmountArgs{Amount: uint256.NewInt(71)}))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, uint64(70), c.balance(a))
}

func TestNonEmptyBucketOrphaned(t *testing.T) {
	c := newTestChain(t)
	a := c.newAccount(10)
	_, _, err := c.run(nil, []types.NodeId{a}, c.method(a, AccountBlueprint, "withdraw", &AmountArgs{Amount: uint256.NewInt(1)}))
	assert.ErrorIs(t, err, kernel.ErrOrphanedNodes)

	// An empty bucket is dropped.
	c.mustRun([]types.NodeId{a}, c.method(a, AccountBlueprint, "withdraw", &AmountArgs{Amount: uint256.NewInt(0)}))
}

func TestVirtualAccount(t *testing.T) {
	c := newTestChain(t)
	body := make([]byte, types.NodeIdLength-1)
	body[0] = 0x42
	virtual := types.NewNodeId(types.EntityGlobalVirtualAccount, body)

	info, err := c.db.GetSubstate(virtual.PartitionKey(types.TypeInfoPartition), types.TypeInfoField.SortKey())
	require.NoError(t, err)
	assert.Nil(t, info)

	assert.Zero(t, c.balance(virtual))
	info, err = c.db.GetSubstate(virtual.PartitionKey(types.TypeInfoPartition), types.TypeInfoField.SortKey())
	require.NoError(t, err)
	assert.NotNil(t, info)

	a := c.newAccount(5)
	withdraw := c.method(a, AccountBlueprint, "withdraw", &AmountArgs{Amount: uint256.NewInt(5)})
	deposit := c.method(virtual, AccountBlueprint, "deposit", nil)
	deposit.Worktop = true
	c.mustRun([]types.NodeId{a, virtual}, withdraw, deposit)
	assert.Equal(t, uint64(5), c.balance(virtual))
}

func TestProofsAutoDropped(t *testing.T) {
	c := newTestChain(t)
	out := c.mustRun(nil, c.function(ProofsBlueprint, "create", &ProofsArgs{Count: 3}))
	assert.Len(t, decode[[]types.NodeId](t, out.Outputs[0]), 3)
}

func TestAddressReservation(t *testing.T) {
	c := newTestChain(t)
	_, _, err := c.run(nil, nil, c.function(ReservationsBlueprint, "reserve", nil))
	assert.ErrorIs(t, err, kernel.ErrOrphanedNodes)

	claim := c.function(ReservationsBlueprint, "claim", &CounterArgs{Value: 7})
	claim.Worktop = true
	out := c.mustRun(nil, c.function(ReservationsBlueprint, "reserve", nil), claim)
	addr := decode[types.NodeId](t, out.Outputs[0])
	assert.Equal(t, addr, decode[types.NodeId](t, out.Outputs[1]))

	out = c.mustRun([]types.NodeId{addr}, c.method(addr, CounterBlueprint, "get", nil))
	assert.Equal(t, uint64(7), decode[uint64](t, out.Outputs[0]))
}

func TestKeyValue(t *testing.T) {
	c := newTestChain(t)
	out := c.mustRun(nil, c.function(KeyValueBlueprint, "new", nil))
	kv := decode[types.NodeId](t, out.Outputs[0])
	refs := []types.NodeId{kv}

	c.mustRun(refs,
		c.method(kv, KeyValueBlueprint, "set", &SetArgs{Key: []byte("a"), Value: []byte("1")}),
		c.method(kv, KeyValueBlueprint, "set", &SetArgs{Key: []byte("b"), Value: []byte("2")}),
		c.method(kv, KeyValueBlueprint, "push", &PushArgs{Prefix: 2, Key: []byte("y"), Value: []byte("late")}),
		c.method(kv, KeyValueBlueprint, "push", &PushArgs{Prefix: 1, Key: []byte("z"), Value: []byte("early")}),
	)

	out = c.mustRun(refs,
		c.method(kv, KeyValueBlueprint, "get", &KeyArgs{Key: []byte("a")}),
		c.method(kv, KeyValueBlueprint, "get", &KeyArgs{Key: []byte("missing")}),
		c.method(kv, KeyValueBlueprint, "keys", &LimitArgs{Limit: 10}),
		c.method(kv, KeyValueBlueprint, "sorted", &LimitArgs{Limit: 10}),
		c.method(kv, KeyValueBlueprint, "remove", &KeyArgs{Key: []byte("a")}),
		c.method(kv, KeyValueBlueprint, "remove", &KeyArgs{Key: []byte("a")}),
	)
	assert.Equal(t, GetResult{Found: true, Value: []byte("1")}, decode[GetResult](t, out.Outputs[0]))
	assert.False(t, decode[GetResult](t, out.Outputs[1]).Found)
	assert.ElementsMatch(t, [][]byte{[]byte("a"), []byte("b")}, decode[[][]byte](t, out.Outputs[2]))
	sorted := decode[[]Entry](t, out.Outputs[3])
	require.Len(t, sorted, 2)
	assert.Equal(t, []byte("early"), sorted[0].Value)
	assert.Equal(t, []byte("late"), sorted[1].Value)
	assert.True(t, decode[bool](t, out.Outputs[4]))
	assert.False(t, decode[bool](t, out.Outputs[5]))

	out = c.mustRun(refs,
		c.method(kv, KeyValueBlueprint, "drain", &LimitArgs{Limit: 10}),
		c.method(kv, KeyValueBlueprint, "keys", &LimitArgs{Limit: 10}),
	)
	assert.Equal(t, []Entry{{Key: []byte("b"), Value: []byte("2")}}, decode[[]Entry](t, out.Outputs[0]))
	assert.Empty(t, decode[[][]byte](t, out.Outputs[1]))
}

func TestKeyValueClear(t *testing.T) {
	c := newTestChain(t)
	out := c.mustRun(nil, c.function(KeyValueBlueprint, "new", nil))
	kv := decode[types.NodeId](t, out.Outputs[0])
	refs := []types.NodeId{kv}

	c.mustRun(refs,
		c.method(kv, KeyValueBlueprint, "set", &SetArgs{Key: []byte("a"), Value: []byte("1")}),
		c.method(kv, KeyValueBlueprint, "set", &SetArgs{Key: []byte("b"), Value: []byte("2")}),
		c.method(kv, KeyValueBlueprint, "push", &PushArgs{Prefix: 1, Key: []byte("z"), Value: []byte("kept")}),
	)
	c.mustRun(refs,
		c.method(kv, KeyValueBlueprint, "set", &SetArgs{Key: []byte("c"), Value: []byte("3")}),
		c.method(kv, KeyValueBlueprint, "clear", nil),
		c.method(kv, KeyValueBlueprint, "set", &SetArgs{Key: []byte("d"), Value: []byte("4")}),
	)

	out = c.mustRun(refs,
		c.method(kv, KeyValueBlueprint, "keys", &LimitArgs{Limit: 10}),
		c.method(kv, KeyValueBlueprint, "get", &KeyArgs{Key: []byte("a")}),
		c.method(kv, KeyValueBlueprint, "sorted", &LimitArgs{Limit: 10}),
	)
	assert.Equal(t, [][]byte{[]byte("d")}, decode[[][]byte](t, out.Outputs[0]))
	assert.False(t, decode[GetResult](t, out.Outputs[1]).Found)
	assert.Len(t, decode[[]Entry](t, out.Outputs[2]), 1)
}

func TestKeyValueTransientEntry(t *testing.T) {
	c := newTestChain(t)
	out := c.mustRun(nil, c.function(KeyValueBlueprint, "new", nil))
	kv := decode[types.NodeId](t, out.Outputs[0])
	refs := []types.NodeId{kv}

	c.mustRun(refs,
		c.method(kv, KeyValueBlueprint, "mark_transient", &KeyArgs{Key: []byte("tmp")}),
		c.method(kv, KeyValueBlueprint, "set", &SetArgs{Key: []byte("tmp"), Value: []byte("x")}),
	)
	out = c.mustRun(refs, c.method(kv, KeyValueBlueprint, "get", &KeyArgs{Key: []byte("tmp")}))
	assert.False(t, decode[GetResult](t, out.Outputs[0]).Found)
}

func TestInvocationErrors(t *testing.T) {
	c := newTestChain(t)
	a := c.newAccount(1)

	_, _, err := c.run(nil, []types.NodeId{a}, c.method(a, CounterBlueprint, "get", nil))
	assert.ErrorIs(t, err, ErrBlueprintMismatch)

	_, _, err = c.run(nil, nil, c.function(AccountBlueprint, "steal", nil))
	assert.ErrorIs(t, err, ErrFunctionNotFound)

	_, _, err = c.run(nil, nil, c.function("Missing", "new", nil))
	assert.ErrorIs(t, err, ErrBlueprintNotFound)

	_, _, err = c.run(nil, nil, types.Call{Blueprint: CounterBlueprint, Function: "new", Args: []byte{0xff}})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	var rerr *kernel.RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, kernel.OriginApplication, rerr.Origin)
}

func TestCostUnitLimit(t *testing.T) {
	c := newTestChain(t)
	_, sys, err := c.run(&Config{CostUnitLimit: 50_000}, nil, c.function(ProofsBlueprint, "create", &ProofsArgs{Count: 100}))
	assert.ErrorIs(t, err, ErrCostUnitLimitExceeded)
	assert.LessOrEqual(t, sys.Fees().Summary().ExecutionCostUnits, uint64(50_000))
}

func TestLoanRepayment(t *testing.T) {
	c := newTestChain(t)
	payer := c.newAccount(1_000_000_000)
	params := DefaultCostingParams
	params.LoanUnits = 500_000
	params.CostUnitPrice = uint256.NewInt(1)
	config := &Config{Costing: &params}

	_, sys, err := c.run(config, nil, c.function(ProofsBlueprint, "create", &ProofsArgs{Count: 1000}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoanRepaymentFailed) || errors.Is(err, ErrInsufficientBalance), err)
	assert.False(t, sys.Fees().FullyRepaid())

	_, sys, err = c.run(config, []types.NodeId{payer},
		c.method(payer, AccountBlueprint, "lock_fee", &LockFeeArgs{Amount: uint256.NewInt(5_000_000)}),
		c.function(ProofsBlueprint, "create", &ProofsArgs{Count: 1000}),
	)
	require.NoError(t, err)
	summary := sys.Fees().Summary()
	assert.True(t, summary.Repaid)
	assert.Equal(t, uint64(5_000_000), summary.Locked.Uint64())
	assert.Greater(t, summary.ExecutionCostUnits, uint64(params.LoanUnits))
	assert.Equal(t, uint64(1_000_000_000-5_000_000), c.balance(payer))
}

func TestResourceLimits(t *testing.T) {
	c := newTestChain(t)
	out := c.mustRun(nil, c.function(KeyValueBlueprint, "new", nil))
	kv := decode[types.NodeId](t, out.Outputs[0])

	limits := DefaultLimits
	limits.MaxSubstateSize = 64
	_, _, err := c.run(&Config{Limits: limits}, []types.NodeId{kv},
		c.method(kv, KeyValueBlueprint, "set", &SetArgs{Key: []byte("k"), Value: make([]byte, 100)}))
	assert.ErrorIs(t, err, ErrSubstateTooLarge)

	limits = DefaultLimits
	limits.MaxHeapSize = 256
	_, _, err = c.run(&Config{Limits: limits}, nil, c.function(ProofsBlueprint, "create", &ProofsArgs{Count: 50}))
	assert.ErrorIs(t, err, ErrHeapLimitExceeded)
}

func TestCreateNodeSizeCheckOrder(t *testing.T) {
	limits := DefaultLimits
	limits.MaxSubstateSize = 8
	sys := New(NewDefaultRegistry(), &Config{Limits: limits})

	body := make([]byte, types.NodeIdLength-1)
	body[0] = 0x07
	id := types.NewNodeId(types.EntityGlobalComponent, body)
	big := types.MustEncodeValue(make([]byte, 100))
	subs := types.NodeSubstates{}
	subs.Set(types.FirstCollectionPartition, types.MapKey([]byte("a")), big)
	subs.Set(types.MainPartition, types.FieldKey(3), big)
	subs.Set(types.MainPartition, types.FieldKey(1), big)

	want := sys.checkSize(types.SubstateRef{Node: id, Partition: types.MainPartition, Key: types.FieldKey(1)}, big.Len())
	require.Error(t, want)
	for i := 0; i < 20; i++ {
		err := sys.OnCreateNode(nil, &kernel.CreateNodeEvent{Stage: kernel.StageStart, Node: id, Substates: subs})
		require.ErrorIs(t, err, ErrSubstateTooLarge)
		assert.Equal(t, want.Error(), err.Error())
	}
}
