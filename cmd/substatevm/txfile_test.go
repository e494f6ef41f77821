package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substatevm/substatevm/core/system"
	"github.com/substatevm/substatevm/core/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))
	return file
}

func TestLoadTransaction(t *testing.T) {
	counter := types.NewNodeId(types.EntityGlobalComponent, []byte{1, 2, 3})
	file := writeFile(t, "tx.toml", `
Nonce = 7
References = ["`+"0x"+counter.String()+`"]

[[Calls]]
Blueprint = "Counter"
Function = "increment"
Receiver = "`+"0x"+counter.String()+`"
Args = ["42"]

[[Calls]]
Blueprint = "Account"
Function = "new"
Args = ["1000000000000000000000"]

[[Calls]]
Blueprint = "Account"
Function = "lock_fee"
RawArgs = "0xc3820100c0"
Worktop = true
`)
	tx, err := loadTransaction(file, 1234)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), tx.Nonce)
	assert.Equal(t, uint64(1234), tx.CostUnitLimit)
	assert.Equal(t, []types.NodeId{counter}, tx.References)
	require.Len(t, tx.Calls, 3)

	assert.Equal(t, counter.Bytes(), tx.Calls[0].Receiver)
	var args system.CounterArgs
	require.NoError(t, rlp.DecodeBytes(tx.Calls[0].Args, &args))
	assert.Equal(t, uint64(42), args.Value)

	assert.Empty(t, tx.Calls[1].Receiver)
	var account system.NewAccountArgs
	require.NoError(t, rlp.DecodeBytes(tx.Calls[1].Args, &account))
	want, _ := uint256.FromDecimal("1000000000000000000000")
	assert.Equal(t, want, account.Balance)

	assert.Equal(t, []byte{0xc3, 0x82, 0x01, 0x00, 0xc0}, tx.Calls[2].Args)
	assert.True(t, tx.Calls[2].Worktop)
}

func TestLoadTransactionErrors(t *testing.T) {
	tests := map[string]string{
		"empty": `Nonce = 1`,
		"conflict": `
[[Calls]]
Blueprint = "Counter"
Function = "new"
Args = ["1"]
RawArgs = "0xc101"`,
		"unknown field": `
Gas = 1
[[Calls]]
Blueprint = "Counter"
Function = "new"`,
		"bad hex": `
[[Calls]]
Blueprint = "Counter"
Function = "new"
Args = ["0x123"]`,
	}
	for name, content := range tests {
		_, err := loadTransaction(writeFile(t, "tx.toml", content), 1)
		assert.Error(t, err, name)
	}
	_, err := loadTransaction(writeFile(t, "tx.toml", `Nonce = 1`), 1)
	assert.ErrorIs(t, err, types.ErrEmptyTransaction)
}

func TestParseArg(t *testing.T) {
	tests := []struct {
		arg  string
		want interface{}
	}{
		{"true", true},
		{"false", false},
		{"0x0102", []byte{1, 2}},
		{"12", uint256.NewInt(12)},
		{"hello", "hello"},
		{"-1", "-1"},
	}
	for _, tt := range tests {
		got, err := parseArg(tt.arg)
		require.NoError(t, err, tt.arg)
		assert.Equal(t, tt.want, got, tt.arg)
	}
}
