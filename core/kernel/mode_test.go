package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVisibilityMatrix(t *testing.T) {
	tests := []struct {
		mode    ExecutionMode
		op      Operation
		subject Access
		want    bool
	}{
		{ModeKernel, OpCreateNode, AccessGlobal, true},
		{ModeClient, OpCreateNode, AccessGlobal, false},
		{ModeGlobalize, OpCreateNode, AccessGlobal, true},
		{ModeResolver, OpCreateNode, AccessOwned, false},

		{ModeKernel, OpDropNode, AccessGlobal, false},
		{ModeClient, OpDropNode, AccessOwned, true},
		{ModeClient, OpDropNode, AccessNormal, false},
		{ModeAutoDrop, OpDropNode, AccessOwned, true},
		{ModeGlobalize, OpDropNode, AccessOwned, false},
		{ModeDropNode, OpDropNode, AccessOwned, false},

		{ModeClient, OpReadSubstate, AccessDirect, true},
		{ModeClient, OpWriteSubstate, AccessDirect, false},
		{ModeClient, OpWriteSubstate, AccessBorrowed, true},
		{ModeSystem, OpWriteSubstate, AccessDirect, true},
		{ModeResolver, OpReadSubstate, AccessNormal, true},
		{ModeResolver, OpWriteSubstate, AccessOwned, false},
		{ModeAutoDrop, OpReadSubstate, AccessNormal, false},
		{ModeDropNode, OpWriteSubstate, AccessOwned, true},

		{ModeKernel, OpReadSubstate, AccessNone, false},
		{numModes, OpReadSubstate, AccessOwned, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Allowed(tt.mode, tt.op, tt.subject), "%v %v %v", tt.mode, tt.op, tt.subject)
	}
}

func TestNoModeDropsGlobalNodes(t *testing.T) {
	for m := ModeKernel; m < numModes; m++ {
		assert.False(t, Allowed(m, OpDropNode, AccessGlobal), m.String())
	}
}

func TestModeTransitions(t *testing.T) {
	for m := ModeKernel; m < numModes; m++ {
		assert.True(t, ValidTransition(m, m), "self transition of %v", m)
		assert.True(t, ValidTransition(ModeKernel, m), "kernel to %v", m)
	}
	assert.True(t, ValidTransition(ModeClient, ModeSystem))
	assert.True(t, ValidTransition(ModeResolver, ModeGlobalize))
	assert.True(t, ValidTransition(ModeKernelModule, ModeResolver))

	assert.False(t, ValidTransition(ModeClient, ModeKernel))
	assert.False(t, ValidTransition(ModeClient, ModeAutoDrop))
	assert.False(t, ValidTransition(ModeGlobalize, ModeSystem))
	assert.False(t, ValidTransition(ModeDropNode, ModeClient))
	assert.False(t, ValidTransition(ModeKernel, numModes))
}

func TestAccessString(t *testing.T) {
	assert.Equal(t, "none", AccessNone.String())
	assert.Equal(t, "owned|normal", (AccessNormal | AccessOwned).String())
	assert.Equal(t, "owned|global|normal|direct|borrowed", AccessAll.String())
	assert.Equal(t, "Globalize", ModeGlobalize.String())
}
