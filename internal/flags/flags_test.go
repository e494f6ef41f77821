// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package flags

import (
	"flag"
	"os"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathExpansion(t *testing.T) {
	home := HomeDir()
	tests := map[string]string{
		"/home/someuser/tmp": "/home/someuser/tmp",
		"~/tmp":              home + "/tmp",
		"~thisOtherUser/b/":  "~thisOtherUser/b",
		"$DDDXXX/a/b":        "/tmp/a/b",
		"/a/b/":              "/a/b",
	}
	os.Setenv("DDDXXX", "/tmp")
	for test, expected := range tests {
		assert.Equal(t, expected, expandPath(test), test)
	}
}

func TestUint256Flag(t *testing.T) {
	f := &Uint256Flag{Name: "price", Value: uint256.NewInt(7)}
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	require.NoError(t, f.Apply(set))
	assert.Equal(t, "7", f.GetDefaultText())

	require.NoError(t, set.Parse([]string{"--price", "0x10"}))
	assert.Equal(t, uint64(16), f.Value.Uint64())
	assert.Equal(t, "7", f.GetDefaultText())

	require.NoError(t, set.Parse([]string{"--price", "1000"}))
	assert.Equal(t, uint64(1000), f.Value.Uint64())

	assert.Error(t, set.Parse([]string{"--price", "-1"}))
	assert.Error(t, set.Parse([]string{"--price", "0xzz"}))
}

func TestFlagEnvVar(t *testing.T) {
	assert.Equal(t, "SUBSTATEVM_DB_ENGINE", FlagEnvVar("SUBSTATEVM", "db.engine"))
	assert.Equal(t, "SUBSTATEVM_DATADIR", FlagEnvVar("SUBSTATEVM", "datadir"))
}
