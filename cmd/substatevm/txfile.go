// Copyright 2014 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.


package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/naoina/toml"
	"github.com/substatevm/substatevm/core/types"
)

// txFile is the TOML rendering of a transaction:
//
//	Nonce = 1
//	References = ["0xc0..."]
//
//	[[Calls]]
//	Blueprint = "Counter"
//	Function  = "increment"
//	Receiver  = "0xc0..."
//	Args      = ["5"]
//
// Each argument becomes one field of the RLP encoded argument struct:
// decimal numbers encode as unsigned integers, 0x prefixed hex as bytes,
// true and false as booleans and anything else as a string. RawArgs
// gives the encoded arguments verbatim instead.
type txFile struct {
	Nonce         uint64
	CostUnitLimit uint64         `toml:",omitempty"`
	References    []types.NodeId `toml:",omitempty"`
	Calls         []txCall
}

type txCall struct {
	Blueprint string
	Function  string
	Receiver  types.NodeId   `toml:",omitempty"` // zero for functions
	Args      []string       `toml:",omitempty"`
	RawArgs   hexutil.Bytes  `toml:",omitempty"`
	Refs      []types.NodeId `toml:",omitempty"`
	Worktop   bool           `toml:",omitempty"` // pass everything on the worktop to the call
}

var errArgsConflict = errors.New("both Args and RawArgs set")

// loadTransaction reads a transaction file. A missing cost unit limit is
// replaced by defaultLimit.
func loadTransaction(file string, defaultLimit uint64) (*types.Transaction, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tf txFile
	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&tf); err != nil {
		if _, ok := err.(*toml.LineError); ok {
			err = errors.New(file + ", " + err.Error())
		}
		return nil, err
	}
	tx, err := tf.transaction(defaultLimit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return tx, nil
}

func (tf *txFile) transaction(defaultLimit uint64) (*types.Transaction, error) {
	calls := make([]types.Call, len(tf.Calls))
	for i, c := range tf.Calls {
		call := types.Call{
			Blueprint: c.Blueprint,
			Function:  c.Function,
			Refs:      c.Refs,
			Worktop:   c.Worktop,
		}
		if c.Receiver != (types.NodeId{}) {
			call.Receiver = c.Receiver.Bytes()
		}
		switch {
		case len(c.Args) > 0 && len(c.RawArgs) > 0:
			return nil, fmt.Errorf("call %d: %w", i, errArgsConflict)
		case len(c.RawArgs) > 0:
			call.Args = c.RawArgs
		case len(c.Args) > 0:
			enc, err := encodeArgs(c.Args)
			if err != nil {
				return nil, fmt.Errorf("call %d: %w", i, err)
			}
			call.Args = enc
		}
		calls[i] = call
	}
	limit := tf.CostUnitLimit
	if limit == 0 {
		limit = defaultLimit
	}
	tx := types.NewTransaction(calls, tf.References, limit, tf.Nonce)
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// encodeArgs encodes the textual arguments as an RLP list.
func encodeArgs(args []string) ([]byte, error) {
	list := make([]interface{}, len(args))
	for i, arg := range args {
		v, err := parseArg(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		list[i] = v
	}
	return rlp.EncodeToBytes(list)
}

func parseArg(arg string) (interface{}, error) {
	switch {
	case arg == "true":
		return true, nil
	case arg == "false":
		return false, nil
	case strings.HasPrefix(arg, "0x"), strings.HasPrefix(arg, "0X"):
		return hexutil.Decode("0x" + arg[2:])
	case isDecimal(arg):
		return uint256.FromDecimal(arg)
	}
	return arg, nil
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
