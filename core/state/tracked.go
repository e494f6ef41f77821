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

package state

import (
	"github.com/substatevm/substatevm/core/types"
)

// valueState is the lifecycle of a substate inside the track.
//
//	readOnly               read from the store; base is nil when nothing was found
//	newValue               created by this transaction on a new node
//	readExistAndWrite      read an existing base, then written (current nil = delete)
//	readNonExistAndWrite   read nothing, then written
//	writeOnly              written without reading (current nil = delete)
//	garbage                created and removed again within this transaction
//
// valueState 描述子状态在 Track 中的生命周期。
type valueState uint8

const (
	readOnly valueState = iota
	newValue
	readExistAndWrite
	readNonExistAndWrite
	writeOnly
	garbage
)

func (s valueState) String() string {
	switch s {
	case readOnly:
		return "ReadOnly"
	case newValue:
		return "New"
	case readExistAndWrite:
		return "ReadExistAndWrite"
	case readNonExistAndWrite:
		return "ReadNonExistAndWrite"
	case writeOnly:
		return "WriteOnly"
	case garbage:
		return "Garbage"
	}
	return "Unknown"
}

// trackedValue holds the base value read from the store and the current
// value written by the transaction.
type trackedValue struct {
	state   valueState
	base    *types.IndexedValue
	current *types.IndexedValue
}

func readValue(v *types.IndexedValue) trackedValue {
	return trackedValue{state: readOnly, base: v}
}

// get returns the value a reader observes, nil if none.
func (t *trackedValue) get() *types.IndexedValue {
	switch t.state {
	case readOnly:
		return t.base
	case garbage:
		return nil
	}
	return t.current
}

// size is the memory held by the entry.
func (t *trackedValue) size() int {
	var n int
	if t.base != nil && (t.state == readOnly || t.state == readExistAndWrite) {
		n += t.base.Len()
	}
	if t.current != nil && t.state != readOnly && t.state != garbage {
		n += t.current.Len()
	}
	return n
}

// written reports whether the entry carries a write for the commit.
func (t *trackedValue) written() bool {
	switch t.state {
	case readOnly, garbage:
		return false
	}
	return true
}

func (t *trackedValue) set(v *types.IndexedValue) {
	switch t.state {
	case garbage:
		*t = trackedValue{state: writeOnly, current: v}
	case readOnly:
		if t.base == nil {
			*t = trackedValue{state: readNonExistAndWrite, current: v}
		} else {
			t.state, t.current = readExistAndWrite, v
		}
	default:
		t.current = v
	}
}

// take removes the value, returning what a reader would have observed.
func (t *trackedValue) take() *types.IndexedValue {
	switch t.state {
	case garbage:
		return nil
	case newValue:
		v := t.current
		*t = trackedValue{state: garbage}
		return v
	case writeOnly, readExistAndWrite:
		v := t.current
		t.current = nil
		return v
	case readNonExistAndWrite:
		v := t.current
		*t = readValue(nil)
		return v
	default: // readOnly
		if t.base == nil {
			return nil
		}
		t.state, t.current = readExistAndWrite, nil
		return t.base
	}
}

// revertWrites drops the transaction's writes, keeping what was read.
func (t *trackedValue) revertWrites() {
	switch t.state {
	case newValue, writeOnly:
		*t = trackedValue{state: garbage}
	case readExistAndWrite:
		*t = readValue(t.base)
	case readNonExistAndWrite:
		*t = readValue(nil)
	}
}

// TrackedSubstateInfo summarises how a substate was touched.
type TrackedSubstateInfo uint8

const (
	SubstateUnmodified TrackedSubstateInfo = iota
	SubstateUpdated
	SubstateNew
)

func (i TrackedSubstateInfo) String() string {
	switch i {
	case SubstateNew:
		return "New"
	case SubstateUpdated:
		return "Updated"
	}
	return "Unmodified"
}

func (t *trackedValue) info() TrackedSubstateInfo {
	switch t.state {
	case newValue, garbage:
		return SubstateNew
	case readOnly:
		return SubstateUnmodified
	}
	return SubstateUpdated
}
