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

package types

import (
	"strconv"
	"strings"
)

// LockFlags describe the access requested when opening a substate.
// LockFlags 描述打开子状态时请求的访问方式。
type LockFlags uint32

const (
	// LockFlagsRead is the empty flag set: a shared, read-only lock.
	LockFlagsRead LockFlags = 0

	// LockFlagMutable requests an exclusive lock that permits writes.
	LockFlagMutable LockFlags = 1 << 0

	// LockFlagUnmodifiedBase requires the substate to be unmodified in this
	// transaction, and writes to fail if the base changes under the lock.
	LockFlagUnmodifiedBase LockFlags = 1 << 1

	// LockFlagForceWrite keeps the value written under the lock even if the
	// rest of the transaction is reverted (fee vault top-ups).
	LockFlagForceWrite LockFlags = 1 << 2
)

func (f LockFlags) Contains(flag LockFlags) bool { return f&flag == flag }

func (f LockFlags) IsMutable() bool { return f&LockFlagMutable != 0 }

func (f LockFlags) String() string {
	if f == LockFlagsRead {
		return "READ"
	}
	var parts []string
	if f&LockFlagMutable != 0 {
		parts = append(parts, "MUTABLE")
	}
	if f&LockFlagUnmodifiedBase != 0 {
		parts = append(parts, "UNMODIFIED_BASE")
	}
	if f&LockFlagForceWrite != 0 {
		parts = append(parts, "FORCE_WRITE")
	}
	return strings.Join(parts, "|")
}

// LockHandle identifies an open substate lock. Handles are issued in
// increasing order and never reused within one transaction.
type LockHandle uint32

// SubstateRef names one substate.
type SubstateRef struct {
	Node      NodeId
	Partition PartitionNumber
	Key       SubstateKey
}

func (r SubstateRef) String() string {
	return r.Node.String() + "/" + strconv.Itoa(int(r.Partition)) + "/" + r.Key.String()
}
