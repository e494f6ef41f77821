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
	"errors"
	"fmt"

	"github.com/substatevm/substatevm/core/types"
)

// List of track errors.
// 列出 Track 错误。
var (
	ErrSubstateNotFound                    = errors.New("substate not found")
	ErrSubstateLocked                      = errors.New("substate locked")
	ErrLockUnmodifiedBaseOnNewSubstate     = errors.New("unmodified base lock on new substate")
	ErrLockUnmodifiedBaseOnUpdatedSubstate = errors.New("unmodified base lock on updated substate")
	ErrLockNotMutable                      = errors.New("lock is not mutable")
	ErrStaleBase                           = errors.New("substate base changed under unmodified base lock")
	ErrInvalidDefaultValue                 = errors.New("default value owns nodes")
	ErrInvalidLockHandle                   = errors.New("invalid lock handle")
	ErrLocksOutstanding                    = errors.New("locks outstanding at finalize")
	ErrTransientSubstateOwnsNode           = errors.New("transient substate owns node")
	ErrTrackFinalized                      = errors.New("track already finalized")

	// ErrNodeNotFound is returned by the heap for unknown nodes.
	ErrNodeNotFound = errors.New("node not found")
)

// TrackError attaches the failing operation and substate to a track error.
// TrackError 将失败的操作及子状态附加到 Track 错误上。
type TrackError struct {
	Op  string
	Ref types.SubstateRef
	Err error
}

func newTrackError(op string, ref types.SubstateRef, err error) *TrackError {
	return &TrackError{Op: op, Ref: ref, Err: err}
}

func (e *TrackError) Error() string {
	return fmt.Sprintf("track %s %v: %v", e.Op, e.Ref, e.Err)
}

func (e *TrackError) Unwrap() error { return e.Err }
