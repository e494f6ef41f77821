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
	"fmt"

	"github.com/substatevm/substatevm/core/types"
)

// NoSize marks an absent value in an IOAccess size field.
const NoSize = -1

// IOAccessKind classifies what an IOAccess reports.
type IOAccessKind uint8

const (
	// ReadFromDb is a store read that found a value of Size bytes.
	ReadFromDb IOAccessKind = iota
	// ReadFromDbNotFound is a store read that found nothing.
	ReadFromDbNotFound
	// TrackSubstateUpdated is a change of the memory held by the track.
	TrackSubstateUpdated
	// HeapSubstateUpdated is a change of the memory held by the heap.
	HeapSubstateUpdated
)

func (k IOAccessKind) String() string {
	switch k {
	case ReadFromDb:
		return "ReadFromDb"
	case ReadFromDbNotFound:
		return "ReadFromDbNotFound"
	case TrackSubstateUpdated:
		return "TrackSubstateUpdated"
	case HeapSubstateUpdated:
		return "HeapSubstateUpdated"
	}
	return fmt.Sprintf("IOAccessKind(%d)", uint8(k))
}

// IOAccess is reported to the caller for every store read and every change
// in the memory footprint of the heap or the track, so the layer above can
// meter it.
// IOAccess 在每次存储读取以及堆或 Track 内存占用变化时上报给调用方，用于计量。
type IOAccess struct {
	Kind    IOAccessKind
	Ref     types.SubstateRef
	Size    int // bytes read, ReadFromDb only
	OldSize int // NoSize if the value did not exist
	NewSize int // NoSize if the value no longer exists
}

// Delta is the change in bytes held in memory.
func (a IOAccess) Delta() int {
	var d int
	if a.NewSize != NoSize {
		d += a.NewSize
	}
	if a.OldSize != NoSize {
		d -= a.OldSize
	}
	return d
}

func (a IOAccess) String() string {
	switch a.Kind {
	case ReadFromDb:
		return fmt.Sprintf("%v(%v, %d)", a.Kind, a.Ref, a.Size)
	case ReadFromDbNotFound:
		return fmt.Sprintf("%v(%v)", a.Kind, a.Ref)
	}
	return fmt.Sprintf("%v(%v, %d -> %d)", a.Kind, a.Ref, a.OldSize, a.NewSize)
}

// IOHandler receives IO accesses. A returned error aborts the operation and
// is passed back to the caller unchanged.
type IOHandler func(access IOAccess) error

func (h IOHandler) report(access IOAccess) error {
	if h == nil {
		return nil
	}
	return h(access)
}

func sizeOf(v *types.IndexedValue) int {
	if v == nil {
		return NoSize
	}
	return v.Len()
}
