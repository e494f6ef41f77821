// Copyright 2022 The go-ethereum Authors
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

package state

import (
	"slices"
	"strings"

	"github.com/substatevm/substatevm/core/types"
)

// transientSubstates is the set of substates that live only for the
// duration of one transaction. They are served by the track like any other
// substate but never read from the store and never committed.
// transientSubstates 是只在单个交易期间存在的子状态集合，不从存储读取，也不会被提交。
type transientSubstates map[types.SubstateRef]struct{}

func newTransientSubstates() transientSubstates {
	return make(transientSubstates)
}

// Mark flags the substate as transient.
func (t transientSubstates) Mark(ref types.SubstateRef) {
	t[ref] = struct{}{}
}

// Contains reports whether the substate was marked.
func (t transientSubstates) Contains(ref types.SubstateRef) bool {
	_, ok := t[ref]
	return ok
}

// Refs returns the marked substates in a stable order.
func (t transientSubstates) Refs() []types.SubstateRef {
	refs := make([]types.SubstateRef, 0, len(t))
	for ref := range t {
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, compareRefs)
	return refs
}

// PrettyPrint prints the contents of the set in a human-readable form.
func (t transientSubstates) PrettyPrint() string {
	out := new(strings.Builder)
	for _, ref := range t.Refs() {
		out.WriteString(ref.String())
		out.WriteByte('\n')
	}
	return out.String()
}

func compareRefs(a, b types.SubstateRef) int {
	if c := a.Node.Compare(b.Node); c != 0 {
		return c
	}
	if a.Partition != b.Partition {
		if a.Partition < b.Partition {
			return -1
		}
		return 1
	}
	return strings.Compare(string(a.Key.SortKey()), string(b.Key.SortKey()))
}
