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

package substatedb

import (
	"github.com/substatevm/substatevm/metrics"
)

// The fields below define the low level database schema prefixing.
var (
	// substatePrefix + partitionKey + sortKey -> snappy(value)
	substatePrefix = []byte("s")

	// versionKey tracks the number of commits applied to the store.
	versionKey = []byte("SubstateVersion")
)

// substateKey = substatePrefix + partitionKey + sortKey
func substateKey(partitionKey, sortKey []byte) []byte {
	out := make([]byte, 0, len(substatePrefix)+len(partitionKey)+len(sortKey))
	out = append(out, substatePrefix...)
	out = append(out, partitionKey...)
	return append(out, sortKey...)
}

// partitionPrefix = substatePrefix + partitionKey
func partitionPrefix(partitionKey []byte) []byte {
	return substateKey(partitionKey, nil)
}

var (
	cacheHitMeter   = metrics.NewRegisteredMeter("substatedb/cache/hit", "Substate reads served by the clean cache")
	cacheMissMeter  = metrics.NewRegisteredMeter("substatedb/cache/miss", "Substate reads that went to disk")
	readMeter       = metrics.NewRegisteredMeter("substatedb/read", "Bytes of substate read from disk")
	writeMeter      = metrics.NewRegisteredMeter("substatedb/write", "Bytes of substate written to disk")
	commitTimer     = metrics.NewRegisteredTimer("substatedb/commit", "Time spent committing state updates")
	partitionResets = metrics.NewRegisteredCounter("substatedb/reset", "Partitions reset by commits")
)
