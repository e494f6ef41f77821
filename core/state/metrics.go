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

import "github.com/substatevm/substatevm/metrics"

var (
	storeReadMeter = metrics.NewRegisteredMeter("state/track/read", "Bytes of substates read from the store by the track")
	storeMissMeter = metrics.NewRegisteredMeter("state/track/miss", "Track reads that found no stored substate")
)
