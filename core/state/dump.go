// Copyright 2014 The go-ethereum Authors
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
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/substatevm/substatevm/core/types"
	"github.com/substatevm/substatevm/substatedb"
)

// DumpConfig is a set of options to control what portions of a node will be
// collected.
// DumpConfig 控制转储节点时收集哪些部分。
type DumpConfig struct {
	SkipPayload bool // Whether to skip substate payloads
	Max         int  // Maximum number of substates per partition, 0 for all
}

// DumpSubstate represents one substate in a dump.
type DumpSubstate struct {
	SortKey hexutil.Bytes `json:"sortKey"`
	Key     string        `json:"key,omitempty"`
	State   string        `json:"state,omitempty"`
	Payload hexutil.Bytes `json:"payload,omitempty"`
	Owned   []string      `json:"owned,omitempty"`
	Refs    []string      `json:"refs,omitempty"`
	Size    int           `json:"size"`
}

// DumpPartition is the content of one partition.
type DumpPartition struct {
	Partition types.PartitionNumber `json:"partition"`
	Substates []DumpSubstate        `json:"substates"`
}

// NodeDump is the content of one node.
type NodeDump struct {
	Node       string          `json:"node"`
	EntityType string          `json:"entityType"`
	Partitions []DumpPartition `json:"partitions"`
}

// JSON renders the dump indented.
func (d *NodeDump) JSON() []byte {
	out, err := json.MarshalIndent(d, "", "    ")
	if err != nil {
		panic(fmt.Sprintf("dump err: %v", err))
	}
	return out
}

func dumpValue(conf *DumpConfig, sortKey []byte, v *types.IndexedValue) DumpSubstate {
	ds := DumpSubstate{SortKey: sortKey, Size: v.Len()}
	if !conf.SkipPayload {
		ds.Payload = v.Payload()
	}
	for _, id := range v.OwnedNodes() {
		ds.Owned = append(ds.Owned, id.String())
	}
	for _, id := range v.References() {
		ds.Refs = append(ds.Refs, id.String())
	}
	return ds
}

// DumpNode collects every stored partition of a node. Stored sort keys do
// not record their key kind, so only the raw sort key is reported.
func DumpNode(db substatedb.Reader, id types.NodeId, conf *DumpConfig) (*NodeDump, error) {
	if conf == nil {
		conf = new(DumpConfig)
	}
	dump := &NodeDump{Node: id.String(), EntityType: id.EntityType().String()}
	for p := 0; p <= 0xff; p++ {
		partition := types.PartitionNumber(p)
		it := db.ListEntries(id.PartitionKey(partition), nil)
		var part *DumpPartition
		for it.Next() {
			if conf.Max > 0 && part != nil && len(part.Substates) >= conf.Max {
				break
			}
			v, err := types.DecodeIndexedValue(it.Value())
			if err != nil {
				it.Release()
				return nil, fmt.Errorf("partition %d: %w", p, err)
			}
			if part == nil {
				dump.Partitions = append(dump.Partitions, DumpPartition{Partition: partition})
				part = &dump.Partitions[len(dump.Partitions)-1]
			}
			part.Substates = append(part.Substates, dumpValue(conf, append([]byte{}, it.SortKey()...), v))
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return nil, err
		}
	}
	return dump, nil
}

// Dump collects the substates tracked for a node together with their
// lifecycle state. Transient substates are included.
func (t *Track) Dump(id types.NodeId, conf *DumpConfig) *NodeDump {
	if conf == nil {
		conf = new(DumpConfig)
	}
	dump := &NodeDump{Node: id.String(), EntityType: id.EntityType().String()}
	node, ok := t.nodes[id]
	if !ok {
		return dump
	}
	for _, p := range sortedPartitions(node.partitions) {
		part := DumpPartition{Partition: p}
		it := node.partitions[p].Iterator()
		for it.Next() {
			if conf.Max > 0 && len(part.Substates) >= conf.Max {
				break
			}
			sub := it.Value().(*trackedSubstate)
			ds := DumpSubstate{SortKey: []byte(sub.sortKey)}
			if v := sub.value.get(); v != nil {
				ds = dumpValue(conf, []byte(sub.sortKey), v)
			}
			ds.Key = sub.key.String()
			ds.State = sub.value.state.String()
			if t.transient.Contains(types.SubstateRef{Node: id, Partition: p, Key: sub.key}) {
				ds.State += " (transient)"
			}
			part.Substates = append(part.Substates, ds)
		}
		dump.Partitions = append(dump.Partitions, part)
	}
	return dump
}

// TransientSubstates lists the substates marked transient, one per line.
func (t *Track) TransientSubstates() string {
	return t.transient.PrettyPrint()
}
