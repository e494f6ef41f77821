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

// Package substatedb implements the partitioned, versioned substate store on
// top of an ordered key-value backend. Every substate lives under
// prefix ++ partitionKey ++ sortKey, values are snappy compressed at rest
// and point reads go through a clean cache that commits invalidate.
//
// substatedb 包在有序键值后端之上实现分区、带版本的子状态存储。
package substatedb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/log"
	"github.com/golang/snappy"
	"github.com/substatevm/substatevm/core/types"
	"github.com/substatevm/substatevm/kvdb"
)

// ErrNotFound is returned when a substate does not exist.
var ErrNotFound = errors.New("substate not found")

// Reader is the read side of the store the Track overlays.
type Reader interface {
	// GetSubstate returns the value stored at (partitionKey, sortKey), or
	// ErrNotFound.
	GetSubstate(partitionKey, sortKey []byte) ([]byte, error)

	// ListEntries iterates one partition in sort key order, starting at
	// fromSortKey (inclusive). A nil fromSortKey starts at the beginning.
	ListEntries(partitionKey, fromSortKey []byte) Iterator
}

// Committer applies state diffs.
type Committer interface {
	Commit(updates *DatabaseUpdates) error
}

// Iterator walks the entries of one partition.
type Iterator interface {
	Next() bool
	SortKey() []byte
	Value() []byte
	Error() error
	Release()
}

// Config holds the tunables of a Database.
type Config struct {
	CleanCacheSize int // Maximum memory allowance (in bytes) for caching clean substates
}

// Defaults is the default setting for database if it's not specified.
var Defaults = &Config{
	CleanCacheSize: 16 * 1024 * 1024,
}

// Database is the substate store. Reads may run concurrently with each
// other; Commit is exclusive.
type Database struct {
	kv      kvdb.KeyValueStore
	cleans  *fastcache.Cache // nil when caching is disabled
	lock    sync.RWMutex
	version uint64
	log     log.Logger
}

// New wraps kv. The stored version counter is loaded eagerly.
func New(kv kvdb.KeyValueStore, config *Config) (*Database, error) {
	if config == nil {
		config = Defaults
	}
	db := &Database{
		kv:  kv,
		log: log.New("module", "substatedb"),
	}
	if config.CleanCacheSize > 0 {
		db.cleans = fastcache.New(config.CleanCacheSize)
	}
	enc, err := kv.Get(versionKey)
	switch {
	case errors.Is(err, kvdb.ErrNotFound):
	case err != nil:
		return nil, err
	case len(enc) != 8:
		return nil, fmt.Errorf("corrupt version entry of %d bytes", len(enc))
	default:
		db.version = binary.BigEndian.Uint64(enc)
	}
	db.log.Debug("Opened substate database", "version", db.version, "cache", config.CleanCacheSize)
	return db, nil
}

// Version returns the number of commits applied so far.
func (db *Database) Version() uint64 {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return db.version
}

// GetSubstate implements Reader.
func (db *Database) GetSubstate(partitionKey, sortKey []byte) ([]byte, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	key := substateKey(partitionKey, sortKey)
	if db.cleans != nil {
		if blob, found := db.cleans.HasGet(nil, key); found {
			cacheHitMeter.Mark(1)
			return blob, nil
		}
		cacheMissMeter.Mark(1)
	}
	enc, err := db.kv.Get(key)
	if errors.Is(err, kvdb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	readMeter.Mark(int64(len(enc)))
	blob, err := snappy.Decode(nil, enc)
	if err != nil {
		return nil, fmt.Errorf("decompress substate %x: %w", key, err)
	}
	if db.cleans != nil {
		db.cleans.Set(key, blob)
	}
	return blob, nil
}

// ListEntries implements Reader.
func (db *Database) ListEntries(partitionKey, fromSortKey []byte) Iterator {
	prefix := partitionPrefix(partitionKey)
	return &entryIterator{
		it:     db.kv.NewIterator(prefix, fromSortKey),
		prefix: len(prefix),
	}
}

// Commit applies updates in one batch. The clean cache is invalidated for
// every touched key; a partition reset drops the whole cache.
func (db *Database) Commit(updates *DatabaseUpdates) error {
	start := time.Now()
	defer commitTimer.UpdateSince(start)

	db.lock.Lock()
	defer db.lock.Unlock()

	var written int
	batch := kvdb.HookedBatch{
		Batch: db.kv.NewBatch(),
		OnPut: func(key []byte, value []byte) {
			written += len(value)
			if db.cleans != nil {
				db.cleans.Del(key)
			}
		},
		OnDelete: func(key []byte) {
			if db.cleans != nil {
				db.cleans.Del(key)
			}
		},
	}
	for _, part := range updates.Partitions {
		if len(part.PartitionKey) == 0 {
			return errors.New("empty partition key")
		}
		if part.Reset {
			prefix := partitionPrefix(part.PartitionKey)
			if err := batch.DeleteRange(prefix, kvdb.UpperBound(prefix)); err != nil {
				return err
			}
			if db.cleans != nil {
				db.cleans.Reset()
			}
			partitionResets.Inc()
		}
		for _, u := range part.Updates {
			key := substateKey(part.PartitionKey, u.SortKey)
			if u.Delete {
				if err := batch.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err := batch.Put(key, snappy.Encode(nil, u.Value)); err != nil {
				return err
			}
		}
	}
	var enc [8]byte
	binary.BigEndian.PutUint64(enc[:], db.version+1)
	if err := batch.Put(versionKey, enc[:]); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}
	db.version++
	writeMeter.Mark(int64(written))
	db.log.Trace("Committed substate updates", "version", db.version, "partitions", len(updates.Partitions), "entries", updates.Len())
	return nil
}

// PartitionInfo summarises one stored partition.
type PartitionInfo struct {
	PartitionKey []byte
	Entries      int
	Size         int // compressed bytes at rest
}

// ListPartitions walks every stored partition in key order.
func (db *Database) ListPartitions(fn func(info PartitionInfo) error) error {
	it := db.kv.NewIterator(substatePrefix, nil)
	defer it.Release()

	var cur *PartitionInfo
	for it.Next() {
		key := it.Key()[len(substatePrefix):]
		if len(key) < types.PartitionKeyLength {
			return fmt.Errorf("short substate key %x", it.Key())
		}
		pk := key[:types.PartitionKeyLength]
		if cur == nil || !bytes.Equal(cur.PartitionKey, pk) {
			if cur != nil {
				if err := fn(*cur); err != nil {
					return err
				}
			}
			cur = &PartitionInfo{PartitionKey: bytes.Clone(pk)}
		}
		cur.Entries++
		cur.Size += len(it.Value())
	}
	if err := it.Error(); err != nil {
		return err
	}
	if cur != nil {
		return fn(*cur)
	}
	return nil
}

// Stat returns the backend statistics.
func (db *Database) Stat() (string, error) {
	s, err := db.kv.Stat()
	if err != nil {
		return "", err
	}
	if db.cleans != nil {
		var cs fastcache.Stats
		db.cleans.UpdateStats(&cs)
		s += fmt.Sprintf("CleanCache: entries=%d bytes=%d hits=%d misses=%d\n", cs.EntriesCount, cs.BytesSize, cs.GetCalls-cs.Misses, cs.Misses)
	}
	return s, nil
}

// Close closes the backend.
func (db *Database) Close() error {
	if db.cleans != nil {
		db.cleans.Reset()
	}
	return db.kv.Close()
}

// entryIterator strips the partition prefix and decompresses values.
type entryIterator struct {
	it     kvdb.Iterator
	prefix int
	value  []byte
	err    error
}

func (it *entryIterator) Next() bool {
	if it.err != nil || !it.it.Next() {
		return false
	}
	it.value, it.err = snappy.Decode(nil, it.it.Value())
	return it.err == nil
}

func (it *entryIterator) SortKey() []byte { return it.it.Key()[it.prefix:] }

func (it *entryIterator) Value() []byte { return it.value }

func (it *entryIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.it.Error()
}

func (it *entryIterator) Release() { it.it.Release() }
