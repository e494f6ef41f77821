// Copyright 2023 The go-ethereum Authors
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

// Package pebble implements the key-value store layer based on pebble.
// Package pebble 实现了基于 Pebble 的键值存储层。
package pebble

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/substatevm/substatevm/kvdb"
	"github.com/substatevm/substatevm/metrics"
)

const (
	minCache   = 16 // MB, split between the block cache and the memtables
	minHandles = 16

	levels        = 7
	baseTableSize = 2 * 1024 * 1024 // doubled on every level

	metricsGatheringInterval = 3 * time.Second
	degradationWarnInterval  = time.Minute
)

// Database is a persistent key-value store based on the pebble storage
// engine. Writes are not synced; a crash loses the tail of the WAL but
// never a partially applied batch.
type Database struct {
	fn  string
	db  *pebble.DB
	log log.Logger

	quitLock sync.RWMutex // guards closed against in-flight operations
	quitChan chan chan error
	closed   bool

	compactions  compactionStats
	writeOptions *pebble.WriteOptions
	meters       *dbMeters
}

// compactionStats is fed by pebble's event listener.
type compactionStats struct {
	active    int // only touched by pebble's compaction goroutine
	startTime time.Time
	time      atomic.Int64 // ns spent with at least one compaction running
	level0    atomic.Uint32

	stalled    atomic.Bool
	stallCount atomic.Int64
}

func (s *compactionStats) listener() *pebble.EventListener {
	return &pebble.EventListener{
		CompactionBegin: func(info pebble.CompactionInfo) {
			if s.active == 0 {
				s.startTime = time.Now()
			}
			if len(info.Input) > 0 && info.Input[0].Level == 0 {
				s.level0.Add(1)
			}
			s.active++
		},
		CompactionEnd: func(pebble.CompactionInfo) {
			s.active--
			if s.active == 0 {
				s.time.Add(int64(time.Since(s.startTime)))
			}
		},
		WriteStallBegin: func(pebble.WriteStallBeginInfo) {
			s.stallCount.Add(1)
			s.stalled.Store(true)
		},
		WriteStallEnd: func() { s.stalled.Store(false) },
	}
}

type dbMeters struct {
	compTime   *metrics.Meter
	compRead   *metrics.Meter
	compWrite  *metrics.Meter
	writeDelay *metrics.Meter
	diskWrite  *metrics.Meter
	diskSize   prometheus.Gauge
	level0Comp prometheus.Gauge
}

func newMeters(namespace string) *dbMeters {
	return &dbMeters{
		compTime:   metrics.NewRegisteredMeter(namespace+"compact/time", "Nanoseconds spent in compaction"),
		compRead:   metrics.NewRegisteredMeter(namespace+"compact/input", "Bytes read by compaction"),
		compWrite:  metrics.NewRegisteredMeter(namespace+"compact/output", "Bytes written by compaction"),
		writeDelay: metrics.NewRegisteredMeter(namespace+"compact/writedelay/counter", "Write stalls"),
		diskWrite:  metrics.NewRegisteredMeter(namespace+"disk/write", "Bytes written to disk"),
		diskSize:   metrics.NewRegisteredGauge(namespace+"disk/size", "Disk space used by all levels"),
		level0Comp: metrics.NewRegisteredGauge(namespace+"compact/level0", "Level zero compactions"),
	}
}

// quietLogger drops pebble's own log output but still fails hard on fatal
// errors.
type quietLogger struct{}

func (quietLogger) Infof(format string, args ...interface{})  {}
func (quietLogger) Errorf(format string, args ...interface{}) {}
func (quietLogger) Fatalf(format string, args ...interface{}) {
	panic(fmt.Errorf("pebble: "+format, args...))
}

// New opens the pebble database at file. Collectors are registered under
// namespace when metrics are enabled.
func New(file string, cache int, handles int, namespace string, readonly bool) (*Database, error) {
	cache, handles = max(cache, minCache), max(handles, minHandles)
	logger := log.New("database", file)
	logger.Info("Allocated cache and file handles", "cache", common.StorageSize(cache*1024*1024), "handles", handles, "readonly", readonly)

	// A frozen and a live memtable share half of the cache.
	const memTableLimit = 2
	memTableSize := cache * 1024 * 1024 / 2 / memTableLimit

	db := &Database{
		fn:           file,
		log:          logger,
		writeOptions: pebble.NoSync,
	}
	levelOpts := make([]pebble.LevelOptions, levels)
	for i := range levelOpts {
		levelOpts[i] = pebble.LevelOptions{
			TargetFileSize: int64(baseTableSize) << i,
			FilterPolicy:   bloom.FilterPolicy(10),
		}
	}
	inner, err := pebble.Open(file, &pebble.Options{
		Cache:                       pebble.NewCache(int64(cache * 1024 * 1024)),
		MaxOpenFiles:                handles,
		MemTableSize:                uint64(memTableSize),
		MemTableStopWritesThreshold: memTableLimit,
		MaxConcurrentCompactions:    runtime.NumCPU,
		Levels:                      levelOpts,
		ReadOnly:                    readonly,
		EventListener:               db.compactions.listener(),
		Logger:                      quietLogger{},
	})
	if err != nil {
		return nil, err
	}
	db.db = inner

	if metrics.Enabled() {
		db.meters = newMeters(namespace)
		db.quitChan = make(chan chan error)
		go db.meter(metricsGatheringInterval)
	}
	return db, nil
}

// Close stops the metrics collection and closes the database. Closing twice
// is a no-op.
func (d *Database) Close() error {
	d.quitLock.Lock()
	defer d.quitLock.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.quitChan != nil {
		errc := make(chan error)
		d.quitChan <- errc
		if err := <-errc; err != nil {
			d.log.Error("Metrics collection failed", "err", err)
		}
		d.quitChan = nil
	}
	return d.db.Close()
}

// acquire read-locks the database against Close. On success the caller
// must release with d.quitLock.RUnlock.
func (d *Database) acquire() error {
	d.quitLock.RLock()
	if d.closed {
		d.quitLock.RUnlock()
		return kvdb.ErrClosed
	}
	return nil
}

func (d *Database) Has(key []byte) (bool, error) {
	if err := d.acquire(); err != nil {
		return false, err
	}
	defer d.quitLock.RUnlock()

	_, closer, err := d.db.Get(key)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, closer.Close()
}

// Get returns a copy of the value stored under key.
func (d *Database) Get(key []byte) ([]byte, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	defer d.quitLock.RUnlock()

	dat, closer, err := d.db.Get(key)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		return nil, kvdb.ErrNotFound
	case err != nil:
		return nil, err
	}
	ret := append([]byte{}, dat...)
	return ret, closer.Close()
}

func (d *Database) Put(key []byte, value []byte) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.quitLock.RUnlock()
	return d.db.Set(key, value, d.writeOptions)
}

func (d *Database) Delete(key []byte) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.quitLock.RUnlock()
	return d.db.Delete(key, d.writeOptions)
}

// DeleteRange removes every key in [start, end) through a single batch.
func (d *Database) DeleteRange(start, end []byte) error {
	b := d.NewBatch()
	if err := b.DeleteRange(start, end); err != nil {
		return err
	}
	return b.Write()
}

func (d *Database) NewBatch() kvdb.Batch {
	return &batch{b: d.db.NewBatch(), db: d}
}

// Stat returns pebble's own metrics table.
func (d *Database) Stat() (string, error) {
	return d.db.Metrics().String(), nil
}

// Path returns the path to the database directory.
func (d *Database) Path() string {
	return d.fn
}

// meter reports the growth of pebble's cumulative counters every refresh
// until Close asks it to stop.
func (d *Database) meter(refresh time.Duration) {
	timer := time.NewTimer(refresh)
	defer timer.Stop()

	const (
		compTime = iota
		compRead
		compWrite
		diskWrite
		stalls
		numCounters
	)
	var (
		errc      chan error
		prev      [numCounters]int64
		lastStall time.Time
	)
	for errc == nil {
		stats := d.db.Metrics()
		var cur [numCounters]int64
		for _, level := range stats.Levels {
			cur[compRead] += int64(level.BytesRead)
			cur[compWrite] += int64(level.BytesCompacted)
			cur[diskWrite] += int64(level.BytesCompacted + level.BytesFlushed)
		}
		cur[diskWrite] += int64(stats.WAL.BytesWritten)
		cur[compTime] = d.compactions.time.Load()
		cur[stalls] = d.compactions.stallCount.Load()

		m := d.meters
		m.compTime.Mark(cur[compTime] - prev[compTime])
		m.compRead.Mark(cur[compRead] - prev[compRead])
		m.compWrite.Mark(cur[compWrite] - prev[compWrite])
		m.diskWrite.Mark(cur[diskWrite] - prev[diskWrite])
		m.writeDelay.Mark(cur[stalls] - prev[stalls])
		m.diskSize.Set(float64(stats.DiskSpaceUsage()))
		m.level0Comp.Set(float64(d.compactions.level0.Load()))

		// Still stalled with no new stall since the last round.
		if d.compactions.stalled.Load() && cur[stalls] == prev[stalls] && time.Since(lastStall) > degradationWarnInterval {
			d.log.Warn("Database compacting, degraded performance")
			lastStall = time.Now()
		}
		prev = cur

		select {
		case errc = <-d.quitChan:
		case <-timer.C:
			timer.Reset(refresh)
		}
	}
	errc <- nil
}

// batch is a write-only batch that commits changes to its host database
// when Write is called. A batch cannot be used concurrently.
type batch struct {
	b    *pebble.Batch
	db   *Database
	size int
}

// Put inserts the given value into the batch for later committing.
func (b *batch) Put(key, value []byte) error {
	if err := b.b.Set(key, value, nil); err != nil {
		return err
	}
	b.size += len(key) + len(value)
	return nil
}

// Delete inserts the key removal into the batch for later committing.
func (b *batch) Delete(key []byte) error {
	if err := b.b.Delete(key, nil); err != nil {
		return err
	}
	b.size += len(key)
	return nil
}

// DeleteRange queues the removal of [start, end). Pebble needs a finite
// end, so an open range is expanded over the keys present now.
// DeleteRange 将 [start, end) 的删除加入批次；pebble 需要有限的上界。
func (b *batch) DeleteRange(start, end []byte) error {
	if end != nil {
		if err := b.b.DeleteRange(start, end, nil); err != nil {
			return err
		}
		b.size += len(start) + len(end)
		return nil
	}
	it := b.db.NewIterator(nil, start)
	defer it.Release()
	for it.Next() {
		if err := b.Delete(bytes.Clone(it.Key())); err != nil {
			return err
		}
	}
	return it.Error()
}

// ValueSize retrieves the amount of data queued up for writing.
func (b *batch) ValueSize() int {
	return b.size
}

// Write flushes any accumulated data to disk.
func (b *batch) Write() error {
	if err := b.db.acquire(); err != nil {
		return err
	}
	defer b.db.quitLock.RUnlock()
	return b.b.Commit(b.db.writeOptions)
}

// Reset resets the batch for reuse.
func (b *batch) Reset() {
	b.b.Reset()
	b.size = 0
}

// Replay replays the batch contents. Range deletions need a writer that
// can delete ranges itself.
func (b *batch) Replay(w kvdb.KeyValueWriter) error {
	reader := b.b.Reader()
	for {
		kind, k, v, ok, err := reader.Next()
		if !ok || err != nil {
			return err
		}
		// The (k,v) slices might be overwritten if the batch is reset/reused,
		// and the receiver should copy them if they are to be retained long-term.
		switch kind {
		case pebble.InternalKeyKindSet:
			if err := w.Put(k, v); err != nil {
				return err
			}
		case pebble.InternalKeyKindDelete:
			if err := w.Delete(k); err != nil {
				return err
			}
		case pebble.InternalKeyKindRangeDelete:
			rd, ok := w.(kvdb.KeyValueRangeDeleter)
			if !ok {
				return fmt.Errorf("replay target %T cannot delete ranges", w)
			}
			if err := rd.DeleteRange(k, v); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unhandled operation, keytype: %v", kind)
		}
	}
}

// pebbleIterator is a wrapper of underlying iterator in storage engine.
// The purpose of this structure is to implement the missing APIs.
//
// The pebble iterator is not thread-safe.
type pebbleIterator struct {
	iter     *pebble.Iterator
	err      error
	moved    bool
	released bool
}

// NewIterator creates a binary-alphabetical iterator over a subset
// of database content with a particular key prefix, starting at a particular
// initial key (or after, if it does not exist).
func (d *Database) NewIterator(prefix []byte, start []byte) kvdb.Iterator {
	lower := append(bytes.Clone(prefix), start...)
	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: kvdb.UpperBound(prefix),
	})
	if err != nil {
		return &pebbleIterator{err: err, released: true}
	}
	iter.First()
	return &pebbleIterator{iter: iter, moved: true}
}

// Next moves the iterator to the next key/value pair. It returns whether the
// iterator is exhausted.
func (iter *pebbleIterator) Next() bool {
	if iter.iter == nil {
		return false
	}
	if iter.moved {
		iter.moved = false
		return iter.iter.Valid()
	}
	return iter.iter.Next()
}

// Error returns any accumulated error. Exhausting all the key/value pairs
// is not considered to be an error.
func (iter *pebbleIterator) Error() error {
	if iter.iter == nil {
		return iter.err
	}
	return iter.iter.Error()
}

// Key returns the key of the current key/value pair, or nil if done.
func (iter *pebbleIterator) Key() []byte {
	if iter.iter == nil {
		return nil
	}
	return iter.iter.Key()
}

// Value returns the value of the current key/value pair, or nil if done.
func (iter *pebbleIterator) Value() []byte {
	if iter.iter == nil {
		return nil
	}
	return iter.iter.Value()
}

// Release releases associated resources. Release should always succeed and can
// be called multiple times without causing error.
func (iter *pebbleIterator) Release() {
	if !iter.released {
		iter.iter.Close()
		iter.released = true
	}
}
