// Copyright 2018 The go-ethereum Authors
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

// Package memorydb implements the key-value store layer on an in-memory
// ordered tree. It backs tests and ephemeral (--db.engine=memory) runs.
// memorydb 包在内存有序树上实现键值存储层，用于测试和临时运行。
package memorydb

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/substatevm/substatevm/kvdb"
)

// Database is an ephemeral key-value store. Apart from basic data storage
// functionality it also supports batch writes and iterating over the keyspace
// in binary-alphabetical order.
type Database struct {
	tree *redblacktree.Tree // string key -> []byte value
	lock sync.RWMutex
}

// New returns a wrapped tree with all the required database interface methods
// implemented.
func New() *Database {
	return &Database{
		tree: redblacktree.NewWithStringComparator(),
	}
}

// Close deallocates the internal tree and ensures any consecutive data access
// op fails with an error.
func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	db.tree = nil
	return nil
}

// Has retrieves if a key is present in the key-value store.
func (db *Database) Has(key []byte) (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.tree == nil {
		return false, kvdb.ErrClosed
	}
	_, ok := db.tree.Get(string(key))
	return ok, nil
}

// Get retrieves the given key if it's present in the key-value store.
func (db *Database) Get(key []byte) ([]byte, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.tree == nil {
		return nil, kvdb.ErrClosed
	}
	if entry, ok := db.tree.Get(string(key)); ok {
		return bytes.Clone(entry.([]byte)), nil
	}
	return nil, kvdb.ErrNotFound
}

// Put inserts the given value into the key-value store.
func (db *Database) Put(key []byte, value []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.tree == nil {
		return kvdb.ErrClosed
	}
	db.tree.Put(string(key), cloneValue(value))
	return nil
}

// Delete removes the key from the key-value store.
func (db *Database) Delete(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.tree == nil {
		return kvdb.ErrClosed
	}
	db.tree.Remove(string(key))
	return nil
}

// DeleteRange deletes all of the keys (and values) in the range [start,end)
// (inclusive on start, exclusive on end).
func (db *Database) DeleteRange(start, end []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.tree == nil {
		return kvdb.ErrClosed
	}
	for _, key := range db.keysInRange(string(start), string(end)) {
		db.tree.Remove(key)
	}
	return nil
}

// keysInRange collects the keys in [start, end). An empty end is unbounded.
// The caller must hold the lock.
func (db *Database) keysInRange(start, end string) []string {
	var keys []string
	db.walk(start, func(key string, _ []byte) bool {
		if end != "" && key >= end {
			return false
		}
		keys = append(keys, key)
		return true
	})
	return keys
}

// walk visits entries in key order starting at the first key >= from,
// until fn returns false.
func (db *Database) walk(from string, fn func(key string, value []byte) bool) {
	node, ok := db.tree.Ceiling(from)
	if !ok {
		return
	}
	if !fn(node.Key.(string), node.Value.([]byte)) {
		return
	}
	it := db.tree.IteratorAt(node)
	for it.Next() {
		if !fn(it.Key().(string), it.Value().([]byte)) {
			return
		}
	}
}

// NewBatch creates a write-only key-value store that buffers changes to its host
// database until a final write is called.
func (db *Database) NewBatch() kvdb.Batch {
	return &batch{
		db: db,
	}
}

// NewIterator creates a binary-alphabetical iterator over a subset
// of database content with a particular key prefix, starting at a particular
// initial key (or after, if it does not exist).
func (db *Database) NewIterator(prefix []byte, start []byte) kvdb.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()

	it := &iterator{index: -1}
	if db.tree == nil {
		it.err = kvdb.ErrClosed
		return it
	}
	pr := string(prefix)
	db.walk(pr+string(start), func(key string, value []byte) bool {
		if !strings.HasPrefix(key, pr) {
			return false
		}
		// 快照：值在 Put 时已复制，且从不原地修改，所以可以直接共享。
		it.keys = append(it.keys, key)
		it.values = append(it.values, value)
		return true
	})
	return it
}

// Stat returns the number of stored entries.
func (db *Database) Stat() (string, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.tree == nil {
		return "", kvdb.ErrClosed
	}
	return fmt.Sprintf("memorydb: %d entries", db.tree.Size()), nil
}

// Len returns the number of entries currently present in the memory database.
//
// Note, this method is only used for testing (i.e. not public in general) and
// does not have explicit checks for closed-ness to allow simpler testing code.
func (db *Database) Len() int {
	db.lock.RLock()
	defer db.lock.RUnlock()

	return db.tree.Size()
}

func cloneValue(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return bytes.Clone(v)
}

// keyvalue is a key-value tuple tagged with a deletion field to allow creating
// memory-database write batches.
type keyvalue struct {
	key    string
	value  []byte
	delete bool
	ranged bool   // range deletion of [key, end)
	end    string // empty end is unbounded
}

// batch is a write-only memory batch that commits changes to its host
// database when Write is called. A batch cannot be used concurrently.
type batch struct {
	db     *Database
	writes []keyvalue
	size   int
}

// Put inserts the given value into the batch for later committing.
func (b *batch) Put(key, value []byte) error {
	b.writes = append(b.writes, keyvalue{key: string(key), value: cloneValue(value)})
	b.size += len(key) + len(value)
	return nil
}

// Delete inserts the key removal into the batch for later committing.
func (b *batch) Delete(key []byte) error {
	b.writes = append(b.writes, keyvalue{key: string(key), delete: true})
	b.size += len(key)
	return nil
}

// DeleteRange queues the removal of [start, end); it is resolved against the
// database content at Write time, in order with the other operations.
func (b *batch) DeleteRange(start, end []byte) error {
	b.writes = append(b.writes, keyvalue{key: string(start), end: string(end), delete: true, ranged: true})
	b.size += len(start) + len(end)
	return nil
}

// ValueSize retrieves the amount of data queued up for writing.
func (b *batch) ValueSize() int {
	return b.size
}

// Write flushes any accumulated data to the memory database.
func (b *batch) Write() error {
	b.db.lock.Lock()
	defer b.db.lock.Unlock()

	if b.db.tree == nil {
		return kvdb.ErrClosed
	}
	for _, kv := range b.writes {
		switch {
		case kv.ranged:
			for _, key := range b.db.keysInRange(kv.key, kv.end) {
				b.db.tree.Remove(key)
			}
		case kv.delete:
			b.db.tree.Remove(kv.key)
		default:
			b.db.tree.Put(kv.key, kv.value)
		}
	}
	return nil
}

// Reset resets the batch for reuse.
func (b *batch) Reset() {
	b.writes = b.writes[:0]
	b.size = 0
}

// Replay replays the batch contents. Range deletions are replayed against the
// host database's current content.
func (b *batch) Replay(w kvdb.KeyValueWriter) error {
	for _, kv := range b.writes {
		switch {
		case kv.ranged:
			b.db.lock.RLock()
			keys := b.db.keysInRange(kv.key, kv.end)
			b.db.lock.RUnlock()
			for _, key := range keys {
				if err := w.Delete([]byte(key)); err != nil {
					return err
				}
			}
		case kv.delete:
			if err := w.Delete([]byte(kv.key)); err != nil {
				return err
			}
		default:
			if err := w.Put([]byte(kv.key), kv.value); err != nil {
				return err
			}
		}
	}
	return nil
}

// iterator can walk over the (potentially partial) keyspace of a memory key
// value store. Internally it is a deep copy of the entire iterated state,
// sorted by keys.
type iterator struct {
	index  int
	keys   []string
	values [][]byte
	err    error
}

// Next moves the iterator to the next key/value pair. It returns whether the
// iterator is exhausted.
func (it *iterator) Next() bool {
	if it.err != nil || it.index >= len(it.keys) {
		return false
	}
	it.index += 1
	return it.index < len(it.keys)
}

// Error returns any accumulated error.
func (it *iterator) Error() error {
	return it.err
}

// Key returns the key of the current key/value pair, or nil if done.
func (it *iterator) Key() []byte {
	if it.index < 0 || it.index >= len(it.keys) {
		return nil
	}
	return []byte(it.keys[it.index])
}

// Value returns the value of the current key/value pair, or nil if done.
func (it *iterator) Value() []byte {
	if it.index < 0 || it.index >= len(it.keys) {
		return nil
	}
	return it.values[it.index]
}

// Release releases associated resources.
func (it *iterator) Release() {
	it.index, it.keys, it.values = -1, nil, nil
}
