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

// Package boltdb implements the key-value store layer on bbolt. All keys
// live in one bucket; bolt's single-writer transactions give batches their
// atomicity.
// boltdb 包基于 bbolt 实现键值存储层，所有键存放在同一个 bucket 中。
package boltdb

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/substatevm/substatevm/kvdb"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("substates")

// openTimeout bounds the wait for bolt's file lock.
const openTimeout = time.Second

// Database is a bolt backed key-value store.
type Database struct {
	fn  string
	db  *bolt.DB
	log log.Logger
}

// New opens (creating if needed) the bolt file at path.
func New(path string, readonly bool) (*Database, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout, ReadOnly: readonly})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	if !readonly {
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketName)
			return err
		}); err != nil {
			db.Close()
			return nil, err
		}
	}
	logger := log.New("database", path)
	logger.Info("Opened bolt database", "readonly", readonly)
	return &Database{fn: path, db: db, log: logger}, nil
}

// Close releases the file lock and closes the database.
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) view(fn func(b *bolt.Bucket) error) error {
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return kvdb.ErrNotFound
		}
		return fn(b)
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return kvdb.ErrClosed
	}
	return err
}

func (d *Database) update(fn func(b *bolt.Bucket) error) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return fn(b)
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return kvdb.ErrClosed
	}
	return err
}

// lookup finds key through a cursor, so empty values are still found.
func lookup(b *bolt.Bucket, key []byte) ([]byte, bool) {
	k, v := b.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil, false
	}
	return v, true
}

// Has retrieves if a key is present in the key-value store.
func (d *Database) Has(key []byte) (bool, error) {
	var found bool
	err := d.view(func(b *bolt.Bucket) error {
		_, found = lookup(b, key)
		return nil
	})
	if errors.Is(err, kvdb.ErrNotFound) {
		return false, nil
	}
	return found, err
}

// Get retrieves the given key if it's present in the key-value store.
func (d *Database) Get(key []byte) ([]byte, error) {
	var out []byte
	err := d.view(func(b *bolt.Bucket) error {
		v, ok := lookup(b, key)
		if !ok {
			return kvdb.ErrNotFound
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put inserts the given value into the key-value store.
func (d *Database) Put(key []byte, value []byte) error {
	return d.update(func(b *bolt.Bucket) error {
		return b.Put(key, value)
	})
}

// Delete removes the key from the key-value store.
func (d *Database) Delete(key []byte) error {
	return d.update(func(b *bolt.Bucket) error {
		return b.Delete(key)
	})
}

// DeleteRange deletes every key in [start, end); a nil end is unbounded.
func (d *Database) DeleteRange(start, end []byte) error {
	return d.update(func(b *bolt.Bucket) error {
		return deleteRange(b, start, end)
	})
}

// deleteRange collects the keys first: deleting under a live cursor skips
// entries.
func deleteRange(b *bolt.Bucket, start, end []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(start); k != nil; k, _ = c.Next() {
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		keys = append(keys, bytes.Clone(k))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Stat returns bolt's transaction and page statistics.
func (d *Database) Stat() (string, error) {
	s := d.db.Stats()
	var keys int
	if err := d.view(func(b *bolt.Bucket) error {
		keys = b.Stats().KeyN
		return nil
	}); err != nil && !errors.Is(err, kvdb.ErrNotFound) {
		return "", err
	}
	return fmt.Sprintf("Keys:%d FreePages:%d PendingPages:%d Tx:%d OpenTx:%d\n",
		keys, s.FreePageN, s.PendingPageN, s.TxN, s.OpenTxN), nil
}

// Path returns the path to the database file.
func (d *Database) Path() string {
	return d.fn
}

// NewBatch creates a batch applied in one bolt write transaction.
func (d *Database) NewBatch() kvdb.Batch {
	return &batch{db: d}
}

// NewIterator snapshots the matching range inside one read transaction.
// bolt cannot remap its file while a read transaction is open, so a
// long-lived cursor would block concurrent writers.
func (d *Database) NewIterator(prefix []byte, start []byte) kvdb.Iterator {
	it := &iterator{index: -1}
	lower := append(bytes.Clone(prefix), start...)
	upper := kvdb.UpperBound(prefix)
	it.err = d.view(func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.Seek(lower); k != nil; k, v = c.Next() {
			if upper != nil && bytes.Compare(k, upper) >= 0 {
				break
			}
			it.keys = append(it.keys, bytes.Clone(k))
			it.values = append(it.values, append([]byte{}, v...))
		}
		return nil
	})
	if errors.Is(it.err, kvdb.ErrNotFound) {
		it.err = nil
	}
	return it
}

type iterator struct {
	index  int
	keys   [][]byte
	values [][]byte
	err    error
}

func (it *iterator) Next() bool {
	if it.err != nil || it.index >= len(it.keys) {
		return false
	}
	it.index++
	return it.index < len(it.keys)
}

func (it *iterator) Error() error { return it.err }

func (it *iterator) Key() []byte {
	if it.index < 0 || it.index >= len(it.keys) {
		return nil
	}
	return it.keys[it.index]
}

func (it *iterator) Value() []byte {
	if it.index < 0 || it.index >= len(it.keys) {
		return nil
	}
	return it.values[it.index]
}

func (it *iterator) Release() {
	it.index, it.keys, it.values = -1, nil, nil
}

type op struct {
	key, value []byte
	end        []byte
	delete     bool
	ranged     bool
}

// batch buffers writes until Write applies them in order.
type batch struct {
	db   *Database
	ops  []op
	size int
}

func (b *batch) Put(key, value []byte) error {
	b.ops = append(b.ops, op{key: bytes.Clone(key), value: append([]byte{}, value...)})
	b.size += len(key) + len(value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.ops = append(b.ops, op{key: bytes.Clone(key), delete: true})
	b.size += len(key)
	return nil
}

func (b *batch) DeleteRange(start, end []byte) error {
	b.ops = append(b.ops, op{key: bytes.Clone(start), end: bytes.Clone(end), ranged: true})
	b.size += len(start) + len(end)
	return nil
}

func (b *batch) ValueSize() int { return b.size }

func (b *batch) Write() error {
	return b.db.update(func(bk *bolt.Bucket) error {
		for _, o := range b.ops {
			var err error
			switch {
			case o.ranged:
				err = deleteRange(bk, o.key, o.end)
			case o.delete:
				err = bk.Delete(o.key)
			default:
				err = bk.Put(o.key, o.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *batch) Reset() {
	b.ops = b.ops[:0]
	b.size = 0
}

func (b *batch) Replay(w kvdb.KeyValueWriter) error {
	for _, o := range b.ops {
		var err error
		switch {
		case o.ranged:
			rd, ok := w.(kvdb.KeyValueRangeDeleter)
			if !ok {
				return fmt.Errorf("replay target %T cannot delete ranges", w)
			}
			err = rd.DeleteRange(o.key, o.end)
		case o.delete:
			err = w.Delete(o.key)
		default:
			err = w.Put(o.key, o.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
