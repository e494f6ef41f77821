// Copyright 2021 The go-ethereum Authors
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

package types

import (
	"bytes"
	"hash"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"
)

// keccakState wraps sha3.state. In addition to the usual hash methods, it also supports
// Read to get a variable amount of data from the hash state. Read is faster than Sum
// because it doesn't copy the internal state, but also modifies the internal state.
// keccakState 封装了 sha3 状态，Read 比 Sum 更快，因为它不复制内部状态。
type keccakState interface {
	hash.Hash
	Read([]byte) (int, error)
}

// hasherPool holds LegacyKeccak256 hashers for rlpHash.
// hasherPool 保存用于 rlpHash 的 LegacyKeccak256 哈希器。
var hasherPool = sync.Pool{
	New: func() interface{} { return sha3.NewLegacyKeccak256() },
}

// encodeBufferPool holds temporary encoder buffers for DeriveListHash.
var encodeBufferPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// RlpHash encodes x and hashes the encoded bytes.
// RlpHash 对 x 进行 RLP 编码并计算其 Keccak256 哈希。
func RlpHash(x interface{}) (h common.Hash) {
	sha := hasherPool.Get().(keccakState)
	defer hasherPool.Put(sha)
	sha.Reset()
	rlp.Encode(sha, x)
	sha.Read(h[:])
	return h
}

// keccak hashes the concatenation of data.
func keccak(data ...[]byte) (h common.Hash) {
	sha := hasherPool.Get().(keccakState)
	defer hasherPool.Put(sha)
	sha.Reset()
	for _, b := range data {
		sha.Write(b)
	}
	sha.Read(h[:])
	return h
}

// Hash is the keccak256 hash of the value's canonical encoding.
func (v *IndexedValue) Hash() common.Hash {
	return keccak(v.encoded)
}

// HashBytes is the hash Hash would return for a value with this encoding.
func HashBytes(encoded []byte) common.Hash {
	return keccak(encoded)
}

// DerivableList is the input to DeriveListHash.
type DerivableList interface {
	Len() int
	EncodeIndex(int, *bytes.Buffer)
}

// DeriveListHash commits to an ordered list: each element is encoded,
// length prefixed and fed to one keccak256 state.
// DeriveListHash 对有序列表计算承诺哈希。
func DeriveListHash(list DerivableList) (h common.Hash) {
	sha := hasherPool.Get().(keccakState)
	defer hasherPool.Put(sha)
	sha.Reset()

	buf := encodeBufferPool.Get().(*bytes.Buffer)
	defer encodeBufferPool.Put(buf)

	var prefix []byte
	for i := 0; i < list.Len(); i++ {
		buf.Reset()
		list.EncodeIndex(i, buf)
		prefix = rlp.AppendUint64(prefix[:0], uint64(buf.Len()))
		sha.Write(prefix)
		sha.Write(buf.Bytes())
	}
	sha.Read(h[:])
	return h
}
