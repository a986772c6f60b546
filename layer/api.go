// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package layer provides the sorted key/value runs out of which every objfs
// tree is built.
//
// A Layer is one sorted run of Items. A MemLayer is mutable and held in memory;
// a LayerFile is immutable and persisted in an object. A LayerSet is a MemLayer
// plus zero or more LayerFiles (newest first) that, merged by a Merger, form one
// logical tree. A CoalescingIterator fuses adjacent equal-valued range Items.
//
// Every type here is generic over a Key capability ("ordered by upper bound" and
// "overlap testable") and a Value capability ("equality testable") so the same
// machinery serves the allocator tree and the object store trees.
//
package layer

// Key is the capability required of every layer key.
//
// CmpUpperBound orders keys by their upper bound, breaking ties by lower
// bound, returning <0, 0, or >0. Overlaps reports whether the key ranges of
// two keys intersect.
//
type Key[K any] interface {
	CmpUpperBound(other K) int
	Overlaps(other K) bool
}

// Value is the capability required of every layer value.
type Value[V any] interface {
	Equal(other V) bool
}

// RangeKey is a Key covering the half open range [start, end) that can be
// rebuilt with different bounds. It is required by CoalescingIterator.
type RangeKey[K any] interface {
	Key[K]
	Bounds() (start uint64, end uint64)
	WithBounds(start uint64, end uint64) K
}

// Item is one record in a layer. Items are values: an Item retained across an
// Advance() is a copy that the iterator will not modify.
type Item[K any, V any] struct {
	Key   K
	Value V
}

// Bound selects where Seek() positions an Iterator.
type Bound[K any] struct {
	unbounded bool
	key       K
}

// Unbounded returns a Bound positioning an Iterator at the smallest key.
func Unbounded[K any]() Bound[K] {
	return Bound[K]{unbounded: true}
}

// Included returns a Bound positioning an Iterator at the first item whose key
// is not less than key under CmpUpperBound.
func Included[K any](key K) Bound[K] {
	return Bound[K]{unbounded: false, key: key}
}

// IsUnbounded reports whether bound is Unbounded.
func (bound Bound[K]) IsUnbounded() bool {
	return bound.unbounded
}

// Key returns the key of an Included bound.
func (bound Bound[K]) Key() K {
	return bound.key
}

// Iterator walks a layer, or a merge of layers, in ascending key order.
//
// Get returns the current item or nil once the iterator is exhausted. Advance
// moves to the next item; once Get returns nil it returns nil forever.
//
type Iterator[K Key[K], V Value[V]] interface {
	Get() (item *Item[K, V])
	Advance() (err error)
}

// Layer is one sorted run of items.
type Layer[K Key[K], V Value[V]] interface {
	Seek(bound Bound[K]) (iterator Iterator[K, V], err error)
}

// Codec converts keys and values to and from their persisted form in a LayerFile.
//
// Unpack{Key|Value} return the number of bytes of buf consumed.
//
type Codec[K any, V any] interface {
	PackKey(key K) (packedKey []byte, err error)
	UnpackKey(buf []byte) (key K, bytesConsumed uint64, err error)
	PackValue(value V) (packedValue []byte, err error)
	UnpackValue(buf []byte) (value V, bytesConsumed uint64, err error)
}

// ObjectHandle is a read-only handle on the object holding a LayerFile.
type ObjectHandle interface {
	ObjectID() (objectID uint64)
	Size() (size uint64)
	ReadAt(p []byte, off int64) (n int, err error)
}

// Sealer transforms a LayerFile payload on its way to and from storage,
// binding it to the object ID of the LayerFile (e.g. encryption).
type Sealer interface {
	Seal(objectID uint64, plaintext []byte) (sealed []byte, err error)
	Unseal(objectID uint64, sealed []byte) (plaintext []byte, err error)
}

// LayerFileOptions controls how a LayerFile payload is written and read.
//
// Compress enables lz4 block compression on write. Sealer, if non-nil, seals
// the payload on write and must be supplied to open a sealed LayerFile.
//
type LayerFileOptions struct {
	Compress bool
	Sealer   Sealer
}

// Collect returns a copy of every item from the current position of iterator
// onward.
func Collect[K Key[K], V Value[V]](iterator Iterator[K, V]) (items []Item[K, V], err error) {
	items = make([]Item[K, V], 0)

	for item := iterator.Get(); nil != item; item = iterator.Get() {
		items = append(items, *item)
		err = iterator.Advance()
		if nil != err {
			return
		}
	}

	return
}
