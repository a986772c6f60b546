// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package layer

// CoalescingIterator wraps an Iterator over RangeKey items, fusing adjacent
// or overlapping items whose values are equal into a single item.
//
// The fused item spans from the start of the first item to the largest end of
// any item fused into it.
//
type CoalescingIterator[K RangeKey[K], V Value[V]] struct {
	inner Iterator[K, V]
	item  *Item[K, V]
}

// NewCoalescingIterator returns a CoalescingIterator positioned at the
// coalesced item beginning at inner's current item.
func NewCoalescingIterator[K RangeKey[K], V Value[V]](inner Iterator[K, V]) (coalescingIterator *CoalescingIterator[K, V], err error) {
	coalescingIterator = &CoalescingIterator[K, V]{
		inner: inner,
	}

	err = coalescingIterator.fuse()
	if nil != err {
		coalescingIterator = nil
	}

	return
}

func (coalescingIterator *CoalescingIterator[K, V]) fuse() (err error) {
	var (
		current      Item[K, V]
		currentEnd   uint64
		currentStart uint64
		next         *Item[K, V]
		nextEnd      uint64
		nextStart    uint64
	)

	next = coalescingIterator.inner.Get()
	if nil == next {
		coalescingIterator.item = nil
		err = nil
		return
	}

	current = *next
	currentStart, currentEnd = current.Key.Bounds()

	for {
		err = coalescingIterator.inner.Advance()
		if nil != err {
			return
		}

		next = coalescingIterator.inner.Get()
		if nil == next {
			break
		}

		nextStart, nextEnd = next.Key.Bounds()
		if (nextStart > currentEnd) || !current.Value.Equal(next.Value) {
			break
		}

		if nextEnd > currentEnd {
			currentEnd = nextEnd
		}
	}

	current.Key = current.Key.WithBounds(currentStart, currentEnd)
	coalescingIterator.item = &current

	return
}

func (coalescingIterator *CoalescingIterator[K, V]) Get() (item *Item[K, V]) {
	item = coalescingIterator.item
	return
}

func (coalescingIterator *CoalescingIterator[K, V]) Advance() (err error) {
	if nil == coalescingIterator.item {
		err = nil
		return
	}

	err = coalescingIterator.fuse()

	return
}

// FilterIterator wraps an Iterator, hiding every item for which keep returns false.
type FilterIterator[K Key[K], V Value[V]] struct {
	inner Iterator[K, V]
	keep  func(item *Item[K, V]) bool
}

// NewFilterIterator returns a FilterIterator positioned at the first kept item
// at or after inner's current item.
func NewFilterIterator[K Key[K], V Value[V]](inner Iterator[K, V], keep func(item *Item[K, V]) bool) (filterIterator *FilterIterator[K, V], err error) {
	filterIterator = &FilterIterator[K, V]{
		inner: inner,
		keep:  keep,
	}

	err = filterIterator.skip()
	if nil != err {
		filterIterator = nil
	}

	return
}

func (filterIterator *FilterIterator[K, V]) skip() (err error) {
	for item := filterIterator.inner.Get(); (nil != item) && !filterIterator.keep(item); item = filterIterator.inner.Get() {
		err = filterIterator.inner.Advance()
		if nil != err {
			return
		}
	}

	err = nil
	return
}

func (filterIterator *FilterIterator[K, V]) Get() (item *Item[K, V]) {
	item = filterIterator.inner.Get()
	return
}

func (filterIterator *FilterIterator[K, V]) Advance() (err error) {
	if nil == filterIterator.inner.Get() {
		err = nil
		return
	}

	err = filterIterator.inner.Advance()
	if nil != err {
		return
	}

	err = filterIterator.skip()

	return
}
