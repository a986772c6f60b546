// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package layer

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/sortedmap"
)

// MemLayer is a mutable, in-memory Layer backed by a LLRB tree.
//
// Any number of Iterators may be open on a MemLayer at once. An Iterator
// observes insertions and deletions made after it was opened: Advance
// resumes at the first key following the one last returned by Get.
//
type MemLayer[K Key[K], V Value[V]] struct {
	lock sync.RWMutex
	tree sortedmap.LLRBTree
}

type memLayerIteratorStruct[K Key[K], V Value[V]] struct {
	memLayer *MemLayer[K, V]
	index    int
	item     *Item[K, V]
}

func compareKeys[K Key[K]](key1 sortedmap.Key, key2 sortedmap.Key) (result int, err error) {
	key1AsK, ok := key1.(K)
	if !ok {
		err = fmt.Errorf("compareKeys(non-%T,) not supported", key1AsK)
		return
	}
	key2AsK, ok := key2.(K)
	if !ok {
		err = fmt.Errorf("compareKeys(%T, non-%T) not supported", key1AsK, key2AsK)
		return
	}

	result = key1AsK.CmpUpperBound(key2AsK)
	err = nil

	return
}

// NewMemLayer returns an empty MemLayer.
func NewMemLayer[K Key[K], V Value[V]]() (memLayer *MemLayer[K, V]) {
	memLayer = &MemLayer[K, V]{}
	memLayer.tree = sortedmap.NewLLRBTree(compareKeys[K], memLayer)
	return
}

func (memLayer *MemLayer[K, V]) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString = fmt.Sprintf("%v", key)
	err = nil
	return
}

func (memLayer *MemLayer[K, V]) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	valueAsString = fmt.Sprintf("%v", value)
	err = nil
	return
}

// Insert adds item, returning ok == false (and leaving the layer unchanged) if
// an item with an equal key is already present.
func (memLayer *MemLayer[K, V]) Insert(item Item[K, V]) (ok bool, err error) {
	memLayer.lock.Lock()
	defer memLayer.lock.Unlock()

	ok, err = memLayer.tree.Put(item.Key, item.Value)

	return
}

// Replace adds item, overwriting the value of any item with an equal key.
func (memLayer *MemLayer[K, V]) Replace(item Item[K, V]) (err error) {
	var (
		ok bool
	)

	memLayer.lock.Lock()
	defer memLayer.lock.Unlock()

	ok, err = memLayer.tree.Put(item.Key, item.Value)
	if nil != err {
		return
	}
	if !ok {
		_, err = memLayer.tree.PatchByKey(item.Key, item.Value)
	}

	return
}

// Delete removes the item whose key equals key, returning ok == false if
// there was none.
func (memLayer *MemLayer[K, V]) Delete(key K) (ok bool, err error) {
	memLayer.lock.Lock()
	defer memLayer.lock.Unlock()

	ok, err = memLayer.tree.DeleteByKey(key)

	return
}

// Get returns the value of the item whose key equals key.
func (memLayer *MemLayer[K, V]) Get(key K) (value V, ok bool, err error) {
	var (
		valueAsValue sortedmap.Value
	)

	memLayer.lock.RLock()
	defer memLayer.lock.RUnlock()

	valueAsValue, ok, err = memLayer.tree.GetByKey(key)
	if (nil == err) && ok {
		value = valueAsValue.(V)
	}

	return
}

// Len returns the number of items in the layer.
func (memLayer *MemLayer[K, V]) Len() (numberOfItems int, err error) {
	memLayer.lock.RLock()
	defer memLayer.lock.RUnlock()

	numberOfItems, err = memLayer.tree.Len()

	return
}

// Items returns a consistent, ascending snapshot of every item in the layer.
func (memLayer *MemLayer[K, V]) Items() (items []Item[K, V], err error) {
	var (
		index         int
		key           sortedmap.Key
		numberOfItems int
		ok            bool
		value         sortedmap.Value
	)

	memLayer.lock.RLock()
	defer memLayer.lock.RUnlock()

	numberOfItems, err = memLayer.tree.Len()
	if nil != err {
		return
	}

	items = make([]Item[K, V], 0, numberOfItems)

	for index = 0; index < numberOfItems; index++ {
		key, value, ok, err = memLayer.tree.GetByIndex(index)
		if nil != err {
			return
		}
		if !ok {
			err = fmt.Errorf("MemLayer.Items() lost item at index %d of %d", index, numberOfItems)
			return
		}
		items = append(items, Item[K, V]{Key: key.(K), Value: value.(V)})
	}

	return
}

// Clear removes every item in items (e.g. those just written to a LayerFile)
// leaving any other items in place.
func (memLayer *MemLayer[K, V]) Clear(items []Item[K, V]) (err error) {
	memLayer.lock.Lock()
	defer memLayer.lock.Unlock()

	for _, item := range items {
		_, err = memLayer.tree.DeleteByKey(item.Key)
		if nil != err {
			return
		}
	}

	return
}

// Validate checks the internal consistency of the underlying tree.
func (memLayer *MemLayer[K, V]) Validate() (err error) {
	memLayer.lock.RLock()
	defer memLayer.lock.RUnlock()

	err = memLayer.tree.Validate()

	return
}

func (memLayer *MemLayer[K, V]) Seek(bound Bound[K]) (iterator Iterator[K, V], err error) {
	var (
		index            int
		memLayerIterator *memLayerIteratorStruct[K, V]
	)

	if bound.IsUnbounded() {
		index = 0
	} else {
		memLayer.lock.RLock()
		index, _, err = memLayer.tree.BisectRight(bound.Key())
		memLayer.lock.RUnlock()
		if nil != err {
			return
		}
	}

	memLayerIterator = &memLayerIteratorStruct[K, V]{
		memLayer: memLayer,
		index:    index,
	}

	err = memLayerIterator.load()
	if nil != err {
		return
	}

	iterator = memLayerIterator
	return
}

func (memLayerIterator *memLayerIteratorStruct[K, V]) load() (err error) {
	var (
		key   sortedmap.Key
		ok    bool
		value sortedmap.Value
	)

	memLayerIterator.memLayer.lock.RLock()
	key, value, ok, err = memLayerIterator.memLayer.tree.GetByIndex(memLayerIterator.index)
	memLayerIterator.memLayer.lock.RUnlock()
	if nil != err {
		return
	}

	if ok {
		memLayerIterator.item = &Item[K, V]{Key: key.(K), Value: value.(V)}
	} else {
		memLayerIterator.item = nil
	}

	return
}

func (memLayerIterator *memLayerIteratorStruct[K, V]) Get() (item *Item[K, V]) {
	item = memLayerIterator.item
	return
}

func (memLayerIterator *memLayerIteratorStruct[K, V]) Advance() (err error) {
	var (
		found bool
	)

	if nil == memLayerIterator.item {
		err = nil
		return
	}

	// The tree may have changed since load(), so find the last key again
	memLayerIterator.memLayer.lock.RLock()
	memLayerIterator.index, found, err = memLayerIterator.memLayer.tree.BisectRight(memLayerIterator.item.Key)
	memLayerIterator.memLayer.lock.RUnlock()
	if nil != err {
		return
	}
	if found {
		memLayerIterator.index++
	}

	err = memLayerIterator.load()

	return
}
