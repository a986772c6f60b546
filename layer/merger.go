// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package layer

import (
	"container/heap"
)

// Merger presents an ordered slice of Layers as one Layer.
//
// Layers[0] is the most recently added layer. Where more than one layer holds
// an item with an equal key, only the item from the lowest indexed layer is
// returned.
//
type Merger[K Key[K], V Value[V]] struct {
	layers []Layer[K, V]
}

type mergerSourceStruct[K Key[K], V Value[V]] struct {
	layerIndex int
	iterator   Iterator[K, V]
	item       *Item[K, V]
}

type mergerHeap[K Key[K], V Value[V]] []*mergerSourceStruct[K, V]

type mergerIteratorStruct[K Key[K], V Value[V]] struct {
	heap mergerHeap[K, V]
	item *Item[K, V]
}

// NewMerger returns a Merger over layers (newest first).
func NewMerger[K Key[K], V Value[V]](layers []Layer[K, V]) (merger *Merger[K, V]) {
	merger = &Merger[K, V]{
		layers: layers,
	}
	return
}

// Layers returns the layers being merged, newest first.
func (merger *Merger[K, V]) Layers() (layers []Layer[K, V]) {
	layers = merger.layers
	return
}

func (h mergerHeap[K, V]) Len() int { return len(h) }

func (h mergerHeap[K, V]) Less(i, j int) bool {
	cmp := h[i].item.Key.CmpUpperBound(h[j].item.Key)
	if 0 != cmp {
		return 0 > cmp
	}
	return h[i].layerIndex < h[j].layerIndex
}

func (h mergerHeap[K, V]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergerHeap[K, V]) Push(x interface{}) {
	*h = append(*h, x.(*mergerSourceStruct[K, V]))
}

func (h *mergerHeap[K, V]) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Seek returns an Iterator over the merge of every layer positioned per bound.
func (merger *Merger[K, V]) Seek(bound Bound[K]) (iterator Iterator[K, V], err error) {
	var (
		layerIterator  Iterator[K, V]
		mergerIterator *mergerIteratorStruct[K, V]
	)

	mergerIterator = &mergerIteratorStruct[K, V]{
		heap: make(mergerHeap[K, V], 0, len(merger.layers)),
	}

	for layerIndex, layer := range merger.layers {
		layerIterator, err = layer.Seek(bound)
		if nil != err {
			return
		}
		item := layerIterator.Get()
		if nil != item {
			mergerIterator.heap = append(mergerIterator.heap, &mergerSourceStruct[K, V]{
				layerIndex: layerIndex,
				iterator:   layerIterator,
				item:       item,
			})
		}
	}

	heap.Init(&mergerIterator.heap)

	err = mergerIterator.settle()
	if nil != err {
		return
	}

	iterator = mergerIterator
	return
}

// advanceSource moves source past its current item, returning it to the heap
// if it has more.
func (mergerIterator *mergerIteratorStruct[K, V]) advanceSource(source *mergerSourceStruct[K, V]) (err error) {
	err = source.iterator.Advance()
	if nil != err {
		return
	}

	source.item = source.iterator.Get()
	if nil != source.item {
		heap.Push(&mergerIterator.heap, source)
	}

	return
}

// settle makes the heap minimum the current item and advances its source
// along with every source whose current item it shadows.
func (mergerIterator *mergerIteratorStruct[K, V]) settle() (err error) {
	var (
		source *mergerSourceStruct[K, V]
		winner Item[K, V]
	)

	if 0 == mergerIterator.heap.Len() {
		mergerIterator.item = nil
		err = nil
		return
	}

	source = heap.Pop(&mergerIterator.heap).(*mergerSourceStruct[K, V])
	winner = *source.item
	mergerIterator.item = &winner

	err = mergerIterator.advanceSource(source)
	if nil != err {
		return
	}

	for (0 < mergerIterator.heap.Len()) && (0 == mergerIterator.heap[0].item.Key.CmpUpperBound(winner.Key)) {
		source = heap.Pop(&mergerIterator.heap).(*mergerSourceStruct[K, V])
		err = mergerIterator.advanceSource(source)
		if nil != err {
			return
		}
	}

	return
}

func (mergerIterator *mergerIteratorStruct[K, V]) Get() (item *Item[K, V]) {
	item = mergerIterator.item
	return
}

func (mergerIterator *mergerIteratorStruct[K, V]) Advance() (err error) {
	if nil == mergerIterator.item {
		err = nil
		return
	}

	err = mergerIterator.settle()

	return
}

// LayerSet is the set of layers forming one logical tree: a MemLayer that
// receives every mutation plus immutable layers, newest first.
type LayerSet[K Key[K], V Value[V]] struct {
	Mutable   *MemLayer[K, V]
	Immutable []Layer[K, V]
}

// NewLayerSet returns a LayerSet with an empty Mutable layer and no Immutable layers.
func NewLayerSet[K Key[K], V Value[V]]() (layerSet *LayerSet[K, V]) {
	layerSet = &LayerSet[K, V]{
		Mutable:   NewMemLayer[K, V](),
		Immutable: make([]Layer[K, V], 0),
	}
	return
}

// Layers returns every layer of layerSet, newest first.
func (layerSet *LayerSet[K, V]) Layers() (layers []Layer[K, V]) {
	layers = make([]Layer[K, V], 0, 1+len(layerSet.Immutable))
	layers = append(layers, layerSet.Mutable)
	layers = append(layers, layerSet.Immutable...)
	return
}

// Merger returns a Merger over every layer of layerSet.
func (layerSet *LayerSet[K, V]) Merger() (merger *Merger[K, V]) {
	merger = NewMerger(layerSet.Layers())
	return
}

// PushImmutable adds layer as the newest immutable layer.
func (layerSet *LayerSet[K, V]) PushImmutable(layer Layer[K, V]) {
	layerSet.Immutable = append([]Layer[K, V]{layer}, layerSet.Immutable...)
}

// BuildLayerFile returns a snapshot of the Mutable layer and the bytes of a
// LayerFile, to be stored in object objectID, recording it.
func (layerSet *LayerSet[K, V]) BuildLayerFile(codec Codec[K, V], options LayerFileOptions, objectID uint64) (items []Item[K, V], layerFileBuf []byte, err error) {
	var (
		layerFileWriter *LayerFileWriter[K, V]
	)

	items, err = layerSet.Mutable.Items()
	if nil != err {
		return
	}

	layerFileWriter = NewLayerFileWriter(codec, options)

	for _, item := range items {
		err = layerFileWriter.Append(item)
		if nil != err {
			return
		}
	}

	layerFileBuf, err = layerFileWriter.Finish(objectID)

	return
}

// InstallLayerFile makes layerFile the newest immutable layer and removes the
// items it records from the Mutable layer. Items added to the Mutable layer
// since BuildLayerFile returned items are retained.
func (layerSet *LayerSet[K, V]) InstallLayerFile(layerFile Layer[K, V], items []Item[K, V]) (err error) {
	layerSet.PushImmutable(layerFile)

	err = layerSet.Mutable.Clear(items)

	return
}
