// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"github.com/NVIDIA/objfs/blunder"
	"github.com/NVIDIA/objfs/layer"
	"github.com/NVIDIA/objfs/logger"
	"github.com/NVIDIA/objfs/utils"
)

func newAllocator(objectID uint64, blockSize uint64, deviceSize uint64) (allocator *Allocator, err error) {
	if (0 == blockSize) || (0 != (blockSize & (blockSize - 1))) {
		err = blunder.NewError(blunder.InvalidArgError, "allocator blockSize (%d) must be a power of two", blockSize)
		return
	}
	if (deviceSize <= blockSize) || (0 != (deviceSize % blockSize)) {
		err = blunder.NewError(blunder.InvalidArgError, "allocator deviceSize (%d) must be a multiple of blockSize (%d) holding at least two blocks", deviceSize, blockSize)
		return
	}

	allocator = &Allocator{
		objectID:            objectID,
		blockSize:           blockSize,
		deviceSize:          deviceSize,
		tree:                layer.NewLayerSet[Key, Value](),
		layerFileObjectIDs:  make([]uint64, 0),
		allocatedBytes:      0,
		ownerAllocatedBytes: make(map[uint64]uint64),
		ownerByteLimits:     make(map[uint64]uint64),
	}

	err = nil
	return
}

func restore(info *Info, checkpoint *Checkpoint, layerFiles []layer.Layer[Key, Value]) (allocator *Allocator, err error) {
	var (
		ok bool
	)

	if len(info.LayerFileObjectIDs) != len(layerFiles) {
		err = blunder.NewError(blunder.InvalidArgError, "allocator info lists %d LayerFiles but %d were supplied", len(info.LayerFileObjectIDs), len(layerFiles))
		return
	}

	allocator, err = newAllocator(info.ObjectID, info.BlockSize, info.DeviceSize)
	if nil != err {
		return
	}

	allocator.layerFileObjectIDs = append(allocator.layerFileObjectIDs, info.LayerFileObjectIDs...)
	allocator.tree.Immutable = append(allocator.tree.Immutable, layerFiles...)

	for owner, limit := range info.OwnerByteLimits {
		allocator.ownerByteLimits[owner] = limit
	}

	allocator.allocatedBytes = checkpoint.AllocatedBytes
	for owner, ownerBytes := range checkpoint.OwnerAllocatedBytes {
		allocator.ownerAllocatedBytes[owner] = ownerBytes
	}

	for _, checkpointItem := range checkpoint.Mutable {
		ok, err = allocator.tree.Mutable.Insert(layer.Item[Key, Value]{
			Key:   Key{DeviceRange: Range{Start: checkpointItem.Start, End: checkpointItem.End}},
			Value: Value{Kind: checkpointItem.Kind, OwnerObjectID: checkpointItem.OwnerObjectID},
		})
		if nil != err {
			return
		}
		if !ok {
			err = blunder.NewError(blunder.CorruptMetadataError, "allocator checkpoint records %v twice", Range{Start: checkpointItem.Start, End: checkpointItem.End})
			return
		}
	}

	err = nil
	return
}

func (allocator *Allocator) checkpoint() (checkpoint *Checkpoint, err error) {
	var (
		items []layer.Item[Key, Value]
	)

	items, err = allocator.tree.Mutable.Items()
	if nil != err {
		return
	}

	checkpoint = &Checkpoint{
		AllocatedBytes:      allocator.allocatedBytes,
		OwnerAllocatedBytes: copyMap(allocator.ownerAllocatedBytes),
		Mutable:             make([]CheckpointItem, 0, len(items)),
	}

	for _, item := range items {
		checkpoint.Mutable = append(checkpoint.Mutable, CheckpointItem{
			Start:         item.Key.DeviceRange.Start,
			End:           item.Key.DeviceRange.End,
			Kind:          item.Value.Kind,
			OwnerObjectID: item.Value.OwnerObjectID,
		})
	}

	return
}

func iter(merger *layer.Merger[Key, Value], bound layer.Bound[Key]) (iterator layer.Iterator[Key, Value], err error) {
	var (
		mergerIterator layer.Iterator[Key, Value]
	)

	mergerIterator, err = merger.Seek(bound)
	if nil != err {
		return
	}

	iterator, err = layer.NewFilterIterator(mergerIterator, func(item *layer.Item[Key, Value]) bool {
		return item.Value.IsAllocated()
	})

	return
}

// occupies reports whether item, as yielded by the merged tree, keeps its range
// from being allocated. A freed range stays occupied until the ValueKindNone
// item shadowing it has been compacted out of the Mutable layer, so that no
// LayerFile ever records overlapping items.
func (allocator *Allocator) occupies(item *layer.Item[Key, Value]) (occupied bool, err error) {
	if item.Value.IsAllocated() {
		occupied = true
		return
	}

	_, occupied, err = allocator.tree.Mutable.Get(item.Key)

	return
}

func (allocator *Allocator) allocate(ownerObjectID uint64, length uint64) (deviceRange Range, err error) {
	var (
		cursor   uint64
		found    bool
		item     *layer.Item[Key, Value]
		iterator layer.Iterator[Key, Value]
		limit    uint64
		occupied bool
		ok       bool
	)

	if 0 == length {
		err = blunder.NewError(blunder.InvalidArgError, "Allocate() of zero bytes")
		return
	}

	length = utils.RoundUp(length, allocator.blockSize)

	limit, ok = allocator.ownerByteLimits[ownerObjectID]
	if ok && ((allocator.ownerAllocatedBytes[ownerObjectID] + length) > limit) {
		err = blunder.NewError(blunder.NoSpaceError, "owner %016X byte limit %d would be exceeded", ownerObjectID, limit)
		return
	}

	iterator, err = allocator.tree.Merger().Seek(layer.Unbounded[Key]())
	if nil != err {
		return
	}

	cursor = allocator.blockSize

	for item = iterator.Get(); nil != item; item = iterator.Get() {
		occupied, err = allocator.occupies(item)
		if nil != err {
			return
		}
		if !occupied {
			err = iterator.Advance()
			if nil != err {
				return
			}
			continue
		}
		if (item.Key.DeviceRange.Start >= cursor) && ((item.Key.DeviceRange.Start - cursor) >= length) {
			found = true
			break
		}
		if item.Key.DeviceRange.End > cursor {
			cursor = utils.RoundUp(item.Key.DeviceRange.End, allocator.blockSize)
		}
		err = iterator.Advance()
		if nil != err {
			return
		}
	}

	if !found && ((allocator.deviceSize < cursor) || ((allocator.deviceSize - cursor) < length)) {
		err = blunder.NewError(blunder.NoSpaceError, "no free range of %d bytes for owner %016X", length, ownerObjectID)
		return
	}

	deviceRange = Range{Start: cursor, End: cursor + length}

	err = allocator.insertAllocation(ownerObjectID, deviceRange)
	if nil != err {
		return
	}

	logger.Tracef("allocator.Allocate(%016X,) returning %v", ownerObjectID, deviceRange)

	return
}

func (allocator *Allocator) markAllocated(ownerObjectID uint64, deviceRange Range) (err error) {
	var (
		item     *layer.Item[Key, Value]
		iterator layer.Iterator[Key, Value]
		key      Key
		occupied bool
	)

	if deviceRange.Start >= deviceRange.End {
		err = blunder.NewError(blunder.InvalidArgError, "MarkAllocated() of malformed range %v", deviceRange)
		return
	}
	if deviceRange.End > allocator.deviceSize {
		err = blunder.NewError(blunder.OutOfRangeError, "MarkAllocated() of %v beyond device size %d", deviceRange, allocator.deviceSize)
		return
	}

	key = Key{DeviceRange: deviceRange}

	// The first occupied range ending after deviceRange.Start is the only
	// candidate for overlap since no two occupied ranges overlap
	iterator, err = allocator.tree.Merger().Seek(layer.Included(Key{DeviceRange: Range{Start: 0, End: deviceRange.Start + 1}}))
	if nil != err {
		return
	}
	for item = iterator.Get(); nil != item; item = iterator.Get() {
		occupied, err = allocator.occupies(item)
		if nil != err {
			return
		}
		if occupied {
			break
		}
		err = iterator.Advance()
		if nil != err {
			return
		}
	}
	if (nil != item) && item.Key.Overlaps(key) {
		err = blunder.NewError(blunder.FileExistsError, "MarkAllocated() of %v overlaps %v", deviceRange, item.Key.DeviceRange)
		return
	}

	err = allocator.insertAllocation(ownerObjectID, deviceRange)

	return
}

func (allocator *Allocator) insertAllocation(ownerObjectID uint64, deviceRange Range) (err error) {
	err = allocator.tree.Mutable.Replace(layer.Item[Key, Value]{
		Key:   Key{DeviceRange: deviceRange},
		Value: Value{Kind: ValueKindAbs, OwnerObjectID: ownerObjectID},
	})
	if nil != err {
		return
	}

	allocator.allocatedBytes += deviceRange.Length()
	allocator.ownerAllocatedBytes[ownerObjectID] += deviceRange.Length()

	return
}

func (allocator *Allocator) deallocate(deviceRange Range) (err error) {
	var (
		inImmutable bool
		item        *layer.Item[Key, Value]
		iterator    layer.Iterator[Key, Value]
		key         Key
		owner       uint64
	)

	key = Key{DeviceRange: deviceRange}

	iterator, err = allocator.tree.Merger().Seek(layer.Included(key))
	if nil != err {
		return
	}
	item = iterator.Get()
	if (nil == item) || (0 != item.Key.CmpUpperBound(key)) || !item.Value.IsAllocated() {
		err = blunder.NewError(blunder.NotFoundError, "Deallocate() of %v which is not allocated", deviceRange)
		return
	}
	owner = item.Value.OwnerObjectID

	for _, immutable := range allocator.tree.Immutable {
		iterator, err = immutable.Seek(layer.Included(key))
		if nil != err {
			return
		}
		item = iterator.Get()
		if (nil != item) && (0 == item.Key.CmpUpperBound(key)) {
			inImmutable = true
			break
		}
	}

	if inImmutable {
		err = allocator.tree.Mutable.Replace(layer.Item[Key, Value]{Key: key, Value: Value{Kind: ValueKindNone}})
	} else {
		_, err = allocator.tree.Mutable.Delete(key)
	}
	if nil != err {
		return
	}

	allocator.allocatedBytes -= deviceRange.Length()
	allocator.ownerAllocatedBytes[owner] -= deviceRange.Length()
	if 0 == allocator.ownerAllocatedBytes[owner] {
		delete(allocator.ownerAllocatedBytes, owner)
	}

	logger.Tracef("allocator.Deallocate(%v) of owner %016X", deviceRange, owner)

	return
}

func copyMap(src map[uint64]uint64) (dst map[uint64]uint64) {
	dst = make(map[uint64]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return
}
