// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/objfs/blunder"
	"github.com/NVIDIA/objfs/layer"
)

const (
	testBlockSize  = uint64(4096)
	testDeviceSize = uint64(16 * 4096)
)

func owned(start uint64, end uint64, owner uint64) layer.Item[Key, Value] {
	return layer.Item[Key, Value]{
		Key:   Key{DeviceRange: Range{Start: start, End: end}},
		Value: Value{Kind: ValueKindAbs, OwnerObjectID: owner},
	}
}

func ownedItems(t *testing.T, allocator *Allocator) []layer.Item[Key, Value] {
	iterator, err := allocator.Iter(allocator.Tree().Merger(), layer.Unbounded[Key]())
	if nil != err {
		t.Fatalf("Iter() failed: %v", err)
	}
	items, err := layer.Collect(iterator)
	if nil != err {
		t.Fatalf("Collect() failed: %v", err)
	}
	return items
}

func TestKey(t *testing.T) {
	assert := assert.New(t)

	a := Key{DeviceRange: Range{Start: 0, End: 4096}}
	b := Key{DeviceRange: Range{Start: 4096, End: 8192}}
	c := Key{DeviceRange: Range{Start: 0, End: 8192}}

	assert.Equal(-1, a.CmpUpperBound(b))
	assert.Equal(1, b.CmpUpperBound(a))
	assert.Equal(-1, c.CmpUpperBound(b))
	assert.Equal(0, a.CmpUpperBound(a))
	assert.False(a.Overlaps(b))
	assert.True(a.Overlaps(c))
	assert.True(c.Overlaps(b))
	assert.Equal(uint64(4096), a.DeviceRange.Length())
	assert.Equal(uint64(0), Range{Start: 200, End: 100}.Length())
	assert.Equal(b, a.WithBounds(4096, 8192))

	assert.True(Value{Kind: ValueKindAbs, OwnerObjectID: 7}.Equal(Value{Kind: ValueKindAbs, OwnerObjectID: 7}))
	assert.False(Value{Kind: ValueKindAbs, OwnerObjectID: 7}.Equal(Value{Kind: ValueKindNone, OwnerObjectID: 7}))

	packedKey, err := Codec.PackKey(b)
	assert.NoError(err)
	unpackedKey, bytesConsumed, err := Codec.UnpackKey(packedKey)
	assert.NoError(err)
	assert.Equal(uint64(len(packedKey)), bytesConsumed)
	assert.Equal(b, unpackedKey)

	packedValue, err := Codec.PackValue(Value{Kind: ValueKindAbs, OwnerObjectID: 7})
	assert.NoError(err)
	packedValue[0] = 9
	_, _, err = Codec.UnpackValue(packedValue)
	assert.True(blunder.Is(err, blunder.UnpackError))
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	_, err := New(5, 1000, testDeviceSize)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	_, err = New(5, testBlockSize, testBlockSize)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	_, err = New(5, testBlockSize, testDeviceSize+1)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	allocator, err := New(5, testBlockSize, testDeviceSize)
	if !assert.NoError(err) {
		return
	}
	assert.Equal(uint64(5), allocator.ObjectID())
	assert.Equal(testBlockSize, allocator.BlockSize())
	assert.Equal(testDeviceSize, allocator.DeviceSize())
	assert.Empty(allocator.ParentObjects())
	assert.Zero(allocator.GetAllocatedBytes())
	assert.Empty(allocator.GetOwnerAllocatedBytes())
}

func TestAllocate(t *testing.T) {
	assert := assert.New(t)

	allocator, err := New(5, testBlockSize, testDeviceSize)
	if !assert.NoError(err) {
		return
	}

	deviceRange, err := allocator.Allocate(10, 100)
	assert.NoError(err)
	assert.Equal(Range{Start: 4096, End: 8192}, deviceRange)

	deviceRange, err = allocator.Allocate(11, 8192)
	assert.NoError(err)
	assert.Equal(Range{Start: 8192, End: 16384}, deviceRange)

	_, err = allocator.Allocate(10, 0)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	assert.Equal(uint64(12288), allocator.GetAllocatedBytes())
	assert.Equal(map[uint64]uint64{10: 4096, 11: 8192}, allocator.GetOwnerAllocatedBytes())

	assert.Equal([]layer.Item[Key, Value]{owned(4096, 8192, 10), owned(8192, 16384, 11)}, ownedItems(t, allocator))

	// The reserved first block may still be claimed explicitly
	assert.NoError(allocator.MarkAllocated(99, Range{Start: 0, End: 4096}))
	err = allocator.MarkAllocated(99, Range{Start: 8192, End: 12288})
	assert.True(blunder.Is(err, blunder.FileExistsError))
	err = allocator.MarkAllocated(99, Range{Start: 100, End: 100})
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	err = allocator.MarkAllocated(99, Range{Start: testDeviceSize, End: testDeviceSize + 4096})
	assert.True(blunder.Is(err, blunder.OutOfRangeError))

	assert.NoError(allocator.Deallocate(Range{Start: 4096, End: 8192}))
	err = allocator.Deallocate(Range{Start: 4096, End: 8192})
	assert.True(blunder.Is(err, blunder.NotFoundError))
	assert.Equal(map[uint64]uint64{11: 8192, 99: 4096}, allocator.GetOwnerAllocatedBytes())

	// Only in the Mutable layer, so the freed range is reusable
	deviceRange, err = allocator.Allocate(12, 4096)
	assert.NoError(err)
	assert.Equal(Range{Start: 4096, End: 8192}, deviceRange)
}

func TestByteLimitAndNoSpace(t *testing.T) {
	assert := assert.New(t)

	allocator, err := New(5, testBlockSize, 4*testBlockSize)
	if !assert.NoError(err) {
		return
	}

	allocator.SetByteLimit(10, 4096)
	assert.Equal(map[uint64]uint64{10: 4096}, allocator.OwnerByteLimits())

	_, err = allocator.Allocate(10, 4096)
	assert.NoError(err)
	_, err = allocator.Allocate(10, 4096)
	assert.True(blunder.Is(err, blunder.NoSpaceError))

	allocator.SetByteLimit(10, 0)
	assert.Empty(allocator.OwnerByteLimits())

	_, err = allocator.Allocate(10, 8192)
	assert.NoError(err)
	_, err = allocator.Allocate(10, 4096)
	assert.True(blunder.Is(err, blunder.NoSpaceError))
}

func TestCompactionAndRestore(t *testing.T) {
	assert := assert.New(t)

	allocator, err := New(5, testBlockSize, testDeviceSize)
	if !assert.NoError(err) {
		return
	}
	allocator.SetByteLimit(11, 1<<20)

	_, err = allocator.Allocate(10, 4096)
	assert.NoError(err)
	_, err = allocator.Allocate(11, 4096)
	assert.NoError(err)

	items, layerFileBuf, err := allocator.BuildLayerFile(0x100)
	if !assert.NoError(err) {
		return
	}
	assert.Len(items, 2)

	// Storing the LayerFile allocates
	_, err = allocator.Allocate(5, 4096)
	assert.NoError(err)

	layerFile, err := layer.OpenLayerFile[Key, Value](layer.NewBufferHandle(0x100, layerFileBuf), Codec, layer.LayerFileOptions{})
	if !assert.NoError(err) {
		return
	}
	assert.NoError(allocator.InstallLayerFile(layerFile, items))
	assert.Equal([]uint64{0x100}, allocator.LayerFileObjectIDs())
	assert.Equal([]uint64{0x100}, allocator.ParentObjects())

	// Freeing a range held in a LayerFile leaves it recorded, so it is not
	// reused until the Mutable layer is compacted again
	assert.NoError(allocator.Deallocate(Range{Start: 4096, End: 8192}))
	deviceRange, err := allocator.Allocate(12, 4096)
	assert.NoError(err)
	assert.Equal(Range{Start: 16384, End: 20480}, deviceRange)

	expected := []layer.Item[Key, Value]{owned(8192, 12288, 11), owned(12288, 16384, 5), owned(16384, 20480, 12)}
	assert.Equal(expected, ownedItems(t, allocator))

	checkpoint, err := allocator.Checkpoint()
	if !assert.NoError(err) {
		return
	}
	assert.Len(checkpoint.Mutable, 3)

	restored, err := Restore(allocator.Info(), checkpoint, []layer.Layer[Key, Value]{layerFile})
	if !assert.NoError(err) {
		return
	}
	assert.Equal(expected, ownedItems(t, restored))
	assert.Equal(allocator.GetAllocatedBytes(), restored.GetAllocatedBytes())
	assert.Equal(allocator.GetOwnerAllocatedBytes(), restored.GetOwnerAllocatedBytes())
	assert.Equal(map[uint64]uint64{11: 1 << 20}, restored.OwnerByteLimits())

	_, err = Restore(allocator.Info(), checkpoint, nil)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	items, layerFileBuf, err = allocator.BuildLayerFile(0x101)
	if !assert.NoError(err) {
		return
	}
	assert.Len(items, 3)
	newerLayerFile, err := layer.OpenLayerFile[Key, Value](layer.NewBufferHandle(0x101, layerFileBuf), Codec, layer.LayerFileOptions{})
	if !assert.NoError(err) {
		return
	}
	assert.NoError(allocator.InstallLayerFile(newerLayerFile, items))

	err = allocator.MarkAllocated(13, Range{Start: 4096, End: 12288})
	assert.True(blunder.Is(err, blunder.FileExistsError))

	deviceRange, err = allocator.Allocate(13, 4096)
	assert.NoError(err)
	assert.Equal(Range{Start: 4096, End: 8192}, deviceRange)
	assert.Equal(uint64(4096), allocator.GetOwnerAllocatedBytes()[13])

	expected = append([]layer.Item[Key, Value]{owned(4096, 8192, 13)}, expected...)
	assert.Equal(expected, ownedItems(t, allocator))

	checkpoint, err = allocator.Checkpoint()
	if !assert.NoError(err) {
		return
	}
	restored, err = Restore(allocator.Info(), checkpoint, []layer.Layer[Key, Value]{newerLayerFile, layerFile})
	if !assert.NoError(err) {
		return
	}
	assert.Equal(expected, ownedItems(t, restored))
}
