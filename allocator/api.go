// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package allocator tracks which byte ranges of the device belong to which
// store.
//
// The allocator tree maps a device Range to the object ID of the store owning
// it. It is held in a layer.LayerSet: mutations land in the Mutable layer and
// are periodically written out as LayerFiles held by the root store.
//
// Allocation is first-fit above a reserved first block. A deallocated Range
// is recorded as a ValueKindNone item shadowing the older allocation and is
// not handed out again.
//
package allocator

import (
	"sync"

	"github.com/NVIDIA/objfs/layer"
)

// Allocator is the device-wide extent allocator.
type Allocator struct {
	sync.Mutex
	objectID            uint64
	blockSize           uint64
	deviceSize          uint64
	tree                *layer.LayerSet[Key, Value]
	layerFileObjectIDs  []uint64 // Newest first, matching tree.Immutable
	allocatedBytes      uint64
	ownerAllocatedBytes map[uint64]uint64
	ownerByteLimits     map[uint64]uint64
}

// Info is the persisted form of the allocator's layout.
type Info struct {
	ObjectID           uint64            `cbor:"1,keyasint"`
	BlockSize          uint64            `cbor:"2,keyasint"`
	DeviceSize         uint64            `cbor:"3,keyasint"`
	LayerFileObjectIDs []uint64          `cbor:"4,keyasint"`
	OwnerByteLimits    map[uint64]uint64 `cbor:"5,keyasint"`
}

// Checkpoint is the persisted form of the allocator's Mutable layer and accounting.
type Checkpoint struct {
	AllocatedBytes      uint64            `cbor:"1,keyasint"`
	OwnerAllocatedBytes map[uint64]uint64 `cbor:"2,keyasint"`
	Mutable             []CheckpointItem  `cbor:"3,keyasint"`
}

// CheckpointItem is one Mutable layer item in a Checkpoint.
type CheckpointItem struct {
	Start         uint64    `cbor:"1,keyasint"`
	End           uint64    `cbor:"2,keyasint"`
	Kind          ValueKind `cbor:"3,keyasint"`
	OwnerObjectID uint64    `cbor:"4,keyasint"`
}

// New returns an empty Allocator for a device of deviceSize bytes.
func New(objectID uint64, blockSize uint64, deviceSize uint64) (allocator *Allocator, err error) {
	allocator, err = newAllocator(objectID, blockSize, deviceSize)
	return
}

// Restore returns the Allocator described by info and checkpoint.
//
// layerFiles must correspond, in order, to info.LayerFileObjectIDs.
//
func Restore(info *Info, checkpoint *Checkpoint, layerFiles []layer.Layer[Key, Value]) (allocator *Allocator, err error) {
	allocator, err = restore(info, checkpoint, layerFiles)
	return
}

// Allocate returns a block aligned Range of at least length bytes now owned
// by ownerObjectID.
func (allocator *Allocator) Allocate(ownerObjectID uint64, length uint64) (deviceRange Range, err error) {
	allocator.Lock()
	defer allocator.Unlock()

	deviceRange, err = allocator.allocate(ownerObjectID, length)

	return
}

// MarkAllocated records deviceRange as owned by ownerObjectID.
//
// deviceRange must not overlap any recorded (owned or freed) range.
//
func (allocator *Allocator) MarkAllocated(ownerObjectID uint64, deviceRange Range) (err error) {
	allocator.Lock()
	defer allocator.Unlock()

	err = allocator.markAllocated(ownerObjectID, deviceRange)

	return
}

// Deallocate frees deviceRange, which must exactly match an owned range.
func (allocator *Allocator) Deallocate(deviceRange Range) (err error) {
	allocator.Lock()
	defer allocator.Unlock()

	err = allocator.deallocate(deviceRange)

	return
}

// SetByteLimit caps the bytes ownerObjectID may be allocated. A limit of zero
// removes the cap.
func (allocator *Allocator) SetByteLimit(ownerObjectID uint64, limit uint64) {
	allocator.Lock()
	defer allocator.Unlock()

	if 0 == limit {
		delete(allocator.ownerByteLimits, ownerObjectID)
	} else {
		allocator.ownerByteLimits[ownerObjectID] = limit
	}
}

// ObjectID returns the object ID of the allocator's info object.
func (allocator *Allocator) ObjectID() (objectID uint64) {
	objectID = allocator.objectID
	return
}

// ParentObjects returns the IDs of the objects holding the allocator tree.
func (allocator *Allocator) ParentObjects() (objectIDs []uint64) {
	objectIDs = allocator.LayerFileObjectIDs()
	return
}

// LayerFileObjectIDs returns the IDs of the allocator's LayerFiles, newest first.
func (allocator *Allocator) LayerFileObjectIDs() (objectIDs []uint64) {
	allocator.Lock()
	defer allocator.Unlock()

	objectIDs = make([]uint64, len(allocator.layerFileObjectIDs))
	copy(objectIDs, allocator.layerFileObjectIDs)

	return
}

// Tree returns the allocator tree.
func (allocator *Allocator) Tree() (tree *layer.LayerSet[Key, Value]) {
	tree = allocator.tree
	return
}

// Iter returns an iterator over the owned ranges of merger positioned per bound.
func (allocator *Allocator) Iter(merger *layer.Merger[Key, Value], bound layer.Bound[Key]) (iterator layer.Iterator[Key, Value], err error) {
	iterator, err = iter(merger, bound)
	return
}

// GetAllocatedBytes returns the total bytes the allocator has recorded as owned.
func (allocator *Allocator) GetAllocatedBytes() (allocatedBytes uint64) {
	allocator.Lock()
	allocatedBytes = allocator.allocatedBytes
	allocator.Unlock()
	return
}

// GetOwnerAllocatedBytes returns a copy of the bytes recorded as owned per owner.
func (allocator *Allocator) GetOwnerAllocatedBytes() (ownerAllocatedBytes map[uint64]uint64) {
	allocator.Lock()
	defer allocator.Unlock()

	ownerAllocatedBytes = copyMap(allocator.ownerAllocatedBytes)

	return
}

// OwnerByteLimits returns a copy of the configured per owner byte limits.
func (allocator *Allocator) OwnerByteLimits() (ownerByteLimits map[uint64]uint64) {
	allocator.Lock()
	defer allocator.Unlock()

	ownerByteLimits = copyMap(allocator.ownerByteLimits)

	return
}

func (allocator *Allocator) BlockSize() (blockSize uint64) {
	blockSize = allocator.blockSize
	return
}

func (allocator *Allocator) DeviceSize() (deviceSize uint64) {
	deviceSize = allocator.deviceSize
	return
}

// Info returns the persisted form of the allocator's layout.
func (allocator *Allocator) Info() (info *Info) {
	allocator.Lock()
	defer allocator.Unlock()

	info = &Info{
		ObjectID:           allocator.objectID,
		BlockSize:          allocator.blockSize,
		DeviceSize:         allocator.deviceSize,
		LayerFileObjectIDs: append([]uint64{}, allocator.layerFileObjectIDs...),
		OwnerByteLimits:    copyMap(allocator.ownerByteLimits),
	}

	return
}

// Checkpoint returns the persisted form of the allocator's Mutable layer and accounting.
func (allocator *Allocator) Checkpoint() (checkpoint *Checkpoint, err error) {
	allocator.Lock()
	defer allocator.Unlock()

	checkpoint, err = allocator.checkpoint()

	return
}

// BuildLayerFile returns a snapshot of the Mutable layer and the bytes of a
// LayerFile recording it, to be stored in object layerFileObjectID.
//
// Storing the LayerFile may allocate. InstallLayerFile completes the
// compaction once the LayerFile has been stored.
//
func (allocator *Allocator) BuildLayerFile(layerFileObjectID uint64) (items []layer.Item[Key, Value], layerFileBuf []byte, err error) {
	allocator.Lock()
	defer allocator.Unlock()

	items, layerFileBuf, err = allocator.tree.BuildLayerFile(Codec, layer.LayerFileOptions{Compress: true}, layerFileObjectID)

	return
}

// InstallLayerFile makes layerFile the allocator's newest LayerFile and drops
// items, as returned by BuildLayerFile, from the Mutable layer.
func (allocator *Allocator) InstallLayerFile(layerFile *layer.LayerFile[Key, Value], items []layer.Item[Key, Value]) (err error) {
	allocator.Lock()
	defer allocator.Unlock()

	err = allocator.tree.InstallLayerFile(layerFile, items)
	if nil != err {
		return
	}

	allocator.layerFileObjectIDs = append([]uint64{layerFile.ObjectID()}, allocator.layerFileObjectIDs...)

	return
}
