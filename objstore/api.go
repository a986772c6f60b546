// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package objstore implements the object stores of an objfs filesystem and the
// filesystem that binds them to a device.
//
// Every piece of persisted state is an object in an ObjectStorage backend,
// named by a uint64 object ID. Each object is held by exactly one store: the
// store's tree records the object and the device extents backing it, and the
// allocator records each of those extents as owned by the store.
//
// The stores are arranged as follows:
//
//   root-parent store  (its StoreInfo and tree live in the super-block)
//     holds: the root store's StoreInfo object and LayerFiles, the journal
//   root store
//     holds: both super-block copies, the allocator info object and its
//            LayerFiles, the volume directory, and every child store's
//            StoreInfo, LayerFiles, and encrypted mutations object
//   child stores (volumes, optionally encrypted)
//     hold: the objects of the volume itself
//
// A store tree is a layer.LayerSet keyed by ObjectKey. An object is recorded
// as an ObjectAttributeObject item, its contents as ObjectAttributeData
// extents, and each of its children as an ObjectAttributeChild item.
//
package objstore

import (
	"fmt"

	"github.com/NVIDIA/objfs/allocator"
)

// ObjectStorage is the backend in which every object is stored.
type ObjectStorage interface {
	ReadObject(objectID uint64) (buf []byte, err error)
	WriteObject(objectID uint64, buf []byte) (err error)
	DeleteObject(objectID uint64) (err error)
	ListObjects() (objectIDs []uint64, err error)
}

// Fixed object IDs of the two super-block copies.
const (
	SuperBlockAObjectID uint64 = 1
	SuperBlockBObjectID uint64 = 2

	firstNonceObjectID uint64 = 3
)

const (
	SuperBlockVersionV1 uint64 = 1
	StoreInfoVersionV1  uint64 = 1
)

// ObjectAttribute distinguishes the items recorded for an object.
type ObjectAttribute uint8

const (
	ObjectAttributeObject ObjectAttribute = iota // The object record (Start: 0, End: 1)
	ObjectAttributeData                          // An extent [Start, End) of the object's contents
	ObjectAttributeChild                         // A child reference (Start: child, End: child+1)
)

// ObjectValueKind distinguishes the values of a store tree.
type ObjectValueKind uint8

const (
	ObjectValueKindNone   ObjectValueKind = iota // Deleted (shadows an older item)
	ObjectValueKindObject                        // Ref is the parent object ID (0 for a root object)
	ObjectValueKindExtent                        // Ref is the device offset of the extent
	ObjectValueKindChild                         // Ref is the child object ID
)

// ObjectKey is the key of every item in a store tree.
type ObjectKey struct {
	ObjectID  uint64
	Attribute ObjectAttribute
	Start     uint64
	End       uint64
}

// ObjectValue is the value of every item in a store tree.
type ObjectValue struct {
	Kind ObjectValueKind
	Ref  uint64
}

// ObjectItem is the persisted form of a store tree item.
type ObjectItem struct {
	ObjectID  uint64          `cbor:"1,keyasint"`
	Attribute ObjectAttribute `cbor:"2,keyasint"`
	Start     uint64          `cbor:"3,keyasint"`
	End       uint64          `cbor:"4,keyasint"`
	Kind      ObjectValueKind `cbor:"5,keyasint"`
	Ref       uint64          `cbor:"6,keyasint"`
}

// StoreInfo is the root metadata of a store.
//
// MutableItems is only used for unencrypted stores. The Mutable layer of an
// encrypted store is sealed into the EncryptedMutationsObjectID object.
//
type StoreInfo struct {
	Version                    uint64       `cbor:"1,keyasint"`
	StoreObjectID              uint64       `cbor:"2,keyasint"`
	Name                       string       `cbor:"3,keyasint"`
	RootObjectIDs              []uint64     `cbor:"4,keyasint"`
	LayerFileObjectIDs         []uint64     `cbor:"5,keyasint"` // Newest first
	EncryptedMutationsObjectID uint64       `cbor:"6,keyasint"`
	Encrypted                  bool         `cbor:"7,keyasint"`
	CryptSalt                  []byte       `cbor:"8,keyasint,omitempty"`
	KeyCheck                   []byte       `cbor:"9,keyasint,omitempty"`
	MutableItems               []ObjectItem `cbor:"10,keyasint,omitempty"`
}

// SuperBlock is the root of the filesystem. The copy with the highest
// Generation that decodes is current.
type SuperBlock struct {
	Version                 uint64               `cbor:"1,keyasint"`
	Generation              uint64               `cbor:"2,keyasint"`
	BlockSize               uint64               `cbor:"3,keyasint"`
	BlockCount              uint64               `cbor:"4,keyasint"`
	NextObjectID            uint64               `cbor:"5,keyasint"`
	RootParentStore         StoreInfo            `cbor:"6,keyasint"`
	RootStoreObjectID       uint64               `cbor:"7,keyasint"`
	RootStoreMutableItems   []ObjectItem         `cbor:"8,keyasint"`
	AllocatorObjectID       uint64               `cbor:"9,keyasint"`
	Allocator               allocator.Checkpoint `cbor:"10,keyasint"`
	JournalObjectID         uint64               `cbor:"11,keyasint"`
	JournalFileOffsets      map[uint64]uint64    `cbor:"12,keyasint"`
	VolumeDirectoryObjectID uint64               `cbor:"13,keyasint"`
}

// VolumeDirectory maps volume names to the store object IDs of the volumes.
type VolumeDirectory struct {
	Volumes map[string]uint64 `cbor:"1,keyasint"`
}

// FormatOptions describes the device of a filesystem being formatted.
type FormatOptions struct {
	BlockSize  uint64
	BlockCount uint64
}

// Device describes the device underlying a filesystem.
type Device struct {
	blockSize  uint64
	blockCount uint64
}

func (device Device) BlockSize() uint64 {
	return device.blockSize
}

func (device Device) BlockCount() uint64 {
	return device.blockCount
}

// Size returns the size of the device in bytes.
func (device Device) Size() uint64 {
	return device.blockSize * device.blockCount
}

// CmpUpperBound orders keys by ObjectID, Attribute, End, then Start.
func (key ObjectKey) CmpUpperBound(other ObjectKey) int {
	switch {
	case key.ObjectID < other.ObjectID:
		return -1
	case key.ObjectID > other.ObjectID:
		return 1
	case key.Attribute < other.Attribute:
		return -1
	case key.Attribute > other.Attribute:
		return 1
	case key.End < other.End:
		return -1
	case key.End > other.End:
		return 1
	case key.Start < other.Start:
		return -1
	case key.Start > other.Start:
		return 1
	default:
		return 0
	}
}

// Overlaps reports whether both keys record the same attribute of the same
// object over intersecting ranges.
func (key ObjectKey) Overlaps(other ObjectKey) bool {
	return (key.ObjectID == other.ObjectID) &&
		(key.Attribute == other.Attribute) &&
		(key.Start < other.End) &&
		(other.Start < key.End)
}

func (key ObjectKey) String() string {
	return fmt.Sprintf("{%016X %v [%016X..%016X)}", key.ObjectID, key.Attribute, key.Start, key.End)
}

func (attribute ObjectAttribute) String() string {
	switch attribute {
	case ObjectAttributeObject:
		return "Object"
	case ObjectAttributeData:
		return "Data"
	case ObjectAttributeChild:
		return "Child"
	default:
		return fmt.Sprintf("Attribute(%d)", uint8(attribute))
	}
}

func (value ObjectValue) Equal(other ObjectValue) bool {
	return (value.Kind == other.Kind) && (value.Ref == other.Ref)
}

func (value ObjectValue) String() string {
	switch value.Kind {
	case ObjectValueKindNone:
		return "None"
	case ObjectValueKindObject:
		return fmt.Sprintf("Object{parent: %016X}", value.Ref)
	case ObjectValueKindExtent:
		return fmt.Sprintf("Extent{device: %016X}", value.Ref)
	case ObjectValueKindChild:
		return fmt.Sprintf("Child{%016X}", value.Ref)
	default:
		return fmt.Sprintf("Unknown{kind: %d}", uint8(value.Kind))
	}
}

// ObjectRecordKey returns the key of the object record of objectID.
func ObjectRecordKey(objectID uint64) ObjectKey {
	return ObjectKey{ObjectID: objectID, Attribute: ObjectAttributeObject, Start: 0, End: 1}
}

// ParentObjects returns the IDs of the objects, held by another store, that
// hold the tree of the store described by storeInfo.
func (storeInfo *StoreInfo) ParentObjects() (objectIDs []uint64) {
	objectIDs = make([]uint64, 0, 1+len(storeInfo.LayerFileObjectIDs))
	objectIDs = append(objectIDs, storeInfo.LayerFileObjectIDs...)
	if 0 != storeInfo.EncryptedMutationsObjectID {
		objectIDs = append(objectIDs, storeInfo.EncryptedMutationsObjectID)
	}
	return
}
