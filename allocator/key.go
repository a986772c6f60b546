// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"fmt"

	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/objfs/blunder"
)

// Range is the half open byte range [Start, End) of the device.
type Range struct {
	Start uint64
	End   uint64
}

// Length returns the number of bytes in the range (zero if malformed).
func (deviceRange Range) Length() uint64 {
	if deviceRange.End <= deviceRange.Start {
		return 0
	}
	return deviceRange.End - deviceRange.Start
}

func (deviceRange Range) String() string {
	return fmt.Sprintf("[%016X..%016X)", deviceRange.Start, deviceRange.End)
}

// Key is the key of every item in the allocator tree.
type Key struct {
	DeviceRange Range
}

// ValueKind distinguishes free and owned device ranges.
type ValueKind uint8

const (
	ValueKindNone ValueKind = iota // Range is free (shadows an older allocation of the same Range)
	ValueKindAbs                   // Range is owned by OwnerObjectID
)

// Value is the value of every item in the allocator tree.
type Value struct {
	Kind          ValueKind
	OwnerObjectID uint64
}

// CmpUpperBound orders keys by End, then Start.
func (key Key) CmpUpperBound(other Key) int {
	switch {
	case key.DeviceRange.End < other.DeviceRange.End:
		return -1
	case key.DeviceRange.End > other.DeviceRange.End:
		return 1
	case key.DeviceRange.Start < other.DeviceRange.Start:
		return -1
	case key.DeviceRange.Start > other.DeviceRange.Start:
		return 1
	default:
		return 0
	}
}

func (key Key) Overlaps(other Key) bool {
	return (key.DeviceRange.Start < other.DeviceRange.End) && (other.DeviceRange.Start < key.DeviceRange.End)
}

func (key Key) Bounds() (start uint64, end uint64) {
	start = key.DeviceRange.Start
	end = key.DeviceRange.End
	return
}

func (key Key) WithBounds(start uint64, end uint64) Key {
	return Key{DeviceRange: Range{Start: start, End: end}}
}

func (key Key) String() string {
	return key.DeviceRange.String()
}

func (value Value) Equal(other Value) bool {
	return (value.Kind == other.Kind) && (value.OwnerObjectID == other.OwnerObjectID)
}

// IsAllocated reports whether value records an owned range.
func (value Value) IsAllocated() bool {
	return ValueKindAbs == value.Kind
}

func (value Value) String() string {
	switch value.Kind {
	case ValueKindNone:
		return "None"
	case ValueKindAbs:
		return fmt.Sprintf("Abs{owner: %016X}", value.OwnerObjectID)
	default:
		return fmt.Sprintf("Unknown{kind: %d}", value.Kind)
	}
}

type keyV1Struct struct {
	Start uint64
	End   uint64
}

type valueV1Struct struct {
	Kind          uint8
	OwnerObjectID uint64
}

type codecStruct struct{}

// Codec is the layer.Codec used for every allocator LayerFile.
var Codec = &codecStruct{}

func (codec *codecStruct) PackKey(key Key) (packedKey []byte, err error) {
	packedKey, err = cstruct.Pack(keyV1Struct{Start: key.DeviceRange.Start, End: key.DeviceRange.End}, cstruct.LittleEndian)
	return
}

func (codec *codecStruct) UnpackKey(buf []byte) (key Key, bytesConsumed uint64, err error) {
	var (
		keyV1 keyV1Struct
	)

	bytesConsumed, err = cstruct.Unpack(buf, &keyV1, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.UnpackError)
		return
	}

	key = Key{DeviceRange: Range{Start: keyV1.Start, End: keyV1.End}}

	return
}

func (codec *codecStruct) PackValue(value Value) (packedValue []byte, err error) {
	packedValue, err = cstruct.Pack(valueV1Struct{Kind: uint8(value.Kind), OwnerObjectID: value.OwnerObjectID}, cstruct.LittleEndian)
	return
}

func (codec *codecStruct) UnpackValue(buf []byte) (value Value, bytesConsumed uint64, err error) {
	var (
		valueV1 valueV1Struct
	)

	bytesConsumed, err = cstruct.Unpack(buf, &valueV1, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.UnpackError)
		return
	}

	if uint8(ValueKindAbs) < valueV1.Kind {
		err = blunder.NewError(blunder.UnpackError, "unknown allocator ValueKind %d", valueV1.Kind)
		return
	}

	value = Value{Kind: ValueKind(valueV1.Kind), OwnerObjectID: valueV1.OwnerObjectID}

	return
}
