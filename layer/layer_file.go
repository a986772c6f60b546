// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package layer

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/NVIDIA/cstruct"
	"github.com/creachadair/cityhash"
	"github.com/pierrec/lz4/v4"

	"github.com/NVIDIA/objfs/blunder"
)

// LayerFileMagic identifies the start of every LayerFile ("OBJFSLYR").
const LayerFileMagic uint64 = 0x52594C53464A424F

const (
	LayerFileVersionV1 uint64 = 1
)

const (
	layerFileFlagCompressed uint64 = 1 << 0
	layerFileFlagSealed     uint64 = 1 << 1

	layerFileFlagsKnown = layerFileFlagCompressed | layerFileFlagSealed
)

// An lz4 block never decompresses to more than lz4MaxExpansion bytes per
// compressed byte.
const lz4MaxExpansion uint64 = 255

// layerFileHeaderV1Struct is the LittleEndian-serialized header at offset 0
// of every LayerFile. It is followed by PayloadLength bytes of stored payload.
//
// The stored payload is the record stream, lz4 block compressed if
// layerFileFlagCompressed is set, then sealed if layerFileFlagSealed is set.
// Checksum is the cityhash64 of the stored payload only, so the other header
// fields are bounded by what the payload can hold before being trusted. Each record is a uint64
// packed key length, the packed key, a uint64 packed value length, and the
// packed value.
//
type layerFileHeaderV1Struct struct {
	Magic              uint64 // == LayerFileMagic
	Version            uint64 // == LayerFileVersionV1
	Flags              uint64
	ItemCount          uint64
	PayloadLength      uint64 // Bytes of stored payload following the header
	UncompressedLength uint64 // Bytes of record stream once unsealed and decompressed
	Checksum           uint64
}

var layerFileHeaderV1Size uint64

func init() {
	var (
		err error
	)

	layerFileHeaderV1Size, _, err = cstruct.Examine(layerFileHeaderV1Struct{})
	if nil != err {
		panic(fmt.Errorf("cstruct.Examine(layerFileHeaderV1Struct{}) failed: %v", err))
	}
}

// LayerFileWriter builds the contents of a LayerFile.
//
// Items are recorded in the order they are appended. No sorting or validation
// is performed so the caller is responsible for appending in ascending order.
//
type LayerFileWriter[K Key[K], V Value[V]] struct {
	codec     Codec[K, V]
	options   LayerFileOptions
	records   bytes.Buffer
	itemCount uint64
}

// NewLayerFileWriter returns an empty LayerFileWriter.
func NewLayerFileWriter[K Key[K], V Value[V]](codec Codec[K, V], options LayerFileOptions) (layerFileWriter *LayerFileWriter[K, V]) {
	layerFileWriter = &LayerFileWriter[K, V]{
		codec:   codec,
		options: options,
	}
	return
}

func appendRecordField(records *bytes.Buffer, field []byte) (err error) {
	var (
		fieldLengthBuf []byte
	)

	fieldLengthBuf, err = cstruct.Pack(uint64(len(field)), cstruct.LittleEndian)
	if nil != err {
		return
	}

	_, _ = records.Write(fieldLengthBuf)
	_, _ = records.Write(field)

	return
}

// Append records item as the next item of the LayerFile.
func (layerFileWriter *LayerFileWriter[K, V]) Append(item Item[K, V]) (err error) {
	var (
		packedKey   []byte
		packedValue []byte
	)

	packedKey, err = layerFileWriter.codec.PackKey(item.Key)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}
	packedValue, err = layerFileWriter.codec.PackValue(item.Value)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}

	err = appendRecordField(&layerFileWriter.records, packedKey)
	if nil != err {
		return
	}
	err = appendRecordField(&layerFileWriter.records, packedValue)
	if nil != err {
		return
	}

	layerFileWriter.itemCount++

	return
}

// Len returns the number of items appended so far.
func (layerFileWriter *LayerFileWriter[K, V]) Len() (itemCount uint64) {
	itemCount = layerFileWriter.itemCount
	return
}

// Finish returns the bytes of the LayerFile to be stored in object objectID.
func (layerFileWriter *LayerFileWriter[K, V]) Finish(objectID uint64) (layerFileBuf []byte, err error) {
	var (
		compressed       []byte
		compressedLength int
		header           layerFileHeaderV1Struct
		headerBuf        []byte
		records          []byte
		stored           []byte
	)

	records = layerFileWriter.records.Bytes()

	header = layerFileHeaderV1Struct{
		Magic:              LayerFileMagic,
		Version:            LayerFileVersionV1,
		Flags:              0,
		ItemCount:          layerFileWriter.itemCount,
		UncompressedLength: uint64(len(records)),
	}

	stored = records

	if layerFileWriter.options.Compress && (0 < len(records)) {
		compressed = make([]byte, lz4.CompressBlockBound(len(records)))
		compressedLength, err = lz4.CompressBlock(records, compressed, nil)
		if nil != err {
			err = blunder.NewError(blunder.PackError, "lz4.CompressBlock() of LayerFile %016X failed: %v", objectID, err)
			return
		}
		// A zero compressedLength means records was incompressible
		if (0 < compressedLength) && (compressedLength < len(records)) {
			stored = compressed[:compressedLength]
			header.Flags |= layerFileFlagCompressed
		}
	}

	if nil != layerFileWriter.options.Sealer {
		stored, err = layerFileWriter.options.Sealer.Seal(objectID, stored)
		if nil != err {
			return
		}
		header.Flags |= layerFileFlagSealed
	}

	header.PayloadLength = uint64(len(stored))
	header.Checksum = cityhash.Hash64(stored)

	headerBuf, err = cstruct.Pack(header, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}

	layerFileBuf = make([]byte, 0, uint64(len(headerBuf))+header.PayloadLength)
	layerFileBuf = append(layerFileBuf, headerBuf...)
	layerFileBuf = append(layerFileBuf, stored...)

	err = nil
	return
}

type bufferHandleStruct struct {
	objectID uint64
	buf      []byte
}

// NewBufferHandle returns an ObjectHandle reading from buf as if it were the
// contents of object objectID.
func NewBufferHandle(objectID uint64, buf []byte) (handle ObjectHandle) {
	handle = &bufferHandleStruct{
		objectID: objectID,
		buf:      buf,
	}
	return
}

func (bufferHandle *bufferHandleStruct) ObjectID() (objectID uint64) {
	objectID = bufferHandle.objectID
	return
}

func (bufferHandle *bufferHandleStruct) Size() (size uint64) {
	size = uint64(len(bufferHandle.buf))
	return
}

func (bufferHandle *bufferHandleStruct) ReadAt(p []byte, off int64) (n int, err error) {
	if (0 > off) || (off >= int64(len(bufferHandle.buf))) {
		err = io.EOF
		return
	}

	n = copy(p, bufferHandle.buf[off:])
	if n < len(p) {
		err = io.EOF
	}

	return
}

// LayerFile is an immutable, persisted Layer.
//
// The items of a LayerFile are decoded when it is opened. A LayerFile may be
// read by any number of Iterators concurrently.
//
type LayerFile[K Key[K], V Value[V]] struct {
	objectID uint64
	flags    uint64
	items    []Item[K, V]
}

type layerFileIteratorStruct[K Key[K], V Value[V]] struct {
	layerFile *LayerFile[K, V]
	index     int
}

// OpenLayerFile validates and decodes the LayerFile held in handle.
//
// Any defect in the header, checksum, compression, or record stream is
// reported as a blunder.CorruptLayerFileError. A sealed LayerFile opened
// without options.Sealer is reported as a blunder.StoreLockedError.
//
func OpenLayerFile[K Key[K], V Value[V]](handle ObjectHandle, codec Codec[K, V], options LayerFileOptions) (layerFile *LayerFile[K, V], err error) {
	var (
		bytesConsumed      uint64
		header             layerFileHeaderV1Struct
		headerBuf          []byte
		item               Item[K, V]
		objectID           uint64
		records            []byte
		stored             []byte
		uncompressedLength int
	)

	objectID = handle.ObjectID()

	if handle.Size() < layerFileHeaderV1Size {
		err = blunder.NewError(blunder.CorruptLayerFileError, "LayerFile %016X too short (%d bytes) to hold a header", objectID, handle.Size())
		return
	}

	headerBuf = make([]byte, layerFileHeaderV1Size)
	_, err = handle.ReadAt(headerBuf, 0)
	if nil != err {
		err = blunder.NewError(blunder.IOError, "LayerFile %016X header read failed: %v", objectID, err)
		return
	}

	_, err = cstruct.Unpack(headerBuf, &header, cstruct.LittleEndian)
	if nil != err {
		err = blunder.NewError(blunder.CorruptLayerFileError, "LayerFile %016X header unpack failed: %v", objectID, err)
		return
	}

	if LayerFileMagic != header.Magic {
		err = blunder.NewError(blunder.CorruptLayerFileError, "LayerFile %016X has bad magic %016X", objectID, header.Magic)
		return
	}
	if LayerFileVersionV1 != header.Version {
		err = blunder.NewError(blunder.CorruptLayerFileError, "LayerFile %016X has unsupported version %d", objectID, header.Version)
		return
	}
	if 0 != (header.Flags &^ layerFileFlagsKnown) {
		err = blunder.NewError(blunder.CorruptLayerFileError, "LayerFile %016X has unknown flags %016X", objectID, header.Flags)
		return
	}
	if header.PayloadLength != (handle.Size() - layerFileHeaderV1Size) {
		err = blunder.NewError(blunder.CorruptLayerFileError, "LayerFile %016X payload length %d inconsistent with object size %d", objectID, header.PayloadLength, handle.Size())
		return
	}

	stored = make([]byte, header.PayloadLength)
	if 0 < header.PayloadLength {
		_, err = handle.ReadAt(stored, int64(layerFileHeaderV1Size))
		if nil != err {
			err = blunder.NewError(blunder.IOError, "LayerFile %016X payload read failed: %v", objectID, err)
			return
		}
	}

	if cityhash.Hash64(stored) != header.Checksum {
		err = blunder.NewError(blunder.CorruptLayerFileError, "LayerFile %016X checksum mismatch", objectID)
		return
	}

	if 0 != (header.Flags & layerFileFlagSealed) {
		if nil == options.Sealer {
			err = blunder.NewError(blunder.StoreLockedError, "LayerFile %016X is sealed and no key is available", objectID)
			return
		}
		stored, err = options.Sealer.Unseal(objectID, stored)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptLayerFileError)
			return
		}
	}

	if 0 != (header.Flags & layerFileFlagCompressed) {
		// The header is not covered by Checksum
		if header.UncompressedLength > (lz4MaxExpansion * uint64(len(stored))) {
			err = blunder.NewError(blunder.CorruptLayerFileError, "LayerFile %016X claims %d bytes decompressed from %d", objectID, header.UncompressedLength, len(stored))
			return
		}
		records = make([]byte, header.UncompressedLength)
		uncompressedLength, err = lz4.UncompressBlock(stored, records)
		if nil != err {
			err = blunder.NewError(blunder.CorruptLayerFileError, "LayerFile %016X decompression failed: %v", objectID, err)
			return
		}
		if uint64(uncompressedLength) != header.UncompressedLength {
			err = blunder.NewError(blunder.CorruptLayerFileError, "LayerFile %016X decompressed to %d bytes, expected %d", objectID, uncompressedLength, header.UncompressedLength)
			return
		}
	} else {
		records = stored
		if uint64(len(records)) != header.UncompressedLength {
			err = blunder.NewError(blunder.CorruptLayerFileError, "LayerFile %016X record stream is %d bytes, expected %d", objectID, len(records), header.UncompressedLength)
			return
		}
	}

	layerFile = &LayerFile[K, V]{
		objectID: objectID,
		flags:    header.Flags,
		items:    make([]Item[K, V], 0),
	}

	for 0 < len(records) {
		item, bytesConsumed, err = unpackRecord(codec, records)
		if nil != err {
			err = blunder.NewError(blunder.CorruptLayerFileError, "LayerFile %016X item %d: %v", objectID, len(layerFile.items), err)
			layerFile = nil
			return
		}
		layerFile.items = append(layerFile.items, item)
		records = records[bytesConsumed:]
	}

	if uint64(len(layerFile.items)) != header.ItemCount {
		err = blunder.NewError(blunder.CorruptLayerFileError, "LayerFile %016X holds %d items, header claims %d", objectID, len(layerFile.items), header.ItemCount)
		layerFile = nil
		return
	}

	err = nil
	return
}

func unpackRecordField(records []byte) (field []byte, bytesConsumed uint64, err error) {
	var (
		fieldLength         uint64
		fieldLengthConsumed uint64
	)

	fieldLengthConsumed, err = cstruct.Unpack(records, &fieldLength, cstruct.LittleEndian)
	if nil != err {
		return
	}

	if fieldLength > (uint64(len(records)) - fieldLengthConsumed) {
		err = fmt.Errorf("field length %d exceeds remaining %d bytes", fieldLength, uint64(len(records))-fieldLengthConsumed)
		return
	}

	field = records[fieldLengthConsumed : fieldLengthConsumed+fieldLength]
	bytesConsumed = fieldLengthConsumed + fieldLength

	return
}

func unpackRecord[K Key[K], V Value[V]](codec Codec[K, V], records []byte) (item Item[K, V], bytesConsumed uint64, err error) {
	var (
		fieldConsumed  uint64
		packedKey      []byte
		packedValue    []byte
		unpackConsumed uint64
	)

	packedKey, fieldConsumed, err = unpackRecordField(records)
	if nil != err {
		return
	}
	bytesConsumed = fieldConsumed

	packedValue, fieldConsumed, err = unpackRecordField(records[bytesConsumed:])
	if nil != err {
		return
	}
	bytesConsumed += fieldConsumed

	item.Key, unpackConsumed, err = codec.UnpackKey(packedKey)
	if nil != err {
		return
	}
	if uint64(len(packedKey)) != unpackConsumed {
		err = fmt.Errorf("key consumed %d of %d bytes", unpackConsumed, len(packedKey))
		return
	}

	item.Value, unpackConsumed, err = codec.UnpackValue(packedValue)
	if nil != err {
		return
	}
	if uint64(len(packedValue)) != unpackConsumed {
		err = fmt.Errorf("value consumed %d of %d bytes", unpackConsumed, len(packedValue))
		return
	}

	return
}

// ObjectID returns the ID of the object holding the LayerFile.
func (layerFile *LayerFile[K, V]) ObjectID() (objectID uint64) {
	objectID = layerFile.objectID
	return
}

// Len returns the number of items in the LayerFile.
func (layerFile *LayerFile[K, V]) Len() (numberOfItems int) {
	numberOfItems = len(layerFile.items)
	return
}

// IsCompressed reports whether the LayerFile payload was stored compressed.
func (layerFile *LayerFile[K, V]) IsCompressed() bool {
	return 0 != (layerFile.flags & layerFileFlagCompressed)
}

// IsSealed reports whether the LayerFile payload was stored sealed.
func (layerFile *LayerFile[K, V]) IsSealed() bool {
	return 0 != (layerFile.flags & layerFileFlagSealed)
}

// Seek positions an Iterator per bound.
//
// A LayerFile is not required to be sorted (that is what fsck verifies), so
// Seek of an Included bound on a misordered LayerFile positions somewhere
// arbitrary. Unbounded always starts at the first recorded item.
//
func (layerFile *LayerFile[K, V]) Seek(bound Bound[K]) (iterator Iterator[K, V], err error) {
	var (
		index int
	)

	if bound.IsUnbounded() {
		index = 0
	} else {
		index = sort.Search(len(layerFile.items), func(i int) bool {
			return 0 <= layerFile.items[i].Key.CmpUpperBound(bound.Key())
		})
	}

	iterator = &layerFileIteratorStruct[K, V]{
		layerFile: layerFile,
		index:     index,
	}

	err = nil
	return
}

func (layerFileIterator *layerFileIteratorStruct[K, V]) Get() (item *Item[K, V]) {
	if layerFileIterator.index >= len(layerFileIterator.layerFile.items) {
		item = nil
		return
	}

	itemCopy := layerFileIterator.layerFile.items[layerFileIterator.index]
	item = &itemCopy

	return
}

func (layerFileIterator *layerFileIteratorStruct[K, V]) Advance() (err error) {
	if layerFileIterator.index < len(layerFileIterator.layerFile.items) {
		layerFileIterator.index++
	}

	err = nil
	return
}
