// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fsck

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/objfs/allocator"
	"github.com/NVIDIA/objfs/blunder"
	"github.com/NVIDIA/objfs/conf"
	"github.com/NVIDIA/objfs/layer"
	"github.com/NVIDIA/objfs/logger"
	"github.com/NVIDIA/objfs/objstore"
	"github.com/NVIDIA/objfs/utils"
)

const testBlockSize = uint64(4096)

type issueCollectorStruct struct {
	issues []*Issue
}

func (collector *issueCollectorStruct) onError(issue *Issue) {
	collector.issues = append(collector.issues, issue)
}

func (collector *issueCollectorStruct) kinds() (kinds []IssueKind) {
	kinds = make([]IssueKind, 0, len(collector.issues))
	for _, issue := range collector.issues {
		kinds = append(kinds, issue.Kind)
	}
	return
}

func (collector *issueCollectorStruct) options() (options *Options) {
	options = DefaultOptions()
	options.OnError = collector.onError
	return
}

func owned(start uint64, end uint64, owner uint64) allocationItem {
	return allocationItem{
		Key:   allocator.Key{DeviceRange: allocator.Range{Start: start, End: end}},
		Value: allocator.Value{Kind: allocator.ValueKindAbs, OwnerObjectID: owner},
	}
}

func formatFilesystem(t *testing.T) (storage objstore.ObjectStorage, fs *objstore.Filesystem) {
	var (
		err error
	)

	storage = objstore.NewRAMObjectStorage()

	fs, err = objstore.Format(storage, &objstore.FormatOptions{BlockSize: testBlockSize, BlockCount: 256})
	if nil != err {
		t.Fatalf("objstore.Format() failed: %v", err)
	}

	return
}

// populateFilesystem adds a plain and an encrypted volume holding a few
// objects, some compacted into LayerFiles, some deleted.
func populateFilesystem(t *testing.T, fs *objstore.Filesystem, key []byte) (plain *objstore.ObjectStore, encrypted *objstore.ObjectStore) {
	var (
		err      error
		objectID uint64
	)

	plain, err = fs.NewVolume("plain", nil)
	if nil != err {
		t.Fatalf("NewVolume(\"plain\") failed: %v", err)
	}
	encrypted, err = fs.NewVolume("encrypted", key)
	if nil != err {
		t.Fatalf("NewVolume(\"encrypted\") failed: %v", err)
	}

	for _, store := range []*objstore.ObjectStore{plain, encrypted} {
		for i, size := range []int{100, 4096, 20000} {
			objectID, err = store.CreateObject(store.RootObjects()[0])
			if nil != err {
				t.Fatalf("CreateObject() failed: %v", err)
			}
			err = store.WriteObject(objectID, make([]byte, size))
			if nil != err {
				t.Fatalf("WriteObject() failed: %v", err)
			}
			if 1 == i {
				err = fs.Compact()
				if nil != err {
					t.Fatalf("Compact() failed: %v", err)
				}
				err = store.DeleteObject(store.RootObjects()[0], objectID)
				if nil != err {
					t.Fatalf("DeleteObject() failed: %v", err)
				}
			}
		}
	}

	err = fs.Flush()
	if nil != err {
		t.Fatalf("Flush() failed: %v", err)
	}

	return
}

func TestCheckLayerFileContents(t *testing.T) {
	assert := assert.New(t)

	for _, testCase := range []struct {
		items []allocationItem
		kind  IssueKind
	}{
		{[]allocationItem{owned(8192, 12288, 1), owned(4096, 8192, 1)}, MisOrderedLayerFile},
		{[]allocationItem{owned(4096, 8192, 1), owned(4096, 8192, 2)}, MisOrderedLayerFile},
		{[]allocationItem{owned(0, 8192, 1), owned(4096, 12288, 2), owned(4096, 8192, 3)}, OverlappingKeysInLayerFile},
	} {
		layerFileWriter := layer.NewLayerFileWriter[allocator.Key, allocator.Value](allocator.Codec, layer.LayerFileOptions{})
		for _, item := range testCase.items {
			assert.NoError(layerFileWriter.Append(item))
		}
		layerFileBuf, err := layerFileWriter.Finish(0x77)
		if !assert.NoError(err) {
			return
		}
		layerFile, err := layer.OpenLayerFile[allocator.Key, allocator.Value](layer.NewBufferHandle(0x77, layerFileBuf), allocator.Codec, layer.LayerFileOptions{})
		if !assert.NoError(err) {
			return
		}

		collector := &issueCollectorStruct{}
		fsck := newFsck(nil, testBlockSize, collector.options())

		err = CheckLayerFileContents[allocator.Key, allocator.Value](fsck, layerFile, 5, 0x77)
		assert.True(blunder.Is(err, blunder.FsckFatalError))
		assert.Equal([]IssueKind{testCase.kind}, collector.kinds())
		assert.Equal(uint64(1), fsck.Errors())
		assert.Equal(SeverityFatal, collector.issues[0].Severity)
		assert.Equal(uint64(5), collector.issues[0].StoreObjectID)
		assert.Equal(uint64(0x77), collector.issues[0].ObjectID)
		assert.Equal(&ItemPairDetail{Previous: testCase.items[0], Current: testCase.items[1]}, collector.issues[0].Detail)

		fsck.close(nil)
	}

	memLayer := layer.NewMemLayer[objstore.ObjectKey, objstore.ObjectValue]()
	for objectID := uint64(1); objectID < 10; objectID++ {
		_, err := memLayer.Insert(layer.Item[objstore.ObjectKey, objstore.ObjectValue]{
			Key:   objstore.ObjectRecordKey(objectID),
			Value: objstore.ObjectValue{Kind: objstore.ObjectValueKindObject},
		})
		assert.NoError(err)
	}

	collector := &issueCollectorStruct{}
	fsck := newFsck(nil, testBlockSize, collector.options())
	defer fsck.close(nil)

	assert.NoError(CheckLayerFileContents[objstore.ObjectKey, objstore.ObjectValue](fsck, memLayer, 5, 0))
	assert.Empty(collector.issues)
}

func TestMissingAndExtraAllocations(t *testing.T) {
	assert := assert.New(t)

	realAllocator, err := allocator.New(1, testBlockSize, 64*testBlockSize)
	if !assert.NoError(err) {
		return
	}
	assert.NoError(realAllocator.MarkAllocated(10, allocator.Range{Start: 4096, End: 8192}))
	assert.NoError(realAllocator.MarkAllocated(10, allocator.Range{Start: 8192, End: 12288}))
	assert.NoError(realAllocator.MarkAllocated(10, allocator.Range{Start: 20480, End: 24576}))
	assert.NoError(realAllocator.MarkAllocated(12, allocator.Range{Start: 24576, End: 28672}))

	collector := &issueCollectorStruct{}
	fsck := newFsck(realAllocator, testBlockSize, collector.options())
	defer fsck.close(nil)
	fsck.liveStores[10] = struct{}{}
	fsck.liveStores[12] = struct{}{}

	// One extent spread over two adjacent grants
	assert.NoError(fsck.AddAllocation(10, 0x100, allocator.Range{Start: 4096, End: 12288}))
	assert.NoError(fsck.AddAllocation(10, 0x101, allocator.Range{Start: 32768, End: 36864}))
	assert.Equal(uint64(2), fsck.stats.ExtentBytes.CountGet())
	assert.Equal(uint64(6144), fsck.stats.ExtentBytes.AverageGet())

	assert.NoError(fsck.verifyAllocations(map[uint64]struct{}{10: {}}))
	assert.Equal([]IssueKind{MissingAllocation, ExtraAllocations}, collector.kinds())
	assert.Equal(&AllocationDetail{Item: owned(32768, 36864, 10)}, collector.issues[0].Detail)
	assert.Equal(&ExtraAllocationsDetail{Items: []allocationItem{owned(20480, 24576, 10)}}, collector.issues[1].Detail)
	assert.Equal(uint64(2), fsck.Errors())
	assert.Zero(fsck.Warnings())
}

func TestAllocationMismatch(t *testing.T) {
	assert := assert.New(t)

	realAllocator, err := allocator.New(1, testBlockSize, 64*testBlockSize)
	if !assert.NoError(err) {
		return
	}
	assert.NoError(realAllocator.MarkAllocated(10, allocator.Range{Start: 40960, End: 45056}))

	collector := &issueCollectorStruct{}
	fsck := newFsck(realAllocator, testBlockSize, collector.options())
	defer fsck.close(nil)
	fsck.liveStores[10] = struct{}{}
	fsck.liveStores[11] = struct{}{}

	assert.NoError(fsck.AddAllocation(11, 0x100, allocator.Range{Start: 40960, End: 45056}))

	assert.NoError(fsck.verifyAllocations(map[uint64]struct{}{10: {}, 11: {}}))
	assert.Equal([]IssueKind{AllocationMismatch, MissingAllocation}, collector.kinds())
	assert.Equal(&AllocationMismatchDetail{Expected: owned(40960, 45056, 11), Actual: owned(40960, 45056, 10)}, collector.issues[0].Detail)
}

func TestVerifyAllocationsIsIdempotent(t *testing.T) {
	assert := assert.New(t)

	realAllocator, err := allocator.New(1, testBlockSize, 64*testBlockSize)
	if !assert.NoError(err) {
		return
	}
	assert.NoError(realAllocator.MarkAllocated(10, allocator.Range{Start: 4096, End: 8192}))
	assert.NoError(realAllocator.MarkAllocated(99, allocator.Range{Start: 8192, End: 12288}))
	realAllocator.SetByteLimit(50, 4096)

	collector := &issueCollectorStruct{}
	fsck := newFsck(realAllocator, testBlockSize, collector.options())
	defer fsck.close(nil)
	fsck.liveStores[10] = struct{}{}

	assert.NoError(fsck.AddAllocation(10, 0x100, allocator.Range{Start: 16384, End: 20480}))

	assert.NoError(fsck.verifyAllocations(map[uint64]struct{}{10: {}}))
	firstIssues := collector.issues
	firstErrors, firstWarnings := fsck.Errors(), fsck.Warnings()
	assert.Equal([]IssueKind{AllocationForNonexistentOwner, MissingAllocation, ExtraAllocations, LimitForNonExistentStore}, collector.kinds())

	collector.issues = nil
	assert.NoError(fsck.verifyAllocations(map[uint64]struct{}{10: {}}))
	assert.Equal(firstIssues, collector.issues)
	assert.Equal(2*firstErrors, fsck.Errors())
	assert.Equal(2*firstWarnings, fsck.Warnings())
}

func TestAlignment(t *testing.T) {
	assert := assert.New(t)

	for _, testCase := range []struct {
		deviceRange allocator.Range
		kinds       []IssueKind
	}{
		{allocator.Range{Start: 100, End: 200}, []IssueKind{MisalignedAllocation}},
		{allocator.Range{Start: 0, End: 512}, []IssueKind{}},
	} {
		realAllocator, err := allocator.New(1, 512, 64*512)
		if !assert.NoError(err) {
			return
		}
		assert.NoError(realAllocator.MarkAllocated(10, testCase.deviceRange))

		collector := &issueCollectorStruct{}
		fsck := newFsck(realAllocator, 512, collector.options())
		fsck.liveStores[10] = struct{}{}

		assert.NoError(fsck.AddAllocation(10, 0x100, testCase.deviceRange))
		assert.NoError(fsck.verifyAllocations(map[uint64]struct{}{10: {}}))
		assert.Equal(testCase.kinds, collector.kinds())

		fsck.close(nil)
	}

	// An empty range can only come from a damaged checkpoint
	realAllocator, err := allocator.Restore(
		&allocator.Info{ObjectID: 1, BlockSize: testBlockSize, DeviceSize: 64 * testBlockSize},
		&allocator.Checkpoint{
			Mutable: []allocator.CheckpointItem{
				{Start: 8192, End: 8192, Kind: allocator.ValueKindAbs, OwnerObjectID: 10},
			},
		},
		nil,
	)
	if !assert.NoError(err) {
		return
	}

	collector := &issueCollectorStruct{}
	fsck := newFsck(realAllocator, testBlockSize, collector.options())
	defer fsck.close(nil)
	fsck.liveStores[10] = struct{}{}

	assert.NoError(fsck.verifyAllocations(map[uint64]struct{}{10: {}}))
	assert.Equal([]IssueKind{MalformedAllocation, ExtraAllocations}, collector.kinds())
	assert.Equal(uint64(10), collector.issues[0].StoreObjectID)
	assert.Equal(&AllocationDetail{Item: owned(8192, 8192, 10)}, collector.issues[0].Detail)
}

func TestAllocatedBytesMismatch(t *testing.T) {
	assert := assert.New(t)

	const (
		ownerA = uint64(0xA)
		ownerB = uint64(0xB)
	)

	realAllocator, err := allocator.Restore(
		&allocator.Info{ObjectID: 1, BlockSize: testBlockSize, DeviceSize: 64 * testBlockSize},
		&allocator.Checkpoint{
			AllocatedBytes:      12288,
			OwnerAllocatedBytes: map[uint64]uint64{ownerA: 4096, ownerB: 4096},
			Mutable: []allocator.CheckpointItem{
				{Start: 4096, End: 8192, Kind: allocator.ValueKindAbs, OwnerObjectID: ownerA},
				{Start: 8192, End: 16384, Kind: allocator.ValueKindAbs, OwnerObjectID: ownerB},
			},
		},
		nil,
	)
	if !assert.NoError(err) {
		return
	}

	collector := &issueCollectorStruct{}
	fsck := newFsck(realAllocator, testBlockSize, collector.options())
	defer fsck.close(nil)
	fsck.liveStores[ownerA] = struct{}{}
	fsck.liveStores[ownerB] = struct{}{}

	assert.NoError(fsck.AddAllocation(ownerA, 0x100, allocator.Range{Start: 4096, End: 8192}))
	assert.NoError(fsck.AddAllocation(ownerB, 0x200, allocator.Range{Start: 8192, End: 16384}))

	assert.NoError(fsck.verifyAllocations(map[uint64]struct{}{ownerA: {}, ownerB: {}}))
	assert.Equal([]IssueKind{AllocatedBytesMismatch}, collector.kinds())
	assert.Equal(&AllocatedBytesDetail{
		ExpectedAllocatedBytes:      12288,
		ActualAllocatedBytes:        12288,
		ExpectedOwnerAllocatedBytes: map[uint64]uint64{ownerA: 4096, ownerB: 8192},
		ActualOwnerAllocatedBytes:   map[uint64]uint64{ownerA: 4096, ownerB: 4096},
	}, collector.issues[0].Detail)
}

func TestCleanFilesystem(t *testing.T) {
	assert := assert.New(t)

	key := []byte("volume key")

	storage, fs := formatFilesystem(t)

	collector := &issueCollectorStruct{}
	options := collector.options()
	options.Verbose = true

	assert.NoError(FsckWithOptions(fs, options))
	assert.Empty(collector.issues)

	plain, encrypted := populateFilesystem(t, fs, key)

	assert.NoError(FsckWithOptions(fs, options))
	assert.NoError(FsckVolumeWithOptions(fs, plain.StoreObjectID(), nil, options))
	assert.NoError(FsckVolumeWithOptions(fs, encrypted.StoreObjectID(), key, options))
	assert.Empty(collector.issues)

	reopened, err := objstore.Open(storage)
	if !assert.NoError(err) {
		return
	}

	assert.NoError(FsckWithOptions(reopened, options))
	assert.NoError(FsckVolumeWithOptions(reopened, plain.StoreObjectID(), nil, options))
	assert.NoError(FsckVolumeWithOptions(reopened, encrypted.StoreObjectID(), key, options))
	assert.Empty(collector.issues)
}

type recordingScannerStruct struct {
	DefaultScanner
	stores []uint64
	roots  [][]uint64
}

func (scanner *recordingScannerStruct) ScanStore(fsck *Checker, store *objstore.ObjectStore, roots []uint64) (err error) {
	scanner.stores = append(scanner.stores, store.StoreObjectID())
	scanner.roots = append(scanner.roots, roots)
	err = scanner.DefaultScanner.ScanStore(fsck, store, roots)
	return
}

func TestScanOrder(t *testing.T) {
	assert := assert.New(t)

	_, fs := formatFilesystem(t)
	plain, encrypted := populateFilesystem(t, fs, []byte("volume key"))

	superBlock, err := fs.SuperBlock()
	if !assert.NoError(err) {
		return
	}

	scanner := &recordingScannerStruct{}
	options := DefaultOptions()
	options.Scanner = scanner

	assert.NoError(FsckWithOptions(fs, options))
	assert.Equal([]uint64{fs.RootParentStore().StoreObjectID(), fs.RootStore().StoreObjectID()}, scanner.stores)

	assert.Subset(scanner.roots[0], []uint64{superBlock.RootStoreObjectID, superBlock.JournalObjectID})
	assert.Subset(scanner.roots[0], fs.RootStore().LayerFileObjectIDs())

	assert.Subset(scanner.roots[1], []uint64{objstore.SuperBlockAObjectID, objstore.SuperBlockBObjectID, fs.Allocator().ObjectID(), superBlock.VolumeDirectoryObjectID})
	assert.Subset(scanner.roots[1], fs.Allocator().LayerFileObjectIDs())
	assert.Subset(scanner.roots[1], []uint64{plain.StoreObjectID(), encrypted.StoreObjectID(), encrypted.EncryptedMutationsObjectID()})
	assert.Subset(scanner.roots[1], plain.LayerFileObjectIDs())
	assert.Subset(scanner.roots[1], encrypted.LayerFileObjectIDs())
}

func TestNonexistentOwner(t *testing.T) {
	assert := assert.New(t)

	_, fs := formatFilesystem(t)

	assert.NoError(fs.Allocator().MarkAllocated(99, allocator.Range{Start: 0, End: 4096}))

	collector := &issueCollectorStruct{}

	err := FsckWithOptions(fs, collector.options())
	assert.True(blunder.Is(err, blunder.FsckFailedError))
	assert.EqualError(err, "fsck failed: 1 errors, 0 warnings")
	assert.Equal([]IssueKind{AllocationForNonexistentOwner}, collector.kinds())
	assert.Equal(uint64(99), collector.issues[0].StoreObjectID)
	assert.Equal(&AllocationDetail{Item: owned(0, 4096, 99)}, collector.issues[0].Detail)
}

func TestHaltPolicy(t *testing.T) {
	assert := assert.New(t)

	_, fs := formatFilesystem(t)

	assert.NoError(fs.Allocator().MarkAllocated(99, allocator.Range{Start: 0, End: 4096}))
	fs.SetJournalFileOffset(fs.Allocator().ObjectID(), 0x100)
	fs.SetJournalFileOffset(fs.RootStore().StoreObjectID(), 0x200)
	fs.SetJournalFileOffset(0x5555, 0x300)

	collector := &issueCollectorStruct{}

	err := FsckWithOptions(fs, collector.options())
	assert.True(blunder.Is(err, blunder.FsckFailedError))
	assert.EqualError(err, "fsck failed: 2 errors, 0 warnings")
	assert.Equal([]IssueKind{AllocationForNonexistentOwner, UnexpectedJournalFileOffset}, collector.kinds())
	assert.Equal(&JournalFileOffsetDetail{ObjectID: 0x5555, Offset: 0x300}, collector.issues[1].Detail)

	collector = &issueCollectorStruct{}
	options := collector.options()
	options.HaltOnError = true

	err = FsckWithOptions(fs, options)
	assert.True(blunder.Is(err, blunder.FsckHaltedError))
	assert.Equal([]IssueKind{AllocationForNonexistentOwner}, collector.kinds())
}

func logged(target logger.LogTarget, text string) bool {
	for _, logEntry := range target.LogBuf.LogEntries {
		if strings.Contains(logEntry, text) {
			return true
		}
	}
	return false
}

func TestVerboseLogging(t *testing.T) {
	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{"Logging.LogToConsole=false"})
	if !assert.NoError(err) {
		return
	}
	if !assert.NoError(logger.Up(confMap)) {
		return
	}
	defer func() {
		assert.NoError(logger.Down())
	}()

	var target logger.LogTarget
	target.Init(100)
	logger.AddLogTarget(target)

	_, fs := formatFilesystem(t)

	collector := &issueCollectorStruct{}
	options := collector.options()
	options.Verbose = true

	assert.NoError(FsckWithOptions(fs, options))
	assert.True(logged(target, "scanning store from"))
	assert.True(logged(target, "store="+utils.Uint64ToHexStr(fs.RootStore().StoreObjectID())))
	assert.True(logged(target, "verifying allocations after"))
	assert.True(logged(target, "allocated bytes by owner"))
	assert.True(logged(target, "fsck statistics after"))
	assert.False(logged(target, "fsck stopped after"))

	assert.NoError(fs.Allocator().MarkAllocated(99, allocator.Range{Start: 0, End: 4096}))
	options.HaltOnError = true

	err = FsckWithOptions(fs, options)
	assert.True(blunder.Is(err, blunder.FsckHaltedError))
	assert.True(logged(target, "fsck stopped after"))
	assert.True(logged(target, "fsck halted"))
}

func TestWarningPolicy(t *testing.T) {
	assert := assert.New(t)

	_, fs := formatFilesystem(t)

	fs.Allocator().SetByteLimit(0x999, 4096)

	collector := &issueCollectorStruct{}
	options := collector.options()
	options.HaltOnError = true

	assert.NoError(FsckWithOptions(fs, options))
	assert.Equal([]IssueKind{LimitForNonExistentStore}, collector.kinds())
	assert.Equal(SeverityWarning, collector.issues[0].Severity)

	options.FailOnWarning = true

	err := FsckWithOptions(fs, options)
	assert.True(blunder.Is(err, blunder.FsckFailedError))
	assert.EqualError(err, "fsck failed: 0 errors, 1 warnings")
}

func TestStoreScanner(t *testing.T) {
	assert := assert.New(t)

	_, fs := formatFilesystem(t)

	store, err := fs.NewVolume("vol", nil)
	if !assert.NoError(err) {
		return
	}
	rootObjectID := store.RootObjects()[0]

	objectID, err := store.CreateObject(rootObjectID)
	assert.NoError(err)
	assert.NoError(store.WriteObject(objectID, make([]byte, 4096)))
	otherObjectID, err := store.CreateObject(rootObjectID)
	assert.NoError(err)

	tree, err := store.Tree()
	if !assert.NoError(err) {
		return
	}
	extent, ok, err := tree.Mutable.Get(objstore.ObjectKey{ObjectID: objectID, Attribute: objstore.ObjectAttributeData, Start: 0, End: 4096})
	assert.NoError(err)
	assert.True(ok)

	collector := &issueCollectorStruct{}
	assert.NoError(FsckVolumeWithOptions(fs, store.StoreObjectID(), nil, collector.options()))
	assert.Empty(collector.issues)

	// A second reference to the same extent
	assert.NoError(tree.Mutable.Replace(layer.Item[objstore.ObjectKey, objstore.ObjectValue]{
		Key:   objstore.ObjectKey{ObjectID: otherObjectID, Attribute: objstore.ObjectAttributeData, Start: 0, End: 4096},
		Value: extent,
	}))

	err = FsckVolumeWithOptions(fs, store.StoreObjectID(), nil, collector.options())
	assert.True(blunder.Is(err, blunder.FsckFailedError))
	assert.Equal([]IssueKind{ExtentReferencedTwice}, collector.kinds())
	assert.Equal(otherObjectID, collector.issues[0].ObjectID)

	// A child reference to an object with no record
	_, err = tree.Mutable.Delete(objstore.ObjectKey{ObjectID: otherObjectID, Attribute: objstore.ObjectAttributeData, Start: 0, End: 4096})
	assert.NoError(err)
	assert.NoError(tree.Mutable.Replace(layer.Item[objstore.ObjectKey, objstore.ObjectValue]{
		Key:   objstore.ObjectKey{ObjectID: rootObjectID, Attribute: objstore.ObjectAttributeChild, Start: 0x7777, End: 0x7778},
		Value: objstore.ObjectValue{Kind: objstore.ObjectValueKindChild, Ref: 0x7777},
	}))

	collector = &issueCollectorStruct{}
	err = FsckVolumeWithOptions(fs, store.StoreObjectID(), nil, collector.options())
	assert.True(blunder.Is(err, blunder.FsckFailedError))
	assert.Equal([]IssueKind{MissingObjectInfo}, collector.kinds())
	assert.Equal(uint64(0x7777), collector.issues[0].ObjectID)
	assert.Equal(&ObjectDetail{ReferencedBy: rootObjectID}, collector.issues[0].Detail)

	// Extents whose device range cannot be computed are reported, not recorded
	_, err = tree.Mutable.Delete(objstore.ObjectKey{ObjectID: rootObjectID, Attribute: objstore.ObjectAttributeChild, Start: 0x7777, End: 0x7778})
	assert.NoError(err)
	assert.NoError(tree.Mutable.Replace(layer.Item[objstore.ObjectKey, objstore.ObjectValue]{
		Key:   objstore.ObjectKey{ObjectID: otherObjectID, Attribute: objstore.ObjectAttributeData, Start: 0, End: 4096},
		Value: objstore.ObjectValue{Kind: objstore.ObjectValueKindExtent, Ref: ^uint64(0) - 100},
	}))
	assert.NoError(tree.Mutable.Replace(layer.Item[objstore.ObjectKey, objstore.ObjectValue]{
		Key:   objstore.ObjectKey{ObjectID: otherObjectID, Attribute: objstore.ObjectAttributeData, Start: 8192, End: 8192},
		Value: objstore.ObjectValue{Kind: objstore.ObjectValueKindExtent, Ref: 65536},
	}))

	collector = &issueCollectorStruct{}
	err = FsckVolumeWithOptions(fs, store.StoreObjectID(), nil, collector.options())
	assert.True(blunder.Is(err, blunder.FsckFailedError))
	assert.Equal([]IssueKind{MalformedAllocation, MalformedAllocation}, collector.kinds())
	assert.Equal(otherObjectID, collector.issues[0].ObjectID)
	assert.Equal(&ExtentItemDetail{Start: 0, End: 4096, DeviceOffset: ^uint64(0) - 100}, collector.issues[0].Detail)
	assert.Equal(&ExtentItemDetail{Start: 8192, End: 8192, DeviceOffset: 65536}, collector.issues[1].Detail)

	_, err = tree.Mutable.Delete(objstore.ObjectKey{ObjectID: otherObjectID, Attribute: objstore.ObjectAttributeData, Start: 0, End: 4096})
	assert.NoError(err)
	_, err = tree.Mutable.Delete(objstore.ObjectKey{ObjectID: otherObjectID, Attribute: objstore.ObjectAttributeData, Start: 8192, End: 8192})
	assert.NoError(err)

	// Whole filesystem passes do not scan child stores
	assert.NoError(Fsck(fs))
}

func TestLockedVolume(t *testing.T) {
	assert := assert.New(t)

	key := []byte("volume key")

	storage, fs := formatFilesystem(t)
	_, encrypted := populateFilesystem(t, fs, key)
	storeObjectID := encrypted.StoreObjectID()

	reopened, err := objstore.Open(storage)
	if !assert.NoError(err) {
		return
	}

	err = FsckVolume(reopened, storeObjectID, nil)
	assert.EqualError(err, "Invalid key")
	assert.True(blunder.Is(err, blunder.InvalidKeyError))
	assert.False(blunder.Is(err, blunder.StoreLockedError))

	err = FsckVolume(reopened, storeObjectID, []byte("wrong key"))
	assert.EqualError(err, "Invalid key")

	collector := &issueCollectorStruct{}
	assert.NoError(FsckVolumeWithOptions(reopened, storeObjectID, key, collector.options()))
	assert.Empty(collector.issues)

	store, err := reopened.OpenStore(storeObjectID)
	if !assert.NoError(err) {
		return
	}
	assert.True(store.IsLocked())

	// A failing pass re-locks the store too
	assert.NoError(reopened.Allocator().MarkAllocated(storeObjectID, allocator.Range{Start: 255 * testBlockSize, End: 256 * testBlockSize}))

	err = FsckVolumeWithOptions(reopened, storeObjectID, key, collector.options())
	assert.True(blunder.Is(err, blunder.FsckFailedError))
	assert.Equal([]IssueKind{ExtraAllocations}, collector.kinds())
	assert.True(store.IsLocked())
}

func TestMalformedMetadata(t *testing.T) {
	assert := assert.New(t)

	storage, fs := formatFilesystem(t)
	plain, _ := populateFilesystem(t, fs, []byte("volume key"))

	superBlock, err := fs.SuperBlock()
	if !assert.NoError(err) {
		return
	}

	for _, testCase := range []struct {
		objectID uint64
		slow     bool
		kind     IssueKind
	}{
		{fs.Allocator().LayerFileObjectIDs()[0], true, MalformedLayerFile},
		{fs.RootStore().LayerFileObjectIDs()[0], true, MalformedLayerFile},
		{plain.StoreObjectID(), false, MalformedStore},
		{superBlock.VolumeDirectoryObjectID, false, MalformedVolumeDirectory},
	} {
		original, err := storage.ReadObject(testCase.objectID)
		if !assert.NoError(err) {
			return
		}
		assert.NoError(storage.WriteObject(testCase.objectID, []byte("garbage")))

		collector := &issueCollectorStruct{}
		options := collector.options()
		options.DoSlowPasses = testCase.slow

		err = FsckWithOptions(fs, options)
		assert.True(blunder.Is(err, blunder.FsckFatalError))
		assert.Equal([]IssueKind{testCase.kind}, collector.kinds())
		assert.Equal(SeverityFatal, collector.issues[0].Severity)

		if testCase.slow {
			options.DoSlowPasses = false
			assert.NoError(FsckWithOptions(fs, options))
		}

		assert.NoError(storage.WriteObject(testCase.objectID, original))
	}

	assert.NoError(storage.DeleteObject(plain.StoreObjectID()))

	collector := &issueCollectorStruct{}
	err = FsckWithOptions(fs, collector.options())
	assert.True(blunder.Is(err, blunder.FsckFatalError))
	assert.Equal([]IssueKind{MissingStoreInfo}, collector.kinds())
}

func TestFetchOptions(t *testing.T) {
	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"FSCK.HaltOnError=true",
		"FSCK.DoSlowPasses=off",
	})
	if !assert.NoError(err) {
		return
	}

	options, err := FetchOptions(confMap)
	assert.NoError(err)
	assert.True(options.HaltOnError)
	assert.False(options.DoSlowPasses)
	assert.False(options.FailOnWarning)
	assert.False(options.Verbose)

	assert.NoError(confMap.UpdateFromString("FSCK.Verbose=maybe"))
	_, err = FetchOptions(confMap)
	assert.Error(err)

	options, err = FetchOptions(conf.MakeConfMap())
	assert.NoError(err)
	assert.Equal(DefaultOptions().DoSlowPasses, options.DoSlowPasses)
}
