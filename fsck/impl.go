// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fsck

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/NVIDIA/objfs/allocator"
	"github.com/NVIDIA/objfs/blunder"
	"github.com/NVIDIA/objfs/bucketstats"
	"github.com/NVIDIA/objfs/layer"
	"github.com/NVIDIA/objfs/logger"
	"github.com/NVIDIA/objfs/objstore"
	"github.com/NVIDIA/objfs/utils"
)

type fsckStatsStruct struct {
	Errors            bucketstats.Total
	Warnings          bucketstats.Total
	ObjectsScanned    bucketstats.Total
	ExtentBytes       bucketstats.Average // One sample per extent recorded
	LayerFilesChecked bucketstats.Total
	LayerItemsChecked bucketstats.Total
}

// Checker is the state of one pass.
type Checker struct {
	fs             *objstore.Filesystem
	allocator      *allocator.Allocator
	blockSize      uint64
	options        Options
	allocations    *layer.MemLayer[allocator.Key, allocator.Value] // Reconstructed from scanned stores
	liveStores     map[uint64]struct{}
	statsGroupName string
	stats          *fsckStatsStruct
	stopwatch      *utils.Stopwatch
}

var sessionCount uint64

func newFsck(realAllocator *allocator.Allocator, blockSize uint64, options *Options) (fsck *Checker) {
	if nil == options {
		options = DefaultOptions()
	}

	fsck = &Checker{
		allocator:      realAllocator,
		blockSize:      blockSize,
		options:        *options,
		allocations:    layer.NewMemLayer[allocator.Key, allocator.Value](),
		liveStores:     make(map[uint64]struct{}),
		statsGroupName: fmt.Sprintf("pass-%d", atomic.AddUint64(&sessionCount, 1)),
		stats:          &fsckStatsStruct{},
		stopwatch:      utils.NewStopwatch(),
	}

	if nil == fsck.options.OnError {
		fsck.options.OnError = logIssue
	}
	if nil == fsck.options.Scanner {
		fsck.options.Scanner = &DefaultScanner{}
	}

	bucketstats.Register("fsck", fsck.statsGroupName, fsck.stats)

	return
}

func newFilesystemFsck(fs *objstore.Filesystem, options *Options) (fsck *Checker) {
	fsck = newFsck(fs.Allocator(), fs.BlockSize(), options)
	fsck.fs = fs

	fsck.liveStores[fs.RootParentStore().StoreObjectID()] = struct{}{}
	fsck.liveStores[fs.RootStore().StoreObjectID()] = struct{}{}
	for _, storeObjectID := range fs.VolumeDirectory().Volumes {
		fsck.liveStores[storeObjectID] = struct{}{}
	}

	return
}

// close ends the pass; err is the error the pass is about to return.
func (fsck *Checker) close(err error) {
	if blunder.Is(err, blunder.FsckFatalError) || blunder.Is(err, blunder.FsckHaltedError) {
		logger.ErrorfWithError(err, "fsck stopped after %v with %d errors, %d warnings", fsck.stopwatch.Elapsed(), fsck.Errors(), fsck.Warnings())
	}
	if fsck.options.Verbose {
		logger.Infof("fsck statistics after %v:\n%s", fsck.stopwatch.Stop(), bucketstats.SprintStats(bucketstats.StatFormatParsable1, "fsck", fsck.statsGroupName))
	}
	bucketstats.UnRegister("fsck", fsck.statsGroupName)
}

func logIssue(issue *Issue) {
	fields := map[string]interface{}{
		"severity": issue.Severity.String(),
		"kind":     issue.Kind.String(),
		"store":    utils.Uint64ToHexStr(issue.StoreObjectID),
		"object":   utils.Uint64ToHexStr(issue.ObjectID),
	}

	if SeverityWarning == issue.Severity {
		logger.WarnfWithFields(fields, "fsck: %v", issue)
	} else {
		logger.ErrorfWithFields(fields, "fsck: %v", issue)
	}
}

func (fsck *Checker) progressf(format string, args ...interface{}) {
	if fsck.options.Verbose {
		logger.Infof(format, args...)
	}
}

func (fsck *Checker) report(issue *Issue) (err error) {
	if SeverityWarning == issue.Severity {
		fsck.stats.Warnings.Increment()
	} else {
		fsck.stats.Errors.Increment()
	}

	fsck.options.OnError(issue)

	switch {
	case SeverityFatal == issue.Severity:
		err = blunder.NewError(blunder.FsckFatalError, "fsck aborted: %v", issue)
	case (SeverityError == issue.Severity) && fsck.options.HaltOnError:
		err = blunder.NewError(blunder.FsckHaltedError, "fsck halted: %v", issue)
	default:
		err = nil
	}

	return
}

func (fsck *Checker) reportWarning(kind IssueKind, storeObjectID uint64, objectID uint64, detail interface{}) (err error) {
	err = fsck.report(&Issue{Severity: SeverityWarning, Kind: kind, StoreObjectID: storeObjectID, ObjectID: objectID, Detail: detail})
	return
}

func (fsck *Checker) reportError(kind IssueKind, storeObjectID uint64, objectID uint64, detail interface{}) (err error) {
	err = fsck.report(&Issue{Severity: SeverityError, Kind: kind, StoreObjectID: storeObjectID, ObjectID: objectID, Detail: detail})
	return
}

func (fsck *Checker) reportFatal(kind IssueKind, storeObjectID uint64, objectID uint64, detail interface{}) (err error) {
	err = fsck.report(&Issue{Severity: SeverityFatal, Kind: kind, StoreObjectID: storeObjectID, ObjectID: objectID, Detail: detail})
	return
}

func (fsck *Checker) addAllocation(storeObjectID uint64, objectID uint64, deviceRange allocator.Range) (err error) {
	var (
		item     *layer.Item[allocator.Key, allocator.Value]
		iterator layer.Iterator[allocator.Key, allocator.Value]
		key      = allocator.Key{DeviceRange: deviceRange}
	)

	// Only the first recorded range ending after deviceRange.Start can overlap
	iterator, err = fsck.allocations.Seek(layer.Included(allocator.Key{DeviceRange: allocator.Range{Start: 0, End: deviceRange.Start + 1}}))
	if nil != err {
		return
	}

	item = iterator.Get()
	if (nil != item) && item.Key.Overlaps(key) {
		err = fsck.reportError(ExtentReferencedTwice, storeObjectID, objectID, &ExtentDetail{DeviceRange: deviceRange, Previous: *item})
		return
	}

	_, err = fsck.allocations.Insert(layer.Item[allocator.Key, allocator.Value]{
		Key:   key,
		Value: allocator.Value{Kind: allocator.ValueKindAbs, OwnerObjectID: storeObjectID},
	})
	if nil != err {
		return
	}

	fsck.stats.ExtentBytes.Add(deviceRange.Length())

	return
}

func (fsck *Checker) conclude() (err error) {
	var (
		errors   = fsck.Errors()
		warnings = fsck.Warnings()
	)

	if (0 < errors) || (fsck.options.FailOnWarning && (0 < warnings)) {
		err = blunder.NewError(blunder.FsckFailedError, "fsck failed: %d errors, %d warnings", errors, warnings)
		return
	}

	if 0 < warnings {
		logger.Warnf("fsck passed with %d warnings", warnings)
	} else {
		logger.Infof("fsck passed")
	}

	err = nil
	return
}

// scanStore checks the LayerFiles of store (if slow), then scans it from roots.
func (fsck *Checker) scanStore(store *objstore.ObjectStore, roots []uint64) (err error) {
	var (
		handle    layer.ObjectHandle
		layerFile *layer.LayerFile[objstore.ObjectKey, objstore.ObjectValue]
		options   = store.LayerFileOptions()
	)

	if fsck.options.Verbose {
		logger.InfofWithFields(map[string]interface{}{"store": utils.Uint64ToHexStr(store.StoreObjectID())}, "fsck: scanning store from %d roots", len(roots))
	}

	if fsck.options.DoSlowPasses {
		for _, layerFileObjectID := range store.LayerFileObjectIDs() {
			handle, err = fsck.fs.ObjectHandle(layerFileObjectID)
			if nil == err {
				layerFile, err = layer.OpenLayerFile[objstore.ObjectKey, objstore.ObjectValue](handle, objstore.ObjectCodec, options)
			}
			if nil != err {
				err = fsck.reportFatal(MalformedLayerFile, store.StoreObjectID(), layerFileObjectID, &ErrorDetail{Err: err})
				return
			}
			err = checkLayerFileContents[objstore.ObjectKey, objstore.ObjectValue](fsck, layerFile, store.StoreObjectID(), layerFileObjectID)
			if nil != err {
				return
			}
		}
	}

	err = fsck.options.Scanner.ScanStore(fsck, store, roots)

	return
}

func (fsck *Checker) checkAllocatorLayerFiles() (err error) {
	var (
		handle    layer.ObjectHandle
		layerFile *layer.LayerFile[allocator.Key, allocator.Value]
	)

	for _, layerFileObjectID := range fsck.allocator.LayerFileObjectIDs() {
		handle, err = fsck.fs.ObjectHandle(layerFileObjectID)
		if nil == err {
			layerFile, err = layer.OpenLayerFile[allocator.Key, allocator.Value](handle, allocator.Codec, layer.LayerFileOptions{Compress: true})
		}
		if nil != err {
			err = fsck.reportFatal(MalformedLayerFile, fsck.allocator.ObjectID(), layerFileObjectID, &ErrorDetail{Err: err})
			return
		}
		err = checkLayerFileContents[allocator.Key, allocator.Value](fsck, layerFile, fsck.allocator.ObjectID(), layerFileObjectID)
		if nil != err {
			return
		}
	}

	return
}

// checkChildStoreMetadata returns the objects of the root store holding the
// child store's metadata.
func (fsck *Checker) checkChildStoreMetadata(storeObjectID uint64) (objectIDs []uint64, err error) {
	var (
		storeInfo *objstore.StoreInfo
	)

	storeInfo, err = fsck.fs.ReadStoreInfo(storeObjectID)
	if nil != err {
		if blunder.Is(err, blunder.NotFoundError) {
			err = fsck.reportFatal(MissingStoreInfo, storeObjectID, storeObjectID, &ErrorDetail{Err: err})
		} else {
			err = fsck.reportFatal(MalformedStore, storeObjectID, storeObjectID, &ErrorDetail{Err: err})
		}
		return
	}

	objectIDs = append([]uint64{storeObjectID}, storeInfo.ParentObjects()...)

	return
}

func fsckFilesystem(fs *objstore.Filesystem, options *Options) (err error) {
	var (
		childStoreObjectIDs []uint64
		childMetadata       []uint64
		fsck                *Checker
		journalObjectIDs    []uint64
		knownJournalOwners  map[uint64]struct{}
		metadataObjectIDs   []uint64
		names               []string
		ok                  bool
		rootParentRoots     []uint64
		rootStoreRoots      []uint64
		superBlock          *objstore.SuperBlock
		volumeDirectory     objstore.VolumeDirectory
	)

	guard := fs.WriteLock()
	defer guard.Release()

	fsck = newFilesystemFsck(fs, options)
	defer func() {
		fsck.close(err)
	}()

	superBlock, err = fs.SuperBlock()
	if nil != err {
		return
	}

	// Root-parent store

	rootParentRoots = append([]uint64{superBlock.RootStoreObjectID, superBlock.JournalObjectID}, fs.RootStore().ParentObjects()...)

	err = fsck.scanStore(fs.RootParentStore(), rootParentRoots)
	if nil != err {
		return
	}

	// Child stores

	volumeDirectory, err = fs.ReadVolumeDirectory()
	if nil != err {
		err = fsck.reportFatal(MalformedVolumeDirectory, fs.RootStore().StoreObjectID(), superBlock.VolumeDirectoryObjectID, &ErrorDetail{Err: err})
		return
	}

	names = make([]string, 0, len(volumeDirectory.Volumes))
	for name := range volumeDirectory.Volumes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		childStoreObjectIDs = append(childStoreObjectIDs, volumeDirectory.Volumes[name])
		fsck.liveStores[volumeDirectory.Volumes[name]] = struct{}{}

		metadataObjectIDs, err = fsck.checkChildStoreMetadata(volumeDirectory.Volumes[name])
		if nil != err {
			return
		}
		childMetadata = append(childMetadata, metadataObjectIDs...)
	}

	// Allocator

	if fsck.options.DoSlowPasses {
		err = fsck.checkAllocatorLayerFiles()
		if nil != err {
			return
		}
	}

	// Root store

	rootStoreRoots = append(fs.RootStore().RootObjects(), fs.Allocator().ObjectID())
	rootStoreRoots = append(rootStoreRoots, fs.Allocator().ParentObjects()...)
	rootStoreRoots = append(rootStoreRoots, objstore.SuperBlockAObjectID, objstore.SuperBlockBObjectID)
	rootStoreRoots = append(rootStoreRoots, childMetadata...)

	err = fsck.scanStore(fs.RootStore(), rootStoreRoots)
	if nil != err {
		return
	}

	// Allocations

	err = fsck.verifyAllocations(map[uint64]struct{}{
		fs.RootParentStore().StoreObjectID(): {},
		fs.RootStore().StoreObjectID():       {},
	})
	if nil != err {
		return
	}

	// Journal offsets

	knownJournalOwners = map[uint64]struct{}{
		fs.Allocator().ObjectID():      {},
		fs.RootStore().StoreObjectID(): {},
	}
	for _, childStoreObjectID := range childStoreObjectIDs {
		knownJournalOwners[childStoreObjectID] = struct{}{}
	}

	journalObjectIDs = make([]uint64, 0, len(superBlock.JournalFileOffsets))
	for objectID := range superBlock.JournalFileOffsets {
		journalObjectIDs = append(journalObjectIDs, objectID)
	}
	sort.Slice(journalObjectIDs, func(i, j int) bool { return journalObjectIDs[i] < journalObjectIDs[j] })

	for _, objectID := range journalObjectIDs {
		_, ok = knownJournalOwners[objectID]
		if !ok {
			err = fsck.reportError(UnexpectedJournalFileOffset, fs.RootParentStore().StoreObjectID(), superBlock.JournalObjectID, &JournalFileOffsetDetail{ObjectID: objectID, Offset: superBlock.JournalFileOffsets[objectID]})
			if nil != err {
				return
			}
		}
	}

	fsck.progressf("fsck: scanned %d objects, %d extents, %s", fsck.stats.ObjectsScanned.TotalGet(), fsck.stats.ExtentBytes.CountGet(), humanize.IBytes(fsck.stats.ExtentBytes.TotalGet()))

	err = fsck.conclude()

	return
}

func fsckVolume(fs *objstore.Filesystem, storeObjectID uint64, key []byte, options *Options) (err error) {
	var (
		fsck  *Checker
		store *objstore.ObjectStore
	)

	guard := fs.WriteLock()
	defer guard.Release()

	store, err = fs.OpenStore(storeObjectID)
	if nil != err {
		return
	}

	if store.IsLocked() {
		if nil == key {
			err = blunder.NewError(blunder.InvalidKeyError, "Invalid key")
			return
		}
		err = store.UnlockReadOnly(key)
		if nil != err {
			return
		}
		defer func() {
			lockErr := store.LockReadOnly()
			if nil == err {
				err = lockErr
			}
		}()
	}

	fsck = newFilesystemFsck(fs, options)
	defer func() {
		fsck.close(err)
	}()

	err = fsck.scanStore(store, store.RootObjects())
	if nil != err {
		return
	}

	err = fsck.verifyAllocations(map[uint64]struct{}{storeObjectID: {}})
	if nil != err {
		return
	}

	fsck.progressf("fsck: scanned volume %016X: %d objects, %d extents, %s", storeObjectID, fsck.stats.ObjectsScanned.TotalGet(), fsck.stats.ExtentBytes.CountGet(), humanize.IBytes(fsck.stats.ExtentBytes.TotalGet()))

	err = fsck.conclude()

	return
}
