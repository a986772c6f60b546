// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package fsck checks the consistency of an objfs filesystem.
//
// A pass holds the filesystem's write lock for its duration. It scans stores
// from their root objects (via a StoreScanner), reconstructing every extent
// they reference into a private layer, optionally walks the raw contents of
// every LayerFile, and finally reconciles the reconstructed allocations with
// the allocator.
//
// Each problem found is an Issue of Severity Warning, Error, or Fatal,
// handed to Options.OnError as it is found. A pass fails (with
// blunder.FsckFailedError) if any Error or Fatal issue was found, or any
// Warning if Options.FailOnWarning is set. A Fatal issue, or an Error issue
// with Options.HaltOnError set, stops the pass immediately (with
// blunder.FsckFatalError or blunder.FsckHaltedError).
//
package fsck

import (
	"github.com/NVIDIA/objfs/allocator"
	"github.com/NVIDIA/objfs/layer"
	"github.com/NVIDIA/objfs/objstore"
)

// Options controls a pass. A nil *Options selects DefaultOptions().
type Options struct {
	FailOnWarning bool
	HaltOnError   bool
	DoSlowPasses  bool               // Walk the raw contents of every LayerFile
	OnError       func(issue *Issue) // nil logs each issue
	Verbose       bool               // Log progress
	Scanner       StoreScanner       // nil selects DefaultScanner
}

// StoreScanner visits every object reachable from roots in store, reporting
// each extent it finds via fsck.AddAllocation().
type StoreScanner interface {
	ScanStore(fsck *Checker, store *objstore.ObjectStore, roots []uint64) (err error)
}

// DefaultOptions returns the Options used by Fsck() and FsckVolume().
func DefaultOptions() (options *Options) {
	options = &Options{
		FailOnWarning: false,
		HaltOnError:   false,
		DoSlowPasses:  true,
		OnError:       nil,
		Verbose:       false,
		Scanner:       nil,
	}
	return
}

// Fsck checks the whole of fs with DefaultOptions().
func Fsck(fs *objstore.Filesystem) (err error) {
	err = FsckWithOptions(fs, DefaultOptions())
	return
}

// FsckWithOptions checks the root-parent store, the root store, the
// metadata of every child store (volume), and the allocator of fs.
func FsckWithOptions(fs *objstore.Filesystem, options *Options) (err error) {
	err = fsckFilesystem(fs, options)
	return
}

// FsckVolume checks the child store identified by storeObjectID with
// DefaultOptions(). See FsckVolumeWithOptions().
func FsckVolume(fs *objstore.Filesystem, storeObjectID uint64, key []byte) (err error) {
	err = FsckVolumeWithOptions(fs, storeObjectID, key, DefaultOptions())
	return
}

// FsckVolumeWithOptions checks the child store identified by storeObjectID
// and its allocations.
//
// A locked store is unlocked read-only with key for the duration of the pass
// and locked again however the pass ends. A locked store with a nil key fails
// with "Invalid key".
//
func FsckVolumeWithOptions(fs *objstore.Filesystem, storeObjectID uint64, key []byte, options *Options) (err error) {
	err = fsckVolume(fs, storeObjectID, key, options)
	return
}

// CheckLayerFileContents walks every item of l, a LayerFile identified by
// layerFileObjectID of the store (or allocator) identified by storeObjectID,
// reporting the first adjacent pair out of order (MisOrderedLayerFile) or
// overlapping (OverlappingKeysInLayerFile). Both are Fatal.
func CheckLayerFileContents[K layer.Key[K], V layer.Value[V]](fsck *Checker, l layer.Layer[K, V], storeObjectID uint64, layerFileObjectID uint64) (err error) {
	err = checkLayerFileContents(fsck, l, storeObjectID, layerFileObjectID)
	return
}

// Errors returns the number of Error and Fatal issues found so far.
func (fsck *Checker) Errors() uint64 {
	return fsck.stats.Errors.TotalGet()
}

// Warnings returns the number of Warning issues found so far.
func (fsck *Checker) Warnings() uint64 {
	return fsck.stats.Warnings.TotalGet()
}

// Report counts issue and hands it to Options.OnError. A non-nil err means the
// pass must stop and return it.
func (fsck *Checker) Report(issue *Issue) (err error) {
	err = fsck.report(issue)
	return
}

// AddAllocation records deviceRange as referenced by objectID of the store
// identified by storeObjectID. A range overlapping one recorded earlier is
// reported as ExtentReferencedTwice and not recorded.
func (fsck *Checker) AddAllocation(storeObjectID uint64, objectID uint64, deviceRange allocator.Range) (err error) {
	err = fsck.addAllocation(storeObjectID, objectID, deviceRange)
	return
}

// Allocations returns the layer of allocations reconstructed so far.
func (fsck *Checker) Allocations() *layer.MemLayer[allocator.Key, allocator.Value] {
	return fsck.allocations
}

// IsSlow reports whether the pass walks the raw contents of LayerFiles.
func (fsck *Checker) IsSlow() bool {
	return fsck.options.DoSlowPasses
}
