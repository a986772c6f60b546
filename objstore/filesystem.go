// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"sort"
	"sync"

	"github.com/NVIDIA/objfs/allocator"
	"github.com/NVIDIA/objfs/blunder"
	"github.com/NVIDIA/objfs/codec"
	"github.com/NVIDIA/objfs/layer"
	"github.com/NVIDIA/objfs/logger"
)

// Object IDs assigned by Format.
const (
	formatRootParentStoreObjectID uint64 = firstNonceObjectID + iota
	formatRootStoreObjectID
	formatAllocatorObjectID
	formatJournalObjectID
	formatVolumeDirectoryObjectID
	formatFirstFreeObjectID
)

// Filesystem binds the stores and the allocator of an objfs filesystem to an
// ObjectStorage backend.
//
// Mutating operations share fs.lock while a WriteLock() holder (e.g. fsck)
// excludes them all. fs.mutex serializes access to in-memory state.
//
type Filesystem struct {
	lock                    sync.RWMutex
	mutex                   sync.Mutex
	storage                 ObjectStorage
	device                  Device
	allocator               *allocator.Allocator
	rootParentStore         *ObjectStore
	rootStore               *ObjectStore
	stores                  map[uint64]*ObjectStore // Child stores opened so far
	volumeDirectory         VolumeDirectory
	journalObjectID         uint64
	journalFileOffsets      map[uint64]uint64
	volumeDirectoryObjectID uint64
	nextObjectID            uint64
	generation              uint64
}

// WriteLockGuard holds the exclusive side of a Filesystem's lock until
// Release is called.
type WriteLockGuard struct {
	fs       *Filesystem
	released bool
}

func newFilesystem(storage ObjectStorage, blockSize uint64, blockCount uint64) (fs *Filesystem) {
	fs = &Filesystem{
		storage:            storage,
		device:             Device{blockSize: blockSize, blockCount: blockCount},
		stores:             make(map[uint64]*ObjectStore),
		volumeDirectory:    VolumeDirectory{Volumes: make(map[string]uint64)},
		journalFileOffsets: make(map[uint64]uint64),
	}
	return
}

func (fs *Filesystem) newStore(holder *ObjectStore, storeInfo StoreInfo) (store *ObjectStore) {
	store = &ObjectStore{
		fs:     fs,
		holder: holder,
		info:   storeInfo,
	}
	return
}

// Format initializes an empty filesystem in storage and returns it.
func Format(storage ObjectStorage, formatOptions *FormatOptions) (fs *Filesystem, err error) {
	if (0 == formatOptions.BlockSize) || (0 != (formatOptions.BlockSize & (formatOptions.BlockSize - 1))) {
		err = blunder.NewError(blunder.InvalidArgError, "BlockSize (%d) must be a power of 2", formatOptions.BlockSize)
		return
	}

	fs = newFilesystem(storage, formatOptions.BlockSize, formatOptions.BlockCount)

	fs.allocator, err = allocator.New(formatAllocatorObjectID, fs.device.BlockSize(), fs.device.Size())
	if nil != err {
		return
	}

	fs.rootParentStore = fs.newStore(nil, StoreInfo{Version: StoreInfoVersionV1, StoreObjectID: formatRootParentStoreObjectID})
	fs.rootParentStore.tree = layer.NewLayerSet[ObjectKey, ObjectValue]()

	fs.rootStore = fs.newStore(fs.rootParentStore, StoreInfo{
		Version:       StoreInfoVersionV1,
		StoreObjectID: formatRootStoreObjectID,
		RootObjectIDs: []uint64{formatVolumeDirectoryObjectID},
	})
	fs.rootStore.tree = layer.NewLayerSet[ObjectKey, ObjectValue]()

	fs.journalObjectID = formatJournalObjectID
	fs.volumeDirectoryObjectID = formatVolumeDirectoryObjectID
	fs.nextObjectID = formatFirstFreeObjectID

	for _, objectID := range []uint64{formatRootStoreObjectID, formatJournalObjectID} {
		err = fs.rootParentStore.createObjectRecord(objectID, 0)
		if nil != err {
			return
		}
	}
	for _, objectID := range []uint64{SuperBlockAObjectID, SuperBlockBObjectID, formatAllocatorObjectID, formatVolumeDirectoryObjectID} {
		err = fs.rootStore.createObjectRecord(objectID, 0)
		if nil != err {
			return
		}
	}

	err = fs.rootParentStore.writeHeldObject(formatJournalObjectID, make([]byte, fs.device.BlockSize()))
	if nil != err {
		return
	}

	// Write both super-block copies
	for i := 0; i < 2; i++ {
		err = fs.flush()
		if nil != err {
			return
		}
	}

	logger.Infof("formatted filesystem of %d blocks of %d bytes", fs.device.BlockCount(), fs.device.BlockSize())

	return
}

func readSuperBlock(storage ObjectStorage, objectID uint64) (superBlock *SuperBlock, err error) {
	var (
		buf []byte
	)

	buf, err = storage.ReadObject(objectID)
	if nil != err {
		return
	}

	superBlock = &SuperBlock{}

	err = codec.Unmarshal(buf, superBlock)
	if nil != err {
		err = blunder.NewError(blunder.CorruptMetadataError, "super-block %016X undecodable: %v", objectID, err)
		return
	}
	if SuperBlockVersionV1 != superBlock.Version {
		err = blunder.NewError(blunder.CorruptMetadataError, "super-block %016X has unsupported version %d", objectID, superBlock.Version)
		return
	}

	return
}

// Open returns the filesystem in storage, based on the newest super-block
// copy that decodes.
func Open(storage ObjectStorage) (fs *Filesystem, err error) {
	var (
		allocatorInfo  allocator.Info
		buf            []byte
		layerFile      *layer.LayerFile[allocator.Key, allocator.Value]
		layerFiles     []layer.Layer[allocator.Key, allocator.Value]
		rootStoreInfo  StoreInfo
		superBlock     *SuperBlock
		superBlockCopy *SuperBlock
	)

	for _, superBlockObjectID := range []uint64{SuperBlockAObjectID, SuperBlockBObjectID} {
		superBlockCopy, err = readSuperBlock(storage, superBlockObjectID)
		if nil != err {
			logger.WarnfWithError(err, "skipping super-block %016X", superBlockObjectID)
			continue
		}
		if (nil == superBlock) || (superBlockCopy.Generation > superBlock.Generation) {
			superBlock = superBlockCopy
		}
	}
	if nil == superBlock {
		err = blunder.NewError(blunder.CorruptMetadataError, "no valid super-block found")
		return
	}

	err = nil

	fs = newFilesystem(storage, superBlock.BlockSize, superBlock.BlockCount)

	fs.generation = superBlock.Generation
	fs.nextObjectID = superBlock.NextObjectID
	fs.journalObjectID = superBlock.JournalObjectID
	fs.volumeDirectoryObjectID = superBlock.VolumeDirectoryObjectID
	for objectID, offset := range superBlock.JournalFileOffsets {
		fs.journalFileOffsets[objectID] = offset
	}

	buf, err = storage.ReadObject(superBlock.AllocatorObjectID)
	if nil != err {
		return
	}
	err = codec.Unmarshal(buf, &allocatorInfo)
	if nil != err {
		err = blunder.NewError(blunder.CorruptMetadataError, "allocator info %016X undecodable: %v", superBlock.AllocatorObjectID, err)
		return
	}

	layerFiles = make([]layer.Layer[allocator.Key, allocator.Value], 0, len(allocatorInfo.LayerFileObjectIDs))
	for _, layerFileObjectID := range allocatorInfo.LayerFileObjectIDs {
		buf, err = storage.ReadObject(layerFileObjectID)
		if nil != err {
			return
		}
		layerFile, err = layer.OpenLayerFile[allocator.Key, allocator.Value](layer.NewBufferHandle(layerFileObjectID, buf), allocator.Codec, layer.LayerFileOptions{Compress: true})
		if nil != err {
			return
		}
		layerFiles = append(layerFiles, layerFile)
	}

	fs.allocator, err = allocator.Restore(&allocatorInfo, &superBlock.Allocator, layerFiles)
	if nil != err {
		return
	}

	fs.rootParentStore = fs.newStore(nil, superBlock.RootParentStore)
	err = fs.rootParentStore.loadTree(superBlock.RootParentStore.MutableItems)
	if nil != err {
		return
	}
	fs.rootParentStore.info.MutableItems = nil

	buf, err = storage.ReadObject(superBlock.RootStoreObjectID)
	if nil != err {
		return
	}
	err = codec.Unmarshal(buf, &rootStoreInfo)
	if nil != err {
		err = blunder.NewError(blunder.CorruptMetadataError, "root store info %016X undecodable: %v", superBlock.RootStoreObjectID, err)
		return
	}

	fs.rootStore = fs.newStore(fs.rootParentStore, rootStoreInfo)
	err = fs.rootStore.loadTree(superBlock.RootStoreMutableItems)
	if nil != err {
		return
	}

	fs.volumeDirectory, err = fs.readVolumeDirectory()
	if nil != err {
		return
	}

	logger.Infof("opened filesystem at generation %d", fs.generation)

	return
}

// WriteLock excludes every mutating operation until the returned guard is
// released.
func (fs *Filesystem) WriteLock() (guard *WriteLockGuard) {
	fs.lock.Lock()
	guard = &WriteLockGuard{fs: fs}
	return
}

// Release releases the lock. Subsequent calls do nothing.
func (guard *WriteLockGuard) Release() {
	if guard.released {
		return
	}
	guard.released = true
	guard.fs.lock.Unlock()
}

func (fs *Filesystem) newObjectID() (objectID uint64) {
	objectID = fs.nextObjectID
	fs.nextObjectID++
	return
}

func (fs *Filesystem) RootParentStore() *ObjectStore {
	return fs.rootParentStore
}

func (fs *Filesystem) RootStore() *ObjectStore {
	return fs.rootStore
}

func (fs *Filesystem) Allocator() *allocator.Allocator {
	return fs.allocator
}

// ObjectManager returns the storage backend holding every object.
func (fs *Filesystem) ObjectManager() ObjectStorage {
	return fs.storage
}

func (fs *Filesystem) Device() Device {
	return fs.device
}

func (fs *Filesystem) BlockSize() uint64 {
	return fs.device.BlockSize()
}

// SuperBlock returns the super-block that a Flush would write now, less the
// Mutable layer contents.
func (fs *Filesystem) SuperBlock() (superBlock *SuperBlock, err error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	superBlock, err = fs.buildSuperBlock()
	if nil != err {
		return
	}

	superBlock.RootParentStore.MutableItems = nil
	superBlock.RootStoreMutableItems = nil
	superBlock.Allocator.Mutable = nil

	return
}

func (fs *Filesystem) buildSuperBlock() (superBlock *SuperBlock, err error) {
	var (
		allocatorCheckpoint *allocator.Checkpoint
	)

	superBlock = &SuperBlock{
		Version:                 SuperBlockVersionV1,
		Generation:              fs.generation,
		BlockSize:               fs.device.BlockSize(),
		BlockCount:              fs.device.BlockCount(),
		NextObjectID:            fs.nextObjectID,
		RootParentStore:         fs.rootParentStore.info,
		RootStoreObjectID:       fs.rootStore.info.StoreObjectID,
		AllocatorObjectID:       fs.allocator.ObjectID(),
		JournalObjectID:         fs.journalObjectID,
		JournalFileOffsets:      make(map[uint64]uint64, len(fs.journalFileOffsets)),
		VolumeDirectoryObjectID: fs.volumeDirectoryObjectID,
	}

	for objectID, offset := range fs.journalFileOffsets {
		superBlock.JournalFileOffsets[objectID] = offset
	}

	superBlock.RootParentStore.MutableItems, err = fs.rootParentStore.mutableItems()
	if nil != err {
		return
	}
	superBlock.RootStoreMutableItems, err = fs.rootStore.mutableItems()
	if nil != err {
		return
	}

	allocatorCheckpoint, err = fs.allocator.Checkpoint()
	if nil != err {
		return
	}
	superBlock.Allocator = *allocatorCheckpoint

	return
}

// SetJournalFileOffset records the journal offset up to which the object
// (the allocator or a store) identified by objectID has been persisted.
func (fs *Filesystem) SetJournalFileOffset(objectID uint64, offset uint64) {
	fs.mutex.Lock()
	fs.journalFileOffsets[objectID] = offset
	fs.mutex.Unlock()
}

// VolumeDirectory returns a copy of the in-memory volume directory.
func (fs *Filesystem) VolumeDirectory() (volumeDirectory VolumeDirectory) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	volumeDirectory = VolumeDirectory{Volumes: make(map[string]uint64, len(fs.volumeDirectory.Volumes))}
	for name, storeObjectID := range fs.volumeDirectory.Volumes {
		volumeDirectory.Volumes[name] = storeObjectID
	}

	return
}

// ReadVolumeDirectory returns the volume directory as persisted.
func (fs *Filesystem) ReadVolumeDirectory() (volumeDirectory VolumeDirectory, err error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	volumeDirectory, err = fs.readVolumeDirectory()

	return
}

func (fs *Filesystem) readVolumeDirectory() (volumeDirectory VolumeDirectory, err error) {
	var (
		buf []byte
	)

	buf, err = fs.storage.ReadObject(fs.volumeDirectoryObjectID)
	if nil != err {
		return
	}

	err = codec.Unmarshal(buf, &volumeDirectory)
	if nil != err {
		err = blunder.NewError(blunder.CorruptMetadataError, "volume directory %016X undecodable: %v", fs.volumeDirectoryObjectID, err)
		return
	}
	if nil == volumeDirectory.Volumes {
		volumeDirectory.Volumes = make(map[string]uint64)
	}

	return
}

// ReadStoreInfo returns the persisted StoreInfo of a child store.
//
// A missing object fails with blunder.NotFoundError, an undecodable one with
// blunder.CorruptMetadataError.
//
func (fs *Filesystem) ReadStoreInfo(storeObjectID uint64) (storeInfo *StoreInfo, err error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	storeInfo, err = fs.readStoreInfo(storeObjectID)

	return
}

func (fs *Filesystem) readStoreInfo(storeObjectID uint64) (storeInfo *StoreInfo, err error) {
	var (
		buf []byte
	)

	buf, err = fs.storage.ReadObject(storeObjectID)
	if nil != err {
		return
	}

	storeInfo = &StoreInfo{}

	err = codec.Unmarshal(buf, storeInfo)
	if nil != err {
		storeInfo = nil
		err = blunder.NewError(blunder.CorruptMetadataError, "store info %016X undecodable: %v", storeObjectID, err)
		return
	}
	if (StoreInfoVersionV1 != storeInfo.Version) || (storeObjectID != storeInfo.StoreObjectID) {
		err = blunder.NewError(blunder.CorruptMetadataError, "store info %016X has version %d and store ID %016X", storeObjectID, storeInfo.Version, storeInfo.StoreObjectID)
		storeInfo = nil
		return
	}

	return
}

// OpenStore returns the child store identified by storeObjectID. An encrypted
// store opened from storage is locked.
func (fs *Filesystem) OpenStore(storeObjectID uint64) (store *ObjectStore, err error) {
	var (
		ok        bool
		storeInfo *StoreInfo
	)

	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	store, ok = fs.stores[storeObjectID]
	if ok {
		return
	}

	storeInfo, err = fs.readStoreInfo(storeObjectID)
	if nil != err {
		return
	}

	store = fs.newStore(fs.rootStore, *storeInfo)

	if !storeInfo.Encrypted {
		err = store.loadTree(storeInfo.MutableItems)
		if nil != err {
			store = nil
			return
		}
	}
	store.info.MutableItems = nil

	fs.stores[storeObjectID] = store

	return
}

// ObjectHandle returns a read-only handle on the current contents of objectID.
func (fs *Filesystem) ObjectHandle(objectID uint64) (handle layer.ObjectHandle, err error) {
	var (
		buf []byte
	)

	buf, err = fs.storage.ReadObject(objectID)
	if nil != err {
		return
	}

	handle = layer.NewBufferHandle(objectID, buf)

	return
}

// NewVolume creates a child store named name, encrypted with key if key is
// non-nil, with a single, empty root object.
func (fs *Filesystem) NewVolume(name string, key []byte) (store *ObjectStore, err error) {
	var (
		crypt           *Crypt
		ok              bool
		rootObjectID    uint64
		storeInfo       StoreInfo
		storeObjectID   uint64
		volumeDirectory VolumeDirectory
		volumeObjectBuf []byte
	)

	fs.lock.RLock()
	defer fs.lock.RUnlock()
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	_, ok = fs.volumeDirectory.Volumes[name]
	if ok {
		err = blunder.NewError(blunder.FileExistsError, "volume \"%s\" already exists", name)
		return
	}

	storeObjectID = fs.newObjectID()

	storeInfo = StoreInfo{
		Version:       StoreInfoVersionV1,
		StoreObjectID: storeObjectID,
		Name:          name,
	}

	if nil != key {
		storeInfo.Encrypted = true
		storeInfo.CryptSalt, err = newCryptSalt()
		if nil != err {
			return
		}
		crypt, err = NewCrypt(key, storeInfo.CryptSalt)
		if nil != err {
			return
		}
		storeInfo.KeyCheck, err = crypt.newKeyCheck(storeObjectID)
		if nil != err {
			return
		}
		storeInfo.EncryptedMutationsObjectID = fs.newObjectID()
		err = fs.rootStore.createObjectRecord(storeInfo.EncryptedMutationsObjectID, 0)
		if nil != err {
			return
		}
	}

	err = fs.rootStore.createObjectRecord(storeObjectID, 0)
	if nil != err {
		return
	}

	store = fs.newStore(fs.rootStore, storeInfo)
	store.tree = layer.NewLayerSet[ObjectKey, ObjectValue]()
	store.crypt = crypt

	rootObjectID = fs.newObjectID()
	err = store.createObjectRecord(rootObjectID, 0)
	if nil != err {
		return
	}
	store.info.RootObjectIDs = []uint64{rootObjectID}

	err = store.persist()
	if nil != err {
		return
	}

	volumeDirectory = VolumeDirectory{Volumes: make(map[string]uint64, 1+len(fs.volumeDirectory.Volumes))}
	for volumeObjectName, volumeObjectID := range fs.volumeDirectory.Volumes {
		volumeDirectory.Volumes[volumeObjectName] = volumeObjectID
	}
	volumeDirectory.Volumes[name] = storeObjectID

	volumeObjectBuf, err = codec.Marshal(&volumeDirectory)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}
	err = fs.rootStore.writeHeldObject(fs.volumeDirectoryObjectID, volumeObjectBuf)
	if nil != err {
		return
	}

	fs.volumeDirectory = volumeDirectory
	fs.stores[storeObjectID] = store

	logger.Infof("created volume \"%s\" as store %016X (encrypted: %v)", name, storeObjectID, storeInfo.Encrypted)

	return
}

func (fs *Filesystem) persistVolumeDirectory() (err error) {
	var (
		buf []byte
	)

	buf, err = codec.Marshal(&fs.volumeDirectory)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}

	err = fs.rootStore.writeHeldObject(fs.volumeDirectoryObjectID, buf)

	return
}

func (fs *Filesystem) persistAllocatorInfo() (err error) {
	var (
		buf []byte
	)

	buf, err = codec.Marshal(fs.allocator.Info())
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}

	err = fs.rootStore.writeHeldObject(fs.allocator.ObjectID(), buf)

	return
}

func (fs *Filesystem) sortedStores() (stores []*ObjectStore) {
	stores = make([]*ObjectStore, 0, len(fs.stores))
	for _, store := range fs.stores {
		stores = append(stores, store)
	}
	sort.Slice(stores, func(i, j int) bool {
		return stores[i].info.StoreObjectID < stores[j].info.StoreObjectID
	})
	return
}

// Compact writes the Mutable layer of every store, and of the allocator, to
// a new LayerFile, then flushes.
func (fs *Filesystem) Compact() (err error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	for _, store := range fs.sortedStores() {
		err = store.compact()
		if nil != err {
			return
		}
	}

	err = fs.rootStore.compact()
	if nil != err {
		return
	}

	err = fs.compactAllocator()
	if nil != err {
		return
	}

	err = fs.flush()

	return
}

func (fs *Filesystem) compactAllocator() (err error) {
	var (
		items             []layer.Item[allocator.Key, allocator.Value]
		layerFile         *layer.LayerFile[allocator.Key, allocator.Value]
		layerFileBuf      []byte
		layerFileObjectID uint64
		numberOfItems     int
	)

	numberOfItems, err = fs.allocator.Tree().Mutable.Len()
	if (nil != err) || (0 == numberOfItems) {
		return
	}

	layerFileObjectID = fs.newObjectID()

	err = fs.rootStore.createObjectRecord(layerFileObjectID, 0)
	if nil != err {
		return
	}

	items, layerFileBuf, err = fs.allocator.BuildLayerFile(layerFileObjectID)
	if nil != err {
		return
	}

	// Allocations made while storing the LayerFile remain in the Mutable layer
	err = fs.rootStore.writeHeldObject(layerFileObjectID, layerFileBuf)
	if nil != err {
		return
	}

	layerFile, err = layer.OpenLayerFile[allocator.Key, allocator.Value](layer.NewBufferHandle(layerFileObjectID, layerFileBuf), allocator.Codec, layer.LayerFileOptions{Compress: true})
	if nil != err {
		return
	}

	err = fs.allocator.InstallLayerFile(layerFile, items)
	if nil != err {
		return
	}

	err = fs.persistAllocatorInfo()

	return
}

// Flush persists every store, the allocator, and the volume directory, then
// writes the next super-block copy.
func (fs *Filesystem) Flush() (err error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	err = fs.flush()

	return
}

func (fs *Filesystem) flush() (err error) {
	var (
		grown              bool
		superBlock         *SuperBlock
		superBlockBuf      []byte
		superBlockObjectID uint64
	)

	for _, store := range fs.sortedStores() {
		err = store.persist()
		if nil != err {
			return
		}
	}

	err = fs.persistVolumeDirectory()
	if nil != err {
		return
	}

	err = fs.persistAllocatorInfo()
	if nil != err {
		return
	}

	err = fs.rootStore.persistStoreInfo()
	if nil != err {
		return
	}

	fs.generation++

	if 1 == (fs.generation & 1) {
		superBlockObjectID = SuperBlockAObjectID
	} else {
		superBlockObjectID = SuperBlockBObjectID
	}

	// Growing the super-block object changes the trees it records
	for {
		superBlock, err = fs.buildSuperBlock()
		if nil != err {
			return
		}
		superBlockBuf, err = codec.Marshal(superBlock)
		if nil != err {
			err = blunder.AddError(err, blunder.PackError)
			return
		}
		grown, err = fs.rootStore.ensureCapacity(superBlockObjectID, uint64(len(superBlockBuf)))
		if nil != err {
			return
		}
		if !grown {
			break
		}
	}

	err = fs.storage.WriteObject(superBlockObjectID, superBlockBuf)
	if nil != err {
		return
	}

	logger.Tracef("wrote super-block %016X generation %d (%d bytes)", superBlockObjectID, fs.generation, len(superBlockBuf))

	return
}
