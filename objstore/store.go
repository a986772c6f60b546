// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"github.com/NVIDIA/objfs/allocator"
	"github.com/NVIDIA/objfs/blunder"
	"github.com/NVIDIA/objfs/codec"
	"github.com/NVIDIA/objfs/layer"
	"github.com/NVIDIA/objfs/logger"
)

// ObjectStore is one store of a Filesystem.
//
// An encrypted store opened from storage is locked: its tree is unavailable
// until UnlockReadOnly is called with the store's key.
//
type ObjectStore struct {
	fs       *Filesystem
	holder   *ObjectStore // Store holding this store's StoreInfo and LayerFiles (nil for the root-parent store)
	info     StoreInfo
	tree     *layer.LayerSet[ObjectKey, ObjectValue]
	crypt    *Crypt
	readOnly bool
}

// StoreObjectID returns the object ID identifying the store (and naming its
// StoreInfo object).
func (store *ObjectStore) StoreObjectID() (storeObjectID uint64) {
	storeObjectID = store.info.StoreObjectID
	return
}

// Name returns the volume name of a child store.
func (store *ObjectStore) Name() (name string) {
	store.fs.mutex.Lock()
	name = store.info.Name
	store.fs.mutex.Unlock()
	return
}

// RootObjects returns the IDs of the store's root objects.
func (store *ObjectStore) RootObjects() (objectIDs []uint64) {
	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	objectIDs = append([]uint64{}, store.info.RootObjectIDs...)

	return
}

// ParentObjects returns the IDs of the objects, held by another store, that
// hold this store's tree.
func (store *ObjectStore) ParentObjects() (objectIDs []uint64) {
	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	objectIDs = store.info.ParentObjects()

	return
}

// LayerFileObjectIDs returns the IDs of the store's LayerFiles, newest first.
func (store *ObjectStore) LayerFileObjectIDs() (objectIDs []uint64) {
	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	objectIDs = append([]uint64{}, store.info.LayerFileObjectIDs...)

	return
}

func (store *ObjectStore) EncryptedMutationsObjectID() (objectID uint64) {
	objectID = store.info.EncryptedMutationsObjectID
	return
}

func (store *ObjectStore) IsEncrypted() bool {
	return store.info.Encrypted
}

func (store *ObjectStore) IsLocked() bool {
	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	return store.isLocked()
}

func (store *ObjectStore) isLocked() bool {
	return store.info.Encrypted && (nil == store.crypt)
}

// IsReadOnly reports whether the store was unlocked by UnlockReadOnly.
func (store *ObjectStore) IsReadOnly() bool {
	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	return store.readOnly
}

// Crypt returns the store's Crypt (nil if the store is unencrypted or locked).
func (store *ObjectStore) Crypt() (crypt *Crypt) {
	store.fs.mutex.Lock()
	crypt = store.crypt
	store.fs.mutex.Unlock()
	return
}

// LayerFileOptions returns the options with which the store's LayerFiles are
// written and opened.
func (store *ObjectStore) LayerFileOptions() (options layer.LayerFileOptions) {
	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	options = store.layerFileOptions()

	return
}

func (store *ObjectStore) layerFileOptions() (options layer.LayerFileOptions) {
	options = layer.LayerFileOptions{Compress: true}
	if nil != store.crypt {
		options.Sealer = store.crypt
	}
	return
}

// StoreInfo returns a copy of the store's StoreInfo.
func (store *ObjectStore) StoreInfo() (storeInfo StoreInfo) {
	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	storeInfo = store.info
	storeInfo.RootObjectIDs = append([]uint64{}, store.info.RootObjectIDs...)
	storeInfo.LayerFileObjectIDs = append([]uint64{}, store.info.LayerFileObjectIDs...)
	storeInfo.MutableItems = nil

	return
}

// Tree returns the store's tree.
func (store *ObjectStore) Tree() (tree *layer.LayerSet[ObjectKey, ObjectValue], err error) {
	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	if store.isLocked() {
		err = blunder.NewError(blunder.StoreLockedError, "store %016X is locked", store.info.StoreObjectID)
		return
	}

	tree = store.tree
	err = nil

	return
}

// UnlockReadOnly makes the tree of a locked store available for reading.
//
// A key failing to unseal the store's key check fails with "Invalid key".
// UnlockReadOnly of an unencrypted or already unlocked store does nothing.
//
func (store *ObjectStore) UnlockReadOnly(key []byte) (err error) {
	var (
		crypt *Crypt
	)

	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	if !store.isLocked() {
		err = nil
		return
	}

	crypt, err = NewCrypt(key, store.info.CryptSalt)
	if nil != err {
		return
	}
	err = crypt.verifyKeyCheck(store.info.StoreObjectID, store.info.KeyCheck)
	if nil != err {
		return
	}

	store.crypt = crypt

	err = store.loadTree(nil)
	if nil != err {
		store.crypt = nil
		return
	}

	store.readOnly = true

	logger.Infof("store %016X unlocked read-only", store.info.StoreObjectID)

	return
}

// LockReadOnly re-locks a store unlocked by UnlockReadOnly.
func (store *ObjectStore) LockReadOnly() (err error) {
	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	if !store.readOnly {
		err = blunder.NewError(blunder.InvalidArgError, "store %016X was not unlocked read-only", store.info.StoreObjectID)
		return
	}

	store.crypt = nil
	store.tree = nil
	store.readOnly = false

	logger.Infof("store %016X locked", store.info.StoreObjectID)

	err = nil
	return
}

// CreateObject returns the ID of a new, empty object of the store. A
// parentObjectID of zero makes the new object a root object.
func (store *ObjectStore) CreateObject(parentObjectID uint64) (objectID uint64, err error) {
	store.fs.lock.RLock()
	defer store.fs.lock.RUnlock()
	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	err = store.checkWritable()
	if nil != err {
		return
	}

	if 0 != parentObjectID {
		if !store.hasObject(parentObjectID) {
			err = blunder.NewError(blunder.NotFoundError, "parent object %016X not found in store %016X", parentObjectID, store.info.StoreObjectID)
			return
		}
	}

	objectID = store.fs.newObjectID()

	err = store.createObjectRecord(objectID, parentObjectID)
	if nil != err {
		return
	}

	if 0 == parentObjectID {
		store.info.RootObjectIDs = append(store.info.RootObjectIDs, objectID)
	}

	return
}

// WriteObject replaces the contents of objectID with buf.
func (store *ObjectStore) WriteObject(objectID uint64, buf []byte) (err error) {
	store.fs.lock.RLock()
	defer store.fs.lock.RUnlock()
	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	err = store.checkWritable()
	if nil != err {
		return
	}
	if !store.hasObject(objectID) {
		err = blunder.NewError(blunder.NotFoundError, "object %016X not found in store %016X", objectID, store.info.StoreObjectID)
		return
	}

	if nil != store.crypt {
		buf, err = store.crypt.Seal(objectID, buf)
		if nil != err {
			return
		}
	}

	err = store.writeHeldObject(objectID, buf)

	return
}

// ReadObject returns the contents of objectID.
func (store *ObjectStore) ReadObject(objectID uint64) (buf []byte, err error) {
	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	if store.isLocked() {
		err = blunder.NewError(blunder.StoreLockedError, "store %016X is locked", store.info.StoreObjectID)
		return
	}
	if !store.hasObject(objectID) {
		err = blunder.NewError(blunder.NotFoundError, "object %016X not found in store %016X", objectID, store.info.StoreObjectID)
		return
	}

	buf, err = store.fs.storage.ReadObject(objectID)
	if nil != err {
		return
	}

	if nil != store.crypt {
		buf, err = store.crypt.Unseal(objectID, buf)
	}

	return
}

// DeleteObject removes objectID, a child of parentObjectID (or a root object
// if parentObjectID is zero), and frees its extents.
func (store *ObjectStore) DeleteObject(parentObjectID uint64, objectID uint64) (err error) {
	var (
		removed bool
	)

	store.fs.lock.RLock()
	defer store.fs.lock.RUnlock()
	store.fs.mutex.Lock()
	defer store.fs.mutex.Unlock()

	err = store.checkWritable()
	if nil != err {
		return
	}

	err = store.checkDeletable(objectID)
	if nil != err {
		return
	}

	if 0 == parentObjectID {
		found := false
		for i, rootObjectID := range store.info.RootObjectIDs {
			if rootObjectID == objectID {
				store.info.RootObjectIDs = append(store.info.RootObjectIDs[:i], store.info.RootObjectIDs[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			err = blunder.NewError(blunder.NotFoundError, "object %016X is not a root object of store %016X", objectID, store.info.StoreObjectID)
			return
		}
	} else {
		removed, err = store.removeItem(childKey(parentObjectID, objectID))
		if nil != err {
			return
		}
		if !removed {
			err = blunder.NewError(blunder.NotFoundError, "object %016X is not a child of %016X in store %016X", objectID, parentObjectID, store.info.StoreObjectID)
			return
		}
	}

	err = store.deleteHeldObject(objectID)

	return
}

func (store *ObjectStore) checkWritable() (err error) {
	if store.isLocked() {
		err = blunder.NewError(blunder.StoreLockedError, "store %016X is locked", store.info.StoreObjectID)
		return
	}
	if store.readOnly {
		err = blunder.NewError(blunder.ReadOnlyError, "store %016X is unlocked read-only", store.info.StoreObjectID)
		return
	}
	err = nil
	return
}

func childKey(parentObjectID uint64, childObjectID uint64) ObjectKey {
	return ObjectKey{ObjectID: parentObjectID, Attribute: ObjectAttributeChild, Start: childObjectID, End: childObjectID + 1}
}

func dataKeyBound(objectID uint64) layer.Bound[ObjectKey] {
	return layer.Included(ObjectKey{ObjectID: objectID, Attribute: ObjectAttributeData, Start: 0, End: 0})
}

// lookupItem returns the live item whose key equals key (nil if none).
func (store *ObjectStore) lookupItem(key ObjectKey) (item *layer.Item[ObjectKey, ObjectValue], err error) {
	var (
		iterator layer.Iterator[ObjectKey, ObjectValue]
	)

	iterator, err = store.tree.Merger().Seek(layer.Included(key))
	if nil != err {
		return
	}

	item = iterator.Get()
	if (nil != item) && ((0 != item.Key.CmpUpperBound(key)) || (ObjectValueKindNone == item.Value.Kind)) {
		item = nil
	}

	return
}

func (store *ObjectStore) hasObject(objectID uint64) bool {
	item, err := store.lookupItem(ObjectRecordKey(objectID))
	return (nil == err) && (nil != item)
}

// attributeItems returns the live items recording attribute of objectID.
func (store *ObjectStore) attributeItems(objectID uint64, attribute ObjectAttribute) (items []layer.Item[ObjectKey, ObjectValue], err error) {
	var (
		item     *layer.Item[ObjectKey, ObjectValue]
		iterator layer.Iterator[ObjectKey, ObjectValue]
	)

	iterator, err = store.tree.Merger().Seek(layer.Included(ObjectKey{ObjectID: objectID, Attribute: attribute, Start: 0, End: 0}))
	if nil != err {
		return
	}

	items = make([]layer.Item[ObjectKey, ObjectValue], 0)

	for item = iterator.Get(); (nil != item) && (objectID == item.Key.ObjectID) && (attribute == item.Key.Attribute); item = iterator.Get() {
		if ObjectValueKindNone != item.Value.Kind {
			items = append(items, *item)
		}
		err = iterator.Advance()
		if nil != err {
			return
		}
	}

	return
}

func (store *ObjectStore) createObjectRecord(objectID uint64, parentObjectID uint64) (err error) {
	err = store.tree.Mutable.Replace(layer.Item[ObjectKey, ObjectValue]{
		Key:   ObjectRecordKey(objectID),
		Value: ObjectValue{Kind: ObjectValueKindObject, Ref: parentObjectID},
	})
	if nil != err {
		return
	}

	if 0 != parentObjectID {
		err = store.tree.Mutable.Replace(layer.Item[ObjectKey, ObjectValue]{
			Key:   childKey(parentObjectID, objectID),
			Value: ObjectValue{Kind: ObjectValueKindChild, Ref: objectID},
		})
	}

	return
}

func (store *ObjectStore) objectCapacity(objectID uint64) (capacity uint64, err error) {
	var (
		items []layer.Item[ObjectKey, ObjectValue]
	)

	items, err = store.attributeItems(objectID, ObjectAttributeData)
	if nil != err {
		return
	}

	for _, item := range items {
		if item.Key.End > capacity {
			capacity = item.Key.End
		}
	}

	return
}

// ensureCapacity extends objectID, if needed, to hold size bytes, reporting
// whether an extent was added. Growth is at least the current capacity.
func (store *ObjectStore) ensureCapacity(objectID uint64, size uint64) (grown bool, err error) {
	var (
		capacity    uint64
		deviceRange allocator.Range
		growth      uint64
	)

	capacity, err = store.objectCapacity(objectID)
	if nil != err {
		return
	}

	if size <= capacity {
		grown = false
		return
	}

	growth = size - capacity
	if capacity > growth {
		growth = capacity
	}

	deviceRange, err = store.fs.allocator.Allocate(store.info.StoreObjectID, growth)
	if nil != err {
		return
	}

	err = store.tree.Mutable.Replace(layer.Item[ObjectKey, ObjectValue]{
		Key:   ObjectKey{ObjectID: objectID, Attribute: ObjectAttributeData, Start: capacity, End: capacity + deviceRange.Length()},
		Value: ObjectValue{Kind: ObjectValueKindExtent, Ref: deviceRange.Start},
	})
	if nil != err {
		return
	}

	logger.Tracef("object %016X of store %016X grown to %d bytes at %v", objectID, store.info.StoreObjectID, capacity+deviceRange.Length(), deviceRange)

	grown = true
	return
}

// writeHeldObject stores buf as the contents of objectID, an object held by this store.
func (store *ObjectStore) writeHeldObject(objectID uint64, buf []byte) (err error) {
	_, err = store.ensureCapacity(objectID, uint64(len(buf)))
	if nil != err {
		return
	}

	err = store.fs.storage.WriteObject(objectID, buf)

	return
}

// removeItem removes the item whose key equals key, leaving a
// ObjectValueKindNone item if it is recorded in a LayerFile.
func (store *ObjectStore) removeItem(key ObjectKey) (removed bool, err error) {
	var (
		item     *layer.Item[ObjectKey, ObjectValue]
		iterator layer.Iterator[ObjectKey, ObjectValue]
	)

	item, err = store.lookupItem(key)
	if (nil != err) || (nil == item) {
		return
	}

	for _, immutable := range store.tree.Immutable {
		iterator, err = immutable.Seek(layer.Included(key))
		if nil != err {
			return
		}
		item = iterator.Get()
		if (nil != item) && (0 == item.Key.CmpUpperBound(key)) {
			err = store.tree.Mutable.Replace(layer.Item[ObjectKey, ObjectValue]{Key: key, Value: ObjectValue{Kind: ObjectValueKindNone}})
			removed = (nil == err)
			return
		}
	}

	removed, err = store.tree.Mutable.Delete(key)

	return
}

// checkDeletable fails unless objectID exists and has no children.
func (store *ObjectStore) checkDeletable(objectID uint64) (err error) {
	var (
		children []layer.Item[ObjectKey, ObjectValue]
	)

	if !store.hasObject(objectID) {
		err = blunder.NewError(blunder.NotFoundError, "object %016X not found in store %016X", objectID, store.info.StoreObjectID)
		return
	}

	children, err = store.attributeItems(objectID, ObjectAttributeChild)
	if nil != err {
		return
	}
	if 0 < len(children) {
		err = blunder.NewError(blunder.DevBusyError, "object %016X of store %016X has %d children", objectID, store.info.StoreObjectID, len(children))
		return
	}

	return
}

func (store *ObjectStore) deleteHeldObject(objectID uint64) (err error) {
	var (
		extents []layer.Item[ObjectKey, ObjectValue]
	)

	err = store.checkDeletable(objectID)
	if nil != err {
		return
	}

	extents, err = store.attributeItems(objectID, ObjectAttributeData)
	if nil != err {
		return
	}

	for _, extent := range extents {
		err = store.fs.allocator.Deallocate(allocator.Range{Start: extent.Value.Ref, End: extent.Value.Ref + (extent.Key.End - extent.Key.Start)})
		if nil != err {
			return
		}
		_, err = store.removeItem(extent.Key)
		if nil != err {
			return
		}
	}

	_, err = store.removeItem(ObjectRecordKey(objectID))
	if nil != err {
		return
	}

	err = store.fs.storage.DeleteObject(objectID)
	if blunder.Is(err, blunder.NotFoundError) {
		err = nil
	}

	return
}

// loadTree builds the store's tree from its LayerFiles and mutableItems, or
// for an encrypted store, its encrypted mutations object.
func (store *ObjectStore) loadTree(mutableItems []ObjectItem) (err error) {
	var (
		buf       []byte
		layerFile *layer.LayerFile[ObjectKey, ObjectValue]
		ok        bool
		options   = store.layerFileOptions()
		tree      = layer.NewLayerSet[ObjectKey, ObjectValue]()
	)

	for _, layerFileObjectID := range store.info.LayerFileObjectIDs {
		buf, err = store.fs.storage.ReadObject(layerFileObjectID)
		if nil != err {
			return
		}
		layerFile, err = layer.OpenLayerFile[ObjectKey, ObjectValue](layer.NewBufferHandle(layerFileObjectID, buf), ObjectCodec, options)
		if nil != err {
			return
		}
		tree.Immutable = append(tree.Immutable, layerFile)
	}

	if store.info.Encrypted {
		buf, err = store.fs.storage.ReadObject(store.info.EncryptedMutationsObjectID)
		if nil != err {
			return
		}
		buf, err = store.crypt.Unseal(store.info.EncryptedMutationsObjectID, buf)
		if nil != err {
			return
		}
		mutableItems = nil
		err = codec.Unmarshal(buf, &mutableItems)
		if nil != err {
			err = blunder.NewError(blunder.CorruptMetadataError, "encrypted mutations of store %016X undecodable: %v", store.info.StoreObjectID, err)
			return
		}
	}

	for i := range mutableItems {
		ok, err = tree.Mutable.Insert(mutableItems[i].layerItem())
		if nil != err {
			return
		}
		if !ok {
			err = blunder.NewError(blunder.CorruptMetadataError, "store %016X mutations record %v twice", store.info.StoreObjectID, mutableItems[i].layerItem().Key)
			return
		}
	}

	store.tree = tree

	return
}

func (store *ObjectStore) mutableItems() (objectItems []ObjectItem, err error) {
	var (
		items []layer.Item[ObjectKey, ObjectValue]
	)

	items, err = store.tree.Mutable.Items()
	if nil != err {
		return
	}

	objectItems = objectItemsFromLayer(items)

	return
}

// persistStoreInfo writes the StoreInfo object of a child or the root store
// to its holder. An unencrypted child store's Mutable layer is included.
func (store *ObjectStore) persistStoreInfo() (err error) {
	var (
		buf       []byte
		storeInfo = store.info
	)

	storeInfo.MutableItems = nil

	if (store.fs.rootStore != store) && !store.info.Encrypted {
		storeInfo.MutableItems, err = store.mutableItems()
		if nil != err {
			return
		}
	}

	buf, err = codec.Marshal(&storeInfo)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}

	err = store.holder.writeHeldObject(store.info.StoreObjectID, buf)

	return
}

func (store *ObjectStore) persistEncryptedMutations() (err error) {
	var (
		buf          []byte
		mutableItems []ObjectItem
	)

	mutableItems, err = store.mutableItems()
	if nil != err {
		return
	}

	buf, err = codec.Marshal(mutableItems)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}

	buf, err = store.crypt.Seal(store.info.EncryptedMutationsObjectID, buf)
	if nil != err {
		return
	}

	err = store.holder.writeHeldObject(store.info.EncryptedMutationsObjectID, buf)

	return
}

// persist writes everything a Flush needs of a child store.
func (store *ObjectStore) persist() (err error) {
	if store.isLocked() || store.readOnly {
		err = nil
		return
	}

	if store.info.Encrypted {
		err = store.persistEncryptedMutations()
		if nil != err {
			return
		}
	}

	err = store.persistStoreInfo()

	return
}

// compact writes the store's Mutable layer to a new LayerFile held by the
// store's holder.
func (store *ObjectStore) compact() (err error) {
	var (
		items             []layer.Item[ObjectKey, ObjectValue]
		layerFile         *layer.LayerFile[ObjectKey, ObjectValue]
		layerFileBuf      []byte
		layerFileObjectID uint64
		numberOfItems     int
		options           = store.layerFileOptions()
	)

	if (nil == store.holder) || store.isLocked() || store.readOnly {
		err = nil
		return
	}

	numberOfItems, err = store.tree.Mutable.Len()
	if (nil != err) || (0 == numberOfItems) {
		return
	}

	layerFileObjectID = store.fs.newObjectID()

	err = store.holder.createObjectRecord(layerFileObjectID, 0)
	if nil != err {
		return
	}

	items, layerFileBuf, err = store.tree.BuildLayerFile(ObjectCodec, options, layerFileObjectID)
	if nil != err {
		return
	}

	err = store.holder.writeHeldObject(layerFileObjectID, layerFileBuf)
	if nil != err {
		return
	}

	layerFile, err = layer.OpenLayerFile[ObjectKey, ObjectValue](layer.NewBufferHandle(layerFileObjectID, layerFileBuf), ObjectCodec, options)
	if nil != err {
		return
	}

	err = store.tree.InstallLayerFile(layerFile, items)
	if nil != err {
		return
	}

	store.info.LayerFileObjectIDs = append([]uint64{layerFileObjectID}, store.info.LayerFileObjectIDs...)

	logger.Tracef("store %016X compacted %d items into LayerFile %016X", store.info.StoreObjectID, len(items), layerFileObjectID)

	if store.info.Encrypted {
		err = store.persistEncryptedMutations()
		if nil != err {
			return
		}
	}

	err = store.persistStoreInfo()

	return
}
