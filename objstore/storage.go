// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/btree"

	"github.com/NVIDIA/objfs/blunder"
	"github.com/NVIDIA/objfs/utils"
)

type ramObjectStruct struct {
	objectID uint64
	buf      []byte
}

func (ramObject *ramObjectStruct) Less(than btree.Item) bool {
	return ramObject.objectID < than.(*ramObjectStruct).objectID
}

type ramObjectStorageStruct struct {
	sync.Mutex
	objects *btree.BTree
}

// NewRAMObjectStorage returns an empty, memory resident ObjectStorage.
func NewRAMObjectStorage() (objectStorage ObjectStorage) {
	objectStorage = &ramObjectStorageStruct{
		objects: btree.New(8),
	}
	return
}

func (ramObjectStorage *ramObjectStorageStruct) ReadObject(objectID uint64) (buf []byte, err error) {
	ramObjectStorage.Lock()
	defer ramObjectStorage.Unlock()

	item := ramObjectStorage.objects.Get(&ramObjectStruct{objectID: objectID})
	if nil == item {
		err = blunder.NewError(blunder.NotFoundError, "object %016X not found", objectID)
		return
	}

	buf = append([]byte{}, item.(*ramObjectStruct).buf...)

	return
}

func (ramObjectStorage *ramObjectStorageStruct) WriteObject(objectID uint64, buf []byte) (err error) {
	ramObjectStorage.Lock()
	defer ramObjectStorage.Unlock()

	_ = ramObjectStorage.objects.ReplaceOrInsert(&ramObjectStruct{objectID: objectID, buf: append([]byte{}, buf...)})

	return
}

func (ramObjectStorage *ramObjectStorageStruct) DeleteObject(objectID uint64) (err error) {
	ramObjectStorage.Lock()
	defer ramObjectStorage.Unlock()

	if nil == ramObjectStorage.objects.Delete(&ramObjectStruct{objectID: objectID}) {
		err = blunder.NewError(blunder.NotFoundError, "object %016X not found", objectID)
	}

	return
}

func (ramObjectStorage *ramObjectStorageStruct) ListObjects() (objectIDs []uint64, err error) {
	ramObjectStorage.Lock()
	defer ramObjectStorage.Unlock()

	objectIDs = make([]uint64, 0, ramObjectStorage.objects.Len())

	ramObjectStorage.objects.Ascend(func(item btree.Item) bool {
		objectIDs = append(objectIDs, item.(*ramObjectStruct).objectID)
		return true
	})

	return
}

type dirObjectStorageStruct struct {
	path string
}

// NewDirObjectStorage returns an ObjectStorage keeping each object in a file,
// named by its %016X object ID, in the directory at path.
func NewDirObjectStorage(path string) (objectStorage ObjectStorage, err error) {
	var (
		fileInfo os.FileInfo
	)

	fileInfo, err = os.Stat(path)
	if nil != err {
		if os.IsNotExist(err) {
			err = blunder.NewError(blunder.NotFoundError, "image directory %s does not exist", path)
		} else {
			err = blunder.AddError(err, blunder.IOError)
		}
		return
	}
	if !fileInfo.IsDir() {
		err = blunder.NewError(blunder.InvalidArgError, "image path %s is not a directory", path)
		return
	}

	objectStorage = &dirObjectStorageStruct{path: path}

	return
}

func (dirObjectStorage *dirObjectStorageStruct) objectPath(objectID uint64) string {
	return filepath.Join(dirObjectStorage.path, utils.Uint64ToHexStr(objectID))
}

func (dirObjectStorage *dirObjectStorageStruct) ReadObject(objectID uint64) (buf []byte, err error) {
	buf, err = os.ReadFile(dirObjectStorage.objectPath(objectID))
	if nil != err {
		if os.IsNotExist(err) {
			err = blunder.NewError(blunder.NotFoundError, "object %016X not found", objectID)
		} else {
			err = blunder.AddError(err, blunder.IOError)
		}
	}
	return
}

// WriteObject replaces the contents of the object via a rename so that a
// partially written object is never visible.
func (dirObjectStorage *dirObjectStorageStruct) WriteObject(objectID uint64, buf []byte) (err error) {
	var (
		objectPath = dirObjectStorage.objectPath(objectID)
		tmpPath    = objectPath + ".tmp"
	)

	err = os.WriteFile(tmpPath, buf, 0600)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	err = os.Rename(tmpPath, objectPath)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}

	return
}

func (dirObjectStorage *dirObjectStorageStruct) DeleteObject(objectID uint64) (err error) {
	err = os.Remove(dirObjectStorage.objectPath(objectID))
	if nil != err {
		if os.IsNotExist(err) {
			err = blunder.NewError(blunder.NotFoundError, "object %016X not found", objectID)
		} else {
			err = blunder.AddError(err, blunder.IOError)
		}
	}
	return
}

func (dirObjectStorage *dirObjectStorageStruct) ListObjects() (objectIDs []uint64, err error) {
	var (
		dirEntries []os.DirEntry
		objectID   uint64
	)

	dirEntries, err = os.ReadDir(dirObjectStorage.path)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	objectIDs = make([]uint64, 0, len(dirEntries))

	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || (16 != len(dirEntry.Name())) {
			continue
		}
		objectID, err = utils.HexStrToUint64(dirEntry.Name())
		if nil != err {
			continue
		}
		objectIDs = append(objectIDs, objectID)
	}

	err = nil
	return
}
