// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package mkobjfs formats the image directory named by [Device]ImagePath.
//
// Beyond the [Device] options read by objstore.FetchFormatOptions(), the
// optional [Format] section names volumes to create once formatted:
//
//   Volumes          - names of unencrypted volumes
//   EncryptedVolumes - names of volumes encrypted with the key in KeyFile
//   KeyFile          - path of the file holding the volume key
//
package mkobjfs

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/NVIDIA/objfs/conf"
	"github.com/NVIDIA/objfs/logger"
	"github.com/NVIDIA/objfs/objstore"
)

type Mode int

const (
	ModeNew Mode = iota
	ModeOnlyIfNeeded
	ModeReformat
)

func Format(mode Mode, confFile string, confStrings []string) (err error) {
	var (
		confMap conf.ConfMap
	)

	// Valid mode?

	switch mode {
	case ModeNew:
	case ModeOnlyIfNeeded:
	case ModeReformat:
	default:
		err = fmt.Errorf("mode (%v) must be one of ModeNew (%v), ModeOnlyIfNeeded (%v), or ModeReformat (%v)", mode, ModeNew, ModeOnlyIfNeeded, ModeReformat)
		return
	}

	// Load confFile & confStrings (overrides)

	confMap, err = conf.MakeConfMapFromFile(confFile)
	if nil != err {
		err = fmt.Errorf("failed to load config: %v", err)
		return
	}

	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = fmt.Errorf("failed to apply config overrides: %v", err)
		return
	}

	err = logger.Up(confMap)
	if nil != err {
		return
	}
	defer func() {
		_ = logger.Down()
	}()

	err = FormatFromConfMap(mode, confMap)

	return
}

// FormatFromConfMap is Format() given an already loaded confMap.
func FormatFromConfMap(mode Mode, confMap conf.ConfMap) (err error) {
	var (
		encryptedVolumeNames []string
		formatOptions        *objstore.FormatOptions
		fs                   *objstore.Filesystem
		imagePath            string
		isEmpty              bool
		key                  []byte
		keyFile              string
		objectID             uint64
		objectIDs            []uint64
		storage              objstore.ObjectStorage
		volumeName           string
		volumeNames          []string
	)

	// Fetch confMap particulars needed below

	imagePath, err = confMap.FetchOptionValueString("Device", "ImagePath")
	if nil != err {
		return
	}

	formatOptions, err = objstore.FetchFormatOptions(confMap)
	if nil != err {
		return
	}

	volumeNames, _ = confMap.FetchOptionValueStringSlice("Format", "Volumes")
	encryptedVolumeNames, _ = confMap.FetchOptionValueStringSlice("Format", "EncryptedVolumes")

	if 0 < len(encryptedVolumeNames) {
		keyFile, err = confMap.FetchOptionValueString("Format", "KeyFile")
		if nil != err {
			err = fmt.Errorf("[Format]EncryptedVolumes requires [Format]KeyFile: %v", err)
			return
		}
		key, err = os.ReadFile(keyFile)
		if nil != err {
			err = fmt.Errorf("failed to read %v: %v", keyFile, err)
			return
		}
	}

	// Determine if the image directory is empty

	err = os.MkdirAll(imagePath, 0700)
	if nil != err {
		err = fmt.Errorf("failed to create %v: %v", imagePath, err)
		return
	}

	storage, err = objstore.NewDirObjectStorage(imagePath)
	if nil != err {
		return
	}

	objectIDs, err = storage.ListObjects()
	if nil != err {
		err = fmt.Errorf("failed to list %v: %v", imagePath, err)
		return
	}

	isEmpty = (0 == len(objectIDs))

	if !isEmpty {
		switch mode {
		case ModeNew:
			// If image directory is not empty && ModeNew, exit with failure

			err = fmt.Errorf("%v found to be non-empty with mode == ModeNew (%v)", imagePath, ModeNew)
			return
		case ModeOnlyIfNeeded:
			// If image directory holds a filesystem && ModeOnlyIfNeeded, exit successfully

			_, err = objstore.Open(storage)
			if nil == err {
				logger.Infof("%v already formatted", imagePath)
				return
			}
			err = fmt.Errorf("%v is non-empty but holds no filesystem: %v", imagePath, err)
			return
		case ModeReformat:
			// If image directory is not empty && ModeReformat, clear out imagePath

			for _, objectID = range objectIDs {
				err = storage.DeleteObject(objectID)
				if nil != err {
					err = fmt.Errorf("failed to delete object %016X of %v: %v", objectID, imagePath, err)
					return
				}
			}
		}
	}

	fs, err = objstore.Format(storage, formatOptions)
	if nil != err {
		return
	}

	for _, volumeName = range volumeNames {
		_, err = fs.NewVolume(volumeName, nil)
		if nil != err {
			return
		}
	}
	for _, volumeName = range encryptedVolumeNames {
		_, err = fs.NewVolume(volumeName, key)
		if nil != err {
			return
		}
	}

	err = fs.Flush()
	if nil != err {
		return
	}

	logger.Infof("formatted %v: %d blocks of %s (%s) with %d volumes, %s allocated",
		imagePath, formatOptions.BlockCount, humanize.IBytes(formatOptions.BlockSize),
		humanize.IBytes(formatOptions.BlockSize*formatOptions.BlockCount),
		len(volumeNames)+len(encryptedVolumeNames), humanize.IBytes(fs.Allocator().GetAllocatedBytes()))

	return
}
