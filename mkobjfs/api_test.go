// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package mkobjfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/objfs/conf"
	"github.com/NVIDIA/objfs/fsck"
	"github.com/NVIDIA/objfs/objstore"
)

func TestFormat(t *testing.T) {
	assert := assert.New(t)

	testDir := t.TempDir()
	imagePath := filepath.Join(testDir, "image")
	keyFile := filepath.Join(testDir, "key")

	assert.NoError(os.WriteFile(keyFile, []byte("volume key"), 0600))

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Device.ImagePath=" + imagePath,
		"Device.BlockSize=4096",
		"Device.BlockCount=512",
		"Format.Volumes=alpha,beta",
		"Format.EncryptedVolumes=gamma",
		"Format.KeyFile=" + keyFile,
	})
	if !assert.NoError(err) {
		return
	}

	assert.NoError(FormatFromConfMap(ModeNew, confMap))

	storage, err := objstore.NewDirObjectStorage(imagePath)
	if !assert.NoError(err) {
		return
	}
	fs, err := objstore.Open(storage)
	if !assert.NoError(err) {
		return
	}
	assert.Len(fs.VolumeDirectory().Volumes, 3)
	assert.Equal(uint64(512), fs.Device().BlockCount())
	assert.NoError(fsck.Fsck(fs))

	assert.Error(FormatFromConfMap(ModeNew, confMap))
	assert.NoError(FormatFromConfMap(ModeOnlyIfNeeded, confMap))

	assert.NoError(confMap.UpdateFromStrings([]string{
		"Format.Volumes=delta",
		"Format.EncryptedVolumes=",
	}))
	assert.NoError(FormatFromConfMap(ModeReformat, confMap))

	fs, err = objstore.Open(storage)
	if !assert.NoError(err) {
		return
	}
	assert.Equal([]string{"delta"}, volumeNames(fs))
	assert.NoError(fsck.Fsck(fs))

	assert.Error(Format(Mode(7), "", nil))
}

func TestFormatRejectsForeignImage(t *testing.T) {
	assert := assert.New(t)

	imagePath := t.TempDir()

	assert.NoError(os.WriteFile(filepath.Join(imagePath, "0000000000000001"), []byte("not a super block"), 0600))

	confMap, err := conf.MakeConfMapFromStrings([]string{"Device.ImagePath=" + imagePath})
	if !assert.NoError(err) {
		return
	}

	assert.Error(FormatFromConfMap(ModeOnlyIfNeeded, confMap))
	assert.NoError(FormatFromConfMap(ModeReformat, confMap))
}

func volumeNames(fs *objstore.Filesystem) (names []string) {
	for name := range fs.VolumeDirectory().Volumes {
		names = append(names, name)
	}
	return
}
