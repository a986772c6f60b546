// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/objfs/allocator"
	"github.com/NVIDIA/objfs/blunder"
	"github.com/NVIDIA/objfs/conf"
	"github.com/NVIDIA/objfs/mkobjfs"
	"github.com/NVIDIA/objfs/objstore"
)

func TestRun(t *testing.T) {
	assert := assert.New(t)

	testDir := t.TempDir()
	imagePath := filepath.Join(testDir, "image")
	keyFile := filepath.Join(testDir, "key")
	confFile := filepath.Join(testDir, "objfs.conf")

	assert.NoError(os.WriteFile(keyFile, []byte("volume key"), 0600))
	assert.NoError(os.WriteFile(confFile, []byte("[Device]\nImagePath: "+imagePath+"\nBlockCount: 512\n\n[Logging]\nLogFilePath: /dev/null\n"), 0600))

	confMap, err := conf.MakeConfMapFromFile(confFile)
	if !assert.NoError(err) {
		return
	}
	assert.NoError(confMap.UpdateFromStrings([]string{
		"Format.Volumes=plain",
		"Format.EncryptedVolumes=secret",
		"Format.KeyFile=" + keyFile,
	}))
	if !assert.NoError(mkobjfs.FormatFromConfMap(mkobjfs.ModeNew, confMap)) {
		return
	}

	assert.NoError(run([]string{confFile}))
	assert.NoError(run([]string{"--slow=false", "--verbose", confFile, "FSCK.HaltOnError=true"}))
	assert.NoError(run([]string{"--volume", "plain", confFile}))
	assert.NoError(run([]string{"--volume", "secret", "--key-file", keyFile, confFile}))

	err = run([]string{"--volume", "secret", confFile})
	assert.True(blunder.Is(err, blunder.InvalidKeyError))
	assert.NotZero(blunder.ExitStatus(err))

	err = run([]string{"--volume", "missing", confFile})
	assert.True(blunder.Is(err, blunder.NotFoundError))

	err = run([]string{})
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	// An allocation owned by no store fails the whole filesystem pass
	storage, err := objstore.NewDirObjectStorage(imagePath)
	if !assert.NoError(err) {
		return
	}
	fs, err := objstore.Open(storage)
	if !assert.NoError(err) {
		return
	}
	assert.NoError(fs.Allocator().MarkAllocated(99, allocator.Range{Start: 0, End: 4096}))
	assert.NoError(fs.Flush())

	err = run([]string{confFile})
	assert.True(blunder.Is(err, blunder.FsckFailedError))
	assert.Equal(1, blunder.ExitStatus(err))
}
