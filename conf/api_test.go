// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateFromStrings(t *testing.T) {
	assert := assert.New(t)

	confMap, err := MakeConfMapFromStrings([]string{
		"FSCK.HaltOnError=true",
		"FSCK.Verbose : off",
		"Logging.TraceLevelLogging = fsck, layer allocator",
		"Logging.LogFilePath=",
		"Device.BlockSize=4KiB",
		"Device.BlockCount=0x100",
	})
	if !assert.NoError(err) {
		return
	}

	haltOnError, err := confMap.FetchOptionValueBool("FSCK", "HaltOnError")
	assert.NoError(err)
	assert.True(haltOnError)

	verbose, err := confMap.FetchOptionValueBool("FSCK", "Verbose")
	assert.NoError(err)
	assert.False(verbose)

	traceLevelLogging, err := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	assert.NoError(err)
	assert.Equal([]string{"fsck", "layer", "allocator"}, traceLevelLogging)

	logFilePath, err := confMap.FetchOptionValueStringSlice("Logging", "LogFilePath")
	assert.NoError(err)
	assert.Empty(logFilePath)
	_, err = confMap.FetchOptionValueString("Logging", "LogFilePath")
	assert.Error(err)

	blockSize, err := confMap.FetchOptionValueByteSize("Device", "BlockSize")
	assert.NoError(err)
	assert.Equal(uint64(4096), blockSize)

	blockCount, err := confMap.FetchOptionValueUint64("Device", "BlockCount")
	assert.NoError(err)
	assert.Equal(uint64(256), blockCount)

	_, err = confMap.FetchOptionValueBool("FSCK", "Missing")
	assert.Error(err)
	_, err = confMap.FetchOptionValueBool("Missing", "Missing")
	assert.Error(err)

	assert.NoError(confMap.VerifyOptionIsMissing("FSCK", "DoSlowPasses"))
	assert.Error(confMap.VerifyOptionIsMissing("FSCK", "HaltOnError"))

	err = confMap.UpdateFromString("FSCK.HaltOnError=maybe")
	assert.NoError(err)
	_, err = confMap.FetchOptionValueBool("FSCK", "HaltOnError")
	assert.Error(err)

	assert.Error(confMap.UpdateFromString("   "))
	assert.Error(confMap.UpdateFromString("NoDotHere=value"))
	assert.Error(confMap.UpdateFromString("Section.Option"))
}

func TestUpdateFromFile(t *testing.T) {
	assert := assert.New(t)

	testDir := t.TempDir()

	includedPath := filepath.Join(testDir, "included.conf")
	err := os.WriteFile(includedPath, []byte("[Device]\nBlockSize = 512\n"), 0644)
	if !assert.NoError(err) {
		return
	}

	mainPath := filepath.Join(testDir, "main.conf")
	err = os.WriteFile(mainPath, []byte(
		"# A comment on its own line\n"+
			"[FSCK] ; A comment at the end of a line\n"+
			"DoSlowPasses : yes # trailing comment\n"+
			"\n"+
			".include included.conf\n"+
			"\n"+
			"[Logging]\n"+
			"LogToConsole = true\n"), 0644)
	if !assert.NoError(err) {
		return
	}

	confMap, err := MakeConfMapFromFile(mainPath)
	if !assert.NoError(err) {
		return
	}

	doSlowPasses, err := confMap.FetchOptionValueBool("FSCK", "DoSlowPasses")
	assert.NoError(err)
	assert.True(doSlowPasses)

	blockSize, err := confMap.FetchOptionValueUint64("Device", "BlockSize")
	assert.NoError(err)
	assert.Equal(uint64(512), blockSize)

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	assert.NoError(err)
	assert.True(logToConsole)

	badPath := filepath.Join(testDir, "bad.conf")
	err = os.WriteFile(badPath, []byte("Orphan = value\n"), 0644)
	if !assert.NoError(err) {
		return
	}
	_, err = MakeConfMapFromFile(badPath)
	assert.Error(err)

	_, err = MakeConfMapFromFile(filepath.Join(testDir, "missing.conf"))
	assert.Error(err)
}
