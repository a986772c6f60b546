// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/objfs/conf"
)

func testUp(t *testing.T, confStrings []string) (target LogTarget) {
	confMap, err := conf.MakeConfMapFromStrings(confStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	err = Up(confMap)
	if nil != err {
		t.Fatalf("logger.Up() failed: %v", err)
	}

	target.Init(10)
	AddLogTarget(target)

	return
}

func TestAPI(t *testing.T) {
	assert := assert.New(t)

	target := testUp(t, []string{"Logging.LogFilePath=/dev/null", "Logging.LogToConsole=false"})
	defer func() {
		assert.NoError(Down())
	}()

	Infof("hello %s", "there")
	assert.Equal(1, target.LogBuf.TotalEntries)
	assert.Contains(target.LogBuf.LogEntries[0], "hello there")
	assert.Contains(target.LogBuf.LogEntries[0], "package=logger")
	assert.Contains(target.LogBuf.LogEntries[0], "function=TestAPI")
	assert.Contains(target.LogBuf.LogEntries[0], "level=info")

	Warnf("%v: %v", "IAmTheCaller", "this is the warning")
	assert.Contains(target.LogBuf.LogEntries[0], "level=warning")
	assert.Contains(target.LogBuf.LogEntries[1], "hello there")

	ErrorfWithError(fmt.Errorf("this is the error"), "we had an error!")
	assert.Contains(target.LogBuf.LogEntries[0], "level=error")
	assert.Contains(target.LogBuf.LogEntries[0], "this is the error")

	InfofWithFields(map[string]interface{}{"storeObjectID": "0000000000000003"}, "scanning")
	assert.Contains(target.LogBuf.LogEntries[0], "storeObjectID=0000000000000003")

	// Trace logging is off for every package by default
	Tracef("not logged")
	assert.Equal(4, target.LogBuf.TotalEntries)
}

func TestTraceLevelLogging(t *testing.T) {
	assert := assert.New(t)

	target := testUp(t, []string{
		"Logging.LogFilePath=/dev/null",
		"Logging.LogToConsole=false",
		"Logging.TraceLevelLogging=fsck",
	})
	defer func() {
		assert.NoError(Down())
	}()

	assert.True(traceEnabled("fsck"))
	assert.False(traceEnabled("logger"))
	assert.False(traceEnabled("unknown"))

	// The logging package itself is not enabled, so this is dropped
	Tracef("dropped")
	assert.Equal(0, target.LogBuf.TotalEntries)
}
