// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides miscellaneous utilities for objfs.
package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

var (
	fnNameRE  = regexp.MustCompile(`[^\/]*$`)
	pkgNameRE = regexp.MustCompile(`^[^.]*`)
	funcRE    = regexp.MustCompile(`[^.]*$`)
)

// GetAFnName returns a string containing the package and name of the function
// level frames above the caller.
func GetAFnName(level int) string {
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return "unknown.unknown"
	}
	functionObject := runtime.FuncForPC(pc)
	if nil == functionObject {
		return "unknown.unknown"
	}
	return fnNameRE.FindString(functionObject.Name())
}

// GetFnName returns a string containing the name of the running function and its package.
func GetFnName() string {
	return GetAFnName(1)
}

// GetFuncPackage returns separate strings naming the function and package
// level frames above the caller.
func GetFuncPackage(level int) (fn string, pkg string) {
	funcPkg := GetAFnName(level + 1)

	pkg = pkgNameRE.FindString(funcPkg)
	fn = funcRE.FindString(funcPkg)

	return
}

func Uint64ToHexStr(value uint64) string {
	return fmt.Sprintf("%016X", value)
}

func HexStrToUint64(value string) (uint64, error) {
	return strconv.ParseUint(value, 16, 64)
}

// RoundUp returns value rounded up to a multiple of multiple (a non-zero value).
func RoundUp(value uint64, multiple uint64) uint64 {
	return ((value + multiple - 1) / multiple) * multiple
}

type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	sw.StopTime = time.Now()

	if sw.IsRunning {
		sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if !sw.IsRunning {
		return sw.ElapsedTime
	}

	return time.Since(sw.StartTime)
}

// JSONify returns input as a JSON string, optionally indented. Failures are
// rendered inline since this is used only for logging.
func JSONify(input interface{}, indentify bool) (output string) {
	var (
		err             error
		inputJSON       bytes.Buffer
		inputJSONPacked []byte
	)

	inputJSONPacked, err = json.Marshal(input)
	if nil == err {
		if indentify {
			err = json.Indent(&inputJSON, inputJSONPacked, "", "\t")
			if nil == err {
				output = inputJSON.String()
			} else {
				output = fmt.Sprintf("<<<json.Indent failed: %v>>>", err)
			}
		} else {
			output = string(inputJSONPacked)
		}
	} else {
		output = fmt.Sprintf("<<<json.Marshall failed: %v>>>", err)
	}

	return
}
