// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package and calling function to all logs.
//
// Logging at trace level is enabled/disabled on a per package basis via the
// [Logging]TraceLevelLogging option.
package logger

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/objfs/utils"
)

type Level int

// Our logging levels. We have one more level than we hand to logrus: TraceLevel
// is decided per package here and, when enabled, is logged at logrus.InfoLevel.
const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel
	TraceLevel
)

// Log fields supported by logger:
const packageKey string = "package"
const functionKey string = "function"
const errorKey string = "error"

var backtraceOneLevel int = 1

func newLogEntry(level int) *log.Entry {
	fn, pkg := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg

	return log.WithFields(fields)
}

func newLogEntryWithPackage(level int) (entry *log.Entry, pkg string) {
	var (
		fn string
	)

	fn, pkg = utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg

	entry = log.WithFields(fields)
	return
}

func logAt(entry *log.Entry, level Level, logString string) {
	switch level {
	case PanicLevel:
		entry.Panic(logString)
	case FatalLevel:
		entry.Fatal(logString)
	case ErrorLevel:
		entry.Error(logString)
	case WarnLevel:
		entry.Warn(logString)
	case InfoLevel, TraceLevel:
		entry.Info(logString)
	}
}

func Errorf(format string, args ...interface{}) {
	logAt(newLogEntry(backtraceOneLevel), ErrorLevel, fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	logAt(newLogEntry(backtraceOneLevel), InfoLevel, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	logAt(newLogEntry(backtraceOneLevel), WarnLevel, fmt.Sprintf(format, args...))
}

// Tracef logs only if trace logging has been enabled for the calling package.
func Tracef(format string, args ...interface{}) {
	if !traceLevelEnabled {
		return
	}
	entry, pkg := newLogEntryWithPackage(backtraceOneLevel)
	if !traceEnabled(pkg) {
		return
	}
	logAt(entry, TraceLevel, fmt.Sprintf(format, args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	logAt(newLogEntry(backtraceOneLevel).WithField(errorKey, err), ErrorLevel, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	logAt(newLogEntry(backtraceOneLevel).WithField(errorKey, err), WarnLevel, fmt.Sprintf(format, args...))
}

// InfofWithFields logs at info level adding the supplied fields to the
// package and function fields.
func InfofWithFields(fields map[string]interface{}, format string, args ...interface{}) {
	logAt(newLogEntry(backtraceOneLevel).WithFields(log.Fields(fields)), InfoLevel, fmt.Sprintf(format, args...))
}

// WarnfWithFields logs at warn level adding the supplied fields to the package
// and function fields.
func WarnfWithFields(fields map[string]interface{}, format string, args ...interface{}) {
	logAt(newLogEntry(backtraceOneLevel).WithFields(log.Fields(fields)), WarnLevel, fmt.Sprintf(format, args...))
}

// ErrorfWithFields logs at error level adding the supplied fields to the
// package and function fields.
func ErrorfWithFields(fields map[string]interface{}, format string, args ...interface{}) {
	logAt(newLogEntry(backtraceOneLevel).WithFields(log.Fields(fields)), ErrorLevel, fmt.Sprintf(format, args...))
}

// An example of a log target that captures the most recent n lines of log into
// an array.  Useful for writing test cases.
//
// There should really be a lock to coordinate access/updates to the array, but
// its not really necessary for test case code.
//
type LogBuffer struct {
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

type LogTarget struct {
	LogBuf *LogBuffer
}

// Init initializes a LogTarget to hold upto nEntry log entries.
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{TotalEntries: 0}
	target.LogBuf.LogEntries = make([]string, nEntry)
}

// Write is called by logger for each log entry
func (target LogTarget) Write(p []byte) (n int, err error) {
	target.LogBuf.TotalEntries++

	nEntries := len(target.LogBuf.LogEntries)
	if 0 < nEntries {
		copy(target.LogBuf.LogEntries[1:], target.LogBuf.LogEntries[:nEntries-1])
		target.LogBuf.LogEntries[0] = string(p)
	}

	n = len(p)
	err = nil
	return
}
