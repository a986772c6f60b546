// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/objfs/conf"
)

var (
	logFile *os.File = nil

	// traceLevelEnabled lets Tracef() return before walking the call stack
	traceLevelEnabled = false

	// packageTraceSettings controls whether tracing is enabled for particular
	// packages. Only packages present in this map may be enabled via the
	// [Logging]TraceLevelLogging option.
	packageTraceSettings = map[string]bool{
		"allocator": false,
		"fsck":      false,
		"layer":     false,
		"objstore":  false,
	}

	outputLock   sync.Mutex
	outputTarget = &multiWriter{}
)

// multiWriter fans each log line out to every registered writer
type multiWriter struct {
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.writers = append(mw.writers, writer)
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	outputLock.Lock()
	defer outputLock.Unlock()

	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if nil != err {
			return
		}
	}

	n = len(p)
	err = nil
	return
}

// Up configures logging from the [Logging] section of confMap:
//
//   LogFilePath       - file to append logs to (default: none)
//   LogToConsole      - also (or only, absent LogFilePath) log to stderr
//   TraceLevelLogging - list of packages for which trace logging is enabled
//
func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	outputLock.Lock()
	outputTarget = &multiWriter{}
	outputLock.Unlock()

	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if "" != logFilePath {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return
		}
		outputTarget.addWriter(logFile)
	}

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = ("" == logFilePath)
	}
	if logToConsole {
		outputTarget.addWriter(os.Stderr)
	}

	log.SetOutput(outputTarget)

	// We always enable max logging in logrus and decide in this package
	// whether to log at trace level
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	err = nil
	return
}

// Down closes our log file, if any, and reverts to logging on stderr
func Down() (err error) {
	log.SetOutput(os.Stderr)

	for pkg := range packageTraceSettings {
		packageTraceSettings[pkg] = false
	}
	traceLevelEnabled = false

	if nil != logFile {
		err = logFile.Close()
		logFile = nil
	}

	return
}

// AddLogTarget adds another target for log messages to be written to. writer is
// called once for each log message.
//
// Up() must be called before this function is used.
//
func AddLogTarget(writer io.Writer) {
	outputLock.Lock()
	outputTarget.addWriter(writer)
	outputLock.Unlock()
}

func setTraceLoggingLevel(confStrSlice []string) {
	traceLevelEnabled = false

	for _, pkg := range confStrSlice {
		if "none" == pkg {
			traceLevelEnabled = false
			break
		}
		if _, ok := packageTraceSettings[pkg]; ok {
			packageTraceSettings[pkg] = true
			traceLevelEnabled = true
		}
	}

	if traceLevelEnabled {
		for pkg, isEnabled := range packageTraceSettings {
			if isEnabled {
				Infof("Package %v trace logging is enabled.", pkg)
			}
		}
	}
}

func traceEnabled(pkg string) bool {
	isEnabled, ok := packageTraceSettings[pkg]
	return ok && isEnabled
}
