// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package conf provides a simple .INI style configuration map.
//
// A ConfMap is accessed via confMap[section_name][option_name][option_value_index]
// or via the methods below. It may be loaded from a file of the form:
//
//   [<section_name_1>]
//   <option_name_0> :
//   <option_name_1> = <value_1>
//   <option_name_2> : <value_2> <value_3>,<value_4>
//
//   # A comment on its own line starting with '#'
//   ; A comment on its own line starting with ';'
//
//   .include <included .INI/.conf path>
//
// and updated from strings (e.g. extra command line arguments) of the form:
//
//   <section_name>.<option_name> = <value_1>, <value_2>
//
package conf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

// MakeConfMap returns an newly created empty ConfMap
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a newly created ConfMap loaded with the contents of the confFilePath-specified file
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a newly created ConfMap loaded with the contents specified in confStrings
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = fmt.Errorf("error building confMap from conf strings: %v", err)
		return
	}

	err = nil
	return
}

// UpdateFromString modifies a pre-existing ConfMap based on an update
// specified in confString (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	var (
		optionName    string
		optionPayload string
		optionValues  []string
		sectionName   string
	)

	confStringTrimmed := strings.Trim(confString, " \t")
	if 0 == len(confStringTrimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}

	sectionName, optionPayload, err = splitSectionName(confStringTrimmed)
	if nil != err {
		err = fmt.Errorf("malformed confString: \"%v\": %v", confString, err)
		return
	}

	optionName, optionValues, err = splitOption(optionPayload)
	if nil != err {
		err = fmt.Errorf("malformed confString: \"%v\": %v", confString, err)
		return
	}

	confMap.set(sectionName, optionName, optionValues)

	err = nil
	return
}

// UpdateFromStrings modifies a pre-existing ConfMap based on an update
// specified in confStrings (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}
	err = nil
	return
}

// UpdateFromFile modifies a pre-existing ConfMap based on updates specified in confFilePath
//
// A confFilePath of "-" reads from os.Stdin.
//
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	var (
		confFileBytes []byte
	)

	if "-" == confFilePath {
		confFileBytes, err = io.ReadAll(os.Stdin)
	} else {
		confFileBytes, err = os.ReadFile(confFilePath)
	}
	if nil != err {
		return
	}

	err = confMap.updateFromReader(confFilePath, bytes.NewReader(confFileBytes))

	return
}

func (confMap ConfMap) updateFromReader(confFilePath string, reader io.Reader) (err error) {
	var (
		currentLine        string
		currentLineNumber  int
		currentSectionName string
		includePath        string
		optionName         string
		optionValues       []string
		scanner            *bufio.Scanner
	)

	scanner = bufio.NewScanner(reader)

	for scanner.Scan() {
		currentLineNumber++

		currentLine = strings.SplitN(scanner.Text(), ";", 2)[0]
		currentLine = strings.SplitN(currentLine, "#", 2)[0]
		currentLine = strings.Trim(currentLine, " \t\r")

		switch {
		case 0 == len(currentLine):
			// Skip blank and comment-only lines
		case strings.HasPrefix(currentLine, ".include"):
			includePath = strings.Trim(strings.TrimPrefix(currentLine, ".include"), " \t")
			if 0 == len(includePath) {
				err = fmt.Errorf("file %v line %v: .include missing path", confFilePath, currentLineNumber)
				return
			}
			if !filepath.IsAbs(includePath) && ("-" != confFilePath) {
				includePath = filepath.Join(filepath.Dir(confFilePath), includePath)
			}
			err = confMap.UpdateFromFile(includePath)
			if nil != err {
				return
			}
			currentSectionName = ""
		case strings.HasPrefix(currentLine, "[") && strings.HasSuffix(currentLine, "]"):
			currentSectionName = strings.Trim(currentLine[1:len(currentLine)-1], " \t")
			if !isToken(currentSectionName) {
				err = fmt.Errorf("file %v line %v: malformed section name '%v'", confFilePath, currentLineNumber, currentSectionName)
				return
			}
		default:
			if "" == currentSectionName {
				err = fmt.Errorf("file %v did not start with a Section Name", confFilePath)
				return
			}
			optionName, optionValues, err = splitOption(currentLine)
			if nil != err {
				err = fmt.Errorf("file %v line %v: %v", confFilePath, currentLineNumber, err)
				return
			}
			confMap.set(currentSectionName, optionName, optionValues)
		}
	}

	err = scanner.Err()

	return
}

func (confMap ConfMap) set(sectionName string, optionName string, optionValues []string) {
	section, found := confMap[sectionName]
	if !found {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}

	section[optionName] = optionValues
}

func isToken(s string) bool {
	if 0 == len(s) {
		return false
	}
	return !strings.ContainsAny(s, " \t=:,")
}

// splitSectionName splits "<section>.<option>=<values>" at the first '.' that precedes the assignment.
func splitSectionName(s string) (sectionName string, optionPayload string, err error) {
	assignmentIndex := strings.IndexAny(s, "=:")
	if 0 > assignmentIndex {
		err = fmt.Errorf("missing '=' or ':'")
		return
	}

	dotIndex := strings.Index(s[:assignmentIndex], ".")
	if 0 >= dotIndex {
		err = fmt.Errorf("missing <section>.<option>")
		return
	}

	sectionName = s[:dotIndex]
	optionPayload = s[dotIndex+1:]
	if !isToken(sectionName) {
		err = fmt.Errorf("malformed section name '%v'", sectionName)
	}

	return
}

func splitOption(s string) (optionName string, optionValues []string, err error) {
	assignmentIndex := strings.IndexAny(s, "=:")
	if 0 > assignmentIndex {
		err = fmt.Errorf("malformed option line '%v'", s)
		return
	}

	optionName = strings.Trim(s[:assignmentIndex], " \t")
	if !isToken(optionName) {
		err = fmt.Errorf("malformed option name '%v'", optionName)
		return
	}

	optionValues = strings.FieldsFunc(s[assignmentIndex+1:], func(r rune) bool {
		return (' ' == r) || ('\t' == r) || (',' == r)
	})

	return
}

// VerifyOptionIsMissing returns an error if [sectionName]optionName exists
func (confMap ConfMap) VerifyOptionIsMissing(sectionName string, optionName string) (err error) {
	section, ok := confMap[sectionName]
	if !ok {
		err = nil
		return
	}

	_, ok = section[optionName]
	if ok {
		err = fmt.Errorf("[%v]%v exists", sectionName, optionName)
	} else {
		err = nil
	}

	return
}

// FetchOptionValueStringSlice returns [sectionName]optionName's string values as a []string
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	optionValue = []string{}

	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok := section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	optionValue = option

	return
}

// FetchOptionValueString returns [sectionName]optionName's single string value
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	optionValueSlice, err := confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(optionValueSlice) {
		err = fmt.Errorf("[%v]%v must be single-valued", sectionName, optionName)
		return
	}

	optionValue = optionValueSlice[0]

	err = nil
	return
}

// FetchOptionValueBool returns [sectionName]optionName's single string value converted to a bool
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "yes", "on", "true":
		optionValue = true
	case "no", "off", "false":
		optionValue = false
	default:
		err = fmt.Errorf("[%v]%v %v is not a bool", sectionName, optionName, optionValueString)
	}

	return
}

// FetchOptionValueUint64 returns [sectionName]optionName's single string value converted to a uint64
func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseUint(optionValueString, 0, 64)
	if nil != err {
		err = fmt.Errorf("[%v]%v %v is not a uint64: %v", sectionName, optionName, optionValueString, err)
	}

	return
}

// FetchOptionValueByteSize returns [sectionName]optionName's single string value
// parsed as a byte count (e.g. "4096", "4KiB", "1 GB")
func (confMap ConfMap) FetchOptionValueByteSize(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = humanize.ParseBytes(optionValueString)
	if nil != err {
		err = fmt.Errorf("[%v]%v %v is not a byte size: %v", sectionName, optionName, optionValueString, err)
	}

	return
}

