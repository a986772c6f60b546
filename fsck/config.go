// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fsck

import (
	"github.com/NVIDIA/objfs/conf"
)

// FetchOptions returns DefaultOptions() as modified by the optional
// [FSCK]FailOnWarning, HaltOnError, DoSlowPasses, and Verbose booleans.
func FetchOptions(confMap conf.ConfMap) (options *Options, err error) {
	options = DefaultOptions()

	for _, option := range []struct {
		name  string
		value *bool
	}{
		{"FailOnWarning", &options.FailOnWarning},
		{"HaltOnError", &options.HaltOnError},
		{"DoSlowPasses", &options.DoSlowPasses},
		{"Verbose", &options.Verbose},
	} {
		if nil == confMap.VerifyOptionIsMissing("FSCK", option.name) {
			continue
		}
		*option.value, err = confMap.FetchOptionValueBool("FSCK", option.name)
		if nil != err {
			return
		}
	}

	err = nil
	return
}
