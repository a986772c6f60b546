// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"fmt"

	"github.com/NVIDIA/objfs/conf"
)

const (
	DefaultBlockSize  uint64 = 4096
	DefaultBlockCount uint64 = 1 << 18
)

// FetchFormatOptions returns the FormatOptions described by the [Device]
// section of confMap. BlockSize (a byte size such as 4KiB) and BlockCount are
// optional.
func FetchFormatOptions(confMap conf.ConfMap) (formatOptions *FormatOptions, err error) {
	formatOptions = &FormatOptions{
		BlockSize:  DefaultBlockSize,
		BlockCount: DefaultBlockCount,
	}

	if nil != confMap.VerifyOptionIsMissing("Device", "BlockSize") {
		formatOptions.BlockSize, err = confMap.FetchOptionValueByteSize("Device", "BlockSize")
		if nil != err {
			return
		}
	}

	if nil != confMap.VerifyOptionIsMissing("Device", "BlockCount") {
		formatOptions.BlockCount, err = confMap.FetchOptionValueUint64("Device", "BlockCount")
		if nil != err {
			return
		}
	}

	if (0 == formatOptions.BlockSize) || (0 != (formatOptions.BlockSize & (formatOptions.BlockSize - 1))) {
		err = fmt.Errorf("[Device]BlockSize (%d) must be a power of 2", formatOptions.BlockSize)
		return
	}
	if 2 > formatOptions.BlockCount {
		err = fmt.Errorf("[Device]BlockCount (%d) must be at least 2", formatOptions.BlockCount)
		return
	}

	err = nil
	return
}
