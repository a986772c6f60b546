// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package codec encodes the self-describing metadata records of objfs (the
// super-block, StoreInfo, allocator info, volume directory) as CBOR.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2) so the same record
// always produces identical bytes. Decoding rejects trailing garbage and
// duplicate map keys so a damaged record is reported rather than half-read.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if nil != err {
		panic(fmt.Sprintf("codec: CBOR encoder initialization failed: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 16,
	}.DecMode()
	if nil != err {
		panic(fmt.Sprintf("codec: CBOR decoder initialization failed: %v", err))
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes exactly one CBOR data item into v.
func Unmarshal(data []byte, v interface{}) (err error) {
	var rest []byte

	rest, err = decMode.UnmarshalFirst(data, v)
	if nil != err {
		return
	}
	if 0 != len(rest) {
		err = fmt.Errorf("codec: %d trailing bytes after CBOR data item", len(rest))
	}

	return
}
