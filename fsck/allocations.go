// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fsck

import (
	"sort"

	"github.com/NVIDIA/objfs/allocator"
	"github.com/NVIDIA/objfs/layer"
	"github.com/NVIDIA/objfs/utils"
)

type allocationItem = layer.Item[allocator.Key, allocator.Value]

// verifyAllocations reconciles the allocator with the allocations
// reconstructed from the stores in scannedStores.
//
// Both sides are walked in ascending order, coalesced. The allocations of
// owners not in scannedStores are out of scope and only accounted.
//
func (fsck *Checker) verifyAllocations(scannedStores map[uint64]struct{}) (err error) {
	var (
		actual              *allocationItem
		actualIterator      layer.Iterator[allocator.Key, allocator.Value]
		allocatedBytes      uint64
		deviceRange         allocator.Range
		expected            *allocationItem
		expectedIterator    layer.Iterator[allocator.Key, allocator.Value]
		expectedRange       allocator.Range
		extraAllocations    []allocationItem
		ok                  bool
		owner               uint64
		ownerAllocatedBytes = make(map[uint64]uint64)
		rawIterator         layer.Iterator[allocator.Key, allocator.Value]
	)

	rawIterator, err = fsck.allocator.Iter(fsck.allocator.Tree().Merger(), layer.Unbounded[allocator.Key]())
	if nil != err {
		return
	}
	actualIterator, err = layer.NewCoalescingIterator(rawIterator)
	if nil != err {
		return
	}

	rawIterator, err = fsck.allocations.Seek(layer.Unbounded[allocator.Key]())
	if nil != err {
		return
	}
	expectedIterator, err = layer.NewCoalescingIterator(rawIterator)
	if nil != err {
		return
	}

	fsck.progressf("fsck: verifying allocations after %v", fsck.stopwatch.Elapsed())

	extraAllocations = make([]allocationItem, 0)

	expected = expectedIterator.Get()

	for actual = actualIterator.Get(); nil != actual; actual = actualIterator.Get() {
		deviceRange = actual.Key.DeviceRange
		owner = actual.Value.OwnerObjectID

		if (0 != (deviceRange.Start % fsck.blockSize)) || (0 != (deviceRange.End % fsck.blockSize)) {
			err = fsck.reportError(MisalignedAllocation, owner, 0, &AllocationDetail{Item: *actual})
			if nil != err {
				return
			}
		}
		if deviceRange.Start >= deviceRange.End {
			err = fsck.reportError(MalformedAllocation, owner, 0, &AllocationDetail{Item: *actual})
			if nil != err {
				return
			}
		}

		ownerAllocatedBytes[owner] += deviceRange.Length()
		allocatedBytes += deviceRange.Length()

		_, ok = scannedStores[owner]
		if !ok {
			_, ok = fsck.liveStores[owner]
			if !ok {
				err = fsck.reportError(AllocationForNonexistentOwner, owner, 0, &AllocationDetail{Item: *actual})
				if nil != err {
					return
				}
			}
			err = actualIterator.Advance()
			if nil != err {
				return
			}
			continue
		}

		// Retire expected allocations ending before this one; then match it
		for {
			if nil == expected {
				extraAllocations = append(extraAllocations, *actual)
				err = actualIterator.Advance()
				break
			}

			expectedRange = expected.Key.DeviceRange

			if deviceRange.End <= expectedRange.Start {
				extraAllocations = append(extraAllocations, *actual)
				err = actualIterator.Advance()
				break
			}

			if expectedRange.End <= deviceRange.Start {
				err = fsck.reportError(MissingAllocation, expected.Value.OwnerObjectID, 0, &AllocationDetail{Item: *expected})
				if nil != err {
					return
				}
				err = expectedIterator.Advance()
				if nil != err {
					return
				}
				expected = expectedIterator.Get()
				continue
			}

			if (0 != expected.Key.CmpUpperBound(actual.Key)) || !expected.Value.Equal(actual.Value) {
				err = fsck.reportError(AllocationMismatch, owner, 0, &AllocationMismatchDetail{Expected: *expected, Actual: *actual})
				if nil != err {
					return
				}
				err = actualIterator.Advance()
				break
			}

			err = actualIterator.Advance()
			if nil != err {
				return
			}
			err = expectedIterator.Advance()
			if nil != err {
				return
			}
			expected = expectedIterator.Get()
			break
		}
		if nil != err {
			return
		}
	}

	for ; nil != expected; expected = expectedIterator.Get() {
		err = fsck.reportError(MissingAllocation, expected.Value.OwnerObjectID, 0, &AllocationDetail{Item: *expected})
		if nil != err {
			return
		}
		err = expectedIterator.Advance()
		if nil != err {
			return
		}
	}

	if 0 < len(extraAllocations) {
		err = fsck.reportError(ExtraAllocations, fsck.allocator.ObjectID(), 0, &ExtraAllocationsDetail{Items: extraAllocations})
		if nil != err {
			return
		}
	}

	err = fsck.verifyAllocatedBytes(allocatedBytes, ownerAllocatedBytes)

	return
}

func (fsck *Checker) verifyAllocatedBytes(allocatedBytes uint64, ownerAllocatedBytes map[uint64]uint64) (err error) {
	var (
		actualAllocatedBytes      = fsck.allocator.GetAllocatedBytes()
		actualOwnerAllocatedBytes = fsck.allocator.GetOwnerAllocatedBytes()
		mismatch                  = (allocatedBytes != actualAllocatedBytes)
		owners                    []uint64
		ownerByteLimits           = fsck.allocator.OwnerByteLimits()
	)

	for owner, ownerBytes := range ownerAllocatedBytes {
		if actualOwnerAllocatedBytes[owner] != ownerBytes {
			mismatch = true
		}
	}
	for owner, ownerBytes := range actualOwnerAllocatedBytes {
		if ownerAllocatedBytes[owner] != ownerBytes {
			mismatch = true
		}
	}

	fsck.progressf("fsck: allocated bytes by owner %s", utils.JSONify(ownerAllocatedBytes, false))

	if mismatch {
		err = fsck.reportError(AllocatedBytesMismatch, fsck.allocator.ObjectID(), 0, &AllocatedBytesDetail{
			ExpectedAllocatedBytes:      allocatedBytes,
			ActualAllocatedBytes:        actualAllocatedBytes,
			ExpectedOwnerAllocatedBytes: ownerAllocatedBytes,
			ActualOwnerAllocatedBytes:   actualOwnerAllocatedBytes,
		})
		if nil != err {
			return
		}
	}

	owners = make([]uint64, 0, len(ownerByteLimits))
	for owner := range ownerByteLimits {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })

	for _, owner := range owners {
		if 0 == ownerAllocatedBytes[owner] {
			err = fsck.reportWarning(LimitForNonExistentStore, owner, 0, &ByteLimitDetail{OwnerObjectID: owner, Limit: ownerByteLimits[owner]})
			if nil != err {
				return
			}
		}
	}

	return
}
