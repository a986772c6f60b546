// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fsck

import (
	"fmt"

	"github.com/NVIDIA/objfs/allocator"
	"github.com/NVIDIA/objfs/layer"
	"github.com/NVIDIA/objfs/utils"
)

// Severity classifies an Issue.
type Severity int

const (
	SeverityWarning Severity = iota // Counted, never halts
	SeverityError                   // Counted, halts only with Options.HaltOnError
	SeverityFatal                   // Counted, always aborts the pass
)

// IssueKind identifies the check an Issue failed.
type IssueKind int

const (
	MisOrderedLayerFile IssueKind = iota
	OverlappingKeysInLayerFile
	MalformedLayerFile
	MissingAllocation
	ExtraAllocations
	AllocationMismatch
	MisalignedAllocation
	MalformedAllocation
	AllocatedBytesMismatch
	AllocationForNonexistentOwner
	LimitForNonExistentStore
	UnexpectedJournalFileOffset
	MissingObjectInfo
	ExtentReferencedTwice
	MissingStoreInfo
	MalformedStore
	MalformedVolumeDirectory
)

var issueKindStrings = map[IssueKind]string{
	MisOrderedLayerFile:           "MisOrderedLayerFile",
	OverlappingKeysInLayerFile:    "OverlappingKeysInLayerFile",
	MalformedLayerFile:            "MalformedLayerFile",
	MissingAllocation:             "MissingAllocation",
	ExtraAllocations:              "ExtraAllocations",
	AllocationMismatch:            "AllocationMismatch",
	MisalignedAllocation:          "MisalignedAllocation",
	MalformedAllocation:           "MalformedAllocation",
	AllocatedBytesMismatch:        "AllocatedBytesMismatch",
	AllocationForNonexistentOwner: "AllocationForNonexistentOwner",
	LimitForNonExistentStore:      "LimitForNonExistentStore",
	UnexpectedJournalFileOffset:   "UnexpectedJournalFileOffset",
	MissingObjectInfo:             "MissingObjectInfo",
	ExtentReferencedTwice:         "ExtentReferencedTwice",
	MissingStoreInfo:              "MissingStoreInfo",
	MalformedStore:                "MalformedStore",
	MalformedVolumeDirectory:      "MalformedVolumeDirectory",
}

func (severity Severity) String() string {
	switch severity {
	case SeverityWarning:
		return "Warning"
	case SeverityError:
		return "Error"
	case SeverityFatal:
		return "Fatal"
	default:
		return fmt.Sprintf("Severity(%d)", int(severity))
	}
}

func (kind IssueKind) String() string {
	kindString, ok := issueKindStrings[kind]
	if ok {
		return kindString
	}
	return fmt.Sprintf("IssueKind(%d)", int(kind))
}

// Issue is one problem found by a pass. Detail is one of the *Detail types
// below, chosen by Kind.
type Issue struct {
	Severity      Severity
	Kind          IssueKind
	StoreObjectID uint64 // Store (or allocator) the issue is attributed to
	ObjectID      uint64 // Object the issue is attributed to (0 if none)
	Detail        interface{}
}

func (issue *Issue) String() string {
	if nil == issue.Detail {
		return fmt.Sprintf("%v %v in %016X object %016X", issue.Severity, issue.Kind, issue.StoreObjectID, issue.ObjectID)
	}
	return fmt.Sprintf("%v %v in %016X object %016X: %v", issue.Severity, issue.Kind, issue.StoreObjectID, issue.ObjectID, issue.Detail)
}

// ItemPairDetail carries the adjacent LayerFile items failing
// MisOrderedLayerFile or OverlappingKeysInLayerFile.
type ItemPairDetail struct {
	Previous interface{}
	Current  interface{}
}

func (detail *ItemPairDetail) String() string {
	return fmt.Sprintf("previous %v current %v", detail.Previous, detail.Current)
}

// ErrorDetail carries the error explaining MalformedLayerFile,
// MissingStoreInfo, MalformedStore, or MalformedVolumeDirectory.
type ErrorDetail struct {
	Err error
}

func (detail *ErrorDetail) String() string {
	return detail.Err.Error()
}

// AllocationDetail carries the allocation of MissingAllocation,
// MisalignedAllocation, MalformedAllocation, or AllocationForNonexistentOwner.
type AllocationDetail struct {
	Item layer.Item[allocator.Key, allocator.Value]
}

func (detail *AllocationDetail) String() string {
	return fmt.Sprintf("%v %v", detail.Item.Key, detail.Item.Value)
}

// ExtraAllocationsDetail carries every allocation the allocator records that
// no scanned store references.
type ExtraAllocationsDetail struct {
	Items []layer.Item[allocator.Key, allocator.Value]
}

func (detail *ExtraAllocationsDetail) String() string {
	return fmt.Sprintf("%d allocations: %v", len(detail.Items), detail.Items)
}

// AllocationMismatchDetail carries the reconstructed (Expected) and recorded
// (Actual) forms of an allocation.
type AllocationMismatchDetail struct {
	Expected layer.Item[allocator.Key, allocator.Value]
	Actual   layer.Item[allocator.Key, allocator.Value]
}

func (detail *AllocationMismatchDetail) String() string {
	return fmt.Sprintf("expected %v %v actual %v %v", detail.Expected.Key, detail.Expected.Value, detail.Actual.Key, detail.Actual.Value)
}

// AllocatedBytesDetail carries the byte totals computed from the allocator's
// tree (Expected) and those the allocator records (Actual).
type AllocatedBytesDetail struct {
	ExpectedAllocatedBytes      uint64
	ActualAllocatedBytes        uint64
	ExpectedOwnerAllocatedBytes map[uint64]uint64
	ActualOwnerAllocatedBytes   map[uint64]uint64
}

func (detail *AllocatedBytesDetail) String() string {
	return fmt.Sprintf("expected %d bytes %v actual %d bytes %v", detail.ExpectedAllocatedBytes, detail.ExpectedOwnerAllocatedBytes, detail.ActualAllocatedBytes, detail.ActualOwnerAllocatedBytes)
}

// ByteLimitDetail carries the limit of LimitForNonExistentStore.
type ByteLimitDetail struct {
	OwnerObjectID uint64
	Limit         uint64
}

func (detail *ByteLimitDetail) String() string {
	return fmt.Sprintf("owner %016X limit %d", detail.OwnerObjectID, detail.Limit)
}

// JournalFileOffsetDetail carries the super-block entry of
// UnexpectedJournalFileOffset.
type JournalFileOffsetDetail struct {
	ObjectID uint64
	Offset   uint64
}

func (detail *JournalFileOffsetDetail) String() string {
	return fmt.Sprintf("%016X at offset %d", detail.ObjectID, detail.Offset)
}

// ExtentDetail carries the extent of ExtentReferencedTwice and the recorded
// allocation it overlaps.
type ExtentDetail struct {
	DeviceRange allocator.Range
	Previous    layer.Item[allocator.Key, allocator.Value]
}

func (detail *ExtentDetail) String() string {
	return fmt.Sprintf("%v already referenced by %v", detail.DeviceRange, detail.Previous.Value)
}

// ExtentItemDetail carries a store extent whose device range is empty or
// wraps (MalformedAllocation found while scanning).
type ExtentItemDetail struct {
	Start        uint64 // Object offset
	End          uint64
	DeviceOffset uint64
}

func (detail *ExtentItemDetail) String() string {
	return fmt.Sprintf("[%d,%d) at device offset %016X", detail.Start, detail.End, detail.DeviceOffset)
}

// ObjectDetail carries the object reference of MissingObjectInfo.
type ObjectDetail struct {
	ReferencedBy uint64 // Parent object ID, or 0 for a root
}

func (detail *ObjectDetail) String() string {
	if 0 == detail.ReferencedBy {
		return "root object"
	}
	return "child of " + utils.Uint64ToHexStr(detail.ReferencedBy)
}
