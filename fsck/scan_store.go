// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fsck

import (
	"math"

	"github.com/NVIDIA/objfs/allocator"
	"github.com/NVIDIA/objfs/layer"
	"github.com/NVIDIA/objfs/objstore"
)

// DefaultScanner walks a store's tree depth first from each root, visiting
// each object once. Every object visited must have an object record. Its
// extents are added to the pass and its children visited in turn.
type DefaultScanner struct{}

type scanReferenceStruct struct {
	objectID     uint64
	referencedBy uint64
}

func (scanner *DefaultScanner) ScanStore(fsck *Checker, store *objstore.ObjectStore, roots []uint64) (err error) {
	var (
		item          *layer.Item[objstore.ObjectKey, objstore.ObjectValue]
		iterator      layer.Iterator[objstore.ObjectKey, objstore.ObjectValue]
		merger        *layer.Merger[objstore.ObjectKey, objstore.ObjectValue]
		ok            bool
		reference     scanReferenceStruct
		stack         []scanReferenceStruct
		storeObjectID = store.StoreObjectID()
		tree          *layer.LayerSet[objstore.ObjectKey, objstore.ObjectValue]
		visited       = make(map[uint64]struct{})
	)

	tree, err = store.Tree()
	if nil != err {
		return
	}

	merger = tree.Merger()

	stack = make([]scanReferenceStruct, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, scanReferenceStruct{objectID: roots[i], referencedBy: 0})
	}

	for 0 < len(stack) {
		reference = stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		_, ok = visited[reference.objectID]
		if ok {
			continue
		}
		visited[reference.objectID] = struct{}{}

		iterator, err = merger.Seek(layer.Included(objstore.ObjectRecordKey(reference.objectID)))
		if nil != err {
			return
		}

		item = iterator.Get()
		if (nil == item) || (0 != item.Key.CmpUpperBound(objstore.ObjectRecordKey(reference.objectID))) || (objstore.ObjectValueKindObject != item.Value.Kind) {
			err = fsck.reportError(MissingObjectInfo, storeObjectID, reference.objectID, &ObjectDetail{ReferencedBy: reference.referencedBy})
			if nil != err {
				return
			}
			continue
		}

		fsck.stats.ObjectsScanned.Increment()

		children := make([]uint64, 0)

		err = iterator.Advance()
		if nil != err {
			return
		}

		for item = iterator.Get(); (nil != item) && (reference.objectID == item.Key.ObjectID); item = iterator.Get() {
			switch {
			case objstore.ObjectValueKindNone == item.Value.Kind:
				// Deleted
			case (objstore.ObjectAttributeData == item.Key.Attribute) && (objstore.ObjectValueKindExtent == item.Value.Kind):
				if (item.Key.Start >= item.Key.End) || ((item.Key.End - item.Key.Start) > (math.MaxUint64 - item.Value.Ref)) {
					err = fsck.reportError(MalformedAllocation, storeObjectID, reference.objectID, &ExtentItemDetail{Start: item.Key.Start, End: item.Key.End, DeviceOffset: item.Value.Ref})
				} else {
					err = fsck.AddAllocation(storeObjectID, reference.objectID, allocator.Range{
						Start: item.Value.Ref,
						End:   item.Value.Ref + (item.Key.End - item.Key.Start),
					})
				}
				if nil != err {
					return
				}
			case (objstore.ObjectAttributeChild == item.Key.Attribute) && (objstore.ObjectValueKindChild == item.Value.Kind):
				children = append(children, item.Value.Ref)
			}

			err = iterator.Advance()
			if nil != err {
				return
			}
		}

		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, scanReferenceStruct{objectID: children[i], referencedBy: reference.objectID})
		}
	}

	return
}
