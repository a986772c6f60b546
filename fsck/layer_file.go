// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fsck

import (
	"github.com/NVIDIA/objfs/layer"
	"github.com/NVIDIA/objfs/logger"
)

func checkLayerFileContents[K layer.Key[K], V layer.Value[V]](fsck *Checker, l layer.Layer[K, V], storeObjectID uint64, layerFileObjectID uint64) (err error) {
	var (
		item     *layer.Item[K, V]
		iterator layer.Iterator[K, V]
		last     *layer.Item[K, V]
	)

	fsck.stats.LayerFilesChecked.Increment()

	iterator, err = l.Seek(layer.Unbounded[K]())
	if nil != err {
		err = fsck.reportFatal(MalformedLayerFile, storeObjectID, layerFileObjectID, &ErrorDetail{Err: err})
		return
	}

	for item = iterator.Get(); nil != item; item = iterator.Get() {
		if nil != last {
			if 0 <= last.Key.CmpUpperBound(item.Key) {
				err = fsck.reportFatal(MisOrderedLayerFile, storeObjectID, layerFileObjectID, &ItemPairDetail{Previous: *last, Current: *item})
				return
			}
			if last.Key.Overlaps(item.Key) {
				err = fsck.reportFatal(OverlappingKeysInLayerFile, storeObjectID, layerFileObjectID, &ItemPairDetail{Previous: *last, Current: *item})
				return
			}
		}

		itemCopy := *item
		last = &itemCopy

		fsck.stats.LayerItemsChecked.Increment()

		err = iterator.Advance()
		if nil != err {
			err = fsck.reportFatal(MalformedLayerFile, storeObjectID, layerFileObjectID, &ErrorDetail{Err: err})
			return
		}
	}

	logger.Tracef("LayerFile %016X of %016X is well ordered", layerFileObjectID, storeObjectID)

	return
}
