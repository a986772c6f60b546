// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/objfs/blunder"
	"github.com/NVIDIA/objfs/layer"
)

type objectKeyV1Struct struct {
	ObjectID  uint64
	Attribute uint8
	Start     uint64
	End       uint64
}

type objectValueV1Struct struct {
	Kind uint8
	Ref  uint64
}

type objectCodecStruct struct{}

// ObjectCodec is the layer.Codec used for every store LayerFile.
var ObjectCodec = &objectCodecStruct{}

func (codec *objectCodecStruct) PackKey(key ObjectKey) (packedKey []byte, err error) {
	packedKey, err = cstruct.Pack(objectKeyV1Struct{
		ObjectID:  key.ObjectID,
		Attribute: uint8(key.Attribute),
		Start:     key.Start,
		End:       key.End,
	}, cstruct.LittleEndian)
	return
}

func (codec *objectCodecStruct) UnpackKey(buf []byte) (key ObjectKey, bytesConsumed uint64, err error) {
	var (
		keyV1 objectKeyV1Struct
	)

	bytesConsumed, err = cstruct.Unpack(buf, &keyV1, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.UnpackError)
		return
	}
	if uint8(ObjectAttributeChild) < keyV1.Attribute {
		err = blunder.NewError(blunder.UnpackError, "unknown ObjectAttribute %d", keyV1.Attribute)
		return
	}

	key = ObjectKey{
		ObjectID:  keyV1.ObjectID,
		Attribute: ObjectAttribute(keyV1.Attribute),
		Start:     keyV1.Start,
		End:       keyV1.End,
	}

	return
}

func (codec *objectCodecStruct) PackValue(value ObjectValue) (packedValue []byte, err error) {
	packedValue, err = cstruct.Pack(objectValueV1Struct{Kind: uint8(value.Kind), Ref: value.Ref}, cstruct.LittleEndian)
	return
}

func (codec *objectCodecStruct) UnpackValue(buf []byte) (value ObjectValue, bytesConsumed uint64, err error) {
	var (
		valueV1 objectValueV1Struct
	)

	bytesConsumed, err = cstruct.Unpack(buf, &valueV1, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.UnpackError)
		return
	}
	if uint8(ObjectValueKindChild) < valueV1.Kind {
		err = blunder.NewError(blunder.UnpackError, "unknown ObjectValueKind %d", valueV1.Kind)
		return
	}

	value = ObjectValue{Kind: ObjectValueKind(valueV1.Kind), Ref: valueV1.Ref}

	return
}

func objectItemsFromLayer(items []layer.Item[ObjectKey, ObjectValue]) (objectItems []ObjectItem) {
	objectItems = make([]ObjectItem, 0, len(items))
	for _, item := range items {
		objectItems = append(objectItems, ObjectItem{
			ObjectID:  item.Key.ObjectID,
			Attribute: item.Key.Attribute,
			Start:     item.Key.Start,
			End:       item.Key.End,
			Kind:      item.Value.Kind,
			Ref:       item.Value.Ref,
		})
	}
	return
}

func (objectItem *ObjectItem) layerItem() layer.Item[ObjectKey, ObjectValue] {
	return layer.Item[ObjectKey, ObjectValue]{
		Key: ObjectKey{
			ObjectID:  objectItem.ObjectID,
			Attribute: objectItem.Attribute,
			Start:     objectItem.Start,
			End:       objectItem.End,
		},
		Value: ObjectValue{
			Kind: objectItem.Kind,
			Ref:  objectItem.Ref,
		},
	}
}
