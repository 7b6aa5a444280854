package deladd

import (
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// Bitmap payloads are stored "condensed": a plain little-endian u32 list
// while the set is tiny, a portable roaring serialization once it grows.
// A single doc id emitted by the extractors is therefore already a valid
// one-element payload, and merging never needs a special case.
const condensedThreshold = 7

// EncodeBitmap appends the condensed encoding of bm to dst.
func EncodeBitmap(bm *roaring.Bitmap, dst []byte) ([]byte, error) {
	if bm.GetCardinality() <= condensedThreshold {
		it := bm.Iterator()
		for it.HasNext() {
			dst = binary.LittleEndian.AppendUint32(dst, it.Next())
		}
		return dst, nil
	}
	raw, err := bm.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("deladd: encode bitmap: %w", err)
	}
	return append(dst, raw...), nil
}

// DecodeBitmap parses a condensed bitmap payload.
func DecodeBitmap(data []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if len(data) <= condensedThreshold*4 {
		if len(data)%4 != 0 {
			return nil, fmt.Errorf("deladd: condensed bitmap length %d not a multiple of 4", len(data))
		}
		for len(data) > 0 {
			bm.Add(binary.LittleEndian.Uint32(data[:4]))
			data = data[4:]
		}
		return bm, nil
	}
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("deladd: decode bitmap: %w", err)
	}
	return bm, nil
}

// DocIDBytes encodes a single doc id as a one-element condensed payload.
func DocIDBytes(docID uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, docID)
}

// MergeBitmaps is the sorter value-merge operator for Del/Add bitmap
// records: the deletion payloads of all records union into one bitmap,
// likewise the additions, and the combined envelope is re-encoded. A side
// is present in the output when any input carried it.
func MergeBitmaps(values [][]byte) ([]byte, error) {
	if len(values) == 1 {
		return values[0], nil
	}
	var delBm, addBm *roaring.Bitmap
	for _, raw := range values {
		v, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		if v.Del != nil {
			bm, err := DecodeBitmap(v.Del)
			if err != nil {
				return nil, err
			}
			if delBm == nil {
				delBm = bm
			} else {
				delBm.Or(bm)
			}
		}
		if v.Add != nil {
			bm, err := DecodeBitmap(v.Add)
			if err != nil {
				return nil, err
			}
			if addBm == nil {
				addBm = bm
			} else {
				addBm.Or(bm)
			}
		}
	}

	var out Value
	var err error
	if delBm != nil {
		out.Del, err = EncodeBitmap(delBm, nil)
		if err != nil {
			return nil, err
		}
	}
	if addBm != nil {
		out.Add, err = EncodeBitmap(addBm, nil)
		if err != nil {
			return nil, err
		}
	}
	return out.Encode(nil), nil
}
