// Package facet defines the on-disk layout of the facet indexes and the
// multi-level range scanner that reads them.
//
// Both the numeric and the string facet index share one key shape,
// (field id, level, left bound), kept in separate buckets. Level 0 holds
// one group per distinct value; each higher level groups consecutive runs
// of the level below so a range query can union whole subtrees at once.
package facet

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
)

// GroupKey addresses one facet group. Keys order by (FieldID, Level, Bound)
// and the Bound bytes are chosen so that plain byte comparison matches the
// value order (see EncodeF64).
type GroupKey struct {
	FieldID uint16
	Level   uint8
	Bound   []byte
}

// Encode appends the key encoding to dst.
func (k GroupKey) Encode(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, k.FieldID)
	dst = append(dst, k.Level)
	return append(dst, k.Bound...)
}

// DecodeGroupKey parses an encoded key. Bound aliases data.
func DecodeGroupKey(data []byte) (GroupKey, error) {
	if len(data) < 3 {
		return GroupKey{}, fmt.Errorf("facet: group key too short: %d bytes", len(data))
	}
	return GroupKey{
		FieldID: binary.BigEndian.Uint16(data[:2]),
		Level:   data[2],
		Bound:   data[3:],
	}, nil
}

// GroupValue is the payload of a facet group: how many lower-level groups
// it spans and the union of their document ids. At level 0 Size is always 1
// and the bitmap is the exact document set for the bound value.
type GroupValue struct {
	Size   uint8
	Bitmap *roaring.Bitmap
}

// Encode appends the value encoding to dst.
func (v GroupValue) Encode(dst []byte) ([]byte, error) {
	dst = append(dst, v.Size)
	raw, err := v.Bitmap.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("facet: encode group value: %w", err)
	}
	return append(dst, raw...), nil
}

// DecodeGroupValue parses an encoded group value.
func DecodeGroupValue(data []byte) (GroupValue, error) {
	if len(data) < 1 {
		return GroupValue{}, fmt.Errorf("facet: empty group value")
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(data[1:]); err != nil {
		return GroupValue{}, fmt.Errorf("facet: decode group value: %w", err)
	}
	return GroupValue{Size: data[0], Bitmap: bm}, nil
}

// EncodeF64 appends the order-preserving 8-byte encoding of f: the IEEE 754
// bits with the sign bit flipped for positives and all bits flipped for
// negatives, so bytes.Compare agrees with numeric order over finite floats.
func EncodeF64(f float64, dst []byte) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return binary.BigEndian.AppendUint64(dst, bits)
}

// DecodeF64 reverses EncodeF64.
func DecodeF64(data []byte) float64 {
	bits := binary.BigEndian.Uint64(data)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// Normalize folds a facet string the same way at indexing and at filter
// evaluation time: lower-cased, whitespace collapsed to single spaces,
// leading and trailing whitespace dropped.
func Normalize(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return strings.Join(fields, " ")
}
