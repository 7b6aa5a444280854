// Package deladd carries the deletion and/or addition side of an update
// through the sort/merge pipeline as a single tagged record, so one sort
// pass produces both insertions and deletions.
package deladd

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Side tags one half of a Value.
type Side uint8

const (
	Deletion Side = 0
	Addition Side = 1
)

var ErrTruncated = errors.New("deladd: truncated record")

// Value is a Del/Add envelope. At least one side must be present for the
// record to be meaningful; Encode elides nothing by itself, callers use
// IsNoop before write-out.
type Value struct {
	Del []byte // nil when the deletion side is absent
	Add []byte // nil when the addition side is absent
}

// Encode serializes v as a sequence of (side u8, len u32 BE, payload)
// entries, deletion first. A nil side is skipped; an empty non-nil side is
// kept, so presence survives a round trip.
func (v Value) Encode(dst []byte) []byte {
	if v.Del != nil {
		dst = appendEntry(dst, Deletion, v.Del)
	}
	if v.Add != nil {
		dst = appendEntry(dst, Addition, v.Add)
	}
	return dst
}

func appendEntry(dst []byte, side Side, payload []byte) []byte {
	dst = append(dst, byte(side))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Decode parses an encoded envelope. The returned slices alias data.
func Decode(data []byte) (Value, error) {
	var v Value
	for len(data) > 0 {
		if len(data) < 5 {
			return Value{}, ErrTruncated
		}
		side := Side(data[0])
		n := binary.BigEndian.Uint32(data[1:5])
		data = data[5:]
		if uint32(len(data)) < n {
			return Value{}, ErrTruncated
		}
		payload := data[:n]
		data = data[n:]
		switch side {
		case Deletion:
			v.Del = payload
		case Addition:
			v.Add = payload
		default:
			return Value{}, ErrTruncated
		}
	}
	return v, nil
}

// IsNoop reports whether applying the record changes nothing: both sides
// absent, or both present and byte-identical (delete == add).
func (v Value) IsNoop() bool {
	if v.Del == nil && v.Add == nil {
		return true
	}
	return v.Del != nil && v.Add != nil && bytes.Equal(v.Del, v.Add)
}

// IsNoopRecord is IsNoop over the encoded form.
func IsNoopRecord(data []byte) bool {
	v, err := Decode(data)
	if err != nil {
		return false
	}
	return v.IsNoop()
}
