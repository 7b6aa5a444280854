// Package extract turns per-document tokenized positions into the inverted
// outputs: word docids, exact word docids, word-fid docids and word-pair
// proximity docids. One pass over the del/add position stream produces both
// the insertion and the deletion side of every output.
package extract

import (
	"encoding/binary"
	"fmt"
)

// The extractors consume a key-sorted stream of records keyed by
// (docid BE u32, fid BE u16); values are Del/Add envelopes whose payloads
// are packed (position, word) lists.

const positionsKeyLen = 4 + 2

// PositionsKey encodes the stream key for one (document, field) pair.
func PositionsKey(docid uint32, fid uint16) []byte {
	key := binary.BigEndian.AppendUint32(nil, docid)
	return binary.BigEndian.AppendUint16(key, fid)
}

// SplitPositionsKey decodes a stream key.
func SplitPositionsKey(key []byte) (docid uint32, fid uint16, err error) {
	if len(key) != positionsKeyLen {
		return 0, 0, fmt.Errorf("extract: bad positions key length %d", len(key))
	}
	return binary.BigEndian.Uint32(key[:4]), binary.BigEndian.Uint16(key[4:]), nil
}

// AppendWordPosition appends one (position, word) entry to a packed list:
// position BE u16, word length BE u16, word bytes.
func AppendWordPosition(dst []byte, position uint16, word []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, position)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(word)))
	return append(dst, word...)
}

// WordPositionIter walks a packed (position, word) list in input order.
type WordPositionIter struct {
	data     []byte
	position uint16
	word     []byte
	err      error
}

// IterWordPositions starts an iteration over data.
func IterWordPositions(data []byte) *WordPositionIter {
	return &WordPositionIter{data: data}
}

// Next advances to the next entry.
func (it *WordPositionIter) Next() bool {
	if it.err != nil || len(it.data) == 0 {
		return false
	}
	if len(it.data) < 4 {
		it.err = fmt.Errorf("extract: truncated word position entry")
		return false
	}
	it.position = binary.BigEndian.Uint16(it.data[:2])
	n := int(binary.BigEndian.Uint16(it.data[2:4]))
	it.data = it.data[4:]
	if len(it.data) < n {
		it.err = fmt.Errorf("extract: truncated word in position entry")
		return false
	}
	it.word = it.data[:n]
	it.data = it.data[n:]
	return true
}

// Position returns the current token position.
func (it *WordPositionIter) Position() uint16 { return it.position }

// Word returns the current word bytes; valid until the next call to Next.
func (it *WordPositionIter) Word() []byte { return it.word }

// Err reports a malformed list.
func (it *WordPositionIter) Err() error { return it.err }
