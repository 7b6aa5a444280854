package facet

import (
	"bytes"

	"github.com/RoaringBitmap/roaring/v2"
	bolt "go.etcd.io/bbolt"
)

// BoundKind tells how one edge of a range behaves.
type BoundKind uint8

const (
	Unbounded BoundKind = iota
	Included
	Excluded
)

// Bound is one edge of a range query over encoded bound bytes (EncodeF64
// output for the numeric index, Normalize output for the string index).
type Bound struct {
	Kind  BoundKind
	Value []byte
}

func IncludedBound(value []byte) Bound { return Bound{Kind: Included, Value: value} }
func ExcludedBound(value []byte) Bound { return Bound{Kind: Excluded, Value: value} }
func NoBound() Bound                   { return Bound{Kind: Unbounded} }

// contradicts reports a range that cannot contain any value.
func contradicts(left, right Bound) bool {
	if left.Kind == Unbounded || right.Kind == Unbounded {
		return false
	}
	c := bytes.Compare(left.Value, right.Value)
	if c > 0 {
		return true
	}
	return c == 0 && (left.Kind == Excluded || right.Kind == Excluded)
}

// admitsLeft reports whether value v satisfies the left edge.
func admitsLeft(left Bound, v []byte) bool {
	switch left.Kind {
	case Unbounded:
		return true
	case Included:
		return bytes.Compare(v, left.Value) >= 0
	default:
		return bytes.Compare(v, left.Value) > 0
	}
}

// admitsRight reports whether value v satisfies the right edge.
func admitsRight(right Bound, v []byte) bool {
	switch right.Kind {
	case Unbounded:
		return true
	case Included:
		return bytes.Compare(v, right.Value) <= 0
	default:
		return bytes.Compare(v, right.Value) < 0
	}
}

// rightCovers reports that every value strictly below nextBound satisfies
// the right edge, i.e. a group ending at nextBound fits inside it.
func rightCovers(right Bound, nextBound []byte) bool {
	if right.Kind == Unbounded {
		return true
	}
	return bytes.Compare(nextBound, right.Value) <= 0
}

// ScanRange walks the facet tree of fid in bucket and unions every document
// whose value falls within [left, right] into out. When universe is non-nil
// every group bitmap is intersected with it before the union, which both
// prunes work and keeps the result inside the universe.
func ScanRange(b *bolt.Bucket, fid uint16, left, right Bound, universe, out *roaring.Bitmap) error {
	if b == nil || contradicts(left, right) {
		return nil
	}
	top, ok := highestLevel(b, fid)
	if !ok {
		return nil
	}
	s := rangeScan{b: b, fid: fid, universe: universe, out: out}
	return s.run(top, left, right)
}

// highestLevel finds the highest populated level for fid by seeking just
// past the field's key space and stepping back one entry.
func highestLevel(b *bolt.Bucket, fid uint16) (uint8, bool) {
	c := b.Cursor()
	probe := GroupKey{FieldID: fid, Level: 0xff}.Encode(nil)
	k, _ := c.Seek(probe)
	if k == nil {
		k, _ = c.Last()
	} else {
		k, _ = c.Prev()
	}
	if k == nil {
		return 0, false
	}
	key, err := DecodeGroupKey(k)
	if err != nil || key.FieldID != fid {
		return 0, false
	}
	return key.Level, true
}

type rangeScan struct {
	b        *bolt.Bucket
	fid      uint16
	universe *roaring.Bitmap
	out      *roaring.Bitmap
}

func (s *rangeScan) accumulate(raw []byte) error {
	gv, err := DecodeGroupValue(raw)
	if err != nil {
		return err
	}
	bm := gv.Bitmap
	if s.universe != nil {
		bm.And(s.universe)
	}
	s.out.Or(bm)
	return nil
}

// run scans one level for the groups intersecting [left, right]. Fully
// contained groups contribute their bitmap wholesale; partially covered
// ones recurse into the level below with clamped bounds; at level 0 a
// group is a single value and is either in or out.
func (s *rangeScan) run(level uint8, left, right Bound) error {
	prefix := GroupKey{FieldID: s.fid, Level: level}.Encode(nil)
	c := s.b.Cursor()

	var k, v []byte
	if left.Kind == Unbounded {
		k, v = c.Seek(prefix)
	} else {
		seek := GroupKey{FieldID: s.fid, Level: level, Bound: left.Value}.Encode(nil)
		k, v = c.Seek(seek)
		if level > 0 && !bytes.Equal(k, seek) {
			// A group opening before the left edge can still span into the
			// range, so step back one entry when the seek was not exact.
			pk, pv := c.Prev()
			if pk != nil && bytes.HasPrefix(pk, prefix) {
				k, v = pk, pv
			} else {
				k, v = c.Seek(seek)
			}
		}
	}

	for k != nil && bytes.HasPrefix(k, prefix) {
		key, err := DecodeGroupKey(k)
		if err != nil {
			return err
		}
		curVal := v

		if level == 0 {
			if !admitsRight(right, key.Bound) {
				return nil
			}
			if admitsLeft(left, key.Bound) {
				if err := s.accumulate(curVal); err != nil {
					return err
				}
			}
			k, v = c.Next()
			continue
		}

		// Advance now so the next key tells us where this group ends.
		k, v = c.Next()
		var nextBound []byte
		if k != nil && bytes.HasPrefix(k, prefix) {
			nkey, err := DecodeGroupKey(k)
			if err != nil {
				return err
			}
			nextBound = nkey.Bound
		}

		// Group starts after the right edge: nothing further can match.
		if right.Kind != Unbounded && bytes.Compare(key.Bound, right.Value) > 0 {
			return nil
		}
		// Group ends at or before the left edge: skip it.
		if left.Kind != Unbounded && nextBound != nil && bytes.Compare(nextBound, left.Value) <= 0 {
			continue
		}

		if admitsLeft(left, key.Bound) && nextBound != nil && rightCovers(right, nextBound) {
			if err := s.accumulate(curVal); err != nil {
				return err
			}
			continue
		}

		// Partial overlap: clamp the bounds to the group span and descend.
		subLeft := left
		if admitsLeft(left, key.Bound) {
			subLeft = IncludedBound(key.Bound)
		}
		subRight := right
		if nextBound != nil && rightCovers(right, nextBound) {
			subRight = ExcludedBound(nextBound)
		}
		if err := s.run(level-1, subLeft, subRight); err != nil {
			return err
		}
	}
	return nil
}
