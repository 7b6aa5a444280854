package facet

import (
	"bytes"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	bolt "go.etcd.io/bbolt"
)

// GroupSize is how many groups of one level fold into a group of the next.
const GroupSize = 4

// MaxLevel caps the height of the facet tree.
const MaxLevel = 7

// Leaf is one level-0 entry handed to BulkWrite: an encoded bound and the
// exact document set for that value.
type Leaf struct {
	Bound  []byte
	Bitmap *roaring.Bitmap
}

type group struct {
	bound  []byte
	bitmap *roaring.Bitmap
	size   uint8
}

// BulkWrite writes the sorted level-0 leaves of one field and folds them
// upward in runs of GroupSize until a level fits in a single fold or
// MaxLevel is reached. Existing entries for the field are assumed cleared.
func BulkWrite(b *bolt.Bucket, fid uint16, leaves []Leaf) error {
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i].Bound, leaves[j].Bound) < 0
	})

	current := make([]group, len(leaves))
	for i, l := range leaves {
		current[i] = group{bound: l.Bound, bitmap: l.Bitmap, size: 1}
	}

	for level := uint8(0); ; level++ {
		for _, g := range current {
			key := GroupKey{FieldID: fid, Level: level, Bound: g.bound}.Encode(nil)
			value, err := GroupValue{Size: g.size, Bitmap: g.bitmap}.Encode(nil)
			if err != nil {
				return err
			}
			if err := b.Put(key, value); err != nil {
				return err
			}
		}
		if len(current) <= GroupSize || level >= MaxLevel {
			return nil
		}
		current = foldLevel(current)
	}
}

func foldLevel(groups []group) []group {
	folded := make([]group, 0, (len(groups)+GroupSize-1)/GroupSize)
	for start := 0; start < len(groups); start += GroupSize {
		end := start + GroupSize
		if end > len(groups) {
			end = len(groups)
		}
		union := roaring.New()
		for _, g := range groups[start:end] {
			union.Or(g.bitmap)
		}
		folded = append(folded, group{
			bound:  groups[start].bound,
			bitmap: union,
			size:   uint8(end - start),
		})
	}
	return folded
}
