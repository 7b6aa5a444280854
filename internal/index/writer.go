package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/tirithen/milli-core/internal/store"
	"github.com/tirithen/milli-core/pkg/facet"
	"github.com/tirithen/milli-core/pkg/filter"
	"github.com/tirithen/milli-core/pkg/geosearch"
)

// UpdateSettings loads the settings, applies fn, persists the result and
// rebuilds the derived relations.
func (i *Index) UpdateSettings(fn func(*Settings)) error {
	return i.store.Update(func(tx *bolt.Tx) error {
		s, err := i.settings(tx)
		if err != nil {
			return err
		}
		fn(&s)
		raw, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("index: encode settings: %w", err)
		}
		if err := store.Main(tx).Put(keySettings, raw); err != nil {
			return err
		}
		return i.rebuildFacets(tx)
	})
}

// AddDocuments appends documents, assigning dense ids in order, and
// rebuilds the facet relations. Document values are classified per field:
// strings and booleans into the string facet, numbers into the numeric
// facet, nulls / empties / presence into the flag sets, arrays element by
// element, nested objects flattened into dotted field names, and _geo
// objects into the geo point set plus the _geo.lat / _geo.lng numeric
// facets.
func (i *Index) AddDocuments(docs []map[string]any) ([]uint32, error) {
	var assigned []uint32
	err := i.store.Update(func(tx *bolt.Tx) error {
		docsBucket := store.Documents(tx)
		docids, err := bitmapAt(store.Main(tx), keyDocumentsIDs)
		if err != nil {
			return err
		}
		next := uint32(0)
		if !docids.IsEmpty() {
			next = docids.Maximum() + 1
		}

		for _, doc := range docs {
			raw, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("index: encode document: %w", err)
			}
			key := binary.BigEndian.AppendUint32(nil, next)
			if err := docsBucket.Put(key, raw); err != nil {
				return err
			}
			docids.Add(next)
			assigned = append(assigned, next)
			next++
		}

		if err := putBitmap(store.Main(tx), keyDocumentsIDs, docids); err != nil {
			return err
		}
		return i.rebuildFacets(tx)
	})
	if err != nil {
		return nil, err
	}
	logrus.WithField("documents", len(assigned)).Debug("index: documents added")
	return assigned, nil
}

// DeleteDocuments removes documents by id and rebuilds.
func (i *Index) DeleteDocuments(ids []uint32) error {
	return i.store.Update(func(tx *bolt.Tx) error {
		docsBucket := store.Documents(tx)
		docids, err := bitmapAt(store.Main(tx), keyDocumentsIDs)
		if err != nil {
			return err
		}
		for _, id := range ids {
			key := binary.BigEndian.AppendUint32(nil, id)
			if err := docsBucket.Delete(key); err != nil {
				return err
			}
			docids.Remove(id)
		}
		if err := putBitmap(store.Main(tx), keyDocumentsIDs, docids); err != nil {
			return err
		}
		return i.rebuildFacets(tx)
	})
}

// facetAccumulator gathers per-field leaf bitmaps and flag sets while the
// documents are walked.
type facetAccumulator struct {
	fields  map[string]uint16
	strings map[uint16]map[string]*roaring.Bitmap
	numbers map[uint16]map[float64]*roaring.Bitmap
	flags   map[string]*roaring.Bitmap // flagKey -> docids
	geo     []geosearch.Point
}

func newFacetAccumulator(fields map[string]uint16) *facetAccumulator {
	return &facetAccumulator{
		fields:  fields,
		strings: make(map[uint16]map[string]*roaring.Bitmap),
		numbers: make(map[uint16]map[float64]*roaring.Bitmap),
		flags:   make(map[string]*roaring.Bitmap),
	}
}

func (a *facetAccumulator) fieldID(name string) uint16 {
	if fid, ok := a.fields[name]; ok {
		return fid
	}
	fid := uint16(len(a.fields))
	a.fields[name] = fid
	return fid
}

func (a *facetAccumulator) flag(fid uint16, flag byte, docid uint32) {
	key := string(flagKey(fid, flag))
	bm, ok := a.flags[key]
	if !ok {
		bm = roaring.New()
		a.flags[key] = bm
	}
	bm.Add(docid)
}

func (a *facetAccumulator) addString(fid uint16, value string, docid uint32) {
	norm := facet.Normalize(value)
	byValue, ok := a.strings[fid]
	if !ok {
		byValue = make(map[string]*roaring.Bitmap)
		a.strings[fid] = byValue
	}
	bm, ok := byValue[norm]
	if !ok {
		bm = roaring.New()
		byValue[norm] = bm
	}
	bm.Add(docid)
}

func (a *facetAccumulator) addNumber(fid uint16, value float64, docid uint32) {
	byValue, ok := a.numbers[fid]
	if !ok {
		byValue = make(map[float64]*roaring.Bitmap)
		a.numbers[fid] = byValue
	}
	bm, ok := byValue[value]
	if !ok {
		bm = roaring.New()
		byValue[value] = bm
	}
	bm.Add(docid)
}

// walkField classifies one field value of one document.
func (a *facetAccumulator) walkField(name string, value any, docid uint32) {
	fid := a.fieldID(name)
	a.flag(fid, flagExists, docid)
	a.walkValue(name, fid, value, docid)
}

func (a *facetAccumulator) walkValue(name string, fid uint16, value any, docid uint32) {
	switch v := value.(type) {
	case nil:
		a.flag(fid, flagNull, docid)
	case string:
		if v == "" {
			a.flag(fid, flagEmpty, docid)
			return
		}
		a.addString(fid, v, docid)
	case bool:
		if v {
			a.addString(fid, "true", docid)
		} else {
			a.addString(fid, "false", docid)
		}
	case float64:
		a.addNumber(fid, v, docid)
	case int:
		a.addNumber(fid, float64(v), docid)
	case int64:
		a.addNumber(fid, float64(v), docid)
	case []any:
		if len(v) == 0 {
			a.flag(fid, flagEmpty, docid)
			return
		}
		for _, el := range v {
			a.walkValue(name, fid, el, docid)
		}
	case map[string]any:
		if name == filter.ReservedGeoField {
			lat, okLat := asFloat(v["lat"])
			lng, okLng := asFloat(v["lng"])
			if okLat && okLng {
				a.geo = append(a.geo, geosearch.Point{DocID: docid, Lat: lat, Lng: lng})
				a.walkField(filter.GeoLatField, lat, docid)
				a.walkField(filter.GeoLngField, lng, docid)
				return
			}
		}
		if len(v) == 0 {
			a.flag(fid, flagEmpty, docid)
			return
		}
		for key, sub := range v {
			a.walkField(name+"."+key, sub, docid)
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// rebuildFacets recomputes every derived relation from the stored
// documents. The bootstrap writer favours obvious correctness over
// incrementality; the streaming extractors own the incremental path.
func (i *Index) rebuildFacets(tx *bolt.Tx) error {
	fields, err := i.fieldsIDsMap(tx)
	if err != nil {
		return err
	}
	acc := newFacetAccumulator(fields)

	c := store.Documents(tx).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		docid := binary.BigEndian.Uint32(k)
		var doc map[string]any
		if err := json.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("index: decode document %d: %w", docid, err)
		}
		for name, value := range doc {
			acc.walkField(name, value, docid)
		}
	}

	// Persist the (possibly grown) fields map.
	rawFields, err := json.Marshal(acc.fields)
	if err != nil {
		return err
	}
	if err := store.Main(tx).Put(keyFieldsIDsMap, rawFields); err != nil {
		return err
	}

	// Flag sets.
	if err := clearBucket(tx, store.BucketFieldFlags); err != nil {
		return err
	}
	flagBucket := store.FieldFlags(tx)
	for key, bm := range acc.flags {
		if err := putBitmap(flagBucket, []byte(key), bm); err != nil {
			return err
		}
	}

	// Geo points.
	if len(acc.geo) > 0 {
		sort.Slice(acc.geo, func(a, b int) bool { return acc.geo[a].DocID < acc.geo[b].DocID })
		if err := store.Main(tx).Put(keyGeoPoints, encodeGeoPoints(acc.geo)); err != nil {
			return err
		}
	} else if err := store.Main(tx).Delete(keyGeoPoints); err != nil {
		return err
	}

	// Facet trees.
	if err := clearBucket(tx, store.BucketFacetString); err != nil {
		return err
	}
	if err := clearBucket(tx, store.BucketFacetF64); err != nil {
		return err
	}
	if err := writeStringFacets(store.FacetString(tx), acc.strings); err != nil {
		return err
	}
	return writeNumberFacets(store.FacetF64(tx), acc.numbers)
}

func writeStringFacets(b *bolt.Bucket, byField map[uint16]map[string]*roaring.Bitmap) error {
	for fid, byValue := range byField {
		leaves := make([]facet.Leaf, 0, len(byValue))
		for value, bm := range byValue {
			leaves = append(leaves, facet.Leaf{Bound: []byte(value), Bitmap: bm})
		}
		if err := facet.BulkWrite(b, fid, leaves); err != nil {
			return err
		}
	}
	return nil
}

func writeNumberFacets(b *bolt.Bucket, byField map[uint16]map[float64]*roaring.Bitmap) error {
	for fid, byValue := range byField {
		leaves := make([]facet.Leaf, 0, len(byValue))
		for value, bm := range byValue {
			leaves = append(leaves, facet.Leaf{Bound: facet.EncodeF64(value, nil), Bitmap: bm})
		}
		if err := facet.BulkWrite(b, fid, leaves); err != nil {
			return err
		}
	}
	return nil
}

func clearBucket(tx *bolt.Tx, name []byte) error {
	if err := tx.DeleteBucket(name); err != nil {
		return err
	}
	_, err := tx.CreateBucket(name)
	return err
}

func putBitmap(b *bolt.Bucket, key []byte, bm *roaring.Bitmap) error {
	raw, err := bm.ToBytes()
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}
