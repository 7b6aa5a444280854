// Package index ties the persisted relations together behind one handle:
// the fields-ids map, the filterable-attribute rules, the facet trees, the
// per-field document sets and the geo point tree. The read side implements
// the evaluator's Index contract; the write side is a bootstrap writer used
// to populate indexes for the read path and the test suite.
package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/tirithen/milli-core/internal/store"
	"github.com/tirithen/milli-core/pkg/filter"
	"github.com/tirithen/milli-core/pkg/geosearch"
)

// ProximityPrecision selects how word-pair proximities are indexed.
type ProximityPrecision string

const (
	ByWord      ProximityPrecision = "byWord"
	ByAttribute ProximityPrecision = "byAttribute"
)

// Settings is the persisted index configuration the core consumes.
type Settings struct {
	FilterableAttributes []filter.AttributeRule `json:"filterableAttributes"`
	ExactAttributes      []string               `json:"exactAttributes"`
	DisabledTyposTerms   []string               `json:"disabledTyposTerms"`
	ProximityPrecision   ProximityPrecision     `json:"proximityPrecision"`
}

func defaultSettings() Settings {
	return Settings{ProximityPrecision: ByWord}
}

// Keys inside the main bucket.
var (
	keySettings     = []byte("settings")
	keyFieldsIDsMap = []byte("fields-ids-map")
	keyDocumentsIDs = []byte("documents-ids")
	keyGeoPoints    = []byte("geo-points")
)

// Flag bytes appended to the field id in the field-flag bucket.
const (
	flagNull   = byte(0)
	flagEmpty  = byte(1)
	flagExists = byte(2)
)

// Index is the handle over one search index.
type Index struct {
	store *store.Store
}

// Open creates or opens the index at path.
func Open(path string) (*Index, error) {
	s, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	return &Index{store: s}, nil
}

// Close releases the underlying store.
func (i *Index) Close() error { return i.store.Close() }

// ReadTxn opens the snapshot read transaction an evaluation runs under.
// The caller must Rollback it.
func (i *Index) ReadTxn() (*bolt.Tx, error) { return i.store.Begin() }

// View runs fn in a short-lived read transaction.
func (i *Index) View(fn func(tx *bolt.Tx) error) error { return i.store.View(fn) }

func (i *Index) settings(tx *bolt.Tx) (Settings, error) {
	raw := store.Main(tx).Get(keySettings)
	if raw == nil {
		return defaultSettings(), nil
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("index: decode settings: %w", err)
	}
	if s.ProximityPrecision == "" {
		s.ProximityPrecision = ByWord
	}
	return s, nil
}

// Settings returns the current persisted settings.
func (i *Index) Settings(tx *bolt.Tx) (Settings, error) { return i.settings(tx) }

func (i *Index) fieldsIDsMap(tx *bolt.Tx) (map[string]uint16, error) {
	raw := store.Main(tx).Get(keyFieldsIDsMap)
	if raw == nil {
		return map[string]uint16{}, nil
	}
	var m map[string]uint16
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("index: decode fields ids map: %w", err)
	}
	return m, nil
}

// FieldID resolves an attribute name to its field id.
func (i *Index) FieldID(tx *bolt.Tx, name string) (uint16, bool, error) {
	m, err := i.fieldsIDsMap(tx)
	if err != nil {
		return 0, false, err
	}
	fid, ok := m[name]
	return fid, ok, nil
}

// FilterableRules returns the ordered filterable-attribute rules.
func (i *Index) FilterableRules(tx *bolt.Tx) ([]filter.AttributeRule, error) {
	s, err := i.settings(tx)
	if err != nil {
		return nil, err
	}
	return s.FilterableAttributes, nil
}

// DocumentsIDs returns the bitmap of all live document ids.
func (i *Index) DocumentsIDs(tx *bolt.Tx) (*roaring.Bitmap, error) {
	return bitmapAt(store.Main(tx), keyDocumentsIDs)
}

// FacetF64Bucket exposes the numeric facet tree.
func (i *Index) FacetF64Bucket(tx *bolt.Tx) *bolt.Bucket { return store.FacetF64(tx) }

// FacetStringBucket exposes the string facet tree.
func (i *Index) FacetStringBucket(tx *bolt.Tx) *bolt.Bucket { return store.FacetString(tx) }

func (i *Index) flaggedDocumentsIDs(tx *bolt.Tx, fid uint16, flag byte) (*roaring.Bitmap, error) {
	return bitmapAt(store.FieldFlags(tx), flagKey(fid, flag))
}

// NullFacetedDocumentsIDs returns the documents whose field value is null.
func (i *Index) NullFacetedDocumentsIDs(tx *bolt.Tx, fid uint16) (*roaring.Bitmap, error) {
	return i.flaggedDocumentsIDs(tx, fid, flagNull)
}

// EmptyFacetedDocumentsIDs returns the documents whose field value is
// empty.
func (i *Index) EmptyFacetedDocumentsIDs(tx *bolt.Tx, fid uint16) (*roaring.Bitmap, error) {
	return i.flaggedDocumentsIDs(tx, fid, flagEmpty)
}

// ExistsFacetedDocumentsIDs returns the documents where the field is
// present at all.
func (i *Index) ExistsFacetedDocumentsIDs(tx *bolt.Tx, fid uint16) (*roaring.Bitmap, error) {
	return i.flaggedDocumentsIDs(tx, fid, flagExists)
}

// GeoFilteringEnabled reports whether some rule makes _geo filterable.
func (i *Index) GeoFilteringEnabled(tx *bolt.Tx) (bool, error) {
	rules, err := i.FilterableRules(tx)
	if err != nil {
		return false, err
	}
	_, feats, ok := filter.MatchingFeatures(filter.ReservedGeoField, rules)
	return ok && feats.Filterable, nil
}

// GeoTree loads the indexed geo points and builds the nearest-neighbour
// tree, or returns nil when no document carries a point.
func (i *Index) GeoTree(tx *bolt.Tx) (*geosearch.Tree, error) {
	raw := store.Main(tx).Get(keyGeoPoints)
	if len(raw) == 0 {
		return nil, nil
	}
	points, err := decodeGeoPoints(raw)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	return geosearch.Build(points), nil
}

func flagKey(fid uint16, flag byte) []byte {
	key := binary.BigEndian.AppendUint16(nil, fid)
	return append(key, flag)
}

func bitmapAt(b *bolt.Bucket, key []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	raw := b.Get(key)
	if raw == nil {
		return bm, nil
	}
	if err := bm.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("index: decode bitmap at %q: %w", key, err)
	}
	return bm, nil
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }
func bitsFloat(b uint64) float64 { return math.Float64frombits(b) }

// geo point wire format: docid u32 | lat f64 bits | lng f64 bits, all
// big-endian, repeated.
const geoPointSize = 4 + 8 + 8

func encodeGeoPoints(points []geosearch.Point) []byte {
	out := make([]byte, 0, len(points)*geoPointSize)
	for _, p := range points {
		out = binary.BigEndian.AppendUint32(out, p.DocID)
		out = binary.BigEndian.AppendUint64(out, floatBits(p.Lat))
		out = binary.BigEndian.AppendUint64(out, floatBits(p.Lng))
	}
	return out
}

func decodeGeoPoints(raw []byte) ([]geosearch.Point, error) {
	if len(raw)%geoPointSize != 0 {
		return nil, fmt.Errorf("index: geo points blob has odd length %d", len(raw))
	}
	points := make([]geosearch.Point, 0, len(raw)/geoPointSize)
	for len(raw) > 0 {
		points = append(points, geosearch.Point{
			DocID: binary.BigEndian.Uint32(raw[:4]),
			Lat:   bitsFloat(binary.BigEndian.Uint64(raw[4:12])),
			Lng:   bitsFloat(binary.BigEndian.Uint64(raw[12:20])),
		})
		raw = raw[geoPointSize:]
	}
	return points, nil
}
