package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"
	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
	bolt "go.etcd.io/bbolt"

	"github.com/tirithen/milli-core/pkg/facet"
	"github.com/tirithen/milli-core/pkg/geosearch"
)

// Reserved field names for geo filtering.
const (
	ReservedGeoField = "_geo"
	GeoLatField      = "_geo.lat"
	GeoLngField      = "_geo.lng"
)

// Store names referenced by internal decode errors.
const (
	StoreFacetF64    = "facet-id-f64-docids"
	StoreFacetString = "facet-id-string-docids"
)

// Index is the read-side contract the evaluator consumes. All methods take
// the read transaction the whole evaluation runs under, so the result is a
// deterministic function of that snapshot.
type Index interface {
	// FieldID resolves an attribute name; ok is false when the field was
	// never indexed.
	FieldID(tx *bolt.Tx, name string) (fid uint16, ok bool, err error)
	// FilterableRules returns the ordered filterable-attribute rules.
	FilterableRules(tx *bolt.Tx) ([]AttributeRule, error)
	// DocumentsIDs returns all live document ids.
	DocumentsIDs(tx *bolt.Tx) (*roaring.Bitmap, error)
	// FacetF64Bucket and FacetStringBucket expose the two facet trees.
	// Either may be nil when nothing was ever indexed.
	FacetF64Bucket(tx *bolt.Tx) *bolt.Bucket
	FacetStringBucket(tx *bolt.Tx) *bolt.Bucket
	// Per-field precomputed document sets.
	NullFacetedDocumentsIDs(tx *bolt.Tx, fid uint16) (*roaring.Bitmap, error)
	EmptyFacetedDocumentsIDs(tx *bolt.Tx, fid uint16) (*roaring.Bitmap, error)
	ExistsFacetedDocumentsIDs(tx *bolt.Tx, fid uint16) (*roaring.Bitmap, error)
	// GeoFilteringEnabled reports whether some rule makes _geo filterable.
	GeoFilteringEnabled(tx *bolt.Tx) (bool, error)
	// GeoTree returns the geo point tree, or nil when no document carries
	// a geo point.
	GeoTree(tx *bolt.Tx) (*geosearch.Tree, error)
}

// Filter is a parsed filter ready for evaluation. It lives for the duration
// of one read query.
type Filter struct {
	root *Node
}

// Root exposes the AST, mainly for tests and tooling.
func (f *Filter) Root() *Node { return f.root }

// FromNode wraps an already-built AST. The depth guard still applies at
// evaluation time.
func FromNode(root *Node) *Filter { return &Filter{root: root} }

// FromString parses a textual filter expression. A blank expression yields
// a nil filter and no error.
func FromString(expression string) (*Filter, error) {
	root, err := parseExpression(expression)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, nil
	}
	if tok := root.TokenAtDepth(MaxFilterDepth); tok != nil {
		return nil, &TooDeepError{Token: *tok}
	}
	return &Filter{root: root}, nil
}

// FromArray builds a filter from the structured form: strings are
// AND-joined, inner string slices are OR-joined. Elements must be string or
// []string ([]any of strings is accepted for JSON convenience).
func FromArray(items []any) (*Filter, error) {
	var ands []*Node
	for _, item := range items {
		switch v := item.(type) {
		case string:
			f, err := FromString(v)
			if err != nil {
				return nil, err
			}
			if f != nil {
				ands = append(ands, f.root)
			}
		case []string:
			or, err := orGroup(v)
			if err != nil {
				return nil, err
			}
			if or != nil {
				ands = append(ands, or)
			}
		case []any:
			var exprs []string
			for _, e := range v {
				s, ok := e.(string)
				if !ok {
					return nil, &InvalidFilterExpressionError{Expected: []string{"String"}, Got: describeJSON(e)}
				}
				exprs = append(exprs, s)
			}
			or, err := orGroup(exprs)
			if err != nil {
				return nil, err
			}
			if or != nil {
				ands = append(ands, or)
			}
		default:
			return nil, &InvalidFilterExpressionError{Expected: []string{"String", "[String]"}, Got: describeJSON(item)}
		}
	}

	var root *Node
	switch len(ands) {
	case 0:
		return nil, nil
	case 1:
		root = ands[0]
	default:
		root = &Node{Kind: NodeAnd, Children: ands}
	}
	if tok := root.TokenAtDepth(MaxFilterDepth); tok != nil {
		return nil, &TooDeepError{Token: *tok}
	}
	return &Filter{root: root}, nil
}

func orGroup(exprs []string) (*Node, error) {
	var ors []*Node
	for _, expr := range exprs {
		f, err := FromString(expr)
		if err != nil {
			return nil, err
		}
		if f != nil {
			ors = append(ors, f.root)
		}
	}
	switch len(ors) {
	case 0:
		return nil, nil
	case 1:
		return ors[0], nil
	default:
		return &Node{Kind: NodeOr, Children: ors}, nil
	}
}

// FromJSON accepts either a JSON string (one expression) or the structured
// array form.
func FromJSON(data []byte) (*Filter, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &InvalidFilterExpressionError{Expected: []string{"String", "Array"}, Got: "invalid JSON"}
	}
	switch t := v.(type) {
	case string:
		return FromString(t)
	case []any:
		return FromArray(t)
	default:
		return nil, &InvalidFilterExpressionError{Expected: []string{"String", "Array"}, Got: describeJSON(v)}
	}
}

func describeJSON(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "a boolean"
	case float64:
		return "a number"
	case map[string]any:
		return "an object"
	case []any:
		return "an array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Evaluate runs the filter against the index under tx and returns the
// matching document ids. It never mutates the index.
func (f *Filter) Evaluate(tx *bolt.Tx, idx Index) (*roaring.Bitmap, error) {
	if tok := f.root.TokenAtDepth(MaxFilterDepth); tok != nil {
		return nil, &TooDeepError{Token: *tok}
	}

	rules, err := idx.FilterableRules(tx)
	if err != nil {
		return nil, err
	}

	// Resolve filterability once for every referenced field ahead of the
	// recursion.
	for _, fieldTok := range f.root.fieldTokens(nil, MaxFilterDepth) {
		if _, feats, ok := MatchingFeatures(fieldTok.Value(), rules); ok && feats.Filterable {
			continue
		}
		return nil, &AttributeNotFilterableError{
			Attribute:         fieldTok.Value(),
			AvailablePatterns: FilterablePatterns(rules, func(f Features) bool { return f.Filterable }),
			Token:             fieldTok,
		}
	}

	ev := &evaluator{tx: tx, idx: idx, rules: rules}
	return ev.eval(f.root, nil)
}

type evaluator struct {
	tx    *bolt.Tx
	idx   Index
	rules []AttributeRule
}

// eval is the inner recursion. When universe is non-nil the result is a
// subset of it and the recursion may short-circuit on an empty universe.
func (ev *evaluator) eval(n *Node, universe *roaring.Bitmap) (*roaring.Bitmap, error) {
	if universe != nil && universe.IsEmpty() {
		return roaring.New(), nil
	}

	switch n.Kind {
	case NodeNot:
		selected, err := ev.eval(n.Children[0], nil)
		if err != nil {
			return nil, err
		}
		if universe != nil {
			return roaring.AndNot(universe, selected), nil
		}
		all, err := ev.idx.DocumentsIDs(ev.tx)
		if err != nil {
			return nil, err
		}
		all.AndNot(selected)
		return all, nil

	case NodeIn:
		fid, ruleIndex, feats, ok, err := ev.resolveField(n.Field)
		if err != nil || !ok {
			return roaring.New(), err
		}
		out := roaring.New()
		for _, value := range n.Values {
			op := Operator{Kind: OpEqual, Value: value}
			docids, err := ev.evalOperator(fid, n.Field, universe, op, feats, ruleIndex)
			if err != nil {
				return nil, err
			}
			out.Or(docids)
		}
		return out, nil

	case NodeCondition:
		fid, ruleIndex, feats, ok, err := ev.resolveField(n.Field)
		if err != nil || !ok {
			return roaring.New(), err
		}
		return ev.evalOperator(fid, n.Field, universe, n.Op, feats, ruleIndex)

	case NodeOr:
		out := roaring.New()
		for _, child := range n.Children {
			docids, err := ev.eval(child, universe)
			if err != nil {
				return nil, err
			}
			out.Or(docids)
		}
		return out, nil

	case NodeAnd:
		if len(n.Children) == 0 {
			return roaring.New(), nil
		}
		bitmap, err := ev.eval(n.Children[0], universe)
		if err != nil {
			return nil, err
		}
		for _, child := range n.Children[1:] {
			if bitmap.IsEmpty() {
				return bitmap, nil
			}
			// The child result already lands inside bitmap, so this
			// intersection repeats work; see the matching note in
			// DESIGN.md.
			docids, err := ev.eval(child, bitmap)
			if err != nil {
				return nil, err
			}
			bitmap.And(docids)
		}
		return bitmap, nil

	case NodeGeoRadius:
		return ev.evalGeoRadius(n)

	case NodeGeoBoundingBox:
		return ev.evalGeoBoundingBox(n, universe)

	default:
		return nil, fmt.Errorf("filter: unknown node kind %d", n.Kind)
	}
}

// resolveField maps a field token to its id and matched rule. A field that
// is unknown to the index, or that no rule matches, yields ok == false and
// the caller returns an empty bitmap: preflight already confirmed
// filterability, so a miss here means the attribute was removed and the
// boolean combination must stay well-defined.
func (ev *evaluator) resolveField(field Token) (fid uint16, ruleIndex int, feats Features, ok bool, err error) {
	fid, ok, err = ev.idx.FieldID(ev.tx, field.Value())
	if err != nil || !ok {
		return 0, 0, Features{}, false, err
	}
	ruleIndex, feats, ok = MatchingFeatures(field.Value(), ev.rules)
	if !ok {
		return 0, 0, Features{}, false, nil
	}
	return fid, ruleIndex, feats, true, nil
}

// parseFiniteFloat parses text as a finite 64-bit float. Infinities and
// NaN report false, which routes the operator to the string facet only.
func parseFiniteFloat(text string) (float64, bool) {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// numericBounds holds an optional numeric range; absent when the operator
// value does not parse as a finite float.
type numericBounds struct {
	ok          bool
	left, right facet.Bound
}

func (ev *evaluator) evalOperator(
	fid uint16,
	field Token,
	universe *roaring.Bitmap,
	op Operator,
	feats Features,
	ruleIndex int,
) (*roaring.Bitmap, error) {
	if !feats.allows(op.Kind) {
		return nil, &OperatorNotAllowedError{
			Field:     field.Value(),
			Operator:  op.Kind.String(),
			Allowed:   feats.AllowedOperators(),
			RuleIndex: ruleIndex,
			Token:     field,
		}
	}

	switch op.Kind {
	case OpNull:
		return ev.idx.NullFacetedDocumentsIDs(ev.tx, fid)
	case OpEmpty:
		return ev.idx.EmptyFacetedDocumentsIDs(ev.tx, fid)
	case OpExists:
		return ev.idx.ExistsFacetedDocumentsIDs(ev.tx, fid)

	case OpEqual:
		return ev.equalDocids(fid, op.Value)

	case OpNotEqual:
		equal, err := ev.equalDocids(fid, op.Value)
		if err != nil {
			return nil, err
		}
		all, err := ev.idx.DocumentsIDs(ev.tx)
		if err != nil {
			return nil, err
		}
		all.AndNot(equal)
		return all, nil

	case OpContains:
		return ev.containsDocids(fid, op.Value)

	case OpStartsWith:
		return ev.startsWithDocids(fid, op.Value)
	}

	// Range operators: a numeric bound pair when the value parses as a
	// finite float, plus a string bound pair over the raw token value.
	var numeric numericBounds
	var strLeft, strRight facet.Bound

	switch op.Kind {
	case OpGreaterThan:
		if n, ok := parseFiniteFloat(op.Value.Value()); ok {
			numeric = numericBounds{
				ok:    true,
				left:  facet.ExcludedBound(facet.EncodeF64(n, nil)),
				right: facet.IncludedBound(facet.EncodeF64(math.MaxFloat64, nil)),
			}
		}
		strLeft = facet.ExcludedBound([]byte(op.Value.Value()))
		strRight = facet.NoBound()
	case OpGreaterThanOrEqual:
		if n, ok := parseFiniteFloat(op.Value.Value()); ok {
			numeric = numericBounds{
				ok:    true,
				left:  facet.IncludedBound(facet.EncodeF64(n, nil)),
				right: facet.IncludedBound(facet.EncodeF64(math.MaxFloat64, nil)),
			}
		}
		strLeft = facet.IncludedBound([]byte(op.Value.Value()))
		strRight = facet.NoBound()
	case OpLowerThan:
		if n, ok := parseFiniteFloat(op.Value.Value()); ok {
			numeric = numericBounds{
				ok:    true,
				left:  facet.IncludedBound(facet.EncodeF64(-math.MaxFloat64, nil)),
				right: facet.ExcludedBound(facet.EncodeF64(n, nil)),
			}
		}
		strLeft = facet.NoBound()
		strRight = facet.ExcludedBound([]byte(op.Value.Value()))
	case OpLowerThanOrEqual:
		if n, ok := parseFiniteFloat(op.Value.Value()); ok {
			numeric = numericBounds{
				ok:    true,
				left:  facet.IncludedBound(facet.EncodeF64(-math.MaxFloat64, nil)),
				right: facet.IncludedBound(facet.EncodeF64(n, nil)),
			}
		}
		strLeft = facet.NoBound()
		strRight = facet.IncludedBound([]byte(op.Value.Value()))
	case OpBetween:
		from, okFrom := parseFiniteFloat(op.Value.Value())
		to, okTo := parseFiniteFloat(op.To.Value())
		if okFrom && okTo {
			numeric = numericBounds{
				ok:    true,
				left:  facet.IncludedBound(facet.EncodeF64(from, nil)),
				right: facet.IncludedBound(facet.EncodeF64(to, nil)),
			}
		}
		strLeft = facet.IncludedBound([]byte(op.Value.Value()))
		strRight = facet.IncludedBound([]byte(op.To.Value()))
	default:
		return nil, fmt.Errorf("filter: unknown operator kind %d", op.Kind)
	}

	out := roaring.New()
	if numeric.ok {
		if err := facet.ScanRange(ev.idx.FacetF64Bucket(ev.tx), fid, numeric.left, numeric.right, universe, out); err != nil {
			return nil, &StoreError{Store: StoreFacetF64, Op: "decoding", Err: err}
		}
	}
	if err := facet.ScanRange(ev.idx.FacetStringBucket(ev.tx), fid, strLeft, strRight, universe, out); err != nil {
		return nil, &StoreError{Store: StoreFacetString, Op: "decoding", Err: err}
	}
	return out, nil
}

// equalDocids unions the level-0 string entry for the normalized value with
// the level-0 numeric entry for its float parse. Absent entries contribute
// nothing.
func (ev *evaluator) equalDocids(fid uint16, value Token) (*roaring.Bitmap, error) {
	out := roaring.New()

	if b := ev.idx.FacetStringBucket(ev.tx); b != nil {
		key := facet.GroupKey{FieldID: fid, Level: 0, Bound: []byte(facet.Normalize(value.Value()))}
		if raw := b.Get(key.Encode(nil)); raw != nil {
			gv, err := facet.DecodeGroupValue(raw)
			if err != nil {
				return nil, &StoreError{Store: StoreFacetString, Op: "decoding", Err: err}
			}
			out.Or(gv.Bitmap)
		}
	}

	if n, ok := parseFiniteFloat(value.Value()); ok {
		if b := ev.idx.FacetF64Bucket(ev.tx); b != nil {
			key := facet.GroupKey{FieldID: fid, Level: 0, Bound: facet.EncodeF64(n, nil)}
			if raw := b.Get(key.Encode(nil)); raw != nil {
				gv, err := facet.DecodeGroupValue(raw)
				if err != nil {
					return nil, &StoreError{Store: StoreFacetF64, Op: "decoding", Err: err}
				}
				out.Or(gv.Bitmap)
			}
		}
	}

	return out, nil
}

// containsDocids scans every level-0 string entry of the field and unions
// the ones whose bound contains the normalized needle as a byte substring.
// The finder is seeded once and reused across the scan.
func (ev *evaluator) containsDocids(fid uint16, word Token) (*roaring.Bitmap, error) {
	out := roaring.New()
	b := ev.idx.FacetStringBucket(ev.tx)
	if b == nil {
		return out, nil
	}

	needle := facet.Normalize(word.Value())
	haveFinder := needle != ""
	var finder ahocorasick.AhoCorasick
	if haveFinder {
		builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
			MatchKind: ahocorasick.LeftMostLongestMatch,
		})
		finder = builder.Build([]string{needle})
	}

	prefix := facet.GroupKey{FieldID: fid, Level: 0}.Encode(nil)
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		key, err := facet.DecodeGroupKey(k)
		if err != nil {
			return nil, &StoreError{Store: StoreFacetString, Op: "decoding", Err: err}
		}
		if haveFinder && len(finder.FindAll(string(key.Bound))) == 0 {
			continue
		}
		gv, err := facet.DecodeGroupValue(v)
		if err != nil {
			return nil, &StoreError{Store: StoreFacetString, Op: "decoding", Err: err}
		}
		out.Or(gv.Bitmap)
	}
	return out, nil
}

// startsWithDocids prefix-scans level-0 string entries from the normalized
// needle, stopping at the first bound that no longer starts with it.
func (ev *evaluator) startsWithDocids(fid uint16, word Token) (*roaring.Bitmap, error) {
	out := roaring.New()
	b := ev.idx.FacetStringBucket(ev.tx)
	if b == nil {
		return out, nil
	}

	needle := []byte(facet.Normalize(word.Value()))
	seek := facet.GroupKey{FieldID: fid, Level: 0, Bound: needle}.Encode(nil)
	levelPrefix := facet.GroupKey{FieldID: fid, Level: 0}.Encode(nil)

	c := b.Cursor()
	for k, v := c.Seek(seek); k != nil && hasPrefix(k, levelPrefix); k, v = c.Next() {
		key, err := facet.DecodeGroupKey(k)
		if err != nil {
			return nil, &StoreError{Store: StoreFacetString, Op: "decoding", Err: err}
		}
		if !hasPrefix(key.Bound, needle) {
			break
		}
		gv, err := facet.DecodeGroupValue(v)
		if err != nil {
			return nil, &StoreError{Store: StoreFacetString, Op: "decoding", Err: err}
		}
		out.Or(gv.Bitmap)
	}
	return out, nil
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}
