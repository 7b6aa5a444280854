package filter

import (
	"math"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tirithen/milli-core/pkg/geosearch"
)

// geoEpsilon pads the radius so documents sitting exactly on the circle
// survive floating-point projection error.
const geoEpsilon = 1e-9

// parseCoord parses a geo token as a finite float or fails with a spanned
// user error.
func parseCoord(tok Token) (float64, error) {
	f, err := strconv.ParseFloat(tok.Value(), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, &InvalidFilterError{
			Message: "Could not parse `" + tok.Value() + "` as a finite float.",
			Token:   tok,
		}
	}
	return f, nil
}

func validLat(lat float64) bool { return lat >= -90 && lat <= 90 }
func validLng(lng float64) bool { return lng >= -180 && lng <= 180 }

// geoNotFilterable is the error both predicates raise when no rule makes
// _geo filterable.
func (ev *evaluator) geoNotFilterable(at Token) error {
	return &AttributeNotFilterableError{
		Attribute:         ReservedGeoField,
		AvailablePatterns: FilterablePatterns(ev.rules, func(f Features) bool { return f.Filterable }),
		Token:             at,
	}
}

// evalGeoRadius enumerates the geo tree outward from the centre and stops
// at the first point whose great-circle distance exceeds the radius.
func (ev *evaluator) evalGeoRadius(n *Node) (*roaring.Bitmap, error) {
	enabled, err := ev.idx.GeoFilteringEnabled(ev.tx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, ev.geoNotFilterable(n.Point[0])
	}

	lat, err := parseCoord(n.Point[0])
	if err != nil {
		return nil, err
	}
	lng, err := parseCoord(n.Point[1])
	if err != nil {
		return nil, err
	}
	if !validLat(lat) {
		return nil, &BadGeoError{Kind: BadGeoLat, Value: lat, Token: n.Point[0]}
	}
	if !validLng(lng) {
		return nil, &BadGeoError{Kind: BadGeoLng, Value: lng, Token: n.Point[1]}
	}
	radius, err := parseCoord(n.Radius)
	if err != nil {
		return nil, err
	}

	tree, err := ev.idx.GeoTree(ev.tx)
	if err != nil {
		return nil, err
	}
	out := roaring.New()
	if tree == nil {
		return out, nil
	}
	tree.Nearest(lat, lng, func(p geosearch.Point, meters float64) bool {
		if meters > radius+geoEpsilon {
			return false
		}
		out.Add(p.DocID)
		return true
	})
	return out, nil
}

// evalGeoBoundingBox validates the corners and reduces the box to range
// filters on the synthetic _geo.lat and _geo.lng fields. A box whose
// top-right longitude sits west of its bottom-left one wraps the
// antimeridian and splits into two longitude ranges.
func (ev *evaluator) evalGeoBoundingBox(n *Node, universe *roaring.Bitmap) (*roaring.Bitmap, error) {
	enabled, err := ev.idx.GeoFilteringEnabled(ev.tx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, ev.geoNotFilterable(n.TopRight[0])
	}

	var topRight, bottomLeft [2]float64
	for i, tok := range n.TopRight {
		if topRight[i], err = parseCoord(tok); err != nil {
			return nil, err
		}
	}
	for i, tok := range n.BottomLeft {
		if bottomLeft[i], err = parseCoord(tok); err != nil {
			return nil, err
		}
	}
	if !validLat(topRight[0]) {
		return nil, &BadGeoError{Kind: BadGeoLat, Value: topRight[0], Token: n.TopRight[0]}
	}
	if !validLng(topRight[1]) {
		return nil, &BadGeoError{Kind: BadGeoLng, Value: topRight[1], Token: n.TopRight[1]}
	}
	if !validLat(bottomLeft[0]) {
		return nil, &BadGeoError{Kind: BadGeoLat, Value: bottomLeft[0], Token: n.BottomLeft[0]}
	}
	if !validLng(bottomLeft[1]) {
		return nil, &BadGeoError{Kind: BadGeoLng, Value: bottomLeft[1], Token: n.BottomLeft[1]}
	}
	if topRight[0] < bottomLeft[0] {
		return nil, &BadGeoError{
			Kind:   BadGeoBoundingBoxTopIsBelowBottom,
			Value:  topRight[0],
			Second: bottomLeft[0],
			Token:  n.BottomLeft[1],
		}
	}

	latToken := syntheticToken(n.TopRight[0], GeoLatField)
	latCondition := condition(latToken, Operator{
		Kind:  OpBetween,
		Value: n.BottomLeft[0],
		To:    n.TopRight[0],
	})
	selectedLat, err := ev.eval(latCondition, universe)
	if err != nil {
		return nil, err
	}

	lngToken := syntheticToken(n.TopRight[1], GeoLngField)
	var selectedLng *roaring.Bitmap
	if topRight[1] < bottomLeft[1] {
		// The box wraps around the earth: [bottomLeft.lng, 180] union
		// [-180, topRight.lng].
		minLng := syntheticToken(n.TopRight[1], "-180.0")
		maxLng := syntheticToken(n.TopRight[1], "180.0")

		east, err := ev.eval(condition(lngToken, Operator{
			Kind:  OpBetween,
			Value: n.BottomLeft[1],
			To:    maxLng,
		}), universe)
		if err != nil {
			return nil, err
		}
		west, err := ev.eval(condition(lngToken, Operator{
			Kind:  OpBetween,
			Value: minLng,
			To:    n.TopRight[1],
		}), universe)
		if err != nil {
			return nil, err
		}
		east.Or(west)
		selectedLng = east
	} else {
		selectedLng, err = ev.eval(condition(lngToken, Operator{
			Kind:  OpBetween,
			Value: n.BottomLeft[1],
			To:    n.TopRight[1],
		}), universe)
		if err != nil {
			return nil, err
		}
	}

	selectedLat.And(selectedLng)
	return selectedLat, nil
}
