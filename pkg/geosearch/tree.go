// Package geosearch indexes geo points on the unit sphere and enumerates
// them in ascending great-circle distance from a query point.
//
// Points are projected to 3-D Cartesian coordinates so that Euclidean
// (chord) distance is monotone with great-circle distance; a best-first
// walk over a kd-tree of the projected points therefore yields true
// nearest-neighbour order without any special casing around the poles or
// the antimeridian.
package geosearch

import (
	"container/heap"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters converts angular distances to meters.
const EarthRadiusMeters = 6371000.0

// Point is one indexed document location.
type Point struct {
	DocID uint32
	Lat   float64
	Lng   float64
}

// Distance returns the great-circle distance between two coordinates in
// meters.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lng1)
	b := s2.LatLngFromDegrees(lat2, lng2)
	return a.Distance(b).Radians() * EarthRadiusMeters
}

type node struct {
	min, max r3.Vector // bounding box of the subtree, in xyz
	left     int32     // -1 for leaves
	right    int32
	start    int32 // leaf point range into Tree.pts
	end      int32
}

type indexedPoint struct {
	xyz r3.Vector
	pt  Point
}

// Tree is a static kd-tree over projected points. Build once, query many
// times; the tree is safe for concurrent readers.
type Tree struct {
	pts   []indexedPoint
	nodes []node
}

const leafSize = 8

// Build constructs a tree from points. An empty input yields an empty tree
// whose Nearest never calls visit.
func Build(points []Point) *Tree {
	t := &Tree{pts: make([]indexedPoint, len(points))}
	for i, p := range points {
		xyz := s2.PointFromLatLng(s2.LatLngFromDegrees(p.Lat, p.Lng))
		t.pts[i] = indexedPoint{xyz: xyz.Vector, pt: p}
	}
	if len(t.pts) > 0 {
		t.build(0, len(t.pts))
	}
	return t
}

// build splits pts[start:end) and returns the node index.
func (t *Tree) build(start, end int) int32 {
	n := node{left: -1, right: -1, start: int32(start), end: int32(end)}
	n.min, n.max = bbox(t.pts[start:end])
	idx := int32(len(t.nodes))
	t.nodes = append(t.nodes, n)

	if end-start > leafSize {
		axis := widestAxis(n.min, n.max)
		mid := (start + end) / 2
		part := t.pts[start:end]
		sort.Slice(part, func(i, j int) bool {
			return component(part[i].xyz, axis) < component(part[j].xyz, axis)
		})
		left := t.build(start, mid)
		right := t.build(mid, end)
		t.nodes[idx].left = left
		t.nodes[idx].right = right
	}
	return idx
}

func bbox(pts []indexedPoint) (min, max r3.Vector) {
	min, max = pts[0].xyz, pts[0].xyz
	for _, p := range pts[1:] {
		min.X = minf(min.X, p.xyz.X)
		min.Y = minf(min.Y, p.xyz.Y)
		min.Z = minf(min.Z, p.xyz.Z)
		max.X = maxf(max.X, p.xyz.X)
		max.Y = maxf(max.Y, p.xyz.Y)
		max.Z = maxf(max.Z, p.xyz.Z)
	}
	return min, max
}

func widestAxis(min, max r3.Vector) int {
	dx, dy, dz := max.X-min.X, max.Y-min.Y, max.Z-min.Z
	switch {
	case dx >= dy && dx >= dz:
		return 0
	case dy >= dz:
		return 1
	default:
		return 2
	}
}

func component(v r3.Vector, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// boxDist2 is the squared Euclidean distance from q to the closest point of
// the box.
func boxDist2(q, min, max r3.Vector) float64 {
	d := 0.0
	for axis := 0; axis < 3; axis++ {
		v := component(q, axis)
		lo, hi := component(min, axis), component(max, axis)
		if v < lo {
			d += (lo - v) * (lo - v)
		} else if v > hi {
			d += (v - hi) * (v - hi)
		}
	}
	return d
}

type queueItem struct {
	dist2 float64
	node  int32 // -1 when the item is a concrete point
	point int32
}

type queue []queueItem

func (q queue) Len() int            { return len(q) }
func (q queue) Less(i, j int) bool  { return q[i].dist2 < q[j].dist2 }
func (q queue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)         { *q = append(*q, x.(queueItem)) }
func (q *queue) Pop() any           { old := *q; n := len(old); it := old[n-1]; *q = old[:n-1]; return it }

// Nearest calls visit for every indexed point in ascending great-circle
// distance from (lat, lng), with the distance in meters. Enumeration stops
// when visit returns false.
func (t *Tree) Nearest(lat, lng float64, visit func(p Point, meters float64) bool) {
	if len(t.pts) == 0 {
		return
	}
	q := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lng)).Vector

	pq := queue{{dist2: boxDist2(q, t.nodes[0].min, t.nodes[0].max), node: 0}}
	for pq.Len() > 0 {
		it := heap.Pop(&pq).(queueItem)
		if it.node < 0 {
			// The distance comes from the same chord the queue is ordered
			// by, so points at equal distance cannot be reported out of order.
			meters := 2 * math.Asin(math.Min(1, math.Sqrt(it.dist2)/2)) * EarthRadiusMeters
			if !visit(t.pts[it.point].pt, meters) {
				return
			}
			continue
		}
		n := t.nodes[it.node]
		if n.left < 0 {
			for i := n.start; i < n.end; i++ {
				d := t.pts[i].xyz.Sub(q)
				heap.Push(&pq, queueItem{dist2: d.Dot(d), node: -1, point: i})
			}
			continue
		}
		for _, child := range [2]int32{n.left, n.right} {
			c := t.nodes[child]
			heap.Push(&pq, queueItem{dist2: boxDist2(q, c.min, c.max), node: child})
		}
	}
}
