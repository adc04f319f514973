package geonames

import (
	"math"
	"sort"

	"github.com/golang/geo/s2"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// earthRadiusKm is the sphere radius used by the haversine distance.
const earthRadiusKm = 6371

// Haversine returns the great-circle distance in kilometers between two
// points given in decimal degrees.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := lat1 * math.Pi / 180
	p2 := lat2 * math.Pi / 180
	dp := (lat2 - lat1) * math.Pi / 180
	dl := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dp/2)*math.Sin(dp/2) +
		math.Cos(p1)*math.Cos(p2)*math.Sin(dl/2)*math.Sin(dl/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// cityPoint is a k-d tree node: a city's coordinates projected onto the unit
// sphere, with the index of the city record it stands for. Searching in
// three-dimensional Cartesian space keeps the tree's Euclidean pruning exact,
// and chord distance is monotonic in the haversine distance, so nearest-by-
// chord is nearest-by-great-circle. This also keeps queries continuous across
// the ±180° longitude seam.
type cityPoint struct {
	vec s2.Point
	idx int
}

func unitSphere(lat, lng float64) s2.Point {
	return s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lng))
}

func (p cityPoint) coord(d kdtree.Dim) float64 {
	switch d {
	case 0:
		return p.vec.X
	case 1:
		return p.vec.Y
	default:
		return p.vec.Z
	}
}

// Compare returns the signed distance of p from the plane through c
// perpendicular to dimension d.
func (p cityPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(cityPoint)
	return p.coord(d) - q.coord(d)
}

// Dims returns the number of tree dimensions.
func (p cityPoint) Dims() int { return 3 }

// Distance returns the squared chord distance between p and c.
func (p cityPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(cityPoint)
	return p.vec.Sub(q.vec.Vector).Norm2()
}

// cityPoints implements kdtree.Interface over a slice of cityPoint.
type cityPoints []cityPoint

func (p cityPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p cityPoints) Len() int                      { return len(p) }
func (p cityPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p cityPoints) Pivot(d kdtree.Dim) int {
	return cityPlane{Dim: d, cityPoints: p}.Pivot()
}

// cityPlane sorts cityPoints along a single dimension for tree construction.
type cityPlane struct {
	kdtree.Dim
	cityPoints
}

func (p cityPlane) Less(i, j int) bool {
	return p.cityPoints[i].coord(p.Dim) < p.cityPoints[j].coord(p.Dim)
}
func (p cityPlane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}
func (p cityPlane) Slice(start, end int) kdtree.SortSlicer {
	p.cityPoints = p.cityPoints[start:end]
	return p
}
func (p cityPlane) Swap(i, j int) {
	p.cityPoints[i], p.cityPoints[j] = p.cityPoints[j], p.cityPoints[i]
}

// cityIndex is the build-once spatial index over the cities corpus. It is
// safe for concurrent reads after construction; no mutation is supported.
type cityIndex struct {
	tree   *kdtree.Tree
	cities []City
}

// hit pairs a corpus index with its haversine distance from the query point.
type hit struct {
	idx int
	km  float64
}

// newCityIndex builds the k-d tree over the given corpus. The corpus slice is
// retained; callers must not mutate it afterwards.
func newCityIndex(cities []City) *cityIndex {
	ix := &cityIndex{cities: cities}
	if len(cities) == 0 {
		return ix
	}
	pts := make(cityPoints, len(cities))
	for i, c := range cities {
		pts[i] = cityPoint{vec: unitSphere(c.lat, c.lng), idx: i}
	}
	ix.tree = kdtree.New(pts, false)
	return ix
}

// nearest returns up to k corpus hits sorted nearest-first by haversine
// distance. Distances are computed at query time from the query point and
// the stored coordinates, never cached.
func (ix *cityIndex) nearest(lat, lng float64, k int) []hit {
	if ix.tree == nil || k < 1 {
		return nil
	}

	q := cityPoint{vec: unitSphere(lat, lng), idx: -1}
	keep := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keep, q)

	hits := make([]hit, 0, keep.Heap.Len())
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		i := cd.Comparable.(cityPoint).idx
		c := ix.cities[i]
		hits = append(hits, hit{idx: i, km: Haversine(lat, lng, c.lat, c.lng)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].km != hits[j].km {
			return hits[i].km < hits[j].km
		}
		return hits[i].idx < hits[j].idx
	})
	return hits
}
