package features

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/recognizer/internal/pointcloud"
)

// DefaultNormalK is the neighbourhood size used for normal estimation when
// none is configured.
const DefaultNormalK = 10

// minNormalNeighbors is the smallest neighbourhood that defines a plane.
const minNormalNeighbors = 3

// degenerateRatio bounds how flat the middle eigenvalue may be relative to
// the largest before a neighbourhood is treated as a line.
const degenerateRatio = 1e-6

var (
	// ErrInvalidNeighborhood is returned for a non-positive neighbourhood size.
	ErrInvalidNeighborhood = errors.New("normal neighbourhood size must be at least 3")
	// ErrQueryIndex is returned when a query index is outside the surface.
	ErrQueryIndex = errors.New("query index out of range")
)

// Normal is a unit surface normal plus the surface variation (curvature)
// of the neighbourhood it was fitted to. All fields are NaN when the
// neighbourhood was too small or degenerate.
type Normal struct {
	X, Y, Z   float64
	Curvature float64
}

// InvalidNormal is the placeholder stored for points without a normal.
var InvalidNormal = Normal{X: math.NaN(), Y: math.NaN(), Z: math.NaN(), Curvature: math.NaN()}

// Vec returns the normal direction.
func (n Normal) Vec() r3.Vector {
	return r3.Vector{X: n.X, Y: n.Y, Z: n.Z}
}

// IsValid reports whether the normal direction is finite.
func (n Normal) IsValid() bool {
	return !math.IsNaN(n.X) && !math.IsNaN(n.Y) && !math.IsNaN(n.Z) &&
		!math.IsInf(n.X, 0) && !math.IsInf(n.Y, 0) && !math.IsInf(n.Z, 0)
}

// NormalEstimator computes normals for selected points of a surface.
// A nil queries slice means every surface point. The result is
// index-aligned with queries.
type NormalEstimator interface {
	EstimateNormals(surface *pointcloud.Surface, queries []int) ([]Normal, error)
}

// KNNNormalEstimator fits a plane to the K nearest finite neighbours of each
// query point by principal component analysis. Normals are flipped to face
// Viewpoint (the sensor origin by default).
type KNNNormalEstimator struct {
	K         int
	Viewpoint r3.Vector
}

// EstimateNormals implements NormalEstimator.
func (e KNNNormalEstimator) EstimateNormals(surface *pointcloud.Surface, queries []int) ([]Normal, error) {
	k := e.K
	if k == 0 {
		k = DefaultNormalK
	}
	if k < minNormalNeighbors {
		return nil, fmt.Errorf("k=%d: %w", k, ErrInvalidNeighborhood)
	}
	if queries == nil {
		queries = make([]int, surface.Len())
		for i := range queries {
			queries[i] = i
		}
	}

	normals := make([]Normal, len(queries))
	invalid := 0
	for qi, idx := range queries {
		if idx < 0 || idx >= surface.Len() {
			return nil, fmt.Errorf("index %d of %d: %w", idx, surface.Len(), ErrQueryIndex)
		}
		p := surface.Point(idx)
		if !p.IsFinite() {
			normals[qi] = InvalidNormal
			invalid++
			continue
		}
		n, ok := fitNormal(surface, surface.Nearest(p, k))
		if !ok {
			normals[qi] = InvalidNormal
			invalid++
			continue
		}
		// Face the viewpoint.
		if n.Vec().Dot(e.Viewpoint.Sub(p.Vec())) < 0 {
			n.X, n.Y, n.Z = -n.X, -n.Y, -n.Z
		}
		normals[qi] = n
	}
	if invalid > 0 {
		tracef("normals: %d of %d queries without a valid neighbourhood (k=%d)", invalid, len(queries), k)
	}
	return normals, nil
}

// fitNormal runs PCA over the neighbourhood and returns the eigenvector of
// the smallest eigenvalue.
func fitNormal(surface *pointcloud.Surface, nb []pointcloud.Neighbor) (Normal, bool) {
	if len(nb) < minNormalNeighbors {
		return InvalidNormal, false
	}
	var centroid r3.Vector
	for _, n := range nb {
		centroid = centroid.Add(surface.Point(n.Index).Vec())
	}
	centroid = centroid.Mul(1 / float64(len(nb)))

	var cov symmetric3
	for _, n := range nb {
		cov.addOuter(surface.Point(n.Index).Vec().Sub(centroid), 1)
	}
	cov.scale(1 / float64(len(nb)))

	vals, vecs, ok := cov.eigen()
	if !ok {
		return InvalidNormal, false
	}
	sum := vals[0] + vals[1] + vals[2]
	if !(sum > 0) || vals[1] <= degenerateRatio*vals[2] {
		return InvalidNormal, false
	}
	v := vecs[0].Normalize()
	return Normal{X: v.X, Y: v.Y, Z: v.Z, Curvature: vals[0] / sum}, true
}

// symmetric3 is the upper triangle of a 3×3 symmetric matrix:
// xx, xy, xz, yy, yz, zz.
type symmetric3 [6]float64

func (s *symmetric3) addOuter(v r3.Vector, w float64) {
	s[0] += w * v.X * v.X
	s[1] += w * v.X * v.Y
	s[2] += w * v.X * v.Z
	s[3] += w * v.Y * v.Y
	s[4] += w * v.Y * v.Z
	s[5] += w * v.Z * v.Z
}

func (s *symmetric3) scale(f float64) {
	for i := range s {
		s[i] *= f
	}
}

// eigen returns eigenvalues in ascending order with their unit eigenvectors.
func (s *symmetric3) eigen() ([3]float64, [3]r3.Vector, bool) {
	var vals [3]float64
	var vecs [3]r3.Vector

	sym := mat.NewSymDense(3, []float64{
		s[0], s[1], s[2],
		s[1], s[3], s[4],
		s[2], s[4], s[5],
	})
	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return vals, vecs, false
	}
	values := es.Values(nil)
	var ev mat.Dense
	es.VectorsTo(&ev)
	for i := 0; i < 3; i++ {
		vals[i] = values[i]
		vecs[i] = r3.Vector{X: ev.At(0, i), Y: ev.At(1, i), Z: ev.At(2, i)}
	}
	return vals, vecs, true
}
