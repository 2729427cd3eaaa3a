package features

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/recognizer/internal/pointcloud"
)

// Histogram layout: 8 azimuth sectors × 2 elevation halves × 2 radial
// shells, each holding an 11-bin histogram of normal deviation.
const (
	azimuthBins   = 8
	elevationBins = 2
	radialBins    = 2
	cosineBins    = 11

	spatialVolumes = azimuthBins * elevationBins * radialBins

	// DescriptorLength is the number of components in a Descriptor.
	DescriptorLength = spatialVolumes * cosineBins

	// minDescriptorNeighbors is the smallest support that yields a usable
	// histogram.
	minDescriptorNeighbors = 5
)

// Descriptor is a fixed-length, L2-normalised shape signature. An invalid
// descriptor has every component set to NaN.
type Descriptor []float64

// NewInvalidDescriptor returns an all-NaN descriptor.
func NewInvalidDescriptor() Descriptor {
	d := make(Descriptor, DescriptorLength)
	for i := range d {
		d[i] = math.NaN()
	}
	return d
}

// IsValid reports whether d has the expected length and only finite
// components.
func (d Descriptor) IsValid() bool {
	if len(d) != DescriptorLength {
		return false
	}
	for _, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// DescriptorEstimator computes one descriptor per keypoint. normals must be
// index-aligned with the surface cloud, keypoints are indices into it. The
// result is index-aligned with keypoints.
type DescriptorEstimator interface {
	Compute(surface *pointcloud.Surface, normals []Normal, keypoints []int) ([]Descriptor, error)
}

// SHOTEstimator builds a signature of histograms of orientations: the
// support sphere of radius Radius around a keypoint is split into spatial
// volumes aligned with the keypoint's local reference frame, and each
// volume accumulates the cosine between its points' normals and the frame
// z axis. LRFRadius is the support used for the frame; zero means Radius.
type SHOTEstimator struct {
	Radius    float64
	LRFRadius float64
}

// Compute implements DescriptorEstimator.
func (e SHOTEstimator) Compute(surface *pointcloud.Surface, normals []Normal, keypoints []int) ([]Descriptor, error) {
	if err := pointcloud.ValidateRadius("descriptor radius", e.Radius); err != nil {
		return nil, err
	}
	lrfRadius := e.LRFRadius
	if lrfRadius == 0 {
		lrfRadius = e.Radius
	}
	if err := pointcloud.ValidateRadius("reference frame radius", lrfRadius); err != nil {
		return nil, err
	}
	if len(normals) != surface.Len() {
		return nil, fmt.Errorf("%d normals for %d surface points: %w", len(normals), surface.Len(), ErrMisaligned)
	}

	out := make([]Descriptor, len(keypoints))
	invalid := 0
	for i, idx := range keypoints {
		if idx < 0 || idx >= surface.Len() {
			return nil, fmt.Errorf("keypoint %d of %d: %w", idx, surface.Len(), ErrQueryIndex)
		}
		d, ok := e.describe(surface, normals, idx, lrfRadius)
		if !ok {
			d = NewInvalidDescriptor()
			invalid++
		}
		out[i] = d
	}
	if invalid > 0 {
		tracef("descriptors: %d of %d keypoints invalid (radius=%.4f)", invalid, len(keypoints), e.Radius)
	}
	return out, nil
}

func (e SHOTEstimator) describe(surface *pointcloud.Surface, normals []Normal, idx int, lrfRadius float64) (Descriptor, bool) {
	p := surface.Point(idx)
	if !p.IsFinite() || !normals[idx].IsValid() {
		return nil, false
	}
	frame, ok := localFrame(surface, p, normals[idx].Vec(), lrfRadius)
	if !ok {
		return nil, false
	}

	nb := surface.Within(p, e.Radius)
	if len(nb) < minDescriptorNeighbors {
		return nil, false
	}

	origin := p.Vec()
	half := e.Radius / 2
	sector := 2 * math.Pi / azimuthBins
	d := make(Descriptor, DescriptorLength)
	var total float64
	for _, n := range nb {
		nn := normals[n.Index]
		if !nn.IsValid() {
			continue
		}
		local := frame.project(surface.Point(n.Index).Vec().Sub(origin))

		radial := 0
		if math.Sqrt(n.SquaredDistance) > half {
			radial = 1
		}
		elevation := 0
		if local.Z > 0 {
			elevation = 1
		}
		azimuth := 0
		if local.X != 0 || local.Y != 0 {
			azimuth = clampBin(int((math.Atan2(local.Y, local.X)+math.Pi)/sector), azimuthBins)
		}

		cos := math.Max(-1, math.Min(1, nn.Vec().Dot(frame.z)))
		bin := clampBin(int((cos+1)/2*cosineBins), cosineBins)

		volume := (azimuth*elevationBins+elevation)*radialBins + radial
		d[volume*cosineBins+bin]++
		total++
	}
	if total == 0 {
		return nil, false
	}

	var norm float64
	for _, v := range d {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range d {
		d[i] /= norm
	}
	return d, true
}

func clampBin(b, n int) int {
	if b < 0 {
		return 0
	}
	if b >= n {
		return n - 1
	}
	return b
}

// referenceFrame is an orthonormal right-handed basis.
type referenceFrame struct {
	x, y, z r3.Vector
}

func (f referenceFrame) project(v r3.Vector) r3.Vector {
	return r3.Vector{X: v.Dot(f.x), Y: v.Dot(f.y), Z: v.Dot(f.z)}
}

// localFrame builds a repeatable frame from the distance-weighted scatter of
// the neighbourhood around p. The x and z axes are the largest and smallest
// principal directions, each pointing towards the side holding the majority
// of the neighbours. A tied z axis follows hint.
func localFrame(surface *pointcloud.Surface, p pointcloud.Point, hint r3.Vector, radius float64) (referenceFrame, bool) {
	nb := surface.Within(p, radius)
	if len(nb) < minNormalNeighbors {
		return referenceFrame{}, false
	}
	origin := p.Vec()

	var cov symmetric3
	var weight float64
	for _, n := range nb {
		w := radius - math.Sqrt(n.SquaredDistance)
		if w <= 0 {
			continue
		}
		cov.addOuter(surface.Point(n.Index).Vec().Sub(origin), w)
		weight += w
	}
	if weight == 0 {
		return referenceFrame{}, false
	}
	cov.scale(1 / weight)

	vals, vecs, ok := cov.eigen()
	if !ok || !(vals[2] > 0) || vals[1] <= degenerateRatio*vals[2] {
		return referenceFrame{}, false
	}

	x := disambiguate(surface, nb, origin, vecs[2].Normalize(), radius, r3.Vector{})
	z := disambiguate(surface, nb, origin, vecs[0].Normalize(), radius, hint)
	y := z.Cross(x)
	if y.Norm() < 0.5 {
		return referenceFrame{}, false
	}
	return referenceFrame{x: x, y: y.Normalize(), z: z}, true
}

// disambiguate flips axis when more neighbours lie on its negative side
// than on its positive side. Points within a small band of the plane
// through origin do not vote. On a tie the axis is turned towards hint.
func disambiguate(surface *pointcloud.Surface, nb []pointcloud.Neighbor, origin, axis r3.Vector, radius float64, hint r3.Vector) r3.Vector {
	band := radius * 1e-6
	positive, negative := 0, 0
	for _, n := range nb {
		d := surface.Point(n.Index).Vec().Sub(origin).Dot(axis)
		switch {
		case d > band:
			positive++
		case d < -band:
			negative++
		}
	}
	if negative > positive || (negative == positive && axis.Dot(hint) < 0) {
		return axis.Mul(-1)
	}
	return axis
}
