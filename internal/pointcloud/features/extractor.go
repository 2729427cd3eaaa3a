package features

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/recognizer/internal/pointcloud"
)

// ErrMisaligned is returned when keypoints, normals and descriptors of a
// feature set do not line up one to one.
var ErrMisaligned = errors.New("feature arrays are not index-aligned")

// FeatureSet holds everything extracted from one cloud. Indices, Keypoints,
// Normals and Descriptors always have the same length and order.
type FeatureSet struct {
	Role        pointcloud.Role
	Indices     []int
	Keypoints   []pointcloud.Point
	Normals     []Normal
	Descriptors []Descriptor
	// SurfaceSize is the number of points in the source cloud.
	SurfaceSize int
}

// Len returns the number of keypoints.
func (fs *FeatureSet) Len() int {
	if fs == nil {
		return 0
	}
	return len(fs.Indices)
}

// ValidDescriptors counts keypoints whose descriptor could be computed.
func (fs *FeatureSet) ValidDescriptors() int {
	if fs == nil {
		return 0
	}
	n := 0
	for _, d := range fs.Descriptors {
		if d.IsValid() {
			n++
		}
	}
	return n
}

// Validate checks the alignment invariant.
func (fs *FeatureSet) Validate() error {
	n := len(fs.Indices)
	if len(fs.Keypoints) != n || len(fs.Normals) != n || len(fs.Descriptors) != n {
		return fmt.Errorf("%s: indices=%d keypoints=%d normals=%d descriptors=%d: %w",
			fs.Role, n, len(fs.Keypoints), len(fs.Normals), len(fs.Descriptors), ErrMisaligned)
	}
	return nil
}

// Extractor turns a cloud into a FeatureSet. Normals are estimated over the
// whole cloud so descriptors can use every surface point, not only the
// keypoints.
type Extractor struct {
	Normals     NormalEstimator
	Descriptors DescriptorEstimator
}

// NewExtractor returns an Extractor using the default estimators.
func NewExtractor(normalK int, lrfRadius, descriptorRadius float64) *Extractor {
	return &Extractor{
		Normals:     KNNNormalEstimator{K: normalK},
		Descriptors: SHOTEstimator{Radius: descriptorRadius, LRFRadius: lrfRadius},
	}
}

// Extract samples keypoints from cloud at samplingRadius and describes
// them. The context is checked between stages.
func (e *Extractor) Extract(ctx context.Context, role pointcloud.Role, cloud *pointcloud.PointCloud, samplingRadius float64) (*FeatureSet, error) {
	indices, err := pointcloud.UniformSample(cloud, samplingRadius)
	if err != nil {
		return nil, fmt.Errorf("%s keypoints: %w", role, err)
	}
	diagf("%s: %d points, %d keypoints (radius=%.4f)", role, cloud.Len(), len(indices), samplingRadius)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	surface := pointcloud.NewSurface(cloud)
	normals, err := e.Normals.EstimateNormals(surface, nil)
	if err != nil {
		return nil, fmt.Errorf("%s normals: %w", role, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	descriptors, err := e.Descriptors.Compute(surface, normals, indices)
	if err != nil {
		return nil, fmt.Errorf("%s descriptors: %w", role, err)
	}

	keypointNormals := make([]Normal, len(indices))
	for i, idx := range indices {
		keypointNormals[i] = normals[idx]
	}
	fs := &FeatureSet{
		Role:        role,
		Indices:     indices,
		Keypoints:   pointcloud.SelectPoints(cloud, indices),
		Normals:     keypointNormals,
		Descriptors: descriptors,
		SurfaceSize: cloud.Len(),
	}
	if err := fs.Validate(); err != nil {
		return nil, err
	}
	if fs.Len() > 0 && fs.ValidDescriptors() == 0 {
		opsf("%s: none of %d keypoints produced a descriptor", role, fs.Len())
	}
	diagf("%s: %d/%d descriptors valid", role, fs.ValidDescriptors(), fs.Len())
	return fs, nil
}
