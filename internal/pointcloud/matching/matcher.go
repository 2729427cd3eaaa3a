// Package matching pairs scene descriptors with their nearest model
// descriptor.
package matching

import (
	"math"

	"github.com/banshee-data/recognizer/internal/pointcloud"
	"github.com/banshee-data/recognizer/internal/pointcloud/features"
)

// DefaultThreshold is the squared descriptor distance below which a
// nearest neighbour is accepted.
const DefaultThreshold = 0.25

// Correspondence links a model keypoint to a scene keypoint whose
// descriptors are close. Indices refer to the keypoint sets, not to the
// source clouds.
type Correspondence struct {
	ModelIndex      int
	SceneIndex      int
	SquaredDistance float64
}

// Matcher performs 1-nearest-neighbour descriptor matching.
type Matcher struct {
	// Threshold is the exclusive upper bound on squared descriptor
	// distance. Zero selects DefaultThreshold; larger values are capped
	// at it.
	Threshold float64
}

// Match returns at most one correspondence per scene descriptor, in scene
// order. Scene descriptors whose leading component is not finite are
// skipped, and invalid model descriptors are never matched.
func (m Matcher) Match(scene, model []features.Descriptor) []Correspondence {
	threshold := m.Threshold
	if !(threshold > 0) || threshold > DefaultThreshold {
		threshold = DefaultThreshold
	}

	vectors := make([][]float64, len(model))
	for i, d := range model {
		if d.IsValid() {
			vectors[i] = d
		}
	}
	index := pointcloud.NewVectorIndex(vectors)
	if index.Len() == 0 {
		return nil
	}

	var out []Correspondence
	skipped := 0
	for si, d := range scene {
		if len(d) == 0 || math.IsNaN(d[0]) || math.IsInf(d[0], 0) {
			skipped++
			continue
		}
		nb := index.Nearest(d, 1)
		if len(nb) != 1 {
			continue
		}
		if nb[0].SquaredDistance < threshold {
			out = append(out, Correspondence{
				ModelIndex:      nb[0].Index,
				SceneIndex:      si,
				SquaredDistance: nb[0].SquaredDistance,
			})
		}
	}
	tracef("matched %d of %d scene descriptors against %d model descriptors (%d skipped)",
		len(out), len(scene), index.Len(), skipped)
	return out
}
