package pipeline

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/recognizer/internal/config"
	"github.com/banshee-data/recognizer/internal/pointcloud/matching"
)

// ErrInvalidParams is returned when a parameter set cannot be used.
var ErrInvalidParams = errors.New("invalid recognition parameters")

// Params is the full recognition parameter set. The radii and the bin size
// are expressed in cloud-resolution units when UseCloudResolution is set and
// in metres otherwise.
type Params struct {
	ModelSamplingRadius  float64
	SceneSamplingRadius  float64
	ReferenceFrameRadius float64
	DescriptorRadius     float64
	ClusterBinSize       float64
	ClusterThreshold     float64

	NormalK            int
	MatchThreshold     float64
	InlierFactor       float64
	UseCloudResolution bool
}

// DefaultParams returns the built-in defaults.
func DefaultParams() Params {
	return ParamsFromConfig(config.EmptyRecognitionConfig())
}

// ParamsFromConfig reads a parameter set from cfg, falling back to defaults
// for anything cfg leaves unset.
func ParamsFromConfig(cfg *config.RecognitionConfig) Params {
	return Params{
		ModelSamplingRadius:  cfg.GetModelSamplingRadius(),
		SceneSamplingRadius:  cfg.GetSceneSamplingRadius(),
		ReferenceFrameRadius: cfg.GetReferenceFrameRadius(),
		DescriptorRadius:     cfg.GetDescriptorRadius(),
		ClusterBinSize:       cfg.GetClusterBinSize(),
		ClusterThreshold:     cfg.GetClusterThreshold(),
		NormalK:              cfg.GetNormalK(),
		MatchThreshold:       cfg.GetMatchThreshold(),
		InlierFactor:         cfg.GetInlierFactor(),
		UseCloudResolution:   cfg.GetUseCloudResolution(),
	}
}

// Validate reports the first unusable value.
func (p Params) Validate() error {
	positive := []struct {
		name string
		v    float64
	}{
		{"model sampling radius", p.ModelSamplingRadius},
		{"scene sampling radius", p.SceneSamplingRadius},
		{"reference frame radius", p.ReferenceFrameRadius},
		{"descriptor radius", p.DescriptorRadius},
		{"cluster bin size", p.ClusterBinSize},
		{"match threshold", p.MatchThreshold},
		{"inlier factor", p.InlierFactor},
	}
	for _, f := range positive {
		if !(f.v > 0) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%s %v: %w", f.name, f.v, ErrInvalidParams)
		}
	}
	if p.MatchThreshold > matching.DefaultThreshold {
		return fmt.Errorf("match threshold %v above %v: %w", p.MatchThreshold, matching.DefaultThreshold, ErrInvalidParams)
	}
	if p.ClusterThreshold < 1 || math.IsNaN(p.ClusterThreshold) || math.IsInf(p.ClusterThreshold, 0) {
		return fmt.Errorf("cluster threshold %v: %w", p.ClusterThreshold, ErrInvalidParams)
	}
	if p.NormalK < 3 {
		return fmt.Errorf("normal k %d: %w", p.NormalK, ErrInvalidParams)
	}
	return nil
}

// Scaled returns p with every radius and the bin size multiplied by
// resolution. p itself is never modified, so scaling always starts from the
// configured values. When UseCloudResolution is off, or resolution is not a
// positive finite number, p is returned unchanged.
func (p Params) Scaled(resolution float64) Params {
	if !p.UseCloudResolution || !(resolution > 0) || math.IsInf(resolution, 0) {
		return p
	}
	p.ModelSamplingRadius *= resolution
	p.SceneSamplingRadius *= resolution
	p.ReferenceFrameRadius *= resolution
	p.DescriptorRadius *= resolution
	p.ClusterBinSize *= resolution
	return p
}
