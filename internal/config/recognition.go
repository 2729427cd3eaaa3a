package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical recognition defaults file.
const DefaultConfigPath = "config/recognition.defaults.json"

// RecognitionConfig is the on-disk recognition configuration. Every field is
// optional; the Get* accessors supply the default for anything omitted, so
// a partial file only overrides what it names.
type RecognitionConfig struct {
	// Keypoint sampling and descriptor support, in multiples of the scene
	// resolution when UseCloudResolution is true, otherwise in metres.
	ModelSamplingRadius  *float64 `json:"model_ss,omitempty"`
	SceneSamplingRadius  *float64 `json:"scene_ss,omitempty"`
	ReferenceFrameRadius *float64 `json:"rf_rad,omitempty"`
	DescriptorRadius     *float64 `json:"descr_rad,omitempty"`

	// Correspondence grouping
	ClusterBinSize   *float64 `json:"cg_size,omitempty"`
	ClusterThreshold *float64 `json:"cg_thresh,omitempty"`
	InlierFactor     *float64 `json:"inlier_factor,omitempty"`

	UseCloudResolution *bool    `json:"use_cloud_resolution,omitempty"`
	NormalK            *int     `json:"normal_k,omitempty"`
	MatchThreshold     *float64 `json:"match_threshold,omitempty"`

	// ReplayModelOnScene re-runs the last model against every new scene.
	ReplayModelOnScene *bool `json:"replay_model_on_scene,omitempty"`

	// Transport
	FrameTimeout    *string `json:"frame_timeout,omitempty"` // duration string like "2s"
	PublisherBuffer *int    `json:"publisher_buffer,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyRecognitionConfig returns a config with every field unset.
func EmptyRecognitionConfig() *RecognitionConfig {
	return &RecognitionConfig{}
}

// DefaultRecognitionConfig returns a config with every field set to its
// default value.
func DefaultRecognitionConfig() *RecognitionConfig {
	return &RecognitionConfig{
		ModelSamplingRadius:  ptrFloat64(0.01),
		SceneSamplingRadius:  ptrFloat64(0.03),
		ReferenceFrameRadius: ptrFloat64(0.015),
		DescriptorRadius:     ptrFloat64(0.02),
		ClusterBinSize:       ptrFloat64(0.01),
		ClusterThreshold:     ptrFloat64(5),
		InlierFactor:         ptrFloat64(2),
		UseCloudResolution:   ptrBool(true),
		NormalK:              ptrInt(10),
		MatchThreshold:       ptrFloat64(MaxMatchThreshold),
		ReplayModelOnScene:   ptrBool(false),
		FrameTimeout:         ptrString("2s"),
		PublisherBuffer:      ptrInt(16),
	}
}

// LoadRecognitionConfig loads a config from a JSON file. The path must have
// a .json extension and the file must be under 1 MB.
func LoadRecognitionConfig(path string) (*RecognitionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRecognitionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *RecognitionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/pointcloud/pipeline/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadRecognitionConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// MaxMatchThreshold is the loosest squared descriptor distance accepted for
// a correspondence. match_threshold may only tighten it.
const MaxMatchThreshold = 0.25

// Validate checks that the values that are set are usable.
func (c *RecognitionConfig) Validate() error {
	radii := []struct {
		name string
		v    *float64
	}{
		{"model_ss", c.ModelSamplingRadius},
		{"scene_ss", c.SceneSamplingRadius},
		{"rf_rad", c.ReferenceFrameRadius},
		{"descr_rad", c.DescriptorRadius},
		{"cg_size", c.ClusterBinSize},
		{"match_threshold", c.MatchThreshold},
		{"inlier_factor", c.InlierFactor},
	}
	for _, r := range radii {
		if r.v == nil {
			continue
		}
		if !(*r.v > 0) || math.IsInf(*r.v, 0) {
			return fmt.Errorf("%s must be positive and finite, got %v", r.name, *r.v)
		}
	}

	if c.MatchThreshold != nil && *c.MatchThreshold > MaxMatchThreshold {
		return fmt.Errorf("match_threshold must not exceed %v, got %v", MaxMatchThreshold, *c.MatchThreshold)
	}
	if c.ClusterThreshold != nil && (*c.ClusterThreshold < 1 || math.IsInf(*c.ClusterThreshold, 0)) {
		return fmt.Errorf("cg_thresh must be at least 1, got %v", *c.ClusterThreshold)
	}
	if c.NormalK != nil && *c.NormalK < 3 {
		return fmt.Errorf("normal_k must be at least 3, got %d", *c.NormalK)
	}
	if c.PublisherBuffer != nil && *c.PublisherBuffer < 1 {
		return fmt.Errorf("publisher_buffer must be positive, got %d", *c.PublisherBuffer)
	}
	if c.FrameTimeout != nil && *c.FrameTimeout != "" {
		if _, err := time.ParseDuration(*c.FrameTimeout); err != nil {
			return fmt.Errorf("invalid frame_timeout '%s': %w", *c.FrameTimeout, err)
		}
	}
	return nil
}

// GetModelSamplingRadius returns model_ss or the default.
func (c *RecognitionConfig) GetModelSamplingRadius() float64 {
	if c.ModelSamplingRadius == nil {
		return 0.01
	}
	return *c.ModelSamplingRadius
}

// GetSceneSamplingRadius returns scene_ss or the default.
func (c *RecognitionConfig) GetSceneSamplingRadius() float64 {
	if c.SceneSamplingRadius == nil {
		return 0.03
	}
	return *c.SceneSamplingRadius
}

// GetReferenceFrameRadius returns rf_rad or the default.
func (c *RecognitionConfig) GetReferenceFrameRadius() float64 {
	if c.ReferenceFrameRadius == nil {
		return 0.015
	}
	return *c.ReferenceFrameRadius
}

// GetDescriptorRadius returns descr_rad or the default.
func (c *RecognitionConfig) GetDescriptorRadius() float64 {
	if c.DescriptorRadius == nil {
		return 0.02
	}
	return *c.DescriptorRadius
}

// GetClusterBinSize returns cg_size or the default.
func (c *RecognitionConfig) GetClusterBinSize() float64 {
	if c.ClusterBinSize == nil {
		return 0.01
	}
	return *c.ClusterBinSize
}

// GetClusterThreshold returns cg_thresh or the default.
func (c *RecognitionConfig) GetClusterThreshold() float64 {
	if c.ClusterThreshold == nil {
		return 5
	}
	return *c.ClusterThreshold
}

// GetInlierFactor returns inlier_factor or the default.
func (c *RecognitionConfig) GetInlierFactor() float64 {
	if c.InlierFactor == nil {
		return 2
	}
	return *c.InlierFactor
}

// GetUseCloudResolution returns use_cloud_resolution or the default.
func (c *RecognitionConfig) GetUseCloudResolution() bool {
	if c.UseCloudResolution == nil {
		return true
	}
	return *c.UseCloudResolution
}

// GetNormalK returns normal_k or the default.
func (c *RecognitionConfig) GetNormalK() int {
	if c.NormalK == nil {
		return 10
	}
	return *c.NormalK
}

// GetMatchThreshold returns match_threshold or the default.
func (c *RecognitionConfig) GetMatchThreshold() float64 {
	if c.MatchThreshold == nil {
		return 0.25
	}
	return *c.MatchThreshold
}

// GetReplayModelOnScene returns replay_model_on_scene or the default.
func (c *RecognitionConfig) GetReplayModelOnScene() bool {
	if c.ReplayModelOnScene == nil {
		return false
	}
	return *c.ReplayModelOnScene
}

// GetFrameTimeout parses frame_timeout, falling back to 2s.
func (c *RecognitionConfig) GetFrameTimeout() time.Duration {
	if c.FrameTimeout == nil || *c.FrameTimeout == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(*c.FrameTimeout)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetPublisherBuffer returns publisher_buffer or the default.
func (c *RecognitionConfig) GetPublisherBuffer() int {
	if c.PublisherBuffer == nil {
		return 16
	}
	return *c.PublisherBuffer
}
