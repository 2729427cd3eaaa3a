package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/recognizer/internal/pointcloud"
	"github.com/banshee-data/recognizer/internal/pointcloud/features"
	"github.com/banshee-data/recognizer/internal/pointcloud/grouping"
	"github.com/banshee-data/recognizer/internal/pointcloud/matching"
	"github.com/banshee-data/recognizer/internal/timeutil"
)

// ErrNilCloud is returned when an update carries no cloud.
var ErrNilCloud = errors.New("nil point cloud")

// Options configures a Recognizer beyond its parameters.
type Options struct {
	// Sinks receive the poses of every model run.
	Sinks []PoseSink
	// ReplayModelOnScene re-runs the most recent model whenever Run
	// processes a new scene.
	ReplayModelOnScene bool
	// Clock stamps runs and scenes. Defaults to the wall clock.
	Clock timeutil.Clock
}

// Recognizer owns the scene and model state and runs recognition whenever a
// model arrives. Each role is serialised by its own mutex; the scene is
// published to model runs through an atomic snapshot.
type Recognizer struct {
	base Params
	opts Options

	sceneMu sync.Mutex
	modelMu sync.Mutex

	scene     atomic.Pointer[SceneSnapshot]
	lastModel atomic.Pointer[pointcloud.PointCloud]
	lastRun   atomic.Pointer[RunResult]
	sceneSeq  atomic.Uint64
	runCount  atomic.Uint64
}

// NewRecognizer validates params and returns an idle Recognizer.
func NewRecognizer(params Params, opts Options) (*Recognizer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Recognizer{base: params, opts: opts}, nil
}

// Params returns the configured (unscaled) parameters.
func (r *Recognizer) Params() Params {
	return r.base
}

// Scene returns the current scene snapshot, or nil before the first scene.
func (r *Recognizer) Scene() *SceneSnapshot {
	return r.scene.Load()
}

// Snapshot returns the result of the most recent model run, or nil.
func (r *Recognizer) Snapshot() *RunResult {
	return r.lastRun.Load()
}

// Runs returns the number of completed model runs.
func (r *Recognizer) Runs() uint64 {
	return r.runCount.Load()
}

// UpdateScene replaces the scene. The resolution of the new cloud is
// measured (when enabled), parameters are scaled from the configured values
// and scene features are extracted before the new snapshot is published.
func (r *Recognizer) UpdateScene(ctx context.Context, cloud *pointcloud.PointCloud) (*SceneSnapshot, error) {
	if cloud == nil {
		return nil, fmt.Errorf("scene: %w", ErrNilCloud)
	}
	r.sceneMu.Lock()
	defer r.sceneMu.Unlock()

	start := r.opts.Clock.Now()
	resolution := 0.0
	if r.base.UseCloudResolution {
		resolution = pointcloud.EstimateResolution(cloud)
		if resolution == 0 {
			opsf("scene %q: resolution unavailable, using unscaled parameters", cloud.FrameID)
		}
	}
	params := r.base.Scaled(resolution)
	diagf("scene %q: %d points, resolution=%.5f", cloud.FrameID, cloud.Len(), resolution)
	warnSupport(params, resolution)

	fs, err := r.extractor(params).Extract(ctx, pointcloud.RoleScene, cloud, params.SceneSamplingRadius)
	if err != nil {
		return nil, fmt.Errorf("scene: %w", err)
	}

	snap := &SceneSnapshot{
		Seq:        r.sceneSeq.Add(1),
		Cloud:      cloud,
		Features:   fs,
		Resolution: resolution,
		Params:     params,
		UpdatedAt:  r.opts.Clock.Now(),
	}
	r.scene.Store(snap)
	diagf("scene %d published: %d keypoints in %v", snap.Seq, fs.Len(), snap.UpdatedAt.Sub(start))
	return snap, nil
}

// UpdateModel replaces the model and runs recognition against the current
// scene snapshot. Parameters come from that snapshot so model and scene
// features are computed at the same scale. Poses are delivered to every
// sink; sink failures are joined into the returned error while the result
// is still returned.
func (r *Recognizer) UpdateModel(ctx context.Context, cloud *pointcloud.PointCloud) (*RunResult, error) {
	if cloud == nil {
		return nil, fmt.Errorf("model: %w", ErrNilCloud)
	}
	r.modelMu.Lock()
	defer r.modelMu.Unlock()
	r.lastModel.Store(cloud)

	start := r.opts.Clock.Now()
	res := &RunResult{
		Summary: RunSummary{
			RunID:       uuid.NewString(),
			StartedAt:   start,
			ModelFrame:  cloud.FrameID,
			ModelPoints: cloud.Len(),
		},
		ModelCloud: cloud,
	}

	// A single load; the scene may be replaced while this run proceeds.
	snap := r.scene.Load()
	if snap == nil {
		opsf("model %q arrived before any scene, nothing to match", cloud.FrameID)
		res.Summary.Params = r.base
		return r.finish(ctx, res, "no scene")
	}
	res.Scene = snap
	res.Summary.SceneFrame = snap.Cloud.FrameID
	res.Summary.ScenePoints = snap.Cloud.Len()
	res.Summary.SceneResolution = snap.Resolution
	res.Summary.SceneKeypoints = snap.Features.Len()
	params := snap.Params
	res.Summary.Params = params

	model, err := r.extractor(params).Extract(ctx, pointcloud.RoleModel, cloud, params.ModelSamplingRadius)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	res.Model = model
	res.Summary.ModelKeypoints = model.Len()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if model.Len() == 0 || snap.Features.Len() == 0 {
		diagf("run %s: scene=%d model=%d keypoints, no instances possible",
			res.Summary.RunID, snap.Features.Len(), model.Len())
		return r.finish(ctx, res, "no keypoints")
	}

	corrs := matching.Matcher{Threshold: params.MatchThreshold}.Match(snap.Features.Descriptors, model.Descriptors)
	res.Correspondences = corrs
	res.Summary.Correspondences = len(corrs)
	diagf("run %s: %d correspondences", res.Summary.RunID, len(corrs))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gc := grouping.GeometricConsistency{
		BinSize:      params.ClusterBinSize,
		Threshold:    params.ClusterThreshold,
		InlierFactor: params.InlierFactor,
	}
	hyps, err := gc.Recognize(model.Keypoints, snap.Features.Keypoints, corrs)
	if err != nil {
		return nil, fmt.Errorf("grouping: %w", err)
	}
	res.Hypotheses = hyps
	res.Poses = make([]DetectedPose, len(hyps))
	for i, h := range hyps {
		res.Poses[i] = poseFromHypothesis(i, h)
		diagf("run %s instance %d: support=%d rmse=%.5f quality=%s\n  R=%v\n  t=%v",
			res.Summary.RunID, i, len(h.Correspondences), h.RMSE, h.Quality, h.Rotation, res.Poses[i].Position)
	}
	return r.finish(ctx, res, "")
}

// finish stamps the summary, publishes the result and delivers poses.
func (r *Recognizer) finish(ctx context.Context, res *RunResult, skipReason string) (*RunResult, error) {
	res.Summary.Skipped = skipReason != ""
	res.Summary.SkipReason = skipReason
	if res.Poses == nil {
		res.Poses = []DetectedPose{}
	}
	res.Summary.Instances = len(res.Poses)
	res.Summary.Duration = r.opts.Clock.Since(res.Summary.StartedAt)
	r.lastRun.Store(res)
	r.runCount.Add(1)
	opsf("run %s: %d instance(s) of %q in %q (%v)",
		res.Summary.RunID, len(res.Poses), res.Summary.ModelFrame, res.Summary.SceneFrame, res.Summary.Duration)

	var errs []error
	for _, sink := range r.opts.Sinks {
		if err := sink.PublishPoses(ctx, res.Summary, res.Poses); err != nil {
			opsf("run %s: pose sink failed: %v", res.Summary.RunID, err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return res, fmt.Errorf("publish poses: %w", err)
	}
	return res, nil
}

func (r *Recognizer) extractor(p Params) *features.Extractor {
	return features.NewExtractor(p.NormalK, p.ReferenceFrameRadius, p.DescriptorRadius)
}

// warnSupport logs when the descriptor support is unlikely to cover the
// neighbourhood used for normals.
func warnSupport(p Params, resolution float64) {
	if resolution <= 0 {
		return
	}
	extent := resolution * math.Sqrt(float64(p.NormalK))
	if p.DescriptorRadius <= extent {
		diagf("descriptor radius %.5f does not exceed the normal neighbourhood (~%.5f)", p.DescriptorRadius, extent)
	}
}
