package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/recognizer/internal/pointcloud"
	"github.com/banshee-data/recognizer/internal/pointcloud/features"
	"github.com/banshee-data/recognizer/internal/pointcloud/grouping"
	"github.com/banshee-data/recognizer/internal/pointcloud/matching"
)

// PoseSink receives the poses of every completed model run, in hypothesis
// order. A run that found nothing is still delivered with an empty slice so
// sinks can record it.
type PoseSink interface {
	PublishPoses(ctx context.Context, run RunSummary, poses []DetectedPose) error
}

// PoseSinkFunc adapts a function to PoseSink.
type PoseSinkFunc func(ctx context.Context, run RunSummary, poses []DetectedPose) error

// PublishPoses implements PoseSink.
func (f PoseSinkFunc) PublishPoses(ctx context.Context, run RunSummary, poses []DetectedPose) error {
	return f(ctx, run, poses)
}

// DetectedPose is one recognised model instance in scene coordinates.
type DetectedPose struct {
	Instance int
	// Position is the translation that moves the model into the scene.
	Position [3]float64
	// Orientation is a unit quaternion ordered x, y, z, w.
	Orientation [4]float64
	Transform   [16]float64
	Support     int
	RMSE        float64
	Quality     grouping.PoseQuality
}

// RunSummary describes one model run.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	Duration   time.Duration
	SceneFrame string
	ModelFrame string

	SceneResolution float64
	ScenePoints     int
	ModelPoints     int
	SceneKeypoints  int
	ModelKeypoints  int
	Correspondences int
	Instances       int

	// Params are the scaled values the run used.
	Params Params
	// Skipped is set when the run ended before matching, for example
	// because no scene had been processed yet.
	Skipped    bool
	SkipReason string
}

// SceneSnapshot is the immutable result of processing one scene. Model runs
// read exactly one snapshot and never observe a partially updated scene.
type SceneSnapshot struct {
	Seq        uint64
	Cloud      *pointcloud.PointCloud
	Features   *features.FeatureSet
	Resolution float64
	Params     Params
	UpdatedAt  time.Time
}

// RunResult is everything produced by one model run.
type RunResult struct {
	Summary         RunSummary
	Poses           []DetectedPose
	Hypotheses      []grouping.Hypothesis
	Correspondences []matching.Correspondence
	Scene           *SceneSnapshot
	Model           *features.FeatureSet
	// ModelCloud is the cloud the run was started with.
	ModelCloud *pointcloud.PointCloud
}

// AlignedInstances moves a copy of the whole model cloud into the scene for
// every hypothesis. Frame IDs are "<model>-instance-<n>".
func (res *RunResult) AlignedInstances() []*pointcloud.PointCloud {
	if res == nil || res.ModelCloud == nil {
		return nil
	}
	out := make([]*pointcloud.PointCloud, 0, len(res.Hypotheses))
	for i, h := range res.Hypotheses {
		pts := make([]pointcloud.Point, len(res.ModelCloud.Points))
		for j, p := range res.ModelCloud.Points {
			moved := pointcloud.PointFromVec(h.Rotation.Apply(p.Vec()).Add(h.Translation))
			moved.Intensity = p.Intensity
			pts[j] = moved
		}
		out = append(out, &pointcloud.PointCloud{
			Points:    pts,
			FrameID:   fmt.Sprintf("%s-instance-%d", res.ModelCloud.FrameID, i),
			Timestamp: res.Summary.StartedAt,
		})
	}
	return out
}

func poseFromHypothesis(i int, h grouping.Hypothesis) DetectedPose {
	q := grouping.RotationToQuaternion(h.Rotation)
	return DetectedPose{
		Instance:    i,
		Position:    [3]float64{h.Translation.X, h.Translation.Y, h.Translation.Z},
		Orientation: [4]float64{q.X, q.Y, q.Z, q.W},
		Transform:   h.Transform(),
		Support:     len(h.Correspondences),
		RMSE:        h.RMSE,
		Quality:     h.Quality,
	}
}
