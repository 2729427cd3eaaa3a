package publisher

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/recognizer/internal/pointcloud/grouping"
	"github.com/banshee-data/recognizer/internal/pointcloud/pipeline"
)

// PoseUpdate is the decoded form of one streamed run.
type PoseUpdate struct {
	RunID      string
	StartedAt  time.Time
	SceneFrame string
	ModelFrame string
	Skipped    bool
	SkipReason string
	Poses      []pipeline.DetectedPose
}

func floats(v []float64) []any {
	out := make([]any, len(v))
	for i, f := range v {
		out[i] = f
	}
	return out
}

// EncodeUpdate builds the wire message for one run. NaN RMSE values are
// sent as null.
func EncodeUpdate(run pipeline.RunSummary, poses []pipeline.DetectedPose) (*structpb.Struct, error) {
	list := make([]any, len(poses))
	for i, p := range poses {
		list[i] = map[string]any{
			"instance":    p.Instance,
			"position":    floats(p.Position[:]),
			"orientation": floats(p.Orientation[:]),
			"transform":   floats(p.Transform[:]),
			"support":     p.Support,
			"rmse":        rmseValue(p.RMSE),
			"quality":     string(p.Quality),
		}
	}
	return structpb.NewStruct(map[string]any{
		"run_id":      run.RunID,
		"started_at":  run.StartedAt.UTC().Format(time.RFC3339Nano),
		"duration_ms": float64(run.Duration) / float64(time.Millisecond),
		"scene_frame": run.SceneFrame,
		"model_frame": run.ModelFrame,
		"instances":   len(poses),
		"skipped":     run.Skipped,
		"skip_reason": run.SkipReason,
		"poses":       list,
	})
}

func rmseValue(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func fixed(v *structpb.Value, dst []float64) error {
	l := v.GetListValue()
	if l == nil || len(l.Values) != len(dst) {
		return fmt.Errorf("want %d numbers", len(dst))
	}
	for i, e := range l.Values {
		dst[i] = e.GetNumberValue()
	}
	return nil
}

// DecodeUpdate parses a streamed message.
func DecodeUpdate(s *structpb.Struct) (PoseUpdate, error) {
	f := s.GetFields()
	u := PoseUpdate{
		RunID:      f["run_id"].GetStringValue(),
		SceneFrame: f["scene_frame"].GetStringValue(),
		ModelFrame: f["model_frame"].GetStringValue(),
		Skipped:    f["skipped"].GetBoolValue(),
		SkipReason: f["skip_reason"].GetStringValue(),
	}
	if u.RunID == "" {
		return PoseUpdate{}, fmt.Errorf("update has no run_id")
	}
	if ts := f["started_at"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return PoseUpdate{}, fmt.Errorf("started_at: %w", err)
		}
		u.StartedAt = t
	}
	for i, v := range f["poses"].GetListValue().GetValues() {
		pf := v.GetStructValue().GetFields()
		p := pipeline.DetectedPose{
			Instance: int(pf["instance"].GetNumberValue()),
			Support:  int(pf["support"].GetNumberValue()),
			RMSE:     math.NaN(),
		}
		if r, ok := pf["rmse"].GetKind().(*structpb.Value_NumberValue); ok {
			p.RMSE = r.NumberValue
		}
		p.Quality = grouping.ParsePoseQuality(pf["quality"].GetStringValue())
		if err := fixed(pf["position"], p.Position[:]); err != nil {
			return PoseUpdate{}, fmt.Errorf("pose %d position: %w", i, err)
		}
		if err := fixed(pf["orientation"], p.Orientation[:]); err != nil {
			return PoseUpdate{}, fmt.Errorf("pose %d orientation: %w", i, err)
		}
		if err := fixed(pf["transform"], p.Transform[:]); err != nil {
			return PoseUpdate{}, fmt.Errorf("pose %d transform: %w", i, err)
		}
		u.Poses = append(u.Poses, p)
	}
	return u, nil
}
