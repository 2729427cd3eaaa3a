package monitor

import (
	"math"
	"net/http"
	"time"

	"github.com/banshee-data/recognizer/internal/httputil"
	"github.com/banshee-data/recognizer/internal/pointcloud/pipeline"
)

type sceneStatus struct {
	Seq        uint64    `json:"seq"`
	Frame      string    `json:"frame"`
	Points     int       `json:"points"`
	Keypoints  int       `json:"keypoints"`
	Resolution float64   `json:"resolution"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type poseStatus struct {
	Instance    int         `json:"instance"`
	Position    [3]float64  `json:"position"`
	Orientation [4]float64  `json:"orientation"`
	Transform   [16]float64 `json:"transform"`
	Support     int         `json:"support"`
	RMSE        float64     `json:"rmse"`
	Quality     string      `json:"quality"`
}

type runStatus struct {
	RunID           string       `json:"run_id"`
	StartedAt       time.Time    `json:"started_at"`
	DurationMS      float64      `json:"duration_ms"`
	SceneFrame      string       `json:"scene_frame"`
	ModelFrame      string       `json:"model_frame"`
	ModelKeypoints  int          `json:"model_keypoints"`
	Correspondences int          `json:"correspondences"`
	Skipped         bool         `json:"skipped"`
	SkipReason      string       `json:"skip_reason,omitempty"`
	Poses           []poseStatus `json:"poses"`
}

type paramsStatus struct {
	ModelSamplingRadius  float64 `json:"model_ss"`
	SceneSamplingRadius  float64 `json:"scene_ss"`
	ReferenceFrameRadius float64 `json:"rf_rad"`
	DescriptorRadius     float64 `json:"descr_rad"`
	ClusterBinSize       float64 `json:"cg_size"`
	ClusterThreshold     float64 `json:"cg_thresh"`
	NormalK              int     `json:"normal_k"`
	MatchThreshold       float64 `json:"match_threshold"`
	InlierFactor         float64 `json:"inlier_factor"`
	UseCloudResolution   bool    `json:"use_cloud_resolution"`
}

// finite replaces values JSON cannot carry.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func toParamsStatus(p pipeline.Params) paramsStatus {
	return paramsStatus{
		ModelSamplingRadius:  p.ModelSamplingRadius,
		SceneSamplingRadius:  p.SceneSamplingRadius,
		ReferenceFrameRadius: p.ReferenceFrameRadius,
		DescriptorRadius:     p.DescriptorRadius,
		ClusterBinSize:       p.ClusterBinSize,
		ClusterThreshold:     p.ClusterThreshold,
		NormalK:              p.NormalK,
		MatchThreshold:       p.MatchThreshold,
		InlierFactor:         p.InlierFactor,
		UseCloudResolution:   p.UseCloudResolution,
	}
}

func toRunStatus(res *pipeline.RunResult) *runStatus {
	if res == nil {
		return nil
	}
	s := res.Summary
	out := &runStatus{
		RunID:           s.RunID,
		StartedAt:       s.StartedAt,
		DurationMS:      float64(s.Duration) / float64(time.Millisecond),
		SceneFrame:      s.SceneFrame,
		ModelFrame:      s.ModelFrame,
		ModelKeypoints:  s.ModelKeypoints,
		Correspondences: s.Correspondences,
		Skipped:         s.Skipped,
		SkipReason:      s.SkipReason,
		Poses:           make([]poseStatus, len(res.Poses)),
	}
	for i, p := range res.Poses {
		out.Poses[i] = poseStatus{
			Instance:    p.Instance,
			Position:    p.Position,
			Orientation: p.Orientation,
			Transform:   p.Transform,
			Support:     p.Support,
			RMSE:        finite(p.RMSE),
			Quality:     string(p.Quality),
		}
	}
	return out
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if ws.recognizer == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "recognizer not configured")
		return
	}
	doc := map[string]any{
		"runs":     ws.recognizer.Runs(),
		"params":   toParamsStatus(ws.recognizer.Params()),
		"scene":    nil,
		"last_run": toRunStatus(ws.recognizer.Snapshot()),
	}
	if snap := ws.recognizer.Scene(); snap != nil {
		doc["scene"] = sceneStatus{
			Seq:        snap.Seq,
			Frame:      snap.Cloud.FrameID,
			Points:     snap.Cloud.Len(),
			Keypoints:  snap.Features.Len(),
			Resolution: finite(snap.Resolution),
			UpdatedAt:  snap.UpdatedAt,
		}
		doc["scene_params"] = toParamsStatus(snap.Params)
	}
	for name, fn := range ws.extras {
		doc[name] = fn()
	}
	httputil.WriteJSON(w, http.StatusOK, doc)
}

func (ws *WebServer) handleParams(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if ws.recognizer == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "recognizer not configured")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toParamsStatus(ws.recognizer.Params()))
}

func (ws *WebServer) handlePoses(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if ws.recognizer == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "recognizer not configured")
		return
	}
	res := ws.recognizer.Snapshot()
	if res == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no model run yet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRunStatus(res))
}

// handleRuns lists recorded runs. Query params:
//
//	limit (optional, default 20, at most 500)
func (ws *WebServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if ws.runs == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}
	limit, err := httputil.IntParam(r, "limit", 20, 1, 500)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := ws.runs.RecentRuns(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "list runs: "+err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}
