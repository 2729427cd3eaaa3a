package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/recognizer/internal/pointcloud"
	"github.com/banshee-data/recognizer/internal/pointcloud/features"
	"github.com/banshee-data/recognizer/internal/pointcloud/grouping"
	"github.com/banshee-data/recognizer/internal/pointcloud/pcdio"
	"github.com/banshee-data/recognizer/internal/pointcloud/pipeline"
	"github.com/banshee-data/recognizer/internal/posedb"
)

type fakeRecognizer struct {
	scene *pipeline.SceneSnapshot
	run   *pipeline.RunResult
	runs  uint64
}

func (f *fakeRecognizer) Params() pipeline.Params        { return pipeline.DefaultParams() }
func (f *fakeRecognizer) Scene() *pipeline.SceneSnapshot { return f.scene }
func (f *fakeRecognizer) Snapshot() *pipeline.RunResult  { return f.run }
func (f *fakeRecognizer) Runs() uint64                   { return f.runs }

type fakeRuns struct {
	runs []posedb.RunRecord
	err  error
	got  int
}

func (f *fakeRuns) RecentRuns(_ context.Context, limit int) ([]posedb.RunRecord, error) {
	f.got = limit
	return f.runs, f.err
}

func gridPoints(n int) []pointcloud.Point {
	pts := make([]pointcloud.Point, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			pts = append(pts, pointcloud.Point{X: float64(i) * 0.1, Y: float64(j) * 0.1, Z: 1})
		}
	}
	return pts
}

func populated() *fakeRecognizer {
	cloud := pointcloud.NewPointCloud("scene-5", gridPoints(20))
	model := []pointcloud.Point{{X: 0, Y: 0, Z: 0}, {X: 0.1, Y: 0, Z: 0}, {X: 0, Y: 0.1, Z: 0}}
	hyp := grouping.Hypothesis{
		Rotation:    grouping.IdentityRotation,
		Translation: r3.Vector{X: 1, Y: 1, Z: 1},
		RMSE:        0.001,
		Quality:     grouping.PoseQualityExcellent,
	}
	return &fakeRecognizer{
		runs: 3,
		scene: &pipeline.SceneSnapshot{
			Seq:        2,
			Cloud:      cloud,
			Features:   &features.FeatureSet{Indices: []int{0, 1}, Keypoints: cloud.Points[:2]},
			Resolution: 0.1,
			Params:     pipeline.DefaultParams(),
			UpdatedAt:  time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
		},
		run: &pipeline.RunResult{
			Summary: pipeline.RunSummary{
				RunID:      "run-9",
				ModelFrame: "model-1",
				SceneFrame: "scene-5",
				Duration:   3 * time.Millisecond,
			},
			Hypotheses: []grouping.Hypothesis{hyp},
			Poses: []pipeline.DetectedPose{{
				Position:    [3]float64{1, 1, 1},
				Orientation: [4]float64{0, 0, 0, 1},
				Support:     3,
				RMSE:        0.001,
				Quality:     grouping.PoseQualityExcellent,
			}},
			Model: &features.FeatureSet{Indices: []int{0, 1, 2}, Keypoints: model},
		},
	}
}

func get(t *testing.T, ws *WebServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ws.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	ws := NewWebServer(WebServerConfig{})
	rec := get(t, ws, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestStatusBeforeAnyScene(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Recognizer: &fakeRecognizer{}})
	rec := get(t, ws, "/api/recognition/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "null", string(doc["scene"]))
	assert.Equal(t, "null", string(doc["last_run"]))
	assert.Equal(t, "0", string(doc["runs"]))
}

func TestStatusWithRun(t *testing.T) {
	ws := NewWebServer(WebServerConfig{
		Recognizer: populated(),
		Extras:     map[string]func() any{"network": func() any { return map[string]int{"frames": 7} }},
	})
	rec := get(t, ws, "/api/recognition/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		Runs  uint64 `json:"runs"`
		Scene struct {
			Seq       uint64 `json:"seq"`
			Frame     string `json:"frame"`
			Points    int    `json:"points"`
			Keypoints int    `json:"keypoints"`
		} `json:"scene"`
		LastRun struct {
			RunID string `json:"run_id"`
			Poses []struct {
				Quality string `json:"quality"`
			} `json:"poses"`
		} `json:"last_run"`
		Params struct {
			SceneSS float64 `json:"scene_ss"`
		} `json:"params"`
		Network map[string]int `json:"network"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, uint64(3), doc.Runs)
	assert.Equal(t, uint64(2), doc.Scene.Seq)
	assert.Equal(t, "scene-5", doc.Scene.Frame)
	assert.Equal(t, 400, doc.Scene.Points)
	assert.Equal(t, 2, doc.Scene.Keypoints)
	assert.Equal(t, "run-9", doc.LastRun.RunID)
	require.Len(t, doc.LastRun.Poses, 1)
	assert.Equal(t, "excellent", doc.LastRun.Poses[0].Quality)
	assert.Equal(t, pipeline.DefaultParams().SceneSamplingRadius, doc.Params.SceneSS)
	assert.Equal(t, 7, doc.Network["frames"])
}

func TestStatusWithoutRecognizer(t *testing.T) {
	ws := NewWebServer(WebServerConfig{})
	for _, path := range []string{"/api/recognition/status", "/api/recognition/params", "/api/recognition/poses"} {
		assert.Equal(t, http.StatusServiceUnavailable, get(t, ws, path).Code, path)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Recognizer: &fakeRecognizer{}})
	rec := httptest.NewRecorder()
	ws.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/recognition/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPoses(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Recognizer: &fakeRecognizer{}})
	assert.Equal(t, http.StatusNotFound, get(t, ws, "/api/recognition/poses").Code)

	ws = NewWebServer(WebServerConfig{Recognizer: populated()})
	rec := get(t, ws, "/api/recognition/poses")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-9"`)
}

func TestNaNRMSEIsSerialisable(t *testing.T) {
	rec := populated()
	rec.run.Poses[0].RMSE = 0
	rec.run.Poses = append(rec.run.Poses, pipeline.DetectedPose{Instance: 1})
	rec.run.Poses[1].RMSE = math.NaN()
	ws := NewWebServer(WebServerConfig{Recognizer: rec})
	assert.Equal(t, http.StatusOK, get(t, ws, "/api/recognition/poses").Code)
}

func TestRuns(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Recognizer: &fakeRecognizer{}})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, ws, "/api/recognition/runs").Code)

	store := &fakeRuns{runs: []posedb.RunRecord{{RunID: "a"}, {RunID: "b"}}}
	ws = NewWebServer(WebServerConfig{Runs: store})
	rec := get(t, ws, "/api/recognition/runs?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, store.got)
	var runs []posedb.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 2)

	assert.Equal(t, http.StatusBadRequest, get(t, ws, "/api/recognition/runs?limit=0").Code)

	store.err = errors.New("disk full")
	assert.Equal(t, http.StatusInternalServerError, get(t, ws, "/api/recognition/runs").Code)
}

func TestBuildOverlay(t *testing.T) {
	r := populated()
	ov := buildOverlay(r.scene, r.run, 100)
	assert.Equal(t, 4, ov.stride)
	assert.Len(t, ov.scene, 100)
	require.Len(t, ov.instances, 1)
	assert.Equal(t, []xy{{1, 1}, {1.1, 1}, {1, 1.1}}, ov.instances[0])
	assert.True(t, strings.Contains(ov.title, "1 instance(s)"))

	ov = buildOverlay(r.scene, nil, 0)
	assert.Len(t, ov.scene, 400)
	assert.Empty(t, ov.instances)
}

func TestChart(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Recognizer: &fakeRecognizer{}})
	assert.Equal(t, http.StatusNotFound, get(t, ws, "/debug/recognition/chart").Code)

	ws = NewWebServer(WebServerConfig{Recognizer: populated()})
	rec := get(t, ws, "/debug/recognition/chart?max_points=200")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "instance 0")
}

func TestPlotPNG(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Recognizer: &fakeRecognizer{}})
	assert.Equal(t, http.StatusNotFound, get(t, ws, "/debug/recognition/plot.png").Code)

	ws = NewWebServer(WebServerConfig{Recognizer: populated()})
	rec := get(t, ws, "/debug/recognition/plot.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 100)
}

func TestStartStops(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Address: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestExport(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Recognizer: &fakeRecognizer{}})
	assert.Equal(t, http.StatusNotFound, get(t, ws, "/api/recognition/export").Code)
	assert.Equal(t, http.StatusNotFound, get(t, ws, "/api/recognition/export?cloud=model").Code)

	ws = NewWebServer(WebServerConfig{Recognizer: populated()})
	rec := get(t, ws, "/api/recognition/export")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="scene-5.pcd"`, rec.Header().Get("Content-Disposition"))
	pts, err := pcdio.ReadPCD(rec.Body)
	require.NoError(t, err)
	assert.Len(t, pts, 400)

	rec = get(t, ws, "/api/recognition/export?cloud=model&format=asc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="model_1.asc"`, rec.Header().Get("Content-Disposition"))

	rec = get(t, ws, "/api/recognition/export?cloud=instance&n=0&format=pcd-binary")
	require.Equal(t, http.StatusOK, rec.Code)
	pts, err = pcdio.ReadPCD(rec.Body)
	require.NoError(t, err)
	require.Len(t, pts, 3)
	assert.InDelta(t, 1.1, pts[1].X, 1e-6)
	assert.InDelta(t, 1.0, pts[1].Z, 1e-6)

	assert.Equal(t, http.StatusNotFound, get(t, ws, "/api/recognition/export?cloud=instance&n=1").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, ws, "/api/recognition/export?cloud=normals").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, ws, "/api/recognition/export?format=ply").Code)
}
