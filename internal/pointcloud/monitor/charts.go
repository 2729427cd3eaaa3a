package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/recognizer/internal/httputil"
	"github.com/banshee-data/recognizer/internal/pointcloud/pipeline"
)

// xy is a point projected onto the scene's X-Y plane.
type xy struct{ X, Y float64 }

// overlay is the content of both debug views: the scene cloud and every
// detected instance's model keypoints moved into the scene.
type overlay struct {
	title     string
	scene     []xy
	instances [][]xy
	stride    int
}

// buildOverlay projects the last run onto X-Y, keeping at most maxPoints
// scene points.
func buildOverlay(scene *pipeline.SceneSnapshot, res *pipeline.RunResult, maxPoints int) overlay {
	ov := overlay{stride: 1}
	if scene != nil {
		pts := scene.Cloud.Points
		if maxPoints > 0 && len(pts) > maxPoints {
			ov.stride = int(math.Ceil(float64(len(pts)) / float64(maxPoints)))
		}
		for i := 0; i < len(pts); i += ov.stride {
			if pts[i].IsFinite() {
				ov.scene = append(ov.scene, xy{pts[i].X, pts[i].Y})
			}
		}
		ov.title = fmt.Sprintf("scene %s (%d points)", scene.Cloud.FrameID, scene.Cloud.Len())
	}
	if res == nil || res.Model == nil {
		return ov
	}
	ov.title += fmt.Sprintf(", model %s: %d instance(s)", res.Summary.ModelFrame, len(res.Hypotheses))
	for _, h := range res.Hypotheses {
		inst := make([]xy, 0, len(res.Model.Keypoints))
		for _, kp := range res.Model.Keypoints {
			v := h.Rotation.Apply(kp.Vec()).Add(h.Translation)
			inst = append(inst, xy{v.X, v.Y})
		}
		ov.instances = append(ov.instances, inst)
	}
	return ov
}

// maxPointsParam falls back to the default for out of range values.
func maxPointsParam(r *http.Request) int {
	const def = 8000
	if n, err := httputil.IntParam(r, "max_points", def, 100, 50000); err == nil {
		return n
	}
	return def
}

func (ws *WebServer) currentOverlay(r *http.Request) (overlay, bool) {
	if ws.recognizer == nil {
		return overlay{}, false
	}
	scene := ws.recognizer.Scene()
	if scene == nil {
		return overlay{}, false
	}
	return buildOverlay(scene, ws.recognizer.Snapshot(), maxPointsParam(r)), true
}

func scatterData(pts []xy) []opts.ScatterData {
	data := make([]opts.ScatterData, len(pts))
	for i, p := range pts {
		data[i] = opts.ScatterData{Value: []interface{}{p.X, p.Y}}
	}
	return data
}

// handleChart renders the scene and detected instances as an interactive
// go-echarts scatter. Query params:
//   - max_points (optional; default 8000) to reduce payload size
func (ws *WebServer) handleChart(w http.ResponseWriter, r *http.Request) {
	ov, ok := ws.currentOverlay(r)
	if !ok {
		httputil.WriteJSONError(w, http.StatusNotFound, "no scene available")
		return
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Recognition", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Recognition overlay", Subtitle: fmt.Sprintf("%s stride=%d", ov.title, ov.stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("scene", scatterData(ov.scene), charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}))
	for i, inst := range ov.instances {
		scatter.AddSeries(fmt.Sprintf("instance %d", i), scatterData(inst), charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
