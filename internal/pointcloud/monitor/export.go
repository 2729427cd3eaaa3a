package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/recognizer/internal/httputil"
	"github.com/banshee-data/recognizer/internal/pointcloud"
	"github.com/banshee-data/recognizer/internal/pointcloud/pcdio"
	"github.com/banshee-data/recognizer/internal/security"
)

// exportCloud picks the cloud named by the "cloud" query parameter.
func (ws *WebServer) exportCloud(r *http.Request) (*pointcloud.PointCloud, int, string) {
	q := r.URL.Query()
	switch q.Get("cloud") {
	case "", "scene":
		snap := ws.recognizer.Scene()
		if snap == nil {
			return nil, http.StatusNotFound, "no scene available"
		}
		return snap.Cloud, 0, ""
	case "model":
		res := ws.recognizer.Snapshot()
		if res == nil || res.ModelCloud == nil {
			return nil, http.StatusNotFound, "no model run yet"
		}
		return res.ModelCloud, 0, ""
	case "instance":
		res := ws.recognizer.Snapshot()
		if res == nil {
			return nil, http.StatusNotFound, "no model run yet"
		}
		clouds := res.AlignedInstances()
		n, err := strconv.Atoi(q.Get("n"))
		if err != nil || n < 0 || n >= len(clouds) {
			return nil, http.StatusNotFound, fmt.Sprintf("instance must be between 0 and %d", len(clouds)-1)
		}
		return clouds[n], 0, ""
	}
	return nil, http.StatusBadRequest, "cloud must be scene, model or instance"
}

// handleExport downloads a cloud for offline inspection. Query params:
//   - cloud: scene (default), model, or instance with n=<index>
//   - format: pcd (default, ascii), pcd-binary or asc
func (ws *WebServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if ws.recognizer == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "recognizer not configured")
		return
	}
	cloud, status, msg := ws.exportCloud(r)
	if cloud == nil {
		httputil.WriteJSONError(w, status, msg)
		return
	}

	var buf bytes.Buffer
	var err error
	ext := "pcd"
	switch r.URL.Query().Get("format") {
	case "", "pcd":
		err = pcdio.WritePCD(&buf, cloud.Points, pcdio.EncodingASCII)
	case "pcd-binary":
		err = pcdio.WritePCD(&buf, cloud.Points, pcdio.EncodingBinary)
	case "asc":
		ext = "asc"
		err = pcdio.WriteXYZ(&buf, cloud.Points)
	default:
		httputil.WriteJSONError(w, http.StatusBadRequest, "format must be pcd, pcd-binary or asc")
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to encode cloud: %v", err))
		return
	}

	name := security.SanitizeFilename(cloud.FrameID) + "." + ext
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	_, _ = w.Write(buf.Bytes())
}
