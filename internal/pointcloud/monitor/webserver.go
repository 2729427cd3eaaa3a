// Package monitor serves the recognizer's HTTP status API and debug charts.
package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/banshee-data/recognizer/internal/httputil"
	"github.com/banshee-data/recognizer/internal/monitoring"
	"github.com/banshee-data/recognizer/internal/pointcloud/pipeline"
	"github.com/banshee-data/recognizer/internal/posedb"
	"github.com/banshee-data/recognizer/internal/version"
)

// Recognizer is the read-only view of the pipeline the monitor needs.
type Recognizer interface {
	Params() pipeline.Params
	Scene() *pipeline.SceneSnapshot
	Snapshot() *pipeline.RunResult
	Runs() uint64
}

// RunStore lists recorded runs.
type RunStore interface {
	RecentRuns(ctx context.Context, limit int) ([]posedb.RunRecord, error)
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address    string
	Recognizer Recognizer
	// Runs is optional; without it the runs endpoint reports 503.
	Runs RunStore
	// Extras adds named sections to the status document, for example
	// transport or publisher counters.
	Extras map[string]func() any
}

// WebServer serves the status API.
type WebServer struct {
	address    string
	recognizer Recognizer
	runs       RunStore
	extras     map[string]func() any
	mux        *http.ServeMux
	server     *http.Server
	started    time.Time
}

// NewWebServer builds the server and its routes.
func NewWebServer(cfg WebServerConfig) *WebServer {
	ws := &WebServer{
		address:    cfg.Address,
		recognizer: cfg.Recognizer,
		runs:       cfg.Runs,
		extras:     cfg.Extras,
		started:    time.Now(),
	}
	ws.mux = ws.setupRoutes()
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Mux exposes the route table so other packages can mount debug pages.
func (ws *WebServer) Mux() *http.ServeMux {
	return ws.mux
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/recognition/status", ws.handleStatus)
	mux.HandleFunc("/api/recognition/params", ws.handleParams)
	mux.HandleFunc("/api/recognition/poses", ws.handlePoses)
	mux.HandleFunc("/api/recognition/runs", ws.handleRuns)
	mux.HandleFunc("/api/recognition/export", ws.handleExport)
	mux.HandleFunc("/debug/recognition/chart", ws.handleChart)
	mux.HandleFunc("/debug/recognition/plot.png", ws.handlePlot)
	return mux
}

// Start serves until ctx is cancelled and then shuts the server down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("HTTP server stopped")
	return nil
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"uptime":  time.Since(ws.started).Round(time.Second).String(),
	})
}
