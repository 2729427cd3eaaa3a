package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/recognizer/internal/pointcloud"
	"github.com/banshee-data/recognizer/internal/pointcloud/pcdio"
	"github.com/banshee-data/recognizer/internal/posedb"
	"github.com/banshee-data/recognizer/internal/testutil"
)

const metricConfig = `{
  "model_ss": 0.15,
  "scene_ss": 0.15,
  "rf_rad": 0.3,
  "descr_rad": 0.3,
  "cg_size": 0.05,
  "cg_thresh": 5,
  "use_cloud_resolution": false
}`

func bumpySurface() []pointcloud.Point {
	return testutil.BumpySurface("surface", 30, 0.05).Points
}

func fixture(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		Scene:    filepath.Join(dir, "scene.pcd"),
		Model:    filepath.Join(dir, "model.pcd"),
		Config:   filepath.Join(dir, "recognition.json"),
		LogLevel: "off",
	}
	require.NoError(t, pcdio.WriteFile(opts.Scene, bumpySurface()))
	require.NoError(t, pcdio.WriteFile(opts.Model, bumpySurface()))
	require.NoError(t, os.WriteFile(opts.Config, []byte(metricConfig), 0o644))
	return opts
}

func TestRunTable(t *testing.T) {
	opts := fixture(t)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), opts, &out))

	assert.Contains(t, out.String(), `scene "scene" (900 points`)
	assert.Contains(t, out.String(), `model "model" (900 points`)
	assert.Contains(t, out.String(), "INSTANCE")
}

func TestRunJSONAndRecord(t *testing.T) {
	opts := fixture(t)
	opts.JSON = true
	opts.DBPath = filepath.Join(t.TempDir(), "runs.db")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), opts, &out))

	var doc struct {
		RunID     string  `json:"run_id"`
		Instances float64 `json:"instances"`
		Skipped   bool    `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	assert.NotEmpty(t, doc.RunID)
	assert.Greater(t, doc.Instances, 0.0)
	assert.False(t, doc.Skipped)

	db, err := posedb.Open(opts.DBPath)
	require.NoError(t, err)
	defer db.Close()
	rec, err := db.Run(context.Background(), doc.RunID)
	require.NoError(t, err)
	assert.Equal(t, "model", rec.ModelFrame)
}

func TestRunErrors(t *testing.T) {
	opts := fixture(t)
	bad := opts
	bad.LogLevel = "loud"
	assert.Error(t, run(context.Background(), bad, &bytes.Buffer{}))

	bad = opts
	bad.Scene = filepath.Join(t.TempDir(), "missing.pcd")
	assert.ErrorContains(t, run(context.Background(), bad, &bytes.Buffer{}), "scene")

	bad = opts
	bad.Model = filepath.Join(t.TempDir(), "model.ply")
	assert.ErrorContains(t, run(context.Background(), bad, &bytes.Buffer{}), "model")
}

func TestRunExport(t *testing.T) {
	opts := fixture(t)
	opts.ExportDir = filepath.Join(t.TempDir(), "out")
	require.NoError(t, run(context.Background(), opts, &bytes.Buffer{}))

	scene, err := pcdio.ReadFile(filepath.Join(opts.ExportDir, "scene.pcd"))
	require.NoError(t, err)
	assert.Equal(t, 900, scene.Len())

	inst, err := pcdio.ReadFile(filepath.Join(opts.ExportDir, "model-instance-0.pcd"))
	require.NoError(t, err)
	assert.Equal(t, 900, inst.Len())
}
