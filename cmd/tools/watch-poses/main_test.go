package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/recognizer/internal/pointcloud/grouping"
	"github.com/banshee-data/recognizer/internal/pointcloud/pipeline"
	"github.com/banshee-data/recognizer/internal/pointcloud/publisher"
)

func TestStreamOptions(t *testing.T) {
	opts := streamOptions()
	assert.Equal(t, false, opts["skip_empty"])
	assert.Equal(t, true, opts["send_latest"])
	_, ok := opts["min_quality"]
	assert.False(t, ok)

	old := *minQuality
	defer func() { *minQuality = old }()
	*minQuality = "good"
	assert.Equal(t, "good", streamOptions()["min_quality"])
}

func TestPrintUpdate(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 11, 12, 345e6, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, printUpdate(&buf, publisher.PoseUpdate{
		RunID:      "r1",
		StartedAt:  at,
		ModelFrame: "mug",
		SceneFrame: "table",
		Poses: []pipeline.DetectedPose{{
			Instance:    0,
			Position:    [3]float64{1, 2, 3},
			Orientation: [4]float64{0, 0, 0, 1},
			Support:     9,
			RMSE:        0.002,
			Quality:     grouping.PoseQualityExcellent,
		}},
	}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `10:11:12.345 run r1 model="mug" scene="table" instances=1`, lines[0])
	assert.Contains(t, lines[1], "pos=(1.0000, 2.0000, 3.0000)")
	assert.Contains(t, lines[1], "support=9")
	assert.True(t, strings.HasSuffix(lines[1], "excellent"))

	buf.Reset()
	require.NoError(t, printUpdate(&buf, publisher.PoseUpdate{RunID: "r2", StartedAt: at, Skipped: true, SkipReason: "no scene"}))
	assert.Contains(t, buf.String(), "skipped: no scene")
}
