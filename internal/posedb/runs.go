package posedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/recognizer/internal/pointcloud/grouping"
	"github.com/banshee-data/recognizer/internal/pointcloud/pipeline"
)

var ErrRunNotFound = errors.New("run not found")

// RunRecord is one stored recognition run.
type RunRecord struct {
	RunID           string          `json:"run_id"`
	StartedAt       time.Time       `json:"started_at"`
	Duration        time.Duration   `json:"duration_ns"`
	SceneFrame      string          `json:"scene_frame"`
	ModelFrame      string          `json:"model_frame"`
	SceneResolution float64         `json:"scene_resolution"`
	ScenePoints     int             `json:"scene_points"`
	ModelPoints     int             `json:"model_points"`
	SceneKeypoints  int             `json:"scene_keypoints"`
	ModelKeypoints  int             `json:"model_keypoints"`
	Correspondences int             `json:"correspondences"`
	Instances       int             `json:"instances"`
	Skipped         bool            `json:"skipped"`
	SkipReason      string          `json:"skip_reason,omitempty"`
	Params          json.RawMessage `json:"params"`
}

// Detection is one stored pose.
type Detection struct {
	RunID       string               `json:"run_id"`
	Instance    int                  `json:"instance"`
	Position    [3]float64           `json:"position"`
	Orientation [4]float64           `json:"orientation"`
	Transform   [16]float64          `json:"transform"`
	Support     int                  `json:"support"`
	RMSE        *float64             `json:"rmse"`
	Quality     grouping.PoseQuality `json:"quality"`
}

var _ pipeline.PoseSink = (*DB)(nil)

// PublishPoses implements pipeline.PoseSink by recording the run.
func (db *DB) PublishPoses(ctx context.Context, run pipeline.RunSummary, poses []pipeline.DetectedPose) error {
	return db.RecordRun(ctx, run, poses)
}

// RecordRun stores a run and its poses in one transaction. Recording the
// same run ID twice replaces the earlier row and its detections.
func (db *DB) RecordRun(ctx context.Context, run pipeline.RunSummary, poses []pipeline.DetectedPose) error {
	if run.RunID == "" {
		return errors.New("run has no id")
	}
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recognition_runs WHERE run_id = ?`, run.RunID); err != nil {
		return fmt.Errorf("replace run %s: %w", run.RunID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO recognition_runs (
			run_id, started_at_nanos, duration_nanos, scene_frame, model_frame,
			scene_resolution, scene_points, model_points, scene_keypoints, model_keypoints,
			correspondences, instances, skipped, skip_reason, params_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.StartedAt.UnixNano(), int64(run.Duration), run.SceneFrame, run.ModelFrame,
		run.SceneResolution, run.ScenePoints, run.ModelPoints, run.SceneKeypoints, run.ModelKeypoints,
		run.Correspondences, len(poses), run.Skipped, run.SkipReason, string(params),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detections (
			run_id, instance, tx, ty, tz, qx, qy, qz, qw, transform, support, rmse, quality
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range poses {
		transform, err := json.Marshal(p.Transform)
		if err != nil {
			return fmt.Errorf("encode transform: %w", err)
		}
		var rmse sql.NullFloat64
		if !math.IsNaN(p.RMSE) && !math.IsInf(p.RMSE, 0) {
			rmse = sql.NullFloat64{Float64: p.RMSE, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			run.RunID, p.Instance,
			p.Position[0], p.Position[1], p.Position[2],
			p.Orientation[0], p.Orientation[1], p.Orientation[2], p.Orientation[3],
			string(transform), p.Support, rmse, string(p.Quality),
		); err != nil {
			return fmt.Errorf("insert detection %d of run %s: %w", p.Instance, run.RunID, err)
		}
	}
	return tx.Commit()
}

const runColumns = `run_id, started_at_nanos, duration_nanos, scene_frame, model_frame,
	scene_resolution, scene_points, model_points, scene_keypoints, model_keypoints,
	correspondences, instances, skipped, skip_reason, params_json`

func scanRun(row interface{ Scan(...any) error }) (RunRecord, error) {
	var (
		r        RunRecord
		started  int64
		duration int64
		params   string
	)
	err := row.Scan(&r.RunID, &started, &duration, &r.SceneFrame, &r.ModelFrame,
		&r.SceneResolution, &r.ScenePoints, &r.ModelPoints, &r.SceneKeypoints, &r.ModelKeypoints,
		&r.Correspondences, &r.Instances, &r.Skipped, &r.SkipReason, &params)
	if err != nil {
		return RunRecord{}, err
	}
	r.StartedAt = time.Unix(0, started).UTC()
	r.Duration = time.Duration(duration)
	r.Params = json.RawMessage(params)
	return r, nil
}

// RecentRuns returns up to limit runs, newest first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM recognition_runs ORDER BY started_at_nanos DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns a single run.
func (db *DB) Run(ctx context.Context, runID string) (RunRecord, error) {
	r, err := scanRun(db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM recognition_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return r, err
}

// DetectionsForRun returns the poses of one run in instance order.
func (db *DB) DetectionsForRun(ctx context.Context, runID string) ([]Detection, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, instance, tx, ty, tz, qx, qy, qz, qw, transform, support, rmse, quality
		FROM detections WHERE run_id = ? ORDER BY instance`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Detection{}
	for rows.Next() {
		var (
			d         Detection
			transform string
			rmse      sql.NullFloat64
			quality   string
		)
		if err := rows.Scan(&d.RunID, &d.Instance,
			&d.Position[0], &d.Position[1], &d.Position[2],
			&d.Orientation[0], &d.Orientation[1], &d.Orientation[2], &d.Orientation[3],
			&transform, &d.Support, &rmse, &quality); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(transform), &d.Transform); err != nil {
			return nil, fmt.Errorf("decode transform of run %s instance %d: %w", runID, d.Instance, err)
		}
		if rmse.Valid {
			v := rmse.Float64
			d.RMSE = &v
		}
		d.Quality = grouping.ParsePoseQuality(quality)
		out = append(out, d)
	}
	return out, rows.Err()
}

// QualityCounts returns how many detections have each grade.
func (db *DB) QualityCounts(ctx context.Context) (map[grouping.PoseQuality]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT quality, COUNT(*) FROM detections GROUP BY quality`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[grouping.PoseQuality]int)
	for rows.Next() {
		var (
			q string
			n int
		)
		if err := rows.Scan(&q, &n); err != nil {
			return nil, err
		}
		counts[grouping.ParsePoseQuality(q)] += n
	}
	return counts, rows.Err()
}

// PruneBefore deletes runs that started before t and returns how many were
// removed. Their detections go with them.
func (db *DB) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM recognition_runs WHERE started_at_nanos < ?`, t.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
