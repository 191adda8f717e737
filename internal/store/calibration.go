package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/query"
)

const (
	metaThresholdKnow        = "threshold.know"
	metaThresholdUncertainty = "threshold.uncertainty"
)

// LoadCalibration reads the calibration record. Vectors with no row are
// absent from the map; thresholds fall back to defaults when never set.
// Offsets are the mean of the stored sample windows.
func (q *Queries) LoadCalibration(ctx context.Context, defaults ir.Thresholds) (ir.CalibrationRecord, error) {
	rec := ir.CalibrationRecord{
		Thresholds: defaults,
		Vectors:    map[ir.VectorName]ir.VectorCalibration{},
	}

	th, err := q.thresholds(ctx)
	if err != nil {
		return rec, err
	}
	if v, ok := th[metaThresholdKnow]; ok {
		rec.Thresholds.Know = v
	}
	if v, ok := th[metaThresholdUncertainty]; ok {
		rec.Thresholds.Uncertainty = v
	}

	rows, err := q.q.QueryContext(ctx, `
		SELECT vector, track1_samples, track2_samples, groundable, updated_at
		FROM calibration ORDER BY vector
	`)
	if err != nil {
		return rec, fmt.Errorf("load calibration: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name, t1, t2, updatedAt string
			vc                      ir.VectorCalibration
		)
		if err := rows.Scan(&name, &t1, &t2, &vc.Groundable, &updatedAt); err != nil {
			return rec, fmt.Errorf("scan calibration: %w", err)
		}
		vc.Vector = ir.VectorName(name)
		if err := json.Unmarshal([]byte(t1), &vc.Track1Samples); err != nil {
			return rec, fmt.Errorf("calibration %s track1: %w", name, err)
		}
		if err := json.Unmarshal([]byte(t2), &vc.Track2Samples); err != nil {
			return rec, fmt.Errorf("calibration %s track2: %w", name, err)
		}
		vc.Track1Offset = Mean(vc.Track1Samples)
		vc.Track2Divergence = Mean(vc.Track2Samples)
		if vc.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return rec, fmt.Errorf("calibration %s updated_at: %w", name, err)
		}
		rec.Vectors[vc.Vector] = vc
	}
	if err := rows.Err(); err != nil {
		return rec, fmt.Errorf("iterate calibration: %w", err)
	}
	return rec, nil
}

func (q *Queries) thresholds(ctx context.Context) (map[string]float64, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT key, value FROM calibration_meta WHERE key IN (?, ?)
	`, metaThresholdKnow, metaThresholdUncertainty)
	if err != nil {
		return nil, fmt.Errorf("load thresholds: %w", err)
	}
	defer rows.Close()

	out := map[string]float64{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan threshold: %w", err)
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("threshold %s: %w", key, err)
		}
		out[key] = f
	}
	return out, rows.Err()
}

// SaveThresholds persists re-tuned readiness thresholds.
func (q *Queries) SaveThresholds(ctx context.Context, th ir.Thresholds) error {
	for key, v := range map[string]float64{
		metaThresholdKnow:        th.Know,
		metaThresholdUncertainty: th.Uncertainty,
	} {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO calibration_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, strconv.FormatFloat(v, 'f', -1, 64))
		if err != nil {
			return fmt.Errorf("save threshold %s: %w", key, err)
		}
	}
	return nil
}

// SaveVectorCalibration replaces the sample windows of one vector.
func (q *Queries) SaveVectorCalibration(ctx context.Context, vc ir.VectorCalibration) error {
	t1, err := json.Marshal(nonNil(vc.Track1Samples))
	if err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}
	t2, err := json.Marshal(nonNil(vc.Track2Samples))
	if err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO calibration (vector, track1_samples, track2_samples, groundable, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(vector) DO UPDATE SET
			track1_samples = excluded.track1_samples,
			track2_samples = excluded.track2_samples,
			groundable     = excluded.groundable,
			updated_at     = excluded.updated_at
	`, string(vc.Vector), string(t1), string(t2), vc.Groundable, formatTime(vc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save calibration %s: %w", vc.Vector, err)
	}
	return nil
}

// AppendTrajectory records one calibration update.
func (q *Queries) AppendTrajectory(ctx context.Context, p ir.TrajectoryPoint) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO calibration_trajectory (vector, track, value, transaction_id, at)
		VALUES (?, ?, ?, ?, ?)
	`, string(p.Vector), int(p.Track), p.Value, p.TransactionID, formatTime(p.At))
	if err != nil {
		return fmt.Errorf("append trajectory: %w", err)
	}
	return nil
}

// TrajectoryQuery filters trajectory points. Zero fields match everything.
type TrajectoryQuery struct {
	Vector ir.VectorName
	Track  ir.Track
	Since  time.Time
	Limit  int
}

// Trajectory returns matching points, oldest first.
func (q *Queries) Trajectory(ctx context.Context, tq TrajectoryQuery) ([]ir.TrajectoryPoint, error) {
	var filters []query.Predicate
	if tq.Vector != "" {
		filters = append(filters, query.Equals{Field: "vector", Value: string(tq.Vector)})
	}
	if tq.Track != 0 {
		filters = append(filters, query.Equals{Field: "track", Value: int(tq.Track)})
	}
	if !tq.Since.IsZero() {
		filters = append(filters, query.AtLeast{Field: "at", Value: formatTime(tq.Since)})
	}
	// Newest points win the limit; the outer query restores time order.
	inner, args, err := query.Compile(query.Select{
		From:    "calibration_trajectory",
		Columns: []string{"id", "vector", "track", "value", "transaction_id", "at"},
		Filter:  query.All(filters...),
		OrderBy: []query.Order{{Column: "at", Desc: true}, {Column: "id", Desc: true}},
		Limit:   tq.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("build trajectory query: %w", err)
	}
	rows, err := q.q.QueryContext(ctx,
		"SELECT vector, track, value, transaction_id, at FROM ("+inner+") ORDER BY at ASC, id ASC",
		args...)
	if err != nil {
		return nil, fmt.Errorf("query trajectory: %w", err)
	}
	defer rows.Close()

	out := []ir.TrajectoryPoint{}
	for rows.Next() {
		var (
			p      ir.TrajectoryPoint
			vector string
			track  int
			at     string
		)
		if err := rows.Scan(&vector, &track, &p.Value, &p.TransactionID, &at); err != nil {
			return nil, fmt.Errorf("scan trajectory: %w", err)
		}
		p.Vector = ir.VectorName(vector)
		p.Track = ir.Track(track)
		if p.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("trajectory at: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetMarker returns the detail of a schema marker, or ("", false).
func (q *Queries) GetMarker(ctx context.Context, name string) (string, bool, error) {
	var detail string
	err := q.q.QueryRowContext(ctx,
		`SELECT detail FROM schema_markers WHERE name = ?`, name).Scan(&detail)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get marker %s: %w", name, err)
	}
	return detail, true, nil
}

// Mean returns the arithmetic mean of xs, or 0 for an empty window.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func nonNil(xs []float64) []float64 {
	if xs == nil {
		return []float64{}
	}
	return xs
}
