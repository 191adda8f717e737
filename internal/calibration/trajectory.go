package calibration

import (
	"context"
	"math"
	"sort"

	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/store"
)

// Trend labels the direction of a trajectory series.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendWorsening Trend = "worsening"
)

// trendEpsilon is the per-update slope below which a series is stable.
const trendEpsilon = 0.005

// Series is the trend of one vector on one track.
type Series struct {
	Vector ir.VectorName `json:"vector"`
	Track  ir.Track      `json:"track"`
	Points int           `json:"points"`
	Slope  float64       `json:"slope"`
	Trend  Trend         `json:"trend"`
}

// TrajectoryReport holds matching points and a trend per series.
type TrajectoryReport struct {
	Points []ir.TrajectoryPoint `json:"points"`
	Series []Series             `json:"series"`
}

// Trajectory returns the points matching q and, per vector and track, a
// least-squares trend of the absolute sample. A shrinking magnitude means
// self-reports are converging on reality, which is improving.
func (e *Engine) Trajectory(ctx context.Context, q store.TrajectoryQuery) (TrajectoryReport, error) {
	pts, err := e.backend.Store().Trajectory(ctx, q)
	if err != nil {
		return TrajectoryReport{}, &ir.StorageError{Op: "trajectory", Err: err}
	}

	type key struct {
		v ir.VectorName
		t ir.Track
	}
	groups := map[key][]float64{}
	for _, p := range pts {
		k := key{p.Vector, p.Track}
		groups[k] = append(groups[k], math.Abs(p.Value))
	}

	series := make([]Series, 0, len(groups))
	for k, ys := range groups {
		slope := Slope(ys)
		series = append(series, Series{
			Vector: k.v,
			Track:  k.t,
			Points: len(ys),
			Slope:  roundMicro(slope),
			Trend:  classify(slope),
		})
	}
	sort.Slice(series, func(i, j int) bool {
		if series[i].Track != series[j].Track {
			return series[i].Track < series[j].Track
		}
		return vectorIndex(series[i].Vector) < vectorIndex(series[j].Vector)
	})
	return TrajectoryReport{Points: pts, Series: series}, nil
}

// Slope is the least-squares slope of ys against their index. Fewer than two
// points have slope 0.
func Slope(ys []float64) float64 {
	n := float64(len(ys))
	if len(ys) < 2 {
		return 0
	}
	var sx, sy, sxx, sxy float64
	for i, y := range ys {
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func classify(slope float64) Trend {
	switch {
	case slope < -trendEpsilon:
		return TrendImproving
	case slope > trendEpsilon:
		return TrendWorsening
	}
	return TrendStable
}

func vectorIndex(name ir.VectorName) int {
	for i, n := range ir.VectorNames {
		if n == name {
			return i
		}
	}
	return len(ir.VectorNames)
}
