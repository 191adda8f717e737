// Package calibration maintains the process-wide calibration record.
//
// Track 1 compares each POSTFLIGHT with its PREFLIGHT. Track 2 compares the
// POSTFLIGHT with objective evidence. Both are kept as windowed sample means
// per vector and appended to a trajectory. For readiness correction Track 2
// wins wherever a vector is grounded; Track 1 fills in only for vectors that
// have never been grounded. Raw self-reports are never modified.
package calibration

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/epistemic/internal/evidence"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/storage"
	"github.com/roach88/epistemic/internal/store"
)

// DefaultWindow is the number of samples averaged per vector and track.
const DefaultWindow = 20

// Engine applies calibration updates through the storage backend.
type Engine struct {
	backend *storage.Backend
	mapper  *evidence.Mapper
	window  int
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Engine)

func WithMapper(m *evidence.Mapper) Option {
	return func(e *Engine) { e.mapper = m }
}

// WithWindow sets the sample window; values below 1 are ignored.
func WithWindow(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.window = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(b *storage.Backend, opts ...Option) *Engine {
	e := &Engine{
		backend: b,
		mapper:  evidence.DefaultMapper(),
		window:  DefaultWindow,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mapper returns the evidence mapper used for Track 2.
func (e *Engine) Mapper() *evidence.Mapper { return e.mapper }

// Record loads the calibration record.
func (e *Engine) Record(ctx context.Context) (ir.CalibrationRecord, error) {
	return e.backend.Calibration(ctx)
}

// Correction returns the additive per-vector correction for readiness: the
// Track 2 divergence where the vector has grounded samples, else the Track 1
// offset.
func Correction(rec ir.CalibrationRecord) ir.Delta {
	var vals [ir.NumVectors]float64
	for i, name := range ir.VectorNames {
		vc := rec.Vector(name)
		if len(vc.Track2Samples) > 0 {
			vals[i] = vc.Track2Divergence
		} else {
			vals[i] = vc.Track1Offset
		}
	}
	return ir.Delta(ir.VectorSetFromValues(vals))
}

// Corrected returns raw with the correction applied. The result is only for
// evaluating readiness and may fall outside [0,1].
func Corrected(raw ir.VectorSet, rec ir.CalibrationRecord) ir.VectorSet {
	return raw.Add(Correction(rec))
}

// ApplyTrack1 records the learning delta of a closed transaction. It must run
// inside the calibration single-writer section; tx is the caller's
// transaction.
func (e *Engine) ApplyTrack1(ctx context.Context, tx *store.Tx, transactionID string, delta ir.Delta) error {
	rec, err := tx.LoadCalibration(ctx, e.backend.Defaults())
	if err != nil {
		return err
	}
	at := e.now().UTC()
	vals := delta.Values()
	for i, name := range ir.VectorNames {
		vc := rec.Vector(name)
		vc.Track1Samples = pushWindow(vc.Track1Samples, vals[i], e.window)
		vc.UpdatedAt = at
		if err := tx.SaveVectorCalibration(ctx, vc); err != nil {
			return err
		}
		if err := tx.AppendTrajectory(ctx, ir.TrajectoryPoint{
			Vector: name, Track: ir.TrackSelf, Value: vals[i], TransactionID: transactionID, At: at,
		}); err != nil {
			return err
		}
	}
	return nil
}

// UpdateTrack1 applies Track 1 in its own single-writer transaction.
func (e *Engine) UpdateTrack1(ctx context.Context, transactionID string, delta ir.Delta) error {
	return e.backend.UpdateCalibration(ctx, "calibration_track1",
		func(ctx context.Context, tx *store.Tx, _ ir.CalibrationRecord) error {
			return e.ApplyTrack1(ctx, tx, transactionID, delta)
		})
}

// Track2Result describes one grounded update.
type Track2Result struct {
	TransactionID string                              `json:"transaction_id"`
	EvidenceRef   string                              `json:"evidence_ref"`
	Partial       bool                                `json:"partial"`
	Divergence    map[ir.VectorName]float64           `json:"divergence"`
	Grounded      map[ir.VectorName]evidence.Grounded `json:"grounded"`
	Ungroundable  []ir.VectorName                     `json:"ungroundable"`
}

// ApplyEvidence stores the bundle and updates Track 2 for every vector the
// bundle grounds. Vectors with no mapped evidence get no value.
func (e *Engine) ApplyEvidence(ctx context.Context, b ir.EvidenceBundle) (Track2Result, error) {
	res := Track2Result{
		TransactionID: b.TransactionID,
		Partial:       b.Partial,
		Divergence:    map[ir.VectorName]float64{},
		Ungroundable:  []ir.VectorName{},
	}
	ref, err := ir.EvidenceRef(b)
	if err != nil {
		return res, err
	}
	res.EvidenceRef = ref
	res.Grounded = e.mapper.Map(b)

	err = e.backend.UpdateCalibration(ctx, "calibration_track2",
		func(ctx context.Context, tx *store.Tx, rec ir.CalibrationRecord) error {
			post, err := tx.TransactionPhase(ctx, b.TransactionID, ir.PhasePostflight)
			if err != nil {
				return err
			}
			if post == nil {
				return &ir.TransactionStateError{
					TransactionID: b.TransactionID,
					Message:       "grounded verification needs a POSTFLIGHT assessment",
				}
			}
			if err := tx.SaveEvidenceBundle(ctx, ref, b); err != nil {
				return err
			}
			if err := tx.CompleteVerification(ctx, b.TransactionID); err != nil {
				return err
			}

			at := e.now().UTC()
			self := post.Vectors.Values()
			res.Divergence = map[ir.VectorName]float64{}
			res.Ungroundable = res.Ungroundable[:0]
			for i, name := range ir.VectorNames {
				g, ok := res.Grounded[name]
				if !ok {
					res.Ungroundable = append(res.Ungroundable, name)
					continue
				}
				div := roundMicro(g.Value - self[i])
				vc := rec.Vector(name)
				vc.Track2Samples = pushWindow(vc.Track2Samples, div, e.window)
				vc.Groundable = true
				vc.UpdatedAt = at
				if err := tx.SaveVectorCalibration(ctx, vc); err != nil {
					return err
				}
				if err := tx.AppendTrajectory(ctx, ir.TrajectoryPoint{
					Vector: name, Track: ir.TrackGrounded, Value: div, TransactionID: b.TransactionID, At: at,
				}); err != nil {
					return err
				}
				res.Divergence[name] = div
			}
			return nil
		})
	if err != nil {
		return res, err
	}
	e.logger.Info("grounded calibration updated",
		zap.String("transaction_id", b.TransactionID),
		zap.Int("grounded", len(res.Divergence)),
		zap.Bool("partial", b.Partial))
	return res, nil
}

// SetThresholds persists re-tuned readiness thresholds.
func (e *Engine) SetThresholds(ctx context.Context, th ir.Thresholds) error {
	if err := (ir.VectorSet{Know: th.Know, Uncertainty: th.Uncertainty}).Validate(); err != nil {
		return &ir.ValidationError{Fields: []string{"thresholds"}, Message: "thresholds must lie in [0,1]"}
	}
	return e.backend.UpdateCalibration(ctx, "set_thresholds",
		func(ctx context.Context, tx *store.Tx, _ ir.CalibrationRecord) error {
			return tx.SaveThresholds(ctx, th)
		})
}

// VectorReport shows both tracks for one vector side by side.
type VectorReport struct {
	Vector           ir.VectorName `json:"vector"`
	Track1Offset     float64       `json:"track1_offset"`
	Track1Samples    int           `json:"track1_samples"`
	Track2Divergence *float64      `json:"track2_divergence"`
	Track2Samples    int           `json:"track2_samples"`
	Groundable       bool          `json:"groundable"`
	// CorrectionSource is the track readiness correction currently uses.
	CorrectionSource string  `json:"correction_source"`
	Correction       float64 `json:"correction"`
}

// Report is the calibration summary returned by get-calibration.
type Report struct {
	Thresholds ir.Thresholds  `json:"thresholds"`
	Vectors    []VectorReport `json:"vectors"`
}

// Report summarises the record. Ungrounded vectors carry a nil Track 2
// divergence rather than a zero.
func (e *Engine) Report(ctx context.Context) (Report, error) {
	rec, err := e.Record(ctx)
	if err != nil {
		return Report{}, err
	}
	corr := Correction(rec).Values()
	out := Report{Thresholds: rec.Thresholds, Vectors: make([]VectorReport, 0, ir.NumVectors)}
	for i, name := range ir.VectorNames {
		vc := rec.Vector(name)
		vr := VectorReport{
			Vector:        name,
			Track1Offset:  roundMicro(vc.Track1Offset),
			Track1Samples: len(vc.Track1Samples),
			Track2Samples: len(vc.Track2Samples),
			Groundable:    vc.Groundable,
			Correction:    roundMicro(corr[i]),
		}
		switch {
		case len(vc.Track2Samples) > 0:
			d := roundMicro(vc.Track2Divergence)
			vr.Track2Divergence = &d
			vr.CorrectionSource = "track2"
		case len(vc.Track1Samples) > 0:
			vr.CorrectionSource = "track1"
		default:
			vr.CorrectionSource = "none"
		}
		out.Vectors = append(out.Vectors, vr)
	}
	return out, nil
}

// Grounded returns only the vectors with Track 2 samples.
func (r Report) Grounded() []VectorReport {
	var out []VectorReport
	for _, v := range r.Vectors {
		if v.Track2Divergence != nil {
			out = append(out, v)
		}
	}
	return out
}

func pushWindow(xs []float64, x float64, window int) []float64 {
	xs = append(xs, x)
	if len(xs) > window {
		xs = append([]float64(nil), xs[len(xs)-window:]...)
	}
	return xs
}

func roundMicro(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
