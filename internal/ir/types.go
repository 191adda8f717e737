package ir

import "time"

// Phase tags an Assessment with its place in the epistemic loop.
type Phase string

const (
	PhasePreflight  Phase = "PREFLIGHT"
	PhaseCheck      Phase = "CHECK"
	PhasePostflight Phase = "POSTFLIGHT"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhasePreflight, PhaseCheck, PhasePostflight:
		return true
	}
	return false
}

// TxState is the lifecycle state of a Transaction.
type TxState string

const (
	StateOpenPreflight     TxState = "OPEN_PREFLIGHT"
	StateOpenInvestigating TxState = "OPEN_INVESTIGATING"
	StateOpenChecked       TxState = "OPEN_CHECKED"
	StateClosed            TxState = "CLOSED"
)

// IsOpen reports whether the transaction still accepts CHECK and POSTFLIGHT.
func (s TxState) IsOpen() bool {
	switch s {
	case StateOpenPreflight, StateOpenInvestigating, StateOpenChecked:
		return true
	}
	return false
}

// Decision is the outcome of a CHECK.
type Decision string

const (
	DecisionProceed     Decision = "proceed"
	DecisionInvestigate Decision = "investigate"
)

// Session groups one execution identity's work over time.
type Session struct {
	ID            string     `json:"id"`
	OwnerIdentity string     `json:"owner_identity"`
	ProjectPath   string     `json:"project_path,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// Transaction is one PREFLIGHT→POSTFLIGHT loop. SessionID is written once at
// PREFLIGHT and never updated.
type Transaction struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	OwnerIdentity string     `json:"owner_identity"`
	ProjectPath   string     `json:"project_path,omitempty"`
	State         TxState    `json:"state"`
	Parallel      bool       `json:"parallel"`
	PreflightAt   time.Time  `json:"preflight_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	Delta         *Delta     `json:"delta,omitempty"`
}

// Assessment is a single phase-tagged self-report.
type Assessment struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	TransactionID string         `json:"transaction_id"`
	Phase         Phase          `json:"phase"`
	Round         int            `json:"round"`
	Vectors       VectorSet      `json:"vectors"`
	Reasoning     string         `json:"reasoning"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// GoalStatus tracks goal and subtask progress.
type GoalStatus string

const (
	GoalOpen      GoalStatus = "open"
	GoalCompleted GoalStatus = "completed"
	GoalAbandoned GoalStatus = "abandoned"
)

// Goal is an optional investigation-tracking unit within a session.
type Goal struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Objective string     `json:"objective"`
	Scope     string     `json:"scope,omitempty"`
	Status    GoalStatus `json:"status"`
}

// Subtask belongs to a Goal and carries the investigation trail CHECK consumes.
type Subtask struct {
	ID          string     `json:"id"`
	GoalID      string     `json:"goal_id"`
	Description string     `json:"description"`
	Findings    []string   `json:"findings"`
	Unknowns    []string   `json:"unknowns"`
	DeadEnds    []string   `json:"dead_ends"`
	Status      GoalStatus `json:"status"`
}

// ArtifactKind classifies a noetic artifact.
type ArtifactKind string

const (
	ArtifactFinding  ArtifactKind = "finding"
	ArtifactUnknown  ArtifactKind = "unknown"
	ArtifactDeadEnd  ArtifactKind = "dead_end"
	ArtifactResolved ArtifactKind = "resolved"
)

// Valid reports whether k is a known artifact kind.
func (k ArtifactKind) Valid() bool {
	switch k {
	case ArtifactFinding, ArtifactUnknown, ArtifactDeadEnd, ArtifactResolved:
		return true
	}
	return false
}

// Artifact is an investigative record logged while a transaction is open.
type Artifact struct {
	ID            string       `json:"id"`
	SessionID     string       `json:"session_id"`
	TransactionID string       `json:"transaction_id,omitempty"`
	SubtaskID     string       `json:"subtask_id,omitempty"`
	Kind          ArtifactKind `json:"kind"`
	Text          string       `json:"text"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Quality grades how directly an evidence signal measures reality.
type Quality string

const (
	QualityObjective     Quality = "OBJECTIVE"
	QualitySemiObjective Quality = "SEMI_OBJECTIVE"
)

// EvidenceItem is one objective measurement.
type EvidenceItem struct {
	Source  string  `json:"source"`
	Signal  string  `json:"signal"`
	Value   float64 `json:"value"`
	Quality Quality `json:"quality"`
	Detail  string  `json:"detail,omitempty"`
}

// EvidenceBundle is collected after POSTFLIGHT. Partial bundles are kept.
type EvidenceBundle struct {
	TransactionID string         `json:"transaction_id"`
	Items         []EvidenceItem `json:"items"`
	Partial       bool           `json:"partial"`
	Errors        []string       `json:"errors,omitempty"`
	CollectedAt   time.Time      `json:"collected_at"`
}

// Signal returns the first item carrying the named signal.
func (b EvidenceBundle) Signal(name string) (EvidenceItem, bool) {
	for _, it := range b.Items {
		if it.Signal == name {
			return it, true
		}
	}
	return EvidenceItem{}, false
}

// Thresholds gate the CHECK readiness predicate.
type Thresholds struct {
	Know        float64 `json:"know"`
	Uncertainty float64 `json:"uncertainty"`
}

// Satisfied reports know >= Know and uncertainty <= Uncertainty.
func (t Thresholds) Satisfied(v VectorSet) bool {
	return v.Know >= t.Know && v.Uncertainty <= t.Uncertainty
}

// Track identifies a calibration track.
type Track int

const (
	// TrackSelf compares POSTFLIGHT with PREFLIGHT.
	TrackSelf Track = 1
	// TrackGrounded compares self-reports with collected evidence.
	TrackGrounded Track = 2
)

// VectorCalibration is the accumulated calibration for one dimension.
type VectorCalibration struct {
	Vector           VectorName `json:"vector"`
	Track1Offset     float64    `json:"track1_offset"`
	Track1Samples    []float64  `json:"track1_samples,omitempty"`
	Track2Divergence float64    `json:"track2_divergence"`
	Track2Samples    []float64  `json:"track2_samples,omitempty"`
	Groundable       bool       `json:"groundable"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CalibrationRecord is the process-wide calibration state. It is appended to,
// never replaced.
type CalibrationRecord struct {
	Thresholds Thresholds                       `json:"thresholds"`
	Vectors    map[VectorName]VectorCalibration `json:"vectors"`
}

// Vector returns the calibration for name, zero-valued if absent.
func (r CalibrationRecord) Vector(name VectorName) VectorCalibration {
	if vc, ok := r.Vectors[name]; ok {
		return vc
	}
	return VectorCalibration{Vector: name}
}

// TrajectoryPoint is one timestamped calibration update.
type TrajectoryPoint struct {
	Vector        VectorName `json:"vector"`
	Track         Track      `json:"track"`
	Value         float64    `json:"value"`
	TransactionID string     `json:"transaction_id"`
	At            time.Time  `json:"at"`
}

// ActiveContext is the pointer keyed by execution identity.
type ActiveContext struct {
	ExecutionIdentity string    `json:"execution_identity"`
	SessionID         string    `json:"session_id"`
	TransactionID     string    `json:"transaction_id,omitempty"`
	ProjectPath       string    `json:"project_path,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}
