package guardian

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/steward-dev/steward/internal/db"
)

// Snapshot is the trajectory evidence assembled for one agent before
// analysis.
type Snapshot struct {
	AgentID         string             `json:"agent_id"`
	TaskID          string             `json:"task_id"`
	TaskDescription string             `json:"task_description"`
	Goal            string             `json:"goal"`
	PhaseID         string             `json:"phase_id"`
	PhaseContext    map[string]any     `json:"phase_context,omitempty"`
	Summaries       []db.PhaseSummary  `json:"summaries,omitempty"`
	Constraints     []db.Constraint    `json:"constraints,omitempty"`
	Instructions    []string           `json:"instructions,omitempty"`
	MandatorySteps  []string           `json:"mandatory_steps,omitempty"`
	RecentEvents    []db.EventRecord   `json:"recent_events,omitempty"`
	DriftSignals    []string           `json:"drift_signals,omitempty"`
}

// Steering is the analyzer's recommended intervention.
type Steering struct {
	Kind       string  `json:"kind"`
	Message    string  `json:"message"`
	Confidence float64 `json:"confidence"`
}

// Verdict is the structured trajectory assessment returned by an analyzer.
// Raw preserves analyzer-specific fields beyond the enumerated shape.
type Verdict struct {
	AlignmentScore        float64         `json:"alignment_score"`
	TrajectoryAligned     bool            `json:"trajectory_aligned"`
	Summary               string          `json:"summary,omitempty"`
	DriftReasons          []string        `json:"detected_drift_reasons,omitempty"`
	ConstraintViolations  []string        `json:"constraint_violations,omitempty"`
	SkippedMandatorySteps []string        `json:"skipped_mandatory_steps,omitempty"`
	RecommendedSteering   *Steering       `json:"recommended_steering,omitempty"`
	Raw                   json.RawMessage `json:"raw,omitempty"`
}

// Analyzer assesses an agent trajectory. Production wires an LLM-backed
// implementation; tests inject deterministic stubs. Failures downgrade to a
// no-verdict outcome and never block the guardian loop.
type Analyzer interface {
	Analyze(ctx context.Context, snapshot *Snapshot) (*Verdict, error)
}

// StaticAnalyzer is a deterministic rule-based analyzer used when no LLM
// backend is configured. It scores from the snapshot's recorded drift
// signals and unlifted constraints.
type StaticAnalyzer struct{}

func (StaticAnalyzer) Analyze(_ context.Context, snapshot *Snapshot) (*Verdict, error) {
	score := 1.0
	var reasons []string
	for _, signal := range snapshot.DriftSignals {
		score -= 0.25
		reasons = append(reasons, signal)
	}
	if score < 0 {
		score = 0
	}

	var violations []string
	for _, c := range snapshot.Constraints {
		if c.Lifted {
			continue
		}
		for _, signal := range snapshot.DriftSignals {
			if strings.Contains(strings.ToLower(signal), strings.ToLower(c.Text)) {
				violations = append(violations, c.Text)
			}
		}
	}

	verdict := &Verdict{
		AlignmentScore:       score,
		TrajectoryAligned:    score >= 0.5 && len(violations) == 0,
		DriftReasons:         reasons,
		ConstraintViolations: violations,
	}
	if !verdict.TrajectoryAligned {
		kind := db.SteeringDrifting
		if len(violations) > 0 {
			kind = db.SteeringViolatingConstraints
		}
		verdict.RecommendedSteering = &Steering{
			Kind:       kind,
			Message:    "Trajectory deviates from the recorded goal; refocus on the task description.",
			Confidence: 1.0 - score,
		}
	}
	return verdict, nil
}
