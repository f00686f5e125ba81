package phase

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/tidwall/gjson"

	"github.com/steward-dev/steward/internal/db"
)

// GateResult is the outcome of gate validation. Failure is an expected
// outcome, not an error: Missing itemizes every unmet check.
type GateResult struct {
	Passed  bool     `json:"passed"`
	Missing []string `json:"missing,omitempty"`
}

// evaluateGate checks a phase's done definitions, expected outputs, and task
// completion against the collected artifacts and task set.
func evaluateGate(def *Definition, artifacts []db.GateArtifact, tasks []db.Task) GateResult {
	var missing []string

	byKind := make(map[string][]db.GateArtifact)
	for _, a := range artifacts {
		byKind[a.Kind] = append(byKind[a.Kind], a)
	}

	for _, output := range def.ExpectedOutputs {
		if len(byKind[output]) == 0 {
			missing = append(missing, fmt.Sprintf("expected output %q not submitted", output))
		}
	}

	for _, pred := range def.DoneDefinitions {
		if !predicateHolds(pred, byKind) {
			desc := pred.Description
			if desc == "" {
				desc = fmt.Sprintf("%s:%s", pred.ArtifactKind, pred.Path)
			}
			missing = append(missing, fmt.Sprintf("done definition %q not satisfied", desc))
		}
	}

	for _, task := range tasks {
		if task.Optional {
			continue
		}
		if task.Status != db.TaskCompleted {
			missing = append(missing, fmt.Sprintf("task %s (%s) is %s", task.ID, task.Type, task.Status))
		}
	}

	return GateResult{Passed: len(missing) == 0, Missing: missing}
}

// predicateHolds evaluates one done definition. The predicate passes when
// any artifact of the kind satisfies the path (and value, when given).
func predicateHolds(pred Predicate, byKind map[string][]db.GateArtifact) bool {
	candidates := byKind[pred.ArtifactKind]
	if len(candidates) == 0 {
		return false
	}
	if pred.Path == "" {
		return true
	}
	for _, artifact := range candidates {
		payload, err := json.Marshal(artifact.Payload)
		if err != nil {
			continue
		}
		got := gjson.GetBytes(payload, pred.Path)
		if !got.Exists() {
			continue
		}
		if pred.Equals == nil {
			return true
		}
		if valuesEqual(got, pred.Equals) {
			return true
		}
	}
	return false
}

func valuesEqual(got gjson.Result, want any) bool {
	switch w := want.(type) {
	case string:
		return got.String() == w
	case bool:
		return (got.Type == gjson.True || got.Type == gjson.False) && got.Bool() == w
	case int:
		return got.Num == float64(w)
	case int64:
		return got.Num == float64(w)
	case float64:
		return got.Num == w
	default:
		return reflect.DeepEqual(got.Value(), want)
	}
}
