// Package phase drives tickets through the gated workflow state machine.
package phase

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Well-known phase IDs of the built-in workflow.
const (
	Backlog        = "backlog"
	Requirements   = "requirements"
	Design         = "design"
	Implementation = "implementation"
	Testing        = "testing"
	Deployment     = "deployment"
	Done           = "done"
	Blocked        = "blocked"
)

// TaskTemplate declares a task a phase materializes on entry. DependsOn
// refers to other template keys in the same phase; the machine resolves them
// to concrete task IDs at materialization time.
type TaskTemplate struct {
	Key                  string   `yaml:"key"`
	Type                 string   `yaml:"type"`
	Description          string   `yaml:"description"`
	DependsOn            []string `yaml:"depends_on"`
	Optional             bool     `yaml:"optional"`
	Priority             int      `yaml:"priority"`
	TimeoutSeconds       int      `yaml:"timeout_seconds"`
	RequiredResources    []string `yaml:"required_resources"`
	RequiredCapabilities []string `yaml:"required_capabilities"`
}

// Predicate is a verifiable completion check evaluated against a phase's
// collected artifacts. Path is a gjson path into the artifact payload; an
// empty Path just requires an artifact of the kind to exist. A non-nil
// Equals additionally compares the extracted value.
type Predicate struct {
	Description  string `yaml:"description"`
	ArtifactKind string `yaml:"artifact_kind"`
	Path         string `yaml:"path"`
	Equals       any    `yaml:"equals"`
}

// Definition is one node in the workflow graph, immutable during a ticket's
// traversal.
type Definition struct {
	ID              string         `yaml:"id"`
	Position        int            `yaml:"position"`
	NextPhases      []string       `yaml:"next_phases"`
	TaskTemplates   []TaskTemplate `yaml:"task_templates"`
	DoneDefinitions []Predicate    `yaml:"done_definitions"`
	ExpectedOutputs []string       `yaml:"expected_outputs"`
	PhasePrompt     string         `yaml:"phase_prompt"`
	MandatorySteps  []string       `yaml:"mandatory_steps"`
}

// Allows reports whether the definition permits transitioning to the target.
func (d *Definition) Allows(to string) bool {
	for _, next := range d.NextPhases {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the phase has no outgoing transitions.
func (d *Definition) Terminal() bool {
	return len(d.NextPhases) == 0
}

// Defaults returns the built-in workflow:
// backlog -> requirements -> design -> implementation -> testing ->
// deployment -> done, with blocked reachable from every working phase.
func Defaults() []Definition {
	return []Definition{
		{
			ID:         Backlog,
			Position:   0,
			NextPhases: []string{Requirements},
		},
		{
			ID:              Requirements,
			Position:        1,
			NextPhases:      []string{Design, Blocked},
			ExpectedOutputs: []string{"requirements_doc"},
			PhasePrompt:     "Capture what the change must do and why.",
		},
		{
			ID:              Design,
			Position:        2,
			NextPhases:      []string{Implementation, Blocked},
			ExpectedOutputs: []string{"design_doc"},
			PhasePrompt:     "Describe how the change will be built.",
		},
		{
			ID:         Implementation,
			Position:   3,
			NextPhases: []string{Testing, Blocked},
			TaskTemplates: []TaskTemplate{
				{Key: "code", Type: "code", Description: "Implement the change", RequiredCapabilities: []string{"code"}},
				{Key: "test", Type: "test", Description: "Write tests for the change", DependsOn: []string{"code"}, RequiredCapabilities: []string{"test"}},
			},
			ExpectedOutputs: []string{"result_submission"},
			MandatorySteps:  []string{"run tests before submitting"},
		},
		{
			ID:              Testing,
			Position:        4,
			NextPhases:      []string{Deployment, Implementation, Blocked},
			ExpectedOutputs: []string{"test_report"},
		},
		{
			ID:              Deployment,
			Position:        5,
			NextPhases:      []string{Done, Blocked},
			ExpectedOutputs: []string{"deployment_record"},
		},
		{
			ID:       Done,
			Position: 6,
		},
		{
			ID:         Blocked,
			Position:   7,
			NextPhases: []string{Requirements, Design, Implementation, Testing},
		},
	}
}

// LoadFile reads phase definitions from a YAML file. The file replaces the
// built-in set entirely.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phases file %s: %w", path, err)
	}
	var doc struct {
		Phases []Definition `yaml:"phases"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse phases file %s: %w", path, err)
	}
	if len(doc.Phases) == 0 {
		return nil, fmt.Errorf("phases file %s defines no phases", path)
	}
	if err := validateDefinitions(doc.Phases); err != nil {
		return nil, fmt.Errorf("phases file %s: %w", path, err)
	}
	return doc.Phases, nil
}

func validateDefinitions(defs []Definition) error {
	byID := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("phase with empty id")
		}
		if byID[d.ID] {
			return fmt.Errorf("duplicate phase id %q", d.ID)
		}
		byID[d.ID] = true
	}
	for _, d := range defs {
		for _, next := range d.NextPhases {
			if !byID[next] {
				return fmt.Errorf("phase %q allows unknown next phase %q", d.ID, next)
			}
		}
		keys := make(map[string]bool, len(d.TaskTemplates))
		for _, tpl := range d.TaskTemplates {
			if tpl.Key == "" || tpl.Type == "" {
				return fmt.Errorf("phase %q has a template missing key or type", d.ID)
			}
			if keys[tpl.Key] {
				return fmt.Errorf("phase %q has duplicate template key %q", d.ID, tpl.Key)
			}
			keys[tpl.Key] = true
		}
		for _, tpl := range d.TaskTemplates {
			for _, dep := range tpl.DependsOn {
				if !keys[dep] {
					return fmt.Errorf("phase %q template %q depends on unknown key %q", d.ID, tpl.Key, dep)
				}
			}
		}
	}
	return nil
}
