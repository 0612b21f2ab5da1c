package pipeline

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Step is one stage of a pipeline with its policy.
type Step struct {
	Stage            Stage `json:"stage" yaml:"name"`
	RequiresApproval bool  `json:"requires_approval" yaml:"requires_approval"`
	// TimeoutSeconds overrides the global per-stage timeout when positive.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout"`
}

// Timeout returns the stage timeout, falling back to def.
func (s Step) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return def
}

// Definition is an ordered list of steps.
type Definition struct {
	Steps []Step `json:"steps" yaml:"stages"`
}

// Default returns the full five-stage pipeline. Outline, review, and final
// assembly wait for a human decision.
func Default() Definition {
	return Definition{Steps: []Step{
		{Stage: StageOutline, RequiresApproval: true},
		{Stage: StageContentGeneration},
		{Stage: StageReview, RequiresApproval: true},
		{Stage: StageFinalAssembly, RequiresApproval: true},
		{Stage: StageExport},
	}}
}

// Load reads a YAML definition:
//
//	stages:
//	  - name: outline
//	    requires_approval: true
//	  - name: content_generation
//	    timeout: 900
func Load(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read pipeline file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML definition.
func Parse(data []byte) (Definition, error) {
	var raw struct {
		Stages []struct {
			Name             string `yaml:"name"`
			RequiresApproval bool   `yaml:"requires_approval"`
			Timeout          int    `yaml:"timeout"`
		} `yaml:"stages"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Definition{}, fmt.Errorf("parse pipeline file: %w", err)
	}
	def := Definition{Steps: make([]Step, 0, len(raw.Stages))}
	for _, s := range raw.Stages {
		stage, err := ParseStage(s.Name)
		if err != nil {
			return Definition{}, err
		}
		def.Steps = append(def.Steps, Step{Stage: stage, RequiresApproval: s.RequiresApproval, TimeoutSeconds: s.Timeout})
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Marshal renders the definition in the YAML file format.
func (d Definition) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// Validate checks that the definition is non-empty, uses known stages without
// duplicates, and preserves canonical order.
func (d Definition) Validate() error {
	if len(d.Steps) == 0 {
		return errors.New("pipeline must contain at least one stage")
	}
	last := -1
	for _, step := range d.Steps {
		rank, ok := stageRank[step.Stage]
		if !ok {
			return fmt.Errorf("unknown stage %q", step.Stage)
		}
		if rank == last {
			return fmt.Errorf("duplicate stage %q", step.Stage)
		}
		if rank < last {
			return fmt.Errorf("stage %q is out of order", step.Stage)
		}
		if step.TimeoutSeconds < 0 {
			return fmt.Errorf("stage %q: timeout must be >= 0", step.Stage)
		}
		last = rank
	}
	return nil
}

// First returns the opening stage.
func (d Definition) First() Stage {
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[0].Stage
}

// Index returns the position of stage or -1.
func (d Definition) Index(stage Stage) int {
	for i, step := range d.Steps {
		if step.Stage == stage {
			return i
		}
	}
	return -1
}

// Step returns the policy for stage.
func (d Definition) Step(stage Stage) (Step, bool) {
	if i := d.Index(stage); i >= 0 {
		return d.Steps[i], true
	}
	return Step{}, false
}

// Next returns the stage following stage. ok is false when stage is terminal
// or not part of the definition.
func (d Definition) Next(stage Stage) (Stage, bool) {
	i := d.Index(stage)
	if i < 0 || i+1 >= len(d.Steps) {
		return "", false
	}
	return d.Steps[i+1].Stage, true
}

// Terminal reports whether stage is the last stage of the definition.
func (d Definition) Terminal(stage Stage) bool {
	return len(d.Steps) > 0 && d.Steps[len(d.Steps)-1].Stage == stage
}

// Before returns the stages preceding stage, in order.
func (d Definition) Before(stage Stage) []Stage {
	i := d.Index(stage)
	if i <= 0 {
		return nil
	}
	out := make([]Stage, 0, i)
	for _, step := range d.Steps[:i] {
		out = append(out, step.Stage)
	}
	return out
}

// FromStages builds a definition from stage names with the given approval set.
func FromStages(stages []Stage, approval map[Stage]bool) Definition {
	def := Definition{Steps: make([]Step, 0, len(stages))}
	for _, s := range stages {
		def.Steps = append(def.Steps, Step{Stage: s, RequiresApproval: approval[s]})
	}
	return def
}
