package pipeline

import (
	"fmt"
	"strings"
)

// Stage identifies a step in a course build.
type Stage string

const (
	StageOutline           Stage = "outline"
	StageContentGeneration Stage = "content_generation"
	StageReview            Stage = "review"
	StageFinalAssembly     Stage = "final_assembly"
	StageExport            Stage = "export"
)

var canonicalStages = []Stage{
	StageOutline,
	StageContentGeneration,
	StageReview,
	StageFinalAssembly,
	StageExport,
}

var stageRank = func() map[Stage]int {
	m := make(map[Stage]int, len(canonicalStages))
	for i, s := range canonicalStages {
		m[s] = i
	}
	return m
}()

// AllStages returns the canonical stage order.
func AllStages() []Stage {
	out := make([]Stage, len(canonicalStages))
	copy(out, canonicalStages)
	return out
}

// ParseStage normalizes user input ("Content Generation", "final-assembly")
// into a known stage.
func ParseStage(value string) (Stage, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	stage := Stage(normalized)
	if _, ok := stageRank[stage]; !ok {
		return "", fmt.Errorf("unknown stage %q", value)
	}
	return stage, nil
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

func (s Stage) String() string { return string(s) }

// Label returns a human-readable stage name.
func (s Stage) Label() string {
	words := strings.Split(string(s), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
