package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"coursebuild/internal/pipeline"
	"coursebuild/internal/services"
)

const (
	defaultModules      = 3
	maxModules          = 50
	defaultExportFormat = "markdown"
)

// Builtin derives deterministic stage payloads from the build config and the
// prior stage content. It needs no network access.
type Builtin struct{}

// NewBuiltin returns the builtin executor.
func NewBuiltin() *Builtin {
	return &Builtin{}
}

// HealthCheck always reports ready.
func (b *Builtin) HealthCheck(context.Context) Health {
	return Healthy("builtin")
}

type module struct {
	Index int    `json:"index"`
	Title string `json:"title"`
}

type lesson struct {
	Module string `json:"module"`
	Body   string `json:"body"`
}

// Execute produces the payload for req.Stage.
func (b *Builtin) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var payload map[string]any
	var err error
	switch req.Stage {
	case pipeline.StageOutline:
		payload, err = b.outline(req)
	case pipeline.StageContentGeneration:
		payload, err = b.lessons(req)
	case pipeline.StageReview:
		payload, err = b.review(req)
	case pipeline.StageFinalAssembly:
		payload, err = b.assemble(req)
	case pipeline.StageExport:
		payload, err = b.export(req)
	default:
		return nil, services.Wrap(services.ErrValidation, string(req.Stage), "execute", "unknown stage", nil)
	}
	if err != nil {
		return nil, err
	}
	if !req.Feedback.Empty() {
		notes := map[string]any{"comments": req.Feedback.Comments}
		if len(req.Feedback.Details) > 0 {
			notes["details"] = req.Feedback.Details
		}
		if req.Feedback.Reviewer != "" {
			notes["reviewer"] = req.Feedback.Reviewer
		}
		payload["revision_notes"] = notes
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, string(req.Stage), "encode payload", "payload not serializable", err)
	}
	return encoded, nil
}

func (b *Builtin) outline(req Request) (map[string]any, error) {
	count := defaultModules
	if raw := strings.TrimSpace(req.Config["num_modules"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxModules {
			return nil, services.Wrap(services.ErrValidation, string(req.Stage), "outline",
				fmt.Sprintf("num_modules must be an integer between 1 and %d", maxModules), err)
		}
		count = n
	}
	modules := make([]module, 0, count)
	for i := 1; i <= count; i++ {
		modules = append(modules, module{Index: i, Title: fmt.Sprintf("%s: Module %d", req.Title, i)})
	}
	out := map[string]any{
		"title":   req.Title,
		"modules": modules,
	}
	if audience := strings.TrimSpace(req.Config["audience"]); audience != "" {
		out["audience"] = audience
	}
	return out, nil
}

func (b *Builtin) lessons(req Request) (map[string]any, error) {
	var outline struct {
		Modules []module `json:"modules"`
	}
	if err := decodePrior(req, pipeline.StageOutline, &outline); err != nil {
		return nil, err
	}
	lessons := make([]lesson, 0, len(outline.Modules))
	for _, m := range outline.Modules {
		lessons = append(lessons, lesson{
			Module: m.Title,
			Body:   fmt.Sprintf("Lesson material for %s.", m.Title),
		})
	}
	return map[string]any{"lessons": lessons}, nil
}

func (b *Builtin) review(req Request) (map[string]any, error) {
	var generated struct {
		Lessons []lesson `json:"lessons"`
	}
	if err := decodePrior(req, pipeline.StageContentGeneration, &generated); err != nil {
		return nil, err
	}
	issues := []string{}
	for _, l := range generated.Lessons {
		if strings.TrimSpace(l.Body) == "" {
			issues = append(issues, "empty lesson: "+l.Module)
		}
	}
	return map[string]any{
		"lesson_count": len(generated.Lessons),
		"issues":       issues,
		"summary":      fmt.Sprintf("Reviewed %d lessons for %s.", len(generated.Lessons), req.Title),
	}, nil
}

func (b *Builtin) assemble(req Request) (map[string]any, error) {
	sections := make([]string, 0, len(req.Prior))
	for _, s := range pipeline.AllStages() {
		if _, ok := req.Prior[s]; ok {
			sections = append(sections, string(s))
		}
	}
	return map[string]any{
		"course":   req.Title,
		"sections": sections,
		"status":   "assembled",
	}, nil
}

func (b *Builtin) export(req Request) (map[string]any, error) {
	format := strings.ToLower(strings.TrimSpace(req.Config["export_format"]))
	if format == "" {
		format = defaultExportFormat
	}
	return map[string]any{
		"format":   format,
		"artifact": slug(req.Title) + "." + extensionFor(format),
	}, nil
}

func decodePrior(req Request, from pipeline.Stage, target any) error {
	raw, ok := req.Prior[from]
	if !ok {
		// Pipelines may skip earlier stages; an absent input yields empty output.
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return services.Wrap(services.ErrValidation, string(req.Stage), "decode prior",
			fmt.Sprintf("%s content is not in the expected shape", from), err)
	}
	return nil
}

func slug(title string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "course"
	}
	return out
}

func extensionFor(format string) string {
	switch format {
	case "markdown", "md":
		return "md"
	case "html":
		return "html"
	default:
		return "json"
	}
}
