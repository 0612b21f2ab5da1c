package stage

import "coursebuild/internal/pipeline"

const responseContract = `Respond with a single JSON object and nothing else.
If the input contains "feedback", revise your previous answer to address it and
include a "revision_notes" field summarizing what changed.`

var systemPrompts = map[pipeline.Stage]string{
	pipeline.StageOutline: `You design online courses. Given a course title and parameters,
produce a course outline as {"title": string, "audience": string,
"modules": [{"index": number, "title": string, "objectives": [string]}]}.
Use the "num_modules" parameter when present.`,

	pipeline.StageContentGeneration: `You write course material. Given an approved outline,
produce {"lessons": [{"module": string, "body": string, "exercises": [string]}]}
with one lesson per module, in order.`,

	pipeline.StageReview: `You are an editor reviewing course material for accuracy, clarity
and consistency with the outline. Produce {"summary": string,
"lesson_count": number, "issues": [string], "suggestions": [string]}.`,

	pipeline.StageFinalAssembly: `You assemble a finished course from its outline, lessons and
review notes. Produce {"course": string, "sections": [{"title": string,
"content": string}], "status": "assembled"}.`,

	pipeline.StageExport: `You prepare an assembled course for publishing. Produce
{"format": string, "artifact": string, "document": string} using the
"export_format" parameter (default markdown).`,
}

// SystemPrompt returns the instructions sent to the model for stage.
func SystemPrompt(stage pipeline.Stage) (string, bool) {
	prompt, ok := systemPrompts[stage]
	if !ok {
		return "", false
	}
	return prompt + "\n\n" + responseContract, true
}
