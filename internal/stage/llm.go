package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"coursebuild/internal/config"
	"coursebuild/internal/logging"
	"coursebuild/internal/services"
	"coursebuild/internal/services/llm"
)

// Generator is the subset of the LLM client used by the executor. Each
// Generate call is a single request; retries belong to the stage runner.
type Generator interface {
	Generate(ctx context.Context, p llm.Prompt) (json.RawMessage, error)
	HealthCheck(ctx context.Context) error
}

// LLM generates stage content with a chat completion model.
type LLM struct {
	client Generator
	model  string
	logger *slog.Logger
}

// NewLLM wraps client as a stage executor.
func NewLLM(client Generator, model string, logger *slog.Logger) *LLM {
	return &LLM{
		client: client,
		model:  model,
		logger: logging.NewComponentLogger(logger, "llm-executor"),
	}
}

// NewLLMFromConfig builds the executor with an OpenRouter client configured from cfg.
func NewLLMFromConfig(cfg *config.Config, logger *slog.Logger) *LLM {
	settings := cfg.GetLLM()
	client := llm.NewClient(llm.Config{
		APIKey:         settings.APIKey,
		BaseURL:        settings.BaseURL,
		Model:          settings.Model,
		Referer:        settings.Referer,
		Title:          settings.Title,
		TimeoutSeconds: settings.TimeoutSeconds,
	})
	return NewLLM(client, settings.Model, logger)
}

// HealthCheck pings the model.
func (e *LLM) HealthCheck(ctx context.Context) Health {
	name := "llm"
	if e.model != "" {
		name = "llm (" + e.model + ")"
	}
	if e.client == nil {
		return Unhealthy(name, "client not configured")
	}
	if err := e.client.HealthCheck(ctx); err != nil {
		return Unhealthy(name, err.Error())
	}
	return Healthy(name)
}

type userPrompt struct {
	Title    string                     `json:"title"`
	Stage    string                     `json:"stage"`
	Config   map[string]string          `json:"parameters,omitempty"`
	Prior    map[string]json.RawMessage `json:"prior_content,omitempty"`
	Feedback *Feedback                  `json:"feedback,omitempty"`
}

// Execute prompts the model for req.Stage and returns its JSON answer.
func (e *LLM) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	system, ok := SystemPrompt(req.Stage)
	if !ok {
		return nil, services.Wrap(services.ErrValidation, string(req.Stage), "execute", "no prompt for stage", nil)
	}
	if e.client == nil {
		return nil, services.Wrap(services.ErrConfiguration, string(req.Stage), "execute", "llm client not configured", nil)
	}
	user, err := buildUserPrompt(req)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, string(req.Stage), "build prompt", "encode stage input", err)
	}

	logging.WithContext(ctx, e.logger).Debug("llm stage request",
		logging.String(logging.FieldStage, string(req.Stage)),
		logging.Int(logging.FieldAttempt, req.Attempt),
		logging.Bool("has_feedback", !req.Feedback.Empty()),
		logging.Int("prompt_bytes", len(user)),
	)

	payload, err := e.client.Generate(ctx, llm.Prompt{System: system, User: user})
	if err != nil {
		return nil, classifyLLMError(string(req.Stage), err)
	}
	return payload, nil
}

func buildUserPrompt(req Request) (string, error) {
	prompt := userPrompt{
		Title:  req.Title,
		Stage:  string(req.Stage),
		Config: req.Config,
	}
	if len(req.Prior) > 0 {
		prompt.Prior = make(map[string]json.RawMessage, len(req.Prior))
		for stage, raw := range req.Prior {
			prompt.Prior[string(stage)] = raw
		}
	}
	if !req.Feedback.Empty() {
		prompt.Feedback = req.Feedback
	}
	encoded, err := json.MarshalIndent(prompt, "", "  ")
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func classifyLLMError(stage string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return services.Wrap(services.ErrTimeout, stage, "llm request", "model call timed out", err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, llm.ErrNotObject), errors.Is(err, llm.ErrEmptyCompletion):
		return services.Wrap(services.ErrExternalCapability, stage, "llm request", "model returned no usable stage document", err)
	}
	if code, ok := llm.StatusCode(err); ok {
		switch {
		case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
			return services.Wrap(services.ErrConfiguration, stage, "llm request",
				fmt.Sprintf("provider rejected credentials or model (http %d)", code), err)
		case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
			return services.Wrap(services.ErrValidation, stage, "llm request",
				fmt.Sprintf("provider rejected the request (http %d)", code), err)
		}
	}
	return services.Wrap(services.ErrExternalCapability, stage, "llm request", "model call failed", err)
}
