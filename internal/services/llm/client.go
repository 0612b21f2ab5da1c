package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "https://openrouter.ai/api/v1/chat/completions"
	defaultHTTPTimeout = 15 * time.Second
	maxResponseBytes   = 4 << 20
	snippetLimit       = 160
)

var (
	// ErrEmptyCompletion is returned when the provider answered without any
	// usable content.
	ErrEmptyCompletion = errors.New("llm: completion carried no content")
	// ErrNotObject is returned when the completion does not contain a JSON object.
	ErrNotObject = errors.New("llm: completion is not a JSON object")
)

// Config captures the runtime settings required to talk to the LLM.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

// Prompt is one stage generation request: the stage instructions and the
// JSON-encoded build input.
type Prompt struct {
	System string
	User   string
}

// Client sends single chat completion requests to an OpenRouter-compatible
// endpoint. It never retries; callers own the attempt budget.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a client from cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimSpace(cfg.BaseURL),
			Model:          strings.TrimSpace(cfg.Model),
			Referer:        strings.TrimSpace(cfg.Referer),
			Title:          strings.TrimSpace(cfg.Title),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.BaseURL == "" {
		c.cfg.BaseURL = defaultBaseURL
	}
	return c
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.cfg.Model }

// StatusError reports a non-2xx answer from the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: http %d: %s", e.Code, snippet(e.Body))
}

// Transient reports whether the provider signalled a condition that may clear
// on a later attempt (408, 429 or 5xx).
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests ||
		e.Code >= http.StatusInternalServerError
}

// StatusCode returns the HTTP status carried by err when the provider
// rejected the request.
func StatusCode(err error) (int, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code, true
	}
	return 0, false
}

// Generate sends p as one JSON-mode completion and returns the JSON object the
// model produced, compacted. Code fences and prose around the object are
// dropped.
func (c *Client) Generate(ctx context.Context, p Prompt) (json.RawMessage, error) {
	system := strings.TrimSpace(p.System)
	user := strings.TrimSpace(p.User)
	if system == "" || user == "" {
		return nil, errors.New("llm: system and user prompts are required")
	}
	content, err := c.complete(ctx, system, user)
	if err != nil {
		return nil, err
	}
	return extractObject(content)
}

// HealthCheck sends a minimal JSON request to confirm the key and model work.
func (c *Client) HealthCheck(ctx context.Context) error {
	content, err := c.complete(ctx, "Respond with JSON only.", `Respond with {"ok":true}`)
	if err != nil {
		return fmt.Errorf("llm health: %w", err)
	}
	raw, err := extractObject(content)
	if err != nil {
		return fmt.Errorf("llm health: %w", err)
	}
	var parsed struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || !parsed.OK {
		return fmt.Errorf("llm health: unexpected answer %s", snippet(string(raw)))
	}
	return nil
}

type completionRequest struct {
	Model          string            `json:"model"`
	Messages       []message         `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Choices []choice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// choice tolerates providers that answer in the streaming (delta), legacy
// text or tool-call shapes even for non-streaming JSON requests.
type choice struct {
	Message      answer `json:"message"`
	Delta        answer `json:"delta"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

type answer struct {
	Content   string `json:"content"`
	Refusal   string `json:"refusal"`
	ToolCalls []struct {
		Function struct {
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
	FunctionCall *struct {
		Arguments string `json:"arguments"`
	} `json:"function_call"`
}

func (a answer) text() string {
	if s := strings.TrimSpace(a.Content); s != "" {
		return s
	}
	if a.FunctionCall != nil {
		if s := strings.TrimSpace(a.FunctionCall.Arguments); s != "" {
			return s
		}
	}
	for _, call := range a.ToolCalls {
		if s := strings.TrimSpace(call.Function.Arguments); s != "" {
			return s
		}
	}
	return ""
}

func (ch choice) text() string {
	if s := ch.Message.text(); s != "" {
		return s
	}
	if s := ch.Delta.text(); s != "" {
		return s
	}
	return strings.TrimSpace(ch.Text)
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", errors.New("llm: api key required")
	}
	body, err := json.Marshal(completionRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("llm: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: send request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	var decoded completionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("llm: decode response %s: %w", snippet(string(raw)), err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("llm: provider error: %s", strings.TrimSpace(decoded.Error.Message))
	}
	var finish, refusal string
	for _, ch := range decoded.Choices {
		if s := ch.text(); s != "" {
			return s, nil
		}
		if finish == "" {
			finish = ch.FinishReason
		}
		if refusal == "" {
			refusal = strings.TrimSpace(ch.Message.Refusal)
		}
	}
	return "", fmt.Errorf("%w (finish_reason=%q, refusal=%q, response=%s)",
		ErrEmptyCompletion, finish, refusal, snippet(string(raw)))
}

// extractObject returns the first top-level JSON object in content. Stage
// documents are always objects, so arrays and scalars are rejected.
func extractObject(content string) (json.RawMessage, error) {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimPrefix(strings.TrimLeft(text, " \t\r\n"), "json")
		if end := strings.LastIndex(text, "```"); end >= 0 {
			text = text[:end]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: %s", ErrNotObject, snippet(content))
	}
	var out bytes.Buffer
	if err := json.Compact(&out, []byte(text[start:end+1])); err != nil {
		return nil, fmt.Errorf("%w: %v (%s)", ErrNotObject, err, snippet(content))
	}
	return out.Bytes(), nil
}

func snippet(s string) string {
	clean := strings.Join(strings.Fields(s), " ")
	if clean == "" {
		return "<empty>"
	}
	if runes := []rune(clean); len(runes) > snippetLimit {
		return string(runes[:snippetLimit]) + "..."
	}
	return clean
}
