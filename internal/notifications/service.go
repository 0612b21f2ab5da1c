package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"coursebuild/internal/config"
)

const userAgent = "Coursebuild-Go/0.1.0"

// Payload carries the values a notification message is rendered from.
type Payload map[string]any

// Service pushes human-facing notifications.
type Service interface {
	Publish(ctx context.Context, event EventType, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event EventType, payload Payload) error {
	msg, ok := render(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func render(event EventType, payload Payload) (message, bool) {
	title := payloadString(payload, "title")
	if title == "" {
		title = payloadString(payload, "build_id")
	}
	stage := strings.ReplaceAll(payloadString(payload, "stage"), "_", " ")

	switch event {
	case EventCheckpointOpened:
		body := fmt.Sprintf("Review needed: %s (%s)", title, stage)
		if id := payloadString(payload, "checkpoint_id"); id != "" {
			body += "\nApprove with: coursebuild checkpoint approve " + id
		}
		return message{
			title:    "Coursebuild - Review Needed",
			body:     body,
			tags:     []string{"coursebuild", "checkpoint", "review"},
			priority: "high",
		}, true
	case EventBuildCompleted:
		return message{
			title: "Coursebuild - Complete",
			body:  fmt.Sprintf("Course ready: %s", title),
			tags:  []string{"coursebuild", "build", "completed"},
		}, true
	case EventBuildFailed:
		body := fmt.Sprintf("Build failed: %s", title)
		if stage != "" {
			body += fmt.Sprintf(" during %s", stage)
		}
		if reason := payloadString(payload, "error"); reason != "" {
			body += "\nError: " + reason
		}
		return message{
			title:    "Coursebuild - Failed",
			body:     body,
			tags:     []string{"coursebuild", "error", "alert"},
			priority: "high",
		}, true
	case EventBuildCancelled:
		return message{
			title: "Coursebuild - Cancelled",
			body:  fmt.Sprintf("Build cancelled: %s", title),
			tags:  []string{"coursebuild", "build", "cancelled"},
		}, true
	case EventTest:
		return message{
			title:    "Coursebuild - Test",
			body:     "Notification system test",
			tags:     []string{"coursebuild", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func payloadString(payload Payload, key string) string {
	if payload == nil {
		return ""
	}
	switch v := payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, EventType, Payload) error { return nil }
