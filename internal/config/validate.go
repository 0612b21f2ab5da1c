package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.max_attempts":              c.Workflow.MaxAttempts,
		"workflow.retry_backoff_seconds":     c.Workflow.RetryBackoffSeconds,
		"workflow.retry_backoff_max_seconds": c.Workflow.RetryBackoffMaxSeconds,
		"workflow.stage_timeout_seconds":     c.Workflow.StageTimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Workflow.RetryBackoffMaxSeconds < c.Workflow.RetryBackoffSeconds {
		return errors.New("workflow.retry_backoff_max_seconds must be >= workflow.retry_backoff_seconds")
	}
	switch c.Workflow.Executor {
	case ExecutorBuiltin, ExecutorLLM:
	default:
		return fmt.Errorf("workflow.executor: unsupported value %q (want %q or %q)", c.Workflow.Executor, ExecutorBuiltin, ExecutorLLM)
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	if c.Notifications.BusCapacity < 1 {
		return errors.New("notifications.bus_capacity must be >= 1")
	}
	return nil
}

func (c *Config) validateLLM() error {
	if c.Workflow.Executor != ExecutorLLM {
		return nil
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("llm.api_key is required when workflow.executor is %q. Set %s or edit %s (create with 'coursebuild config init')", ExecutorLLM, envOpenRouterAPIKey, defaultPath)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
