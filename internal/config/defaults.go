package config

const (
	defaultStateDir             = "~/.local/share/coursebuild"
	defaultLogDir               = "~/.local/share/coursebuild/logs"
	defaultConfigPath           = "~/.config/coursebuild/config.toml"
	defaultProjectConfig        = "coursebuild.toml"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogRetentionDays     = 30
	defaultAPIBind              = "127.0.0.1:7491"
	defaultMaxAttempts          = 3
	defaultRetryBackoffSeconds  = 2
	defaultRetryBackoffMax      = 30
	defaultStageTimeoutSeconds  = 600
	defaultExecutor             = ExecutorBuiltin
	defaultNotifyRequestTimeout = 10
	defaultBusCapacity          = 64
	defaultLLMBaseURL           = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel             = "google/gemini-3-flash-preview"
	defaultLLMReferer           = "https://github.com/coursebuild/coursebuild"
	defaultLLMTitle             = "coursebuild"
	defaultLLMTimeoutSeconds    = 120
	databaseFileName            = "coursebuild.db"
	socketFileName              = "coursebuild.sock"
	lockFileName                = "coursebuild.lock"
	daemonLogFileName           = "coursebuildd.log"
	envFileName                 = ".env"
	envLLMAPIKey                = "COURSEBUILD_LLM_API_KEY"
	envOpenRouterAPIKey         = "OPENROUTER_API_KEY"
	envNtfyTopic                = "COURSEBUILD_NTFY_TOPIC"
	envAPIToken                 = "COURSEBUILD_API_TOKEN"
)

// Executor names accepted by workflow.executor.
const (
	ExecutorBuiltin = "builtin"
	ExecutorLLM     = "llm"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		API: API{
			Bind:    defaultAPIBind,
			Metrics: true,
		},
		Workflow: Workflow{
			MaxAttempts:            defaultMaxAttempts,
			RetryBackoffSeconds:    defaultRetryBackoffSeconds,
			RetryBackoffMaxSeconds: defaultRetryBackoffMax,
			StageTimeoutSeconds:    defaultStageTimeoutSeconds,
			Executor:               defaultExecutor,
		},
		Notifications: Notifications{
			RequestTimeout:   defaultNotifyRequestTimeout,
			BusCapacity:      defaultBusCapacity,
			CheckpointOpened: true,
			BuildCompleted:   true,
			BuildFailed:      true,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			Referer:        defaultLLMReferer,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
