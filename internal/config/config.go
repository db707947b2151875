// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Budget() BudgetConfig
	Reasoner() ReasonerConfig
	Perception() PerceptionConfig
	Desktop() DesktopConfig
	Tools() ToolsConfig
	Store() StoreConfig
	Engine() EngineConfig
	Run() RunConfig
	SetRunConfig(rc RunConfig)

	// Budget Setters (CLI flag overrides)
	SetBudgetMaxSteps(int)
	SetBudgetMaxExecutionTime(time.Duration)

	// Engine Setters
	SetEngineMaxConcurrentTasks(int)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	BudgetCfg     BudgetConfig     `mapstructure:"budget" yaml:"budget"`
	ReasonerCfg   ReasonerConfig   `mapstructure:"reasoner" yaml:"reasoner"`
	PerceptionCfg PerceptionConfig `mapstructure:"perception" yaml:"perception"`
	DesktopCfg    DesktopConfig    `mapstructure:"desktop" yaml:"desktop"`
	ToolsCfg      ToolsConfig      `mapstructure:"tools" yaml:"tools"`
	StoreCfg      StoreConfig      `mapstructure:"store" yaml:"store"`
	EngineCfg     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	// RunCfg gets its marching orders from CLI flags, not the config file.
	RunCfg RunConfig `mapstructure:"-" yaml:"-"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Budget() BudgetConfig         { return c.BudgetCfg }
func (c *Config) Reasoner() ReasonerConfig     { return c.ReasonerCfg }
func (c *Config) Perception() PerceptionConfig { return c.PerceptionCfg }
func (c *Config) Desktop() DesktopConfig       { return c.DesktopCfg }
func (c *Config) Tools() ToolsConfig           { return c.ToolsCfg }
func (c *Config) Store() StoreConfig           { return c.StoreCfg }
func (c *Config) Engine() EngineConfig         { return c.EngineCfg }
func (c *Config) Run() RunConfig               { return c.RunCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetRunConfig(rc RunConfig) { c.RunCfg = rc }

func (c *Config) SetBudgetMaxSteps(n int)                   { c.BudgetCfg.MaxSteps = n }
func (c *Config) SetBudgetMaxExecutionTime(d time.Duration) { c.BudgetCfg.MaxExecutionTime = d }
func (c *Config) SetEngineMaxConcurrentTasks(n int)         { c.EngineCfg.MaxConcurrentTasks = n }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BudgetConfig carries the execution budget knobs. A snapshot is taken at
// task creation and never mutated mid-task, so a running task keeps the
// budget it started with even if configuration is reloaded.
type BudgetConfig struct {
	ActionTimeout          time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	MaxExecutionTime       time.Duration `mapstructure:"max_execution_time" yaml:"max_execution_time"`
	ActionDelay            time.Duration `mapstructure:"action_delay" yaml:"action_delay"`
	ScreenAnalysisDelay    time.Duration `mapstructure:"screen_analysis_delay" yaml:"screen_analysis_delay"`
	ToolTimeout            time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
	MaxSteps               int           `mapstructure:"max_steps" yaml:"max_steps"`
	LoopRepeatThreshold    int           `mapstructure:"loop_repeat_threshold" yaml:"loop_repeat_threshold"`
	MaxConsecutiveSpeak    int           `mapstructure:"max_consecutive_speak" yaml:"max_consecutive_speak"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	MaxEscalations         int           `mapstructure:"max_escalations" yaml:"max_escalations"`
	UnchangedContextLimit  int           `mapstructure:"unchanged_context_limit" yaml:"unchanged_context_limit"`
	LoopWindowDepth        int           `mapstructure:"loop_window_depth" yaml:"loop_window_depth"`
	DecisionHistoryLimit   int           `mapstructure:"decision_history_limit" yaml:"decision_history_limit"`
}

// ReasonerProvider identifies a reasoning service backend.
type ReasonerProvider string

const (
	ProviderGeminiHTTP ReasonerProvider = "gemini-http"
	ProviderGenAI      ReasonerProvider = "genai"
)

// ReasonerConfig configures the reasoning service client.
type ReasonerConfig struct {
	Provider    ReasonerProvider `mapstructure:"provider" yaml:"provider"`
	Model       string           `mapstructure:"model" yaml:"model"`
	APIKey      string           `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string           `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration    `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32          `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int              `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// PerceptionConfig configures the screen perception adapter. The capture and
// OCR commands are external programs invoked per snapshot; {file} in OCR args
// is substituted with the captured image path.
type PerceptionConfig struct {
	CaptureCommand  []string `mapstructure:"capture_command" yaml:"capture_command"`
	OCRCommand      []string `mapstructure:"ocr_command" yaml:"ocr_command"`
	WindowCommand   []string `mapstructure:"window_command" yaml:"window_command"`
	ScreenshotDir   string   `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	KeepScreenshots int      `mapstructure:"keep_screenshots" yaml:"keep_screenshots"`
}

// DesktopConfig configures the device-control effector.
type DesktopConfig struct {
	// Backend selects the input driver: "xdotool", "cliclick", or "auto".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// RatePerMinute caps device actions to guard against runaway input.
	RatePerMinute int `mapstructure:"rate_per_minute" yaml:"rate_per_minute"`
	// TypeIntervalMs is the inter-keystroke delay handed to the driver.
	TypeIntervalMs int `mapstructure:"type_interval_ms" yaml:"type_interval_ms"`
	// SpeechCommand is the TTS program; empty disables audible speech and
	// falls back to transcript-only output.
	SpeechCommand []string `mapstructure:"speech_command" yaml:"speech_command"`
}

// ToolProviderConfig describes one MCP tool server reachable over stdio.
type ToolProviderConfig struct {
	Name    string            `mapstructure:"name" yaml:"name"`
	Command string            `mapstructure:"command" yaml:"command"`
	Args    []string          `mapstructure:"args" yaml:"args"`
	Env     map[string]string `mapstructure:"env" yaml:"env"`
}

// ToolsConfig configures the tool invocation gateway.
type ToolsConfig struct {
	Providers      []ToolProviderConfig `mapstructure:"providers" yaml:"providers"`
	StartupTimeout time.Duration        `mapstructure:"startup_timeout" yaml:"startup_timeout"`
}

// StoreConfig configures task history persistence.
type StoreConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
}

// EngineConfig configures the concurrent task engine.
type EngineConfig struct {
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	QueueSize          int `mapstructure:"queue_size" yaml:"queue_size"`
}

// RunConfig centralizes per-invocation settings sourced from CLI flags.
type RunConfig struct {
	Goal      string
	NoPersist bool
	Quiet     bool
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "deskhand")
	v.SetDefault("logger.log_file", "deskhand.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Budget --
	v.SetDefault("budget.action_timeout", "60s")
	v.SetDefault("budget.max_execution_time", "900s")
	v.SetDefault("budget.action_delay", "2s")
	v.SetDefault("budget.screen_analysis_delay", "3s")
	v.SetDefault("budget.tool_timeout", "30s")
	v.SetDefault("budget.max_steps", 25)
	v.SetDefault("budget.loop_repeat_threshold", 2)
	v.SetDefault("budget.max_consecutive_speak", 2)
	v.SetDefault("budget.max_consecutive_failures", 3)
	v.SetDefault("budget.max_escalations", 2)
	v.SetDefault("budget.unchanged_context_limit", 6)
	v.SetDefault("budget.loop_window_depth", 8)
	v.SetDefault("budget.decision_history_limit", 10)

	// -- Reasoner --
	v.SetDefault("reasoner.provider", "gemini-http")
	v.SetDefault("reasoner.model", "gemini-2.5-flash")
	v.SetDefault("reasoner.endpoint", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("reasoner.api_timeout", "30s")
	v.SetDefault("reasoner.temperature", 0.2)
	v.SetDefault("reasoner.max_tokens", 2048)

	// -- Perception --
	v.SetDefault("perception.capture_command", []string{})
	v.SetDefault("perception.ocr_command", []string{})
	v.SetDefault("perception.window_command", []string{})
	v.SetDefault("perception.screenshot_dir", "")
	v.SetDefault("perception.keep_screenshots", 20)

	// -- Desktop --
	v.SetDefault("desktop.backend", "auto")
	v.SetDefault("desktop.rate_per_minute", 60)
	v.SetDefault("desktop.type_interval_ms", 12)
	v.SetDefault("desktop.speech_command", []string{})

	// -- Tools --
	v.SetDefault("tools.startup_timeout", "15s")

	// -- Store --
	v.SetDefault("store.enabled", true)
	v.SetDefault("store.state_dir", "")

	// -- Engine --
	v.SetDefault("engine.max_concurrent_tasks", 1)
	v.SetDefault("engine.queue_size", 16)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data and for the bare budget
	// option names recognized by earlier releases.
	v.BindEnv("reasoner.api_key", "DESKHAND_GEMINI_API_KEY", "GEMINI_API_KEY")
	v.BindEnv("budget.action_timeout", "DESKHAND_BUDGET_ACTION_TIMEOUT", "ACTION_TIMEOUT")
	v.BindEnv("budget.max_execution_time", "DESKHAND_BUDGET_MAX_EXECUTION_TIME", "MAX_EXECUTION_TIME")
	v.BindEnv("budget.action_delay", "DESKHAND_BUDGET_ACTION_DELAY", "ACTION_DELAY")
	v.BindEnv("budget.screen_analysis_delay", "DESKHAND_BUDGET_SCREEN_ANALYSIS_DELAY", "SCREEN_ANALYSIS_DELAY")
	v.BindEnv("budget.tool_timeout", "DESKHAND_BUDGET_TOOL_TIMEOUT", "TOOL_TIMEOUT")
	v.BindEnv("budget.max_steps", "DESKHAND_BUDGET_MAX_STEPS", "MAX_STEPS")
	v.BindEnv("budget.loop_repeat_threshold", "DESKHAND_BUDGET_LOOP_REPEAT_THRESHOLD", "LOOP_REPEAT_THRESHOLD")
	v.BindEnv("budget.max_consecutive_speak", "DESKHAND_BUDGET_MAX_CONSECUTIVE_SPEAK", "MAX_CONSECUTIVE_SPEAK")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up.
	if cfg.ReasonerCfg.APIKey == "" {
		if key := os.Getenv("DESKHAND_GEMINI_API_KEY"); key != "" {
			cfg.ReasonerCfg.APIKey = key
		} else {
			cfg.ReasonerCfg.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.BudgetCfg.Validate(); err != nil {
		return fmt.Errorf("budget configuration invalid: %w", err)
	}
	if err := c.ReasonerCfg.Validate(); err != nil {
		return fmt.Errorf("reasoner configuration invalid: %w", err)
	}
	if err := c.ToolsCfg.Validate(); err != nil {
		return fmt.Errorf("tools configuration invalid: %w", err)
	}
	if c.EngineCfg.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("engine.max_concurrent_tasks must be a positive integer")
	}
	if c.EngineCfg.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be a positive integer")
	}
	if c.DesktopCfg.RatePerMinute <= 0 {
		return fmt.Errorf("desktop.rate_per_minute must be a positive integer")
	}
	return nil
}

// Validate checks the budget knobs. Every knob participates in a loop
// termination argument, so zero or negative values are rejected outright.
func (b *BudgetConfig) Validate() error {
	if b.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be a positive duration")
	}
	if b.MaxExecutionTime <= 0 {
		return fmt.Errorf("max_execution_time must be a positive duration")
	}
	if b.ActionDelay < 0 {
		return fmt.Errorf("action_delay must not be negative")
	}
	if b.ScreenAnalysisDelay < 0 {
		return fmt.Errorf("screen_analysis_delay must not be negative")
	}
	if b.ToolTimeout <= 0 {
		return fmt.Errorf("tool_timeout must be a positive duration")
	}
	if b.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be a positive integer")
	}
	if b.LoopRepeatThreshold <= 0 {
		return fmt.Errorf("loop_repeat_threshold must be a positive integer")
	}
	if b.MaxConsecutiveSpeak <= 0 {
		return fmt.Errorf("max_consecutive_speak must be a positive integer")
	}
	if b.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max_consecutive_failures must be a positive integer")
	}
	if b.MaxEscalations <= 0 {
		return fmt.Errorf("max_escalations must be a positive integer")
	}
	if b.UnchangedContextLimit <= 0 {
		return fmt.Errorf("unchanged_context_limit must be a positive integer")
	}
	if b.LoopWindowDepth <= 0 {
		return fmt.Errorf("loop_window_depth must be a positive integer")
	}
	if b.DecisionHistoryLimit <= 0 {
		return fmt.Errorf("decision_history_limit must be a positive integer")
	}
	return nil
}

// Validate checks the reasoner client settings.
func (r *ReasonerConfig) Validate() error {
	switch r.Provider {
	case ProviderGeminiHTTP, ProviderGenAI:
	default:
		return fmt.Errorf("unknown reasoner provider %q", r.Provider)
	}
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.APITimeout <= 0 {
		return fmt.Errorf("api_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the tool provider entries.
func (t *ToolsConfig) Validate() error {
	seen := make(map[string]struct{}, len(t.Providers))
	for i, p := range t.Providers {
		if p.Name == "" {
			return fmt.Errorf("tools.providers[%d]: name is required", i)
		}
		if p.Command == "" {
			return fmt.Errorf("tools.providers[%d] (%s): command is required", i, p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("tools.providers: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	if t.StartupTimeout <= 0 {
		return fmt.Errorf("tools.startup_timeout must be a positive duration")
	}
	return nil
}
