// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Paths   PathsConfig   `mapstructure:"paths" yaml:"paths"`
}

// LoggerConfig controls the zap logger setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig tunes the HTTP/WebSocket surface.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// BrowserConfig tunes the chromedp-backed tool provider.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	// MaxKeyElements caps how many actionable elements get harvested into
	// each observation.
	MaxKeyElements int `mapstructure:"max_key_elements" yaml:"max_key_elements"`
	// RemoteDebuggingPort, when non-zero, exposes the DevTools endpoint so
	// the UI can embed a live browser view.
	RemoteDebuggingPort int `mapstructure:"remote_debugging_port" yaml:"remote_debugging_port"`
	// EditorCommand, when set, is executed with the note file path appended
	// after open_notepad writes its file.
	EditorCommand string `mapstructure:"editor_command" yaml:"editor_command"`
}

// LLMProvider defines the supported language-model providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMConfig defines the connection to the planning model.
type LLMConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// AgentConfig holds settings for the decision engine itself.
type AgentConfig struct {
	LLM LLMConfig `mapstructure:"llm" yaml:"llm"`

	// DefaultAllowedActions is the tool whitelist applied to tasks that do
	// not specify their own.
	DefaultAllowedActions []string `mapstructure:"default_allowed_actions" yaml:"default_allowed_actions"`

	Persona     string `mapstructure:"persona" yaml:"persona"`
	Environment string `mapstructure:"environment" yaml:"environment"`

	// StepTimeoutSeconds is the per-step time budget recorded on each goal.
	StepTimeoutSeconds int `mapstructure:"step_timeout_seconds" yaml:"step_timeout_seconds"`
	// CorrectionBudget bounds how many correction rounds one task may spend.
	CorrectionBudget int `mapstructure:"correction_budget" yaml:"correction_budget"`
	// MaxIterations is the hard safety ceiling on dispatched nodes per task.
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
}

// PathsConfig locates the artifact tree (notes, screenshots, graph snapshots).
type PathsConfig struct {
	ArtifactRoot string `mapstructure:"artifact_root" yaml:"artifact_root"`
}

// DefaultAllowedActions is the built-in tool whitelist.
var DefaultAllowedActions = []string{
	"navigate_to",
	"click_element",
	"click_nth",
	"type_text",
	"scroll",
	"wait",
	"wait_for",
	"extract_data",
	"get_element_attribute",
	"take_screenshot",
	"find_link_by_text",
	"open_notepad",
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webagent")
	v.SetDefault("logger.log_file", "webagent.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.max_key_elements", 25)
	v.SetDefault("browser.remote_debugging_port", 0)
	v.SetDefault("browser.editor_command", "")

	// -- Agent --
	v.SetDefault("agent.llm.provider", "gemini")
	v.SetDefault("agent.llm.model", "gemini-2.5-flash")
	v.SetDefault("agent.llm.api_timeout", "60s")
	v.SetDefault("agent.llm.temperature", 0.2)
	v.SetDefault("agent.llm.max_tokens", 8192)
	v.SetDefault("agent.default_allowed_actions", DefaultAllowedActions)
	v.SetDefault("agent.persona", "standard_user")
	v.SetDefault("agent.environment", "desktop_chrome")
	v.SetDefault("agent.step_timeout_seconds", 60)
	v.SetDefault("agent.correction_budget", 3)
	v.SetDefault("agent.max_iterations", 50)

	// -- Paths --
	v.SetDefault("paths.artifact_root", ".")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("agent.llm.api_key", "WEBAGENT_LLM_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Agent.StepTimeoutSeconds <= 0 {
		return fmt.Errorf("agent.step_timeout_seconds must be a positive integer")
	}
	if c.Agent.CorrectionBudget < 0 {
		return fmt.Errorf("agent.correction_budget must not be negative")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be a positive integer")
	}
	if len(c.Agent.DefaultAllowedActions) == 0 {
		return fmt.Errorf("agent.default_allowed_actions must not be empty")
	}
	if c.Agent.LLM.APITimeout <= 0 {
		return fmt.Errorf("agent.llm.api_timeout must be a positive duration")
	}
	return nil
}
