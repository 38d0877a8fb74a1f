// Package config provides configuration management for the finger runtime.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the runtime broker.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	InputLock InputLockConfig `mapstructure:"inputLock"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	BodyLimit    string `mapstructure:"bodyLimit"`    // e.g. "20mb"
}

// GatewayConfig holds WebSocket gateway configuration.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// NATSConfig holds the optional NATS event bus configuration. An empty URL
// selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RuntimeConfig holds agent runtime configuration.
type RuntimeConfig struct {
	// Home is the finger home directory holding agent configs,
	// orchestration.json, session workspaces, and error samples.
	Home string `mapstructure:"home"`

	// AgentConfigDir is where agent JSON config files are read from.
	// Defaults to <home>/agents.
	AgentConfigDir string `mapstructure:"agentConfigDir"`

	// PrimaryOrchestratorTarget is the agent id that receives messages posted
	// without an explicit target.
	PrimaryOrchestratorTarget string `mapstructure:"primaryOrchestratorTarget"`

	// AllowDirectAgentRoute permits /api/v1/message to address agent modules
	// directly instead of going through the orchestrator.
	AllowDirectAgentRoute bool `mapstructure:"allowDirectAgentRoute"`

	// FullMockMode registers mock modules for every baseline role so the
	// broker runs without provider kernels.
	FullMockMode bool `mapstructure:"fullMockMode"`

	// MockRoles lists individual roles to mock when FullMockMode is off.
	MockRoles []string `mapstructure:"mockRoles"`
}

// MessagingConfig holds the blocking-send retry policy of the message hub.
type MessagingConfig struct {
	BlockingTimeoutMs int64 `mapstructure:"blockingTimeoutMs"`
	MaxRetries        int   `mapstructure:"maxRetries"`
	RetryBaseMs       int64 `mapstructure:"retryBaseMs"`
	AskToolTimeoutMs  int64 `mapstructure:"askToolTimeoutMs"`
}

// InputLockConfig holds session input lock tuning.
type InputLockConfig struct {
	TTLSeconds  int `mapstructure:"ttlSeconds"`
	ScanSeconds int `mapstructure:"scanSeconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// BodyLimitBytes parses the body limit string ("20mb", "512kb", raw bytes).
func (s *ServerConfig) BodyLimitBytes() int64 {
	return parseByteSize(s.BodyLimit, 20<<20)
}

// BlockingTimeout returns the overall blocking-send timeout.
func (m *MessagingConfig) BlockingTimeout() time.Duration {
	return time.Duration(m.BlockingTimeoutMs) * time.Millisecond
}

// RetryBase returns the initial retry backoff.
func (m *MessagingConfig) RetryBase() time.Duration {
	return time.Duration(m.RetryBaseMs) * time.Millisecond
}

// TTL returns the input lock time-to-live.
func (i *InputLockConfig) TTL() time.Duration {
	return time.Duration(i.TTLSeconds) * time.Second
}

// ScanInterval returns the input lock expiry scan cadence.
func (i *InputLockConfig) ScanInterval() time.Duration {
	return time.Duration(i.ScanSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FINGER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".finger"
	}
	return filepath.Join(home, ".finger")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// HTTP server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9999)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 630) // outlives the blocking-send timeout
	v.SetDefault("server.bodyLimit", "20mb")

	// WebSocket gateway defaults
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 9998)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "finger-runtime")
	v.SetDefault("nats.maxReconnects", 10)

	// Runtime defaults
	v.SetDefault("runtime.home", defaultHome())
	v.SetDefault("runtime.agentConfigDir", "")
	v.SetDefault("runtime.primaryOrchestratorTarget", "orchestrator")
	v.SetDefault("runtime.allowDirectAgentRoute", false)
	v.SetDefault("runtime.fullMockMode", false)
	v.SetDefault("runtime.mockRoles", []string{})

	// Messaging defaults
	v.SetDefault("messaging.blockingTimeoutMs", 600000)
	v.SetDefault("messaging.maxRetries", 5)
	v.SetDefault("messaging.retryBaseMs", 750)
	v.SetDefault("messaging.askToolTimeoutMs", 120000)

	// Input lock defaults
	v.SetDefault("inputLock.ttlSeconds", 30)
	v.SetDefault("inputLock.scanSeconds", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FINGER_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FINGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("server.port", "PORT", "FINGER_PORT")
	_ = v.BindEnv("gateway.port", "WS_PORT", "FINGER_WS_PORT")
	_ = v.BindEnv("server.bodyLimit", "FINGER_HTTP_BODY_LIMIT")
	_ = v.BindEnv("messaging.blockingTimeoutMs", "FINGER_BLOCKING_MESSAGE_TIMEOUT_MS")
	_ = v.BindEnv("messaging.maxRetries", "FINGER_BLOCKING_MESSAGE_MAX_RETRIES")
	_ = v.BindEnv("messaging.retryBaseMs", "FINGER_BLOCKING_MESSAGE_RETRY_BASE_MS")
	_ = v.BindEnv("messaging.askToolTimeoutMs", "FINGER_ASK_TOOL_TIMEOUT_MS")
	_ = v.BindEnv("runtime.home", "FINGER_HOME")
	_ = v.BindEnv("runtime.primaryOrchestratorTarget", "FINGER_PRIMARY_ORCHESTRATOR_TARGET")
	_ = v.BindEnv("runtime.allowDirectAgentRoute", "FINGER_ALLOW_DIRECT_AGENT_ROUTE")
	_ = v.BindEnv("runtime.fullMockMode", "FINGER_FULL_MOCK_MODE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/finger/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Runtime.AgentConfigDir == "" {
		cfg.Runtime.AgentConfigDir = filepath.Join(cfg.Runtime.Home, "agents")
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if cfg.Server.Port == cfg.Gateway.Port {
		errs = append(errs, "server.port and gateway.port must differ")
	}

	if cfg.Messaging.BlockingTimeoutMs <= 0 {
		errs = append(errs, "messaging.blockingTimeoutMs must be positive")
	}
	if cfg.Messaging.MaxRetries < 0 {
		errs = append(errs, "messaging.maxRetries must not be negative")
	}
	if cfg.Messaging.RetryBaseMs <= 0 {
		errs = append(errs, "messaging.retryBaseMs must be positive")
	}

	if cfg.InputLock.TTLSeconds <= 0 {
		errs = append(errs, "inputLock.ttlSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// OrchestrationPath returns the path of the persisted orchestration config.
func (r *RuntimeConfig) OrchestrationPath() string {
	return filepath.Join(r.Home, "orchestration.json")
}

// ErrorSamplesDir returns the directory error samples are appended to.
func (r *RuntimeConfig) ErrorSamplesDir() string {
	return filepath.Join(r.Home, "logs", "errorsamples")
}

// SessionWorkspaceDir returns the workspace directory for a session.
func (r *RuntimeConfig) SessionWorkspaceDir(sessionID string) string {
	return filepath.Join(r.Home, "sessions", sessionID)
}

func parseByteSize(s string, fallback int64) int64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return fallback
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "gb"):
		mult, s = 1<<30, strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "mb"):
		mult, s = 1<<20, strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "kb"):
		mult, s = 1<<10, strings.TrimSuffix(s, "kb")
	case strings.HasSuffix(s, "b"):
		s = strings.TrimSuffix(s, "b")
	}
	var n int64
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n * mult
}
