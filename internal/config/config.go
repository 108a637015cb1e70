// Package config provides configuration management for the relay.
// It supports loading configuration from environment variables, a config
// file, and built-in defaults, layered in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PermissionMode is one of the three modes a Session can run its Agent Driver in.
type PermissionMode string

const (
	PermissionModePlan              PermissionMode = "plan"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
)

// DriverKind selects which Agent Driver implementation a Session binds to.
type DriverKind string

const (
	DriverProcess DriverKind = "process"
	DriverInproc  DriverKind = "inproc"
)

// Config holds all configuration for the relay.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Session    SessionConfig    `mapstructure:"session"`
	Permission PermissionConfig `mapstructure:"permission"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig holds transport binding configuration.
type ServerConfig struct {
	BindHost       string `mapstructure:"bindHost"`
	Port           int    `mapstructure:"port"`
	MaxConnections int    `mapstructure:"maxConnections"`
	PingIntervalS  int    `mapstructure:"pingIntervalSeconds"`
	PingMissLimit  int    `mapstructure:"pingMissLimit"`
}

// StoreConfig holds the Store's persistence layout.
type StoreConfig struct {
	ProjectPath        string `mapstructure:"projectPath"`
	DBFileName         string `mapstructure:"dbFileName"`
	ScreenshotsDir     string `mapstructure:"screenshotsDir"`
	ScreenshotTTLHours int    `mapstructure:"screenshotTtlHours"`
}

// AgentConfig selects and configures the Agent Driver.
type AgentConfig struct {
	Driver                DriverKind     `mapstructure:"driver"`
	DefaultPermissionMode PermissionMode `mapstructure:"defaultPermissionMode"`
	ProcessCommand        string         `mapstructure:"processCommand"`
	ProcessArgs           []string       `mapstructure:"processArgs"`
}

// SessionConfig holds Session Manager timing knobs.
type SessionConfig struct {
	IdleLimitMinutes  int `mapstructure:"idleLimitMinutes"`
	IdleGraceMinutes  int `mapstructure:"idleGraceMinutes"`
	ResumeWindowHours int `mapstructure:"resumeWindowHours"`
}

// PermissionConfig holds the default timeouts for each permission prompt kind.
type PermissionConfig struct {
	ToolTimeoutSeconds     int `mapstructure:"toolTimeoutSeconds"`
	PlanTimeoutSeconds     int `mapstructure:"planTimeoutSeconds"`
	QuestionTimeoutSeconds int `mapstructure:"questionTimeoutSeconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
	Debug      bool   `mapstructure:"debug"`
}

// TracingConfig controls the optional OpenTelemetry exporter.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

// PingInterval returns the keepalive ping interval as a time.Duration.
func (s *ServerConfig) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalS) * time.Second
}

// IdleLimit returns the idle threshold as a time.Duration.
func (s *SessionConfig) IdleLimit() time.Duration {
	return time.Duration(s.IdleLimitMinutes) * time.Minute
}

// IdleGrace returns the post-idle grace period as a time.Duration.
func (s *SessionConfig) IdleGrace() time.Duration {
	return time.Duration(s.IdleGraceMinutes) * time.Minute
}

// ResumeWindow returns the resume eligibility window as a time.Duration.
func (s *SessionConfig) ResumeWindow() time.Duration {
	return time.Duration(s.ResumeWindowHours) * time.Hour
}

// ScreenshotTTL returns the screenshot TTL as a time.Duration.
func (s *StoreConfig) ScreenshotTTL() time.Duration {
	return time.Duration(s.ScreenshotTTLHours) * time.Hour
}

// ToolTimeout returns the default tool_use permission deadline.
func (p *PermissionConfig) ToolTimeout() time.Duration {
	return time.Duration(p.ToolTimeoutSeconds) * time.Second
}

// PlanTimeout returns the default plan_approval permission deadline.
func (p *PermissionConfig) PlanTimeout() time.Duration {
	return time.Duration(p.PlanTimeoutSeconds) * time.Second
}

// QuestionTimeout returns the default ask_user permission deadline.
func (p *PermissionConfig) QuestionTimeout() time.Duration {
	return time.Duration(p.QuestionTimeoutSeconds) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bindHost", "127.0.0.1")
	v.SetDefault("server.port", 3456)
	v.SetDefault("server.maxConnections", 100)
	v.SetDefault("server.pingIntervalSeconds", 30)
	v.SetDefault("server.pingMissLimit", 2)

	v.SetDefault("store.projectPath", ".")
	v.SetDefault("store.dbFileName", "relay.db")
	v.SetDefault("store.screenshotsDir", "screenshots")
	v.SetDefault("store.screenshotTtlHours", 24)

	v.SetDefault("agent.driver", string(DriverProcess))
	v.SetDefault("agent.defaultPermissionMode", string(PermissionModePlan))
	v.SetDefault("agent.processCommand", "")
	v.SetDefault("agent.processArgs", []string{})

	v.SetDefault("session.idleLimitMinutes", 30)
	v.SetDefault("session.idleGraceMinutes", 30)
	v.SetDefault("session.resumeWindowHours", 24)

	v.SetDefault("permission.toolTimeoutSeconds", 60)
	v.SetDefault("permission.planTimeoutSeconds", 300)
	v.SetDefault("permission.questionTimeoutSeconds", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.debug", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.serviceName", "bridgecore-relay")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BRIDGE_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the short env var names, which do not
	// follow the camelCase config-key -> SNAKE_CASE convention AutomaticEnv assumes.
	_ = v.BindEnv("server.bindHost", "BIND_HOST")
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("server.maxConnections", "MAX_CONNECTIONS")
	_ = v.BindEnv("server.pingIntervalSeconds", "PING_INTERVAL_SECONDS")
	_ = v.BindEnv("server.pingMissLimit", "PING_MISS_LIMIT")
	_ = v.BindEnv("store.projectPath", "PROJECT_PATH")
	_ = v.BindEnv("store.screenshotTtlHours", "SCREENSHOT_TTL_HOURS")
	_ = v.BindEnv("agent.driver", "DRIVER")
	_ = v.BindEnv("agent.defaultPermissionMode", "DEFAULT_PERMISSION_MODE")
	_ = v.BindEnv("session.idleLimitMinutes", "IDLE_LIMIT_MINUTES")
	_ = v.BindEnv("session.idleGraceMinutes", "IDLE_GRACE_MINUTES")
	_ = v.BindEnv("session.resumeWindowHours", "RESUME_WINDOW_HOURS")
	_ = v.BindEnv("permission.toolTimeoutSeconds", "PERMISSION_DEFAULT_TIMEOUTS_TOOL")
	_ = v.BindEnv("permission.planTimeoutSeconds", "PERMISSION_DEFAULT_TIMEOUTS_PLAN")
	_ = v.BindEnv("permission.questionTimeoutSeconds", "PERMISSION_DEFAULT_TIMEOUTS_QUESTION")
	_ = v.BindEnv("logging.debug", "DEBUG")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that configuration values are internally consistent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxConnections <= 0 {
		errs = append(errs, "server.maxConnections must be positive")
	}

	switch cfg.Agent.Driver {
	case DriverProcess, DriverInproc:
	default:
		errs = append(errs, "agent.driver must be one of: process, inproc")
	}

	switch cfg.Agent.DefaultPermissionMode {
	case PermissionModePlan, PermissionModeAcceptEdits, PermissionModeBypassPermissions:
	default:
		errs = append(errs, "agent.defaultPermissionMode must be one of: plan, acceptEdits, bypassPermissions")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
