// Package config provides configuration management for the anima daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Docker        DockerConfig        `mapstructure:"docker"`
	Sandbox       SandboxConfig       `mapstructure:"sandbox"`
	Agent         AgentConfig         `mapstructure:"agent"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Emotion       EmotionConfig       `mapstructure:"emotion"`
	Swarm         SwarmConfig         `mapstructure:"swarm"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`
	Findings      FindingsConfig      `mapstructure:"findings"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// AllowedOrigins lists origins admitted by CORS; "*" admits any.
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// DatabaseConfig holds database connection configuration.
// Driver selects sqlite3 (file-backed, default) or pgx (PostgreSQL).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	// Enabled controls whether sandboxed sessions are available.
	// When false or Docker is unreachable, sessions fall back to direct execution only.
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	TLSVerify  bool   `mapstructure:"tlsVerify"`
}

// SandboxConfig holds sandboxed-session lifecycle configuration.
type SandboxConfig struct {
	Image        string `mapstructure:"image"`
	IdleTimeout  int    `mapstructure:"idleTimeout"`  // minutes before an idle sandbox is reaped
	ReapInterval int    `mapstructure:"reapInterval"` // seconds between reaper ticks
	NetworkMode  string `mapstructure:"networkMode"`  // bridge or host
	FallbackDir  string `mapstructure:"fallbackDir"`  // working dir substituted for virtual schemes
	Memory       int64  `mapstructure:"memory"`       // bytes, 0 = unlimited
	CPUQuota     int64  `mapstructure:"cpuQuota"`     // microseconds per period, 0 = unlimited
}

// AgentConfig holds agent backend subprocess configuration.
type AgentConfig struct {
	// Binary is the agent backend executable (the claude CLI or a drop-in
	// replacement such as mock-agent).
	Binary string `mapstructure:"binary"`

	// PermissionTimeout is how long a tool-use permission request may stay
	// unanswered before it is denied, in seconds.
	PermissionTimeout int `mapstructure:"permissionTimeout"`

	// EventLogLimit bounds the per-session replay log.
	EventLogLimit int `mapstructure:"eventLogLimit"`
}

// LLMConfig holds configuration for the auxiliary structured-output model
// used by the appraisal engine and summarizers.
type LLMConfig struct {
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
}

// EmotionConfig holds appraisal and decay engine configuration.
type EmotionConfig struct {
	DecayInterval int    `mapstructure:"decayInterval"` // seconds between background decay ticks
	FlushInterval int    `mapstructure:"flushInterval"` // seconds between stimulus flush checks
	MaxBatchSize  int    `mapstructure:"maxBatchSize"`  // stimuli drained per flush
	RecentWindow  int    `mapstructure:"recentWindow"`  // minutes of stimulus history fed to physics
	RecentMax     int    `mapstructure:"recentMax"`     // max recent stimuli retained per manager
	ProfilePath   string `mapstructure:"profilePath"`   // optional YAML override for emotion profiles
}

// SwarmConfig holds swarm orchestration configuration.
type SwarmConfig struct {
	MaxConcurrentAgents int `mapstructure:"maxConcurrentAgents"`
	SummaryThreshold    int `mapstructure:"summaryThreshold"` // chars before outputs get summarized
	ClaimPollInterval   int `mapstructure:"claimPollInterval"` // seconds between autonomous claim attempts
	DefaultIdleTimeout  int `mapstructure:"defaultIdleTimeout"` // seconds an autonomous agent idles before exit
}

// ConsolidationConfig holds memory consolidation scheduling configuration.
type ConsolidationConfig struct {
	PollInterval     int    `mapstructure:"pollInterval"`     // seconds between task_queue polls
	Schedule         string `mapstructure:"schedule"`         // cron expression for periodic enqueue, empty disables
	HistoryRetention int    `mapstructure:"historyRetention"` // days of stimulus history to keep
	SummaryBatch     int    `mapstructure:"summaryBatch"`     // sessions summarized per run
}

// FindingsConfig holds ambient finding surfacing configuration.
type FindingsConfig struct {
	SurfaceWindow int `mapstructure:"surfaceWindow"` // hours a surfaced finding stays deduplicated
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

// IdleTimeoutDuration returns the sandbox idle timeout as a time.Duration.
func (s *SandboxConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Minute
}

// ReapIntervalDuration returns the reaper tick interval as a time.Duration.
func (s *SandboxConfig) ReapIntervalDuration() time.Duration {
	return time.Duration(s.ReapInterval) * time.Second
}

// PermissionTimeoutDuration returns the permission deadline as a time.Duration.
func (a *AgentConfig) PermissionTimeoutDuration() time.Duration {
	return time.Duration(a.PermissionTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("ANIMA_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.allowedOrigins", []string{"*"})

	// Database defaults - file-backed sqlite unless a driver is configured
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./anima.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "anima")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "anima")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "anima-cluster")
	v.SetDefault("nats.clientId", "anima-daemon")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)

	// Sandbox defaults
	v.SetDefault("sandbox.image", "anima-sandbox:latest")
	v.SetDefault("sandbox.idleTimeout", 30)
	v.SetDefault("sandbox.reapInterval", 60)
	v.SetDefault("sandbox.networkMode", "bridge")
	v.SetDefault("sandbox.fallbackDir", "~/.anima/chat")
	v.SetDefault("sandbox.memory", int64(0))
	v.SetDefault("sandbox.cpuQuota", int64(0))

	// Agent backend defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.permissionTimeout", 300)
	v.SetDefault("agent.eventLogLimit", 1000)

	// Auxiliary model defaults
	v.SetDefault("llm.model", "claude-haiku-4-5")
	v.SetDefault("llm.maxTokens", 1024)

	// Emotion engine defaults
	v.SetDefault("emotion.decayInterval", 300)
	v.SetDefault("emotion.flushInterval", 30)
	v.SetDefault("emotion.maxBatchSize", 5)
	v.SetDefault("emotion.recentWindow", 60)
	v.SetDefault("emotion.recentMax", 25)
	v.SetDefault("emotion.profilePath", "")

	// Swarm defaults
	v.SetDefault("swarm.maxConcurrentAgents", 4)
	v.SetDefault("swarm.summaryThreshold", 1500)
	v.SetDefault("swarm.claimPollInterval", 5)
	v.SetDefault("swarm.defaultIdleTimeout", 120)

	// Consolidation defaults
	v.SetDefault("consolidation.pollInterval", 60)
	v.SetDefault("consolidation.schedule", "0 3 * * *")
	v.SetDefault("consolidation.historyRetention", 30)
	v.SetDefault("consolidation.summaryBatch", 10)

	// Findings defaults - 7 day dedup window
	v.SetDefault("findings.surfaceWindow", 168)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ANIMA_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/anima/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ANIMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.dbName", "ANIMA_DATABASE_DB_NAME")
	_ = v.BindEnv("agent.permissionTimeout", "ANIMA_AGENT_PERMISSION_TIMEOUT")
	_ = v.BindEnv("agent.eventLogLimit", "ANIMA_AGENT_EVENT_LOG_LIMIT")
	_ = v.BindEnv("sandbox.idleTimeout", "ANIMA_SANDBOX_IDLE_TIMEOUT")
	_ = v.BindEnv("sandbox.reapInterval", "ANIMA_SANDBOX_REAP_INTERVAL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/anima/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	// Sandbox validation - the reaper contract requires a real idle window
	if cfg.Sandbox.IdleTimeout < 1 {
		errs = append(errs, "sandbox.idleTimeout must be at least 1 minute")
	}
	if cfg.Sandbox.ReapInterval < 30 {
		errs = append(errs, "sandbox.reapInterval must be at least 30 seconds")
	}
	if cfg.Sandbox.NetworkMode != "bridge" && cfg.Sandbox.NetworkMode != "host" {
		errs = append(errs, "sandbox.networkMode must be one of: bridge, host")
	}

	// Agent validation
	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	if cfg.Agent.PermissionTimeout < 300 {
		errs = append(errs, "agent.permissionTimeout must be at least 300 seconds")
	}
	if cfg.Agent.EventLogLimit < 500 {
		errs = append(errs, "agent.eventLogLimit must be at least 500")
	}

	// Emotion validation
	if cfg.Emotion.MaxBatchSize <= 0 {
		errs = append(errs, "emotion.maxBatchSize must be positive")
	}
	if cfg.Emotion.RecentMax <= 0 {
		errs = append(errs, "emotion.recentMax must be positive")
	}

	// Swarm validation
	if cfg.Swarm.MaxConcurrentAgents <= 0 {
		errs = append(errs, "swarm.maxConcurrentAgents must be positive")
	}

	// Consolidation validation - at most one job at a time on a slow tick
	if cfg.Consolidation.PollInterval < 60 {
		errs = append(errs, "consolidation.pollInterval must be at least 60 seconds")
	}

	// Logging validation
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
