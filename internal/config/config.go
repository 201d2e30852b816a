package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"interviewd/pkg/database"
)

// EnvPrefix namespaces every environment override, e.g. INTERVIEWD_HTTP_PORT.
const EnvPrefix = "INTERVIEWD"

// AI providers.
const (
	ProviderRemote = "remote"
	ProviderGemini = "gemini"
	ProviderNone   = "none"
)

// Notification backends.
const (
	NotifySQLite   = "sqlite"
	NotifyDynamoDB = "dynamodb"
)

type Config struct {
	Database   *database.Config  `mapstructure:"database"`
	HTTP       *HTTPConfig       `mapstructure:"http"`
	WebSocket  *WebSocketConfig  `mapstructure:"websocket"`
	Session    *SessionConfig    `mapstructure:"session"`
	AI         *AIConfig         `mapstructure:"ai"`
	Evaluation *EvaluationConfig `mapstructure:"evaluation"`
	Notify     *NotifyConfig     `mapstructure:"notify"`
	Log        *LogConfig        `mapstructure:"log"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WebSocketConfig struct {
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	MessagesPerMinute int           `mapstructure:"messages_per_minute"`
}

type SessionConfig struct {
	// MaxBudget caps the time budget a client may request.
	MaxBudget time.Duration `mapstructure:"max_budget"`
}

type AIConfig struct {
	Provider     string        `mapstructure:"provider"`
	TurnTimeout  time.Duration `mapstructure:"turn_timeout"`
	ScoreTimeout time.Duration `mapstructure:"score_timeout"`
	Remote       *RemoteConfig `mapstructure:"remote"`
	Gemini       *GeminiConfig `mapstructure:"gemini"`
}

type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`

	// TokenParameter names an SSM parameter holding {"token": "..."}. It is
	// used when Token is empty.
	TokenParameter string        `mapstructure:"token_parameter"`
	Region         string        `mapstructure:"region"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type GeminiConfig struct {
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	MaxLogLength int    `mapstructure:"max_log_length"`
}

type EvaluationConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type NotifyConfig struct {
	Backend string `mapstructure:"backend"`
	Table   string `mapstructure:"table"`
	Region  string `mapstructure:"region"`
}

type LogConfig struct {
	JSON  bool `mapstructure:"json"`
	Debug bool `mapstructure:"debug"`
}

// DefaultConfig returns settings for a single-node deployment with the
// remote AI service on localhost.
func DefaultConfig() *Config {
	return &Config{
		Database: database.DefaultConfig(),
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:      30 * time.Second,
			ReadTimeout:       60 * time.Second,
			MaxMessageSize:    128 * 1024,
			AllowedOrigins:    []string{},
			MessagesPerMinute: 30,
		},
		Session: &SessionConfig{
			MaxBudget: 2 * time.Hour,
		},
		AI: &AIConfig{
			Provider:     ProviderRemote,
			TurnTimeout:  20 * time.Second,
			ScoreTimeout: 2 * time.Minute,
			Remote: &RemoteConfig{
				BaseURL: "http://localhost:8000",
				Timeout: 30 * time.Second,
			},
			Gemini: &GeminiConfig{
				MaxLogLength: 200,
			},
		},
		Evaluation: &EvaluationConfig{
			Workers:   2,
			QueueSize: 64,
		},
		Notify: &NotifyConfig{
			Backend: NotifySQLite,
		},
		Log: &LogConfig{},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}
	if c.WebSocket.MessagesPerMinute <= 0 {
		return errors.New("WebSocket messages per minute must be positive")
	}

	if c.Session == nil || c.Session.MaxBudget <= 0 {
		return errors.New("session max budget must be positive")
	}

	if err := c.validateAI(); err != nil {
		return err
	}

	if c.Evaluation == nil || c.Evaluation.Workers <= 0 || c.Evaluation.QueueSize <= 0 {
		return errors.New("evaluation workers and queue size must be positive")
	}

	if c.Notify == nil {
		return errors.New("notify configuration is required")
	}
	switch c.Notify.Backend {
	case NotifySQLite:
	case NotifyDynamoDB:
		if strings.TrimSpace(c.Notify.Table) == "" {
			return errors.New("notify table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown notify backend %q", c.Notify.Backend)
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	return nil
}

func (c *Config) validateAI() error {
	if c.AI == nil {
		return errors.New("AI configuration is required")
	}
	if c.AI.TurnTimeout <= 0 || c.AI.ScoreTimeout <= 0 {
		return errors.New("AI timeouts must be positive")
	}
	switch c.AI.Provider {
	case ProviderNone:
	case ProviderRemote:
		if c.AI.Remote == nil || strings.TrimSpace(c.AI.Remote.BaseURL) == "" {
			return errors.New("AI remote base URL is required")
		}
	case ProviderGemini:
		if c.AI.Gemini == nil || strings.TrimSpace(c.AI.Gemini.APIKey) == "" {
			return errors.New("AI gemini API key is required")
		}
	default:
		return fmt.Errorf("unknown AI provider %q", c.AI.Provider)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// Load resolves configuration with precedence env > file > defaults. path
// may be empty. v may be nil; callers that bind flags pass their own.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SetDefaults registers every key with its default so env overrides apply
// even when no file mentions the key.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("database.path", d.Database.DatabasePath)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime)
	v.SetDefault("database.write_timeout", d.Database.WriteTimeout)
	v.SetDefault("database.retry_delay", d.Database.RetryDelay)
	v.SetDefault("database.migrations_path", d.Database.MigrationsPath)

	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.max_message_size", d.WebSocket.MaxMessageSize)
	v.SetDefault("websocket.allowed_origins", d.WebSocket.AllowedOrigins)
	v.SetDefault("websocket.messages_per_minute", d.WebSocket.MessagesPerMinute)

	v.SetDefault("session.max_budget", d.Session.MaxBudget)

	v.SetDefault("ai.provider", d.AI.Provider)
	v.SetDefault("ai.turn_timeout", d.AI.TurnTimeout)
	v.SetDefault("ai.score_timeout", d.AI.ScoreTimeout)
	v.SetDefault("ai.remote.base_url", d.AI.Remote.BaseURL)
	v.SetDefault("ai.remote.token", d.AI.Remote.Token)
	v.SetDefault("ai.remote.token_parameter", d.AI.Remote.TokenParameter)
	v.SetDefault("ai.remote.region", d.AI.Remote.Region)
	v.SetDefault("ai.remote.timeout", d.AI.Remote.Timeout)
	v.SetDefault("ai.gemini.api_key", d.AI.Gemini.APIKey)
	v.SetDefault("ai.gemini.model", d.AI.Gemini.Model)
	v.SetDefault("ai.gemini.max_log_length", d.AI.Gemini.MaxLogLength)

	v.SetDefault("evaluation.workers", d.Evaluation.Workers)
	v.SetDefault("evaluation.queue_size", d.Evaluation.QueueSize)

	v.SetDefault("notify.backend", d.Notify.Backend)
	v.SetDefault("notify.table", d.Notify.Table)
	v.SetDefault("notify.region", d.Notify.Region)

	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.debug", d.Log.Debug)
}
