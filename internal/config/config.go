// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (AUTOBRAIN_* prefix, runtime override)
//  2. Config file (config.yaml in the working directory or /etc/autobrain)
//  3. Default values
//
// Sensitive fields (passwords, API keys) are masked in MarshalJSON.
package config

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation.
var (
	ErrConfigNil              = errors.New("configuration is nil")
	ErrInvalidProvider        = errors.New("invalid provider")
	ErrInvalidModelName       = errors.New("invalid model name")
	ErrInvalidEmbedderModel   = errors.New("invalid embedder model")
	ErrInvalidPostgresHost    = errors.New("invalid PostgreSQL host")
	ErrInvalidPostgresPort    = errors.New("invalid PostgreSQL port")
	ErrInvalidPostgresDBName  = errors.New("invalid PostgreSQL database name")
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
	ErrInvalidChunking        = errors.New("invalid chunking configuration")
	ErrInvalidTurnLimits      = errors.New("invalid turn limits")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Defaults applied when neither the environment nor the config file sets a value.
const (
	DefaultProvider      = ProviderGemini
	DefaultModelName     = "gemini-2.5-flash"
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultChunkSize is the chunk window in runes. Sized so a chunk stays
	// comfortably inside the embedder's token limit.
	DefaultChunkSize = 1200

	// DefaultChunkOverlap is the number of runes shared between adjacent chunks.
	DefaultChunkOverlap = 200

	// DefaultMaxToolRounds bounds the tool-calling loop within one turn.
	DefaultMaxToolRounds = 5

	// DefaultTurnTimeoutSeconds is the overall deadline for one orchestrator turn.
	DefaultTurnTimeoutSeconds = 120

	// DefaultRetrievalK is the number of chunks retrieved per query.
	DefaultRetrievalK = 5

	// DefaultHistoryTokens is the token budget for conversation history.
	DefaultHistoryTokens = 8000
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON; update it when
// adding new secrets.
type Config struct {
	// AI provider and model configuration
	Provider      string `mapstructure:"provider" json:"provider"`
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	OllamaHost    string `mapstructure:"ollama_host" json:"ollama_host"`

	// PostgreSQL connection
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDBName   string `mapstructure:"postgres_dbname" json:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode" json:"postgres_sslmode"`

	// Ingestion
	ChunkSize    int `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap" json:"chunk_overlap"`
	IndexWorkers int `mapstructure:"index_workers" json:"index_workers"`

	// Orchestration
	MaxToolRounds      int `mapstructure:"max_tool_rounds" json:"max_tool_rounds"`
	TurnTimeoutSeconds int `mapstructure:"turn_timeout_seconds" json:"turn_timeout_seconds"`
	RetrievalK         int `mapstructure:"retrieval_k" json:"retrieval_k"`
	HistoryTokens      int `mapstructure:"history_tokens" json:"history_tokens"`

	// HTTP server
	ServerHost string `mapstructure:"server_host" json:"server_host"`
	ServerPort int    `mapstructure:"server_port" json:"server_port"`
	RateBurst  int    `mapstructure:"rate_burst" json:"rate_burst"`

	// Observability (OTLP trace export; empty endpoint disables)
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" json:"service_name"`
	Environment  string `mapstructure:"environment" json:"environment"`

	// Logging
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
	LogLevel string `mapstructure:"log_level" json:"log_level"`
}

// Load reads configuration from all sources and returns a validated Config.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/autobrain")

	v.SetEnvPrefix("AUTOBRAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing config file is fine; env + defaults suffice.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", DefaultProvider)
	v.SetDefault("model_name", DefaultModelName)
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("ollama_host", "http://localhost:11434")

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "autobrain")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_dbname", "autobrain")
	v.SetDefault("postgres_sslmode", "disable")

	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("chunk_overlap", DefaultChunkOverlap)
	v.SetDefault("index_workers", 0) // 0 = derived from NumCPU

	v.SetDefault("max_tool_rounds", DefaultMaxToolRounds)
	v.SetDefault("turn_timeout_seconds", DefaultTurnTimeoutSeconds)
	v.SetDefault("retrieval_k", DefaultRetrievalK)
	v.SetDefault("history_tokens", DefaultHistoryTokens)

	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8080)
	v.SetDefault("rate_burst", 60)

	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("service_name", "autobrain")
	v.SetDefault("environment", "development")

	v.SetDefault("log_json", false)
	v.SetDefault("log_level", "info")
}

// MarshalJSON masks sensitive fields so configs can be logged safely.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config // avoid recursion
	a := alias(c)
	masked := struct {
		alias
		PostgresPassword string `json:"postgres_password"`
	}{alias: a, PostgresPassword: mask(c.PostgresPassword)}
	return json.Marshal(masked)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
