package config

import (
	"fmt"
	"time"
)

var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks configuration values against allowed ranges.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderGemini, ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: %q (expected gemini, ollama, or openai)", ErrInvalidProvider, c.Provider)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder model is empty", ErrInvalidEmbedderModel)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidPostgresDBName)
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if c.ChunkSize < 100 {
		return fmt.Errorf("%w: chunk_size %d below minimum 100", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap %d must be in [0, chunk_size)", ErrInvalidChunking, c.ChunkOverlap)
	}

	if c.MaxToolRounds < 1 || c.MaxToolRounds > 50 {
		return fmt.Errorf("%w: max_tool_rounds %d outside [1, 50]", ErrInvalidTurnLimits, c.MaxToolRounds)
	}
	if c.TurnTimeoutSeconds < 1 {
		return fmt.Errorf("%w: turn_timeout_seconds %d must be positive", ErrInvalidTurnLimits, c.TurnTimeoutSeconds)
	}
	if c.RetrievalK < 1 || c.RetrievalK > 100 {
		return fmt.Errorf("%w: retrieval_k %d outside [1, 100]", ErrInvalidTurnLimits, c.RetrievalK)
	}

	return nil
}

// TurnTimeout returns the per-turn deadline as a duration.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}
