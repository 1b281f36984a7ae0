// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Model     ModelConfig     `mapstructure:"model"`
	Gate      GateConfig      `mapstructure:"gate"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Personas  []PersonaConfig `mapstructure:"personas"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Port        int    `mapstructure:"port"`
}

// ModelConfig describes the single local model backend the gate owns.
type ModelConfig struct {
	BaseURL       string  `mapstructure:"base_url"`
	APIKey        string  `mapstructure:"api_key"`
	Name          string  `mapstructure:"name"`
	Version       string  `mapstructure:"version"`
	ContextBudget int     `mapstructure:"context_budget"` // characters of article body per prompt
	MaxTokens     int     `mapstructure:"max_tokens"`
	Temperature   float64 `mapstructure:"temperature"`
	Timeout       int     `mapstructure:"timeout"` // milliseconds per backend call
}

// GateConfig holds inference gate queue settings.
type GateConfig struct {
	MaxQueueDepth       int `mapstructure:"max_queue_depth"`
	InteractiveDeadline int `mapstructure:"interactive_deadline"` // milliseconds
	SynthesisDeadline   int `mapstructure:"synthesis_deadline"`   // milliseconds
	BatchDeadline       int `mapstructure:"batch_deadline"`       // milliseconds
}

type CacheConfig struct {
	Redis          RedisConfig `mapstructure:"redis"`
	MetadataTTL    int         `mapstructure:"metadata_ttl"`    // seconds
	SynthesisTTL   int         `mapstructure:"synthesis_ttl"`   // seconds
	CompositionTTL int         `mapstructure:"composition_ttl"` // seconds
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RetrievalConfig holds scoring settings for the retrieval index.
type RetrievalConfig struct {
	RecencyHalfLifeHours float64 `mapstructure:"recency_half_life_hours"`
	MinRelevance         float64 `mapstructure:"min_relevance"`
	DefaultTopK          int     `mapstructure:"default_top_k"`
}

// SafetyConfig bounds text entering and leaving the model.
type SafetyConfig struct {
	MaxInputLength  int `mapstructure:"max_input_length"`
	MaxOutputLength int `mapstructure:"max_output_length"`
	MaxQueryLength  int `mapstructure:"max_query_length"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// PersonaConfig is a base persona definition loaded from configuration.
// Numeric fields are clamped to [0,1] at registry load time.
type PersonaConfig struct {
	Name            string  `mapstructure:"name"`
	Tone            string  `mapstructure:"tone"`
	Style           string  `mapstructure:"style"`
	Formality       string  `mapstructure:"formality"`
	VocabularyLevel string  `mapstructure:"vocabulary_level"`
	Humor           string  `mapstructure:"humor"`
	Temperature     float64 `mapstructure:"temperature"`
	Guidance        float64 `mapstructure:"guidance"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig holds the metrics/pprof HTTP listener settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}
