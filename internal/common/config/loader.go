// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	// Base config
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like MODEL_API_KEY
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment-specific overlay, ignored if not present
	envConfigFile := fmt.Sprintf("config.%s", env)
	viper.SetConfigName(envConfigFile)
	_ = viper.MergeInConfig()

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile tries .env from multiple locations so tests and the binary can
// run from different directories.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up directories looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars expands ${VAR} placeholders in string config values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.Get(key)

		if strVal, ok := val.(string); ok {
			if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
				expanded := os.ExpandEnv(strVal)
				if expanded != strVal && expanded != "" {
					v.Set(key, expanded)
				}
			}
		}
	}
}

// overrideEmptyConfig fills secrets from the environment when the YAML left
// them empty.
func overrideEmptyConfig(cfg *Config) {
	if cfg.Model.APIKey == "" {
		if val := os.Getenv("MODEL_API_KEY"); val != "" {
			cfg.Model.APIKey = val
		}
	}

	if cfg.Database.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Database.Postgres.User = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}

	if cfg.Cache.Redis.Password == "" {
		if val := os.Getenv("REDIS_PASSWORD"); val != "" {
			cfg.Cache.Redis.Password = val
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Port == 0 {
		cfg.App.Port = 8080
	}

	// Model defaults
	if cfg.Model.Name == "" {
		cfg.Model.Name = "local"
	}
	if cfg.Model.Version == "" {
		cfg.Model.Version = "v1"
	}
	if cfg.Model.ContextBudget == 0 {
		cfg.Model.ContextBudget = 6000
	}
	if cfg.Model.MaxTokens == 0 {
		cfg.Model.MaxTokens = 1024
	}
	if cfg.Model.Timeout == 0 {
		cfg.Model.Timeout = 60000
	}

	// Gate defaults
	if cfg.Gate.MaxQueueDepth == 0 {
		cfg.Gate.MaxQueueDepth = 64
	}
	if cfg.Gate.InteractiveDeadline == 0 {
		cfg.Gate.InteractiveDeadline = 15000
	}
	if cfg.Gate.SynthesisDeadline == 0 {
		cfg.Gate.SynthesisDeadline = 60000
	}
	if cfg.Gate.BatchDeadline == 0 {
		cfg.Gate.BatchDeadline = 300000
	}

	// Cache defaults
	if cfg.Cache.MetadataTTL == 0 {
		cfg.Cache.MetadataTTL = 86400
	}
	if cfg.Cache.SynthesisTTL == 0 {
		cfg.Cache.SynthesisTTL = 3600
	}
	if cfg.Cache.CompositionTTL == 0 {
		cfg.Cache.CompositionTTL = 3600
	}

	// Retrieval defaults
	if cfg.Retrieval.RecencyHalfLifeHours == 0 {
		cfg.Retrieval.RecencyHalfLifeHours = 48
	}
	if cfg.Retrieval.MinRelevance == 0 {
		cfg.Retrieval.MinRelevance = 0.05
	}
	if cfg.Retrieval.DefaultTopK == 0 {
		cfg.Retrieval.DefaultTopK = 5
	}

	// Safety defaults
	if cfg.Safety.MaxInputLength == 0 {
		cfg.Safety.MaxInputLength = 20000
	}
	if cfg.Safety.MaxOutputLength == 0 {
		cfg.Safety.MaxOutputLength = 10000
	}
	if cfg.Safety.MaxQueryLength == 0 {
		cfg.Safety.MaxQueryLength = 500
	}

	// Database defaults
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 10
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Metrics defaults
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Model.BaseURL == "" {
		return fmt.Errorf("model.base_url is required")
	}
	if cfg.Gate.MaxQueueDepth < 1 {
		return fmt.Errorf("gate.max_queue_depth must be positive")
	}
	for i, p := range cfg.Personas {
		if p.Name == "" {
			return fmt.Errorf("personas[%d].name is required", i)
		}
		if p.Temperature < 0 || p.Temperature > 1 {
			return fmt.Errorf("personas[%d].temperature must be in [0,1]", i)
		}
		if p.Guidance < 0 || p.Guidance > 1 {
			return fmt.Errorf("personas[%d].guidance must be in [0,1]", i)
		}
	}
	return nil
}
