// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// ProviderKeys holds the per-provider LLM API credentials.
// A provider with an empty key is excluded from arena runs.
type ProviderKeys struct {
	Anthropic string
	OpenAI    string
	DeepSeek  string
	Google    string
	Qwen      string
	MiniMax   string
}

// BackupConfig holds S3-compatible backup storage settings
type BackupConfig struct {
	Enabled       bool
	Endpoint      string // S3-compatible endpoint (e.g. Cloudflare R2)
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	RetentionDays int // age in days past which backups are rotated out; 0 keeps everything
}

// Config holds application configuration
type Config struct {
	DataDir          string // Base directory for all databases (always absolute)
	Port             int
	LogLevel         string
	DevMode          bool
	Providers        ProviderKeys
	GoogleAPIBaseURL string // optional Gemini proxy base URL
	FMPAPIKey        string
	AlphaVantageKey  string
	BrokerBaseURL    string
	BrokerAPIKey     string
	Backup           BackupConfig
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("UTEKI_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8000),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		Providers: ProviderKeys{
			Anthropic: getEnv("ANTHROPIC_API_KEY", ""),
			OpenAI:    getEnv("OPENAI_API_KEY", ""),
			DeepSeek:  getEnv("DEEPSEEK_API_KEY", ""),
			Google:    getEnv("GOOGLE_API_KEY", ""),
			Qwen:      getEnv("DASHSCOPE_API_KEY", ""),
			MiniMax:   getEnv("MINIMAX_API_KEY", ""),
		},
		GoogleAPIBaseURL: getEnv("GOOGLE_API_BASE_URL", ""),
		FMPAPIKey:        getEnv("FMP_API_KEY", ""),
		AlphaVantageKey:  getEnv("ALPHA_VANTAGE_API_KEY", ""),
		BrokerBaseURL:    getEnv("BROKER_BASE_URL", ""),
		BrokerAPIKey:     getEnv("BROKER_API_KEY", ""),
		Backup: BackupConfig{
			Enabled:       getEnvAsBool("BACKUP_ENABLED", false),
			Endpoint:      getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:        getEnv("BACKUP_S3_REGION", "auto"),
			Bucket:        getEnv("BACKUP_S3_BUCKET", ""),
			AccessKey:     getEnv("BACKUP_S3_ACCESS_KEY", ""),
			SecretKey:     getEnv("BACKUP_S3_SECRET_KEY", ""),
			RetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 14),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("BACKUP_S3_BUCKET is required when backups are enabled")
	}
	return nil
}

// Key returns the configured API key for a provider name, or "" if none.
func (p ProviderKeys) Key(provider string) string {
	switch provider {
	case "anthropic":
		return p.Anthropic
	case "openai":
		return p.OpenAI
	case "deepseek":
		return p.DeepSeek
	case "google":
		return p.Google
	case "qwen", "dashscope":
		return p.Qwen
	case "minimax":
		return p.MiniMax
	}
	return ""
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
