package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the application
type Config struct {
	App     AppConfig
	Feed    FeedConfig
	Journal JournalConfig
	Server  ServerConfig
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Name    string
	Version string
}

// FeedConfig holds feed server configuration
type FeedConfig struct {
	BaseURL              string
	Username             string
	Password             string
	MaxRequestsPerMinute int
	RefreshInterval      int // leaderboard refresh, seconds
}

// JournalConfig holds journal database configuration
type JournalConfig struct {
	Path string
}

// ServerConfig holds status server configuration
type ServerConfig struct {
	Port int
}

// LoadConfig loads configuration from .env file
func LoadConfig(envPath string, log *logrus.Logger) (*Config, error) {
	if envPath == "" {
		envPath = ".env"
	}

	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	config := &Config{
		App: AppConfig{
			Name:    getEnv("APP_NAME", "Feed Mirror"),
			Version: getEnv("APP_VERSION", "1.0.0"),
		},
		Feed: FeedConfig{
			BaseURL:              getEnv("FEED_BASE_URL", ""),
			Username:             getEnv("FEED_USERNAME", ""),
			Password:             getEnv("FEED_PASSWORD", ""),
			MaxRequestsPerMinute: getEnvAsInt("FEED_MAX_REQUESTS_PER_MINUTE", 120),
			RefreshInterval:      getEnvAsInt("LEADERBOARD_REFRESH_INTERVAL", 30),
		},
		Journal: JournalConfig{
			Path: getEnv("JOURNAL_PATH", "./feedmirror.db"),
		},
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
	}

	// validation
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	log.WithField("file", envPath).Info("Config loaded successfully")
	return config, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Feed.BaseURL == "" {
		return fmt.Errorf("FEED_BASE_URL environment variable is required")
	}
	if config.Feed.Username == "" {
		return fmt.Errorf("FEED_USERNAME environment variable is required")
	}
	if config.Feed.Password == "" {
		return fmt.Errorf("FEED_PASSWORD environment variable is required")
	}
	if config.Feed.RefreshInterval < 1 {
		return fmt.Errorf("LEADERBOARD_REFRESH_INTERVAL must be positive")
	}

	// if we are storing the journal in a nested directory, create the directory
	journalDir := filepath.Dir(config.Journal.Path)
	if journalDir != "." && journalDir != "" {
		if err := os.MkdirAll(journalDir, 0755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	return nil
}
