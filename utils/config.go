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
	App      AppConfig
	API      APIConfig
	Archive  ArchiveConfig
	Cache    CacheConfig
	Pipeline PipelineConfig
	Server   ServerConfig
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Name    string
	Version string
}

// APIConfig holds live API configuration
type APIConfig struct {
	BaseURL        string
	BearerToken    string
	RequestTimeout int // seconds
	MaxAttempts    int
}

// ArchiveConfig points at the unzipped export bundle
type ArchiveConfig struct {
	Dir string
}

// CacheConfig holds the local resume-cache location
type CacheConfig struct {
	Path string
}

// PipelineConfig holds pipeline tuning
type PipelineConfig struct {
	Workers    int
	PolicyPath string
}

// ServerConfig holds server configuration
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
			Name:    getEnv("APP_NAME", "Birdseye"),
			Version: getEnv("APP_VERSION", "1.0.0"),
		},
		API: APIConfig{
			BaseURL:        getEnv("BIRDSEYE_API_BASE_URL", "https://api.twitter.com"),
			BearerToken:    getEnv("BIRDSEYE_BEARER_TOKEN", ""),
			RequestTimeout: getEnvAsInt("BIRDSEYE_REQUEST_TIMEOUT_SEC", 30),
			MaxAttempts:    getEnvAsInt("BIRDSEYE_MAX_ATTEMPTS", 4),
		},
		Archive: ArchiveConfig{
			Dir: getEnv("BIRDSEYE_ARCHIVE_DIR", ""),
		},
		Cache: CacheConfig{
			Path: getEnv("BIRDSEYE_CACHE_PATH", "./birdseye-cache.db"),
		},
		Pipeline: PipelineConfig{
			Workers:    getEnvAsInt("BIRDSEYE_WORKERS", 3),
			PolicyPath: getEnv("BIRDSEYE_POLICY_PATH", ""),
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
	if config.API.BearerToken == "" {
		return fmt.Errorf("BIRDSEYE_BEARER_TOKEN environment variable is required")
	}
	if config.Archive.Dir == "" {
		return fmt.Errorf("BIRDSEYE_ARCHIVE_DIR environment variable is required")
	}
	if config.API.RequestTimeout < 1 {
		return fmt.Errorf("BIRDSEYE_REQUEST_TIMEOUT_SEC must be positive")
	}
	if config.Pipeline.Workers < 1 {
		return fmt.Errorf("BIRDSEYE_WORKERS must be positive")
	}

	// if the cache db lives in a nested directory, create the directory
	cacheDir := filepath.Dir(config.Cache.Path)
	if cacheDir != "." && cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return nil
}
