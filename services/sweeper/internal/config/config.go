package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the sweeper config file.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML, overridden by env.
type FileConfig struct {
	Port     string `yaml:"sweeperPort" env:"SWEEPER_PORT"`
	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL"`

	RedisAddr     string        `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redisPassword" env:"REDIS_PASSWORD"`
	CleanupStream string        `yaml:"cleanupStream" env:"CLEANUP_STREAM"`
	CleanupGroup  string        `yaml:"cleanupGroup" env:"CLEANUP_GROUP"`
	Workers       int           `yaml:"sweeperWorkers" env:"SWEEPER_WORKERS"`
	MaxRetries    int           `yaml:"sweeperMaxRetries" env:"SWEEPER_MAX_RETRIES"`
	RetryDelay    time.Duration `yaml:"sweeperRetryDelay" env:"SWEEPER_RETRY_DELAY"`

	BlobBackend    string `yaml:"blobBackend" env:"MEDIA_BLOB_BACKEND"`
	UploadDir      string `yaml:"uploadDir" env:"MEDIA_UPLOAD_DIR"`
	MinioEndpoint  string `yaml:"minioEndpoint" env:"MINIO_ENDPOINT"`
	MinioAccessKey string `yaml:"minioAccessKey" env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `yaml:"minioSecretKey" env:"MINIO_SECRET_KEY"`
	MinioBucket    string `yaml:"minioBucket" env:"MINIO_BUCKET"`
	MinioUseSSL    bool   `yaml:"minioUseSSL" env:"MINIO_USE_SSL"`
}

// Load reads config from path (defaults to config.yaml). The sweeper shares
// the media service's file so blob settings stay in one place.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Port == "" {
		cfg.Port = "8090"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.CleanupStream == "" {
		cfg.CleanupStream = "mediashare:cleanup"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	cfg.BlobBackend = strings.ToLower(strings.TrimSpace(cfg.BlobBackend))
	if cfg.BlobBackend == "" {
		cfg.BlobBackend = "local"
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	switch cfg.BlobBackend {
	case "local":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for the minio blob backend")
		}
	default:
		return fmt.Errorf("config: unsupported blobBackend %q", cfg.BlobBackend)
	}
	return nil
}
