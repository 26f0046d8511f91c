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

// ConfigPath is the default location of the media service config file.
const ConfigPath = "config.yaml"

const (
	BlobBackendLocal = "local"
	BlobBackendMinio = "minio"
)

// FileConfig represents configuration loaded from YAML, overridden by env.
type FileConfig struct {
	Port     string `yaml:"port" env:"MEDIA_PORT"`
	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL"`

	DatabaseDriver string        `yaml:"databaseDriver" env:"DATABASE_DRIVER"`
	DatabaseURL    string        `yaml:"databaseURL" env:"DATABASE_URL"`
	DBMaxOpenConns int           `yaml:"dbMaxOpenConns" env:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns int           `yaml:"dbMaxIdleConns" env:"DB_MAX_IDLE_CONNS"`
	DBConnLifetime time.Duration `yaml:"dbConnLifetime" env:"DB_CONN_MAX_LIFETIME"`

	BlobBackend    string        `yaml:"blobBackend" env:"MEDIA_BLOB_BACKEND"`
	UploadDir      string        `yaml:"uploadDir" env:"MEDIA_UPLOAD_DIR"`
	MinioEndpoint  string        `yaml:"minioEndpoint" env:"MINIO_ENDPOINT"`
	MinioAccessKey string        `yaml:"minioAccessKey" env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string        `yaml:"minioSecretKey" env:"MINIO_SECRET_KEY"`
	MinioBucket    string        `yaml:"minioBucket" env:"MINIO_BUCKET"`
	MinioUseSSL    bool          `yaml:"minioUseSSL" env:"MINIO_USE_SSL"`
	PresignExpiry  time.Duration `yaml:"presignExpiry" env:"MEDIA_PRESIGN_EXPIRY"`
	MaxUploadBytes int64         `yaml:"maxUploadBytes" env:"MEDIA_MAX_UPLOAD_BYTES"`

	RedisAddr     string `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" env:"REDIS_PASSWORD"`
	CleanupStream string `yaml:"cleanupStream" env:"CLEANUP_STREAM"`

	JWTSecret   string        `yaml:"jwtSecret" env:"MEDIA_JWT_SECRET"`
	JWTIssuer   string        `yaml:"jwtIssuer" env:"MEDIA_JWT_ISSUER"`
	JWTAudience string        `yaml:"jwtAudience" env:"MEDIA_JWT_AUDIENCE"`
	JWTLeeway   time.Duration `yaml:"jwtLeeway" env:"MEDIA_JWT_LEEWAY"`
	SessionTTL  time.Duration `yaml:"sessionTTL" env:"MEDIA_SESSION_TTL"`

	AuthRateLimit  int           `yaml:"authRateLimit" env:"MEDIA_AUTH_RATE_LIMIT"`
	AuthRateWindow time.Duration `yaml:"authRateWindow" env:"MEDIA_AUTH_RATE_WINDOW"`

	CORSOrigins    []string `yaml:"corsOrigins" env:"MEDIA_CORS_ORIGINS" envSeparator:","`
	TrustedProxies []string `yaml:"trustedProxies" env:"MEDIA_TRUSTED_PROXIES" envSeparator:","`
}

// Load reads config from path (defaults to config.yaml). A .env file in the
// working directory is loaded first when present.
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
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "postgres"
	}
	cfg.BlobBackend = strings.ToLower(strings.TrimSpace(cfg.BlobBackend))
	if cfg.BlobBackend == "" {
		cfg.BlobBackend = BlobBackendLocal
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.AuthRateLimit <= 0 {
		cfg.AuthRateLimit = 20
	}
	if cfg.AuthRateWindow <= 0 {
		cfg.AuthRateWindow = time.Minute
	}
	if cfg.CleanupStream == "" {
		cfg.CleanupStream = "mediashare:cleanup"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or MEDIA_PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported databaseDriver %q", cfg.DatabaseDriver)
	}
	if len(cfg.JWTSecret) < 32 {
		return errors.New("config: jwtSecret must be at least 32 bytes (set in config.yaml or MEDIA_JWT_SECRET)")
	}
	switch cfg.BlobBackend {
	case BlobBackendLocal:
	case BlobBackendMinio:
		if cfg.MinioEndpoint == "" {
			return errors.New("config: minioEndpoint is required for the minio blob backend")
		}
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minioAccessKey and minioSecretKey are required for the minio blob backend")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required for the minio blob backend")
		}
	default:
		return fmt.Errorf("config: unsupported blobBackend %q", cfg.BlobBackend)
	}
	return nil
}
