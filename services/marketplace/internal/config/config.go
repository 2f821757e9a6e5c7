package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is used when no path is given and MARKETPLACE_CONFIG is unset.
var ConfigPath = "config.yaml"

const minJWTSecretLen = 32

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseDriver string `yaml:"databaseDriver"`
	DatabaseURL    string `yaml:"databaseURL"`

	UploadBackend      string `yaml:"uploadBackend"`
	UploadDir          string `yaml:"uploadDir"`
	MaxUploadBytes     int64  `yaml:"maxUploadBytes"`
	MaxParallelUploads int64  `yaml:"maxParallelUploads"`
	MinioEndpoint      string `yaml:"minioEndpoint"`
	MinioAccessKey     string `yaml:"minioAccessKey"`
	MinioSecretKey     string `yaml:"minioSecretKey"`
	MinioBucket        string `yaml:"minioBucket"`
	MinioUseSSL        bool   `yaml:"minioUseSSL"`

	SessionStrategy string `yaml:"sessionStrategy"`
	SessionTTL      string `yaml:"sessionTTL"`
	JWTSecret       string `yaml:"jwtSecret"`
	JWTIssuer       string `yaml:"jwtIssuer"`
	JWTAudience     string `yaml:"jwtAudience"`
	RedisAddr       string `yaml:"redisAddr"`
	RedisPassword   string `yaml:"redisPassword"`
	BcryptCost      int    `yaml:"bcryptCost"`

	SignupRateLimitPerMinute int      `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute  int      `yaml:"loginRateLimitPerMinute"`
	TrustedProxyCIDRs        []string `yaml:"trustedProxyCidrs"`
	CORSAllowedOrigins       []string `yaml:"corsAllowedOrigins"`

	EventsBackend string `yaml:"eventsBackend"`
	AMQPURL       string `yaml:"amqpURL"`
	AMQPExchange  string `yaml:"amqpExchange"`
	EventsStream  string `yaml:"eventsStream"`
}

// DefaultPath returns MARKETPLACE_CONFIG or ConfigPath.
func DefaultPath() string {
	if v := strings.TrimSpace(os.Getenv("MARKETPLACE_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the environment.
// Missing files are skipped; variables already set are not overwritten.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads config from path (defaults to DefaultPath()), applies env overrides and defaults.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "MARKETPLACE_PORT")
	setString(&cfg.LogLevel, "MARKETPLACE_LOG_LEVEL")
	setString(&cfg.DatabaseDriver, "DATABASE_DRIVER")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.UploadBackend, "MARKETPLACE_UPLOAD_BACKEND")
	setString(&cfg.UploadDir, "MARKETPLACE_UPLOAD_DIR")
	setInt64(&cfg.MaxUploadBytes, "MARKETPLACE_MAX_UPLOAD_BYTES")
	setInt64(&cfg.MaxParallelUploads, "MARKETPLACE_MAX_PARALLEL_UPLOADS")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	setString(&cfg.SessionStrategy, "MARKETPLACE_SESSION_STRATEGY")
	setString(&cfg.SessionTTL, "MARKETPLACE_SESSION_TTL")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	if v := os.Getenv("MARKETPLACE_BCRYPT_COST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.BcryptCost = n
		}
	}
	if v := os.Getenv("MARKETPLACE_SIGNUP_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.SignupRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MARKETPLACE_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MARKETPLACE_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("MARKETPLACE_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	setString(&cfg.EventsBackend, "MARKETPLACE_EVENTS_BACKEND")
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	setString(&cfg.EventsStream, "MARKETPLACE_EVENTS_STREAM")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "postgres"
	}
	if cfg.UploadBackend == "" {
		cfg.UploadBackend = "local"
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.MaxParallelUploads == 0 {
		cfg.MaxParallelUploads = 4
	}
	if cfg.SessionStrategy == "" {
		cfg.SessionStrategy = "redis"
	}
	if cfg.EventsBackend == "" {
		cfg.EventsBackend = "none"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: databaseDriver must be postgres or sqlite, got %q", cfg.DatabaseDriver)
	}
	switch cfg.UploadBackend {
	case "local":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for the minio upload backend")
		}
	default:
		return fmt.Errorf("config: uploadBackend must be local or minio, got %q", cfg.UploadBackend)
	}
	if cfg.MaxUploadBytes < 0 || cfg.MaxParallelUploads < 0 {
		return errors.New("config: upload limits must be >= 0")
	}
	switch cfg.SessionStrategy {
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis session strategy")
		}
	case "jwt":
		if len(cfg.JWTSecret) < minJWTSecretLen {
			return errors.New("config: jwtSecret must be at least 32 bytes (set JWT_SECRET)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: sessionStrategy must be redis, jwt or memory, got %q", cfg.SessionStrategy)
	}
	if _, err := ParseSessionTTL(cfg.SessionTTL); err != nil {
		return err
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if (cfg.SignupRateLimitPerMinute > 0 || cfg.LoginRateLimitPerMinute > 0) && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	switch cfg.EventsBackend {
	case "none":
	case "amqp":
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return errors.New("config: amqpURL is required for the amqp events backend")
		}
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis events backend")
		}
	default:
		return fmt.Errorf("config: eventsBackend must be none, amqp or redis, got %q", cfg.EventsBackend)
	}
	return nil
}

// ParseSessionTTL parses optional session TTL duration string.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	if dur < 0 {
		return 0, errors.New("invalid sessionTTL duration: must be positive")
	}
	return dur, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
		}
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
