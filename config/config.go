package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Upload   UploadConfig
	Session  SessionConfig
	Redis    RedisConfig
	Database DatabaseConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string
	ReadTimeout    int
	WriteTimeout   int
	AllowedOrigins []string // ALLOWED_ORIGINS plus the tablet and phone frontend URLs; "*" allows all
}

// StorageConfig holds the S3-compatible object store settings.
type StorageConfig struct {
	Endpoint        string // e.g. https://<project>.supabase.co/storage/v1/s3; empty = AWS S3
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string // base for public object URLs, e.g. https://<project>.supabase.co/storage/v1/object/public/video-kiosk
}

// UploadConfig holds the artifact handoff settings.
type UploadConfig struct {
	PublicBaseURL string // when set, video URLs point at this server's /api/video route
	MaxMB         int
}

// SessionConfig holds recording session settings.
type SessionConfig struct {
	Secret    string
	Timeout   time.Duration
	TokenTTL  time.Duration
	Generated bool // Secret was generated at startup; tokens do not survive a restart
}

// RedisConfig holds Redis connection settings. An empty Addr runs a single instance.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	InstanceID string
}

// DatabaseConfig holds PostgreSQL connection settings. An empty URL disables the artifact catalog.
type DatabaseConfig struct {
	URL string
}

// MaxUploadBytes returns the upload ceiling in bytes.
func (c UploadConfig) MaxUploadBytes() int64 {
	return int64(c.MaxMB) << 20
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "0"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	sessionTimeout := getEnvInt("SESSION_TIMEOUT_SEC", 600)

	// Local dev frontends stay allowed alongside the deployed ones.
	origins := appendUnique(splitTrim(getEnv("ALLOWED_ORIGINS", ""), ","),
		strings.TrimRight(getEnv("FRONTEND_TABLET_URL", "http://localhost:5173"), "/"),
		strings.TrimRight(getEnv("FRONTEND_PHONE_URL", "http://localhost:5174"), "/"),
		"http://localhost:5173",
	)

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "3000"),
			ReadTimeout:    readTimeout,
			WriteTimeout:   writeTimeout,
			AllowedOrigins: origins,
		},
		Storage: StorageConfig{
			Endpoint:        getEnv("STORAGE_ENDPOINT", ""),
			Region:          getEnv("STORAGE_REGION", "us-east-1"),
			Bucket:          getEnv("STORAGE_BUCKET", "video-kiosk"),
			AccessKeyID:     getEnv("STORAGE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("STORAGE_SECRET_ACCESS_KEY", ""),
			PublicURL:       getEnv("STORAGE_PUBLIC_URL", ""),
		},
		Upload: UploadConfig{
			PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
			MaxMB:         getEnvInt("UPLOAD_MAX_MB", 50),
		},
		Session: SessionConfig{
			Secret:   getEnv("SESSION_SECRET", ""),
			Timeout:  time.Duration(sessionTimeout) * time.Second,
			TokenTTL: time.Duration(sessionTimeout)*time.Second + 30*time.Minute,
		},
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDR", ""),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         redisDB,
			InstanceID: getEnv("INSTANCE_ID", ""),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Session.Secret == "" {
		if cfg.Redis.Addr != "" {
			return nil, errors.New("SESSION_SECRET is required when REDIS_ADDR is set")
		}
		secret, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		cfg.Session.Secret = secret
		cfg.Session.Generated = true
	}
	if cfg.Redis.InstanceID == "" {
		cfg.Redis.InstanceID = uuid.New().String()
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Storage.Bucket == "" {
		missing = append(missing, "STORAGE_BUCKET")
	}
	if c.Storage.AccessKeyID == "" {
		missing = append(missing, "STORAGE_ACCESS_KEY_ID")
	}
	if c.Storage.SecretAccessKey == "" {
		missing = append(missing, "STORAGE_SECRET_ACCESS_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing object store configuration: %s", strings.Join(missing, ", "))
	}
	if c.Upload.MaxMB <= 0 {
		return errors.New("UPLOAD_MAX_MB must be positive")
	}
	if c.Session.Timeout <= 0 {
		return errors.New("SESSION_TIMEOUT_SEC must be positive")
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		if v != "" && !slices.Contains(list, v) {
			list = append(list, v)
		}
	}
	return list
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
