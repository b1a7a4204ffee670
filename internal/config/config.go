package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	SessionTTL string `yaml:"sessionTTL"`
	JWTSecret  string `yaml:"jwtSecret"`

	// Room names the shared channel all clients post into. One room today,
	// but a parameter so more rooms do not require rearchitecture.
	Room string `yaml:"room"`

	// EchoReverse enables the reversed-text auto-reply fixture behavior.
	EchoReverse bool `yaml:"echoReverse"`

	MinioEndpoint      string `yaml:"minioEndpoint"`
	MinioAccessKey     string `yaml:"minioAccessKey"`
	MinioSecretKey     string `yaml:"minioSecretKey"`
	MinioBucket        string `yaml:"minioBucket"`
	MinioUseSSL        bool   `yaml:"minioUseSSL"`
	MinioPublicBaseURL string `yaml:"minioPublicBaseURL"`

	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	StoreTimeout  string `yaml:"storeTimeout"`
	UploadTimeout string `yaml:"uploadTimeout"`

	SignupRateLimitPerMinute int `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute  int `yaml:"loginRateLimitPerMinute"`
	VerifyRateLimitPerMinute int `yaml:"verifyRateLimitPerMinute"`
	SendRateLimitPerMinute   int `yaml:"sendRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("CHATROOM_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHATROOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CHATROOM_SESSION_TTL"); v != "" {
		cfg.SessionTTL = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHATROOM_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("CHATROOM_ROOM"); v != "" {
		cfg.Room = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHATROOM_ECHO_REVERSE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.EchoReverse = b
		}
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("MINIO_PUBLIC_BASE_URL"); v != "" {
		cfg.MinioPublicBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHATROOM_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("CHATROOM_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("CHATROOM_STORE_TIMEOUT"); v != "" {
		cfg.StoreTimeout = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHATROOM_UPLOAD_TIMEOUT"); v != "" {
		cfg.UploadTimeout = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHATROOM_SIGNUP_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SignupRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CHATROOM_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CHATROOM_VERIFY_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VerifyRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CHATROOM_SEND_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SendRateLimitPerMinute = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for the change feed and sessions")
	}
	if strings.TrimSpace(cfg.Room) == "" {
		return errors.New("config: room is required")
	}
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return errors.New("config: minioEndpoint is required for attachment storage")
	}
	if strings.TrimSpace(cfg.MinioBucket) == "" {
		return errors.New("config: minioBucket is required for attachment storage")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 ||
		cfg.VerifyRateLimitPerMinute < 0 || cfg.SendRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
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

// ParseSessionTTL parses the session TTL, defaulting to 24h when unset.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	if strings.TrimSpace(ttlStr) == "" {
		return 24 * time.Hour, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("sessionTTL must be positive")
	}
	return dur, nil
}

// ParseTimeout parses an operation timeout, applying a fallback when unset.
func ParseTimeout(raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout duration %q: %w", raw, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %q", raw)
	}
	return dur, nil
}
