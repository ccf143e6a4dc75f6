package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	LogFormatConsole = "console"
	LogFormatJSON    = "json"

	DefaultOwnerEmail = "owner@aku-kesepian.local"
)

var (
	ErrMissingBaseURL    = errors.New("API_BASE_URL is required")
	ErrInvalidTimeout    = errors.New("API_TIMEOUT must be > 0")
	ErrInvalidBackend    = errors.New("CREDENTIAL_BACKEND must be one of memory, sqlite, postgres, redis")
	ErrMissingStoreDSN   = errors.New("CREDENTIAL_DSN is required for sql backends")
	ErrMissingOwnerEmail = errors.New("PLATFORM_OWNER_EMAIL must not be empty")
	ErrInvalidLogFormat  = errors.New("LOG_FORMAT must be 'console' or 'json'")
)

type Config struct {
	API     APIConfig
	Store   StoreConfig
	Redis   RedisConfig
	Crypto  CryptoConfig
	Admin   AdminConfig
	Metrics MetricsConfig
	Log     LogConfig
}

type APIConfig struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

type StoreConfig struct {
	Backend     string
	DSN         string
	KeyPrefix   string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

// Enabled reports whether tokens should be sealed before they are persisted.
func (c CryptoConfig) Enabled() bool {
	return len(c.Keys) > 0
}

type AdminConfig struct {
	OwnerEmail   string
	CheckTimeout time.Duration
}

type MetricsConfig struct {
	Addr string
	Path string
}

type LogConfig struct {
	Level  string
	Format string
}

// profile is the optional TOML file. Every field is a default that the
// environment can override.
type profile struct {
	API struct {
		BaseURL string `toml:"base_url"`
		Timeout string `toml:"timeout"`
	} `toml:"api"`
	Store struct {
		Backend   string `toml:"backend"`
		DSN       string `toml:"dsn"`
		KeyPrefix string `toml:"key_prefix"`
	} `toml:"store"`
	Redis struct {
		Addr string `toml:"addr"`
		DB   int    `toml:"db"`
	} `toml:"redis"`
	Admin struct {
		OwnerEmail string `toml:"owner_email"`
	} `toml:"admin"`
	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

func Load() (*Config, error) {
	var p profile
	if path := mustEnv("KESEPIAN_CONFIG", ""); path != "" {
		if _, err := toml.DecodeFile(path, &p); err != nil {
			return nil, fmt.Errorf("decode config profile %q: %w", path, err)
		}
	}

	cfg := &Config{
		API: APIConfig{
			BaseURL:   strings.TrimRight(mustEnv("API_BASE_URL", or(p.API.BaseURL, "http://localhost:5000")), "/"),
			Timeout:   mustDuration("API_TIMEOUT", parseDurationOr(p.API.Timeout, 10*time.Second)),
			UserAgent: mustEnv("API_USER_AGENT", "kesepian-cli/1.0"),
		},
		Store: StoreConfig{
			Backend:     strings.ToLower(mustEnv("CREDENTIAL_BACKEND", or(p.Store.Backend, BackendSQLite))),
			DSN:         mustEnv("CREDENTIAL_DSN", or(p.Store.DSN, defaultSQLitePath())),
			KeyPrefix:   mustEnv("CREDENTIAL_KEY_PREFIX", or(p.Store.KeyPrefix, "aku_kesepian_")),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", or(p.Redis.Addr, "127.0.0.1:6379")),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", p.Redis.DB),
		},
		Admin: AdminConfig{
			OwnerEmail:   strings.ToLower(mustEnv("PLATFORM_OWNER_EMAIL", or(p.Admin.OwnerEmail, DefaultOwnerEmail))),
			CheckTimeout: mustDuration("ADMIN_CHECK_TIMEOUT", 5*time.Second),
		},
		Metrics: MetricsConfig{
			Addr: mustEnv("METRICS_ADDR", p.Metrics.Addr),
			Path: mustEnv("METRICS_PATH", "/metrics"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(mustEnv("LOG_LEVEL", or(p.Log.Level, "warn"))),
			Format: strings.ToLower(mustEnv("LOG_FORMAT", or(p.Log.Format, LogFormatConsole))),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if c.API.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendSQLite, BackendPostgres:
		if c.Store.DSN == "" {
			return ErrMissingStoreDSN
		}
	default:
		return ErrInvalidBackend
	}
	if strings.TrimSpace(c.Admin.OwnerEmail) == "" {
		return ErrMissingOwnerEmail
	}
	if c.Log.Format != LogFormatConsole && c.Log.Format != LogFormatJSON {
		return ErrInvalidLogFormat
	}
	return nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("CREDENTIAL_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse CREDENTIAL_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	current := mustEnv("CREDENTIAL_KEY_CURRENT_ID", "")
	if singleton := mustEnv("CREDENTIAL_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	// Sealing is optional for a desktop client.
	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode credential key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("credential key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("CREDENTIAL_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func defaultSQLitePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || strings.TrimSpace(dir) == "" {
		return "kesepian.db"
	}
	return dir + string(os.PathSeparator) + "kesepian" + string(os.PathSeparator) + "credentials.db"
}

func or(v, def string) string {
	if strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func parseDurationOr(v string, def time.Duration) time.Duration {
	if strings.TrimSpace(v) == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return d
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
