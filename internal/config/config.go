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

	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
	BackendPebble = "pebble"

	ProxySimulate = "simulate"
	ProxyUpstream = "upstream"
)

var (
	ErrMissingClientPasswords = errors.New("CLIENT_PASSWORDS is required")
	ErrMissingOwnerPassword   = errors.New("OWNER_PASSWORD is required")
	ErrWeakSessionSecret      = errors.New("SESSION_SECRET is required and must be at least 32 bytes")
	ErrMissingDatabaseDSN     = errors.New("DB_DSN is required for VAULT_BACKEND=sql")
	ErrMissingPebbleDir       = errors.New("PEBBLE_DIR is required for VAULT_BACKEND=pebble")
	ErrMissingMasterKey       = errors.New("at least one master key is required for a durable vault")
)

type Config struct {
	HTTP    HTTPConfig
	Auth    AuthConfig
	Session SessionConfig
	Redis   RedisConfig
	Vault   VaultConfig
	DB      DBConfig
	Proxy   ProxyConfig
	Crypto  CryptoConfig
	Log     LogConfig
}

type HTTPConfig struct {
	ListenAddr      string
	HealthPath      string
	MetricsPath     string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

type AuthConfig struct {
	// Entries are plaintext passwords or bcrypt hashes.
	ClientPasswords []string
	OwnerPasswords  []string
}

type SessionConfig struct {
	Backend      string
	Secret       []byte
	TTL          time.Duration
	CookieSecure bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type VaultConfig struct {
	Backend   string
	PebbleDir string
	SeedFile  string
	SeedJSON  string
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type ProxyConfig struct {
	Mode          string
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	GoogleSearch  bool
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment values win.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		HTTP: HTTPConfig{
			ListenAddr:      mustEnv("LISTEN_ADDR", ":3000"),
			HealthPath:      mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:     mustEnv("METRICS_PATH", "/metrics"),
			ReadTimeout:     mustDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			ShutdownTimeout: mustDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSOrigins:     splitList(mustEnv("CORS_ORIGINS", "*")),
		},
		Auth: AuthConfig{
			ClientPasswords: splitList(mustEnv("CLIENT_PASSWORDS", "")),
			OwnerPasswords:  splitList(mustEnv("OWNER_PASSWORD", "")),
		},
		Session: SessionConfig{
			Backend:      strings.ToLower(mustEnv("SESSION_BACKEND", BackendMemory)),
			Secret:       []byte(mustEnv("SESSION_SECRET", "")),
			TTL:          mustDuration("SESSION_TTL", 24*time.Hour),
			CookieSecure: mustBool("COOKIE_SECURE", false),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		Vault: VaultConfig{
			Backend:   strings.ToLower(mustEnv("VAULT_BACKEND", BackendMemory)),
			PebbleDir: mustEnv("PEBBLE_DIR", ""),
			SeedFile:  mustEnv("VAULT_SEED_FILE", ""),
			SeedJSON:  mustEnv("VAULT_SEED_JSON", ""),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", ""),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Proxy: ProxyConfig{
			Mode:          strings.ToLower(mustEnv("PROXY_MODE", ProxySimulate)),
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 30*time.Second),
			MaxRetries:    mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase:   mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
			GoogleSearch:  mustBool("GEMINI_GOOGLE_SEARCH", false),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if len(cfg.Auth.ClientPasswords) == 0 {
		return nil, ErrMissingClientPasswords
	}
	if len(cfg.Auth.OwnerPasswords) == 0 {
		return nil, ErrMissingOwnerPassword
	}
	if len(cfg.Session.Secret) < 32 {
		return nil, ErrWeakSessionSecret
	}
	if cfg.Session.Backend != BackendMemory && cfg.Session.Backend != BackendRedis {
		return nil, fmt.Errorf("unsupported SESSION_BACKEND %q", cfg.Session.Backend)
	}
	if cfg.Proxy.Mode != ProxySimulate && cfg.Proxy.Mode != ProxyUpstream {
		return nil, fmt.Errorf("unsupported PROXY_MODE %q", cfg.Proxy.Mode)
	}

	switch cfg.Vault.Backend {
	case BackendMemory:
	case BackendSQL:
		if cfg.DB.DSN == "" {
			return nil, ErrMissingDatabaseDSN
		}
	case BackendPebble:
		if cfg.Vault.PebbleDir == "" {
			return nil, ErrMissingPebbleDir
		}
	default:
		return nil, fmt.Errorf("unsupported VAULT_BACKEND %q", cfg.Vault.Backend)
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		if !errors.Is(err, ErrMissingMasterKey) || cfg.Vault.Backend != BackendMemory {
			return nil, err
		}
	}
	cfg.Crypto = cc

	return cfg, nil
}

// Durable reports whether the configured vault outlives the process.
func (c *Config) Durable() bool {
	return c.Vault.Backend == BackendSQL || c.Vault.Backend == BackendPebble
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "MASTER_KEY_B64" {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, errors.New("MASTER_KEY_CURRENT_ID is required when several master keys are set")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
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
