// Package config loads configuration from an optional YAML file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the variable pointing at an optional YAML config file.
const FileEnv = "HUB_CONFIG"

// Config holds client and server configuration.
type Config struct {
	// Client
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	Root      string `yaml:"root"`

	// Content cache
	CacheDir     string `yaml:"cache_dir"`
	CacheMaxSize int64  `yaml:"cache_max_size"`

	// Transport
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	RateBurst int           `yaml:"rate_burst"`

	// Auto-refresh
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// Watch follows the server change feed in addition to polling.
	Watch bool `yaml:"watch"`

	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	SeedFile    string `yaml:"seed_file"`
	// JWTSecret enables bearer token verification on the hub endpoints.
	JWTSecret string `yaml:"jwt_secret"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerURL:       "http://localhost:8080",
		Root:            "/",
		CacheDir:        defaultCacheDir(),
		CacheMaxSize:    1 << 30, // 1GB
		Timeout:         30 * time.Second,
		RefreshInterval: 5 * time.Second,
		ListenAddr:      ":8080",
		MetricsAddr:     ":9090",
		LogLevel:        "info",
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "hub")
	}
	return filepath.Join(os.TempDir(), "hub-cache")
}

// Load reads configuration from the file named by HUB_CONFIG, if any, then
// applies environment variables on top.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges the YAML file at path into cfg. Keys missing from the
// file keep their current values.
func (cfg *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (cfg *Config) applyEnv() {
	cfg.ServerURL = envOr("HUB_SERVER_URL", cfg.ServerURL)
	cfg.Token = envOr("HUB_TOKEN", cfg.Token)
	cfg.TokenFile = envOr("HUB_TOKEN_FILE", cfg.TokenFile)
	cfg.Root = envOr("HUB_ROOT", cfg.Root)
	cfg.CacheDir = envOr("HUB_CACHE_DIR", cfg.CacheDir)
	cfg.CacheMaxSize = envInt64("HUB_CACHE_MAX_SIZE", cfg.CacheMaxSize)
	cfg.Timeout = envDuration("HUB_TIMEOUT", cfg.Timeout)
	cfg.RateLimit = envFloat("HUB_RATE_LIMIT", cfg.RateLimit)
	cfg.RateBurst = envInt("HUB_RATE_BURST", cfg.RateBurst)
	cfg.RefreshInterval = envDuration("HUB_REFRESH_INTERVAL", cfg.RefreshInterval)
	cfg.Watch = envBool("HUB_WATCH", cfg.Watch)
	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = envOr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.SeedFile = envOr("HUB_SEED_FILE", cfg.SeedFile)
	cfg.JWTSecret = envOr("JWT_SECRET", cfg.JWTSecret)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
}

// Validate checks the values that cannot be defaulted.
func (cfg *Config) Validate() error {
	if cfg.ServerURL == "" {
		return fmt.Errorf("server url is required")
	}
	if cfg.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", cfg.RefreshInterval)
	}
	switch cfg.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
