// Package config parses and validates boothd configuration from environment
// variables and command-line flags. Flags win over environment values.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full boothd runtime configuration.
type Config struct {
	ListenAddr   string
	PublicDomain string
	TLSMode      string
	CertCacheDir string
	DBPath       string
	LogLevel     string
	LogFormat    string

	UpstreamURL      string
	UpstreamAppID    string
	UpstreamUser     string
	UpstreamPassword string
	HandshakeTimeout time.Duration

	IdleTimeout   time.Duration
	SweepInterval time.Duration

	MaxBodyBytes   int64
	RequestTimeout time.Duration

	AdminTokenHash string
	TokenPepper    string

	JobRetention    time.Duration
	JanitorInterval time.Duration
}

const (
	tlsModeAuto = "auto"
	tlsModeOff  = "off"
)

const defaultListenAddr = ":8080"
const defaultDBPath = "./booth.db"
const defaultCertCacheDir = "./cert"
const defaultHandshakeTimeout = 15 * time.Second
const defaultIdleTimeout = 5 * time.Minute
const defaultSweepInterval = 45 * time.Second
const defaultMaxBodyBytes = 12 * 1024 * 1024
const defaultRequestTimeout = 30 * time.Second
const defaultJobRetention = 24 * time.Hour
const defaultJanitorInterval = 10 * time.Minute

// ParseFlags builds a Config from BOOTH_* environment variables overlaid
// with the given command-line arguments, then validates it.
func ParseFlags(args []string) (Config, error) {
	cfg := Config{
		ListenAddr:       envOrDefault("BOOTH_LISTEN", defaultListenAddr),
		PublicDomain:     envOrDefault("BOOTH_DOMAIN", ""),
		TLSMode:          envOrDefault("BOOTH_TLS_MODE", tlsModeOff),
		CertCacheDir:     envOrDefault("BOOTH_CERT_CACHE_DIR", defaultCertCacheDir),
		DBPath:           envOrDefault("BOOTH_DB_PATH", defaultDBPath),
		LogLevel:         envOrDefault("BOOTH_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("BOOTH_LOG_FORMAT", "text"),
		UpstreamURL:      envOrDefault("BOOTH_UPSTREAM_URL", ""),
		UpstreamAppID:    envOrDefault("BOOTH_UPSTREAM_APP_ID", ""),
		UpstreamUser:     envOrDefault("BOOTH_UPSTREAM_USER", ""),
		UpstreamPassword: envOrDefault("BOOTH_UPSTREAM_PASSWORD", ""),
		HandshakeTimeout: envDurationOrDefault("BOOTH_HANDSHAKE_TIMEOUT", defaultHandshakeTimeout),
		IdleTimeout:      envDurationOrDefault("BOOTH_IDLE_TIMEOUT", defaultIdleTimeout),
		SweepInterval:    envDurationOrDefault("BOOTH_SWEEP_INTERVAL", defaultSweepInterval),
		MaxBodyBytes:     envInt64OrDefault("BOOTH_MAX_BODY_BYTES", defaultMaxBodyBytes),
		RequestTimeout:   envDurationOrDefault("BOOTH_REQUEST_TIMEOUT", defaultRequestTimeout),
		AdminTokenHash:   envOrDefault("BOOTH_ADMIN_TOKEN_HASH", ""),
		TokenPepper:      envOrDefault("BOOTH_TOKEN_PEPPER", ""),
		JobRetention:     envDurationOrDefault("BOOTH_JOB_RETENTION", defaultJobRetention),
		JanitorInterval:  envDurationOrDefault("BOOTH_JANITOR_INTERVAL", defaultJanitorInterval),
	}

	fs := flag.NewFlagSet("boothd", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP(S) listen address")
	fs.StringVar(&cfg.PublicDomain, "domain", cfg.PublicDomain, "Public domain for TLS mode auto, e.g. booth.example.com")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: auto|off")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "TLS cert cache dir")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.UpstreamURL, "upstream", cfg.UpstreamURL, "Render network websocket URL (ws:// or wss://)")
	fs.StringVar(&cfg.UpstreamAppID, "upstream-app-id", cfg.UpstreamAppID, "Render network application id")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Idle duration after which a session connection is reclaimed")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "How often the idle sweep runs")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	if cfg.TLSMode == "" {
		cfg.TLSMode = tlsModeOff
	}
	switch cfg.TLSMode {
	case tlsModeAuto, tlsModeOff:
	default:
		return cfg, errors.New("tls mode must be one of: auto, off")
	}
	cfg.PublicDomain = NormalizeHost(cfg.PublicDomain)
	if cfg.TLSMode == tlsModeAuto && cfg.PublicDomain == "" {
		return cfg, errors.New("tls mode auto requires --domain or BOOTH_DOMAIN")
	}
	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		return cfg, errors.New("missing --upstream or BOOTH_UPSTREAM_URL")
	}
	if !strings.HasPrefix(cfg.UpstreamURL, "ws://") && !strings.HasPrefix(cfg.UpstreamURL, "wss://") {
		return cfg, errors.New("upstream URL must use ws:// or wss://")
	}
	if cfg.UpstreamUser == "" || cfg.UpstreamPassword == "" {
		return cfg, errors.New("missing BOOTH_UPSTREAM_USER or BOOTH_UPSTREAM_PASSWORD")
	}
	if cfg.HandshakeTimeout <= 0 {
		return cfg, errors.New("handshake timeout must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return cfg, errors.New("idle timeout must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return cfg, errors.New("sweep interval must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("max body bytes must be > 0")
	}
	if cfg.JobRetention <= 0 {
		return cfg, errors.New("job retention must be > 0")
	}
	if cfg.JanitorInterval <= 0 {
		return cfg, errors.New("janitor interval must be > 0")
	}

	return cfg, nil
}

// TLSEnabled reports whether the server should terminate TLS itself.
func (c Config) TLSEnabled() bool {
	return c.TLSMode == tlsModeAuto
}

// NormalizeHost lower-cases a host value and strips scheme, path, port,
// and trailing dots.
func NormalizeHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64OrDefault(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
