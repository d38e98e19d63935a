package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Telegram TelegramConfig `yaml:"telegram"`
	Sessions SessionsConfig `yaml:"sessions"`
	Metadata MetadataConfig `yaml:"metadata"`
	Identity IdentityConfig `yaml:"identity"`
	TLS      TLSConfig      `yaml:"tls"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ListenConfig defines where the daemon listens for requests
type ListenConfig struct {
	HTTP      string  `yaml:"http"`       // HTTP server address (e.g., ":9000")
	Socket    string  `yaml:"socket"`     // Unix admin socket path
	RateLimit float64 `yaml:"rate_limit"` // Requests per second per client IP
	RateBurst int     `yaml:"rate_burst"`
}

// TelegramConfig holds the MTProto application credentials. Leaving both
// api_id and api_hash empty runs the bridge in disabled mode.
type TelegramConfig struct {
	APIID            int     `yaml:"api_id"`
	APIHash          string  `yaml:"api_hash"`
	DeviceModel      string  `yaml:"device_model"`
	SystemVersion    string  `yaml:"system_version"`
	AppVersion       string  `yaml:"app_version"`
	RateLimit        float64 `yaml:"rate_limit"`         // MTProto requests per second per connection
	RateBurst        int     `yaml:"rate_burst"`         // MTProto burst per connection
	FloodWaitRetries uint    `yaml:"flood_wait_retries"` // Retries after FLOOD_WAIT
}

// Enabled reports whether credentials for the real network are configured.
func (t TelegramConfig) Enabled() bool {
	return t.APIID > 0 && t.APIHash != ""
}

// SessionsConfig defines pooling and persistence of user sessions.
// Durations are in seconds.
type SessionsConfig struct {
	Store             string `yaml:"store"` // file or badger
	Dir               string `yaml:"dir"`
	IdleTimeout       int    `yaml:"idle_timeout"`
	ReapInterval      int    `yaml:"reap_interval"`
	OperationTimeout  int    `yaml:"operation_timeout"`
	DisconnectTimeout int    `yaml:"disconnect_timeout"`
	DialogLimit       int    `yaml:"dialog_limit"`
	ParticipantLimit  int    `yaml:"participant_limit"`
	EntityScanLimit   int    `yaml:"entity_scan_limit"`
}

func (s SessionsConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

func (s SessionsConfig) ReapIntervalDuration() time.Duration {
	return time.Duration(s.ReapInterval) * time.Second
}

func (s SessionsConfig) OperationTimeoutDuration() time.Duration {
	return time.Duration(s.OperationTimeout) * time.Second
}

func (s SessionsConfig) DisconnectTimeoutDuration() time.Duration {
	return time.Duration(s.DisconnectTimeout) * time.Second
}

// MetadataConfig defines where per-user connection status is recorded
type MetadataConfig struct {
	Store string `yaml:"store"` // memory or file
	Path  string `yaml:"path"`
}

// IdentityConfig defines how the caller identity is taken from a request
type IdentityConfig struct {
	Mode          string   `yaml:"mode"`           // hmac, oidc or header
	HMACSecret    string   `yaml:"hmac_secret"`    // Shared secret for HS256 tokens
	Issuer        string   `yaml:"issuer"`         // Expected iss (required for oidc)
	Audience      string   `yaml:"audience"`       // Expected aud; client id for oidc
	UserClaim     string   `yaml:"user_claim"`     // Claim holding the user id
	RoleClaim     string   `yaml:"role_claim"`     // JSON path to roles in token
	RequiredRoles []string `yaml:"required_roles"` // Any one of these is required
	Header        string   `yaml:"header"`         // Trusted header for header mode
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP:      ":9000",
			Socket:    "/run/tgbridge/admin.sock",
			RateLimit: 10,
			RateBurst: 50,
		},
		Telegram: TelegramConfig{
			DeviceModel:      "tgbridge",
			SystemVersion:    "linux",
			AppVersion:       "1.0",
			RateLimit:        10,
			RateBurst:        5,
			FloodWaitRetries: 3,
		},
		Sessions: SessionsConfig{
			Store:             "file",
			Dir:               "/var/lib/tgbridge/sessions",
			IdleTimeout:       1800, // 30 minutes
			ReapInterval:      60,
			OperationTimeout:  30,
			DisconnectTimeout: 10,
			DialogLimit:       100,
			ParticipantLimit:  50,
			EntityScanLimit:   500,
		},
		Metadata: MetadataConfig{
			Store: "file",
			Path:  "/var/lib/tgbridge/users.yaml",
		},
		Identity: IdentityConfig{
			Mode:      "hmac",
			UserClaim: "sub",
			RoleClaim: "realm_access.roles",
			Header:    "X-User-ID",
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() error {
	// Telegram overrides
	if v := os.Getenv("TGBRIDGE_TELEGRAM_API_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TGBRIDGE_TELEGRAM_API_ID: %w", err)
		}
		c.Telegram.APIID = id
	}
	if v := os.Getenv("TGBRIDGE_TELEGRAM_API_HASH"); v != "" {
		c.Telegram.APIHash = v
	}

	// Sessions overrides
	if v := os.Getenv("TGBRIDGE_SESSIONS_STORE"); v != "" {
		c.Sessions.Store = v
	}
	if v := os.Getenv("TGBRIDGE_SESSIONS_DIR"); v != "" {
		c.Sessions.Dir = v
	}

	// Identity overrides
	if v := os.Getenv("TGBRIDGE_IDENTITY_MODE"); v != "" {
		c.Identity.Mode = v
	}
	if v := os.Getenv("TGBRIDGE_IDENTITY_HMAC_SECRET"); v != "" {
		c.Identity.HMACSecret = v
	}
	if v := os.Getenv("TGBRIDGE_IDENTITY_ISSUER"); v != "" {
		c.Identity.Issuer = v
	}
	if v := os.Getenv("TGBRIDGE_IDENTITY_AUDIENCE"); v != "" {
		c.Identity.Audience = v
	}

	// Log overrides
	if v := os.Getenv("TGBRIDGE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TGBRIDGE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	// Listen overrides
	if v := os.Getenv("TGBRIDGE_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}
	if v := os.Getenv("TGBRIDGE_LISTEN_SOCKET"); v != "" {
		c.Listen.Socket = v
	}

	return nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Validate telegram config; both empty selects disabled mode
	if c.Telegram.APIID < 0 {
		return fmt.Errorf("telegram.api_id must not be negative")
	}
	if (c.Telegram.APIID == 0) != (c.Telegram.APIHash == "") {
		return fmt.Errorf("telegram.api_id and telegram.api_hash must be set together")
	}
	if c.Telegram.RateLimit < 0 || c.Telegram.RateBurst < 0 {
		return fmt.Errorf("telegram.rate_limit and telegram.rate_burst must not be negative")
	}

	// Validate sessions config
	switch c.Sessions.Store {
	case "file", "badger":
	default:
		return fmt.Errorf("sessions.store must be one of: file, badger")
	}
	if c.Sessions.Dir == "" {
		return fmt.Errorf("sessions.dir is required")
	}
	if c.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("sessions.idle_timeout must be positive")
	}
	if c.Sessions.ReapInterval <= 0 {
		return fmt.Errorf("sessions.reap_interval must be positive")
	}
	if c.Sessions.ReapInterval > c.Sessions.IdleTimeout {
		return fmt.Errorf("sessions.reap_interval should not exceed sessions.idle_timeout")
	}
	if c.Sessions.OperationTimeout <= 0 || c.Sessions.OperationTimeout > 300 {
		return fmt.Errorf("sessions.operation_timeout must be between 1 and 300 seconds")
	}
	if c.Sessions.DisconnectTimeout <= 0 {
		return fmt.Errorf("sessions.disconnect_timeout must be positive")
	}
	if c.Sessions.DialogLimit <= 0 || c.Sessions.DialogLimit > 1000 {
		return fmt.Errorf("sessions.dialog_limit must be between 1 and 1000")
	}
	if c.Sessions.ParticipantLimit <= 0 || c.Sessions.ParticipantLimit > 200 {
		return fmt.Errorf("sessions.participant_limit must be between 1 and 200")
	}
	if c.Sessions.EntityScanLimit < c.Sessions.DialogLimit {
		return fmt.Errorf("sessions.entity_scan_limit must be at least sessions.dialog_limit")
	}

	// Validate metadata config
	switch c.Metadata.Store {
	case "memory":
	case "file":
		if c.Metadata.Path == "" {
			return fmt.Errorf("metadata.path is required for the file store")
		}
	default:
		return fmt.Errorf("metadata.store must be one of: memory, file")
	}

	// Validate identity config
	if err := c.Identity.validate(); err != nil {
		return err
	}

	// Validate TLS config
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}

		// Check if files exist
		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	// Validate listen config
	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}
	if c.Listen.Socket == "" {
		return fmt.Errorf("listen.socket is required")
	}
	if c.Listen.RateLimit <= 0 || c.Listen.RateBurst <= 0 {
		return fmt.Errorf("listen.rate_limit and listen.rate_burst must be positive")
	}

	// Validate metrics config
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'")
	}

	return nil
}

func (i *IdentityConfig) validate() error {
	switch i.Mode {
	case "hmac":
		if len(i.HMACSecret) < 32 {
			return fmt.Errorf("identity.hmac_secret must be at least 32 bytes")
		}
	case "oidc":
		if i.Issuer == "" {
			return fmt.Errorf("identity.issuer is required for oidc mode")
		}
		if !strings.HasPrefix(i.Issuer, "http://") && !strings.HasPrefix(i.Issuer, "https://") {
			return fmt.Errorf("identity.issuer must be a valid HTTP(S) URL")
		}
		if i.Audience == "" {
			return fmt.Errorf("identity.audience is required for oidc mode")
		}
	case "header":
		if i.Header == "" {
			return fmt.Errorf("identity.header is required for header mode")
		}
		return nil
	default:
		return fmt.Errorf("identity.mode must be one of: hmac, oidc, header")
	}

	if i.UserClaim == "" {
		return fmt.Errorf("identity.user_claim is required")
	}
	return nil
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	// Deep copy slices to avoid sharing underlying arrays with the original
	if c.Identity.RequiredRoles != nil {
		redacted.Identity.RequiredRoles = make([]string, len(c.Identity.RequiredRoles))
		copy(redacted.Identity.RequiredRoles, c.Identity.RequiredRoles)
	}
	if redacted.Telegram.APIHash != "" {
		redacted.Telegram.APIHash = "[REDACTED]"
	}
	if redacted.Identity.HMACSecret != "" {
		redacted.Identity.HMACSecret = "[REDACTED]"
	}
	return &redacted
}
