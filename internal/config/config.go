package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the Crosspoint coordinator.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	StoreDSN string // postgres:// DSN; empty means embedded sqlite in DataDir
	HTTPPort int
	SIPPort  int
	SIPHost  string

	LogLevel  string
	LogFormat string // "text" or "json"

	JWTSecret      string // hex-encoded 32-byte secret for admin API JWT signing
	FCMCredentials string // path to Firebase service-account JSON for the push ringer
	FCMTokens      string // comma-separated device registration tokens

	// Coordinator timing.
	TickInterval    time.Duration
	NewCallTimeout  time.Duration
	LookupTimeout   time.Duration
	AttemptTimeout  time.Duration
	RetrieveTimeout time.Duration

	// Call screening.
	BlockedHandles string // comma-separated handles rejected in both directions
	AllowAnonymous bool   // accept incoming calls with no caller handle

	// StrictLeases makes lease accounting errors fatal instead of logged.
	StrictLeases bool
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultSIPPort         = 5060
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultTickInterval    = 250 * time.Millisecond
	defaultNewCallTimeout  = 15 * time.Second
	defaultLookupTimeout   = 2 * time.Second
	defaultAttemptTimeout  = 30 * time.Second
	defaultRetrieveTimeout = 5 * time.Second
)

// envPrefix is the prefix for all Crosspoint environment variables.
const envPrefix = "CROSSPOINT_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("crosspoint", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the embedded database")
	fs.StringVar(&cfg.StoreDSN, "store-dsn", "", "postgres:// DSN for provisioning storage (embedded sqlite if empty)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.StringVar(&cfg.SIPHost, "sip-host", "", "hostname for the SIP user agent (machine hostname if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin API JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "path to Firebase service-account JSON for push ring notifications")
	fs.StringVar(&cfg.FCMTokens, "fcm-tokens", "", "comma-separated device registration tokens to ring")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", defaultTickInterval, "maintenance tick interval while calls are queued")
	fs.DurationVar(&cfg.NewCallTimeout, "new-call-timeout", defaultNewCallTimeout, "how long an outgoing call may wait before it is abandoned")
	fs.DurationVar(&cfg.LookupTimeout, "lookup-timeout", defaultLookupTimeout, "time-box for backend and selector discovery")
	fs.DurationVar(&cfg.AttemptTimeout, "attempt-timeout", defaultAttemptTimeout, "bound on a single selector placement attempt")
	fs.DurationVar(&cfg.RetrieveTimeout, "retrieve-timeout", defaultRetrieveTimeout, "bound on an incoming call detail retrieval")
	fs.StringVar(&cfg.BlockedHandles, "blocked-handles", "", "comma-separated handles rejected for both directions")
	fs.BoolVar(&cfg.AllowAnonymous, "allow-anonymous", false, "accept incoming calls with no caller handle")
	fs.BoolVar(&cfg.StrictLeases, "strict-leases", false, "panic on lease accounting underflow instead of logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":         envPrefix + "DATA_DIR",
		"store-dsn":        envPrefix + "STORE_DSN",
		"http-port":        envPrefix + "HTTP_PORT",
		"sip-port":         envPrefix + "SIP_PORT",
		"sip-host":         envPrefix + "SIP_HOST",
		"log-level":        envPrefix + "LOG_LEVEL",
		"log-format":       envPrefix + "LOG_FORMAT",
		"jwt-secret":       envPrefix + "JWT_SECRET",
		"fcm-credentials":  envPrefix + "FCM_CREDENTIALS",
		"fcm-tokens":       envPrefix + "FCM_TOKENS",
		"tick-interval":    envPrefix + "TICK_INTERVAL",
		"new-call-timeout": envPrefix + "NEW_CALL_TIMEOUT",
		"lookup-timeout":   envPrefix + "LOOKUP_TIMEOUT",
		"attempt-timeout":  envPrefix + "ATTEMPT_TIMEOUT",
		"retrieve-timeout": envPrefix + "RETRIEVE_TIMEOUT",
		"blocked-handles":  envPrefix + "BLOCKED_HANDLES",
		"allow-anonymous":  envPrefix + "ALLOW_ANONYMOUS",
		"strict-leases":    envPrefix + "STRICT_LEASES",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "store-dsn":
			cfg.StoreDSN = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-host":
			cfg.SIPHost = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "fcm-credentials":
			cfg.FCMCredentials = val
		case "fcm-tokens":
			cfg.FCMTokens = val
		case "tick-interval":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.TickInterval = v
			}
		case "new-call-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.NewCallTimeout = v
			}
		case "lookup-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.LookupTimeout = v
			}
		case "attempt-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.AttemptTimeout = v
			}
		case "retrieve-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.RetrieveTimeout = v
			}
		case "blocked-handles":
			cfg.BlockedHandles = val
		case "allow-anonymous":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.AllowAnonymous = v
			}
		case "strict-leases":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.StrictLeases = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.StoreDSN != "" && !strings.HasPrefix(c.StoreDSN, "postgres://") && !strings.HasPrefix(c.StoreDSN, "postgresql://") {
		return fmt.Errorf("store-dsn must be a postgres:// DSN, got %q", c.StoreDSN)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.TickInterval <= 0 {
		return fmt.Errorf("tick-interval must be positive, got %v", c.TickInterval)
	}
	if c.NewCallTimeout <= c.TickInterval {
		return fmt.Errorf("new-call-timeout must exceed tick-interval, got %v", c.NewCallTimeout)
	}
	if c.LookupTimeout <= 0 {
		return fmt.Errorf("lookup-timeout must be positive, got %v", c.LookupTimeout)
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt-timeout must be positive, got %v", c.AttemptTimeout)
	}
	if c.RetrieveTimeout <= 0 {
		return fmt.Errorf("retrieve-timeout must be positive, got %v", c.RetrieveTimeout)
	}

	return nil
}

// UsePostgres reports whether provisioning storage lives in Postgres rather
// than the embedded sqlite database.
func (c *Config) UsePostgres() bool {
	return c.StoreDSN != ""
}

// DeviceTokens returns the configured FCM registration tokens.
func (c *Config) DeviceTokens() []string {
	if c.FCMTokens == "" {
		return nil
	}
	parts := strings.Split(c.FCMTokens, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// Blocklist returns the configured blocked handles.
func (c *Config) Blocklist() []string {
	if c.BlockedHandles == "" {
		return nil
	}
	parts := strings.Split(c.BlockedHandles, ",")
	handles := make([]string, 0, len(parts))
	for _, p := range parts {
		if h := strings.TrimSpace(p); h != "" {
			handles = append(handles, h)
		}
	}
	return handles
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random key and stores the
// hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// UAHost returns the hostname to use for the SIP user agent.
func (c *Config) UAHost() string {
	if c.SIPHost != "" {
		return c.SIPHost
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
