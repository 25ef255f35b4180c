package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	// Clear any env vars that might interfere.
	for _, env := range []string{
		"CROSSPOINT_DATA_DIR", "CROSSPOINT_STORE_DSN", "CROSSPOINT_HTTP_PORT",
		"CROSSPOINT_SIP_PORT", "CROSSPOINT_LOG_LEVEL", "CROSSPOINT_TICK_INTERVAL",
		"CROSSPOINT_NEW_CALL_TIMEOUT", "CROSSPOINT_STRICT_LEASES",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = []string{"crosspoint"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.StoreDSN != "" {
		t.Errorf("StoreDSN = %q, want empty", cfg.StoreDSN)
	}
	if cfg.TickInterval != defaultTickInterval {
		t.Errorf("TickInterval = %v, want %v", cfg.TickInterval, defaultTickInterval)
	}
	if cfg.NewCallTimeout != defaultNewCallTimeout {
		t.Errorf("NewCallTimeout = %v, want %v", cfg.NewCallTimeout, defaultNewCallTimeout)
	}
	if cfg.StrictLeases {
		t.Error("StrictLeases = true, want false")
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"crosspoint"}
	t.Setenv("CROSSPOINT_HTTP_PORT", "9090")
	t.Setenv("CROSSPOINT_DATA_DIR", "/tmp/crosspoint-test")
	t.Setenv("CROSSPOINT_LOG_LEVEL", "debug")
	t.Setenv("CROSSPOINT_NEW_CALL_TIMEOUT", "42s")
	t.Setenv("CROSSPOINT_BLOCKED_HANDLES", "5550100,5550101")
	t.Setenv("CROSSPOINT_ALLOW_ANONYMOUS", "true")
	t.Setenv("CROSSPOINT_STRICT_LEASES", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/crosspoint-test" {
		t.Errorf("DataDir = %q, want /tmp/crosspoint-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.NewCallTimeout != 42*time.Second {
		t.Errorf("NewCallTimeout = %v, want 42s", cfg.NewCallTimeout)
	}
	if cfg.BlockedHandles != "5550100,5550101" {
		t.Errorf("BlockedHandles = %q, want 5550100,5550101", cfg.BlockedHandles)
	}
	if !cfg.AllowAnonymous {
		t.Error("AllowAnonymous = false, want true")
	}
	if !cfg.StrictLeases {
		t.Error("StrictLeases = false, want true")
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	os.Args = []string{"crosspoint", "--http-port", "3000", "--log-level", "warn"}
	t.Setenv("CROSSPOINT_HTTP_PORT", "9090")
	t.Setenv("CROSSPOINT_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad http port", []string{"crosspoint", "--http-port", "0"}},
		{"bad sip port", []string{"crosspoint", "--sip-port", "70000"}},
		{"bad log level", []string{"crosspoint", "--log-level", "loud"}},
		{"bad log format", []string{"crosspoint", "--log-format", "xml"}},
		{"bad store dsn", []string{"crosspoint", "--store-dsn", "mysql://x"}},
		{"zero tick", []string{"crosspoint", "--tick-interval", "0s"}},
		{"timeout below tick", []string{"crosspoint", "--new-call-timeout", "100ms"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args
			if _, err := Load(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestJWTSecretBytes(t *testing.T) {
	t.Run("generated when empty", func(t *testing.T) {
		cfg := &Config{}
		key, err := cfg.JWTSecretBytes()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(key) != 32 {
			t.Errorf("key length = %d, want 32", len(key))
		}
		if cfg.JWTSecret == "" {
			t.Error("generated secret not stored back in config")
		}
	})

	t.Run("rejects short secret", func(t *testing.T) {
		cfg := &Config{JWTSecret: "abcd"}
		if _, err := cfg.JWTSecretBytes(); err == nil {
			t.Error("expected error for short secret")
		}
	})
}

func TestDeviceTokens(t *testing.T) {
	cfg := &Config{FCMTokens: "tok-a, tok-b ,,tok-c"}
	got := cfg.DeviceTokens()
	want := []string{"tok-a", "tok-b", "tok-c"}
	if len(got) != len(want) {
		t.Fatalf("DeviceTokens() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("DeviceTokens()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBlocklist(t *testing.T) {
	if got := (&Config{}).Blocklist(); got != nil {
		t.Errorf("Blocklist() = %v, want nil", got)
	}

	cfg := &Config{BlockedHandles: " 5550100 ,,5550101"}
	got := cfg.Blocklist()
	want := []string{"5550100", "5550101"}
	if len(got) != len(want) {
		t.Fatalf("Blocklist() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Blocklist()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
