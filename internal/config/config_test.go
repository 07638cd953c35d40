package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks the variables these tests touch; empty values fall back to defaults.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "ENV", "EMAIL_PROVIDER", "SETTLE_DELAY", "MAX_WAIT",
		"SEND_RETRY_LIMIT", "ADMIN_EMAIL", "SMTP_FROM", "SONARR_URL", "MARQUEE_CONFIG",
		"DISPATCH_INTERVAL", "QUALITY_MONITOR_ENABLED", "EMAIL_FALLBACK",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.EmailProvider != "smtp" {
		t.Errorf("expected smtp provider, got %s", cfg.EmailProvider)
	}
	if cfg.SettleDelay != 5*time.Minute {
		t.Errorf("expected 5m settle delay, got %s", cfg.SettleDelay)
	}
	if cfg.MaxWait != 30*time.Minute {
		t.Errorf("expected 30m max wait, got %s", cfg.MaxWait)
	}
	if cfg.SendRetryLimit != 0 {
		t.Errorf("expected unbounded retry by default, got %d", cfg.SendRetryLimit)
	}
	if !cfg.QualityMonitorEnabled {
		t.Error("expected quality monitor enabled by default")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("ENV", "production")
	t.Setenv("EMAIL_PROVIDER", "SES")
	t.Setenv("DISPATCH_INTERVAL", "15")
	t.Setenv("SONARR_URL", "http://sonarr:8989/")
	t.Setenv("QUALITY_MONITOR_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.EmailProvider != "ses" {
		t.Errorf("expected ses provider, got %s", cfg.EmailProvider)
	}
	if cfg.DispatchInterval != 15*time.Second {
		t.Errorf("bare number should be seconds, got %s", cfg.DispatchInterval)
	}
	if cfg.SonarrURL != "http://sonarr:8989" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.SonarrURL)
	}
	if cfg.QualityMonitorEnabled {
		t.Error("expected quality monitor disabled")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non-numeric port", "PORT", "abc"},
		{"bad duration", "SETTLE_DELAY", "soon"},
		{"unknown provider", "EMAIL_PROVIDER", "pigeon"},
		{"log is not a fallback", "EMAIL_FALLBACK", "log"},
		{"fallback same as provider", "EMAIL_FALLBACK", "smtp"},
		{"negative retry limit", "SEND_RETRY_LIMIT", "-1"},
		{"max wait below settle delay", "MAX_WAIT", "1m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "marquee.yaml")
	if err := os.WriteFile(path, []byte("admin_email: ops@example.com\nsettle_delay: 2m\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MARQUEE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.AdminRecipient() != "ops@example.com" {
		t.Errorf("expected admin email from file, got %s", cfg.AdminRecipient())
	}
	if cfg.SettleDelay != 2*time.Minute {
		t.Errorf("expected 2m settle delay from file, got %s", cfg.SettleDelay)
	}
}

func TestAdminRecipient_FallsBackToSender(t *testing.T) {
	cfg := &Config{SMTPFrom: "noreply@example.com"}
	if got := cfg.AdminRecipient(); got != "noreply@example.com" {
		t.Errorf("expected fallback to SMTP_FROM, got %s", got)
	}
}
