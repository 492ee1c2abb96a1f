package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHAT_AUTH_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if cfg.RateWindow != DefaultRateWindow || cfg.PingInterval != DefaultPingInterval {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.EventLimits["message"] != 5 || cfg.EventLimits["reaction"] != 20 {
		t.Fatalf("unexpected event limits: %+v", cfg.EventLimits)
	}
}

func TestLoadRequiresAuthSecret(t *testing.T) {
	t.Setenv("CHAT_AUTH_SECRET", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CHAT_AUTH_SECRET") {
		t.Fatalf("expected missing-secret error, got %v", err)
	}
}

func TestLoadOverridesAndAggregatesProblems(t *testing.T) {
	t.Setenv("CHAT_AUTH_SECRET", "secret")
	t.Setenv("CHAT_RATE_WINDOW", "30s")
	t.Setenv("CHAT_RATE_LIMIT_MESSAGE", "9")
	t.Setenv("CHAT_MAX_CLIENTS", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RateWindow != 30*time.Second {
		t.Fatalf("rate window override ignored: %v", cfg.RateWindow)
	}
	if cfg.EventLimits["message"] != 9 {
		t.Fatalf("per-event override ignored: %+v", cfg.EventLimits)
	}
	if cfg.MaxClients != 12 {
		t.Fatalf("max clients override ignored: %d", cfg.MaxClients)
	}

	// Invalid overrides are reported together, not one at a time.
	t.Setenv("CHAT_MAX_PAYLOAD_BYTES", "-1")
	t.Setenv("CHAT_PING_INTERVAL", "often")
	_, err = Load()
	if err == nil {
		t.Fatal("expected an error for invalid overrides")
	}
	if !strings.Contains(err.Error(), "CHAT_MAX_PAYLOAD_BYTES") || !strings.Contains(err.Error(), "CHAT_PING_INTERVAL") {
		t.Fatalf("expected both problems in one error, got %v", err)
	}
}

func TestLoadRejectsHalfConfiguredTLS(t *testing.T) {
	t.Setenv("CHAT_AUTH_SECRET", "secret")
	t.Setenv("CHAT_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("CHAT_TLS_KEY", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "together") {
		t.Fatalf("expected TLS pairing error, got %v", err)
	}
}
