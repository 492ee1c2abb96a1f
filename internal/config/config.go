package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DefaultAddr is the default TCP address the gateway listens on.
	DefaultAddr = ":8137"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 1024

	// DefaultStorePath is where the pebble message store lives.
	DefaultStorePath = "data/messages"
	// DefaultHistoryPageSize controls the REST history page length.
	DefaultHistoryPageSize = 50

	// DefaultRateWindow is the sliding window applied to inbound events.
	DefaultRateWindow = time.Minute
	// DefaultRateSweepInterval controls how often idle rate-limit state is reaped.
	DefaultRateSweepInterval = time.Minute

	// DefaultHTTPRate bounds REST requests per second per remote.
	DefaultHTTPRate = 10
	// DefaultHTTPBurst is the REST limiter burst allowance.
	DefaultHTTPBurst = 20

	// DefaultLogLevel controls verbosity for gateway logs.
	DefaultLogLevel = "info"
)

// DefaultEventLimits sets the per-window budget for each inbound event type.
var DefaultEventLimits = map[string]int{
	"message":        5,
	"editMessage":    10,
	"deleteMessage":  10,
	"replyToMessage": 5,
	"reaction":       20,
}

// Config captures all runtime tunables for the gateway service.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	TLSCertPath     string
	TLSKeyPath      string

	// AuthSecret signs the handshake tokens; the gateway refuses to start
	// without one so no connection can ever bypass authentication.
	AuthSecret string

	StorePath       string
	HistoryPageSize int

	RateWindow        time.Duration
	RateSweepInterval time.Duration
	EventLimits       map[string]int

	HTTPRate  float64
	HTTPBurst int

	LogLevel string
	LogPath  string
}

// Load reads the gateway configuration from the environment, applying sane
// defaults and returning descriptive errors for invalid overrides. A .env
// file in the working directory is honoured when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Address:           getString("CHAT_ADDR", DefaultAddr),
		AllowedOrigins:    parseList(os.Getenv("CHAT_ALLOWED_ORIGINS")),
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		PingInterval:      DefaultPingInterval,
		MaxClients:        DefaultMaxClients,
		TLSCertPath:       strings.TrimSpace(os.Getenv("CHAT_TLS_CERT")),
		TLSKeyPath:        strings.TrimSpace(os.Getenv("CHAT_TLS_KEY")),
		AuthSecret:        strings.TrimSpace(os.Getenv("CHAT_AUTH_SECRET")),
		StorePath:         getString("CHAT_STORE_PATH", DefaultStorePath),
		HistoryPageSize:   DefaultHistoryPageSize,
		RateWindow:        DefaultRateWindow,
		RateSweepInterval: DefaultRateSweepInterval,
		EventLimits:       cloneLimits(DefaultEventLimits),
		HTTPRate:          DefaultHTTPRate,
		HTTPBurst:         DefaultHTTPBurst,
		LogLevel:          getString("CHAT_LOG_LEVEL", DefaultLogLevel),
		LogPath:           strings.TrimSpace(os.Getenv("CHAT_LOG_PATH")),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("CHAT_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CHAT_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CHAT_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CHAT_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CHAT_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("CHAT_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CHAT_HISTORY_PAGE_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CHAT_HISTORY_PAGE_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.HistoryPageSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CHAT_RATE_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CHAT_RATE_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.RateWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CHAT_RATE_SWEEP_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CHAT_RATE_SWEEP_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.RateSweepInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CHAT_HTTP_RPS")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CHAT_HTTP_RPS must be a positive number, got %q", raw))
		} else {
			cfg.HTTPRate = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CHAT_HTTP_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CHAT_HTTP_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.HTTPBurst = value
		}
	}

	// Per-event overrides use CHAT_RATE_LIMIT_<EVENT>=n, e.g. CHAT_RATE_LIMIT_MESSAGE=5.
	for event := range cfg.EventLimits {
		key := "CHAT_RATE_LIMIT_" + strings.ToUpper(event)
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || value <= 0 {
				problems = append(problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
			} else {
				cfg.EventLimits[event] = value
			}
		}
	}

	if cfg.AuthSecret == "" {
		problems = append(problems, "CHAT_AUTH_SECRET must be provided")
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "CHAT_TLS_CERT and CHAT_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

func cloneLimits(limits map[string]int) map[string]int {
	clone := make(map[string]int, len(limits))
	for event, limit := range limits {
		clone[event] = limit
	}
	return clone
}
