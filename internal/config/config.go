package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the broker listens on.
	DefaultAddr = ":8642"
	// DefaultHeartbeatInterval controls how often liveness probes are sent.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatTimeout bounds how long a probe may go unanswered.
	DefaultHeartbeatTimeout = 10 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 512

	// DefaultSignatureWindow bounds acceptable clock skew on signed messages.
	DefaultSignatureWindow = 5 * time.Minute

	// DefaultRetryAttempts caps how often a transient store failure is retried.
	DefaultRetryAttempts = 5
	// DefaultRetryMinBackoff is the initial retry delay for store operations.
	DefaultRetryMinBackoff = 50 * time.Millisecond
	// DefaultRetryMaxBackoff caps the retry delay for store operations.
	DefaultRetryMaxBackoff = 2 * time.Second

	// DefaultRelayTimeout bounds outbound HTTP deliveries to agent endpoints.
	DefaultRelayTimeout = 10 * time.Second

	// DefaultSweepInterval controls how often stale membership state is reconciled.
	DefaultSweepInterval = time.Minute

	// DefaultLogLevel controls verbosity for broker logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "arena-broker.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the arena broker service.
type Config struct {
	Address           string
	AllowedOrigins    []string
	MaxPayloadBytes   int64
	MaxClients        int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	DatabaseURL       string
	SigningKeyHex     string
	GameMasterAddress string
	SignatureWindow   time.Duration

	RetryAttempts   int
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration

	RelayTimeout  time.Duration
	SweepInterval time.Duration
	TranscriptDir string

	AdminToken string
	WSSecret   string

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the broker configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:           getString("ARENA_ADDR", DefaultAddr),
		AllowedOrigins:    parseList(os.Getenv("ARENA_ALLOWED_ORIGINS")),
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		MaxClients:        DefaultMaxClients,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		DatabaseURL:       strings.TrimSpace(os.Getenv("ARENA_DATABASE_URL")),
		SigningKeyHex:     strings.TrimSpace(os.Getenv("ARENA_SIGNING_KEY")),
		GameMasterAddress: strings.TrimSpace(os.Getenv("ARENA_GM_ADDRESS")),
		SignatureWindow:   DefaultSignatureWindow,
		RetryAttempts:     DefaultRetryAttempts,
		RetryMinBackoff:   DefaultRetryMinBackoff,
		RetryMaxBackoff:   DefaultRetryMaxBackoff,
		RelayTimeout:      DefaultRelayTimeout,
		SweepInterval:     DefaultSweepInterval,
		TranscriptDir:     strings.TrimSpace(os.Getenv("ARENA_TRANSCRIPT_DIR")),
		AdminToken:        strings.TrimSpace(os.Getenv("ARENA_ADMIN_TOKEN")),
		WSSecret:          strings.TrimSpace(os.Getenv("ARENA_WS_SECRET")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("ARENA_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("ARENA_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if cfg.SigningKeyHex == "" {
		problems = append(problems, "ARENA_SIGNING_KEY must be provided")
	}
	if cfg.DatabaseURL == "" {
		problems = append(problems, "ARENA_DATABASE_URL must be provided")
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ARENA_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ARENA_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_HEARTBEAT_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ARENA_HEARTBEAT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.HeartbeatInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_HEARTBEAT_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ARENA_HEARTBEAT_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.HeartbeatTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_SIGNATURE_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("ARENA_SIGNATURE_WINDOW must be a non-negative duration, got %q", raw))
		} else {
			cfg.SignatureWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_RETRY_ATTEMPTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ARENA_RETRY_ATTEMPTS must be a positive integer, got %q", raw))
		} else {
			cfg.RetryAttempts = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_RETRY_MIN_BACKOFF")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ARENA_RETRY_MIN_BACKOFF must be a positive duration, got %q", raw))
		} else {
			cfg.RetryMinBackoff = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_RETRY_MAX_BACKOFF")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ARENA_RETRY_MAX_BACKOFF must be a positive duration, got %q", raw))
		} else {
			cfg.RetryMaxBackoff = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_RELAY_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ARENA_RELAY_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.RelayTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_SWEEP_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ARENA_SWEEP_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.SweepInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ARENA_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ARENA_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ARENA_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ARENA_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ARENA_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.HeartbeatTimeout >= cfg.HeartbeatInterval {
		problems = append(problems, "ARENA_HEARTBEAT_TIMEOUT must be shorter than ARENA_HEARTBEAT_INTERVAL")
	}
	if cfg.RetryMaxBackoff < cfg.RetryMinBackoff {
		problems = append(problems, "ARENA_RETRY_MAX_BACKOFF must not be shorter than ARENA_RETRY_MIN_BACKOFF")
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
