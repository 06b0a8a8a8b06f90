package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string

	// TokenCipherKey seals OAuth tokens at rest (32 bytes).
	TokenCipherKey []byte

	// FromNumbers is the outbound sender pool. One entry means the shared
	// single-number deployment; more entries spread users across senders.
	FromNumbers []string

	TwilioAccountSID string
	TwilioAuthToken  string

	SessionLeaseTTL     time.Duration
	AgentTurnTimeout    time.Duration
	SessionQueueDepth   int
	EventRetention      time.Duration
	SessionArchiveAfter time.Duration

	DevMode bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:                "8080",
		SessionLeaseTTL:     120 * time.Second,
		AgentTurnTimeout:    30 * time.Second,
		SessionQueueDepth:   8,
		EventRetention:      48 * time.Hour,
		SessionArchiveAfter: 720 * time.Hour,
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	keyHex := os.Getenv("TOKEN_CIPHER_KEY")
	if keyHex == "" {
		return nil, fmt.Errorf("TOKEN_CIPHER_KEY environment variable is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_CIPHER_KEY must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TOKEN_CIPHER_KEY must decode to 32 bytes, got %d", len(key))
	}
	cfg.TokenCipherKey = key

	fromNumbers := os.Getenv("SMS_FROM_NUMBERS")
	if fromNumbers == "" {
		return nil, fmt.Errorf("SMS_FROM_NUMBERS environment variable is required")
	}
	for _, n := range strings.Split(fromNumbers, ",") {
		n = strings.TrimSpace(n)
		if n != "" {
			cfg.FromNumbers = append(cfg.FromNumbers, n)
		}
	}
	if len(cfg.FromNumbers) == 0 {
		return nil, fmt.Errorf("SMS_FROM_NUMBERS must contain at least one number")
	}

	cfg.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")

	if d, err := loadDuration("SESSION_LEASE_TTL"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.SessionLeaseTTL = d
	}
	if d, err := loadDuration("AGENT_TURN_TIMEOUT"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.AgentTurnTimeout = d
	}
	if d, err := loadDuration("EVENT_RETENTION"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.EventRetention = d
	}
	if d, err := loadDuration("SESSION_ARCHIVE_AFTER"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.SessionArchiveAfter = d
	}

	if raw := os.Getenv("SESSION_QUEUE_DEPTH"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("SESSION_QUEUE_DEPTH must be a positive integer, got %q", raw)
		}
		cfg.SessionQueueDepth = n
	}

	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	if cfg.SessionLeaseTTL < cfg.AgentTurnTimeout {
		return nil, fmt.Errorf("SESSION_LEASE_TTL (%v) must not be shorter than AGENT_TURN_TIMEOUT (%v)", cfg.SessionLeaseTTL, cfg.AgentTurnTimeout)
	}

	return cfg, nil
}

func loadDuration(name string) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s or 2h, got %q", name, raw)
	}
	return d, nil
}
