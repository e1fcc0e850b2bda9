package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	BaseURL     string
	DatabaseURL string
	ServiceName string

	// Fathom OAuth application credentials.
	FathomClientID     string
	FathomClientSecret string
	FathomOAuthBaseURL string
	FathomAPIBaseURL   string

	// EncryptionKey protects Fathom tokens at rest. Always 32 bytes.
	EncryptionKey []byte

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StateTTL         time.Duration
	CodeTTL          time.Duration
	AccessTokenTTL   time.Duration
	SessionTTL       time.Duration
	IdleTransportTTL time.Duration
	ReapInterval     time.Duration
	CleanupInterval  time.Duration
	StaleCutoff      time.Duration
	ShutdownTimeout  time.Duration
	UpstreamTimeout  time.Duration
	APITimeout       time.Duration

	OAuthRateLimitRPM int
	MCPRateLimitRPM   int

	TelemetryEndpoint string
	TelemetryInsecure bool
}

// CallbackURL is the redirect_uri the bridge registers with Fathom.
func (c Config) CallbackURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/oauth/fathom/callback"
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	baseURL := strings.TrimSpace(os.Getenv("BASE_URL"))
	if baseURL == "" {
		return Config{}, fmt.Errorf("BASE_URL is required")
	}
	clientID := strings.TrimSpace(os.Getenv("FATHOM_CLIENT_ID"))
	if clientID == "" {
		return Config{}, fmt.Errorf("FATHOM_CLIENT_ID is required")
	}
	clientSecret := strings.TrimSpace(os.Getenv("FATHOM_CLIENT_SECRET"))
	if clientSecret == "" {
		return Config{}, fmt.Errorf("FATHOM_CLIENT_SECRET is required")
	}

	key, err := decodeEncryptionKey(os.Getenv("TOKEN_ENCRYPTION_KEY"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment:        getEnv("APP_ENV", "development"),
		HTTPPort:           getEnv("HTTP_PORT", "3000"),
		BaseURL:            baseURL,
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ServiceName:        getEnv("SERVICE_NAME", "fathom-mcp"),
		FathomClientID:     clientID,
		FathomClientSecret: clientSecret,
		FathomOAuthBaseURL: getEnv("FATHOM_OAUTH_BASE_URL", "https://fathom.video"),
		FathomAPIBaseURL:   getEnv("FATHOM_API_BASE_URL", "https://api.fathom.ai/external/v1"),
		EncryptionKey:      key,
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getInt("REDIS_DB", 0),
		StateTTL:           getDuration("OAUTH_STATE_TTL", 10*time.Minute),
		CodeTTL:            getDuration("AUTH_CODE_TTL", 5*time.Minute),
		AccessTokenTTL:     getDuration("ACCESS_TOKEN_TTL", 30*24*time.Hour),
		SessionTTL:         getDuration("SESSION_TTL", 24*time.Hour),
		IdleTransportTTL:   getDuration("IDLE_TRANSPORT_TTL", 5*time.Minute),
		ReapInterval:       getDuration("IDLE_REAP_INTERVAL", time.Minute),
		CleanupInterval:    getDuration("CLEANUP_INTERVAL", time.Hour),
		StaleCutoff:        getDuration("STALE_TERMINATION_CUTOFF", 24*time.Hour),
		ShutdownTimeout:    getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		UpstreamTimeout:    getDuration("UPSTREAM_HTTP_TIMEOUT", 10*time.Second),
		APITimeout:         getDuration("FATHOM_API_TIMEOUT", 30*time.Second),
		OAuthRateLimitRPM:  getInt("OAUTH_RATE_LIMIT_RPM", 10),
		MCPRateLimitRPM:    getInt("MCP_RATE_LIMIT_RPM", 200),
		TelemetryEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:  getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func decodeEncryptionKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}
	key, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be a hex string")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes)")
	}
	return key, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
