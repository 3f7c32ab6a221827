package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// IssuanceMode selects how badges are requested from the badge service.
type IssuanceMode string

const (
	IssuanceModeSharedKey IssuanceMode = "shared_key"
	IssuanceModeOAuth     IssuanceMode = "oauth"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Vault        VaultConfig
	Issuance     IssuanceConfig
	Retry        RetryConfig
	Batch        BatchConfig
	Notification NotificationConfig
	Identity     IdentityConfig
	Schedule     ScheduleConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	AllowedOrigins        string
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines session token parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// VaultConfig holds the passphrase protecting provider tokens at rest.
type VaultConfig struct {
	EncryptionKey string
}

// IssuanceConfig describes the external badge service.
type IssuanceConfig struct {
	Mode           IssuanceMode
	BaseURL        string
	APIKey         string
	StickerID      string
	BadgeClassID   string
	ClientID       string
	ClientSecret   string
	RedirectURI    string
	RatePerSecond  float64
	TimeoutSeconds int
}

// RetryConfig is the exponential backoff schedule shared by outbound calls.
type RetryConfig struct {
	Attempts   int
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

// BatchConfig controls the batch orchestrator.
type BatchConfig struct {
	ChunkSize int
}

// NotificationConfig holds the operator webhook.
type NotificationConfig struct {
	SlackWebhookURL string
}

// OAuthClient is one identity provider's client registration.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

// Enabled reports whether the client is configured.
func (c OAuthClient) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// IdentityConfig holds the login providers.
type IdentityConfig struct {
	CallbackBaseURL string
	Google          OAuthClient
	GitHub          OAuthClient
	Microsoft       OAuthClient
	MicrosoftTenant string
	StateTTLMinutes int
}

// ScheduleConfig controls the in-process issuance trigger.
type ScheduleConfig struct {
	Interval   time.Duration
	LockTTL    time.Duration
	RunOnStart bool
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	rate, err := strconv.ParseFloat(getEnv("ISSUANCE_RATE_PER_SECOND", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ISSUANCE_RATE_PER_SECOND: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "badge-issuer"),
			Env:                   getEnv("ENVIRONMENT", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			AllowedOrigins:        os.Getenv("ALLOWED_ORIGINS"),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 7*24*60),
		},
		Vault: VaultConfig{
			EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		},
		Issuance: IssuanceConfig{
			Mode:           IssuanceMode(strings.ToLower(getEnv("ISSUANCE_MODE", string(IssuanceModeOAuth)))),
			BaseURL:        strings.TrimRight(os.Getenv("BADGE_API_BASE_URL"), "/"),
			APIKey:         os.Getenv("BADGE_API_KEY"),
			StickerID:      os.Getenv("BADGE_STICKER_ID"),
			BadgeClassID:   os.Getenv("BADGE_CLASS_ID"),
			ClientID:       os.Getenv("BADGR_CLIENT_ID"),
			ClientSecret:   os.Getenv("BADGR_CLIENT_SECRET"),
			RedirectURI:    os.Getenv("BADGR_REDIRECT_URI"),
			RatePerSecond:  rate,
			TimeoutSeconds: getEnvAsInt("ISSUANCE_TIMEOUT_SECONDS", 15),
		},
		Retry: RetryConfig{
			Attempts:   getEnvAsInt("RETRY_ATTEMPTS", 3),
			MinTimeout: time.Duration(getEnvAsInt("RETRY_MIN_TIMEOUT_MS", 1000)) * time.Millisecond,
			MaxTimeout: time.Duration(getEnvAsInt("RETRY_MAX_TIMEOUT_MS", 8000)) * time.Millisecond,
		},
		Batch: BatchConfig{
			ChunkSize: getEnvAsInt("BATCH_CHUNK_SIZE", 10),
		},
		Notification: NotificationConfig{
			SlackWebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),
		},
		Identity: IdentityConfig{
			CallbackBaseURL: strings.TrimRight(os.Getenv("OAUTH_CALLBACK_BASE_URL"), "/"),
			Google:          OAuthClient{ClientID: os.Getenv("GOOGLE_CLIENT_ID"), ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET")},
			GitHub:          OAuthClient{ClientID: os.Getenv("GITHUB_CLIENT_ID"), ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET")},
			Microsoft:       OAuthClient{ClientID: os.Getenv("MICROSOFT_CLIENT_ID"), ClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET")},
			MicrosoftTenant: getEnv("MICROSOFT_TENANT", "common"),
			StateTTLMinutes: getEnvAsInt("OAUTH_STATE_TTL_MINUTES", 10),
		},
		Schedule: ScheduleConfig{
			Interval:   getEnvAsDuration("SCHEDULE_INTERVAL", time.Hour),
			LockTTL:    getEnvAsDuration("RUN_LOCK_TTL", 30*time.Minute),
			RunOnStart: getEnvAsBool("SCHEDULE_RUN_ON_START", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the issuance pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Issuance.Mode {
	case IssuanceModeSharedKey:
		if c.Issuance.APIKey == "" || c.Issuance.StickerID == "" {
			return errors.New("shared_key mode requires BADGE_API_KEY and BADGE_STICKER_ID")
		}
	case IssuanceModeOAuth:
		if c.Vault.EncryptionKey == "" {
			return errors.New("oauth mode requires ENCRYPTION_KEY")
		}
	default:
		return fmt.Errorf("unknown ISSUANCE_MODE %q", c.Issuance.Mode)
	}
	if c.Batch.ChunkSize <= 0 {
		return fmt.Errorf("BATCH_CHUNK_SIZE must be positive, got %d", c.Batch.ChunkSize)
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be positive, got %d", c.Retry.Attempts)
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Timeout returns the per-request timeout for the badge service.
func (i IssuanceConfig) Timeout() time.Duration {
	if i.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(i.TimeoutSeconds) * time.Second
}

// TokenURL is the badge provider's OAuth token endpoint.
func (i IssuanceConfig) TokenURL() string {
	return i.BaseURL + "/o/token"
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
