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

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	API       APIConfig
	CORS      CORSConfig
	Logging   LoggingConfig
	Broadcast BroadcastConfig
	YouTube   OAuthProviderConfig
	Twitch    TwitchConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

type APIConfig struct {
	RateLimitRequestsPerSec int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level string
}

// BroadcastConfig tunes the egress orchestrator and the comment poller.
type BroadcastConfig struct {
	PollInterval      time.Duration
	CommentPageSize   int
	FanoutConcurrency int
	AdapterMaxRetries int
	AdapterTimeout    time.Duration
	// CredentialKey is the hex encoded 32 byte key sealing provider secrets.
	CredentialKey string
}

type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type TwitchConfig struct {
	OAuthProviderConfig
	IngestURL string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		redisDB = 0
	}

	jwtExpiry, err := strconv.Atoi(getEnv("JWT_EXPIRY_HOURS", "168"))
	if err != nil {
		jwtExpiry = 168
	}

	rateLimit, err := strconv.Atoi(getEnv("RATE_LIMIT_REQUESTS_PER_SECOND", "10"))
	if err != nil {
		rateLimit = 10
	}

	origins := strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"), ",")

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "simulcast"),
			Password: getEnv("DB_PASSWORD", "simulcast_password"),
			DBName:   getEnv("DB_NAME", "simulcast_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
			Enabled:  getEnv("REDIS_ENABLED", "true") != "false",
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-this-secret-key"),
			ExpiryHours: jwtExpiry,
		},
		API: APIConfig{
			RateLimitRequestsPerSec: rateLimit,
		},
		CORS: CORSConfig{
			AllowedOrigins: origins,
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Broadcast: BroadcastConfig{
			PollInterval:      getDuration("POLL_INTERVAL", 10*time.Second),
			CommentPageSize:   getInt("COMMENT_PAGE_SIZE", 20),
			FanoutConcurrency: getInt("FANOUT_CONCURRENCY", 8),
			AdapterMaxRetries: getInt("ADAPTER_MAX_RETRIES", 2),
			AdapterTimeout:    getDuration("ADAPTER_TIMEOUT", 20*time.Second),
			CredentialKey:     getEnv("CREDENTIAL_KEY", ""),
		},
		YouTube: OAuthProviderConfig{
			ClientID:     getEnv("YOUTUBE_CLIENT_ID", ""),
			ClientSecret: getEnv("YOUTUBE_CLIENT_SECRET", ""),
			RedirectURL:  getEnv("YOUTUBE_REDIRECT_URL", ""),
		},
		Twitch: TwitchConfig{
			OAuthProviderConfig: OAuthProviderConfig{
				ClientID:     getEnv("TWITCH_CLIENT_ID", ""),
				ClientSecret: getEnv("TWITCH_CLIENT_SECRET", ""),
				RedirectURL:  getEnv("TWITCH_REDIRECT_URL", ""),
			},
			IngestURL: getEnv("TWITCH_INGEST_URL", "rtmp://live.twitch.tv/app"),
		},
	}

	// Validate required fields
	if cfg.JWT.Secret == "change-this-secret-key" && cfg.Server.Env == "production" {
		return nil, fmt.Errorf("JWT_SECRET must be set in production")
	}
	if cfg.Broadcast.CredentialKey == "" && cfg.Server.Env == "production" {
		return nil, fmt.Errorf("CREDENTIAL_KEY must be set in production")
	}
	if cfg.Broadcast.CredentialKey != "" {
		key, err := hex.DecodeString(cfg.Broadcast.CredentialKey)
		if err != nil {
			return nil, fmt.Errorf("CREDENTIAL_KEY must be valid hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("CREDENTIAL_KEY must be 64 hex characters, got %d bytes", len(key))
		}
	}
	if cfg.Broadcast.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if cfg.Broadcast.CommentPageSize <= 0 {
		cfg.Broadcast.CommentPageSize = 20
	}

	return cfg, nil
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return d
}
