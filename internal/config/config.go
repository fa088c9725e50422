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

const defaultJwtSecret = "change-me"

type Config struct {
	Port       string
	Env        string
	LogLevel   string
	DBAdapter  string
	SQLiteFile string
	JwtSecret  string
	JwtTTL     time.Duration
	// front end that renders call and developer pages
	AppURL string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	// ephemeral store
	RedisMode     string
	RedisURL      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StateTTL      time.Duration
	// developer login
	GithubClientID     string
	GithubClientSecret string
	GithubOAuthURL     string
	GithubAPIURL       string
	// room provider
	RoomProvider     string
	TwilioAccountSID string
	TwilioAPIKeySID  string
	TwilioAPISecret  string
	TwilioVideoURL   string
	TwilioRoomType   string
	RoomTimeout      time.Duration
	GrantTTL         time.Duration
	DefaultAvatarURL string
	// requests per minute per integration
	RateLimitPerMinute int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return d, nil
}

// IsProduction reports whether ENV names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

func New() (*Config, error) {
	env := getenv("ENV", getenv("NODE_ENV", "development"))
	if l := strings.ToLower(env); l != "production" && l != "prod" {
		// a missing .env is fine outside production
		_ = godotenv.Load()
	}

	c := &Config{
		Port:       getenv("PORT", "5000"),
		Env:        env,
		LogLevel:   getenv("LOG_LEVEL", "info"),
		DBAdapter:  getenv("DB_ADAPTER", "postgres"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/telescope.db"),
		JwtSecret:  getenv("JWT_SECRET", getenv("SECRET", defaultJwtSecret)),
		AppURL:     strings.TrimRight(getenv("APP_URL", "http://localhost:3000"), "/"),

		PostgresDSN:      getenv("POSTGRES_DSN", getenv("DATABASE_URL", "")),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "telescope")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "telescope")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "telescope")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),

		RedisMode:     getenv("REDIS_MODE", "remote"),
		RedisURL:      getenv("REDIS_URL", ""),
		RedisAddr:     getenv("REDIS_HOST", "localhost") + ":" + getenv("REDIS_PORT", "6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		GithubClientID:     getenv("GITHUB_CLIENT_ID", ""),
		GithubClientSecret: getenv("GITHUB_CLIENT_SECRET", ""),
		GithubOAuthURL:     strings.TrimRight(getenv("GITHUB_OAUTH_URL", "https://github.com"), "/"),
		GithubAPIURL:       strings.TrimRight(getenv("GITHUB_API_URL", "https://api.github.com"), "/"),

		RoomProvider:     getenv("ROOM_PROVIDER", "twilio"),
		TwilioAccountSID: getenv("TWILIO_ACCOUNT_SID", ""),
		TwilioAPIKeySID:  getenv("TWILIO_API_KEY_SID", getenv("TWILIO_API_SID", "")),
		TwilioAPISecret:  getenv("TWILIO_API_SECRET", ""),
		TwilioVideoURL:   strings.TrimRight(getenv("TWILIO_VIDEO_URL", "https://video.twilio.com"), "/"),
		TwilioRoomType:   getenv("TWILIO_ROOM_TYPE", "go"),
		DefaultAvatarURL: getenv("DEFAULT_AVATAR_URL", "https://gravatar.com/avatar/?d=mp&s=64"),
	}

	var err error
	jwtTTL, err := getenvInt("JWT_TTL", 60*60*24*7)
	if err != nil {
		return nil, err
	}
	c.JwtTTL = time.Duration(jwtTTL) * time.Second
	if c.RedisDB, err = getenvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if c.RateLimitPerMinute, err = getenvInt("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return nil, err
	}
	if c.StateTTL, err = getenvDuration("OAUTH_STATE_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if c.RoomTimeout, err = getenvDuration("ROOM_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.GrantTTL, err = getenvDuration("GRANT_TTL", time.Hour); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks cross-field requirements. New calls it; tests that build a
// Config by hand may call it directly.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	switch c.RedisMode {
	case "remote", "embedded":
	default:
		return fmt.Errorf("unsupported REDIS_MODE: %s (supported: remote, embedded)", c.RedisMode)
	}

	switch c.RoomProvider {
	case "twilio":
		if c.TwilioAccountSID == "" || c.TwilioAPIKeySID == "" || c.TwilioAPISecret == "" {
			return errors.New("TWILIO_ACCOUNT_SID, TWILIO_API_KEY_SID and TWILIO_API_SECRET must be set when ROOM_PROVIDER=twilio")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported ROOM_PROVIDER: %s (supported: twilio, memory)", c.RoomProvider)
	}

	if c.JwtTTL <= 0 {
		return errors.New("JWT_TTL must be positive")
	}
	if c.StateTTL <= 0 || c.RoomTimeout <= 0 || c.GrantTTL <= 0 {
		return errors.New("OAUTH_STATE_TTL, ROOM_TIMEOUT and GRANT_TTL must be positive")
	}

	if c.IsProduction() {
		if c.JwtSecret == "" || c.JwtSecret == defaultJwtSecret {
			return errors.New("JWT_SECRET must be set in production")
		}
		if c.GithubClientID == "" || c.GithubClientSecret == "" {
			return errors.New("GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET must be set in production")
		}
	}
	return nil
}
