package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"os"
)

type Config struct {
	Port        string
	TLSCertFile string
	TLSKeyFile  string

	DBAdapter  string
	SQLiteFile string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Shared counter store for the request-admission gate
	RateLimitStore string // "redis" or "memory"
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	RateLimitCapacity int
	RateLimitLeakRate float64
	RateLimitFailOpen bool

	JwtSecret       string
	AdminAPIKey     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	MaxSessions     int

	AllowedOrigins []string
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
		sslMode = "disable" // Default to disable for local development
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

func New() (*Config, error) {
	c := &Config{
		Port:        getenv("PORT", "8080"),
		TLSCertFile: getenv("TLS_CERT_FILE", ""),
		TLSKeyFile:  getenv("TLS_KEY_FILE", ""),
		DBAdapter:   getenv("DB_ADAPTER", "postgres"),
		SQLiteFile:  getenv("SQLITE_FILE", "./data/stockroom.db"),
		// PostgreSQL settings
		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "stockroom")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "stockroom")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),

		RateLimitStore: getenv("RATE_LIMIT_STORE", "redis"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),

		JwtSecret:   getenv("JWT_SECRET", "change-me"),
		AdminAPIKey: getenv("ADMIN_API_KEY", ""),
	}

	var err error
	if c.RedisDB, err = getenvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if c.RateLimitCapacity, err = getenvInt("RATE_LIMIT_CAPACITY", 10); err != nil {
		return nil, err
	}
	if c.RateLimitCapacity <= 0 {
		return nil, errors.New("RATE_LIMIT_CAPACITY must be positive")
	}
	leak := getenv("RATE_LIMIT_LEAK_RATE", "1")
	if c.RateLimitLeakRate, err = strconv.ParseFloat(leak, 64); err != nil || c.RateLimitLeakRate <= 0 {
		return nil, fmt.Errorf("invalid RATE_LIMIT_LEAK_RATE: %s", leak)
	}
	c.RateLimitFailOpen = strings.EqualFold(getenv("RATE_LIMIT_FAIL_OPEN", "false"), "true")

	if c.AccessTokenTTL, err = getenvDuration("ACCESS_TOKEN_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.RefreshTokenTTL, err = getenvDuration("REFRESH_TOKEN_TTL", 15*24*time.Hour); err != nil {
		return nil, err
	}
	if c.MaxSessions, err = getenvInt("MAX_SESSIONS", 5); err != nil {
		return nil, err
	}
	if c.MaxSessions <= 0 {
		return nil, errors.New("MAX_SESSIONS must be positive")
	}

	origins := getenv("CORS_ALLOWED_ORIGINS",
		"http://localhost,http://localhost:8080,http://localhost.tiangolo.com,https://localhost.tiangolo.com")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.AllowedOrigins = append(c.AllowedOrigins, o)
		}
	}

	switch c.RateLimitStore {
	case "redis", "memory":
	default:
		return nil, fmt.Errorf("unsupported RATE_LIMIT_STORE: %s (supported: redis, memory)", c.RateLimitStore)
	}

	// Validate PostgreSQL configuration if using postgres
	if c.DBAdapter == "postgres" {
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	}

	if c.DBAdapter == "sqlite" && c.SQLiteFile == "" {
		return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
	}

	// Either both TLS files or neither.
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return nil, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	// Validate secrets in production
	env := strings.ToLower(getenv("ENV", ""))
	if env == "production" || env == "prod" {
		if c.JwtSecret == "" || c.JwtSecret == "change-me" {
			return nil, errors.New("JWT_SECRET must be set in production")
		}
		if c.AdminAPIKey == "" {
			return nil, errors.New("ADMIN_API_KEY must be set in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
