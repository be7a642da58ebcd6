package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"call-billing/internal/pricing"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// Values come from the environment, optionally seeded from a .env file.
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Provider  ProviderConfig
	Ingestion IngestionConfig
	Pricing   pricing.Policy
}

type AppConfig struct {
	Env             string
	Port            int
	LogLevel        string
	ShutdownTimeout time.Duration
}

type DBConfig struct {
	// URL, when set, takes precedence over the discrete fields.
	URL string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// AutoMigrate applies the embedded schema at startup.
	AutoMigrate bool
}

// RedisConfig is optional. With no host the process keeps the ingestion
// cursor in memory and runs without a fleet lease.
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	CursorKey string
	LeaseKey  string
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type ProviderConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	PageSize       int
	RetryCount     int
}

type IngestionConfig struct {
	Interval       time.Duration
	FetchTimeout   time.Duration
	StorageTimeout time.Duration
	SettleDelay    time.Duration
	LeaseTTL       time.Duration
	AutoStart      bool
}

// Load reads .env (if present) and the environment, then validates.
func Load() (Config, error) {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv parses the current environment without touching .env files.
func FromEnv() (Config, error) {
	c := Config{}
	p := &parser{}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = p.intRequired("APP_PORT")
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	c.App.ShutdownTimeout = p.durationVal("SHUTDOWN_TIMEOUT")

	c.DB.URL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = p.intVal("DB_PORT", 5432)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.MaxOpenConns = p.intVal("DB_MAX_OPEN_CONNS", 0)
	c.DB.MaxIdleConns = p.intVal("DB_MAX_IDLE_CONNS", 0)
	c.DB.ConnMaxLifetime = p.durationVal("DB_CONN_MAX_LIFETIME")
	c.DB.AutoMigrate = p.boolVal("DB_AUTO_MIGRATE", false)

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = p.intVal("REDIS_PORT", 6379)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB = p.intVal("REDIS_DB", 0)
	c.Redis.CursorKey = strings.TrimSpace(os.Getenv("REDIS_CURSOR_KEY"))
	c.Redis.LeaseKey = strings.TrimSpace(os.Getenv("REDIS_LEASE_KEY"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = p.durationVal("JWT_ACCESS_TTL")

	c.Provider.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL")), "/")
	c.Provider.APIKey = os.Getenv("PROVIDER_API_KEY")
	c.Provider.RequestTimeout = p.durationVal("PROVIDER_REQUEST_TIMEOUT")
	c.Provider.PageSize = p.intVal("PROVIDER_PAGE_SIZE", 0)
	c.Provider.RetryCount = p.intVal("PROVIDER_RETRY_COUNT", 2)

	c.Ingestion.Interval = p.durationVal("INGEST_INTERVAL")
	c.Ingestion.FetchTimeout = p.durationVal("INGEST_FETCH_TIMEOUT")
	c.Ingestion.StorageTimeout = p.durationVal("INGEST_STORAGE_TIMEOUT")
	c.Ingestion.SettleDelay = p.durationVal("INGEST_SETTLE_DELAY")
	c.Ingestion.LeaseTTL = p.durationVal("INGEST_LEASE_TTL")
	c.Ingestion.AutoStart = p.boolVal("INGEST_AUTO_START", true)

	c.Pricing.RatePerMinuteCents = int64(p.intVal("PRICING_RATE_PER_MINUTE_CENTS", 11))
	c.Pricing.MinimumBillableSeconds = int64(p.intVal("PRICING_MINIMUM_BILLABLE_SECONDS", 30))
	c.Pricing.RoundUpPartialMinutes = p.boolVal("PRICING_ROUND_UP", true)

	if err := joinErrors(p.errs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate fills defaults in place and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.ShutdownTimeout <= 0 {
		c.App.ShutdownTimeout = 20 * time.Second
	}

	if c.DB.URL == "" {
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DATABASE_URL or DB_HOST is required"))
		}
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.CursorKey == "" {
		c.Redis.CursorKey = "call-billing:ingest:cursor"
	}
	if c.Redis.LeaseKey == "" {
		c.Redis.LeaseKey = "call-billing:ingest:lease"
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("PROVIDER_BASE_URL is required"))
	}
	if c.Provider.APIKey == "" {
		errs = append(errs, errors.New("PROVIDER_API_KEY is required"))
	}
	if c.Provider.PageSize < 0 || c.Provider.PageSize > 1000 {
		errs = append(errs, fmt.Errorf("PROVIDER_PAGE_SIZE must be between 0 and 1000, got %d", c.Provider.PageSize))
	}
	if c.Provider.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("PROVIDER_RETRY_COUNT must be >= 0, got %d", c.Provider.RetryCount))
	}

	if c.Ingestion.Interval <= 0 {
		c.Ingestion.Interval = time.Minute
	} else if c.Ingestion.Interval < time.Second {
		errs = append(errs, fmt.Errorf("INGEST_INTERVAL must be at least 1s, got %s", c.Ingestion.Interval))
	}
	if c.Ingestion.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("INGEST_SETTLE_DELAY must be >= 0, got %s", c.Ingestion.SettleDelay))
	}
	if c.Ingestion.LeaseTTL <= 0 {
		// Long enough to cover a slow cycle; released early on completion.
		c.Ingestion.LeaseTTL = 5 * time.Minute
	}

	if err := c.Pricing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pricing: %w", err))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	if c.DB.URL != "" {
		return c.DB.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// parser collects every malformed value instead of stopping at the first.
type parser struct {
	errs []error
}

func (p *parser) intRequired(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		p.errs = append(p.errs, fmt.Errorf("%s is required", key))
		return 0
	}
	return p.intVal(key, 0)
}

func (p *parser) intVal(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return def
	}
	return n
}

// durationVal returns 0 when unset; Validate applies defaults.
func (p *parser) durationVal(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a duration like 30s, got %q", key, v))
		return 0
	}
	return d
}

func (p *parser) boolVal(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
		return def
	}
	return b
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
