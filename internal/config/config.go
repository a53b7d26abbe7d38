// Package config loads the library service configuration from defaults, an
// optional YAML file, .env files and LIBRARY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Verification code stores.
const (
	CodeStoreColumn = "column"
	CodeStoreRedis  = "redis"
)

// Config is the root configuration.
type Config struct {
	Mode      string          `yaml:"mode" env:"LIBRARY_MODE"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Mail      MailConfig      `yaml:"mail"`
	Library   LibraryConfig   `yaml:"library"`
	Sweeps    SweepsConfig    `yaml:"sweeps"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	CORS      CORSConfig      `yaml:"cors"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"LIBRARY_HTTP_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"LIBRARY_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"LIBRARY_HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"LIBRARY_HTTP_SHUTDOWN_TIMEOUT"`
	// AuditLog is an optional JSONL file receiving administrative actions.
	AuditLog string `yaml:"audit_log" env:"LIBRARY_AUDIT_LOG"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver" env:"LIBRARY_DB_DRIVER"`
	DSN          string `yaml:"dsn" env:"LIBRARY_DB_DSN"`
	AutoMigrate  bool   `yaml:"auto_migrate" env:"LIBRARY_DB_AUTO_MIGRATE"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"LIBRARY_DB_MAX_OPEN_CONNS"`
}

type RedisConfig struct {
	URL       string `yaml:"url" env:"LIBRARY_REDIS_URL"`
	CodeStore string `yaml:"code_store" env:"LIBRARY_CODE_STORE"`
}

type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret" env:"LIBRARY_JWT_SECRET"`
	SessionTTL   time.Duration `yaml:"session_ttl" env:"LIBRARY_SESSION_TTL"`
	CookieSecure bool          `yaml:"cookie_secure" env:"LIBRARY_COOKIE_SECURE"`
	CodeTTL      time.Duration `yaml:"code_ttl" env:"LIBRARY_CODE_TTL"`
	ResetTTL     time.Duration `yaml:"reset_ttl" env:"LIBRARY_RESET_TTL"`
}

type MailConfig struct {
	Transport   string `yaml:"transport" env:"LIBRARY_MAIL_TRANSPORT"`
	SMTPHost    string `yaml:"smtp_host" env:"LIBRARY_SMTP_HOST"`
	SMTPPort    int    `yaml:"smtp_port" env:"LIBRARY_SMTP_PORT"`
	SMTPUser    string `yaml:"smtp_user" env:"LIBRARY_SMTP_USER"`
	SMTPPass    string `yaml:"smtp_pass" env:"LIBRARY_SMTP_PASS"`
	From        string `yaml:"from" env:"LIBRARY_SMTP_FROM"`
	FrontendURL string `yaml:"frontend_url" env:"LIBRARY_FRONTEND_URL"`
}

type LibraryConfig struct {
	FineRate           float64       `yaml:"fine_rate" env:"LIBRARY_FINE_RATE"`
	LoanPeriod         time.Duration `yaml:"loan_period" env:"LIBRARY_LOAN_PERIOD"`
	ReturnAvailability string        `yaml:"return_availability" env:"LIBRARY_RETURN_AVAILABILITY"`
}

type SweepsConfig struct {
	Enabled        bool   `yaml:"enabled" env:"LIBRARY_SWEEPS_ENABLED"`
	ReapSchedule   string `yaml:"reap_schedule" env:"LIBRARY_SWEEP_REAP_SCHEDULE"`
	NotifySchedule string `yaml:"notify_schedule" env:"LIBRARY_SWEEP_NOTIFY_SCHEDULE"`
	Timezone       string `yaml:"timezone" env:"LIBRARY_SWEEP_TIMEZONE"`
}

type RateLimitConfig struct {
	LoginRequests    int           `yaml:"login_requests" env:"LIBRARY_RATE_LOGIN_REQUESTS"`
	LoginWindow      time.Duration `yaml:"login_window" env:"LIBRARY_RATE_LOGIN_WINDOW"`
	RegisterRequests int           `yaml:"register_requests" env:"LIBRARY_RATE_REGISTER_REQUESTS"`
	RegisterWindow   time.Duration `yaml:"register_window" env:"LIBRARY_RATE_REGISTER_WINDOW"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LIBRARY_LOG_LEVEL"`
	Format string `yaml:"format" env:"LIBRARY_LOG_FORMAT"`
}

type CORSConfig struct {
	Origins []string `yaml:"origins" env:"LIBRARY_CORS_ORIGINS"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mode: "dev",
		Server: ServerConfig{
			Addr:            ":5000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       DriverMemory,
			AutoMigrate:  true,
			MaxOpenConns: 10,
		},
		Redis: RedisConfig{CodeStore: CodeStoreColumn},
		Auth: AuthConfig{
			SessionTTL: 7 * 24 * time.Hour,
			CodeTTL:    15 * time.Minute,
			ResetTTL:   15 * time.Minute,
		},
		Mail: MailConfig{
			Transport:   "log",
			SMTPPort:    587,
			From:        "Library <no-reply@library.local>",
			FrontendURL: "http://localhost:5173",
		},
		Library: LibraryConfig{
			FineRate:           5,
			LoanPeriod:         14 * 24 * time.Hour,
			ReturnAvailability: "recompute",
		},
		Sweeps: SweepsConfig{
			Enabled:        true,
			ReapSchedule:   "0 8 * * *",
			NotifySchedule: "0 8 * * *",
			Timezone:       "Local",
		},
		RateLimit: RateLimitConfig{
			LoginRequests:    5,
			LoginWindow:      15 * time.Minute,
			RegisterRequests: 100,
			RegisterWindow:   time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		CORS:    CORSConfig{Origins: []string{"http://localhost:5173"}},
	}
}

// Load builds a Config. path may be empty; LIBRARY_CONFIG is consulted then.
func Load(path string) (*Config, error) {
	cfg := Default()

	for _, envFile := range []string{".env", ".env.local"} {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	if path == "" {
		path = os.Getenv("LIBRARY_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Redis.CodeStore = strings.ToLower(strings.TrimSpace(c.Redis.CodeStore))
	c.Library.ReturnAvailability = strings.ToLower(strings.TrimSpace(c.Library.ReturnAvailability))
	c.Mail.FrontendURL = strings.TrimRight(c.Mail.FrontendURL, "/")
	origins := c.CORS.Origins[:0]
	for _, o := range c.CORS.Origins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORS.Origins = origins
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool { return c.Mode == "" || c.Mode == "dev" }

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var problems []string

	if c.Auth.JWTSecret == "" && !c.IsDev() {
		problems = append(problems, "auth.jwt_secret is required outside dev mode")
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.Database.DSN == "" {
			problems = append(problems, fmt.Sprintf("database.dsn is required for driver %q", c.Database.Driver))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}
	switch c.Redis.CodeStore {
	case CodeStoreColumn:
	case CodeStoreRedis:
		if c.Redis.URL == "" {
			problems = append(problems, "redis.url is required when code_store is redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown code store %q", c.Redis.CodeStore))
	}
	if c.Library.LoanPeriod <= 0 {
		problems = append(problems, "library.loan_period must be positive")
	}
	if c.Library.FineRate <= 0 {
		problems = append(problems, "library.fine_rate must be positive")
	}
	switch c.Library.ReturnAvailability {
	case "recompute", "always":
	default:
		problems = append(problems, fmt.Sprintf("unknown return availability policy %q", c.Library.ReturnAvailability))
	}
	if c.Auth.SessionTTL <= 0 {
		problems = append(problems, "auth.session_ttl must be positive")
	}
	switch c.Mail.Transport {
	case "log":
	case "smtp":
		if c.Mail.SMTPHost == "" {
			problems = append(problems, "mail.smtp_host is required for the smtp transport")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown mail transport %q", c.Mail.Transport))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
