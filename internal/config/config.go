package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Browser  BrowserConfig
	Crawler  CrawlerConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	// Driver is postgres, sqlite or none.
	Driver     string
	Host       string
	Port       int
	User       string
	Password   string
	Name       string
	SSLMode    string
	MaxConns   int32
	SQLitePath string
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Stream       string
	StreamMaxLen int64
	RelayEnabled bool
	RelayPoll    time.Duration
}

type BrowserConfig struct {
	// Driver is playwright or rod.
	Driver         string
	Headless       bool
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	Proxy          string
	// ActionTimeout bounds each click or element read.
	ActionTimeout time.Duration
}

type CrawlerConfig struct {
	RunTimeout        time.Duration
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	PageCeiling       int
	Concurrency       int
	PacingMin         time.Duration
	PacingMax         time.Duration
	ProfilesPath      string
	Providers         []string
	Interval          time.Duration
	ScheduleTimezone  string
	SchedulerEnabled  bool
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	concurrency, err := ResolveConcurrency(getEnv("CRAWL_CONCURRENCY", "1"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8084),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnvInt("DB_PORT", 5432),
			User:       getEnv("DB_USER", "postgres"),
			Password:   getEnv("DB_PASSWORD", ""),
			Name:       getEnv("DB_NAME", "bestsellers"),
			SSLMode:    getEnv("DB_SSL_MODE", "disable"),
			MaxConns:   int32(getEnvInt("DB_MAX_CONNS", 10)),
			SQLitePath: getEnv("SQLITE_PATH", "bestsellers.db"),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			Stream:       getEnv("REDIS_STREAM", "stream:catalog_snapshots"),
			StreamMaxLen: int64(getEnvInt("REDIS_STREAM_MAXLEN", 10000)),
			RelayEnabled: getEnvBool("REDIS_RELAY_ENABLED", true),
			RelayPoll:    getEnvDuration("REDIS_RELAY_POLL", 2*time.Second),
		},
		Browser: BrowserConfig{
			Driver:         getEnv("BROWSER_DRIVER", "playwright"),
			Headless:       getEnvBool("BROWSER_HEADLESS", true),
			UserAgent:      getEnv("BROWSER_USER_AGENT", ""),
			ViewportWidth:  getEnvInt("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getEnvInt("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnv("BROWSER_ACCEPT_LANGUAGE", "pt-BR,pt;q=0.9,en;q=0.8"),
			TimezoneID:     getEnv("BROWSER_TIMEZONE", "America/Sao_Paulo"),
			Locale:         getEnv("BROWSER_LOCALE", "pt-BR"),
			Proxy:          getEnv("BROWSER_PROXY", ""),
			ActionTimeout:  getEnvDuration("BROWSER_ACTION_TIMEOUT", 10*time.Second),
		},
		Crawler: CrawlerConfig{
			RunTimeout:        getEnvDuration("CRAWL_RUN_TIMEOUT", 20*time.Minute),
			NavigationTimeout: getEnvDuration("CRAWL_NAV_TIMEOUT", 30*time.Second),
			SettleDelay:       getEnvDuration("CRAWL_SETTLE_DELAY", time.Second),
			PageCeiling:       getEnvInt("CRAWL_PAGE_CEILING", 50),
			Concurrency:       concurrency,
			PacingMin:         getEnvDuration("CRAWL_PACING_MIN", 500*time.Millisecond),
			PacingMax:         getEnvDuration("CRAWL_PACING_MAX", 2*time.Second),
			ProfilesPath:      getEnv("CRAWL_PROFILES", ""),
			Providers:         getEnvList("CRAWL_PROVIDERS", []string{"amazon", "mercadolivre"}),
			Interval:          getEnvDuration("CRAWL_INTERVAL", 24*time.Hour),
			ScheduleTimezone:  getEnv("CRAWL_SCHEDULE_TIMEZONE", "America/Sao_Paulo"),
			SchedulerEnabled:  getEnvBool("CRAWL_SCHEDULER_ENABLED", true),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required for the postgres driver"))
		}
		if c.Database.MaxConns < 1 {
			errs = append(errs, errors.New("DB_MAX_CONNS must be at least 1"))
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres, sqlite or none, got %q", c.Database.Driver))
	}

	switch c.Browser.Driver {
	case "playwright", "rod":
	default:
		errs = append(errs, fmt.Errorf("BROWSER_DRIVER must be playwright or rod, got %q", c.Browser.Driver))
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		errs = append(errs, errors.New("browser viewport must be positive"))
	}

	if c.Crawler.RunTimeout <= 0 {
		errs = append(errs, errors.New("CRAWL_RUN_TIMEOUT must be positive"))
	}
	if c.Crawler.NavigationTimeout <= 0 {
		errs = append(errs, errors.New("CRAWL_NAV_TIMEOUT must be positive"))
	}
	if c.Crawler.SettleDelay < 0 {
		errs = append(errs, errors.New("CRAWL_SETTLE_DELAY must not be negative"))
	}
	if c.Crawler.PageCeiling < 1 {
		errs = append(errs, errors.New("CRAWL_PAGE_CEILING must be at least 1"))
	}
	if c.Crawler.Concurrency < 1 {
		errs = append(errs, errors.New("CRAWL_CONCURRENCY must be at least 1"))
	}
	if c.Crawler.PacingMin > c.Crawler.PacingMax {
		errs = append(errs, errors.New("CRAWL_PACING_MIN cannot be greater than CRAWL_PACING_MAX"))
	}
	if c.Crawler.Interval <= 0 {
		errs = append(errs, errors.New("CRAWL_INTERVAL must be positive"))
	}
	if _, err := time.LoadLocation(c.Crawler.ScheduleTimezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid CRAWL_SCHEDULE_TIMEZONE: %w", err))
	}

	return errors.Join(errs...)
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
