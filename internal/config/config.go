package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DefaultThreadRecencyWindow bounds the subject+participant fallback match.
const DefaultThreadRecencyWindow = 30 * 24 * time.Hour

type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", or a file path
	Format string `toml:"format"` // "json" or "console"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type S3Config struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

// IMAPConfig configures the optional mailbox source. It is disabled when Address is empty.
type IMAPConfig struct {
	Address      string
	Username     string
	Password     string
	UseTLS       bool
	UserEmail    string
	PollInterval time.Duration
}

type Config struct {
	Environment         string
	JWTSecret           string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	Timezone            string
	MessageIDDomain     string
	ThreadRecencyWindow time.Duration
	WSMaxConnsPerUser   int
	Logging             LoggingConfig
	SMTP                SMTPConfig
	S3                  S3Config
	IMAP                IMAPConfig
}

// fileConfig is the optional TOML tuning file. Empty values leave the env-derived setting alone.
type fileConfig struct {
	Threading struct {
		RecencyWindow   string `toml:"recency_window"`
		MessageIDDomain string `toml:"message_id_domain"`
	} `toml:"threading"`
	Logging LoggingConfig `toml:"logging"`
	SMTP    SMTPConfig    `toml:"smtp"`
	S3      S3Config      `toml:"s3"`
	IMAP    struct {
		Address      string `toml:"address"`
		Username     string `toml:"username"`
		Password     string `toml:"password"`
		UseTLS       bool   `toml:"use_tls"`
		UserEmail    string `toml:"user_email"`
		PollInterval string `toml:"poll_interval"`
	} `toml:"imap"`
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILHOOK_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	recencyWindow, err := getDurationOrDefault("MAILHOOK_THREAD_RECENCY_WINDOW", DefaultThreadRecencyWindow)
	if err != nil {
		return nil, err
	}

	pollInterval, err := getDurationOrDefault("MAILHOOK_IMAP_POLL_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}

	wsMax, err := strconv.Atoi(getEnvOrDefault("MAILHOOK_WS_MAX_CONNS_PER_USER", "10"))
	if err != nil {
		return nil, fmt.Errorf("MAILHOOK_WS_MAX_CONNS_PER_USER must be an integer: %w", err)
	}

	config := &Config{
		Environment:         env,
		JWTSecret:           os.Getenv("MAILHOOK_JWT_SECRET"),
		DBHost:              getEnvOrDefault("MAILHOOK_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILHOOK_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILHOOK_DB_USER", "mailhook"),
		DBPassword:          os.Getenv("MAILHOOK_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILHOOK_DB_NAME", "mailhook"),
		DBSSLMode:           getEnvOrDefault("MAILHOOK_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		Timezone:            getEnvOrDefault("TZ", "UTC"),
		MessageIDDomain:     getEnvOrDefault("MAILHOOK_MESSAGE_ID_DOMAIN", "mailhook.local"),
		ThreadRecencyWindow: recencyWindow,
		WSMaxConnsPerUser:   wsMax,
		Logging: LoggingConfig{
			Output: getEnvOrDefault("MAILHOOK_LOG_OUTPUT", "stderr"),
			Format: getEnvOrDefault("MAILHOOK_LOG_FORMAT", "console"),
			Level:  getEnvOrDefault("MAILHOOK_LOG_LEVEL", "info"),
		},
		SMTP: SMTPConfig{
			Host:     os.Getenv("MAILHOOK_SMTP_HOST"),
			Port:     getEnvOrDefault("MAILHOOK_SMTP_PORT", "587"),
			Username: os.Getenv("MAILHOOK_SMTP_USER"),
			Password: os.Getenv("MAILHOOK_SMTP_PASSWORD"),
		},
		S3: S3Config{
			Endpoint:  os.Getenv("MAILHOOK_S3_ENDPOINT"),
			AccessKey: os.Getenv("MAILHOOK_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("MAILHOOK_S3_SECRET_KEY"),
			Bucket:    os.Getenv("MAILHOOK_S3_BUCKET"),
			UseSSL:    getEnvOrDefault("MAILHOOK_S3_USE_SSL", "true") == "true",
		},
		IMAP: IMAPConfig{
			Address:      os.Getenv("MAILHOOK_IMAP_ADDRESS"),
			Username:     os.Getenv("MAILHOOK_IMAP_USER"),
			Password:     os.Getenv("MAILHOOK_IMAP_PASSWORD"),
			UseTLS:       getEnvOrDefault("MAILHOOK_IMAP_USE_TLS", "true") == "true",
			UserEmail:    os.Getenv("MAILHOOK_IMAP_USER_EMAIL"),
			PollInterval: pollInterval,
		},
	}

	if path := os.Getenv("MAILHOOK_CONFIG_FILE"); path != "" {
		if err := config.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadFile applies the TOML tuning file at path on top of the current values.
func (c *Config) LoadFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if fc.Threading.RecencyWindow != "" {
		d, err := time.ParseDuration(fc.Threading.RecencyWindow)
		if err != nil {
			return fmt.Errorf("invalid threading.recency_window %q: %w", fc.Threading.RecencyWindow, err)
		}
		c.ThreadRecencyWindow = d
	}
	setIfNotEmpty(&c.MessageIDDomain, fc.Threading.MessageIDDomain)

	setIfNotEmpty(&c.Logging.Output, fc.Logging.Output)
	setIfNotEmpty(&c.Logging.Format, fc.Logging.Format)
	setIfNotEmpty(&c.Logging.Level, fc.Logging.Level)

	setIfNotEmpty(&c.SMTP.Host, fc.SMTP.Host)
	setIfNotEmpty(&c.SMTP.Port, fc.SMTP.Port)
	setIfNotEmpty(&c.SMTP.Username, fc.SMTP.Username)
	setIfNotEmpty(&c.SMTP.Password, fc.SMTP.Password)

	setIfNotEmpty(&c.S3.Endpoint, fc.S3.Endpoint)
	setIfNotEmpty(&c.S3.AccessKey, fc.S3.AccessKey)
	setIfNotEmpty(&c.S3.SecretKey, fc.S3.SecretKey)
	setIfNotEmpty(&c.S3.Bucket, fc.S3.Bucket)
	if fc.S3.UseSSL {
		c.S3.UseSSL = true
	}

	setIfNotEmpty(&c.IMAP.Address, fc.IMAP.Address)
	setIfNotEmpty(&c.IMAP.Username, fc.IMAP.Username)
	setIfNotEmpty(&c.IMAP.Password, fc.IMAP.Password)
	setIfNotEmpty(&c.IMAP.UserEmail, fc.IMAP.UserEmail)
	if fc.IMAP.UseTLS {
		c.IMAP.UseTLS = true
	}
	if fc.IMAP.PollInterval != "" {
		d, err := time.ParseDuration(fc.IMAP.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid imap.poll_interval %q: %w", fc.IMAP.PollInterval, err)
		}
		c.IMAP.PollInterval = d
	}

	return nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("MAILHOOK_JWT_SECRET is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILHOOK_DB_PASSWORD is required")
	}

	if c.ThreadRecencyWindow <= 0 {
		return fmt.Errorf("thread recency window must be positive, got %s", c.ThreadRecencyWindow)
	}

	if c.MessageIDDomain == "" {
		return fmt.Errorf("MAILHOOK_MESSAGE_ID_DOMAIN must not be empty")
	}

	if c.IMAP.Address != "" && c.IMAP.UserEmail == "" {
		return fmt.Errorf("MAILHOOK_IMAP_USER_EMAIL is required when the IMAP source is enabled")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// SMTPEnabled reports whether an outbound SMTP relay is configured.
func (c *Config) SMTPEnabled() bool {
	return c.SMTP.Host != ""
}

// S3Enabled reports whether raw messages can be fetched from object storage.
func (c *Config) S3Enabled() bool {
	return c.S3.Endpoint != "" && c.S3.Bucket != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}

func setIfNotEmpty(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
