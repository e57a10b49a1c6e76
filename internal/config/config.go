// Package config handles replica configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
//  1. Environment variables
//  2. Config file (YAML, path in HTTPMON_CONFIG)
//  3. Defaults
//
// The environment carries the deployment contract: DB_HOST, DB_PORT,
// DB_USER, DB_PASS, DB_NAME, SMTP_SERVER, SMTP_PORT, SMTP_USERNAME,
// SMTP_PASSWORD, SHARD_INDEX, APP_HOST, APP_PORT. The YAML file covers the
// knobs a fleet operator tunes less often.
//
// # Example Config File
//
//	database:
//	  host: db.internal
//	  port: 5432
//	  name: httpmon
//
//	smtp:
//	  server: smtp.gmail.com
//	  port: 587
//
//	monitor:
//	  owner_refresh_interval: 1s
//	  mail_rate_per_minute: 60
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete replica configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	App      AppConfig      `yaml:"app"`
	Monitor  MonitorConfig  `yaml:"monitor"`

	// ShardIndex assigns this replica's partition of the target table.
	ShardIndex int `yaml:"shard_index"`

	// RedisURL enables the optional response cache when set.
	RedisURL string `yaml:"redis_url,omitempty"`

	// AdminAPIKeyHash, when set, is a bcrypt hash the admin API requires
	// callers to match via a bearer token.
	AdminAPIKeyHash string `yaml:"admin_api_key_hash,omitempty"`
}

// DatabaseConfig locates the Postgres store.
type DatabaseConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
	Pass string `yaml:"-"` // never serialized; env or secrets backend only
	Name string `yaml:"name"`
}

// SMTPConfig locates the outbound mail relay.
type SMTPConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"-"`
}

// AppConfig is this replica's externally reachable admin API address,
// also used to build acknowledgement links.
type AppConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MonitorConfig tunes the probing core.
type MonitorConfig struct {
	OwnerRefreshInterval time.Duration `yaml:"owner_refresh_interval"`
	MailRatePerMinute    int           `yaml:"mail_rate_per_minute"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
}

// UnmarshalYAML accepts Go duration strings ("1s", "500ms") for the
// interval fields. Absent fields keep their current values, so defaults
// survive partial config files.
func (m *MonitorConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		OwnerRefreshInterval string `yaml:"owner_refresh_interval"`
		MailRatePerMinute    int    `yaml:"mail_rate_per_minute"`
		CacheTTL             string `yaml:"cache_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.OwnerRefreshInterval != "" {
		d, err := time.ParseDuration(raw.OwnerRefreshInterval)
		if err != nil {
			return fmt.Errorf("owner_refresh_interval: %w", err)
		}
		m.OwnerRefreshInterval = d
	}
	if raw.MailRatePerMinute != 0 {
		m.MailRatePerMinute = raw.MailRatePerMinute
	}
	if raw.CacheTTL != "" {
		d, err := time.ParseDuration(raw.CacheTTL)
		if err != nil {
			return fmt.Errorf("cache_ttl: %w", err)
		}
		m.CacheTTL = d
	}
	return nil
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host: "localhost",
			Port: 5432,
			User: "postgres",
			Name: "httpmon",
		},
		SMTP: SMTPConfig{
			Server: "smtp.gmail.com",
			Port:   587,
		},
		App: AppConfig{
			Host: "localhost",
			Port: 8080,
		},
		Monitor: MonitorConfig{
			OwnerRefreshInterval: time.Second,
			MailRatePerMinute:    60,
			CacheTTL:             5 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file, and
// the environment, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("HTTPMON_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	setString(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Pass, "DB_PASS")
	setString(&c.Database.Name, "DB_NAME")

	setString(&c.SMTP.Server, "SMTP_SERVER")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")

	setString(&c.App.Host, "APP_HOST")
	setInt(&c.App.Port, "APP_PORT")

	setInt(&c.ShardIndex, "SHARD_INDEX")

	setString(&c.RedisURL, "HTTPMON_REDIS_URL")
	setString(&c.AdminAPIKeyHash, "HTTPMON_ADMIN_KEY_HASH")
}

// Validate checks the invariants startup depends on.
func (c *Config) Validate() error {
	if c.ShardIndex < 0 {
		return fmt.Errorf("shard index must be non-negative, got %d", c.ShardIndex)
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		return fmt.Errorf("database host and name are required")
	}
	if c.Monitor.OwnerRefreshInterval <= 0 {
		return fmt.Errorf("owner refresh interval must be positive, got %s", c.Monitor.OwnerRefreshInterval)
	}
	return nil
}

// DatabaseURL builds the pgx connection string.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Database.Host, strconv.Itoa(c.Database.Port)),
		Path:   "/" + c.Database.Name,
	}
	if c.Database.User != "" {
		if c.Database.Pass != "" {
			u.User = url.UserPassword(c.Database.User, c.Database.Pass)
		} else {
			u.User = url.User(c.Database.User)
		}
	}
	return u.String()
}

// ListenAddr is the admin API bind address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.App.Port))
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
