package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
)

// Config is the main configuration structure
type Config struct {
	API          APIConfig           `yaml:"api"`
	Storage      StorageConfig       `yaml:"storage"`
	Logging      LoggingConfig       `yaml:"logging"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Dispatch     DispatchConfig      `yaml:"dispatch"`
	Bulk         BulkConfig          `yaml:"bulk"`
	Scheduler    SchedulerConfig     `yaml:"scheduler"`
	Transports   TransportsConfig    `yaml:"transports"`
	Destinations []DestinationConfig `yaml:"destinations"` // Seeded into an empty registry on first start
}

// APIConfig contains HTTP control API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHash     string        `yaml:"api_key_hash"`     // bcrypt hash, used instead of api_key
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"` // Debounce for state writes (default: 1s)
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string         `yaml:"level"`  // debug, info, warn, error
	Format string         `yaml:"format"` // json, text
	File   *FileLogConfig `yaml:"file"`   // Optional rotated log file, written alongside stdout
}

// FileLogConfig contains log file rotation settings
type FileLogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// DispatchConfig contains dispatch queue settings
type DispatchConfig struct {
	Interval time.Duration `yaml:"interval"` // Delay between queue items (default: 60s)
}

// BulkConfig contains bulk recipient dispatcher settings
type BulkConfig struct {
	Transport string        `yaml:"transport"` // Transport used for recipients (default: whatsapp)
	Interval  time.Duration `yaml:"interval"`  // Default delay between recipients (default: 10s)
	LogLimit  int           `yaml:"log_limit"` // Max kept log entries (default: 500)
}

// SchedulerConfig contains scheduler settings
type SchedulerConfig struct {
	Timezone       string        `yaml:"timezone"`        // IANA zone for recurrence arithmetic (default: Local)
	Retention      time.Duration `yaml:"retention"`       // Drop finished entries older than this (0 = keep forever)
	CleanupSpec    string        `yaml:"cleanup_spec"`    // Cron spec for the retention job (default: @hourly)
	DriftThreshold time.Duration `yaml:"drift_threshold"` // Lateness above this is logged (default: 5s)
}

// TransportsConfig contains per-transport credentials. A nil section
// disables that transport.
type TransportsConfig struct {
	Telegram *TelegramConfig `yaml:"telegram"`
	WhatsApp *WhatsAppConfig `yaml:"whatsapp"`
	Email    *EmailConfig    `yaml:"email"`
}

// TelegramConfig contains Telegram Bot API settings
type TelegramConfig struct {
	Token          string        `yaml:"token"`
	APIURL         string        `yaml:"api_url"`
	ParseMode      string        `yaml:"parse_mode"`
	ButtonText     string        `yaml:"button_text"`
	DisablePreview bool          `yaml:"disable_preview"`
	RatePerSec     int           `yaml:"rate_per_sec"`
	Timeout        time.Duration `yaml:"timeout"`
}

// WhatsAppConfig contains WhatsApp HTTP gateway settings
type WhatsAppConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Instance   string        `yaml:"instance"`
	APIKey     string        `yaml:"api_key"`
	RatePerSec int           `yaml:"rate_per_sec"`
	Timeout    time.Duration `yaml:"timeout"`
}

// EmailConfig contains SMTP relay settings
type EmailConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	From               string        `yaml:"from"`
	Hostname           string        `yaml:"hostname"`
	TLS                string        `yaml:"tls"` // none, starttls, tls
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
	DKIM               *DKIMConfig   `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// DestinationConfig describes a destination seeded from the config file
type DestinationConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Address string `yaml:"address"`
	Enabled *bool  `yaml:"enabled"` // Default: true
}

// IsEnabled reports whether the seeded destination starts enabled
func (d DestinationConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Load loads configuration from a YAML file. Environment variables are
// taken from envFiles, or from a .env file next to the config when none
// are given, and expanded as ${VAR} before parsing.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnv(path, envFiles); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses, defaults and validates configuration data
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envRef matches ${VAR} references. Bare $ is left alone so bcrypt
// hashes and passwords survive expansion.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(envRef.FindSubmatch(m)[1])))
	})
}

func loadEnv(path string, envFiles []string) error {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
		return nil
	}

	local := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(local); err != nil {
		return nil
	}
	if err := godotenv.Load(local); err != nil {
		return fmt.Errorf("failed to load %s: %w", local, err)
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/aci/state.db"
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if f := c.Logging.File; f != nil {
		if f.MaxSizeMB == 0 {
			f.MaxSizeMB = 100
		}
		if f.MaxBackups == 0 {
			f.MaxBackups = 5
		}
		if f.MaxAgeDays == 0 {
			f.MaxAgeDays = 30
		}
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Dispatch.Interval == 0 {
		c.Dispatch.Interval = time.Minute
	}

	if c.Bulk.Transport == "" {
		c.Bulk.Transport = string(destination.KindWhatsApp)
	}
	if c.Bulk.Interval == 0 {
		c.Bulk.Interval = 10 * time.Second
	}
	if c.Bulk.LogLimit == 0 {
		c.Bulk.LogLimit = 500
	}

	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "Local"
	}
	if c.Scheduler.CleanupSpec == "" {
		c.Scheduler.CleanupSpec = "@hourly"
	}
	if c.Scheduler.DriftThreshold == 0 {
		c.Scheduler.DriftThreshold = 5 * time.Second
	}

	if e := c.Transports.Email; e != nil {
		if e.Port == 0 {
			e.Port = 587
		}
		if e.TLS == "" {
			e.TLS = "starttls"
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}
	if c.Logging.File != nil && c.Logging.File.Path == "" {
		return errors.New("logging.file.path is required when file logging is configured")
	}

	if c.Dispatch.Interval < 0 {
		return errors.New("dispatch.interval must not be negative")
	}
	if c.Bulk.Interval < 0 {
		return errors.New("bulk.interval must not be negative")
	}
	if !destination.Kind(c.Bulk.Transport).Valid() {
		return fmt.Errorf("invalid bulk.transport: %s", c.Bulk.Transport)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Scheduler.Retention < 0 {
		return errors.New("scheduler.retention must not be negative")
	}
	if _, err := cron.ParseStandard(c.Scheduler.CleanupSpec); err != nil {
		return fmt.Errorf("invalid scheduler.cleanup_spec: %w", err)
	}

	if err := c.validateTransports(); err != nil {
		return err
	}

	return c.validateDestinations()
}

func (c *Config) validateTransports() error {
	if t := c.Transports.Telegram; t != nil && strings.TrimSpace(t.Token) == "" {
		return errors.New("transports.telegram.token is required")
	}

	if w := c.Transports.WhatsApp; w != nil {
		if w.BaseURL == "" {
			return errors.New("transports.whatsapp.base_url is required")
		}
		if w.Instance == "" {
			return errors.New("transports.whatsapp.instance is required")
		}
	}

	if e := c.Transports.Email; e != nil {
		if e.Host == "" {
			return errors.New("transports.email.host is required")
		}
		if e.From == "" {
			return errors.New("transports.email.from is required")
		}
		switch e.TLS {
		case "none", "starttls", "tls":
		default:
			return fmt.Errorf("invalid transports.email.tls: %s (must be none, starttls, or tls)", e.TLS)
		}
		if d := e.DKIM; d != nil && d.Enabled {
			if d.Domain == "" || d.Selector == "" || d.KeyFile == "" {
				return errors.New("transports.email.dkim requires domain, selector and key_file when enabled")
			}
		}
	}

	return nil
}

func (c *Config) validateDestinations() error {
	for i, d := range c.Destinations {
		if !destination.Kind(d.Kind).Valid() {
			return fmt.Errorf("destinations[%d].kind must be telegram, whatsapp, or email", i)
		}
		if strings.TrimSpace(d.Address) == "" {
			return fmt.Errorf("destinations[%d].address is required", i)
		}
	}
	return nil
}

// Location returns the scheduler time zone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler.timezone: %w", err)
	}
	return loc, nil
}

// HasAuth returns true if the API requires a key
func (c *Config) HasAuth() bool {
	return c.API.APIKey != "" || c.API.APIKeyHash != ""
}
