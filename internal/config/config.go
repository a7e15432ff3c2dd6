package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Site     SiteConfig     `yaml:"site"`
	Mail     MailConfig     `yaml:"mail"`
	CRM      CRMConfig      `yaml:"crm"`
	Emailer  EmailerConfig  `yaml:"emailer"`
}

// CRMConfig points at the external marketing API. Per-list credentials
// live on the lists themselves; only the API base URL is global.
type CRMConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ServerConfig holds HTTP server settings for the beacon service
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds Redis settings for the event queue and dispatch lock
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SiteConfig identifies the public site the emails link back to
type SiteConfig struct {
	Protocol string `yaml:"protocol"`
	Domain   string `yaml:"domain"`
}

// BaseURL returns the public base URL (protocol + domain).
func (s SiteConfig) BaseURL() string {
	return s.Protocol + s.Domain
}

// MailConfig holds outbound mail settings
type MailConfig struct {
	FromName     string    `yaml:"from_name"`
	FromAddress  string    `yaml:"from_address"`
	ReplyAddress string    `yaml:"reply_address"`
	SES          SESConfig `yaml:"ses"`
}

// SESConfig holds AWS SES credentials for the transport
type SESConfig struct {
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Region         string `yaml:"region"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// EmailerConfig holds pipeline tuning: retention windows, timeouts and
// the beacon path segment.
type EmailerConfig struct {
	ItemRetentionDays      int    `yaml:"item_retention_days"`
	TrackingMonths         int    `yaml:"tracking_months"`
	StatsMonths            int    `yaml:"stats_months"`
	UnconfirmedGraceHours  int    `yaml:"unconfirmed_grace_hours"`
	SendTimeoutSeconds     int    `yaml:"send_timeout_seconds"`
	DispatchTimeoutMinutes int    `yaml:"dispatch_timeout_minutes"`
	TrackingPath           string `yaml:"tracking_path"`
	UseDispatchLock        bool   `yaml:"use_dispatch_lock"`
}

// SendTimeout returns the per-subscriber send deadline.
func (e EmailerConfig) SendTimeout() time.Duration {
	return time.Duration(e.SendTimeoutSeconds) * time.Second
}

// DispatchTimeout returns the whole-job deadline for one dispatch run.
func (e EmailerConfig) DispatchTimeout() time.Duration {
	return time.Duration(e.DispatchTimeoutMinutes) * time.Minute
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Site.Protocol == "" {
		cfg.Site.Protocol = "https://"
	}
	if cfg.Mail.SES.Region == "" {
		cfg.Mail.SES.Region = "us-east-1"
	}
	if cfg.Mail.SES.TimeoutSeconds == 0 {
		cfg.Mail.SES.TimeoutSeconds = 30
	}
	if cfg.Mail.ReplyAddress == "" {
		cfg.Mail.ReplyAddress = cfg.Mail.FromAddress
	}
	if cfg.Emailer.TrackingMonths == 0 {
		cfg.Emailer.TrackingMonths = 3
	}
	if cfg.Emailer.StatsMonths == 0 {
		cfg.Emailer.StatsMonths = 12
	}
	if cfg.Emailer.UnconfirmedGraceHours == 0 {
		cfg.Emailer.UnconfirmedGraceHours = 24
	}
	if cfg.Emailer.SendTimeoutSeconds == 0 {
		cfg.Emailer.SendTimeoutSeconds = 30
	}
	if cfg.Emailer.DispatchTimeoutMinutes == 0 {
		cfg.Emailer.DispatchTimeoutMinutes = 15
	}
	if cfg.Emailer.TrackingPath == "" {
		cfg.Emailer.TrackingPath = "opened"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env
// vars, so secrets can live in .env locally and in real env vars in
// production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if domain := os.Getenv("SITE_DOMAIN"); domain != "" {
		cfg.Site.Domain = domain
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.Mail.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.Mail.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.Mail.SES.Region = region
	}
	if from := os.Getenv("EMAILER_FROM_ADDRESS"); from != "" {
		cfg.Mail.FromAddress = from
	}
	if reply := os.Getenv("EMAILER_REPLY_ADDRESS"); reply != "" {
		cfg.Mail.ReplyAddress = reply
	}
	if crmBase := os.Getenv("CRM_BASE_URL"); crmBase != "" {
		cfg.CRM.BaseURL = crmBase
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.Server.Port = p
	}

	return cfg, nil
}
