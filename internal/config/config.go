package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Remote     RemoteConfig     `yaml:"remote"`
	Sync       SyncConfig       `yaml:"sync"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// RemoteConfig describes the external asset-management API.
type RemoteConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	EntityPath string        `yaml:"entity_path"`
}

type SyncConfig struct {
	Interval        time.Duration `yaml:"interval"`
	BatchSize       int           `yaml:"batch_size"`
	WorkerPoolSize  int           `yaml:"worker_pool_size"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`
	CoalesceUpdates bool          `yaml:"coalesce_updates"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
}

type RateLimitConfig struct {
	RPS            float64       `yaml:"rps"`
	Burst          int           `yaml:"burst"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; explicit environment wins either way.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}
	if c.Sync.BatchSize < 0 {
		return fmt.Errorf("sync batch_size must not be negative, got %d", c.Sync.BatchSize)
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate_limit rps must not be negative, got %v", c.RateLimit.RPS)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 10 * time.Second
	}
	if c.Remote.EntityPath == "" {
		c.Remote.EntityPath = "assets"
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 60 * time.Second
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 50
	}
	if c.Sync.WorkerPoolSize == 0 {
		c.Sync.WorkerPoolSize = 4
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.RetryBaseDelay == 0 {
		c.Sync.RetryBaseDelay = 2 * time.Second
	}
	if c.Sync.RetryMaxDelay == 0 {
		c.Sync.RetryMaxDelay = 5 * time.Minute
	}
	if c.Sync.LockTTL == 0 {
		c.Sync.LockTTL = 10 * time.Minute
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 5
	}
	if c.RateLimit.AcquireTimeout == 0 {
		c.RateLimit.AcquireTimeout = 30 * time.Second
	}
	if c.API.Enabled && c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
