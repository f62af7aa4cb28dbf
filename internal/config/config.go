package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration.
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Performance PerformanceConfig `yaml:"performance"`
	Cache       CacheConfig       `yaml:"cache"`
	Origin      OriginConfig      `yaml:"origin"`
	Admin       AdminConfig       `yaml:"admin"`
	Network     NetworkConfig     `yaml:"network"`
	Security    SecurityConfig    `yaml:"security"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig represents global application settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsPort int    `yaml:"metrics_port"`
}

// PerformanceConfig represents performance-related settings.
type PerformanceConfig struct {
	MaxConcurrency     int `yaml:"max_concurrency"`
	ConnectionPoolSize int `yaml:"connection_pool_size"`
}

// CacheConfig represents the tiered cache configuration: which layers are
// enabled and how each is sized.
type CacheConfig struct {
	Layers               []string      `yaml:"layers"`
	L1                   L1Config      `yaml:"l1"`
	L2                   L2Config      `yaml:"l2"`
	L3                   L3Config      `yaml:"l3"`
	StreamThresholdBytes int64         `yaml:"stream_threshold_bytes"`
	StampedeWaitTimeout  time.Duration `yaml:"stampede_wait_timeout"`
}

// L1Config configures the in-memory layer.
type L1Config struct {
	CapacityBytes int64         `yaml:"capacity_bytes"`
	MaxItemBytes  int64         `yaml:"max_item_bytes"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
}

// L2Config configures the on-disk layer.
type L2Config struct {
	RootDir        string        `yaml:"root_dir"`
	CapacityBytes  int64         `yaml:"capacity_bytes"`
	MaxItemBytes   int64         `yaml:"max_item_bytes"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	HighWaterRatio float64       `yaml:"high_water_ratio"`
	LowWaterRatio  float64       `yaml:"low_water_ratio"`
	GraceWindow    time.Duration `yaml:"grace_window"`
}

// L3Config configures the remote Redis-compatible layer.
type L3Config struct {
	Enabled                 bool          `yaml:"enabled"`
	URL                     string        `yaml:"url"`
	KeyPrefix               string        `yaml:"key_prefix"`
	PoolMin                 int           `yaml:"pool_min"`
	PoolMax                 int           `yaml:"pool_max"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	OpTimeout               time.Duration `yaml:"op_timeout"`
	MaxItemBytes            int64         `yaml:"max_item_bytes"`
	DefaultTTL              time.Duration `yaml:"default_ttl"`
	BreakerFailureThreshold uint32        `yaml:"breaker_failure_threshold"`
	BreakerOpenTimeout      time.Duration `yaml:"breaker_open_timeout"`
}

// OriginConfig configures the S3-compatible backend the HTTP pipeline
// fetches from on a cache miss.
type OriginConfig struct {
	Bucket         string        `yaml:"bucket"`
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	ForcePathStyle bool          `yaml:"force_path_style"`
	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`
}

// AdminConfig configures the admin surface's bearer-token auth.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// NetworkConfig represents network configuration.
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents timeout settings.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
}

// RetryConfig represents retry settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// SecurityConfig represents security settings.
type SecurityConfig struct {
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig represents TLS settings.
type TLSConfig struct {
	VerifyCertificates bool   `yaml:"verify_certificates"`
	MinVersion         string `yaml:"min_version"`
}

// MonitoringConfig represents monitoring settings.
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig represents metrics settings.
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Port           int           `yaml:"port"`
	Path           string        `yaml:"path"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Structured bool   `yaml:"structured"`
	Format     string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			ListenAddr:  ":8080",
			MetricsPort: 9090,
		},
		Performance: PerformanceConfig{
			MaxConcurrency:     150,
			ConnectionPoolSize: 8,
		},
		Cache: CacheConfig{
			Layers: []string{"l1-memory", "l2-disk"},
			L1: L1Config{
				CapacityBytes: 256 << 20,
				MaxItemBytes:  8 << 20,
				DefaultTTL:    5 * time.Minute,
			},
			L2: L2Config{
				RootDir:        "/var/cache/s3cacheproxy",
				CapacityBytes:  10 << 30,
				MaxItemBytes:   256 << 20,
				DefaultTTL:     30 * time.Minute,
				HighWaterRatio: 0.95,
				LowWaterRatio:  0.85,
				GraceWindow:    time.Minute,
			},
			L3: L3Config{
				Enabled:                 false,
				KeyPrefix:               "s3cacheproxy:",
				PoolMin:                 2,
				PoolMax:                 16,
				ConnectTimeout:          2 * time.Second,
				OpTimeout:               500 * time.Millisecond,
				MaxItemBytes:            32 << 20,
				DefaultTTL:              time.Hour,
				BreakerFailureThreshold: 5,
				BreakerOpenTimeout:      30 * time.Second,
			},
			StreamThresholdBytes: 10 << 20,
			StampedeWaitTimeout:  2 * time.Second,
		},
		Origin: OriginConfig{
			MaxRetries:     3,
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 30 * time.Second,
			PoolSize:       8,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Read:    30 * time.Second,
				Write:   30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   1 * time.Second,
				MaxDelay:    30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Security: SecurityConfig{
			TLS: TLSConfig{
				VerifyCertificates: true,
				MinVersion:         "1.2",
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:        true,
				Port:           9090,
				Path:           "/metrics",
				UpdateInterval: 15 * time.Second,
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overrides configuration from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("S3CACHEPROXY_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("S3CACHEPROXY_LISTEN_ADDR"); val != "" {
		c.Global.ListenAddr = val
	}
	if val := os.Getenv("S3CACHEPROXY_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("S3CACHEPROXY_MAX_CONCURRENCY"); val != "" {
		if concurrency, err := strconv.Atoi(val); err == nil {
			c.Performance.MaxConcurrency = concurrency
		}
	}
	if val := os.Getenv("S3CACHEPROXY_ORIGIN_BUCKET"); val != "" {
		c.Origin.Bucket = val
	}
	if val := os.Getenv("S3CACHEPROXY_ORIGIN_REGION"); val != "" {
		c.Origin.Region = val
	}
	if val := os.Getenv("S3CACHEPROXY_ORIGIN_ENDPOINT"); val != "" {
		c.Origin.Endpoint = val
	}
	if val := os.Getenv("S3CACHEPROXY_L3_URL"); val != "" {
		c.Cache.L3.URL = val
		c.Cache.L3.Enabled = true
	}
	if val := os.Getenv("S3CACHEPROXY_ADMIN_TOKEN"); val != "" {
		c.Admin.Token = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Performance.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be greater than 0")
	}
	if c.Performance.ConnectionPoolSize <= 0 {
		return fmt.Errorf("connection_pool_size must be greater than 0")
	}
	if c.Origin.Bucket == "" {
		return fmt.Errorf("origin.bucket must be set")
	}
	if len(c.Cache.Layers) == 0 {
		return fmt.Errorf("cache.layers must list at least one layer")
	}
	if c.Cache.L3.Enabled && c.Cache.L3.URL == "" {
		return fmt.Errorf("cache.l3.url must be set when l3 is enabled")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
