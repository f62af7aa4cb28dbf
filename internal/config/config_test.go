package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testDebugLevel = "DEBUG"

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9090 {
		t.Errorf("Expected MetricsPort to be 9090, got %d", cfg.Global.MetricsPort)
	}

	if cfg.Performance.MaxConcurrency != 150 {
		t.Errorf("Expected MaxConcurrency to be 150, got %d", cfg.Performance.MaxConcurrency)
	}

	if len(cfg.Cache.Layers) != 2 {
		t.Errorf("Expected 2 default cache layers, got %d", len(cfg.Cache.Layers))
	}
	if cfg.Cache.L1.DefaultTTL != 5*time.Minute {
		t.Errorf("Expected L1 DefaultTTL to be 5 minutes, got %v", cfg.Cache.L1.DefaultTTL)
	}
	if cfg.Cache.L2.HighWaterRatio <= cfg.Cache.L2.LowWaterRatio {
		t.Error("Expected L2 high-water ratio to exceed low-water ratio")
	}
	if cfg.Cache.L3.Enabled {
		t.Error("Expected L3 to be disabled by default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Origin.Bucket = "my-bucket"
				return cfg
			},
			wantErr: false,
		},
		{
			name: "invalid max concurrency",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Origin.Bucket = "my-bucket"
				cfg.Performance.MaxConcurrency = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "max_concurrency must be greater than 0",
		},
		{
			name: "invalid connection pool size",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Origin.Bucket = "my-bucket"
				cfg.Performance.ConnectionPoolSize = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "connection_pool_size must be greater than 0",
		},
		{
			name: "missing origin bucket",
			config: func() *Configuration {
				return NewDefault()
			},
			wantErr: true,
			errMsg:  "origin.bucket must be set",
		},
		{
			name: "no cache layers",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Origin.Bucket = "my-bucket"
				cfg.Cache.Layers = nil
				return cfg
			},
			wantErr: true,
			errMsg:  "cache.layers must list at least one layer",
		},
		{
			name: "l3 enabled without url",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Origin.Bucket = "my-bucket"
				cfg.Cache.L3.Enabled = true
				return cfg
			},
			wantErr: true,
			errMsg:  "cache.l3.url must be set",
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Origin.Bucket = "my-bucket"
				cfg.Global.LogLevel = "INVALID"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && tt.errMsg != "" && !contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  metrics_port: 9091

performance:
  max_concurrency: 200

cache:
  layers: [l1-memory, l2-disk, l3-remote]
  l3:
    enabled: true
    url: redis://localhost:6379
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != testDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9091 {
		t.Errorf("Expected MetricsPort to be 9091, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Performance.MaxConcurrency != 200 {
		t.Errorf("Expected MaxConcurrency to be 200, got %d", cfg.Performance.MaxConcurrency)
	}
	if len(cfg.Cache.Layers) != 3 {
		t.Errorf("Expected 3 cache layers, got %d", len(cfg.Cache.Layers))
	}
	if !cfg.Cache.L3.Enabled || cfg.Cache.L3.URL != "redis://localhost:6379" {
		t.Errorf("Expected L3 enabled with configured URL, got %+v", cfg.Cache.L3)
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error when loading non-existent config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"S3CACHEPROXY_LOG_LEVEL":       "ERROR",
		"S3CACHEPROXY_METRICS_PORT":    "9191",
		"S3CACHEPROXY_MAX_CONCURRENCY": "300",
		"S3CACHEPROXY_ORIGIN_BUCKET":   "env-bucket",
		"S3CACHEPROXY_L3_URL":          "redis://cache:6379",
		"S3CACHEPROXY_ADMIN_TOKEN":     "s3cr3t",
	}
	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "ERROR" {
		t.Errorf("Expected LogLevel to be ERROR, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9191 {
		t.Errorf("Expected MetricsPort to be 9191, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Performance.MaxConcurrency != 300 {
		t.Errorf("Expected MaxConcurrency to be 300, got %d", cfg.Performance.MaxConcurrency)
	}
	if cfg.Origin.Bucket != "env-bucket" {
		t.Errorf("Expected Origin.Bucket to be env-bucket, got %s", cfg.Origin.Bucket)
	}
	if !cfg.Cache.L3.Enabled || cfg.Cache.L3.URL != "redis://cache:6379" {
		t.Errorf("Expected L3 enabled via env with configured URL, got %+v", cfg.Cache.L3)
	}
	if cfg.Admin.Token != "s3cr3t" {
		t.Errorf("Expected Admin.Token to be s3cr3t, got %s", cfg.Admin.Token)
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "saved_config.yaml")

	cfg := NewDefault()
	cfg.Global.LogLevel = testDebugLevel
	cfg.Origin.Bucket = "my-bucket"

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}

	newCfg := NewDefault()
	if err := newCfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	if newCfg.Global.LogLevel != testDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", newCfg.Global.LogLevel)
	}
	if newCfg.Origin.Bucket != "my-bucket" {
		t.Errorf("Expected Origin.Bucket to be my-bucket, got %s", newCfg.Origin.Bucket)
	}
}

func TestSaveToFileCreateDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := NewDefault()
	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}
	if _, err := os.Stat(filepath.Dir(configFile)); os.IsNotExist(err) {
		t.Error("Config directory was not created")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
