package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/deepresearch/frontier/internal/research"
)

// Config holds all runtime configuration parameters
type Config struct {
	MaxDepth           int     `json:"max_depth"`
	MaxPages           int     `json:"max_pages"`
	RelevanceThreshold float64 `json:"relevance_threshold"`
	BatchSize          int     `json:"batch_size"`
	ConcurrentWorkers  int     `json:"concurrent_workers"`
	CrawlDelayMs       int     `json:"crawl_delay_ms"`
	RequestTimeoutMs   int     `json:"request_timeout_ms"`
	MaxRetries         int     `json:"max_retries"`
	RetryBackoffMs     int     `json:"retry_backoff_ms"`
	ClassifierEndpoint string  `json:"classifier_endpoint"`
	ClassifierTemp     float64 `json:"classifier_temperature"`
	UserAgent          string  `json:"user_agent"`
	DBPath             string  `json:"db_path"`
	MetricsPath        string  `json:"metrics_path"`
	ListenAddr         string  `json:"listen_addr"`
}

// LoadConfig reads and validates configuration from a JSON file
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a config with every field at its default value.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for unspecified fields
func ApplyDefaults(cfg *Config) {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = research.MinCrawlDepth
	}
	if cfg.MaxPages == 0 {
		cfg.MaxPages = 20
	}
	if cfg.RelevanceThreshold == 0 {
		cfg.RelevanceThreshold = 0.5
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if cfg.ConcurrentWorkers == 0 {
		cfg.ConcurrentWorkers = 4
	}
	if cfg.CrawlDelayMs == 0 {
		cfg.CrawlDelayMs = 1000
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 10000
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryBackoffMs == 0 {
		cfg.RetryBackoffMs = 500
	}
	if cfg.ClassifierTemp == 0 {
		cfg.ClassifierTemp = 0.1
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "research.db"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.json"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
}

// Validate checks that required fields are present and values are sensible
func Validate(cfg *Config) error {
	if cfg.MaxDepth < research.MinCrawlDepth || cfg.MaxDepth > research.MaxCrawlDepth {
		return fmt.Errorf("max_depth must be between %d and %d", research.MinCrawlDepth, research.MaxCrawlDepth)
	}
	if cfg.MaxPages < 1 {
		return fmt.Errorf("max_pages must be >= 1")
	}
	if cfg.RelevanceThreshold < 0 || cfg.RelevanceThreshold > 1 {
		return fmt.Errorf("relevance_threshold must be between 0 and 1")
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1")
	}
	if cfg.ConcurrentWorkers < 4 || cfg.ConcurrentWorkers > 8 {
		return fmt.Errorf("concurrent_workers must be between 4 and 8")
	}
	if cfg.RequestTimeoutMs < 1000 {
		return fmt.Errorf("request_timeout_ms must be >= 1000")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	return nil
}
