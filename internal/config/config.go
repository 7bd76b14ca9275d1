package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the entire application configuration
type Config struct {
	Env      string         `json:"env" yaml:"env"`
	Port     int            `json:"port" yaml:"port"`
	AppName  string         `json:"app_name" yaml:"app_name"`
	MongoDB  MongoDBConfig  `json:"mongodb" yaml:"mongodb"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	S3       S3Config       `json:"s3" yaml:"s3"`
	FHIR     FHIRConfig     `json:"fhir" yaml:"fhir"`
	Flare    FlareConfig    `json:"flare" yaml:"flare"`
	Jobs     JobsConfig     `json:"jobs" yaml:"jobs"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	CORS     CORSConfig     `json:"cors" yaml:"cors"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// IsLocal reports whether the service runs without external infrastructure
func (c *Config) IsLocal() bool {
	return c.Env == "local"
}

type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
	// CohortTTL is how long resolved cohorts stay cached, in seconds
	CohortTTL int `json:"cohort_ttl" yaml:"cohort_ttl"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers" yaml:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials" yaml:"allow_credentials"`
	MaxAge           int      `json:"max_age,omitempty" yaml:"max_age,omitempty"` // Optional, seconds that preflight requests can be cached
}

// MongoDBConfig contains MongoDB connection details
type MongoDBConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       string `json:"db" yaml:"db"`
}

type RabbitMQConfig struct {
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	Username      string `json:"username" yaml:"username"`
	Password      string `json:"password" yaml:"password"`
	VHost         string `json:"vhost" yaml:"vhost"`
	ExchangeName  string `json:"exchange_name" yaml:"exchange_name"`
	QueueName     string `json:"queue_name" yaml:"queue_name"`
	PrefetchCount int    `json:"prefetch_count" yaml:"prefetch_count"`
}

// S3Config points at the bucket receiving extraction bundles. An empty bucket
// disables uploads.
type S3Config struct {
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Region    string `json:"region" yaml:"region"`
	Prefix    string `json:"prefix" yaml:"prefix"`
}

// FHIRConfig contains the FHIR server the data is extracted from
type FHIRConfig struct {
	BaseURL           string `json:"base_url" yaml:"base_url"`
	PageSize          int    `json:"page_size" yaml:"page_size"`
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute"`
	Timeout           int    `json:"timeout" yaml:"timeout"`
	// MaxConcurrency bounds parallel searches within one batch
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`
}

// FlareConfig contains the cohort evaluation service
type FlareConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Timeout int    `json:"timeout" yaml:"timeout"`
}

type JobsConfig struct {
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	PoolSize  int `json:"pool_size" yaml:"pool_size"`
	// Workers is the number of work units executed concurrently per process
	Workers       int `json:"workers" yaml:"workers"`
	SweepInterval int `json:"sweep_interval" yaml:"sweep_interval"`
	StaleAfter    int `json:"stale_after" yaml:"stale_after"`
	// ConsentCodes applied when a request does not name any
	ConsentCodes []string `json:"consent_codes" yaml:"consent_codes"`
}

func (j JobsConfig) SweepEvery() time.Duration {
	return time.Duration(j.SweepInterval) * time.Second
}

func (j JobsConfig) StaleTimeout() time.Duration {
	return time.Duration(j.StaleAfter) * time.Second
}

// LoggingConfig contains logging-related configurations
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// LoadConfig reads configuration from the specified file path. Files ending in
// .yaml or .yml are parsed as YAML, everything else as JSON.
func LoadConfig(filePath string) (*Config, error) {
	// Read the configuration file
	configData, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(configData, &config)
	default:
		err = json.Unmarshal(configData, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills every unset tuning value
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.AppName == "" {
		c.AppName = "torch"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.RabbitMQ.ExchangeName == "" {
		c.RabbitMQ.ExchangeName = "torch"
	}
	if c.RabbitMQ.QueueName == "" {
		c.RabbitMQ.QueueName = "torch.work-units"
	}
	if c.RabbitMQ.PrefetchCount == 0 {
		c.RabbitMQ.PrefetchCount = 4
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "torch"
	}
	if c.Redis.CohortTTL == 0 {
		c.Redis.CohortTTL = 3600
	}
	if c.FHIR.PageSize == 0 {
		c.FHIR.PageSize = 500
	}
	if c.FHIR.Timeout == 0 {
		c.FHIR.Timeout = 60
	}
	if c.FHIR.MaxConcurrency == 0 {
		c.FHIR.MaxConcurrency = 4
	}
	if c.Flare.Timeout == 0 {
		c.Flare.Timeout = 300
	}
	if c.Jobs.BatchSize == 0 {
		c.Jobs.BatchSize = 100
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.SweepInterval == 0 {
		c.Jobs.SweepInterval = 60
	}
	if c.Jobs.StaleAfter == 0 {
		c.Jobs.StaleAfter = 900
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}
