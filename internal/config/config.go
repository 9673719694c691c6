package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Chain    ChainConfig    `yaml:"chain"`
	Cache    CacheConfig    `yaml:"cache"`
	Sync     SyncConfig     `yaml:"sync"`
	Metadata MetadataConfig `yaml:"metadata"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`

	// AutoMigrate applies the embedded schema at startup
	AutoMigrate bool `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`

	// DeadLetterExchange receives events dropped as malformed
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds event consumer configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	EventTimeout    time.Duration `yaml:"event_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RPCEndpointConfig is one RPC provider; providers are tried in list order
type RPCEndpointConfig struct {
	Name              string  `yaml:"name"`
	URL               string  `yaml:"url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ChainConfig holds RPC providers and the contracts to follow
type ChainConfig struct {
	RPC             []RPCEndpointConfig `yaml:"rpc"`
	JobBoardAddress string              `yaml:"job_board_address"`
	Confirmations   uint64              `yaml:"confirmations"`
	StartBlock      uint64              `yaml:"start_block"`
	MaxBlockRange   uint64              `yaml:"max_block_range"`
	AddressBatch    int                 `yaml:"address_batch"`
	AttemptTimeout  time.Duration       `yaml:"attempt_timeout"`
	Backoff         time.Duration       `yaml:"backoff"`
}

// CacheConfig holds the read-through policy
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
	Grace   time.Duration `yaml:"grace"`
}

// SyncConfig holds reconciliation and watcher settings
type SyncConfig struct {
	Contracts     []string      `yaml:"contracts"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	Concurrency   int           `yaml:"concurrency"`
	WatchInterval time.Duration `yaml:"watch_interval"`

	// CronSecret is the bearer token of the sync trigger routes. Empty
	// disables the triggers.
	CronSecret string `yaml:"cron_secret"`
}

// MetadataConfig holds the metadata gateway settings
type MetadataConfig struct {
	Gateway           string        `yaml:"gateway"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxBytes          int64         `yaml:"max_bytes"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// defaults are applied before the file is parsed so that omitted keys keep them
func defaults() Config {
	return Config{
		Cache: CacheConfig{
			Enabled: true,
			TTL:     5 * time.Minute,
		},
	}
}

// Load reads and parses the configuration file, then applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	return &config, nil
}

// ApplyEnv overrides file values with the environment. Unset variables
// leave the file value in place.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("CRON_SECRET"); v != "" {
		c.Sync.CronSecret = v
	}
	if v := getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := getenv("JOB_BOARD_ADDRESS"); v != "" {
		c.Chain.JobBoardAddress = v
	}

	if v := getenv("ENABLE_DB_CACHE"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ENABLE_DB_CACHE: %w", err)
		}
		c.Cache.Enabled = enabled
	}

	ttl, err := millis(getenv, "CACHE_TTL_MS")
	if err != nil {
		return err
	}
	if ttl > 0 {
		c.Cache.TTL = ttl
	}

	grace, err := millis(getenv, "CACHE_GRACE_MS")
	if err != nil {
		return err
	}
	if grace > 0 {
		c.Cache.Grace = grace
	}

	// RPC_URLS replaces the configured providers, keeping list order as priority
	if v := getenv("RPC_URLS"); v != "" {
		var endpoints []RPCEndpointConfig
		for _, url := range strings.Split(v, ",") {
			url = strings.TrimSpace(url)
			if url == "" {
				continue
			}
			endpoints = append(endpoints, RPCEndpointConfig{
				Name: fmt.Sprintf("rpc-%d", len(endpoints)),
				URL:  url,
			})
		}
		c.Chain.RPC = endpoints
	}

	return nil
}

func millis(getenv func(string) string, key string) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%s: invalid milliseconds %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Validate checks the settings every binary needs: the cache database and the chain
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if len(c.Chain.RPC) == 0 {
		return fmt.Errorf("at least one chain rpc endpoint is required")
	}

	for i, ep := range c.Chain.RPC {
		if ep.URL == "" {
			return fmt.Errorf("chain rpc endpoint %d has no url", i)
		}
	}

	if !common.IsHexAddress(c.Chain.JobBoardAddress) {
		return fmt.Errorf("invalid chain job_board_address: %q", c.Chain.JobBoardAddress)
	}

	if c.Cache.TTL < 0 || c.Cache.Grace < 0 {
		return fmt.Errorf("cache ttl and grace must not be negative")
	}

	return nil
}

// ValidateAPIConfig checks the API service configuration
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return nil
}

// ValidateWorkerConfig checks the watcher and consumer configuration
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.EventTimeout <= 0 {
		return fmt.Errorf("worker event_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Sync.WatchInterval <= 0 {
		return fmt.Errorf("sync watch_interval must be greater than 0")
	}

	return nil
}

// ValidateReconcileConfig checks the single-shot reconciliation configuration
func (c *Config) ValidateReconcileConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Sync.LeaseTTL <= 0 {
		return fmt.Errorf("sync lease_ttl must be greater than 0")
	}

	if c.Sync.Concurrency < 0 {
		return fmt.Errorf("sync concurrency must not be negative")
	}

	return nil
}
