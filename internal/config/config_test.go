package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jobBoard = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CRON_SECRET", "DATABASE_PASSWORD", "RABBITMQ_PASSWORD", "JOB_BOARD_ADDRESS",
		"ENABLE_DB_CACHE", "CACHE_TTL_MS", "CACHE_GRACE_MS", "RPC_URLS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "escrow_sync", cfg.Database.Database)
				assert.Equal(t, "chain_events", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "chain_events_dlx", cfg.RabbitMQ.Queue.DeadLetterExchange)
				assert.Equal(t, "escrow-sync-api", cfg.App.Name)

				require.Len(t, cfg.Chain.RPC, 2)
				assert.Equal(t, "primary", cfg.Chain.RPC[0].Name)
				assert.Equal(t, 10.0, cfg.Chain.RPC[0].RequestsPerSecond)
				assert.Equal(t, jobBoard, cfg.Chain.JobBoardAddress)
				assert.Equal(t, uint64(1200000), cfg.Chain.StartBlock)
				assert.Equal(t, 500*time.Millisecond, cfg.Chain.Backoff)

				// enabled is omitted in the file and keeps its default
				assert.True(t, cfg.Cache.Enabled)
				assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
				assert.Equal(t, 30*time.Second, cfg.Cache.Grace)
				assert.Equal(t, 12*time.Second, cfg.Sync.WatchInterval)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CRON_SECRET", "s3cret")
	t.Setenv("ENABLE_DB_CACHE", "false")
	t.Setenv("RPC_URLS", "https://a.example.org, https://b.example.org")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Sync.CronSecret)
	assert.False(t, cfg.Cache.Enabled)
	require.Len(t, cfg.Chain.RPC, 2)
	assert.Equal(t, RPCEndpointConfig{Name: "rpc-1", URL: "https://b.example.org"}, cfg.Chain.RPC[1])
}

func TestConfig_ApplyEnv(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		check     func(t *testing.T, cfg *Config)
		errString string
	}{
		{
			name: "unset variables keep file values",
			env:  map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "from-file", cfg.Database.Password)
				assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
				assert.Len(t, cfg.Chain.RPC, 1)
			},
		},
		{
			name: "cache window in milliseconds",
			env:  map[string]string{"CACHE_TTL_MS": "60000", "CACHE_GRACE_MS": "1500"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, time.Minute, cfg.Cache.TTL)
				assert.Equal(t, 1500*time.Millisecond, cfg.Cache.Grace)
			},
		},
		{
			name: "secrets",
			env:  map[string]string{"DATABASE_PASSWORD": "db", "RABBITMQ_PASSWORD": "mq", "CRON_SECRET": "cron"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "db", cfg.Database.Password)
				assert.Equal(t, "mq", cfg.RabbitMQ.Password)
				assert.Equal(t, "cron", cfg.Sync.CronSecret)
			},
		},
		{
			name: "empty entries in rpc list are skipped",
			env:  map[string]string{"RPC_URLS": "https://a.example.org,,"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []RPCEndpointConfig{{Name: "rpc-0", URL: "https://a.example.org"}}, cfg.Chain.RPC)
			},
		},
		{name: "bad kill switch", env: map[string]string{"ENABLE_DB_CACHE": "maybe"}, errString: "ENABLE_DB_CACHE"},
		{name: "bad ttl", env: map[string]string{"CACHE_TTL_MS": "5m"}, errString: "CACHE_TTL_MS"},
		{name: "negative grace", env: map[string]string{"CACHE_GRACE_MS": "-1"}, errString: "CACHE_GRACE_MS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			cfg.Database.Password = "from-file"
			cfg.Chain.RPC = []RPCEndpointConfig{{Name: "file", URL: "https://file.example.org"}}

			err := cfg.ApplyEnv(func(key string) string { return tt.env[key] })
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
			tt.check(t, &cfg)
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "escrow_sync",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "chain_events"},
			Queue:    QueueConfig{Name: "chain_events_queue"},
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			EventTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Chain: ChainConfig{
			RPC:             []RPCEndpointConfig{{Name: "primary", URL: "https://rpc.example.org"}},
			JobBoardAddress: jobBoard,
		},
		Cache: CacheConfig{Enabled: true, TTL: 5 * time.Minute},
		Sync: SyncConfig{
			LeaseTTL:      10 * time.Minute,
			WatchInterval: 12 * time.Second,
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		validate  func(c *Config) error
		errString string
	}{
		{name: "valid api config", mutate: func(c *Config) {}, validate: (*Config).ValidateAPIConfig},
		{name: "valid worker config", mutate: func(c *Config) {}, validate: (*Config).ValidateWorkerConfig},
		{name: "valid reconcile config", mutate: func(c *Config) {}, validate: (*Config).ValidateReconcileConfig},
		{
			name:      "missing database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			validate:  (*Config).Validate,
			errString: "database host is required",
		},
		{
			name:      "invalid database port",
			mutate:    func(c *Config) { c.Database.Port = 70000 },
			validate:  (*Config).Validate,
			errString: "invalid database port",
		},
		{
			name:      "no rpc endpoints",
			mutate:    func(c *Config) { c.Chain.RPC = nil },
			validate:  (*Config).Validate,
			errString: "at least one chain rpc endpoint",
		},
		{
			name:      "rpc endpoint without url",
			mutate:    func(c *Config) { c.Chain.RPC = append(c.Chain.RPC, RPCEndpointConfig{Name: "empty"}) },
			validate:  (*Config).Validate,
			errString: "chain rpc endpoint 1 has no url",
		},
		{
			name:      "bad job board address",
			mutate:    func(c *Config) { c.Chain.JobBoardAddress = "jobboard.eth" },
			validate:  (*Config).Validate,
			errString: "invalid chain job_board_address",
		},
		{
			name:      "invalid server port",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			validate:  (*Config).ValidateAPIConfig,
			errString: "invalid server port",
		},
		{
			name:      "api service does not need rabbitmq",
			mutate:    func(c *Config) { c.RabbitMQ = RabbitMQConfig{} },
			validate:  (*Config).ValidateAPIConfig,
			errString: "",
		},
		{
			name:      "worker without queue",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			validate:  (*Config).ValidateWorkerConfig,
			errString: "rabbitmq queue name is required",
		},
		{
			name:      "worker without concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			validate:  (*Config).ValidateWorkerConfig,
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "worker without watch interval",
			mutate:    func(c *Config) { c.Sync.WatchInterval = 0 },
			validate:  (*Config).ValidateWorkerConfig,
			errString: "sync watch_interval",
		},
		{
			name:      "reconcile without lease",
			mutate:    func(c *Config) { c.Sync.LeaseTTL = 0 },
			validate:  (*Config).ValidateReconcileConfig,
			errString: "sync lease_ttl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := tt.validate(cfg)
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}
