package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the worker process configuration. Trading tunables live in
// RiskConfig and SymbolConfig, loaded from their own YAML files.
type Config struct {
	Exchange ExchangeConfig `json:"exchange"`
	Monitor  MonitorConfig  `json:"monitor"`
	Logging  LoggingConfig  `json:"logging"`
	Store    StoreConfig    `json:"store"`
	Redis    RedisConfig    `json:"redis"`
	Kafka    KafkaConfig    `json:"kafka"`
	Server   ServerConfig   `json:"server"`
	Vault    VaultConfig    `json:"vault"`
}

// ExchangeConfig holds Binance Futures connection settings
type ExchangeConfig struct {
	BaseURL    string `json:"base_url"`
	StreamURL  string `json:"stream_url"`
	TestNet    bool   `json:"testnet"`
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	RecvWindow int    `json:"recv_window"` // milliseconds
	TimeoutSec int    `json:"timeout_sec"`
}

// MonitorConfig controls scheduling and sharding of symbol workers
type MonitorConfig struct {
	SymbolsFile        string        `json:"symbols_file"`
	RiskFile           string        `json:"risk_file"`
	TickInterval       time.Duration `json:"tick_interval"`
	Stagger            time.Duration `json:"stagger"`
	RiskReloadInterval time.Duration `json:"risk_reload_interval"`
	ShardStart         int           `json:"shard_start"`
	ShardEnd           int           `json:"shard_end"` // 0 = until the end of the list
	Debug              bool          `json:"debug"`
	SkipFundingWindow  bool          `json:"skip_funding_window"`
	DryRun             bool          `json:"dry_run"` // trade against the in-memory exchange
}

type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	JSONFormat bool   `json:"json_format"` // Output as JSON
}

// StoreConfig selects the balance/candle store backend
type StoreConfig struct {
	Driver string `json:"driver"` // sqlite or postgres
	DSN    string `json:"dsn"`    // file path for sqlite, connection string for postgres
}

// RedisConfig holds Redis configuration for configuration patches
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// KafkaConfig enables the lifecycle event sink when brokers are set
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // path of the exchange credential secret
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// Load reads the JSON config file (optional) and applies environment overrides
func Load(filename string) (*Config, error) {
	cfg, err := loadFromFile(filename)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the worker cannot start without
func (c *Config) Validate() error {
	var missing []string
	if c.Monitor.SymbolsFile == "" {
		missing = append(missing, "monitor.symbols_file")
	}
	if c.Monitor.RiskFile == "" {
		missing = append(missing, "monitor.risk_file")
	}
	if c.Store.DSN == "" {
		missing = append(missing, "store.dsn")
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		missing = append(missing, "store.driver (sqlite|postgres)")
	}
	if c.Monitor.TickInterval <= 0 {
		missing = append(missing, "monitor.tick_interval")
	}
	if c.Monitor.ShardEnd != 0 && c.Monitor.ShardEnd <= c.Monitor.ShardStart {
		missing = append(missing, "monitor.shard_end > shard_start")
	}
	if len(missing) > 0 {
		return invalid("config", "missing or invalid: %s", strings.Join(missing, ", "))
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	cfg.Exchange.BaseURL = getEnvOrDefault("BINANCE_FUTURES_URL", cfg.Exchange.BaseURL)
	cfg.Exchange.StreamURL = getEnvOrDefault("BINANCE_STREAM_URL", cfg.Exchange.StreamURL)
	cfg.Exchange.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.Exchange.TestNet)
	cfg.Exchange.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.Exchange.APIKey)
	cfg.Exchange.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.Exchange.SecretKey)
	cfg.Exchange.RecvWindow = getEnvIntOrDefault("BINANCE_RECV_WINDOW", orInt(cfg.Exchange.RecvWindow, 10000))
	cfg.Exchange.TimeoutSec = getEnvIntOrDefault("BINANCE_TIMEOUT_SEC", orInt(cfg.Exchange.TimeoutSec, 15))

	cfg.Monitor.SymbolsFile = getEnvOrDefault("MONITOR_SYMBOLS_FILE", cfg.Monitor.SymbolsFile)
	cfg.Monitor.RiskFile = getEnvOrDefault("MONITOR_RISK_FILE", cfg.Monitor.RiskFile)
	cfg.Monitor.TickInterval = getEnvDurationOrDefault("MONITOR_TICK_INTERVAL", orDuration(cfg.Monitor.TickInterval, 5*time.Second))
	cfg.Monitor.Stagger = getEnvDurationOrDefault("MONITOR_STAGGER", orDuration(cfg.Monitor.Stagger, 500*time.Millisecond))
	cfg.Monitor.RiskReloadInterval = getEnvDurationOrDefault("MONITOR_RISK_RELOAD_INTERVAL", orDuration(cfg.Monitor.RiskReloadInterval, time.Minute))
	cfg.Monitor.ShardStart = getEnvIntOrDefault("MONITOR_SHARD_START", cfg.Monitor.ShardStart)
	cfg.Monitor.ShardEnd = getEnvIntOrDefault("MONITOR_SHARD_END", cfg.Monitor.ShardEnd)
	cfg.Monitor.Debug = getEnvBoolOrDefault("MONITOR_DEBUG", cfg.Monitor.Debug)
	cfg.Monitor.SkipFundingWindow = getEnvBoolOrDefault("MONITOR_SKIP_FUNDING_WINDOW", cfg.Monitor.SkipFundingWindow)
	cfg.Monitor.DryRun = getEnvBoolOrDefault("MONITOR_DRY_RUN", cfg.Monitor.DryRun)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", orString(cfg.Logging.Level, "INFO"))
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)

	cfg.Store.Driver = getEnvOrDefault("STORE_DRIVER", orString(cfg.Store.Driver, "sqlite"))
	cfg.Store.DSN = getEnvOrDefault("STORE_DSN", orString(cfg.Store.DSN, "monitor.db"))

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDR", orString(cfg.Redis.Address, "localhost:6379"))
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", orInt(cfg.Redis.PoolSize, 10))

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Kafka.Topic = getEnvOrDefault("KAFKA_TOPIC", orString(cfg.Kafka.Topic, "perp-monitor.orders"))

	cfg.Server.Enabled = getEnvBoolOrDefault("OPS_ENABLED", cfg.Server.Enabled)
	cfg.Server.Host = getEnvOrDefault("OPS_HOST", orString(cfg.Server.Host, "127.0.0.1"))
	cfg.Server.Port = getEnvIntOrDefault("OPS_PORT", orInt(cfg.Server.Port, 8090))
	cfg.Server.AllowedOrigins = getEnvOrDefault("OPS_ALLOWED_ORIGINS", orString(cfg.Server.AllowedOrigins, "*"))
	cfg.Server.ShutdownTimeout = getEnvIntOrDefault("OPS_SHUTDOWN_TIMEOUT", orInt(cfg.Server.ShutdownTimeout, 10))

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", orString(cfg.Vault.Address, "http://localhost:8200"))
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", orString(cfg.Vault.MountPath, "secret"))
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", orString(cfg.Vault.SecretPath, "perp-monitor/exchange"))
	cfg.Vault.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.Vault.TLSEnabled)
	cfg.Vault.CACert = getEnvOrDefault("VAULT_CACERT", cfg.Vault.CACert)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}
