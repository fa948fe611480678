package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string            `mapstructure:"environment"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Processor   ProcessorConfig   `mapstructure:"processor"`
	Adjudicator AdjudicatorConfig `mapstructure:"adjudicator"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Formulary   FormularyConfig   `mapstructure:"formulary"`
	MCP         MCPConfig         `mapstructure:"mcp"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StorageConfig selects the claim store backend
type StorageConfig struct {
	Driver     string `mapstructure:"driver"` // "postgres", "sqlite"
	SQLitePath string `mapstructure:"sqlite_path"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	Enabled     bool          `mapstructure:"enabled"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ProcessorConfig controls the background claim processing loop
type ProcessorConfig struct {
	Mode              string        `mapstructure:"mode"` // "local", "external"
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Workers           int           `mapstructure:"workers"`
	BatchSize         int           `mapstructure:"batch_size"`
	StartupBackoff    time.Duration `mapstructure:"startup_backoff"`
	MaxStartupBackoff time.Duration `mapstructure:"max_startup_backoff"`
	Enabled           bool          `mapstructure:"enabled"`
}

// AdjudicatorConfig configures the external reasoning service client
type AdjudicatorConfig struct {
	BaseURL        string               `mapstructure:"base_url"`
	APIKey         string               `mapstructure:"api_key"`
	AssistantID    string               `mapstructure:"assistant_id"`
	Timeout        time.Duration        `mapstructure:"timeout"`
	MaxWait        time.Duration        `mapstructure:"max_wait"`
	PollInterval   time.Duration        `mapstructure:"poll_interval"`
	RateLimit      int                  `mapstructure:"rate_limit"`
	RetryCount     int                  `mapstructure:"retry_count"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig represents circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

// NotifyConfig configures the notification hub
type NotifyConfig struct {
	RetainCounters bool          `mapstructure:"retain_counters"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RedisChannel   string        `mapstructure:"redis_channel"`
	Relay          bool          `mapstructure:"relay"`
}

// FormularyConfig configures formulary lookup caching
type FormularyConfig struct {
	CacheSize  int           `mapstructure:"cache_size"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	RedisTTL   time.Duration `mapstructure:"redis_ttl"`
	RedisCache bool          `mapstructure:"redis_cache"`
}

// MCPConfig represents MCP operator server configuration
type MCPConfig struct {
	ServerName    string `mapstructure:"server_name"`
	ServerVersion string `mapstructure:"server_version"`
}
