package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/claims-adjudication-server/internal/domain"
)

// Processing modes
const (
	ModeLocal    = "local"
	ModeExternal = "external"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v      *viper.Viper
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{v: viper.New()}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from the config file, environment and defaults
func (m *Manager) loadConfig() error {
	v := m.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/claims-adjudication-server/")

	// CLAIMS_PROCESSOR_POLL_INTERVAL -> processor.poll_interval
	v.SetEnvPrefix("CLAIMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m.setDefaults()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	v := m.v

	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.request_timeout", "60s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "claims")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "./migrations")
	v.SetDefault("database.auto_migrate", true)

	// Storage defaults
	v.SetDefault("storage.driver", DriverPostgres)
	v.SetDefault("storage.sqlite_path", "./data/claims.db")

	// Cache defaults
	v.SetDefault("cache.redis_url", "redis://localhost:6379")
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.default_ttl", "1h")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Processor defaults
	v.SetDefault("processor.mode", ModeLocal)
	v.SetDefault("processor.poll_interval", "10s")
	v.SetDefault("processor.workers", 4)
	v.SetDefault("processor.batch_size", 50)
	v.SetDefault("processor.startup_backoff", "1s")
	v.SetDefault("processor.max_startup_backoff", "30s")
	v.SetDefault("processor.enabled", true)

	// External adjudicator defaults
	v.SetDefault("adjudicator.base_url", "https://api.openai.com/v1")
	v.SetDefault("adjudicator.api_key", "")
	v.SetDefault("adjudicator.assistant_id", "")
	v.SetDefault("adjudicator.timeout", "30s")
	v.SetDefault("adjudicator.max_wait", "120s")
	v.SetDefault("adjudicator.poll_interval", "1s")
	v.SetDefault("adjudicator.rate_limit", 5)
	v.SetDefault("adjudicator.retry_count", 2)
	v.SetDefault("adjudicator.circuit_breaker.max_requests", 3)
	v.SetDefault("adjudicator.circuit_breaker.interval", "60s")
	v.SetDefault("adjudicator.circuit_breaker.timeout", "30s")
	v.SetDefault("adjudicator.circuit_breaker.failure_threshold", 5)

	// Notification defaults
	v.SetDefault("notify.retain_counters", true)
	v.SetDefault("notify.send_buffer", 16)
	v.SetDefault("notify.ping_interval", "30s")
	v.SetDefault("notify.write_timeout", "10s")
	v.SetDefault("notify.redis_channel", "claims:notifications")
	v.SetDefault("notify.relay", false)

	// Formulary cache defaults
	v.SetDefault("formulary.cache_size", 1024)
	v.SetDefault("formulary.cache_ttl", "5m")
	v.SetDefault("formulary.redis_ttl", "1h")
	v.SetDefault("formulary.redis_cache", false)

	// MCP defaults
	v.SetDefault("mcp.server_name", "claims-adjudication-mcp")
	v.SetDefault("mcp.server_version", "v0.1.0")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Storage.Driver {
	case DriverPostgres:
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
	case DriverSQLite:
		if config.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s", config.Storage.Driver)
	}

	p := config.Processor
	switch p.Mode {
	case ModeLocal:
	case ModeExternal:
		if config.Adjudicator.BaseURL == "" {
			return fmt.Errorf("adjudicator base URL is required in external mode")
		}
		if config.Adjudicator.AssistantID == "" {
			return fmt.Errorf("adjudicator assistant id is required in external mode")
		}
		if config.Adjudicator.MaxWait <= 0 || config.Adjudicator.PollInterval <= 0 {
			return fmt.Errorf("adjudicator max_wait and poll_interval must be positive")
		}
	default:
		return fmt.Errorf("invalid processor mode: %s", p.Mode)
	}
	if p.PollInterval <= 0 {
		return fmt.Errorf("processor poll interval must be positive")
	}
	if p.Workers <= 0 {
		return fmt.Errorf("processor workers must be positive: %d", p.Workers)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("processor batch size must be positive: %d", p.BatchSize)
	}

	if (config.Cache.Enabled || config.Formulary.RedisCache || config.Notify.Relay) && config.Cache.RedisURL == "" {
		return fmt.Errorf("Redis URL is required")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database configuration as a URL, as expected by migrate
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}
