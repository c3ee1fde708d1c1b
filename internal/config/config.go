// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Chain        ChainConfig        `mapstructure:"chain"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Server       ServerConfig       `mapstructure:"server"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig contains the node connection and the marketplace contract to index
type ChainConfig struct {
	NodeURL         string        `mapstructure:"node_url"`
	BackupNodes     []string      `mapstructure:"backup_nodes"`
	ContractAddress string        `mapstructure:"contract_address"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// MonitorConfig contains chain polling configuration
type MonitorConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	ConfirmationBlocks int           `mapstructure:"confirmation_blocks"`
	StartBlock         uint64        `mapstructure:"start_block"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	EnableMetrics   bool          `mapstructure:"enable_metrics"`
	EnableWebSocket bool          `mapstructure:"enable_websocket"`
}

// NotificationConfig contains webhook notification configuration
type NotificationConfig struct {
	Enabled       bool            `mapstructure:"enabled"`
	Timeout       time.Duration   `mapstructure:"timeout"`
	RetryAttempts int             `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration   `mapstructure:"retry_delay"`
	QueueSize     int             `mapstructure:"queue_size"`
	Webhooks      []WebhookConfig `mapstructure:"webhooks"`
}

// WebhookConfig is one webhook endpoint. Empty Events means every event kind;
// an empty Address means every account.
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Events  []string          `mapstructure:"events"`
	Address string            `mapstructure:"address"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
	}

	// NFT_INDEXER_CHAIN_NODE_URL overrides chain.node_url
	viper.SetEnvPrefix("NFT_INDEXER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// An explicit path that does not exist is an error; a missing default file is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// App defaults
	viper.SetDefault("app.name", "nft-marketplace-indexer")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)

	// Chain defaults
	viper.SetDefault("chain.node_url", "http://localhost:8545")
	viper.SetDefault("chain.backup_nodes", []string{})
	viper.SetDefault("chain.contract_address", "")
	viper.SetDefault("chain.request_timeout", "30s")
	viper.SetDefault("chain.retry_attempts", 5)
	viper.SetDefault("chain.retry_delay", "2s")

	// Storage defaults
	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.connection_string", "./data/indexer.db")
	viper.SetDefault("storage.max_connections", 25)
	viper.SetDefault("storage.max_idle_time", "15m")

	// Monitor defaults
	viper.SetDefault("monitor.poll_interval", "12s")
	viper.SetDefault("monitor.batch_size", 100)
	viper.SetDefault("monitor.confirmation_blocks", 6)
	viper.SetDefault("monitor.start_block", 0)

	// Server defaults
	viper.SetDefault("server.port", 8081)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")
	viper.SetDefault("server.enable_metrics", true)
	viper.SetDefault("server.enable_websocket", true)

	// Notification defaults
	viper.SetDefault("notification.enabled", false)
	viper.SetDefault("notification.timeout", "10s")
	viper.SetDefault("notification.retry_attempts", 3)
	viper.SetDefault("notification.retry_delay", "1s")
	viper.SetDefault("notification.queue_size", 1000)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.file", "")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain.NodeURL == "" {
		return fmt.Errorf("chain node URL is required")
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		return fmt.Errorf("chain contract address %q is not a valid address", c.Chain.ContractAddress)
	}
	if c.Chain.RetryAttempts < 0 {
		return fmt.Errorf("chain retry attempts must not be negative")
	}
	switch c.Storage.Type {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor poll interval must be positive")
	}
	if c.Monitor.BatchSize <= 0 {
		return fmt.Errorf("monitor batch size must be positive")
	}
	if c.Monitor.ConfirmationBlocks < 0 {
		return fmt.Errorf("monitor confirmation blocks must not be negative")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}
	if c.Notification.Enabled {
		if c.Notification.QueueSize <= 0 {
			return fmt.Errorf("notification queue size must be positive")
		}
		for i, hook := range c.Notification.Webhooks {
			u, err := url.Parse(hook.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("webhook %d has an invalid URL %q", i, hook.URL)
			}
			if hook.Address != "" && !common.IsHexAddress(hook.Address) {
				return fmt.Errorf("webhook %d address %q is not a valid address", i, hook.Address)
			}
		}
	}
	return nil
}
