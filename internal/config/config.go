// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Collector CollectorConfig `mapstructure:"collector"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Offline   OfflineConfig   `mapstructure:"offline"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	App       AppConfig       `mapstructure:"app"`
}

// ServerConfig represents the status HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver         string        `mapstructure:"driver"`
	Host           string        `mapstructure:"host" validate:"required"`
	Port           int           `mapstructure:"port" validate:"required"`
	User           string        `mapstructure:"user" validate:"required"`
	Password       string        `mapstructure:"password" validate:"required"`
	DBName         string        `mapstructure:"dbname" validate:"required"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	ReplicationJob string        `mapstructure:"replication_job"`
}

// SerialConfig represents the SAS serial line configuration
type SerialConfig struct {
	Port         string        `mapstructure:"port" validate:"required"`
	BaudRate     int           `mapstructure:"baud_rate"`
	Address      byte          `mapstructure:"address"`
	WakeupBit    bool          `mapstructure:"wakeup_bit"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SerialNumber string        `mapstructure:"serial_number"`
}

// CollectorConfig represents meter collection configuration
type CollectorConfig struct {
	TransactionsTable string         `mapstructure:"transactions_table"`
	AssetNumber       uint32         `mapstructure:"asset_number"`
	Listeners         []ListenerTask `mapstructure:"listeners"`
	DoOnce            []OneShotTask  `mapstructure:"do_once"`
}

// ListenerTask describes a recurring polled command and how to
// interpret its meters
type ListenerTask struct {
	Command              string         `mapstructure:"command"`
	PollType             string         `mapstructure:"poll_type"`
	Commit               bool           `mapstructure:"commit"`
	LengthToReadPerMeter map[string]int `mapstructure:"length_to_read_per_meter"`
}

// OneShotTask describes a command queued once at startup
type OneShotTask struct {
	Command      string   `mapstructure:"command"`
	PollType     string   `mapstructure:"poll_type"`
	OptionalData []string `mapstructure:"optional_data"`
}

// DispatchConfig represents the signed remote dispatch channel
type DispatchConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	ServerURL        string        `mapstructure:"server_url"`
	APIKey           string        `mapstructure:"api_key"`
	SignatureSkew    time.Duration `mapstructure:"signature_skew"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
}

// OfflineConfig represents the durable pending-query queue
type OfflineConfig struct {
	QueuePath         string        `mapstructure:"queue_path"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name          string `mapstructure:"name" validate:"required"`
	Version       string `mapstructure:"version" validate:"required"`
	Environment   string `mapstructure:"environment" validate:"required"`
	MachineIDFile string `mapstructure:"machine_id_file"`
	Debug         bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/sas-collector")

	// Environment variable support
	viper.SetEnvPrefix("SAS_COLLECTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8086")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Database defaults
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "sas_collector")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 10)
	viper.SetDefault("database.max_idle_conns", 2)
	viper.SetDefault("database.max_lifetime", "5m")

	// Serial defaults
	viper.SetDefault("serial.baud_rate", 19200)
	viper.SetDefault("serial.address", 1)
	viper.SetDefault("serial.wakeup_bit", true)
	viper.SetDefault("serial.read_timeout", "500ms")
	viper.SetDefault("serial.poll_interval", "2s")

	// Collector defaults
	viper.SetDefault("collector.transactions_table", "gaming_transactions")

	// Dispatch defaults
	viper.SetDefault("dispatch.enabled", true)
	viper.SetDefault("dispatch.signature_skew", "60s")
	viper.SetDefault("dispatch.reconnect_backoff", "5s")

	// Offline queue defaults
	viper.SetDefault("offline.queue_path", "./data/pending_queries.jsonl")
	viper.SetDefault("offline.reconnect_interval", "1s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	// App defaults
	viper.SetDefault("app.name", "sas-collector")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.machine_id_file", "/var/lib/dbus/machine-id")
	viper.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if config.Database.DBName == "" {
		return fmt.Errorf("database.dbname is required")
	}
	if config.Dispatch.Enabled {
		if config.Dispatch.ServerURL == "" {
			return fmt.Errorf("dispatch.server_url is required when dispatch is enabled")
		}
		if config.Dispatch.APIKey == "" {
			return fmt.Errorf("dispatch.api_key is required when dispatch is enabled")
		}
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	isValidEnv := false
	for _, env := range validEnvs {
		if config.App.Environment == env {
			isValidEnv = true
			break
		}
	}
	if !isValidEnv {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	for i, task := range config.Collector.Listeners {
		if task.Command == "" {
			return fmt.Errorf("collector.listeners[%d].command is required", i)
		}
	}

	return nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetServerAddr returns the status server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == "development"
}
