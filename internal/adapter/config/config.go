// Package config provides configuration management for the CEMS gateway.
// It supports environment variables, config files (YAML/JSON), and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
)

// Config holds all configuration for the CEMS gateway.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// MappingsPath is the path to the device/parameter mapping file
	MappingsPath string `mapstructure:"mappings_path"`

	// WatchMappings reloads the registry when the mapping file changes
	WatchMappings bool `mapstructure:"watch_mappings"`

	Stack       StackConfig       `mapstructure:"stack"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Modbus      ModbusConfig      `mapstructure:"modbus"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Correction  CorrectionConfig  `mapstructure:"correction"`
	Digital     DigitalConfig     `mapstructure:"digital"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Storage     StorageConfig     `mapstructure:"storage"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// StackConfig identifies the monitored stack.
type StackConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// HTTPConfig holds the metrics server configuration.
type HTTPConfig struct {
	Port        int           `mapstructure:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// ModbusConfig holds device gateway configuration.
type ModbusConfig struct {
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	ResponseTimeout   time.Duration `mapstructure:"response_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	MaintenancePeriod time.Duration `mapstructure:"maintenance_period"`
	// Circuit breaker configuration
	CBFailureThreshold uint32        `mapstructure:"cb_failure_threshold"`
	CBTimeout          time.Duration `mapstructure:"cb_timeout"`
	CBMaxRequests      uint32        `mapstructure:"cb_max_requests"`
}

// AcquisitionConfig holds acquisition configuration.
type AcquisitionConfig struct {
	Parallel       bool          `mapstructure:"parallel"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	DeviceTimeout  time.Duration `mapstructure:"device_timeout"`
}

// CorrectionConfig holds oxygen correction configuration.
type CorrectionConfig struct {
	ReferenceO2 float64 `mapstructure:"reference_o2"`
}

// DigitalConfig holds status/alarm polling configuration.
type DigitalConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
}

// SchedulerConfig holds broadcast loop configuration.
type SchedulerConfig struct {
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	StatusInterval    time.Duration `mapstructure:"status_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig holds sample persistence configuration.
type StorageConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"` // sqlite or postgres
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	PersistInterval time.Duration `mapstructure:"persist_interval"`
	QueueSize       int           `mapstructure:"queue_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	Retain         bool          `mapstructure:"retain"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	BufferSize     int           `mapstructure:"buffer_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// Load loads configuration from files and environment variables. An empty
// path searches the default locations; a missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/cems-gateway")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("CEMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("mappings_path", "./config/mappings.yaml")
	v.SetDefault("watch_mappings", true)

	// Stack
	v.SetDefault("stack.id", "stack1")
	v.SetDefault("stack.name", "Stack 1")

	// HTTP
	v.SetDefault("http.port", 9090)
	v.SetDefault("http.read_timeout", 10*time.Second)

	// Modbus
	v.SetDefault("modbus.connection_timeout", 3*time.Second)
	v.SetDefault("modbus.response_timeout", 3*time.Second)
	v.SetDefault("modbus.idle_timeout", 5*time.Minute)
	v.SetDefault("modbus.maintenance_period", 30*time.Second)
	v.SetDefault("modbus.cb_failure_threshold", 5)
	v.SetDefault("modbus.cb_timeout", 30*time.Second)
	v.SetDefault("modbus.cb_max_requests", 1)

	// Acquisition
	v.SetDefault("acquisition.parallel", true)
	v.SetDefault("acquisition.max_concurrency", 4)
	v.SetDefault("acquisition.device_timeout", 5*time.Second)

	// Correction
	v.SetDefault("correction.reference_o2", 7.0)

	// Digital
	v.SetDefault("digital.ttl", 1*time.Second)
	v.SetDefault("digital.retry_attempts", 3)
	v.SetDefault("digital.retry_base_delay", 1*time.Second)
	v.SetDefault("digital.retry_multiplier", 2.0)

	// Scheduler
	v.SetDefault("scheduler.broadcast_interval", 5*time.Second)
	v.SetDefault("scheduler.status_interval", 5*time.Second)
	v.SetDefault("scheduler.shutdown_timeout", 10*time.Second)

	// Storage
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "./data/cems.db")
	v.SetDefault("storage.table", "samples")
	v.SetDefault("storage.persist_interval", 60*time.Second)
	v.SetDefault("storage.queue_size", 256)
	v.SetDefault("storage.write_timeout", 5*time.Second)

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "cems-gateway")
	v.SetDefault("mqtt.topic_prefix", "cems")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", false)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 1000)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// bindEnvVars binds well-known unprefixed environment variables.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")

	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("mappings_path", "CEMS_MAPPINGS_PATH", "MAPPINGS_PATH")
	_ = v.BindEnv("storage.dsn", "CEMS_STORAGE_DSN", "DATABASE_URL")

	_ = v.BindEnv("logging.level", "CEMS_LOGGING_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "CEMS_LOGGING_FORMAT", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Stack.ID) == "" {
		return domain.NewConfigError("stack.id", "is required")
	}
	if c.MappingsPath == "" {
		return domain.NewConfigError("mappings_path", "is required")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return domain.NewConfigError("http.port", "invalid port %d", c.HTTP.Port)
	}
	if c.Acquisition.MaxConcurrency < 0 {
		return domain.NewConfigError("acquisition.max_concurrency", "must not be negative")
	}
	if c.Correction.ReferenceO2 <= 0 || c.Correction.ReferenceO2 >= 21 {
		return domain.NewConfigError("correction.reference_o2", "must be between 0 and 21 exclusive, got %v", c.Correction.ReferenceO2)
	}
	if c.Digital.RetryAttempts < 1 {
		return domain.NewConfigError("digital.retry_attempts", "must be at least 1")
	}
	if c.Scheduler.BroadcastInterval <= 0 {
		return domain.NewConfigError("scheduler.broadcast_interval", "must be positive")
	}
	if c.Storage.Enabled {
		if c.Storage.Driver != "sqlite" && c.Storage.Driver != "postgres" {
			return domain.NewConfigError("storage.driver", "unsupported driver %q", c.Storage.Driver)
		}
		if c.Storage.DSN == "" {
			return domain.NewConfigError("storage.dsn", "is required when storage is enabled")
		}
	}
	if c.MQTT.Enabled {
		if c.MQTT.BrokerURL == "" {
			return domain.NewConfigError("mqtt.broker_url", "is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return domain.NewConfigError("mqtt.qos", "must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return domain.NewConfigError("logging.format", "must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
