package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yutthachai69/cems2-2newupdate/internal/adapter/config"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "environment: test\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Environment != "test" {
		t.Errorf("expected environment test, got %q", cfg.Environment)
	}
	if cfg.Stack.ID != "stack1" {
		t.Errorf("expected default stack id, got %q", cfg.Stack.ID)
	}
	if cfg.Correction.ReferenceO2 != 7 {
		t.Errorf("expected reference O2 7, got %v", cfg.Correction.ReferenceO2)
	}
	if cfg.Digital.TTL != time.Second || cfg.Digital.RetryAttempts != 3 || cfg.Digital.RetryBaseDelay != time.Second {
		t.Errorf("unexpected digital defaults %+v", cfg.Digital)
	}
	if cfg.Scheduler.BroadcastInterval != 5*time.Second {
		t.Errorf("expected 5s broadcast interval, got %v", cfg.Scheduler.BroadcastInterval)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.PersistInterval != time.Minute {
		t.Errorf("unexpected storage defaults %+v", cfg.Storage)
	}
	if cfg.MQTT.Enabled {
		t.Error("expected mqtt disabled by default")
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
stack:
  id: chimney-2
  name: Chimney 2
correction:
  reference_o2: 11
scheduler:
  broadcast_interval: 2s
storage:
  driver: postgres
  dsn: postgres://cems@localhost/cems?sslmode=disable
mqtt:
  enabled: true
  qos: 0
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stack.ID != "chimney-2" || cfg.Stack.Name != "Chimney 2" {
		t.Errorf("unexpected stack %+v", cfg.Stack)
	}
	if cfg.Correction.ReferenceO2 != 11 {
		t.Errorf("expected reference O2 11, got %v", cfg.Correction.ReferenceO2)
	}
	if cfg.Scheduler.BroadcastInterval != 2*time.Second {
		t.Errorf("expected 2s, got %v", cfg.Scheduler.BroadcastInterval)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("expected postgres, got %q", cfg.Storage.Driver)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.QoS != 0 {
		t.Errorf("unexpected mqtt %+v", cfg.MQTT)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "stack:\n  id: from-file\n")
	t.Setenv("CEMS_STACK_ID", "from-env")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MQTT_BROKER_URL", "tcp://broker:1883")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stack.ID != "from-env" {
		t.Errorf("expected env stack id, got %q", cfg.Stack.ID)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Logging.Level)
	}
	if cfg.MQTT.BrokerURL != "tcp://broker:1883" {
		t.Errorf("expected env broker url, got %q", cfg.MQTT.BrokerURL)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "correction:\n  reference_o2: 25\n")

	_, err := config.Load(path)
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func validConfig() config.Config {
	return config.Config{
		MappingsPath: "./config/mappings.yaml",
		Stack:        config.StackConfig{ID: "stack1"},
		HTTP:         config.HTTPConfig{Port: 9090},
		Correction:   config.CorrectionConfig{ReferenceO2: 7},
		Digital:      config.DigitalConfig{RetryAttempts: 3},
		Scheduler:    config.SchedulerConfig{BroadcastInterval: time.Second},
		Storage:      config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: "cems.db"},
		MQTT:         config.MQTTConfig{Enabled: true, BrokerURL: "tcp://localhost:1883", QoS: 1},
		Logging:      config.LoggingConfig{Format: "json"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		field  string
	}{
		{"valid", func(c *config.Config) {}, ""},
		{"empty stack id", func(c *config.Config) { c.Stack.ID = " " }, "stack.id"},
		{"empty mappings path", func(c *config.Config) { c.MappingsPath = "" }, "mappings_path"},
		{"bad port", func(c *config.Config) { c.HTTP.Port = 70000 }, "http.port"},
		{"zero reference", func(c *config.Config) { c.Correction.ReferenceO2 = 0 }, "correction.reference_o2"},
		{"ambient reference", func(c *config.Config) { c.Correction.ReferenceO2 = 21 }, "correction.reference_o2"},
		{"no retry attempts", func(c *config.Config) { c.Digital.RetryAttempts = 0 }, "digital.retry_attempts"},
		{"zero interval", func(c *config.Config) { c.Scheduler.BroadcastInterval = 0 }, "scheduler.broadcast_interval"},
		{"bad driver", func(c *config.Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"missing dsn", func(c *config.Config) { c.Storage.DSN = "" }, "storage.dsn"},
		{"storage disabled", func(c *config.Config) { c.Storage = config.StorageConfig{} }, ""},
		{"missing broker", func(c *config.Config) { c.MQTT.BrokerURL = "" }, "mqtt.broker_url"},
		{"bad qos", func(c *config.Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()

			if tt.field == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			var cfgErr *domain.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, cfgErr.Field)
			}
		})
	}
}
