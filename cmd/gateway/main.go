// Package main is the entry point for the CEMS gateway service.
// It wires acquisition, correction, persistence and broadcasting together and
// manages the application lifecycle.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/yutthachai69/cems2-2newupdate/internal/adapter/config"
	"github.com/yutthachai69/cems2-2newupdate/internal/adapter/modbus"
	"github.com/yutthachai69/cems2-2newupdate/internal/adapter/mqtt"
	"github.com/yutthachai69/cems2-2newupdate/internal/adapter/storage"
	"github.com/yutthachai69/cems2-2newupdate/internal/correction"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
	"github.com/yutthachai69/cems2-2newupdate/internal/health"
	"github.com/yutthachai69/cems2-2newupdate/internal/metrics"
	"github.com/yutthachai69/cems2-2newupdate/internal/registry"
	"github.com/yutthachai69/cems2-2newupdate/internal/retry"
	"github.com/yutthachai69/cems2-2newupdate/internal/service"
	"github.com/yutthachai69/cems2-2newupdate/pkg/logging"
)

const (
	serviceName    = "cems-gateway"
	serviceVersion = "1.0.0"
)

func main() {
	var (
		configPath   = pflag.StringP("config", "c", "", "path to config file (default: search ./, ./config, /etc/cems-gateway)")
		mappingsPath = pflag.StringP("mappings", "m", "", "path to mapping file or directory (overrides mappings_path)")
		testDevice   = pflag.String("test-device", "", "test the connection to the named device and exit")
		initMappings = pflag.Bool("init-mappings", false, "write an empty mapping file if none exists and exit")
		showVersion  = pflag.BoolP("version", "v", false, "print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", serviceName, serviceVersion)
		return
	}

	bootLogger := logging.New(serviceName, serviceVersion)

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *mappingsPath != "" {
		cfg.MappingsPath = *mappingsPath
	}

	logger := logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stdout",
	})
	logger = logging.WithStackContext(logger, cfg.Stack.ID, cfg.Stack.Name)
	logger.Info().Str("env", cfg.Environment).Str("mappings", cfg.MappingsPath).Msg("Configuration loaded")

	if *initMappings {
		if err := writeMappingTemplate(cfg.MappingsPath); err != nil {
			logger.Fatal().Err(err).Msg("Failed to write mapping file")
		}
		logger.Info().Str("path", cfg.MappingsPath).Msg("Mapping file ready")
		return
	}

	// Initialize metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsRegistry := metrics.NewRegistry(promRegistry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Device gateway and mapping registry
	// =============================================================

	gateway := modbus.NewGateway(modbus.GatewayConfig{
		ConnectionTimeout:       cfg.Modbus.ConnectionTimeout,
		ResponseTimeout:         cfg.Modbus.ResponseTimeout,
		IdleTimeout:             cfg.Modbus.IdleTimeout,
		MaintenancePeriod:       cfg.Modbus.MaintenancePeriod,
		BreakerFailureThreshold: cfg.Modbus.CBFailureThreshold,
		BreakerTimeout:          cfg.Modbus.CBTimeout,
		BreakerMaxRequests:      cfg.Modbus.CBMaxRequests,
	}, logger, metricsRegistry)
	defer gateway.Close()

	loader := config.NewFileLoader(cfg.MappingsPath)
	mappingRegistry := registry.New(loader, logger, metricsRegistry)
	mappingRegistry.Subscribe(func(s *registry.State) {
		gateway.SyncDevices(s.Devices())
	})

	if _, err := mappingRegistry.Load(ctx); err != nil {
		logger.Error().Err(err).Msg("Initial mapping load failed, starting with no devices")
	}

	if *testDevice != "" {
		code := runConnectionTest(ctx, logger, gateway, mappingRegistry.Current(), *testDevice)
		gateway.Close()
		os.Exit(code)
	}

	// =============================================================
	// Persistence
	// =============================================================

	var (
		store  *storage.SQLStore
		writer *storage.Writer
	)
	if cfg.Storage.Enabled {
		store, err = storage.Open(ctx, storage.Config{
			Driver: storage.Dialect(cfg.Storage.Driver),
			DSN:    cfg.Storage.DSN,
			Table:  cfg.Storage.Table,
		}, logger, metricsRegistry)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to open sample store, persistence disabled")
		} else {
			writer = storage.NewWriter(storage.WriterConfig{
				PersistInterval: cfg.Storage.PersistInterval,
				QueueSize:       cfg.Storage.QueueSize,
				WriteTimeout:    cfg.Storage.WriteTimeout,
			}, store, logger, metricsRegistry)
			logger.Info().Str("driver", cfg.Storage.Driver).Dur("persist_interval", cfg.Storage.PersistInterval).Msg("Sample persistence enabled")
		}
	}

	// =============================================================
	// Services
	// =============================================================

	stack := service.StackInfo{ID: cfg.Stack.ID, Name: cfg.Stack.Name}

	acquirer := service.NewAcquirer(service.AcquisitionConfig{
		Parallel:       cfg.Acquisition.Parallel,
		MaxConcurrency: cfg.Acquisition.MaxConcurrency,
		DeviceTimeout:  cfg.Acquisition.DeviceTimeout,
	}, mappingRegistry, gateway, logger, metricsRegistry)

	engine := correction.NewEngine(cfg.Correction.ReferenceO2)

	var sampleWriter domain.SampleWriter
	if writer != nil {
		sampleWriter = writer
	}
	providers := []service.SourceProvider{
		service.NewLiveSource(acquirer, engine, mappingRegistry, sampleWriter, stack, logger),
	}
	if store != nil {
		providers = append(providers, service.NewPersistedSource(store, mappingRegistry, logger))
	}
	providers = append(providers, service.NewDefaultSource(mappingRegistry, stack))
	cascade := service.NewCascade(providers, logger, metricsRegistry)

	digital := service.NewDigitalCache(service.DigitalConfig{
		TTL: cfg.Digital.TTL,
		Retry: retry.Policy{
			MaxAttempts: cfg.Digital.RetryAttempts,
			BaseDelay:   cfg.Digital.RetryBaseDelay,
			Multiplier:  cfg.Digital.RetryMultiplier,
		},
	}, mappingRegistry, gateway, logger, metricsRegistry)

	// =============================================================
	// Broadcasting
	// =============================================================

	var (
		publisher       *mqtt.Publisher
		samplePublisher domain.SamplePublisher
		statusPublisher domain.StatusPublisher
	)
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			PublishTimeout: cfg.MQTT.PublishTimeout,
			BufferSize:     cfg.MQTT.BufferSize,
			RetainMessages: cfg.MQTT.Retain,
		}, logger, metricsRegistry)

		if err := publisher.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to connect to MQTT broker, broadcasting disabled")
			publisher = nil
		} else {
			samplePublisher, statusPublisher = publisher, publisher
		}
	}

	scheduler := service.NewScheduler(service.SchedulerConfig{
		StackID:           cfg.Stack.ID,
		BroadcastInterval: cfg.Scheduler.BroadcastInterval,
		StatusInterval:    cfg.Scheduler.StatusInterval,
		ShutdownTimeout:   cfg.Scheduler.ShutdownTimeout,
	}, cascade, digital, samplePublisher, statusPublisher, logger)

	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	// =============================================================
	// Mapping hot reload
	// =============================================================

	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	if cfg.WatchMappings {
		watcher := config.NewWatcher(loader, 0, func(ctx context.Context) {
			if _, err := mappingRegistry.Load(ctx); err != nil {
				return
			}
			digital.Invalidate()
		}, logger)
		go func() {
			defer close(watchDone)
			if err := watcher.Run(watchCtx); err != nil {
				logger.Warn().Err(err).Msg("Mapping watcher stopped")
			}
		}()
	} else {
		close(watchDone)
	}

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("registry", mappingRegistry, true)
	healthChecker.AddCheck("modbus", gateway, false)
	if store != nil {
		healthChecker.AddCheck("storage", store, true)
	}
	if publisher != nil {
		healthChecker.AddCheck("mqtt", publisher, false)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{Registry: promRegistry}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		state := mappingRegistry.Current()
		status := map[string]any{
			"service":   serviceName,
			"version":   serviceVersion,
			"stack":     stack,
			"scheduler": scheduler.Stats(),
			"modbus":    gateway.Stats(),
			"mappings": map[string]any{
				"version":     state.Version(),
				"fingerprint": state.Fingerprint(),
				"loaded_at":   state.LoadedAt(),
				"devices":     len(state.Devices()),
				"parameters":  state.MappedParameters(),
			},
		}
		if publisher != nil {
			status["mqtt"] = publisher.Stats()
		}
		if writer != nil {
			status["storage_pending"] = writer.Pending()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:     mux,
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("devices", len(mappingRegistry.Current().Devices())).
		Strs("checks", healthChecker.Names()).
		Bool("persistence", writer != nil).
		Bool("broadcasting", publisher != nil).
		Msg("CEMS gateway started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	stopWatch()
	<-watchDone

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping scheduler")
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	if publisher != nil {
		publisher.Disconnect()
	}

	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error().Err(err).Msg("Error flushing sample writer")
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing sample store")
		}
	}

	// Gateway is closed by defer
	logger.Info().Msg("CEMS gateway shutdown complete")
}

// runConnectionTest dials the named device and reports the outcome as an
// exit code.
func runConnectionTest(ctx context.Context, logger zerolog.Logger, gateway *modbus.Gateway, state *registry.State, name string) int {
	device, ok := state.Device(name)
	if !ok {
		logger.Error().Str("device", name).Msg("Device not found in mapping configuration")
		return 2
	}

	start := time.Now()
	if err := gateway.TestConnection(ctx, device); err != nil {
		logger.Error().Err(err).Str("device", name).Str("address", device.Address()).Msg("Connection test failed")
		return 1
	}
	logger.Info().
		Str("device", name).
		Str("address", device.Address()).
		Dur("latency", time.Since(start)).
		Msg("Connection test succeeded")
	return 0
}

// writeMappingTemplate creates an empty mapping file at path unless one
// already exists.
func writeMappingTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return config.SaveMappings(path, domain.MappingTable{
		Devices:       []domain.DeviceDescriptor{},
		Mappings:      []domain.ParameterMapping{},
		DigitalPoints: []domain.DigitalPoint{},
	})
}
