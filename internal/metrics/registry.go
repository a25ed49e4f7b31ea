// Package metrics provides Prometheus metrics for the CEMS gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cems"

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionLatency prometheus.Histogram
	BreakerOpen       *prometheus.GaugeVec

	// Acquisition metrics
	CyclesTotal        prometheus.Counter
	CycleDuration      prometheus.Histogram
	DeviceErrors       *prometheus.CounterVec
	ParametersAcquired prometheus.Gauge

	// Cascade metrics
	CascadeTier *prometheus.CounterVec

	// Digital status metrics
	DigitalRefreshes   prometheus.Counter
	DigitalCacheHits   prometheus.Counter
	DigitalPointErrors prometheus.Counter

	// Storage metrics
	StorageWrites       *prometheus.CounterVec
	StorageWriteLatency prometheus.Histogram
	StorageCoalesced    prometheus.Counter

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTPublishLatency    prometheus.Histogram

	// Registry metrics
	RegistryReloads  *prometheus.CounterVec
	MappedParameters prometheus.Gauge
}

// NewRegistry creates the metrics and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on promhttp.Handler().
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "active_connections",
			Help:      "Number of open Modbus connections",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connections_total",
			Help:      "Modbus connection attempts by device and outcome",
		}, []string{"device", "status"}),
		ConnectionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connection_latency_seconds",
			Help:      "Modbus connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		BreakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "breaker_open",
			Help:      "1 while the device's circuit breaker is open",
		}, []string{"device"}),

		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "acquisition",
			Name:      "cycles_total",
			Help:      "Total number of acquisition cycles",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "acquisition",
			Name:      "cycle_duration_seconds",
			Help:      "Acquisition cycle duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		DeviceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "acquisition",
			Name:      "device_errors_total",
			Help:      "Acquisition errors by device and type",
		}, []string{"device", "error_type"}),
		ParametersAcquired: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "acquisition",
			Name:      "parameters",
			Help:      "Parameters produced by the last acquisition cycle",
		}),

		CascadeTier: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cascade",
			Name:      "resolutions_total",
			Help:      "Latest-sample resolutions by winning source",
		}, []string{"source"}),

		DigitalRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "digital",
			Name:      "refreshes_total",
			Help:      "Fresh reads of the digital status points",
		}),
		DigitalCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "digital",
			Name:      "cache_hits_total",
			Help:      "Digital status reads served from cache",
		}),
		DigitalPointErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "digital",
			Name:      "point_errors_total",
			Help:      "Digital points that exhausted their retries",
		}),

		StorageWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "writes_total",
			Help:      "Sample writes by outcome",
		}, []string{"status"}),
		StorageWriteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "Sample write latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		StorageCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "coalesced_total",
			Help:      "Samples superseded before the persist interval elapsed",
		}),

		MQTTMessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
		MQTTPublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),

		RegistryReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "reloads_total",
			Help:      "Mapping registry reloads by outcome",
		}, []string{"status"}),
		MappedParameters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "mapped_parameters",
			Help:      "Parameters mapped to an enabled device",
		}),
	}
}

// RecordConnection records a connection attempt.
func (r *Registry) RecordConnection(device string, success bool, latency float64) {
	r.ConnectionsTotal.WithLabelValues(device, statusLabel(success)).Inc()
	r.ConnectionLatency.Observe(latency)
}

// RecordBreakerState records whether a device's breaker is open.
func (r *Registry) RecordBreakerState(device string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	r.BreakerOpen.WithLabelValues(device).Set(v)
}

// UpdateActiveConnections updates the active connections gauge.
func (r *Registry) UpdateActiveConnections(count int) {
	r.ActiveConnections.Set(float64(count))
}

// RecordCycle records a completed acquisition cycle.
func (r *Registry) RecordCycle(duration float64, parameters int) {
	r.CyclesTotal.Inc()
	r.CycleDuration.Observe(duration)
	r.ParametersAcquired.Set(float64(parameters))
}

// RecordDeviceError records a device-level acquisition error.
func (r *Registry) RecordDeviceError(device, errorType string) {
	r.DeviceErrors.WithLabelValues(device, errorType).Inc()
}

// RecordCascadeSource records which source answered a latest-sample request.
func (r *Registry) RecordCascadeSource(source string) {
	r.CascadeTier.WithLabelValues(source).Inc()
}

// RecordDigitalRead records a digital status read.
func (r *Registry) RecordDigitalRead(cacheHit bool, pointErrors int) {
	if cacheHit {
		r.DigitalCacheHits.Inc()
		return
	}
	r.DigitalRefreshes.Inc()
	r.DigitalPointErrors.Add(float64(pointErrors))
}

// RecordStorageWrite records a sample write.
func (r *Registry) RecordStorageWrite(success bool, latency float64) {
	r.StorageWrites.WithLabelValues(statusLabel(success)).Inc()
	r.StorageWriteLatency.Observe(latency)
}

// RecordStorageCoalesced records a pending sample replaced by a newer one.
func (r *Registry) RecordStorageCoalesced() {
	r.StorageCoalesced.Inc()
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
	r.MQTTPublishLatency.Observe(latency)
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}

// RecordReload records a registry reload.
func (r *Registry) RecordReload(success bool, mappedParameters int) {
	r.RegistryReloads.WithLabelValues(statusLabel(success)).Inc()
	if success {
		r.MappedParameters.Set(float64(mappedParameters))
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
