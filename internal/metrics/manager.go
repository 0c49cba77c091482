package metrics

import (
	"fmt"
	"time"

	"github.com/maxiofs/kvschema/internal/config"
	"github.com/prometheus/client_golang/prometheus"
)

// Manager defines the interface for metrics management
type Manager interface {
	// Upgrade Metrics
	RecordUpgrade(engine string, from, to uint32, duration time.Duration, err error)
	RecordSchemaCommand(engine, op string)
	RecordVersionApplied(engine string)

	// Export
	Gatherer() prometheus.Gatherer
	WriteTextfile(path string) error
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	registry *prometheus.Registry

	upgradesTotal    *prometheus.CounterVec
	upgradeDuration  *prometheus.HistogramVec
	versionsApplied  *prometheus.CounterVec
	commandsTotal    *prometheus.CounterVec
	schemaVersion    *prometheus.GaugeVec
	lastUpgradeStamp *prometheus.GaugeVec
}

// NewManager creates a new metrics manager. A disabled configuration yields
// a manager that records nothing.
func NewManager(cfg config.MetricsConfig) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "kvschema"
	}

	m := &metricsManager{registry: prometheus.NewRegistry()}
	m.initializeMetrics(namespace)
	return m
}

// initializeMetrics sets up all Prometheus metrics
func (m *metricsManager) initializeMetrics(namespace string) {
	m.upgradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "runs_total",
			Help:      "Total number of upgrade runs that changed the stored version",
		},
		[]string{"engine", "status"},
	)

	m.upgradeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "duration_seconds",
			Help:      "Upgrade transaction duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	m.versionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "versions_applied_total",
			Help:      "Total number of schema versions applied",
		},
		[]string{"engine"},
	)

	m.commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "commands_total",
			Help:      "Total number of structural commands issued by upgrades",
		},
		[]string{"engine", "op"},
	)

	m.schemaVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "version",
			Help:      "Stored schema version after the last successful upgrade",
		},
		[]string{"engine"},
	)

	m.lastUpgradeStamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful upgrade",
		},
		[]string{"engine"},
	)

	m.registry.MustRegister(
		m.upgradesTotal,
		m.upgradeDuration,
		m.versionsApplied,
		m.commandsTotal,
		m.schemaVersion,
		m.lastUpgradeStamp,
	)
}

func (m *metricsManager) RecordUpgrade(engine string, from, to uint32, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.upgradesTotal.WithLabelValues(engine, status).Inc()
	m.upgradeDuration.WithLabelValues(engine).Observe(duration.Seconds())

	if err == nil {
		m.schemaVersion.WithLabelValues(engine).Set(float64(to))
		m.lastUpgradeStamp.WithLabelValues(engine).SetToCurrentTime()
	}
}

func (m *metricsManager) RecordSchemaCommand(engine, op string) {
	m.commandsTotal.WithLabelValues(engine, op).Inc()
}

func (m *metricsManager) RecordVersionApplied(engine string) {
	m.versionsApplied.WithLabelValues(engine).Inc()
}

func (m *metricsManager) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the registry in the text exposition format, for the
// node_exporter textfile collector.
func (m *metricsManager) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordUpgrade(engine string, from, to uint32, duration time.Duration, err error) {}
func (n *noopManager) RecordSchemaCommand(engine, op string)                                           {}
func (n *noopManager) RecordVersionApplied(engine string)                                              {}
func (n *noopManager) Gatherer() prometheus.Gatherer                                                   { return prometheus.NewRegistry() }
func (n *noopManager) WriteTextfile(path string) error                                                 { return nil }
