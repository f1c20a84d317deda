// Package metric exposes runtime counters of the component runtime through a
// Prometheus registry.
package metric

import (
	"net/http"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scr"

type Config struct {
	Path                      string `mapstructure:"path" default:"/metrics"`
	EnabledGoCollector        bool   `mapstructure:"enabledGoCollector"`
	EnabledBuildInfoCollector bool   `mapstructure:"enabledBuildInfoCollector"`
}

// Metrics is safe to use from many goroutines. A nil *Metrics is a valid
// no-op recorder.
type Metrics struct {
	Config   Config
	Registry *prometheus.Registry

	activations        *prometheus.CounterVec
	activationFailures *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	factoryInstances   prometheus.Counter
	bundleExtensions   prometheus.Gauge
	activeComponents   prometheus.Gauge
}

func New(c Config) *Metrics {
	if c.Path == "" {
		c.Path = "/metrics"
	}

	m := &Metrics{
		Config:   c,
		Registry: prometheus.NewRegistry(),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "component_activations_total",
			Help:      "Component instances activated.",
		}, []string{"component"}),
		activationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "component_activation_failures_total",
			Help:      "Component activations that failed.",
		}, []string{"component"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_notifications_total",
			Help:      "Configuration change notifications delivered to components.",
		}, []string{"event"}),
		factoryInstances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "factory_instances_total",
			Help:      "Component managers created from factory configurations.",
		}),
		bundleExtensions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bundle_extensions",
			Help:      "Bundles whose components are managed.",
		}),
		activeComponents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_components",
			Help:      "Component configurations currently active.",
		}),
	}
	m.Registry.MustRegister(
		m.activations,
		m.activationFailures,
		m.notifications,
		m.factoryInstances,
		m.bundleExtensions,
		m.activeComponents,
	)

	if c.EnabledGoCollector {
		m.WithGoCollectorRuntimeMetrics()
	}
	if c.EnabledBuildInfoCollector {
		m.WithBuildInfoCollector()
	}

	return m
}

func (m *Metrics) WithGoCollectorRuntimeMetrics() {
	m.Registry.MustRegister(collectors.NewGoCollector(
		collectors.WithGoCollectorRuntimeMetrics(collectors.GoRuntimeMetricsRule{Matcher: regexp.MustCompile("/.*")}),
	))
}

func (m *Metrics) WithBuildInfoCollector() {
	m.Registry.MustRegister(collectors.NewBuildInfoCollector())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) Activated(component string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(component).Inc()
	m.activeComponents.Inc()
}

func (m *Metrics) Deactivated() {
	if m == nil {
		return
	}
	m.activeComponents.Dec()
}

func (m *Metrics) ActivationFailed(component string) {
	if m == nil {
		return
	}
	m.activationFailures.WithLabelValues(component).Inc()
}

func (m *Metrics) Notified(event string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event).Inc()
}

func (m *Metrics) FactoryInstanceCreated() {
	if m == nil {
		return
	}
	m.factoryInstances.Inc()
}

func (m *Metrics) ExtensionAdded() {
	if m == nil {
		return
	}
	m.bundleExtensions.Inc()
}

func (m *Metrics) ExtensionRemoved() {
	if m == nil {
		return
	}
	m.bundleExtensions.Dec()
}
