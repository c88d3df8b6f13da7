package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/harun/nouschat/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the Prometheus metrics of the plugin host. It implements
// plugin.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	PluginLoadsTotal       *prometheus.CounterVec
	HookInvocationsTotal   *prometheus.CounterVec
	HookDuration           *prometheus.HistogramVec
	CommandExecutionsTotal *prometheus.CounterVec
}

var _ plugin.Recorder = (*Metrics)(nil)

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		PluginLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nouschat",
				Name:      "plugin_loads_total",
				Help:      "Plugin load attempts by outcome (ok or the failing stage)",
			},
			[]string{"plugin_id", "outcome"},
		),
		HookInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nouschat",
				Name:      "hook_invocations_total",
				Help:      "Hook handler invocations by outcome (ok, error, timeout)",
			},
			[]string{"hook", "plugin_id", "outcome"},
		),
		HookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nouschat",
				Name:      "hook_duration_seconds",
				Help:      "Duration of hook handler invocations in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"hook"},
		),
		CommandExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nouschat",
				Name:      "command_executions_total",
				Help:      "Slash commands routed, by whether a plugin handled them",
			},
			[]string{"command", "handled"},
		),
	}

	registry.MustRegister(
		m.PluginLoadsTotal,
		m.HookInvocationsTotal,
		m.HookDuration,
		m.CommandExecutionsTotal,
	)

	return m
}

// PluginLoad counts a load attempt
func (m *Metrics) PluginLoad(pluginID, outcome string) {
	m.PluginLoadsTotal.WithLabelValues(pluginID, outcome).Inc()
}

// HookInvocation counts one handler call and observes its duration
func (m *Metrics) HookInvocation(hook, pluginID, outcome string, d time.Duration) {
	m.HookInvocationsTotal.WithLabelValues(hook, pluginID, outcome).Inc()
	m.HookDuration.WithLabelValues(hook).Observe(d.Seconds())
}

// CommandExecution counts a routed command
func (m *Metrics) CommandExecution(command string, handled bool) {
	label := "false"
	if handled {
		label = "true"
	}
	m.CommandExecutionsTotal.WithLabelValues(command, label).Inc()
}

// TrackPlugins exports the number of loaded plugins as a gauge read from
// count at scrape time.
func (m *Metrics) TrackPlugins(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "nouschat",
			Name:      "plugins_loaded",
			Help:      "Number of plugins currently loaded",
		},
		func() float64 { return float64(count()) },
	))
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
