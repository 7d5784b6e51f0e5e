package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RadioCollector exposes metrics for radios brought up by the live host.
type RadioCollector struct {
	gatherer prometheus.Gatherer

	SetupDuration prometheus.Histogram
	SetupFailures prometheus.Counter
	RadiosReady   prometheus.Gauge
	ModeSwitches  *prometheus.CounterVec
}

// NewRadioCollector registers radio metrics against the provided registerer.
func NewRadioCollector(reg prometheus.Registerer) (*RadioCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	setup, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sx127x_setup_duration_seconds",
		Help:    "Duration of SX127x register programming during setup.",
		Buckets: []float64{0.005, 0.01, 0.015, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "sx127x_setup_duration_seconds")
	if err != nil {
		return nil, err
	}

	failures, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sx127x_setup_failures_total",
		Help: "SX127x devices that failed setup, including chips that were not detected.",
	}), "sx127x_setup_failures_total")
	if err != nil {
		return nil, err
	}

	ready, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sx127x_radios_ready",
		Help: "Number of SX127x devices that completed setup.",
	}), "sx127x_radios_ready")
	if err != nil {
		return nil, err
	}

	modes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sx127x_mode_switches_total",
		Help: "Operating mode changes issued to SX127x devices, labeled by target mode.",
	}, []string{"mode"}), "sx127x_mode_switches_total")
	if err != nil {
		return nil, err
	}

	return &RadioCollector{
		gatherer:      gatherer,
		SetupDuration: setup,
		SetupFailures: failures,
		RadiosReady:   ready,
		ModeSwitches:  modes,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RadioCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveSetup records one device setup.
func (c *RadioCollector) ObserveSetup(d time.Duration, err error) {
	if c == nil {
		return
	}
	if err != nil {
		if c.SetupFailures != nil {
			c.SetupFailures.Inc()
		}
		return
	}
	if c.SetupDuration != nil {
		c.SetupDuration.Observe(d.Seconds())
	}
	if c.RadiosReady != nil {
		c.RadiosReady.Inc()
	}
}

// ObserveModeSwitch counts a switch to the named mode.
func (c *RadioCollector) ObserveModeSwitch(mode string) {
	if c == nil || c.ModeSwitches == nil {
		return
	}
	c.ModeSwitches.WithLabelValues(mode).Inc()
}
