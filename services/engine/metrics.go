// services/engine/metrics.go
package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"cellcontrol-go/types"
)

// metrics is the engine's prometheus instrumentation, registered on its own
// registry so tests can run engines side by side.
type metrics struct {
	registry *prometheus.Registry

	ticks        prometheus.Counter
	deviceErrors *prometheus.CounterVec
	staleFields  *prometheus.GaugeVec

	soc        prometheus.Gauge
	targetFlow prometheus.Gauge
	avgTemp    prometheus.Gauge

	rebalances     prometheus.Counter
	missedTriggers prometheus.Gauge
	logRows        prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}

	m.ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cellcontrol", Name: "ticks_total",
		Help: "Completed scheduler ticks.",
	})
	m.deviceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellcontrol", Name: "device_errors_total",
		Help: "Failed device transactions by role.",
	}, []string{"role"})
	m.staleFields = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cellcontrol", Name: "telemetry_stale",
		Help: "1 when the field group carried a stale value last tick.",
	}, []string{"group"})
	m.soc = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellcontrol", Name: "soc",
		Help: "Estimated state of charge (0..1).",
	})
	m.targetFlow = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellcontrol", Name: "target_flow_ul_min",
		Help: "Pump flow target in microlitres per minute.",
	})
	m.avgTemp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellcontrol", Name: "avg_temp_celsius",
		Help: "Averaged electrolyte temperature feeding the Nernst term.",
	})
	m.rebalances = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cellcontrol", Name: "rebalances_total",
		Help: "Rebalance valve openings.",
	})
	m.missedTriggers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellcontrol", Name: "missed_triggers",
		Help: "Rebalance triggers skipped because one was already running.",
	})
	m.logRows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cellcontrol", Name: "log_rows_total",
		Help: "Rows appended to the session CSV.",
	})

	m.registry.MustRegister(m.ticks, m.deviceErrors, m.staleFields,
		m.soc, m.targetFlow, m.avgTemp,
		m.rebalances, m.missedTriggers, m.logRows)
	return m
}

var staleGroups = []struct {
	bit  types.Staleness
	name string
}{
	{types.StaleCycler, "cycler"},
	{types.StalePower, "power"},
	{types.StaleTemps, "temps"},
	{types.StaleRelay, "relay"},
	{types.StalePumpA, "pump_a"},
	{types.StalePumpB, "pump_b"},
}

func (m *metrics) observeTick(s types.TelemetrySample, c types.ControlState, v types.ValveState) {
	m.ticks.Inc()
	for _, g := range staleGroups {
		val := 0.0
		if s.Stale.Has(g.bit) {
			val = 1
		}
		m.staleFields.WithLabelValues(g.name).Set(val)
	}
	m.soc.Set(c.SOC)
	m.targetFlow.Set(float64(c.TargetUlMin))
	m.avgTemp.Set(c.AvgTempC)
	m.missedTriggers.Set(float64(v.MissedTriggers))
}
