package api

import (
	"github.com/packhouse/stockline/migration"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the run's counters to Prometheus. Everything is a
// GaugeFunc reading the orchestrator's atomics, so scrapes see live values
// during the rebuild without any instrumentation inside the engine.
type Metrics struct {
	registry *prometheus.Registry
}

// NewMetrics builds and registers the metric set on a private registry.
func NewMetrics(orch *migration.Orchestrator) *Metrics {
	reg := prometheus.NewRegistry()
	stats := orch.Stats()

	gauge := func(name, help string, fn func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "stockline",
			Subsystem: "migration",
			Name:      name,
			Help:      help,
		}, fn))
	}

	gauge("rows_scanned", "Legacy rows read by the rebuild.",
		func() float64 { return float64(stats.Scanned.Load()) })
	gauge("rows_migrated", "Rows written to the normalized table.",
		func() float64 { return float64(stats.Migrated.Load()) })
	gauge("rows_skipped", "Rows skipped as validation failures.",
		func() float64 { return float64(stats.Skipped.Load()) })
	gauge("lots_created", "Lots lazily created during the rebuild.",
		func() float64 { return float64(stats.LotsCreated.Load()) })
	gauge("checks_passed", "Integrity checks passed on the last validation.",
		func() float64 { return float64(orch.ChecksPassed()) })
	gauge("state", "Orchestrator state as an enum ordinal.",
		func() float64 { return float64(orch.State()) })

	return &Metrics{registry: reg}
}
