package api

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// Prometheus Metrics for Stock Movements
// =============================================================================

// Metrics owns its registry so several servers (and tests) can coexist in
// one process without duplicate-registration panics.
type Metrics struct {
	Registry *prometheus.Registry

	// Operations counts engine calls.
	// Labels: operation (allocate, update), outcome (ok, rejected, not_found, error)
	Operations *prometheus.CounterVec

	// UnitsMoved counts units leaving or returning to the pool.
	// Labels: direction (allocated, returned)
	UnitsMoved *prometheus.CounterVec

	// MaterialStock is the last observed CurrentStock per material.
	MaterialStock *prometheus.GaugeVec

	// AuditDiscrepancies is the number of inconsistent materials in the last audit run.
	AuditDiscrepancies prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock",
			Name:      "operations_total",
			Help:      "Allocation engine calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		UnitsMoved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock",
			Name:      "units_moved_total",
			Help:      "Units moved between the material pool and machines",
		}, []string{"direction"}),
		MaterialStock: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stock",
			Name:      "material_current",
			Help:      "Current available stock per material",
		}, []string{"material"}),
		AuditDiscrepancies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stock",
			Name:      "audit_discrepancies",
			Help:      "Materials failing the conservation audit in the last run",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) observe(operation string, err error) {
	m.Operations.WithLabelValues(operation, outcome(err)).Inc()
}

// moved records a signed pool delta: negative leaves the pool.
func (m *Metrics) moved(poolDelta int64) {
	switch {
	case poolDelta < 0:
		m.UnitsMoved.WithLabelValues("allocated").Add(float64(-poolDelta))
	case poolDelta > 0:
		m.UnitsMoved.WithLabelValues("returned").Add(float64(poolDelta))
	}
}

func (m *Metrics) stock(id stock.MaterialID, current int64) {
	m.MaterialStock.WithLabelValues(string(id)).Set(float64(current))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case stock.IsNotFound(err):
		return "not_found"
	case stock.IsClientError(err), errors.Is(err, stock.ErrConcurrentModification):
		return "rejected"
	default:
		return "error"
	}
}
