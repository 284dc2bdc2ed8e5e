// Package metrics holds the Prometheus collectors for pool health, CRUD
// conflicts, and vendor call outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector this proxy exports, scoped to its own
// prometheus.Registry so /metrics can be served on a separate port from the
// authenticated API surface.
type Registry struct {
	registry *prometheus.Registry

	PoolActiveAccounts  prometheus.Gauge
	PoolCoolingAccounts prometheus.Gauge
	PoolHealthScore     prometheus.Gauge

	CRUDVersionConflicts prometheus.Counter

	VendorRequestsTotal *prometheus.CounterVec
	VendorRetriesTotal  *prometheus.CounterVec

	RefreshRunsTotal *prometheus.CounterVec
}

// NewRegistry builds and registers all collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,

		PoolActiveAccounts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kiro_pool_active_accounts",
			Help: "Number of accounts currently in the active pool tier.",
		}),
		PoolCoolingAccounts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kiro_pool_cooling_accounts",
			Help: "Number of accounts currently in the cooling pool tier.",
		}),
		PoolHealthScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kiro_pool_health_score",
			Help: "Account pool health score in [0,100].",
		}),

		CRUDVersionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiro_crud_version_conflicts_total",
			Help: "Total optimistic-version conflicts across all v2 CRUD resources.",
		}),

		VendorRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiro_vendor_requests_total",
			Help: "Total requests sent to the Kiro vendor API, by outcome.",
		}, []string{"outcome"}),
		VendorRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiro_vendor_retries_total",
			Help: "Total request-orchestrator retries against the vendor, by reason.",
		}, []string{"reason"}),

		RefreshRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiro_refresh_runs_total",
			Help: "Total token refresh attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler returns the promhttp handler serving this registry's metrics in
// Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
