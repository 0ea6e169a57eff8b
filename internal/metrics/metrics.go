// Package metrics defines the Prometheus metrics surface for fanoutsql:
// lock-pool utilization, backend counts, dispatch-worker state, query and
// barrier timings, two-phase-commit outcomes, and reload activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric, registered on an independent
// registry so multiple Collectors (e.g. one per test) never collide.
type Collector struct {
	Registry *prometheus.Registry

	backendCount         prometheus.Gauge
	clientPoolUtil       prometheus.Gauge
	connPoolUtil         *prometheus.GaugeVec
	workerPoolUtil       *prometheus.GaugeVec
	workersBusy          *prometheus.GaugeVec

	queryDuration     *prometheus.HistogramVec
	barrierWait       prometheus.Histogram
	dispatchErrors    *prometheus.CounterVec
	twoPCOutcomes     *prometheus.CounterVec

	reloadsTotal    prometheus.Counter
	reloadFailures  prometheus.Counter
	reloadDuration  prometheus.Histogram
}

// New creates and registers the metrics on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		backendCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanoutsql_backends_configured",
			Help: "Number of backends currently configured",
		}),
		clientPoolUtil: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanoutsql_client_slots_in_use",
			Help: "Number of client connection slots currently held",
		}),
		connPoolUtil: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fanoutsql_backend_conns_in_use",
			Help: "Number of per-backend connection slots currently held",
		}, []string{"backend"}),
		workerPoolUtil: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fanoutsql_backend_workers_in_use",
			Help: "Number of per-backend dispatch-worker slots currently held",
		}, []string{"backend"}),
		workersBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fanoutsql_dispatch_workers_executing",
			Help: "Number of dispatch workers currently executing a query",
		}, []string{"backend"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fanoutsql_query_duration_seconds",
			Help:    "End-to-end dispatch duration by routing decision",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"decision"}),
		barrierWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanoutsql_fanout_barrier_wait_seconds",
			Help:    "Time a fan-out worker spent waiting at the commit barrier",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanoutsql_dispatch_errors_total",
			Help: "Dispatch failures by routing decision",
		}, []string{"decision"}),
		twoPCOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanoutsql_two_phase_commit_outcomes_total",
			Help: "Two-phase-commit fan-out outcomes",
		}, []string{"outcome"}), // "commit" or "rollback"
		reloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanoutsql_backend_reloads_total",
			Help: "Total backend list reloads attempted",
		}),
		reloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanoutsql_backend_reload_failures_total",
			Help: "Total backend list reloads that failed",
		}),
		reloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanoutsql_backend_reload_duration_seconds",
			Help:    "Duration of a backend list reload",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	reg.MustRegister(
		c.backendCount,
		c.clientPoolUtil,
		c.connPoolUtil,
		c.workerPoolUtil,
		c.workersBusy,
		c.queryDuration,
		c.barrierWait,
		c.dispatchErrors,
		c.twoPCOutcomes,
		c.reloadsTotal,
		c.reloadFailures,
		c.reloadDuration,
	)
	return c
}

// SetBackendCount records the current number of configured backends.
func (c *Collector) SetBackendCount(n int) { c.backendCount.Set(float64(n)) }

// SetClientSlotsInUse records the number of held client admission slots.
func (c *Collector) SetClientSlotsInUse(n int) { c.clientPoolUtil.Set(float64(n)) }

// SetBackendPoolUtil records connection- and worker-pool occupancy for one
// backend, identified by its "host:port" label.
func (c *Collector) SetBackendPoolUtil(backend string, connsInUse, workersInUse, workersExecuting int) {
	c.connPoolUtil.WithLabelValues(backend).Set(float64(connsInUse))
	c.workerPoolUtil.WithLabelValues(backend).Set(float64(workersInUse))
	c.workersBusy.WithLabelValues(backend).Set(float64(workersExecuting))
}

// ObserveQueryDuration records one dispatch's wall-clock time.
func (c *Collector) ObserveQueryDuration(decision string, d time.Duration) {
	c.queryDuration.WithLabelValues(decision).Observe(d.Seconds())
}

// ObserveBarrierWait records how long a fan-out worker waited at the
// commit barrier.
func (c *Collector) ObserveBarrierWait(d time.Duration) {
	c.barrierWait.Observe(d.Seconds())
}

// DispatchError increments the error counter for a routing decision.
func (c *Collector) DispatchError(decision string) {
	c.dispatchErrors.WithLabelValues(decision).Inc()
}

// TwoPCOutcome records whether a two-phase-commit fan-out committed or
// rolled back.
func (c *Collector) TwoPCOutcome(committed bool) {
	outcome := "rollback"
	if committed {
		outcome = "commit"
	}
	c.twoPCOutcomes.WithLabelValues(outcome).Inc()
}

// ReloadCompleted records one backend-list reload attempt.
func (c *Collector) ReloadCompleted(d time.Duration, err error) {
	c.reloadsTotal.Inc()
	c.reloadDuration.Observe(d.Seconds())
	if err != nil {
		c.reloadFailures.Inc()
	}
}

// RemoveBackend clears the per-backend gauges for a backend no longer
// configured, so stale label sets don't linger after a reload drops it.
func (c *Collector) RemoveBackend(backend string) {
	c.connPoolUtil.DeleteLabelValues(backend)
	c.workerPoolUtil.DeleteLabelValues(backend)
	c.workersBusy.DeleteLabelValues(backend)
}
