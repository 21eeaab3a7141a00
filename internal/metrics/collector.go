// Package metrics exposes marketplace counters and latencies to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bountyline"

// Collector owns its registry so several engines can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	tasksTotal        *prometheus.CounterVec
	claimConflicts    prometheus.Counter
	matchAssignments  prometheus.Counter
	ratingsTotal      *prometheus.CounterVec
	disputesTotal     *prometheus.CounterVec
	approvalsTotal    *prometheus.CounterVec
	transactionsTotal *prometheus.CounterVec
	payoutAmount      prometheus.Counter
	alertsTotal       *prometheus.CounterVec
	sweepDuration     *prometheus.HistogramVec
	pendingApprovals  prometheus.Gauge
	openTasks         prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		tasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_transitions_total", Help: "Task state transitions by target status",
		}, []string{"status"}),
		claimConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "claim_conflicts_total", Help: "Claims lost to a concurrent claimant",
		}),
		matchAssignments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "router_assignments_total", Help: "Tasks assigned by the workflow router",
		}),
		ratingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rating_pairs_finalized_total", Help: "Finalized rating pairs by outcome",
		}, []string{"outcome"}),
		disputesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "disputes_resolved_total", Help: "Resolved disputes by verdict and path",
		}, []string{"verdict", "by_default"}),
		approvalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "approvals_closed_total", Help: "Closed approval requests by decision",
		}, []string{"decision"}),
		transactionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_transactions_total", Help: "Ledger transactions by kind and status",
		}, []string{"kind", "status"}),
		payoutAmount: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "payout_amount_total", Help: "Units paid to workers",
		}),
		alertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total", Help: "Operator alerts raised by kind",
		}, []string{"kind"}),
		sweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sweep_duration_seconds", Help: "Background sweep duration",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"sweep"}),
		pendingApprovals: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "approvals_pending", Help: "Approval requests waiting for a decision",
		}),
		openTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tasks_open", Help: "Open tasks waiting for a claim",
		}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests by method, route and status class",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) TaskTransition(status string) { c.tasksTotal.WithLabelValues(status).Inc() }

func (c *Collector) ClaimConflicts(n int) { c.claimConflicts.Add(float64(n)) }

func (c *Collector) Assignments(n int) { c.matchAssignments.Add(float64(n)) }

func (c *Collector) RatingFinalized(outcome string) { c.ratingsTotal.WithLabelValues(outcome).Inc() }

func (c *Collector) DisputeResolved(verdict string, byDefault bool) {
	c.disputesTotal.WithLabelValues(verdict, strconv.FormatBool(byDefault)).Inc()
}

func (c *Collector) ApprovalClosed(decision string) { c.approvalsTotal.WithLabelValues(decision).Inc() }

func (c *Collector) Transaction(kind, status string) {
	c.transactionsTotal.WithLabelValues(kind, status).Inc()
}

func (c *Collector) Payout(amount int64) { c.payoutAmount.Add(float64(amount)) }

// Alert counts a condition an operator must look at.
func (c *Collector) Alert(kind string) { c.alertsTotal.WithLabelValues(kind).Inc() }

func (c *Collector) ObserveSweep(name string, d time.Duration) {
	c.sweepDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (c *Collector) SetPendingApprovals(n int) { c.pendingApprovals.Set(float64(n)) }

func (c *Collector) SetOpenTasks(n int) { c.openTasks.Set(float64(n)) }

func (c *Collector) HTTPRequest(method, route string, status int, d time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
