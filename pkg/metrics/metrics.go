package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder groups the wallet collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	DiscoveryRuns       *prometheus.CounterVec
	AccountsDiscovered  *prometheus.CounterVec
	BackendConnects     *prometheus.CounterVec
	BackendRequests     *prometheus.HistogramVec
	TransactionsSent    *prometheus.CounterVec
	PendingOutcomes     *prometheus.CounterVec
	PendingTransactions *prometheus.GaugeVec
}

// NewRecorder registers the collectors on reg, or on a fresh registry when reg is nil.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		DiscoveryRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hwwallet_discovery_runs_total",
			Help: "Discovery runs by network and outcome",
		}, []string{"network", "outcome"}),
		AccountsDiscovered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hwwallet_accounts_discovered_total",
			Help: "Accounts recorded by discovery",
		}, []string{"network"}),
		BackendConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hwwallet_backend_connects_total",
			Help: "Backend connection attempts by network and result",
		}, []string{"network", "result"}),
		BackendRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hwwallet_backend_request_duration_seconds",
			Help:    "Duration of backend requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"network", "method"}),
		TransactionsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hwwallet_transactions_sent_total",
			Help: "Send attempts by network and result",
		}, []string{"network", "result"}),
		PendingOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hwwallet_pending_outcomes_total",
			Help: "Pending transaction resolutions by outcome",
		}, []string{"network", "outcome"}),
		PendingTransactions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hwwallet_pending_transactions",
			Help: "Transactions waiting for confirmation",
		}, []string{"network"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) DiscoveryRun(network, outcome string) {
	if r == nil {
		return
	}
	r.DiscoveryRuns.WithLabelValues(network, outcome).Inc()
}

func (r *Recorder) AccountDiscovered(network string) {
	if r == nil {
		return
	}
	r.AccountsDiscovered.WithLabelValues(network).Inc()
}

func (r *Recorder) BackendConnect(network string, err error) {
	if r == nil {
		return
	}
	r.BackendConnects.WithLabelValues(network, result(err)).Inc()
}

// ObserveRequest times a backend call started at start.
func (r *Recorder) ObserveRequest(network, method string, start time.Time) {
	if r == nil {
		return
	}
	r.BackendRequests.WithLabelValues(network, method).Observe(time.Since(start).Seconds())
}

func (r *Recorder) TransactionSent(network string, err error) {
	if r == nil {
		return
	}
	r.TransactionsSent.WithLabelValues(network, result(err)).Inc()
}

func (r *Recorder) PendingOutcome(network, outcome string) {
	if r == nil {
		return
	}
	r.PendingOutcomes.WithLabelValues(network, outcome).Inc()
}

func (r *Recorder) SetPending(network string, n int) {
	if r == nil {
		return
	}
	r.PendingTransactions.WithLabelValues(network).Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
