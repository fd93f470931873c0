package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing, which keeps library code and
// tests free of registry plumbing.
type Metrics struct {
	FactsStored              *prometheus.CounterVec
	RememberSkipped          prometheus.Counter
	Recalls                  *prometheus.CounterVec
	RecallLatency            prometheus.Histogram
	Compactions              *prometheus.CounterVec
	CollaboratorErrors       *prometheus.CounterVec
	RetrievalInconsistencies prometheus.Counter
	ActiveUsers              prometheus.Gauge
	ChatTurns                *prometheus.CounterVec
	RateLimited              prometheus.Counter
}

// NewMetrics registers the instruments with reg under namespace. Tests pass
// a fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FactsStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_stored_total",
			Help:      "Fact chunks written to long-term memory by category.",
		}, []string{"category"}),
		RememberSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remember_skipped_total",
			Help:      "Utterances classified as not durable.",
		}),
		Recalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalls_total",
			Help:      "Recall calls by result (hit, empty, degraded).",
		}, []string{"result"}),
		RecallLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recall_latency_ms",
			Help:      "Recall latency in milliseconds, embedding included.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		Compactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Compaction runs by result.",
		}, []string{"result"}),
		CollaboratorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_errors_total",
			Help:      "Failed calls to the embedder, vector index or completer.",
		}, []string{"collaborator", "op"}),
		RetrievalInconsistencies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_inconsistencies_total",
			Help:      "Recalled records that belonged to another user and were dropped.",
		}),
		ActiveUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_users",
			Help:      "Users with short-term memory currently held.",
		}),
		ChatTurns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Chat turns handled by transport and result.",
		}, []string{"transport", "result"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Chat messages rejected by the per-user rate limiter.",
		}),
	}
}

func (m *Metrics) FactStored(category string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FactsStored.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) Skipped() {
	if m == nil {
		return
	}
	m.RememberSkipped.Inc()
}

func (m *Metrics) ObserveRecall(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Recalls.WithLabelValues(result).Inc()
	m.RecallLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) Compaction(result string) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(result).Inc()
}

func (m *Metrics) CollaboratorError(collaborator, op string) {
	if m == nil {
		return
	}
	m.CollaboratorErrors.WithLabelValues(collaborator, op).Inc()
}

func (m *Metrics) Inconsistency() {
	if m == nil {
		return
	}
	m.RetrievalInconsistencies.Inc()
}

func (m *Metrics) SetActiveUsers(n int) {
	if m == nil {
		return
	}
	m.ActiveUsers.Set(float64(n))
}

func (m *Metrics) ChatTurn(transport, result string) {
	if m == nil {
		return
	}
	m.ChatTurns.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) Limited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
