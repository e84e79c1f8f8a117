package warehouse

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects client-side counters for statement execution. A nil
// *Metrics records nothing.
type Metrics struct {
	requestsTotal          *prometheus.CounterVec
	requestDurationSeconds *prometheus.HistogramVec
	retriesTotal           *prometheus.CounterVec
	pollsTotal             prometheus.Counter
	statementsTotal        *prometheus.CounterVec
	chunksTotal            prometheus.Counter
	rowsTotal              prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. When reg is
// nil the collectors are created but not registered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warehouse_client_requests_total",
				Help: "Total number of HTTP requests sent to the statement API.",
			},
			[]string{"method", "status"},
		),
		requestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warehouse_client_request_duration_seconds",
				Help:    "Time until response headers were received.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warehouse_client_retries_total",
				Help: "Retries after transient failures.",
			},
			[]string{"reason"},
		),
		pollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warehouse_client_polls_total",
			Help: "Status polls issued while waiting for statements.",
		}),
		statementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warehouse_client_statements_total",
				Help: "Statements that reached a final state, by state.",
			},
			[]string{"state"},
		),
		chunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warehouse_client_chunks_total",
			Help: "Result chunks consumed.",
		}),
		rowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warehouse_client_rows_total",
			Help: "Result rows delivered to callers.",
		}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requestsTotal, m.requestDurationSeconds, m.retriesTotal,
		m.pollsTotal, m.statementsTotal, m.chunksTotal, m.rowsTotal,
	}
}

func (m *Metrics) observeRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.requestsTotal.WithLabelValues(method, label).Inc()
	m.requestDurationSeconds.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) observeRetry(reason string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) observePoll() {
	if m == nil {
		return
	}
	m.pollsTotal.Inc()
}

func (m *Metrics) observeStatement(s State) {
	if m == nil {
		return
	}
	m.statementsTotal.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) observeChunk(rows int) {
	if m == nil {
		return
	}
	m.chunksTotal.Inc()
	m.rowsTotal.Add(float64(rows))
}
