package service

import (
	"time"

	"github.com/AfshinJalili/gobank/services/account/internal/apperr"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Operations         *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	OracleRequests     *prometheus.CounterVec
	OracleDuration     prometheus.Histogram
	OracleRetries      prometheus.Counter
	OracleCache        *prometheus.CounterVec
	OracleBreakerState prometheus.Gauge
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Total ledger and trading operations by result.",
			},
			[]string{"operation", "result"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Ledger and trading operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		OracleRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_requests_total",
				Help: "Total price oracle fetches by result.",
			},
			[]string{"result"},
		),
		OracleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "oracle_request_duration_seconds",
				Help:    "Price oracle fetch duration in seconds, retries included.",
				Buckets: prometheus.DefBuckets,
			},
		),
		OracleRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "oracle_retries_total",
				Help: "Total price oracle retries.",
			},
		),
		OracleCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_cache_total",
				Help: "Quote cache lookups by result.",
			},
			[]string{"result"},
		),
		OracleBreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "oracle_breaker_state",
				Help: "Price oracle circuit breaker state (0 closed, 1 half-open, 2 open).",
			},
		),
	}

	registry.MustRegister(
		m.Operations,
		m.OperationDuration,
		m.OracleRequests,
		m.OracleDuration,
		m.OracleRetries,
		m.OracleCache,
		m.OracleBreakerState,
	)
	return m
}

// track is deferred by every engine operation with a pointer to its named error.
func (m *Metrics) track(operation string, start time.Time, errp *error) {
	if m == nil {
		return
	}
	result := "success"
	if errp != nil && *errp != nil {
		result = string(apperr.KindOf(*errp))
	}
	m.Operations.WithLabelValues(operation, result).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveOracleRequest(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OracleRequests.WithLabelValues(result).Inc()
	m.OracleDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncOracleRetry() {
	if m == nil {
		return
	}
	m.OracleRetries.Inc()
}

func (m *Metrics) IncOracleCache(result string) {
	if m == nil {
		return
	}
	m.OracleCache.WithLabelValues(result).Inc()
}

func (m *Metrics) SetOracleBreakerState(state string) {
	if m == nil {
		return
	}
	switch state {
	case "closed":
		m.OracleBreakerState.Set(0)
	case "half-open":
		m.OracleBreakerState.Set(1)
	case "open":
		m.OracleBreakerState.Set(2)
	default:
		m.OracleBreakerState.Set(-1)
	}
}
