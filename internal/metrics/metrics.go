package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rate_guard"

// Metrics agrupa os coletores Prometheus do subsistema
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	ViolationsTotal  *prometheus.CounterVec
	AutoBlocksTotal  prometheus.Counter
	BypassTotal      *prometheus.CounterVec
	StoreErrorsTotal *prometheus.CounterVec
	InFlightRequests prometheus.Gauge
	CheckDuration    prometheus.Histogram
	GCSweepsTotal    prometheus.Counter
	GCKeysRepaired   prometheus.Counter
}

// New registra os coletores no registerer informado. Testes devem usar
// um prometheus.NewRegistry próprio para evitar registro duplicado
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total de decisões de rate limit por política e motivo.",
		}, []string{"policy", "reason"}),

		ViolationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Total de violações registradas por escopo (ip ou user).",
		}, []string{"scope"}),

		AutoBlocksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_blocks_total",
			Help:      "Total de bloqueios automáticos criados pelo rastreador de violações.",
		}),

		BypassTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bypass_total",
			Help:      "Total de requisições isentas por regra de bypass.",
		}, []string{"rule"}),

		StoreErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total de falhas do armazenamento compartilhado por operação.",
		}, []string{"operation"}),

		InFlightRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Requisições em andamento contabilizadas pelo limitador de concorrência.",
		}),

		CheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Duração das verificações de rate limit.",
			Buckets:   prometheus.DefBuckets,
		}),

		GCSweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_sweeps_total",
			Help:      "Total de varreduras executadas pelo garbage collector.",
		}),

		GCKeysRepaired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_keys_repaired_total",
			Help:      "Total de chaves órfãs que receberam TTL durante varreduras.",
		}),
	}
}

// NewDefault registra os coletores no registrador global do processo
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
