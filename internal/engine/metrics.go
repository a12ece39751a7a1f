package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько заняла классификация (включая выбор ключа и вызов провайдера)
	ClassifyDuration *prometheus.HistogramVec

	// Traffic/Errors: исходы классификации (clean, flagged, no_credential, provider_error, not_attempted)
	ClassifyTotal *prometheus.CounterVec

	// Здоровье пула ключей
	CredentialFailures      *prometheus.CounterVec
	CredentialDeactivations prometheus.Counter
	ActiveCredentials       prometheus.Gauge

	// Saturation: состояние Circuit Breaker провайдера (0 - closed, 0.5 - half-open, 1 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Модерация
	ModerationTransitions *prometheus.CounterVec

	// Audit: отказы персистентного стока и заполненность буфера (backpressure)
	AuditPersistFailures prometheus.Counter
	AuditBufferFill      prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ClassifyDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toxguard_classify_duration_seconds",
			Help:    "Histogram of classification latencies.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"outcome"}),

		ClassifyTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "toxguard_classify_total",
			Help: "Total number of classification attempts by outcome.",
		}, []string{"outcome"}),

		CredentialFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "toxguard_credential_failures_total",
			Help: "Provider failures attributed to a credential.",
		}, []string{"credential_id"}),

		CredentialDeactivations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "toxguard_credential_deactivations_total",
			Help: "Credentials removed from rotation by the failure threshold.",
		}),

		ActiveCredentials: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "toxguard_active_credentials",
			Help: "Number of credentials currently eligible for selection.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "toxguard_circuit_breaker_state",
			Help: "Current state of the provider circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"breaker"}),

		ModerationTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "toxguard_moderation_transitions_total",
			Help: "Committed moderation state transitions.",
		}, []string{"from", "to", "override"}),

		AuditPersistFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "toxguard_audit_persist_failures_total",
			Help: "Audit events the persisted store did not accept.",
		}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "toxguard_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
