package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы запуска оформления.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeNoop      = "noop"
	OutcomeError     = "error"
)

// FulfillmentMetrics содержит метрики оформления полисов и планировщика повторов.
type FulfillmentMetrics struct {
	// Оркестратор
	runs           *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	stepFailures   *prometheus.CounterVec
	eventsAppended *prometheus.CounterVec
	activeRuns     prometheus.Gauge

	// Планировщик повторов
	retryAttempts  prometheus.Counter
	retryExhausted prometheus.Counter
	queueDepth     prometheus.Gauge

	// Административные операции
	refunds *prometheus.CounterVec
}

// NewFulfillmentMetrics регистрирует метрики в DefaultRegisterer.
func NewFulfillmentMetrics() *FulfillmentMetrics {
	return NewFulfillmentMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewFulfillmentMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewFulfillmentMetricsWithRegisterer(registerer prometheus.Registerer) *FulfillmentMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &FulfillmentMetrics{
		runs: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "policyflow_fulfillment_runs_total",
			Help: "Total number of fulfillment runs by outcome",
		}, []string{"outcome"}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "policyflow_fulfillment_step_duration_seconds",
			Help:    "Duration of individual fulfillment steps in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}, []string{"step"}),
		stepFailures: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "policyflow_fulfillment_step_failures_total",
			Help: "Total number of failed fulfillment steps",
		}, []string{"step"}),
		eventsAppended: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "policyflow_policy_events_appended_total",
			Help: "Total number of lifecycle events appended",
		}, []string{"kind"}),
		activeRuns: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "policyflow_fulfillment_active_runs",
			Help: "Number of fulfillment runs in progress",
		}),
		retryAttempts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "policyflow_retry_attempts_total",
			Help: "Total number of fulfillment attempts made by the retry scheduler",
		}),
		retryExhausted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "policyflow_retry_exhausted_total",
			Help: "Total number of policies that exhausted automatic retries",
		}),
		queueDepth: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "policyflow_retry_queue_depth",
			Help: "Number of policies waiting in the retry queue",
		}),
		refunds: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "policyflow_refunds_total",
			Help: "Total number of refund transitions",
		}, []string{"kind"}),
	}
}

// RecordRun увеличивает счётчик запусков оформления с исходом outcome.
func (m *FulfillmentMetrics) RecordRun(outcome string) {
	m.runs.WithLabelValues(outcome).Inc()
}

// RunStarted отмечает начало запуска и возвращает функцию его завершения.
func (m *FulfillmentMetrics) RunStarted() func() {
	m.activeRuns.Inc()
	return m.activeRuns.Dec
}

// RecordStepDuration записывает время выполнения шага.
func (m *FulfillmentMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordStepFailure увеличивает счётчик ошибок шага.
func (m *FulfillmentMetrics) RecordStepFailure(step string) {
	m.stepFailures.WithLabelValues(step).Inc()
}

// RecordEventAppended увеличивает счётчик добавленных событий вида kind.
func (m *FulfillmentMetrics) RecordEventAppended(kind string) {
	m.eventsAppended.WithLabelValues(kind).Inc()
}

// RecordRetryAttempt увеличивает счётчик попыток планировщика.
func (m *FulfillmentMetrics) RecordRetryAttempt() {
	m.retryAttempts.Inc()
}

// RecordRetryExhausted увеличивает счётчик полисов с исчерпанными повторами.
func (m *FulfillmentMetrics) RecordRetryExhausted() {
	m.retryExhausted.Inc()
}

// SetQueueDepth обновляет размер очереди повторов.
func (m *FulfillmentMetrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// RecordRefund увеличивает счётчик переходов возврата (initiated/refunded).
func (m *FulfillmentMetrics) RecordRefund(kind string) {
	m.refunds.WithLabelValues(kind).Inc()
}
