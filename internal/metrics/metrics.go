// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/adiadia/governance-tracker/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	connectionStateCounter   *prometheus.CounterVec
	reconnectAttemptsCounter prometheus.Counter
	messagesProcessedCounter *prometheus.CounterVec
	messagesDiscardedCounter *prometheus.CounterVec
	workflowsFinishedCounter *prometheus.CounterVec
	executionsEvictedCounter prometheus.Counter
	webhookDeliveriesCounter *prometheus.CounterVec
	retentionDurationMetric  prometheus.Histogram
	activeConnectionsGauge   prometheus.Gauge
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		connectionStateCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_connection_state_transitions_total",
				Help: "Total number of SSE connection state transitions by target state.",
			},
			[]string{"state"},
		)

		reconnectAttemptsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tracker_reconnect_attempts_total",
				Help: "Total number of SSE reconnect attempts.",
			},
		)

		messagesProcessedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_messages_processed_total",
				Help: "Total number of execution messages applied by kind.",
			},
			[]string{"kind"},
		)

		messagesDiscardedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_messages_discarded_total",
				Help: "Total number of execution messages discarded by reason.",
			},
			[]string{"reason"},
		)

		workflowsFinishedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_workflows_finished_total",
				Help: "Total number of executions that reached a terminal status.",
			},
			[]string{"status"},
		)

		executionsEvictedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tracker_executions_evicted_total",
				Help: "Total number of finished executions evicted from memory.",
			},
		)

		webhookDeliveriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_webhook_deliveries_total",
				Help: "Total number of terminal webhook deliveries by outcome.",
			},
			[]string{"outcome"},
		)

		retentionDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tracker_retention_pass_duration_seconds",
				Help:    "Duration of retention passes in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		activeConnectionsGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracker_active_connections",
				Help: "Number of open SSE connections to the governance server.",
			},
		)

		prometheus.MustRegister(
			connectionStateCounter,
			reconnectAttemptsCounter,
			messagesProcessedCounter,
			messagesDiscardedCounter,
			workflowsFinishedCounter,
			executionsEvictedCounter,
			webhookDeliveriesCounter,
			retentionDurationMetric,
			activeConnectionsGauge,
		)

		for _, status := range []domain.ExecutionStatus{
			domain.ExecutionCompleted,
			domain.ExecutionError,
			domain.ExecutionCancelled,
		} {
			workflowsFinishedCounter.WithLabelValues(string(status))
		}
		for _, outcome := range []string{"delivered", "failed"} {
			webhookDeliveriesCounter.WithLabelValues(outcome)
		}
	})
}

func IncConnectionState(state string) {
	Init()
	connectionStateCounter.WithLabelValues(state).Inc()
}

func IncReconnectAttempts() {
	Init()
	reconnectAttemptsCounter.Inc()
}

func IncMessagesProcessed(kind string) {
	Init()
	messagesProcessedCounter.WithLabelValues(kind).Inc()
}

func IncMessagesDiscarded(reason string) {
	Init()
	messagesDiscardedCounter.WithLabelValues(reason).Inc()
}

func IncWorkflowFinished(status string) {
	Init()
	workflowsFinishedCounter.WithLabelValues(status).Inc()
}

func AddExecutionsEvicted(n int) {
	Init()
	executionsEvictedCounter.Add(float64(n))
}

func IncWebhookDelivery(outcome string) {
	Init()
	webhookDeliveriesCounter.WithLabelValues(outcome).Inc()
}

func ObserveRetentionDuration(d time.Duration) {
	Init()
	retentionDurationMetric.Observe(d.Seconds())
}

func SetActiveConnections(n int) {
	Init()
	activeConnectionsGauge.Set(float64(n))
}
