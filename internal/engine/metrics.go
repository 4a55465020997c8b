package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xela07ax/tbs-engine/internal/domain"
)

type Metrics struct {
	// Latency: сколько длился прогон задачи
	TaskDuration *prometheus.HistogramVec

	// Traffic + Errors: результаты задач по виду и исходу
	TaskResults *prometheus.CounterVec

	// Saturation: сколько аккаунтов в каждом статусе
	AccountsByStatus *prometheus.GaugeVec

	// Длина очереди задач аккаунта
	QueueDepth *prometheus.GaugeVec

	NavigationFailures *prometheus.CounterVec
	AccessRotations    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		TaskDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tbs_task_duration_seconds",
			Help:    "Histogram of task run latencies.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind", "outcome"}),

		TaskResults: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tbs_task_results_total",
			Help: "Total number of finished task runs by outcome.",
		}, []string{"kind", "outcome"}), // исходы: ok, retryable, cancelled, stopped, fatal

		AccountsByStatus: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "tbs_accounts",
			Help: "Current number of accounts by status.",
		}, []string{"status"}),

		QueueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "tbs_queue_depth",
			Help: "Current number of pending tasks per account.",
		}, []string{"account_id"}),

		NavigationFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tbs_navigation_failures_total",
			Help: "Total number of failed navigation attempts.",
		}, []string{"account_id"}),

		AccessRotations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tbs_access_rotations_total",
			Help: "Total number of proxy/user-agent rotations.",
		}, []string{"account_id"}),
	}

	// Все статусы видны в выгрузке сразу, с нулем
	for _, st := range domain.Statuses() {
		m.AccountsByStatus.WithLabelValues(st.String())
	}
	return m
}

// NavigationFailed и AccessRotated — хуки session.Observer
func (m *Metrics) NavigationFailed(id domain.AccountID) {
	m.NavigationFailures.WithLabelValues(string(id)).Inc()
}

func (m *Metrics) AccessRotated(id domain.AccountID) {
	m.AccessRotations.WithLabelValues(string(id)).Inc()
}

func (m *Metrics) statusChanged(from, to domain.Status) {
	if from == to {
		return
	}
	m.AccountsByStatus.WithLabelValues(from.String()).Dec()
	m.AccountsByStatus.WithLabelValues(to.String()).Inc()
}
