package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"automation-engine/internal/workflow"
)

type promMetrics struct {
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	actions           *prometheus.CounterVec
	actionDuration    *prometheus.HistogramVec
	syncs             *prometheus.CounterVec
	syncedRecords     prometheus.Counter
	syncDuration      prometheus.Histogram
}

func newPromMetrics(namespace string, reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_executions_total",
				Help:      "Workflow executions by terminal status",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_execution_duration_seconds",
				Help:      "Wall time of workflow executions",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Actions executed by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of actions including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		syncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datastream_syncs_total",
				Help:      "Data stream sync cycles by outcome",
			},
			[]string{"outcome"},
		),
		syncedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datastream_records_total",
			Help:      "Records delivered by data streams",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "datastream_sync_duration_seconds",
			Help:      "Duration of data stream sync cycles",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.executions,
		m.executionDuration,
		m.actions,
		m.actionDuration,
		m.syncs,
		m.syncedRecords,
		m.syncDuration,
	)
	return m
}

func (m *promMetrics) observeExecution(exec *workflow.Execution) {
	status := string(exec.Status)
	m.executions.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(float64(exec.ExecutionTimeMs) / 1000)
	for _, r := range exec.Results {
		outcome := "success"
		if !r.Success {
			outcome = "failure"
		}
		m.actions.WithLabelValues(string(r.Kind), outcome).Inc()
		m.actionDuration.WithLabelValues(string(r.Kind)).Observe(float64(r.DurationMs) / 1000)
	}
}

func (m *promMetrics) observeSync(records int, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.syncs.WithLabelValues(outcome).Inc()
	m.syncedRecords.Add(float64(records))
	m.syncDuration.Observe(d.Seconds())
}

func handlerFor(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
