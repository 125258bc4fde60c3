package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fleet_http_requests_total",
		Help: "HTTP requests handled by the orchestrator API",
	}, []string{"method", "path", "status"})

	ResponseTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_fleet_http_response_time_seconds",
		Help:    "HTTP response latency",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})

	EdgeCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_fleet_edge_capacity",
		Help: "Sum of max_clients over live edge servers",
	})

	ActiveViewers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_fleet_active_viewers",
		Help: "Distinct assigned users with an open viewer session",
	})

	Servers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_fleet_servers",
		Help: "Servers by type and status",
	}, []string{"type", "status"})

	ScaleDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fleet_scale_decisions_total",
		Help: "Scaling decisions by action and outcome",
	}, []string{"action", "outcome"})

	PipelineFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fleet_pipeline_failures_total",
		Help: "Pipeline steps that exhausted their retry budget",
	}, []string{"step"})

	HealthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fleet_health_checks_total",
		Help: "Edge health probes by result",
	}, []string{"result"})

	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_fleet_task_duration_seconds",
		Help:    "Task execution time by type and outcome",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"type", "outcome"})

	QueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_fleet_assignment_queue_length",
		Help: "Users waiting for an edge with free capacity",
	})
)

var registerOnce sync.Once

// Register adds every collector to reg; repeated calls are no-ops.
func Register(reg prometheus.Registerer) error {
	var err error
	registerOnce.Do(func() {
		for _, c := range []prometheus.Collector{
			RequestCounter, ResponseTime, EdgeCapacity, ActiveViewers, Servers,
			ScaleDecisions, PipelineFailures, HealthChecks, TaskDuration, QueueLength,
		} {
			if regErr := reg.Register(c); regErr != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(regErr, &already) {
					err = regErr
					return
				}
			}
		}
	})
	return err
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(method, path string, status int, elapsed time.Duration) {
	RequestCounter.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	ResponseTime.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

func RecordTask(taskType, outcome string, elapsed time.Duration) {
	TaskDuration.WithLabelValues(taskType, outcome).Observe(elapsed.Seconds())
}

func RecordScaleDecision(action, outcome string) {
	ScaleDecisions.WithLabelValues(action, outcome).Inc()
}

func RecordPipelineFailure(step string) {
	PipelineFailures.WithLabelValues(step).Inc()
}

func RecordHealthCheck(healthy bool) {
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	HealthChecks.WithLabelValues(result).Inc()
}
