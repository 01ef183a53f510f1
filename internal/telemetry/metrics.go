package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	MessagesReceived    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_messages_received_total", Help: "Messages received from the input queue"})
	MessagesRejected    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_messages_rejected_total", Help: "Messages dropped because the body was not a valid job"})
	MessagesDeferred    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_messages_deferred_total", Help: "Messages left on the queue because the worker backlog was full"})
	ReceiveErrors       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_receive_errors_total", Help: "Failed receive calls against the input queue"})
	ResultsPublished    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_results_published_total", Help: "Results published to the output queue"})
	JobsInFlight        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatcher_jobs_inflight", Help: "Jobs currently being routed"})
	Dispatches          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatcher_dispatches_total", Help: "Routing outcomes by route"}, []string{"route", "outcome"})
	ProvisionOutcomes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dispatcher_provisions_total", Help: "Elastic instance provisioning attempts by outcome"}, []string{"outcome"})
	ProvisionDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "dispatcher_provision_seconds", Help: "Time from create to healthy", Buckets: prometheus.LinearBuckets(60, 60, 15)})
	InstancesTerminated = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_instances_terminated_total", Help: "Elastic instances terminated"})
	DeliveryAttempts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_delivery_attempts_total", Help: "Delivery attempts to processing endpoints"})
	SubmitRejects       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_submit_rate_limit_rejects_total", Help: "Submit requests rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			MessagesReceived,
			MessagesRejected,
			MessagesDeferred,
			ReceiveErrors,
			ResultsPublished,
			JobsInFlight,
			Dispatches,
			ProvisionOutcomes,
			ProvisionDuration,
			InstancesTerminated,
			DeliveryAttempts,
			SubmitRejects,
		)
	})
	return promhttp.Handler()
}
