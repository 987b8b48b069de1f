// Package metrics collects Prometheus metrics for the queue daemon.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the broker reports. Construct one per
// process; metrics register against the supplied registerer so tests can use
// a private registry.
type Collector struct {
	tasksSubmitted        prometheus.Counter
	tasksConfirmed        prometheus.Counter
	tasksDispatched       prometheus.Counter
	tasksCompleted        prometheus.Counter
	workerFailures        prometheus.Counter
	tasksRecycled         prometheus.Counter
	tasksExpired          prometheus.Counter
	confirmationsExpired  prometheus.Counter
	emailsQueued          prometheus.Counter
	readyTasks            prometheus.Gauge
	processingTasks       prometheus.Gauge
	pendingConfirmations  prometheus.Gauge
}

// NewCollector creates and registers the collector. Pass
// prometheus.DefaultRegisterer in production.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queued_tasks_submitted_total",
			Help: "Total number of model requests submitted for confirmation",
		}),
		tasksConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queued_tasks_confirmed_total",
			Help: "Total number of submissions confirmed into the ready queue",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queued_tasks_dispatched_total",
			Help: "Total number of tasks handed to polling workers",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queued_tasks_completed_total",
			Help: "Total number of tasks reported complete by workers",
		}),
		workerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queued_worker_failures_total",
			Help: "Total number of failures reported by workers",
		}),
		tasksRecycled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queued_tasks_recycled_total",
			Help: "Total number of tasks returned to the ready queue under a fresh id",
		}),
		tasksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queued_tasks_expired_total",
			Help: "Total number of tasks dropped after exhausting the failure budget",
		}),
		confirmationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queued_confirmations_expired_total",
			Help: "Total number of confirmation codes dropped unredeemed",
		}),
		emailsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queued_emails_queued_total",
			Help: "Total number of emails handed to the mail gateway",
		}),
		readyTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queued_tasks_ready",
			Help: "Current number of tasks awaiting a worker",
		}),
		processingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queued_tasks_processing",
			Help: "Current number of tasks held by workers",
		}),
		pendingConfirmations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queued_confirmations_pending",
			Help: "Current number of unredeemed confirmation codes",
		}),
	}

	reg.MustRegister(
		c.tasksSubmitted,
		c.tasksConfirmed,
		c.tasksDispatched,
		c.tasksCompleted,
		c.workerFailures,
		c.tasksRecycled,
		c.tasksExpired,
		c.confirmationsExpired,
		c.emailsQueued,
		c.readyTasks,
		c.processingTasks,
		c.pendingConfirmations,
	)

	return c
}

// RecordSubmitted counts a submission awaiting confirmation.
func (c *Collector) RecordSubmitted() { c.tasksSubmitted.Inc() }

// RecordConfirmed counts a redemption into the ready queue.
func (c *Collector) RecordConfirmed() { c.tasksConfirmed.Inc() }

// RecordDispatched counts a task handed to a worker.
func (c *Collector) RecordDispatched() { c.tasksDispatched.Inc() }

// RecordCompleted counts a successful completion.
func (c *Collector) RecordCompleted() { c.tasksCompleted.Inc() }

// RecordWorkerFailure counts a worker-reported failure.
func (c *Collector) RecordWorkerFailure() { c.workerFailures.Inc() }

// RecordRecycled counts a task re-enqueued under a fresh id.
func (c *Collector) RecordRecycled() { c.tasksRecycled.Inc() }

// RecordExpired counts a task dropped past its failure budget.
func (c *Collector) RecordExpired() { c.tasksExpired.Inc() }

// RecordConfirmationsExpired counts swept confirmation codes.
func (c *Collector) RecordConfirmationsExpired(n int) {
	c.confirmationsExpired.Add(float64(n))
}

// RecordEmailQueued counts a message handed to the mail gateway.
func (c *Collector) RecordEmailQueued() { c.emailsQueued.Inc() }

// UpdateQueueStats refreshes the queue depth gauges.
func (c *Collector) UpdateQueueStats(ready, processing, pending int) {
	c.readyTasks.Set(float64(ready))
	c.processingTasks.Set(float64(processing))
	c.pendingConfirmations.Set(float64(pending))
}

// StartServer exposes /metrics for the given registry on its own listener.
func StartServer(port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
