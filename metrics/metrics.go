// Package metrics exposes harvester counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus metrics for the harvest pipeline
type Collector struct {
	pagesFetched  *prometheus.CounterVec
	recordsSaved  *prometheus.CounterVec
	sourceErrors  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	budgetWait    *prometheus.HistogramVec
	tasksByStatus *prometheus.GaugeVec
}

// NewCollector creates the collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_pages_fetched_total",
			Help: "Listing pages fetched successfully",
		}, []string{"source"}),
		recordsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_records_saved_total",
			Help: "Harvested records upserted into the sink",
		}, []string{"source"}),
		sourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_source_errors_total",
			Help: "Failed page fetches by error kind",
		}, []string{"source", "kind"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_task_runs_total",
			Help: "Task executions by outcome",
		}, []string{"source", "outcome"}),
		budgetWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_budget_wait_seconds",
			Help:    "Time spent waiting for the call budget",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"source"}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvester_tasks",
			Help: "Tasks in the store by status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.pagesFetched,
		c.recordsSaved,
		c.sourceErrors,
		c.tasksFinished,
		c.budgetWait,
		c.tasksByStatus,
	)
	return c
}

func (c *Collector) PageFetched(sourceID string) {
	c.pagesFetched.WithLabelValues(sourceID).Inc()
}

func (c *Collector) RecordsSaved(sourceID string, n int) {
	c.recordsSaved.WithLabelValues(sourceID).Add(float64(n))
}

func (c *Collector) SourceError(sourceID, kind string) {
	c.sourceErrors.WithLabelValues(sourceID, kind).Inc()
}

func (c *Collector) TaskFinished(sourceID, outcome string) {
	c.tasksFinished.WithLabelValues(sourceID, outcome).Inc()
}

// BudgetWait matches the rate limiter's wait observer.
func (c *Collector) BudgetWait(sourceID string, d time.Duration) {
	c.budgetWait.WithLabelValues(sourceID).Observe(d.Seconds())
}

// SetTaskCounts replaces the per-status task gauges.
func (c *Collector) SetTaskCounts(counts map[string]int) {
	c.tasksByStatus.Reset()
	for status, n := range counts {
		c.tasksByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// NewServer serves /metrics from g on addr.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
