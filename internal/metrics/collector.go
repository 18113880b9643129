// Package metrics provides internal Prometheus metrics for the
// orchestration core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector registers and updates orchestration metrics. A nil *Collector
// is valid and records nothing, so metrics stay optional in tests and
// embedded use.
type Collector struct {
	workflowsStarted  prometheus.Counter
	workflowsFinished *prometheus.CounterVec
	workflowsActive   prometheus.Gauge

	nodesFinished *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec

	hitlRequested prometheus.Counter
	hitlResolved  *prometheus.CounterVec
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(namespace string) *Collector {
	c := &Collector{}

	c.workflowsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_started_total",
		Help:      "Total number of workflows started",
	})
	c.workflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_finished_total",
		Help:      "Total number of workflows finished, by terminal status",
	}, []string{"status"})
	c.workflowsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workflows_active",
		Help:      "Number of workflows currently running (including parked on HITL)",
	})

	c.nodesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "nodes_finished_total",
		Help:      "Total number of nodes finished, by terminal status",
	}, []string{"status"})
	c.nodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "node_duration_seconds",
		Help:      "Node execution duration in seconds, by node type",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"node_type"})

	c.hitlRequested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hitl_requests_total",
		Help:      "Total number of HITL approval requests opened",
	})
	c.hitlResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hitl_resolved_total",
		Help:      "Total number of HITL requests resolved, by outcome",
	}, []string{"outcome"})

	return c
}

// WorkflowStarted records a workflow start.
func (c *Collector) WorkflowStarted() {
	if c == nil {
		return
	}
	c.workflowsStarted.Inc()
	c.workflowsActive.Inc()
}

// WorkflowFinished records a workflow reaching a terminal status.
func (c *Collector) WorkflowFinished(status string) {
	if c == nil {
		return
	}
	c.workflowsFinished.WithLabelValues(status).Inc()
	c.workflowsActive.Dec()
}

// NodeFinished records a node reaching a terminal status.
func (c *Collector) NodeFinished(status string) {
	if c == nil {
		return
	}
	c.nodesFinished.WithLabelValues(status).Inc()
}

// NodeDuration records one node execution duration.
func (c *Collector) NodeDuration(nodeType string, d time.Duration) {
	if c == nil {
		return
	}
	c.nodeDuration.WithLabelValues(nodeType).Observe(d.Seconds())
}

// HITLRequested records an approval request being opened.
func (c *Collector) HITLRequested() {
	if c == nil {
		return
	}
	c.hitlRequested.Inc()
}

// HITLResolved records an approval request being resolved.
func (c *Collector) HITLResolved(outcome string) {
	if c == nil {
		return
	}
	c.hitlResolved.WithLabelValues(outcome).Inc()
}
