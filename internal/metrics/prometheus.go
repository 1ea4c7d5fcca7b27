// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/stepflow/pkg/api"
)

// PrometheusObserver is an api.Observer that records workflow, step and
// approval activity on its own registry.
type PrometheusObserver struct {
	api.NoopObserver

	registry *prometheus.Registry

	workflows     *prometheus.CounterVec
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	approvals     *prometheus.CounterVec
	queueDepth    prometheus.GaugeFunc
	runningByName *prometheus.GaugeVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the stepflow collectors on reg. A nil reg
// gets a fresh registry. queueLen, when set, is exported as the queue
// depth gauge.
func NewPrometheusObserver(reg *prometheus.Registry, queueLen func() int) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	o := &PrometheusObserver{
		registry: reg,
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "workflow_transitions_total",
			Help:      "Workflow lifecycle transitions by definition and event.",
		}, []string{"definition", "event"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "steps_total",
			Help:      "Finished step executions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepflow",
			Name:      "step_duration_seconds",
			Help:      "Step execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"kind"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "approval_actions_total",
			Help:      "Approval actions by request type and action.",
		}, []string{"request_type", "action"}),
		runningByName: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stepflow",
			Name:      "workflows_running",
			Help:      "Workflows started and not yet finished by this process.",
		}, []string{"definition"}),
	}
	reg.MustRegister(o.workflows, o.steps, o.stepDuration, o.approvals, o.runningByName)

	if queueLen != nil {
		o.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "stepflow",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the task queue, due or not.",
		}, func() float64 { return float64(queueLen()) })
		reg.MustRegister(o.queueDepth)
	}
	return o
}

// Registry returns the registry the collectors live on.
func (o *PrometheusObserver) Registry() *prometheus.Registry { return o.registry }

// Handler serves the registry in the Prometheus exposition format.
func (o *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{Registry: o.registry})
}

func (o *PrometheusObserver) OnWorkflowStart(ctx context.Context, inst *api.WorkflowInstance) {
	o.workflows.WithLabelValues(inst.DefinitionName, "started").Inc()
	o.runningByName.WithLabelValues(inst.DefinitionName).Inc()
}

func (o *PrometheusObserver) OnWorkflowCompleted(ctx context.Context, inst *api.WorkflowInstance) {
	o.workflows.WithLabelValues(inst.DefinitionName, "completed").Inc()
	o.runningByName.WithLabelValues(inst.DefinitionName).Dec()
}

func (o *PrometheusObserver) OnWorkflowFailed(ctx context.Context, inst *api.WorkflowInstance, err error) {
	o.workflows.WithLabelValues(inst.DefinitionName, "failed").Inc()
	o.runningByName.WithLabelValues(inst.DefinitionName).Dec()
}

func (o *PrometheusObserver) OnWorkflowPaused(ctx context.Context, inst *api.WorkflowInstance) {
	o.workflows.WithLabelValues(inst.DefinitionName, "paused").Inc()
}

func (o *PrometheusObserver) OnWorkflowResumed(ctx context.Context, inst *api.WorkflowInstance) {
	o.workflows.WithLabelValues(inst.DefinitionName, "resumed").Inc()
}

func (o *PrometheusObserver) OnStepCompleted(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, idx int, err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	o.steps.WithLabelValues(string(step.Kind), outcome).Inc()
	o.stepDuration.WithLabelValues(string(step.Kind)).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnApprovalAction(ctx context.Context, inst *api.ApprovalInstance, action api.ApprovalAction) {
	o.approvals.WithLabelValues(inst.RequestType, string(action.Action)).Inc()
}
