package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "magnetar"

// Metrics holds all Magnetar metric instruments.
type Metrics struct {
	PlansStarted      metric.Int64Counter
	PlansCompleted    metric.Int64Counter
	PlansFailed       metric.Int64Counter
	StepsDispatched   metric.Int64Counter
	StepsRetried      metric.Int64Counter
	ApprovalsRequired metric.Int64Counter
	ApprovalsDenied   metric.Int64Counter
	StepDuration      metric.Float64Histogram
	ApprovalWait      metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.PlansStarted, err = meter.Int64Counter("magnetar.plans.started",
		metric.WithDescription("Number of plans activated"))
	if err != nil {
		return nil, err
	}

	m.PlansCompleted, err = meter.Int64Counter("magnetar.plans.completed",
		metric.WithDescription("Number of plans completed"))
	if err != nil {
		return nil, err
	}

	m.PlansFailed, err = meter.Int64Counter("magnetar.plans.failed",
		metric.WithDescription("Number of plans failed"))
	if err != nil {
		return nil, err
	}

	m.StepsDispatched, err = meter.Int64Counter("magnetar.steps.dispatched",
		metric.WithDescription("Number of steps dispatched to agents"))
	if err != nil {
		return nil, err
	}

	m.StepsRetried, err = meter.Int64Counter("magnetar.steps.retried",
		metric.WithDescription("Number of step retries"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsRequired, err = meter.Int64Counter("magnetar.approvals.required",
		metric.WithDescription("Number of actions parked for human approval"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsDenied, err = meter.Int64Counter("magnetar.approvals.denied",
		metric.WithDescription("Number of denied approval requests"))
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("magnetar.step.duration_seconds",
		metric.WithDescription("Step execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ApprovalWait, err = meter.Float64Histogram("magnetar.approval.wait_seconds",
		metric.WithDescription("Time from approval request to resolution in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
