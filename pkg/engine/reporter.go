package engine

import (
	"context"

	"github.com/rebootpolicyd/rebootpolicyd/pkg/observability"
)

// Reporter receives the engine's structured events and metrics.
type Reporter interface {
	Event(ctx context.Context, event observability.Event)
	Metric(metric observability.Metric)
}

// ReporterFuncs adapts plain functions into a Reporter. Nil members are
// treated as no-ops.
type ReporterFuncs struct {
	EventFunc  func(ctx context.Context, event observability.Event)
	MetricFunc func(metric observability.Metric)
}

// Event implements Reporter.
func (r ReporterFuncs) Event(ctx context.Context, event observability.Event) {
	if r.EventFunc != nil {
		r.EventFunc(ctx, event)
	}
}

// Metric implements Reporter.
func (r ReporterFuncs) Metric(metric observability.Metric) {
	if r.MetricFunc != nil {
		r.MetricFunc(metric)
	}
}

// NoopReporter discards all events and metrics.
type NoopReporter struct{}

// Event implements Reporter.
func (NoopReporter) Event(context.Context, observability.Event) {}

// Metric implements Reporter.
func (NoopReporter) Metric(observability.Metric) {}

// StructuredReporter forwards events to a Logger and metrics to a
// MetricsCollector. Node and policy identity are the logger's concern; the
// reporter only marks which component spoke.
type StructuredReporter struct {
	logger    observability.Logger
	collector observability.MetricsCollector
}

// NewStructuredReporter builds a reporter over the given sinks. Either sink
// may be nil, in which case that half is discarded.
func NewStructuredReporter(logger observability.Logger, collector observability.MetricsCollector) *StructuredReporter {
	return &StructuredReporter{logger: logger, collector: collector}
}

// Event implements Reporter.
func (r *StructuredReporter) Event(ctx context.Context, event observability.Event) {
	if r.logger == nil {
		return
	}
	annotated := event.Clone()
	if annotated.Component == "" {
		annotated.Component = "engine"
	}
	_ = r.logger.Log(ctx, annotated)
}

// Metric implements Reporter.
func (r *StructuredReporter) Metric(metric observability.Metric) {
	if r.collector == nil {
		return
	}
	r.collector.Collect(metric)
}

var (
	_ Reporter = ReporterFuncs{}
	_ Reporter = NoopReporter{}
	_ Reporter = (*StructuredReporter)(nil)
)
