package engine

import (
	"context"
	"testing"

	"github.com/rebootpolicyd/rebootpolicyd/pkg/observability"
)

func TestStructuredReporterMarksComponent(t *testing.T) {
	var logged []observability.Event
	logger := observability.LoggerFunc(func(_ context.Context, event observability.Event) error {
		logged = append(logged, event)
		return nil
	})
	reporter := NewStructuredReporter(logger, nil)

	reporter.Event(context.Background(), observability.Event{Event: "reboot_issued"})
	reporter.Event(context.Background(), observability.Event{Event: "probe", Component: "pending"})

	if len(logged) != 2 {
		t.Fatalf("expected 2 events, got %d", len(logged))
	}
	if logged[0].Component != "engine" {
		t.Fatalf("expected default component engine, got %q", logged[0].Component)
	}
	if logged[1].Component != "pending" {
		t.Fatalf("expected explicit component to win, got %q", logged[1].Component)
	}
}

func TestStructuredReporterToleratesNilSinks(t *testing.T) {
	reporter := NewStructuredReporter(nil, nil)
	reporter.Event(context.Background(), observability.Event{Event: "x"})
	reporter.Metric(observability.Metric{Name: "x", Type: observability.MetricCounter, Value: 1})
}

func TestStructuredReporterForwardsMetrics(t *testing.T) {
	var collected []observability.Metric
	collector := observability.MetricsCollectorFunc(func(metric observability.Metric) {
		collected = append(collected, metric)
	})
	reporter := NewStructuredReporter(nil, collector)

	reporter.Metric(observability.Metric{Name: "convergence_outcomes_total", Type: observability.MetricCounter, Value: 1})
	if len(collected) != 1 || collected[0].Name != "convergence_outcomes_total" {
		t.Fatalf("unexpected collected metrics: %+v", collected)
	}
}
