package observability

// MetricType enumerates the measurement kinds the agent records.
type MetricType string

const (
	// MetricCounter is a monotonically increasing count.
	MetricCounter MetricType = "counter"
	// MetricHistogram is a sampled distribution, typically of durations.
	MetricHistogram MetricType = "histogram"
)

// Metric is a backend-agnostic measurement emitted by the decision engine.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector consumes measurements for aggregation or export.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(metric Metric) {
	f(metric)
}
