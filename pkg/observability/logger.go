package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Logger emits structured events to an underlying sink.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// JSONLogger writes each event as a single JSON object on its own line. When
// configured with an identity it stamps the agent's node and policy onto
// events that do not carry their own, so every line is attributable without
// callers repeating themselves.
type JSONLogger struct {
	mu     sync.Mutex
	w      io.Writer
	node   string
	policy string
	now    func() time.Time
}

// JSONLoggerOption customises logger construction.
type JSONLoggerOption func(*JSONLogger)

// WithIdentity sets the node and policy stamped onto events lacking them.
func WithIdentity(node, policyName string) JSONLoggerOption {
	return func(l *JSONLogger) {
		l.node = node
		l.policy = policyName
	}
}

// NewJSONLogger builds a JSONLogger writing to the provided io.Writer.
func NewJSONLogger(w io.Writer, opts ...JSONLoggerOption) *JSONLogger {
	l := &JSONLogger{w: w, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log implements Logger. Missing timestamps, levels, and identity fields are
// filled in before the event is serialised.
func (l *JSONLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.w == nil {
		return fmt.Errorf("json logger is not configured")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	if event.Node == "" {
		event.Node = l.node
	}
	if event.Policy == "" {
		event.Policy = l.policy
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := l.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}
