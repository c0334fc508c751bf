package observability

import "time"

// Level represents the severity of an emitted event.
type Level string

const (
	// LevelInfo represents informational events that describe normal behaviour.
	LevelInfo Level = "info"
	// LevelNotice marks decisions an operator will want to see, such as a
	// reboot being scheduled.
	LevelNotice Level = "notice"
	// LevelWarn represents conditions that may require operator attention.
	LevelWarn Level = "warn"
	// LevelError captures failures that prevent progress.
	LevelError Level = "error"
)

// Event models a structured log entry emitted by the policy agent.
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Level     Level                  `json:"level"`
	Node      string                 `json:"node,omitempty"`
	Policy    string                 `json:"policy,omitempty"`
	Component string                 `json:"component,omitempty"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Clone returns a shallow copy of the event and its fields map so observers
// can annotate their view without racing each other.
func (e Event) Clone() Event {
	clone := e
	if len(e.Fields) > 0 {
		copied := make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			copied[k] = v
		}
		clone.Fields = copied
	}
	return clone
}
