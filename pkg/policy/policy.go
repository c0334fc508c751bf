package policy

import (
	"fmt"
	"strings"
	"time"
)

// TriggerMode selects which convergence signal may cause a reboot.
type TriggerMode string

const (
	// TriggerOnRefresh reboots only when the host engine delivers a refresh signal.
	TriggerOnRefresh TriggerMode = "refreshed"
	// TriggerOnPending reboots when the platform reports a pending-reboot state.
	TriggerOnPending TriggerMode = "pending"
)

// ApplyTiming selects when the reboot command takes effect once issued.
type ApplyTiming string

const (
	// ApplyImmediate issues the reboot without delay.
	ApplyImmediate ApplyTiming = "immediate"
	// ApplyDeferred issues the reboot with the configured grace delay.
	ApplyDeferred ApplyTiming = "deferred"
)

const (
	// DefaultMessage is broadcast to logged-in users when none is configured.
	DefaultMessage = "System reboot initiated by reboot policy"
	// MaxMessageLength bounds the broadcast message accepted by platform shutdown commands.
	MaxMessageLength = 8000
	// DefaultTimeoutSec is the grace delay forwarded to the reboot executor.
	DefaultTimeoutSec = 60
	// DefaultRetryWindowHours is the trailing span over which reboot frequency is bounded.
	DefaultRetryWindowHours = 24
)

// RebootPolicy declares when, how, and how often a machine may be rebooted.
// Instances are validated once at construction and immutable afterwards.
type RebootPolicy struct {
	Name             string   `yaml:"name"`
	When             string   `yaml:"when"`
	Apply            string   `yaml:"apply"`
	Message          string   `yaml:"message"`
	TimeoutSec       *int     `yaml:"timeout_sec"`
	MaxRetries       int      `yaml:"max_retries"`
	RetryWindowHours int      `yaml:"retry_window_hours"`
	IncludeReasons   []string `yaml:"include_reasons"`
	ExcludeReasons   []string `yaml:"exclude_reasons"`
}

func (p *RebootPolicy) applyDefaults() {
	if strings.TrimSpace(p.When) == "" {
		p.When = string(TriggerOnRefresh)
	}
	if strings.TrimSpace(p.Apply) == "" {
		p.Apply = string(ApplyImmediate)
	}
	if strings.TrimSpace(p.Message) == "" {
		p.Message = DefaultMessage
	}
	if p.RetryWindowHours == 0 {
		p.RetryWindowHours = DefaultRetryWindowHours
	}
}

func (p *RebootPolicy) validate() []string {
	problems := make([]string, 0)

	switch TriggerMode(p.When) {
	case TriggerOnRefresh, TriggerOnPending:
	default:
		problems = append(problems, fmt.Sprintf("when must be %q or %q, got %q", TriggerOnRefresh, TriggerOnPending, p.When))
	}
	switch ApplyTiming(p.Apply) {
	case ApplyImmediate, ApplyDeferred:
	default:
		problems = append(problems, fmt.Sprintf("apply must be %q or %q, got %q", ApplyImmediate, ApplyDeferred, p.Apply))
	}
	if strings.TrimSpace(p.Message) == "" {
		problems = append(problems, "message must not be empty")
	}
	if len(p.Message) > MaxMessageLength {
		problems = append(problems, fmt.Sprintf("message exceeds %d characters", MaxMessageLength))
	}
	if p.TimeoutSec != nil && *p.TimeoutSec < 0 {
		problems = append(problems, "timeout_sec must be non-negative")
	}
	if p.MaxRetries < 0 {
		problems = append(problems, "max_retries must be non-negative")
	}
	if p.RetryWindowHours <= 0 {
		problems = append(problems, "retry_window_hours must be greater than zero")
	}
	if p.IncludeReasons != nil && len(p.IncludeReasons) == 0 {
		problems = append(problems, "include_reasons must not be an empty list")
	}
	if p.ExcludeReasons != nil && len(p.ExcludeReasons) == 0 {
		problems = append(problems, "exclude_reasons must not be an empty list")
	}
	_, includeProblems := parseReasonList("include_reasons", p.IncludeReasons)
	problems = append(problems, includeProblems...)
	_, excludeProblems := parseReasonList("exclude_reasons", p.ExcludeReasons)
	problems = append(problems, excludeProblems...)

	return problems
}

// Validate checks the policy in isolation, outside a full configuration.
func (p *RebootPolicy) Validate() error {
	p.applyDefaults()
	if problems := p.validate(); len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// TriggerMode returns the validated trigger mode.
func (p *RebootPolicy) TriggerMode() TriggerMode {
	return TriggerMode(p.When)
}

// ApplyTiming returns the validated apply timing.
func (p *RebootPolicy) ApplyTiming() ApplyTiming {
	return ApplyTiming(p.Apply)
}

// Timeout returns the executor grace delay as a duration.
func (p *RebootPolicy) Timeout() time.Duration {
	if p.TimeoutSec == nil {
		return DefaultTimeoutSec * time.Second
	}
	return time.Duration(*p.TimeoutSec) * time.Second
}

// RetryWindow returns the rolling rate-limit window as a duration.
func (p *RebootPolicy) RetryWindow() time.Duration {
	return time.Duration(p.RetryWindowHours) * time.Hour
}

// RetryLimitEnabled reports whether the retry ledger must be consulted.
// A zero max_retries disables rate limiting entirely.
func (p *RebootPolicy) RetryLimitEnabled() bool {
	return p.MaxRetries > 0
}

// IncludeReasonCodes returns the parsed include filter. Empty means no filter.
func (p *RebootPolicy) IncludeReasonCodes() []ReasonCode {
	codes, _ := parseReasonList("include_reasons", p.IncludeReasons)
	return codes
}

// ExcludeReasonCodes returns the parsed exclude filter. Empty means no filter.
func (p *RebootPolicy) ExcludeReasonCodes() []ReasonCode {
	codes, _ := parseReasonList("exclude_reasons", p.ExcludeReasons)
	return codes
}
