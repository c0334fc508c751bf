// Package pending probes the platform for reasons a reboot is already
// required and filters them through the policy's include/exclude lists.
package pending

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rebootpolicyd/rebootpolicyd/pkg/policy"
)

// Probe answers whether one specific reboot reason currently applies.
type Probe interface {
	Reason() policy.ReasonCode
	// Supported reports whether this platform can check the reason at all.
	// Unsupported probes are skipped silently, never treated as errors.
	Supported() bool
	Check(ctx context.Context) (bool, error)
}

// ProbeFunc adapts a function into a supported Probe.
type ProbeFunc struct {
	Code policy.ReasonCode
	Fn   func(ctx context.Context) (bool, error)
}

func (p ProbeFunc) Reason() policy.ReasonCode { return p.Code }

func (p ProbeFunc) Supported() bool { return p.Fn != nil }

func (p ProbeFunc) Check(ctx context.Context) (bool, error) {
	if p.Fn == nil {
		return false, nil
	}
	return p.Fn(ctx)
}

// fileProbe reports a pending reboot based on the presence of a sentinel file.
type fileProbe struct {
	reason policy.ReasonCode
	path   string
}

func (p *fileProbe) Reason() policy.ReasonCode { return p.reason }

func (p *fileProbe) Supported() bool { return true }

func (p *fileProbe) Check(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	if strings.TrimSpace(p.path) == "" {
		return false, errors.New("sentinel file path must not be empty")
	}
	_, err := os.Stat(p.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", p.path, err)
}

// unsupportedProbe stands in for reasons this platform cannot check.
type unsupportedProbe struct {
	reason policy.ReasonCode
}

func (p unsupportedProbe) Reason() policy.ReasonCode { return p.reason }

func (p unsupportedProbe) Supported() bool { return false }

func (p unsupportedProbe) Check(context.Context) (bool, error) { return false, nil }

// Result captures the outcome of running a single probe.
type Result struct {
	Reason   policy.ReasonCode
	Pending  bool
	Err      error
	Duration time.Duration
}

var _ Probe = ProbeFunc{}
var _ Probe = (*fileProbe)(nil)
var _ Probe = unsupportedProbe{}
