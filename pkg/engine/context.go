package engine

import "sync/atomic"

// RunContext tracks whether a reboot has already been scheduled during the
// lifetime of this process. The flag transitions at most once so a single
// convergence run cannot issue two reboots no matter how many policies or
// refresh signals fire.
type RunContext struct {
	scheduled atomic.Bool
}

// NewRunContext returns a fresh run context with no reboot scheduled.
func NewRunContext() *RunContext {
	return &RunContext{}
}

// MarkScheduled attempts the idle-to-scheduled transition and reports whether
// this caller won it. Exactly one caller per run observes true.
func (r *RunContext) MarkScheduled() bool {
	return r.scheduled.CompareAndSwap(false, true)
}

// Scheduled reports whether a reboot has been scheduled in this run.
func (r *RunContext) Scheduled() bool {
	return r.scheduled.Load()
}
