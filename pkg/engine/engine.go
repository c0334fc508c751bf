// Package engine decides whether a reboot is issued for a policy, combining
// the pending-state evaluation, the maintenance windows, the guard script,
// and the retry ledger into a single ordered gate sequence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rebootpolicyd/rebootpolicyd/pkg/guard"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/ledger"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/observability"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/pending"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/policy"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/window"
)

// Status classifies the result of one engine decision.
type Status string

const (
	// StatusNotApplicable means the entry point does not match the policy's
	// trigger mode and nothing was evaluated.
	StatusNotApplicable Status = "not_applicable"
	// StatusNotPending means no pending-reboot reason survived the filters.
	StatusNotPending Status = "not_pending"
	// StatusAlreadyScheduled means a reboot was scheduled earlier in this run.
	StatusAlreadyScheduled Status = "already_scheduled"
	// StatusWindowDenied means the current time matched a deny window.
	StatusWindowDenied Status = "window_denied"
	// StatusOutsideAllowWindow means allow windows are configured and the
	// current time is outside all of them.
	StatusOutsideAllowWindow Status = "outside_allow_window"
	// StatusGuardBlocked means the guard script exited non-zero.
	StatusGuardBlocked Status = "guard_blocked"
	// StatusRateLimited means the retry ledger denied the reboot.
	StatusRateLimited Status = "rate_limited"
	// StatusDryRun means a reboot would have been issued but dry-run is on.
	StatusDryRun Status = "dry_run"
	// StatusRebootIssued means the reboot command was handed to the OS.
	StatusRebootIssued Status = "reboot_issued"
	// StatusFailed means an internal error stopped the decision; the
	// accompanying error carries the cause.
	StatusFailed Status = "failed"
)

// Outcome describes one engine decision in full.
type Outcome struct {
	Status         Status
	Message        string
	MatchedReasons []policy.ReasonCode
	PendingResults []pending.Result
	LedgerDecision *ledger.Decision
	GuardResult    *guard.Result
	Timing         policy.ApplyTiming
	DryRun         bool
}

// PendingEvaluator answers whether the platform reports a pending reboot.
type PendingEvaluator interface {
	Evaluate(ctx context.Context) (pending.Evaluation, error)
}

// RateLimiter gates reboots against the persisted attempt history.
type RateLimiter interface {
	IsRebootPermitted(ctx context.Context, now time.Time) (ledger.Decision, error)
}

// GuardRunner executes the operator guard script.
type GuardRunner interface {
	Run(ctx context.Context, extraEnv map[string]string) (guard.Result, error)
}

// Engine evaluates one policy against the machine state and issues reboots.
type Engine struct {
	policy    *policy.RebootPolicy
	run       *RunContext
	limiter   RateLimiter
	executor  RebootExecutor
	evaluator PendingEvaluator
	guard     GuardRunner
	schedule  *window.Schedule
	reporter  Reporter
	now       func() time.Time
	dryRun    bool
}

// Option customises engine construction.
type Option func(*Engine)

// WithReporter installs a reporter for events and metrics.
func WithReporter(reporter Reporter) Option {
	return func(e *Engine) {
		if reporter != nil {
			e.reporter = reporter
		}
	}
}

// WithTimeSource overrides the clock, mainly for tests.
func WithTimeSource(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithPendingEvaluator installs the platform pending-state evaluator.
// Required for policies triggering on pending state.
func WithPendingEvaluator(evaluator PendingEvaluator) Option {
	return func(e *Engine) {
		e.evaluator = evaluator
	}
}

// WithSchedule installs the maintenance window schedule. A nil schedule
// leaves all times allowed.
func WithSchedule(schedule *window.Schedule) Option {
	return func(e *Engine) {
		e.schedule = schedule
	}
}

// WithGuard installs the guard script runner.
func WithGuard(runner GuardRunner) Option {
	return func(e *Engine) {
		e.guard = runner
	}
}

// WithDryRun makes the engine stop just before issuing the reboot command.
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) {
		e.dryRun = dryRun
	}
}

// New constructs an Engine for a validated policy.
func New(pol *policy.RebootPolicy, run *RunContext, limiter RateLimiter, executor RebootExecutor, opts ...Option) (*Engine, error) {
	if pol == nil {
		return nil, errors.New("policy must not be nil")
	}
	if run == nil {
		return nil, errors.New("run context must not be nil")
	}
	if limiter == nil {
		return nil, errors.New("rate limiter must not be nil")
	}
	if executor == nil {
		return nil, errors.New("reboot executor must not be nil")
	}

	e := &Engine{
		policy:   pol,
		run:      run,
		limiter:  limiter,
		executor: executor,
		reporter: NoopReporter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if pol.TriggerMode() == policy.TriggerOnPending && e.evaluator == nil {
		return nil, errors.New("a pending evaluator is required for pending-triggered policies")
	}

	return e, nil
}

// HandleRefresh processes a refresh signal from the host configuration engine.
// Policies triggering on pending state ignore refresh signals entirely; in
// particular the pending evaluation and the retry ledger are never consulted
// on this path.
func (e *Engine) HandleRefresh(ctx context.Context) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	outcome := Outcome{Timing: e.policy.ApplyTiming(), DryRun: e.dryRun}

	if e.policy.TriggerMode() != policy.TriggerOnRefresh {
		outcome.Status = StatusNotApplicable
		outcome.Message = "policy does not trigger on refresh"
		return outcome, nil
	}
	if e.run.Scheduled() {
		outcome.Status = StatusAlreadyScheduled
		outcome.Message = "a reboot is already scheduled for this run"
		e.recordOutcome(ctx, outcome, "refresh")
		return outcome, nil
	}

	if stop := e.applyWindow(ctx, &outcome, "refresh"); stop {
		return outcome, nil
	}
	if stop, err := e.applyGuard(ctx, &outcome, "refresh"); stop {
		return outcome, err
	}

	return e.scheduleReboot(ctx, outcome, "refresh")
}

// CheckSync evaluates whether the machine needs a reboot to converge. Only
// policies triggering on pending state act here. The gate order is pending
// evaluation, windows, guard, dry-run, ledger; the ledger runs last because a
// permitted check records the attempt.
func (e *Engine) CheckSync(ctx context.Context) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	outcome := Outcome{Timing: e.policy.ApplyTiming(), DryRun: e.dryRun}

	if e.policy.TriggerMode() != policy.TriggerOnPending {
		outcome.Status = StatusNotApplicable
		outcome.Message = "policy does not trigger on pending state"
		return outcome, nil
	}
	if e.run.Scheduled() {
		outcome.Status = StatusAlreadyScheduled
		outcome.Message = "a reboot is already scheduled for this run"
		e.recordOutcome(ctx, outcome, "pending")
		return outcome, nil
	}

	start := e.now()
	eval, err := e.evaluator.Evaluate(ctx)
	outcome.MatchedReasons = eval.Matched
	outcome.PendingResults = eval.Results
	e.reporter.Metric(observability.Metric{
		Name:        "pending_evaluation_seconds",
		Type:        observability.MetricHistogram,
		Value:       e.now().Sub(start).Seconds(),
		Description: "Duration of pending-reboot evaluations",
		Unit:        "seconds",
	})
	if err != nil {
		var evalErr *pending.EvaluationError
		if errors.As(err, &evalErr) && eval.Pending {
			// Some probes failed but others already confirmed a pending
			// reboot, so the answer stands.
			e.recordWarning(ctx, "pending_probe_failed", err.Error())
		} else {
			outcome.Status = StatusFailed
			outcome.Message = err.Error()
			e.recordOutcome(ctx, outcome, "pending")
			return outcome, fmt.Errorf("pending evaluation: %w", err)
		}
	}
	if !eval.Pending {
		outcome.Status = StatusNotPending
		outcome.Message = "no pending-reboot reason matched"
		e.recordOutcome(ctx, outcome, "pending")
		return outcome, nil
	}

	if stop := e.applyWindow(ctx, &outcome, "pending"); stop {
		return outcome, nil
	}
	if stop, err := e.applyGuard(ctx, &outcome, "pending"); stop {
		return outcome, err
	}

	if e.dryRun {
		outcome.Status = StatusDryRun
		outcome.Message = "dry run: reboot suppressed"
		e.recordOutcome(ctx, outcome, "pending")
		return outcome, nil
	}

	decision, err := e.limiter.IsRebootPermitted(ctx, e.now())
	outcome.LedgerDecision = &decision
	if err != nil {
		if errors.Is(err, ledger.ErrRateLimited) {
			outcome.Status = StatusRateLimited
			outcome.Message = err.Error()
			e.recordOutcome(ctx, outcome, "pending")
			return outcome, nil
		}
		outcome.Status = StatusFailed
		outcome.Message = err.Error()
		e.recordOutcome(ctx, outcome, "pending")
		return outcome, fmt.Errorf("retry ledger: %w", err)
	}

	return e.scheduleReboot(ctx, outcome, "pending")
}

// applyWindow fills the outcome and reports true when the maintenance windows
// forbid a reboot right now.
func (e *Engine) applyWindow(ctx context.Context, outcome *Outcome, trigger string) bool {
	if e.schedule == nil {
		return false
	}
	decision := e.schedule.Evaluate(e.now())
	if decision.Allowed {
		return false
	}
	if decision.MatchedDeny != "" {
		outcome.Status = StatusWindowDenied
		outcome.Message = fmt.Sprintf("deny window %q is active", decision.MatchedDeny)
	} else {
		outcome.Status = StatusOutsideAllowWindow
		outcome.Message = "current time is outside every allow window"
	}
	e.recordOutcome(ctx, *outcome, trigger)
	return true
}

// applyGuard runs the guard script when configured. It reports true when the
// decision must stop, either because the script blocked or failed to run.
func (e *Engine) applyGuard(ctx context.Context, outcome *Outcome, trigger string) (bool, error) {
	if e.guard == nil {
		return false, nil
	}
	result, err := e.guard.Run(ctx, map[string]string{"RP_TRIGGER": trigger})
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Message = err.Error()
		e.recordOutcome(ctx, *outcome, trigger)
		return true, fmt.Errorf("guard script: %w", err)
	}
	outcome.GuardResult = &result
	if result.Blocked() {
		outcome.Status = StatusGuardBlocked
		outcome.Message = fmt.Sprintf("guard script blocked the reboot (exit %d)", result.ExitCode)
		e.recordOutcome(ctx, *outcome, trigger)
		return true, nil
	}
	return false, nil
}

// scheduleReboot claims the run's scheduled flag and issues the reboot. The
// dry-run gate on the refresh path lives here because refresh has no ledger
// step in between.
func (e *Engine) scheduleReboot(ctx context.Context, outcome Outcome, trigger string) (Outcome, error) {
	if trigger == "refresh" && e.dryRun {
		outcome.Status = StatusDryRun
		outcome.Message = "dry run: reboot suppressed"
		e.recordOutcome(ctx, outcome, trigger)
		return outcome, nil
	}

	if !e.run.MarkScheduled() {
		outcome.Status = StatusAlreadyScheduled
		outcome.Message = "a reboot is already scheduled for this run"
		e.recordOutcome(ctx, outcome, trigger)
		return outcome, nil
	}

	req := Request{
		Message: e.policy.Message,
		Timeout: e.policy.Timeout(),
		Timing:  e.policy.ApplyTiming(),
	}
	if err := e.executor.Execute(ctx, req); err != nil {
		outcome.Status = StatusFailed
		outcome.Message = err.Error()
		e.recordOutcome(ctx, outcome, trigger)
		return outcome, err
	}

	outcome.Status = StatusRebootIssued
	outcome.Message = fmt.Sprintf("reboot issued with %s grace period", req.Timeout)
	e.recordOutcome(ctx, outcome, trigger)
	return outcome, nil
}

func (e *Engine) recordOutcome(ctx context.Context, outcome Outcome, trigger string) {
	level := observability.LevelInfo
	switch outcome.Status {
	case StatusRebootIssued, StatusDryRun:
		level = observability.LevelNotice
	case StatusRateLimited, StatusGuardBlocked:
		level = observability.LevelWarn
	case StatusFailed:
		level = observability.LevelError
	}

	fields := map[string]interface{}{"trigger": trigger}
	if len(outcome.MatchedReasons) > 0 {
		reasons := make([]string, 0, len(outcome.MatchedReasons))
		for _, code := range outcome.MatchedReasons {
			reasons = append(reasons, string(code))
		}
		fields["reasons"] = reasons
	}
	if outcome.LedgerDecision != nil {
		fields["ledger_total"] = outcome.LedgerDecision.Total
		if outcome.LedgerDecision.RetryAfter > 0 {
			fields["retry_after"] = outcome.LedgerDecision.RetryAfter.String()
		}
	}

	e.reporter.Event(ctx, observability.Event{
		Level:   level,
		Event:   string(outcome.Status),
		Message: outcome.Message,
		Fields:  fields,
	})
	e.reporter.Metric(observability.Metric{
		Name:        "convergence_outcomes_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"status": string(outcome.Status), "trigger": trigger},
		Description: "Convergence decisions by status and trigger",
	})
}

func (e *Engine) recordWarning(ctx context.Context, event, message string) {
	e.reporter.Event(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Event:   event,
		Message: message,
	})
}
