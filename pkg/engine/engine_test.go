package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rebootpolicyd/rebootpolicyd/pkg/guard"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/ledger"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/pending"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/policy"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/window"
)

type stubEvaluator struct {
	eval  pending.Evaluation
	err   error
	calls int
}

func (s *stubEvaluator) Evaluate(context.Context) (pending.Evaluation, error) {
	s.calls++
	return s.eval, s.err
}

type stubLimiter struct {
	decision ledger.Decision
	err      error
	calls    int
}

func (s *stubLimiter) IsRebootPermitted(context.Context, time.Time) (ledger.Decision, error) {
	s.calls++
	return s.decision, s.err
}

type stubExecutor struct {
	err      error
	calls    int
	requests []Request
}

func (s *stubExecutor) Execute(_ context.Context, req Request) error {
	s.calls++
	s.requests = append(s.requests, req)
	return s.err
}

type stubGuard struct {
	result guard.Result
	err    error
	calls  int
}

func (s *stubGuard) Run(context.Context, map[string]string) (guard.Result, error) {
	s.calls++
	return s.result, s.err
}

func refreshPolicy(t *testing.T) *policy.RebootPolicy {
	t.Helper()
	pol := &policy.RebootPolicy{Name: "after-updates", When: "refreshed"}
	if err := pol.Validate(); err != nil {
		t.Fatalf("policy validation failed: %v", err)
	}
	return pol
}

func pendingPolicy(t *testing.T) *policy.RebootPolicy {
	t.Helper()
	pol := &policy.RebootPolicy{Name: "after-updates", When: "pending"}
	if err := pol.Validate(); err != nil {
		t.Fatalf("policy validation failed: %v", err)
	}
	return pol
}

func pendingEval(codes ...policy.ReasonCode) pending.Evaluation {
	return pending.Evaluation{Pending: len(codes) > 0, Matched: codes}
}

func TestHandleRefreshIssuesRebootExactlyOnce(t *testing.T) {
	executor := &stubExecutor{}
	limiter := &stubLimiter{decision: ledger.Decision{Allowed: true}}
	eng, err := New(refreshPolicy(t), NewRunContext(), limiter, executor)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outcome, err := eng.HandleRefresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusRebootIssued {
		t.Fatalf("expected %s, got %s", StatusRebootIssued, outcome.Status)
	}
	if executor.calls != 1 {
		t.Fatalf("expected one executor call, got %d", executor.calls)
	}

	second, err := eng.HandleRefresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error on second refresh: %v", err)
	}
	if second.Status != StatusAlreadyScheduled {
		t.Fatalf("expected %s, got %s", StatusAlreadyScheduled, second.Status)
	}
	if executor.calls != 1 {
		t.Fatalf("second refresh must not run the executor, got %d calls", executor.calls)
	}
}

func TestHandleRefreshSkipsLedgerAndPendingEvaluation(t *testing.T) {
	executor := &stubExecutor{}
	limiter := &stubLimiter{decision: ledger.Decision{Allowed: true}}
	evaluator := &stubEvaluator{eval: pendingEval()}
	eng, err := New(refreshPolicy(t), NewRunContext(), limiter, executor, WithPendingEvaluator(evaluator))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	if _, err := eng.HandleRefresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 0 {
		t.Fatalf("refresh must not consult the ledger, got %d calls", limiter.calls)
	}
	if evaluator.calls != 0 {
		t.Fatalf("refresh must not evaluate pending state, got %d calls", evaluator.calls)
	}
}

func TestHandleRefreshNotApplicableForPendingPolicy(t *testing.T) {
	executor := &stubExecutor{}
	eng, err := New(pendingPolicy(t), NewRunContext(), &stubLimiter{}, executor,
		WithPendingEvaluator(&stubEvaluator{}))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outcome, err := eng.HandleRefresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusNotApplicable {
		t.Fatalf("expected %s, got %s", StatusNotApplicable, outcome.Status)
	}
	if executor.calls != 0 {
		t.Fatal("executor must not run for a pending-triggered policy on refresh")
	}
}

func TestCheckSyncIssuesRebootWhenPending(t *testing.T) {
	executor := &stubExecutor{}
	limiter := &stubLimiter{decision: ledger.Decision{Allowed: true, Total: 1}}
	evaluator := &stubEvaluator{eval: pendingEval(policy.ReasonRebootRequired)}
	eng, err := New(pendingPolicy(t), NewRunContext(), limiter, executor, WithPendingEvaluator(evaluator))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outcome, err := eng.CheckSync(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusRebootIssued {
		t.Fatalf("expected %s, got %s", StatusRebootIssued, outcome.Status)
	}
	if len(outcome.MatchedReasons) != 1 || outcome.MatchedReasons[0] != policy.ReasonRebootRequired {
		t.Fatalf("unexpected matched reasons: %v", outcome.MatchedReasons)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected one ledger consultation, got %d", limiter.calls)
	}
	if executor.calls != 1 {
		t.Fatalf("expected one executor call, got %d", executor.calls)
	}
	if len(executor.requests) != 1 || executor.requests[0].Message != policy.DefaultMessage {
		t.Fatalf("unexpected executor request: %+v", executor.requests)
	}
}

func TestCheckSyncNotPendingSkipsLedgerAndExecutor(t *testing.T) {
	executor := &stubExecutor{}
	limiter := &stubLimiter{decision: ledger.Decision{Allowed: true}}
	evaluator := &stubEvaluator{eval: pendingEval()}
	eng, err := New(pendingPolicy(t), NewRunContext(), limiter, executor, WithPendingEvaluator(evaluator))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outcome, err := eng.CheckSync(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusNotPending {
		t.Fatalf("expected %s, got %s", StatusNotPending, outcome.Status)
	}
	if limiter.calls != 0 || executor.calls != 0 {
		t.Fatalf("ledger and executor must stay untouched, got %d/%d calls", limiter.calls, executor.calls)
	}
}

func TestCheckSyncRateLimitedIsNotAnError(t *testing.T) {
	executor := &stubExecutor{}
	boundary := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	limiter := &stubLimiter{
		decision: ledger.Decision{Total: 2, Boundary: &boundary, RetryAfter: time.Hour},
		err:      ledger.ErrRateLimited,
	}
	evaluator := &stubEvaluator{eval: pendingEval(policy.ReasonRebootRequired)}
	eng, err := New(pendingPolicy(t), NewRunContext(), limiter, executor, WithPendingEvaluator(evaluator))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outcome, err := eng.CheckSync(context.Background())
	if err != nil {
		t.Fatalf("rate limiting must not surface as an error, got %v", err)
	}
	if outcome.Status != StatusRateLimited {
		t.Fatalf("expected %s, got %s", StatusRateLimited, outcome.Status)
	}
	if outcome.LedgerDecision == nil || outcome.LedgerDecision.RetryAfter != time.Hour {
		t.Fatalf("expected ledger decision with retry hint, got %+v", outcome.LedgerDecision)
	}
	if executor.calls != 0 {
		t.Fatal("executor must not run when rate limited")
	}
	if eng.run.Scheduled() {
		t.Fatal("scheduled flag must stay clear when rate limited")
	}
}

func TestCheckSyncLedgerStorageFailure(t *testing.T) {
	executor := &stubExecutor{}
	limiter := &stubLimiter{err: errors.New("disk gone")}
	evaluator := &stubEvaluator{eval: pendingEval(policy.ReasonRebootRequired)}
	eng, err := New(pendingPolicy(t), NewRunContext(), limiter, executor, WithPendingEvaluator(evaluator))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outcome, err := eng.CheckSync(context.Background())
	if err == nil {
		t.Fatal("expected a storage error")
	}
	if outcome.Status != StatusFailed {
		t.Fatalf("expected %s, got %s", StatusFailed, outcome.Status)
	}
	if executor.calls != 0 {
		t.Fatal("executor must not run after a ledger failure")
	}
}

func TestCheckSyncDryRunSkipsLedger(t *testing.T) {
	executor := &stubExecutor{}
	limiter := &stubLimiter{decision: ledger.Decision{Allowed: true}}
	evaluator := &stubEvaluator{eval: pendingEval(policy.ReasonRebootRequired)}
	eng, err := New(pendingPolicy(t), NewRunContext(), limiter, executor,
		WithPendingEvaluator(evaluator), WithDryRun(true))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outcome, err := eng.CheckSync(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusDryRun {
		t.Fatalf("expected %s, got %s", StatusDryRun, outcome.Status)
	}
	if limiter.calls != 0 {
		t.Fatal("dry run must not record an attempt in the ledger")
	}
	if executor.calls != 0 {
		t.Fatal("dry run must not issue a reboot")
	}
	if eng.run.Scheduled() {
		t.Fatal("dry run must not consume the scheduled flag")
	}
}

func TestCheckSyncDenyWindowBlocksBeforeGuardAndLedger(t *testing.T) {
	schedule, err := window.Parse(nil, []string{"* 00:00-23:59"})
	if err != nil {
		t.Fatalf("failed to parse schedule: %v", err)
	}
	executor := &stubExecutor{}
	limiter := &stubLimiter{decision: ledger.Decision{Allowed: true}}
	guardStub := &stubGuard{}
	evaluator := &stubEvaluator{eval: pendingEval(policy.ReasonRebootRequired)}
	eng, err := New(pendingPolicy(t), NewRunContext(), limiter, executor,
		WithPendingEvaluator(evaluator), WithSchedule(schedule), WithGuard(guardStub),
		WithTimeSource(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outcome, err := eng.CheckSync(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusWindowDenied {
		t.Fatalf("expected %s, got %s", StatusWindowDenied, outcome.Status)
	}
	if guardStub.calls != 0 || limiter.calls != 0 || executor.calls != 0 {
		t.Fatal("window denial must stop the gate sequence")
	}
}

func TestCheckSyncOutsideAllowWindow(t *testing.T) {
	schedule, err := window.Parse([]string{"Sun 02:00-03:00"}, nil)
	if err != nil {
		t.Fatalf("failed to parse schedule: %v", err)
	}
	executor := &stubExecutor{}
	evaluator := &stubEvaluator{eval: pendingEval(policy.ReasonRebootRequired)}
	eng, err := New(pendingPolicy(t), NewRunContext(), &stubLimiter{decision: ledger.Decision{Allowed: true}}, executor,
		WithPendingEvaluator(evaluator), WithSchedule(schedule),
		// 2024-05-01 is a Wednesday.
		WithTimeSource(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outcome, err := eng.CheckSync(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusOutsideAllowWindow {
		t.Fatalf("expected %s, got %s", StatusOutsideAllowWindow, outcome.Status)
	}
	if executor.calls != 0 {
		t.Fatal("executor must not run outside the allow window")
	}
}

func TestCheckSyncGuardBlocks(t *testing.T) {
	executor := &stubExecutor{}
	limiter := &stubLimiter{decision: ledger.Decision{Allowed: true}}
	guardStub := &stubGuard{result: guard.Result{ExitCode: 3, Stderr: "backup in progress"}}
	evaluator := &stubEvaluator{eval: pendingEval(policy.ReasonRebootRequired)}
	eng, err := New(pendingPolicy(t), NewRunContext(), limiter, executor,
		WithPendingEvaluator(evaluator), WithGuard(guardStub))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outcome, err := eng.CheckSync(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusGuardBlocked {
		t.Fatalf("expected %s, got %s", StatusGuardBlocked, outcome.Status)
	}
	if outcome.GuardResult == nil || outcome.GuardResult.ExitCode != 3 {
		t.Fatalf("expected guard result with exit 3, got %+v", outcome.GuardResult)
	}
	if limiter.calls != 0 || executor.calls != 0 {
		t.Fatal("guard veto must stop the gate sequence")
	}
}

func TestCheckSyncPartialProbeFailureStillReboots(t *testing.T) {
	executor := &stubExecutor{}
	limiter := &stubLimiter{decision: ledger.Decision{Allowed: true}}
	evaluator := &stubEvaluator{
		eval: pendingEval(policy.ReasonRebootRequired),
		err:  &pending.EvaluationError{Problems: []string{"windows_auto_update: registry unreachable"}},
	}
	eng, err := New(pendingPolicy(t), NewRunContext(), limiter, executor, WithPendingEvaluator(evaluator))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outcome, err := eng.CheckSync(context.Background())
	if err != nil {
		t.Fatalf("a confirmed pending state must override probe failures, got %v", err)
	}
	if outcome.Status != StatusRebootIssued {
		t.Fatalf("expected %s, got %s", StatusRebootIssued, outcome.Status)
	}
}

func TestCheckSyncProbeFailureWithoutAnswerFails(t *testing.T) {
	executor := &stubExecutor{}
	evaluator := &stubEvaluator{
		eval: pendingEval(),
		err:  &pending.EvaluationError{Problems: []string{"reboot_required: permission denied"}},
	}
	eng, err := New(pendingPolicy(t), NewRunContext(), &stubLimiter{}, executor, WithPendingEvaluator(evaluator))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outcome, err := eng.CheckSync(context.Background())
	if err == nil {
		t.Fatal("expected an evaluation error")
	}
	if outcome.Status != StatusFailed {
		t.Fatalf("expected %s, got %s", StatusFailed, outcome.Status)
	}
	if executor.calls != 0 {
		t.Fatal("executor must not run on evaluation failure")
	}
}

func TestCheckSyncNotApplicableForRefreshPolicy(t *testing.T) {
	eng, err := New(refreshPolicy(t), NewRunContext(), &stubLimiter{}, &stubExecutor{})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	outcome, err := eng.CheckSync(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusNotApplicable {
		t.Fatalf("expected %s, got %s", StatusNotApplicable, outcome.Status)
	}
}

func TestExecutorFailureConsumesScheduledFlag(t *testing.T) {
	executor := &stubExecutor{err: &ExecutorError{Command: []string{"/sbin/shutdown"}, Err: errors.New("exit 1")}}
	eng, err := New(refreshPolicy(t), NewRunContext(), &stubLimiter{}, executor)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	outcome, err := eng.HandleRefresh(context.Background())
	if err == nil {
		t.Fatal("expected executor error")
	}
	var execErr *ExecutorError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutorError, got %T", err)
	}
	if outcome.Status != StatusFailed {
		t.Fatalf("expected %s, got %s", StatusFailed, outcome.Status)
	}
	if !eng.run.Scheduled() {
		t.Fatal("scheduled flag must be consumed even when the command fails")
	}
}

func TestNewRequiresEvaluatorForPendingPolicies(t *testing.T) {
	if _, err := New(pendingPolicy(t), NewRunContext(), &stubLimiter{}, &stubExecutor{}); err == nil {
		t.Fatal("expected construction to fail without a pending evaluator")
	}
}

func TestRunContextExactlyOnce(t *testing.T) {
	run := NewRunContext()
	if run.Scheduled() {
		t.Fatal("fresh context must not be scheduled")
	}
	if !run.MarkScheduled() {
		t.Fatal("first transition must succeed")
	}
	if run.MarkScheduled() {
		t.Fatal("second transition must fail")
	}
	if !run.Scheduled() {
		t.Fatal("flag must stay set for the rest of the run")
	}
}
