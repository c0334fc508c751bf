package pending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rebootpolicyd/rebootpolicyd/pkg/policy"
)

// Evaluation aggregates the probe outcomes for one pending-state check.
type Evaluation struct {
	// Pending reports whether any reason survived the include/exclude filters.
	Pending bool
	// Matched lists the surviving reasons in probe order.
	Matched []policy.ReasonCode
	// Results holds the raw outcome of every probe that ran.
	Results []Result
}

// EvaluationError aggregates per-probe failures without masking the answers
// of the probes that succeeded.
type EvaluationError struct {
	Problems []string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("pending reason evaluation failed: %s", strings.Join(e.Problems, "; "))
}

func (e *EvaluationError) Is(target error) bool {
	var other *EvaluationError
	return errors.As(target, &other)
}

// Evaluator runs the platform probe set filtered by the policy reason lists.
type Evaluator struct {
	probes  []Probe
	include map[policy.ReasonCode]struct{}
	exclude map[policy.ReasonCode]struct{}
}

// NewEvaluator constructs an Evaluator over the provided probes. The include
// list restricts which probes run at all; the exclude list removes reasons
// from the match set after probing, so exclude always beats include for the
// same code.
func NewEvaluator(probes []Probe, include, exclude []policy.ReasonCode) (*Evaluator, error) {
	if len(probes) == 0 {
		return nil, errors.New("at least one probe must be configured")
	}

	seen := make(map[policy.ReasonCode]struct{}, len(probes))
	copied := make([]Probe, 0, len(probes))
	for _, probe := range probes {
		code := probe.Reason()
		if code == "" {
			return nil, errors.New("probe reason must not be empty")
		}
		if _, ok := seen[code]; ok {
			return nil, fmt.Errorf("duplicate probe for reason %q", code)
		}
		seen[code] = struct{}{}
		copied = append(copied, probe)
	}

	return &Evaluator{
		probes:  copied,
		include: toSet(include),
		exclude: toSet(exclude),
	}, nil
}

// Evaluate runs every supported, included probe and reports which reasons
// match. Probe failures are collected into an EvaluationError; unsupported
// reasons never error.
func (e *Evaluator) Evaluate(ctx context.Context) (Evaluation, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	eval := Evaluation{}
	problems := make([]string, 0)

	for _, probe := range e.probes {
		if ctx.Err() != nil {
			return eval, ctx.Err()
		}
		if !probe.Supported() {
			continue
		}
		code := probe.Reason()
		if len(e.include) > 0 {
			if _, ok := e.include[code]; !ok {
				continue
			}
		}

		start := time.Now()
		pending, err := probe.Check(ctx)
		res := Result{
			Reason:   code,
			Pending:  pending,
			Err:      err,
			Duration: time.Since(start),
		}
		eval.Results = append(eval.Results, res)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return eval, err
			}
			problems = append(problems, fmt.Sprintf("%s: %v", code, err))
			continue
		}
		if !pending {
			continue
		}
		if _, excluded := e.exclude[code]; excluded {
			continue
		}
		eval.Matched = append(eval.Matched, code)
	}

	eval.Pending = len(eval.Matched) > 0

	if len(problems) > 0 {
		return eval, &EvaluationError{Problems: problems}
	}
	return eval, nil
}

func toSet(codes []policy.ReasonCode) map[policy.ReasonCode]struct{} {
	if len(codes) == 0 {
		return nil
	}
	set := make(map[policy.ReasonCode]struct{}, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	return set
}
