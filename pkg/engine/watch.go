package engine

import (
	"context"
	"time"

	"github.com/rebootpolicyd/rebootpolicyd/pkg/observability"
)

const maxWatchBackoff = 5 * time.Minute

// Watch runs CheckSync on a fixed interval until a reboot is issued or the
// context ends. Errors do not stop the loop; instead the next check is delayed
// with exponential backoff, reset on the first clean evaluation.
func (e *Engine) Watch(ctx context.Context, interval time.Duration) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = time.Minute
	}

	delay := interval
	var last Outcome

	for {
		outcome, err := e.CheckSync(ctx)
		last = outcome

		switch {
		case err != nil:
			e.recordWarning(ctx, "watch_check_failed", err.Error())
			delay *= 2
			if delay > maxWatchBackoff {
				delay = maxWatchBackoff
			}
		case outcome.Status == StatusRebootIssued || outcome.Status == StatusDryRun:
			return outcome, nil
		default:
			delay = interval
		}

		e.reporter.Metric(observability.Metric{
			Name:        "watch_iterations_total",
			Type:        observability.MetricCounter,
			Value:       1,
			Labels:      map[string]string{"status": string(outcome.Status)},
			Description: "Watch loop iterations by outcome status",
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
}
