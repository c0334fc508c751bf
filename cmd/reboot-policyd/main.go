package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rebootpolicyd/rebootpolicyd/pkg/engine"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/guard"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/ledger"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/observability"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/pending"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/policy"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/version"
	"github.com/rebootpolicyd/rebootpolicyd/pkg/window"
)

const (
	exitOK            = 0
	exitRebootIssued  = 10
	exitUsage         = 64
	exitConfigError   = 65
	exitExecutorError = 69
	exitSoftware      = 70
	exitRateLimited   = 75
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "check":
		return commandCheck(args[1:])
	case "refresh":
		return commandRefresh(args[1:])
	case "watch":
		return commandWatch(args[1:])
	case "validate-config":
		return commandValidate(args[1:])
	case "simulate":
		return commandSimulate(args[1:])
	case "version":
		fmt.Println(version.Version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: reboot-policyd <command> [options]
Commands:
  check              Evaluate the pending state once and reboot if the policy demands it
  refresh            Deliver a refresh signal to the policy
  watch              Check the pending state on an interval until a reboot is issued
  validate-config    Validate the configuration file
  simulate           Evaluate probes and print the decision without rebooting
  version            Print build version
`)
}

// runtimeEnv bundles the collaborators assembled from one configuration.
type runtimeEnv struct {
	cfg       *policy.Config
	engine    *engine.Engine
	run       *engine.RunContext
	collector *observability.PrometheusCollector
}

func buildRuntime(cfg *policy.Config, logSink io.Writer) (*runtimeEnv, error) {
	store, err := ledger.NewFileStore(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("ledger store: %w", err)
	}
	maxRetries := 0
	if cfg.Policy.RetryLimitEnabled() {
		maxRetries = cfg.Policy.MaxRetries
	}
	limiter, err := ledger.New(store, maxRetries, cfg.Policy.RetryWindow())
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	schedule, err := window.Parse(cfg.Windows.Allow, cfg.Windows.Deny)
	if err != nil {
		return nil, err
	}

	evaluator, err := pending.NewEvaluator(pending.PlatformProbes(),
		cfg.Policy.IncludeReasonCodes(), cfg.Policy.ExcludeReasonCodes())
	if err != nil {
		return nil, fmt.Errorf("pending probes: %w", err)
	}

	var collector *observability.PrometheusCollector
	if cfg.Metrics.Enabled {
		collector = observability.NewPrometheusCollector()
	}
	var metricsSink observability.MetricsCollector
	if collector != nil {
		metricsSink = collector
	}
	logger := observability.NewJSONLogger(logSink,
		observability.WithIdentity(cfg.NodeName, cfg.Policy.Name))
	reporter := engine.NewStructuredReporter(logger, metricsSink)

	runCtx := engine.NewRunContext()
	opts := []engine.Option{
		engine.WithReporter(reporter),
		engine.WithPendingEvaluator(evaluator),
		engine.WithSchedule(schedule),
		engine.WithDryRun(cfg.DryRun),
	}
	if cfg.GuardScript != "" {
		runner, err := guard.NewScriptRunner(cfg.GuardScript, cfg.GuardTimeout(), cfg.BaseEnvironment())
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithGuard(runner))
	}

	eng, err := engine.New(&cfg.Policy, runCtx,
		limiter, engine.NewExecRebootExecutor(cfg.RebootCommand), opts...)
	if err != nil {
		return nil, err
	}

	return &runtimeEnv{cfg: cfg, engine: eng, run: runCtx, collector: collector}, nil
}

func loadConfig(path string, dryRun bool) (*policy.Config, error) {
	cfg, err := policy.Load(path)
	if err != nil {
		return nil, err
	}
	if dryRun {
		cfg.DryRun = true
	}
	return cfg, nil
}

func exitCodeFor(outcome engine.Outcome, err error) int {
	if err != nil {
		var execErr *engine.ExecutorError
		if errors.As(err, &execErr) {
			return exitExecutorError
		}
		return exitSoftware
	}
	switch outcome.Status {
	case engine.StatusRebootIssued:
		return exitRebootIssued
	case engine.StatusRateLimited:
		return exitRateLimited
	default:
		return exitOK
	}
}

func commandCheck(args []string) int {
	return commandCheckWithWriters(args, os.Stdout, os.Stderr)
}

func commandCheckWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", policy.DefaultConfigPath, "path to configuration file")
	dryRun := fs.Bool("dry-run", false, "enable dry-run mode")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath, *dryRun)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	rt, err := buildRuntime(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise: %v\n", err)
		return exitConfigError
	}

	outcome, runErr := rt.engine.CheckSync(context.Background())
	printOutcome(stdout, outcome)
	if runErr != nil {
		fmt.Fprintf(stderr, "check failed: %v\n", runErr)
	}
	return exitCodeFor(outcome, runErr)
}

func commandRefresh(args []string) int {
	return commandRefreshWithWriters(args, os.Stdout, os.Stderr)
}

func commandRefreshWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("refresh", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", policy.DefaultConfigPath, "path to configuration file")
	dryRun := fs.Bool("dry-run", false, "enable dry-run mode")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath, *dryRun)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	rt, err := buildRuntime(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise: %v\n", err)
		return exitConfigError
	}

	outcome, runErr := rt.engine.HandleRefresh(context.Background())
	printOutcome(stdout, outcome)
	if runErr != nil {
		fmt.Fprintf(stderr, "refresh failed: %v\n", runErr)
	}
	return exitCodeFor(outcome, runErr)
}

func commandWatch(args []string) int {
	return commandWatchWithWriters(args, os.Stdout, os.Stderr)
}

func commandWatchWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", policy.DefaultConfigPath, "path to configuration file")
	dryRun := fs.Bool("dry-run", false, "enable dry-run mode")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath, *dryRun)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	rt, err := buildRuntime(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise: %v\n", err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if rt.collector != nil {
		server := &http.Server{Addr: cfg.Metrics.Listen, Handler: rt.collector.Handler()}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(stderr, "metrics listener failed: %v\n", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	outcome, runErr := rt.engine.Watch(ctx, cfg.CheckInterval())
	printOutcome(stdout, outcome)
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return exitOK
		}
		fmt.Fprintf(stderr, "watch failed: %v\n", runErr)
	}
	return exitCodeFor(outcome, runErr)
}

func commandValidate(args []string) int {
	return commandValidateWithWriters(args, os.Stdout, os.Stderr)
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", policy.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := policy.Load(*configPath); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", *configPath)
	return exitOK
}

func commandSimulate(args []string) int {
	return commandSimulateWithWriters(args, os.Stdout, os.Stderr)
}

func commandSimulateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", policy.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath, true)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	rt, err := buildRuntime(cfg, io.Discard)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "node %s policy summary:\n", cfg.NodeName)
	fmt.Fprintf(stdout, "  policy: %s (when=%s, apply=%s)\n", cfg.Policy.Name, cfg.Policy.TriggerMode(), cfg.Policy.ApplyTiming())
	fmt.Fprintf(stdout, "  ledger: %s (max retries %d per %s)\n", cfg.LedgerPath, cfg.Policy.MaxRetries, cfg.Policy.RetryWindow())
	if cfg.GuardScript != "" {
		fmt.Fprintf(stdout, "  guard script: %s\n", cfg.GuardScript)
	}
	if len(cfg.RebootCommand) > 0 {
		fmt.Fprintf(stdout, "  reboot command: %s\n", strings.Join(cfg.RebootCommand, " "))
	}

	outcome, runErr := rt.engine.CheckSync(context.Background())
	fmt.Fprintln(stdout, "probe evaluations:")
	for _, res := range outcome.PendingResults {
		status := "clear"
		if res.Err != nil {
			status = fmt.Sprintf("error: %v", res.Err)
		} else if res.Pending {
			status = "pending"
		}
		fmt.Fprintf(stdout, "  - %s => %s (duration %s)\n", res.Reason, status, res.Duration.Round(time.Millisecond))
	}
	printOutcome(stdout, outcome)

	if runErr != nil {
		fmt.Fprintf(stderr, "simulation encountered errors: %v\n", runErr)
		return exitSoftware
	}
	fmt.Fprintln(stdout, "no reboot actions performed in simulation mode")
	return exitOK
}

func printOutcome(stdout io.Writer, outcome engine.Outcome) {
	fmt.Fprintf(stdout, "outcome: %s\n", outcome.Status)
	if outcome.Message != "" {
		fmt.Fprintf(stdout, "  %s\n", outcome.Message)
	}
	if len(outcome.MatchedReasons) > 0 {
		reasons := make([]string, 0, len(outcome.MatchedReasons))
		for _, code := range outcome.MatchedReasons {
			reasons = append(reasons, string(code))
		}
		fmt.Fprintf(stdout, "  matched reasons: %s\n", strings.Join(reasons, ", "))
	}
	if outcome.LedgerDecision != nil && outcome.LedgerDecision.RetryAfter > 0 {
		fmt.Fprintf(stdout, "  retry after: %s\n", outcome.LedgerDecision.RetryAfter.Round(time.Second))
	}
	if outcome.DryRun {
		fmt.Fprintln(stdout, "  dry-run enabled")
	}
}
