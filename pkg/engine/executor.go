package engine

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rebootpolicyd/rebootpolicyd/pkg/policy"
)

// Request carries the parameters of a reboot about to be issued.
type Request struct {
	Message string
	Timeout time.Duration
	Timing  policy.ApplyTiming
}

// RebootExecutor issues the actual reboot command. Implementations must not
// return before the command has been handed to the operating system.
type RebootExecutor interface {
	Execute(ctx context.Context, req Request) error
}

// RebootExecutorFunc adapts a function into a RebootExecutor.
type RebootExecutorFunc func(ctx context.Context, req Request) error

// Execute implements RebootExecutor.
func (f RebootExecutorFunc) Execute(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// ExecutorError wraps a failure to issue the reboot command.
type ExecutorError struct {
	Command []string
	Err     error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("reboot command %q failed: %v", strings.Join(e.Command, " "), e.Err)
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}

// ExecRebootExecutor shells out to the platform shutdown command, or to an
// operator-supplied override used verbatim.
type ExecRebootExecutor struct {
	override []string
	runner   func(ctx context.Context, name string, args ...string) error
}

// NewExecRebootExecutor builds an executor. An empty override selects the
// platform default command.
func NewExecRebootExecutor(override []string) *ExecRebootExecutor {
	return &ExecRebootExecutor{
		override: append([]string(nil), override...),
		runner:   runCommand,
	}
}

// Execute implements RebootExecutor.
func (e *ExecRebootExecutor) Execute(ctx context.Context, req Request) error {
	if ctx == nil {
		ctx = context.Background()
	}

	command := e.override
	if len(command) == 0 {
		command = platformCommand(req)
	}

	if err := e.runner(ctx, command[0], command[1:]...); err != nil {
		return &ExecutorError{Command: command, Err: err}
	}
	return nil
}

// platformCommand builds the native shutdown invocation for the current OS.
// The shutdown delay comes from the request timeout; immediate timing forces
// a zero delay regardless of the configured grace period.
func platformCommand(req Request) []string {
	delay := req.Timeout
	if req.Timing == policy.ApplyImmediate {
		delay = 0
	}

	if runtime.GOOS == "windows" {
		seconds := int(delay / time.Second)
		return []string{
			"shutdown.exe", "/r",
			"/t", strconv.Itoa(seconds),
			"/c", req.Message,
			"/d", "p:4:1",
		}
	}

	when := "now"
	if delay > 0 {
		minutes := int((delay + time.Minute - 1) / time.Minute)
		when = "+" + strconv.Itoa(minutes)
	}
	return []string{"/sbin/shutdown", "-r", when, req.Message}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(output))
		if trimmed != "" {
			return fmt.Errorf("%w: %s", err, trimmed)
		}
		return err
	}
	return nil
}

var _ RebootExecutor = (*ExecRebootExecutor)(nil)
