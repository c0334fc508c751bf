// Package guard runs an optional operator-supplied script as a last gate
// before a reboot is issued. A non-zero exit blocks the reboot.
package guard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Result captures one guard script execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Blocked reports whether the script vetoed the reboot.
func (r Result) Blocked() bool { return r.ExitCode != 0 }

// ScriptRunner executes the guard script with a timeout and the policy
// environment injected.
type ScriptRunner struct {
	path    string
	timeout time.Duration
	env     map[string]string
}

// NewScriptRunner constructs a runner for the provided absolute script path.
func NewScriptRunner(path string, timeout time.Duration, baseEnv map[string]string) (*ScriptRunner, error) {
	cleaned := strings.TrimSpace(path)
	if cleaned == "" {
		return nil, errors.New("guard script path must not be empty")
	}
	if !filepath.IsAbs(cleaned) {
		return nil, fmt.Errorf("guard script path must be absolute: %s", path)
	}
	env := make(map[string]string, len(baseEnv))
	for k, v := range baseEnv {
		env[k] = v
	}
	return &ScriptRunner{path: cleaned, timeout: timeout, env: env}, nil
}

// Run executes the guard script. Exit codes are reported through the Result,
// not as errors; only failures to run the script at all return an error.
func (r *ScriptRunner) Run(ctx context.Context, extraEnv map[string]string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, r.path)
	cmd.Env = append(os.Environ(), flattenEnv(r.env)...)
	cmd.Env = append(cmd.Env, flattenEnv(extraEnv)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("guard script timed out after %s", r.timeout)
		}
		return result, execCtx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("guard script execution failed: %w", err)
	}

	return result, nil
}

// Path returns the configured script path.
func (r *ScriptRunner) Path() string { return r.path }

func flattenEnv(values map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	flattened := make([]string, 0, len(values))
	for k, v := range values {
		flattened = append(flattened, k+"="+v)
	}
	return flattened
}
