package guard

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on Windows test environment")
	}
	path := filepath.Join(t.TempDir(), "guard.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func TestNewScriptRunnerValidation(t *testing.T) {
	if _, err := NewScriptRunner("  ", time.Second, nil); err == nil {
		t.Fatal("expected error for blank path")
	}
	if _, err := NewScriptRunner("relative/guard.sh", time.Second, nil); err == nil {
		t.Fatal("expected error for relative path")
	}
}

func TestRunPassingScript(t *testing.T) {
	path := writeScript(t, `printf "clear to reboot"`)
	runner, err := NewScriptRunner(path, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}

	result, err := runner.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if result.Blocked() {
		t.Fatalf("expected exit 0, got %d", result.ExitCode)
	}
	if result.Stdout != "clear to reboot" {
		t.Fatalf("unexpected stdout %q", result.Stdout)
	}
}

func TestRunBlockingScript(t *testing.T) {
	path := writeScript(t, `echo "active sessions" >&2; exit 3`)
	runner, err := NewScriptRunner(path, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}

	result, err := runner.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("exit codes must not surface as errors: %v", err)
	}
	if !result.Blocked() {
		t.Fatal("expected script to block")
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "active sessions") {
		t.Fatalf("unexpected stderr %q", result.Stderr)
	}
}

func TestRunInjectsEnvironment(t *testing.T) {
	path := writeScript(t, `printf "%s/%s" "$RP_POLICY_NAME" "$RP_PHASE"`)
	runner, err := NewScriptRunner(path, 5*time.Second, map[string]string{"RP_POLICY_NAME": "after-updates"})
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}

	result, err := runner.Run(context.Background(), map[string]string{"RP_PHASE": "pre-reboot"})
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if result.Stdout != "after-updates/pre-reboot" {
		t.Fatalf("unexpected stdout %q", result.Stdout)
	}
}

func TestRunTimesOut(t *testing.T) {
	path := writeScript(t, `sleep 5`)
	runner, err := NewScriptRunner(path, 100*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}

	if _, err := runner.Run(context.Background(), nil); err == nil {
		t.Fatal("expected timeout error")
	}
}
