//go:build windows

package pending

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sys/windows/registry"

	"github.com/rebootpolicyd/rebootpolicyd/pkg/policy"
)

// PlatformProbes returns the probe set for Windows. Most reasons map onto
// well-known registry locations; the DSC and CCM states are only reachable
// through CIM, so those probes shell out to PowerShell.
func PlatformProbes() []Probe {
	return []Probe{
		unsupportedProbe{reason: policy.ReasonRebootRequired},
		&registryKeyProbe{
			reason: policy.ReasonComponentBasedServicing,
			path:   `SOFTWARE\Microsoft\Windows\CurrentVersion\Component Based Servicing\RebootPending`,
		},
		&registryKeyProbe{
			reason: policy.ReasonWindowsAutoUpdate,
			path:   `SOFTWARE\Microsoft\Windows\CurrentVersion\WindowsUpdate\Auto Update\RebootRequired`,
		},
		&pendingFileRenameProbe{},
		&packageInstallerProbe{},
		&computerRenameProbe{},
		&cimProbe{
			reason: policy.ReasonPendingDSCReboot,
			script: `(Get-CimInstance -Namespace root/Microsoft/Windows/DesiredStateConfiguration ` +
				`-ClassName MSFT_DSCLocalConfigurationManager -ErrorAction Stop).LCMStateDetail -eq 'Reboot'`,
		},
		&cimProbe{
			reason: policy.ReasonPendingCCMReboot,
			script: `$r = Invoke-CimMethod -Namespace root/ccm/ClientSDK -ClassName CCM_ClientUtilities ` +
				`-MethodName DetermineIfRebootPending -ErrorAction Stop; $r.RebootPending -or $r.IsHardRebootPending`,
		},
	}
}

// registryKeyProbe reports pending when a marker key exists at all.
type registryKeyProbe struct {
	reason policy.ReasonCode
	path   string
}

func (p *registryKeyProbe) Reason() policy.ReasonCode { return p.reason }

func (p *registryKeyProbe) Supported() bool { return true }

func (p *registryKeyProbe) Check(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	k, err := registry.OpenKey(registry.LOCAL_MACHINE, p.path, registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("open HKLM\\%s: %w", p.path, err)
	}
	defer k.Close()
	return true, nil
}

// pendingFileRenameProbe reports pending when the session manager holds a
// non-empty rename queue.
type pendingFileRenameProbe struct{}

func (pendingFileRenameProbe) Reason() policy.ReasonCode {
	return policy.ReasonPendingFileRenameOperations
}

func (pendingFileRenameProbe) Supported() bool { return true }

func (pendingFileRenameProbe) Check(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	const path = `SYSTEM\CurrentControlSet\Control\Session Manager`
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("open HKLM\\%s: %w", path, err)
	}
	defer k.Close()

	values, _, err := k.GetStringsValue("PendingFileRenameOperations")
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read PendingFileRenameOperations: %w", err)
	}
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return true, nil
		}
	}
	return false, nil
}

// packageInstallerProbe reports pending when UpdateExeVolatile carries a
// non-zero flag left behind by update.exe style installers.
type packageInstallerProbe struct{}

func (packageInstallerProbe) Reason() policy.ReasonCode { return policy.ReasonPackageInstaller }

func (packageInstallerProbe) Supported() bool { return true }

func (packageInstallerProbe) Check(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	const path = `SOFTWARE\Microsoft\Updates`
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("open HKLM\\%s: %w", path, err)
	}
	defer k.Close()

	value, _, err := k.GetIntegerValue("UpdateExeVolatile")
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read UpdateExeVolatile: %w", err)
	}
	return value != 0, nil
}

// computerRenameProbe reports pending when the active computer name differs
// from the name that takes effect after the next boot.
type computerRenameProbe struct{}

func (computerRenameProbe) Reason() policy.ReasonCode { return policy.ReasonPendingComputerRename }

func (computerRenameProbe) Supported() bool { return true }

func (computerRenameProbe) Check(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	active, err := readComputerName(`SYSTEM\CurrentControlSet\Control\ComputerName\ActiveComputerName`)
	if err != nil {
		return false, err
	}
	configured, err := readComputerName(`SYSTEM\CurrentControlSet\Control\ComputerName\ComputerName`)
	if err != nil {
		return false, err
	}
	if active == "" || configured == "" {
		return false, nil
	}
	return !strings.EqualFold(active, configured), nil
}

func readComputerName(path string) (string, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("open HKLM\\%s: %w", path, err)
	}
	defer k.Close()

	name, _, err := k.GetStringValue("ComputerName")
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read ComputerName: %w", err)
	}
	return name, nil
}

// cimProbe evaluates a PowerShell expression expected to print True or False.
type cimProbe struct {
	reason policy.ReasonCode
	script string
}

func (p *cimProbe) Reason() policy.ReasonCode { return p.reason }

func (p *cimProbe) Supported() bool { return true }

func (p *cimProbe) Check(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-NonInteractive", "-Command", p.script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// The CIM namespace is absent on machines without DSC/CCM; treat that
		// as not pending rather than an error.
		return false, nil
	}
	return strings.EqualFold(strings.TrimSpace(stdout.String()), "true"), nil
}
