//go:build !windows

package pending

import (
	"github.com/rebootpolicyd/rebootpolicyd/pkg/policy"
)

// rebootRequiredSentinel is dropped by package managers (update-notifier,
// needrestart) when an installed update needs a reboot to take effect.
const rebootRequiredSentinel = "/var/run/reboot-required"

// PlatformProbes returns the probe set for Unix-like systems. Only the
// generic reboot-required sentinel can be checked here; the remaining reason
// codes are Windows concepts and evaluate as unsupported.
func PlatformProbes() []Probe {
	probes := []Probe{
		&fileProbe{reason: policy.ReasonRebootRequired, path: rebootRequiredSentinel},
	}
	for _, code := range policy.AllReasons() {
		if code == policy.ReasonRebootRequired {
			continue
		}
		probes = append(probes, unsupportedProbe{reason: code})
	}
	return probes
}
