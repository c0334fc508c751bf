package policy

import (
	"fmt"
	"strings"
)

// ReasonCode identifies a specific cause of a pending-reboot state.
// The set of codes is closed; platform support for probing each code varies.
type ReasonCode string

const (
	ReasonRebootRequired              ReasonCode = "reboot_required"
	ReasonComponentBasedServicing     ReasonCode = "component_based_servicing"
	ReasonWindowsAutoUpdate           ReasonCode = "windows_auto_update"
	ReasonPendingFileRenameOperations ReasonCode = "pending_file_rename_operations"
	ReasonPackageInstaller            ReasonCode = "package_installer"
	ReasonPendingComputerRename       ReasonCode = "pending_computer_rename"
	ReasonPendingDSCReboot            ReasonCode = "pending_dsc_reboot"
	ReasonPendingCCMReboot            ReasonCode = "pending_ccm_reboot"
)

// AllReasons returns every recognized reason code.
func AllReasons() []ReasonCode {
	return []ReasonCode{
		ReasonRebootRequired,
		ReasonComponentBasedServicing,
		ReasonWindowsAutoUpdate,
		ReasonPendingFileRenameOperations,
		ReasonPackageInstaller,
		ReasonPendingComputerRename,
		ReasonPendingDSCReboot,
		ReasonPendingCCMReboot,
	}
}

// ParseReason maps a configuration value onto a ReasonCode. Unknown values are
// rejected rather than coerced.
func ParseReason(raw string) (ReasonCode, error) {
	normalized := ReasonCode(strings.ToLower(strings.TrimSpace(raw)))
	for _, code := range AllReasons() {
		if normalized == code {
			return code, nil
		}
	}
	return "", fmt.Errorf("unknown reason code %q", raw)
}

// parseReasonList converts a configured reason list into codes, collecting one
// problem per invalid element. Duplicates collapse silently.
func parseReasonList(field string, raw []string) ([]ReasonCode, []string) {
	problems := make([]string, 0)
	codes := make([]ReasonCode, 0, len(raw))
	seen := make(map[ReasonCode]struct{}, len(raw))
	for i, value := range raw {
		code, err := ParseReason(value)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s[%d]: %v", field, i, err))
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, problems
}
