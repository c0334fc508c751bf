// Package version exposes the build version of the reboot policy agent.
package version

import (
	"runtime/debug"
	"strings"
)

const devVersion = "0.1.0-dev"

// Version is the semantic version of the running binary. Release builds set
// it via -ldflags "-X github.com/rebootpolicyd/rebootpolicyd/pkg/version.Version=<value>";
// otherwise it is derived from the embedded build info.
var Version = devVersion

var readBuildInfo = debug.ReadBuildInfo

func init() {
	Version = resolve(Version)
}

func resolve(current string) string {
	if current != "" && current != devVersion {
		return current
	}

	info, ok := readBuildInfo()
	if !ok || info == nil {
		return current
	}

	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := fromVCS(info.Settings); v != "" {
		return v
	}
	return current
}

func fromVCS(settings []debug.BuildSetting) string {
	var revision string
	var modified bool
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			revision = strings.TrimSpace(setting.Value)
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision == "" {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if modified {
		revision += "-dirty"
	}
	return "devel+" + revision
}
