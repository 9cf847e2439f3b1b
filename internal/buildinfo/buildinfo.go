// Package buildinfo contains build-time metadata kept apart from user configuration
package buildinfo

import "runtime/debug"

// Set with -ldflags "-X github.com/presencewatch/presence-go/internal/buildinfo.version=..."
var (
	version   string
	buildDate string
)

// Info holds the build metadata reported by the CLI and /health
type Info struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
}

// Get returns the build metadata. Without ldflags the module version from
// the embedded build info is used, and unknown fields read "unknown".
func Get() Info {
	info := Info{Version: version, BuildDate: buildDate}
	if info.Version == "" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	if info.Version == "" {
		info.Version = "unknown"
	}
	if info.BuildDate == "" {
		info.BuildDate = "unknown"
	}
	return info
}
