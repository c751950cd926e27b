// Package version records the build identity of the pzrun binary.
package version

import "github.com/fatih/color"

// Release builds stamp the metadata below through -ldflags, e.g.
//   -X pzrun/internal/version.GitCommit=$(git rev-parse HEAD)
var (
	// Version is the semantic version reported by `pzrun version`.
	Version = paint("0", "1", "0") + "-dev"

	// GitCommit, GitMessage and BuildDate describe the exact build;
	// empty when not stamped.
	GitCommit  = ""
	GitMessage = ""
	BuildDate  = ""
)

func paint(major, minor, patch string) string {
	return color.New(color.FgYellow, color.Bold).Sprint(major) + "." +
		color.New(color.FgGreen, color.Bold).Sprint(minor) + "." +
		color.New(color.FgBlue, color.Bold).Sprint(patch)
}
