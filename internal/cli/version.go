package cli

import (
	"fmt"
	goruntime "runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time. Unset values fall back to the VCS stamp
// the Go toolchain embeds.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Modified  bool   `json:"modified,omitempty"`
	Go        string `json:"go"`
}

func currentBuild() buildInfo {
	b := buildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate, Go: goruntime.Version()}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "unknown" {
				b.Commit = s.Value
				if len(b.Commit) > 12 {
					b.Commit = b.Commit[:12]
				}
			}
		case "vcs.time":
			if b.BuildDate == "unknown" {
				b.BuildDate = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		b := currentBuild()
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), b)
		}
		dirty := ""
		if b.Modified {
			dirty = "+dirty"
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "memcore %s (commit %s%s, built %s, %s)\n", b.Version, b.Commit, dirty, b.BuildDate, b.Go)
		return err
	},
}

// VersionString is the short form reported by the health endpoint.
func VersionString() string {
	b := currentBuild()
	return fmt.Sprintf("%s (%s)", b.Version, b.Commit)
}
