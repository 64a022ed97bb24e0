package cli

import (
	"fmt"
	goruntime "runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/chargekit/chargekit/pkg/cli/internal/output"
)

// versionInfo is the version command's JSON shape.
type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	Go      string `json:"go"`
	OS      string `json:"os"`
	Arch    string `json:"arch"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show chargekit version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := resolveVersion()
		if jsonOutput {
			return output.JSON(cmd.OutOrStdout(), info)
		}

		v := info.Version
		if len(v) > 0 && v[0] != 'v' && v != "dev" && v != "(devel)" {
			v = "v" + v
		}
		fmt.Fprintf(cmd.OutOrStdout(), "chargekit %s (%s, %s)\n", v, info.Commit, info.Date)
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s\n", info.Go, info.OS, info.Arch)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// resolveVersion fills in whatever the linker did not: module version
// and VCS details come from the embedded build info when the
// ldflags-injected values are still at their defaults.
func resolveVersion() versionInfo {
	info := versionInfo{
		Version: Version,
		Commit:  Commit,
		Date:    BuildDate,
		Go:      goruntime.Version(),
		OS:      goruntime.GOOS,
		Arch:    goruntime.GOARCH,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "unknown" {
				info.Date = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" {
				info.Commit += "-dirty"
			}
		}
	}
	return info
}
