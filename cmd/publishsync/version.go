package main

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Set at build time via ldflags.
	Version   = "dev"
	GitCommit = "unknown"
)

func currentVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			return info.Main.Version
		}
	}
	return Version
}

type versionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := versionInfo{Version: currentVersion(), GitCommit: GitCommit}
			return c.render(cmd.OutOrStdout(), info, func(w io.Writer) {
				if info.GitCommit != "unknown" {
					fmt.Fprintf(w, "publishsync %s (commit: %s)\n", info.Version, info.GitCommit)
					return
				}
				fmt.Fprintf(w, "publishsync %s\n", info.Version)
			})
		},
	}
}
