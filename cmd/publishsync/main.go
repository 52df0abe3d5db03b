// Command publishsync decides how module trees must be republished and
// records completed publishes.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"publishsync/internal/config"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli holds state shared by every command of one invocation.
type cli struct {
	v      *viper.Viper
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), logger: slog.New(slog.DiscardHandler)}
	c.v.SetEnvPrefix("PUBLISHSYNC")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "publishsync",
		Short: "Decide how module trees must be republished",
		Long: `publishsync compares a module tree with what was last published and
decides, per module subtree, whether nothing, an incremental update, a full
republish or a removal is needed.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setupLogging(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", "publishsync.yaml", "Workspace descriptor")
	flags.String("state", ".publishsync/state.cbor", "Tracking state file")
	flags.String("registry", config.RegistryStore, "Source of published paths (store, docker)")
	flags.String("docker-label-prefix", "publishsync", "Label namespace on target containers")
	flags.StringSlice("full-only", nil, "Artifact types that are never published incrementally")
	flags.StringSlice("notify-url", nil, "Webhook receiving publish notifications (repeatable)")
	flags.StringP("format", "f", "text", "Output format (text, json)")
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "state", "registry", "docker-label-prefix", "full-only", "notify-url", "format", "log-level"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		c.decideCmd(),
		c.planCmd(),
		c.structureCmd(),
		c.commitCmd(),
		c.markFullCmd(),
		c.watchCmd(),
		c.versionCmd(),
	)
	return root
}

func (c *cli) setupLogging(w io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.v.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	c.logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
