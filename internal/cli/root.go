// Package cli implements the instancehub command tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/instancehub/instancehub/pkg/config"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersionInfo records the build metadata injected through ldflags.
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

type rootOptions struct {
	configPath string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "instancehub",
		Short: "Monitor host resources and service health from the terminal",
		Long: `instancehub samples CPU, memory, disk and network usage on a fixed cadence,
raises warning and critical alerts with hysteresis, and checks that Redis,
PostgreSQL, MySQL, MongoDB and TCP services are reachable.

Configuration is read from --config, ./instancehub.yaml or
~/.instancehub/config.yaml, and INSTANCEHUB_* environment variables
override scalar settings.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")

	root.AddCommand(
		newMonitorCommand(opts),
		newHealthCommand(opts),
		newConfigCommand(opts),
		newLifecycleCommand(opts),
		newProcessesCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprint(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

func formatError(err error) string {
	msg := err.Error()
	if len(msg) > 0 && msg[len(msg)-1] != '\n' {
		msg += "\n"
	}
	return msg
}

func (o *rootOptions) load() (*config.Config, string, error) {
	return config.LoadOrDefault(o.configPath)
}

// quietLogger discards component logs for one-shot commands whose output is
// the result table.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "instancehub %s (commit: %s, built: %s)\n", version, commit, date)
}
