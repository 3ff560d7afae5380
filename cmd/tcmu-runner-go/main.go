// Command tcmu-runner-go serves target_core_user devices with the built-in
// memory and file handlers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-tcmu/internal/constants"
)

var version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
	logDir     string
	logFile    bool
	logFormat  string
}

func newRootCommand() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "tcmu-runner-go",
		Short:         "Userspace handler daemon for target_core_user devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", constants.DefaultConfigFile, "configuration file")
	pf.StringVarP(&g.logLevel, "log-level", "l", "", "log level: error, warning, info, debug, trace or 1-5")
	pf.StringVar(&g.logDir, "log-dir", "", "directory of tcmu-runner.log (default $TCMU_LOGDIR or /var/log/)")
	pf.BoolVar(&g.logFile, "log-file", false, "log to tcmu-runner.log instead of stderr")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		newServeCommand(&g),
		newCheckConfigCommand(&g),
		newHandlersCommand(&g),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "tcmu-runner-go", version)
			},
		},
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
