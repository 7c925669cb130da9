// Package commands implements the testimonyctl cobra command tree.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// socketPath is the control socket every subcommand connects to.
var socketPath string

// rootCmd is the top-level cobra command for testimonyctl.
var rootCmd = &cobra.Command{
	Use:   "testimonyctl",
	Short: "CLI client for a testimonyd control socket",
	Long:  "testimonyctl connects to a testimonyd control socket and streams captured packet blocks.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/var/run/testimonyd.sock",
		"testimonyd control socket path")

	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
