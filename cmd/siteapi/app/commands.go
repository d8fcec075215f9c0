// Package app provides the commands for the site API server.
package app

import (
	"github.com/spf13/cobra"

	"github.com/stevedylandev/stevedylan.dev/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "siteapi",
	DisableAutoGenTag: true,
	Short:             "siteapi is the companion API for stevedylan.dev",
	Long: `siteapi is the companion API for stevedylan.dev.

It handles ATProto OAuth for the site owner and for guests, holds the
resulting sessions, signs DPoP-bound writes to the owner's PDS (and to
guests' own PDSes), and serves the "now" page RSS feed.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the site API.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	return rootCmd
}
