package cli

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sentinel ingest server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunServe(cmd.Context())
	},
}

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the hub ledger server and failed-job sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunHub(cmd.Context())
	},
}
