package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-sentinel/internal/app"
)

var (
	resendLimit  int
	resendDryRun bool
)

var resendCmd = &cobra.Command{
	Use:   "resend",
	Short: "Repush failed hub jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if resendLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ResendOptions{
			Limit:  resendLimit,
			DryRun: resendDryRun,
		}

		return getApp().Resend(cmd.Context(), opts)
	},
}

func init() {
	resendCmd.Flags().IntVar(&resendLimit, "limit", 20, "Maximum number of failed jobs to repush")
	resendCmd.Flags().BoolVar(&resendDryRun, "dry-run", false, "List failed jobs without pushing")
}
