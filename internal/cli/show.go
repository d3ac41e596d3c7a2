package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-sentinel/internal/app"
)

var (
	showHours int
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent hub jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 || showHours <= 0 {
			return fmt.Errorf("--limit and --hours must be greater than zero")
		}

		opts := app.ShowOptions{
			Hours: showHours,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showHours, "hours", 24, "Lookback window in hours")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of jobs to display")
}
