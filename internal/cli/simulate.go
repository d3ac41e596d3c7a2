package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"market-sentinel/internal/app"
)

var (
	simulateURL    string
	simulateSecret string
	simulateSymbol string
	simulateDelta  float64
	simulateNote   string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一条市场告警并投递到 sentinel",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" {
			return errors.New("--symbol 必须提供")
		}

		opts := app.SimulateOptions{
			URL:      simulateURL,
			Secret:   simulateSecret,
			Symbol:   simulateSymbol,
			DeltaPct: simulateDelta,
			Note:     simulateNote,
		}

		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateURL, "url", "", "Sentinel alert endpoint (defaults to local server.addr)")
	simulateCmd.Flags().StringVar(&simulateSecret, "secret", "", "Signature secret override")
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "指数代码, 例如 KS200")
	simulateCmd.Flags().Float64Var(&simulateDelta, "delta", -1.8, "偏离百分比")
	simulateCmd.Flags().StringVar(&simulateNote, "note", "", "附加备注")
}
