package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"cometwatch/internal/app"
)

var (
	simulateMarket      string
	simulateUtilization float64
	simulateSupplyAPR   float64
	simulateBorrowAPR   float64
	simulateTotalSupply float64
	simulateTotalBorrow float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "用人工构造的市场数据触发一次告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateUtilization < 0 || simulateUtilization > 100 {
			return errors.New("--utilization 必须在 0 到 100 之间")
		}
		if simulateTotalBorrow > 0 && simulateTotalSupply <= 0 {
			return errors.New("--total-borrow 需要同时提供 --total-supply")
		}

		opts := app.SimulateOptions{
			Symbol:      simulateMarket,
			Utilization: simulateUtilization / 100,
			SupplyRate:  simulateSupplyAPR / 100,
			BorrowRate:  simulateBorrowAPR / 100,
			TotalSupply: simulateTotalSupply,
			TotalBorrow: simulateTotalBorrow,
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateMarket, "market", "USDC", "市场符号")
	simulateCmd.Flags().Float64Var(&simulateUtilization, "utilization", 0, "利用率 (%)")
	simulateCmd.Flags().Float64Var(&simulateSupplyAPR, "supply-apr", 0, "存款年化 (%)")
	simulateCmd.Flags().Float64Var(&simulateBorrowAPR, "borrow-apr", 0, "借款年化 (%)")
	simulateCmd.Flags().Float64Var(&simulateTotalSupply, "total-supply", 0, "总存款 (基础资产单位)")
	simulateCmd.Flags().Float64Var(&simulateTotalBorrow, "total-borrow", 0, "总借款 (基础资产单位)")
}
