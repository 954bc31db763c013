package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	runListen   string
	runInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if cmd.Flags().Changed("listen") {
			a.Config.HTTP.ListenAddr = runListen
		}
		if runInterval != 0 {
			if runInterval < 0 {
				return fmt.Errorf("--interval must be positive")
			}
			a.Config.Scheduler.Interval = runInterval
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runListen, "listen", "", "HTTP listen address, empty disables the API (overrides http.listen_addr)")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Polling interval (overrides scheduler.interval)")
}
