package cli

import (
	"github.com/spf13/cobra"

	"cometwatch/internal/app"
)

var (
	snapshotJSON    bool
	snapshotPersist bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Fetch every configured market once and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Snapshot(cmd.Context(), app.SnapshotOptions{
			JSON:    snapshotJSON,
			Persist: snapshotPersist,
		})
	},
}

func init() {
	snapshotCmd.Flags().BoolVar(&snapshotJSON, "json", false, "Print the snapshot as JSON")
	snapshotCmd.Flags().BoolVar(&snapshotPersist, "persist", false, "Store the snapshot and its alerts in the database")
}
