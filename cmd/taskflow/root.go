package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskflow",
	Short: "Realtime backend for the taskflow ticket tracker",
	Long: `Taskflow keeps collaborative ticket boards consistent in real time.

It serves paginated ticket and comment snapshots out of a SQLite database,
streams row-level change events to scoped WebSocket channels, and tracks
per-document presence rosters for collaborative editing sessions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: ./taskflow.yaml)")
}
