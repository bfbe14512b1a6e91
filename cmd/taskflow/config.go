package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/denvudd/taskflow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration as YAML, after merging defaults,
the config file, and TASKFLOW_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader(configPath, nil)
		cfg, err := loader.Load()
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
