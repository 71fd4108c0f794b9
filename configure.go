package main

import (
	"fmt"

	"github.com/andi/reportflow/backend/config"
	"github.com/spf13/cobra"
)

var configureFlags settingsFlags

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Store settings for later runs",
	Long: `Configure merges the given flags into the saved settings file and validates
the result. The watcher is not started.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		configureFlags.apply(cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := config.Save(cfg, cfgPath); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
		fmt.Printf("Settings saved to %s\n", cfgPath)
		return nil
	},
}

func init() {
	configureFlags.register(configureCmd)
	rootCmd.AddCommand(configureCmd)
}
