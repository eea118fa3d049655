package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <api-key>",
	Short: "Store the project URL and API key in ~/.pulsechat/config.toml",
	Long:  "Initialize pulsechat by storing the backend project URL and its public API key in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, "default.base_url", args[0]); err != nil {
			return err
		}
		cfg.Default.APIKey = args[1]

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Project settings saved to %s\n", path)
		return nil
	},
}
