package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// configKey describes one settable key of config.toml.
type configKey struct {
	Name   string
	Env    string
	Secret bool
	Help   string
}

var configKeys = []configKey{
	{Name: "default.base_url", Env: "PULSECHAT_BASE_URL", Help: "project URL serving /rest/v1 and /realtime/v1"},
	{Name: "default.api_key", Env: "PULSECHAT_API_KEY", Secret: true, Help: "public API key sent as the apikey header"},
	{Name: "auth.access_token", Env: "PULSECHAT_ACCESS_TOKEN", Secret: true, Help: "signed-in user's JWT; without it requests use the API key"},
	{Name: "auth.user_id", Env: "PULSECHAT_USER_ID", Help: "your user id; marks your reactions and authors your sends"},
}

// configValue reads a field by its dot-notation key.
func configValue(cfg *Config, key string) (string, bool) {
	switch key {
	case "default.base_url":
		return cfg.Default.BaseURL, true
	case "default.api_key":
		return cfg.Default.APIKey, true
	case "auth.access_token":
		return cfg.Auth.AccessToken, true
	case "auth.user_id":
		return cfg.Auth.UserID, true
	}
	return "", false
}

func configKeysHelp() string {
	var b strings.Builder
	b.WriteString("Keys:\n")
	for _, k := range configKeys {
		fmt.Fprintf(&b, "  %-18s %s (env %s)\n", k.Name, k.Help, k.Env)
	}
	return b.String()
}

// renderConfig prints every key with the layer it came from. Environment
// values win over the file, so a key differing from the file came from env.
func renderConfig(w io.Writer, file, effective *Config, reveal bool) {
	for _, k := range configKeys {
		stored, _ := configValue(file, k.Name)
		value, _ := configValue(effective, k.Name)

		source := "file"
		switch {
		case value == "":
			source = "unset"
		case value != stored:
			source = "env " + k.Env
		}
		shown := value
		if k.Secret && value != "" && !reveal {
			shown = maskKey(value)
		}
		fmt.Fprintf(w, "%-18s = %-40s [%s]\n", k.Name, valueOrDefault(shown, "-"), source)
	}
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)

	configShowCmd.Flags().Bool("raw", false, "Print config.toml as stored")
	configShowCmd.Flags().Bool("reveal", false, "Print secrets unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage pulsechat configuration",
	Long: "View or modify ~/.pulsechat/config.toml.\n" +
		"[default] holds the project, [auth] the signed-in session.\n" +
		"PULSECHAT_* variables and a .env file in the working directory override the file.\n\n" +
		configKeysHelp(),
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration and where each value comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		if raw, _ := cmd.Flags().GetBool("raw"); raw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'pulsechat init <base-url> <api-key>' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		file, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		effective, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to apply environment: %w", err)
		}
		reveal, _ := cmd.Flags().GetBool("reveal")
		renderConfig(os.Stdout, file, effective, reveal)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a configuration value",
	Long:  "Store a value under a dot-notation key.\nExample: pulsechat config set auth.user_id 6b0e...\n\n" + configKeysHelp(),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a stored configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(args[0], "")
	},
}

func updateConfig(key, value string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	if value == "" {
		fmt.Printf("Cleared %s\n", key)
		return nil
	}
	for _, k := range configKeys {
		if k.Name == key && k.Secret {
			value = maskKey(value)
		}
	}
	fmt.Printf("Set %s = %s\n", key, value)
	return nil
}
