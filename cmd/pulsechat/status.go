package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:      %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:      (not set)")
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.AccessToken != "" {
			fmt.Printf("  Access Token: %s\n", maskKey(cfg.Auth.AccessToken))
		} else {
			fmt.Println("  Access Token: (not set, requests use the API key)")
		}

		if cfg.Default.BaseURL == "" || cfg.Default.APIKey == "" {
			return nil
		}

		fmt.Println()
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		if err := client.Health(ctx); err != nil {
			fmt.Printf("Backend:        UNREACHABLE (%v)\n", err)
			return nil
		}
		fmt.Printf("Backend:        OK (%s)\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("Realtime:       %s\n", client.RealtimeURL())
		return nil
	},
}
