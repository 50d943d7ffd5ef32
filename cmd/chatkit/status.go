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
	Short: "Show current configuration and API status",
	Long:  "Display the current configuration, check if the token is expired, and probe the API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, _, err := getClient(false)
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", client.BaseURL())
		fmt.Printf("  Channel:     %s\n", client.WSURL())
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "(default)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" || cfg.Auth.UserID != "" {
			fmt.Printf("  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  Username:    (not signed in)")
		}

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				if err == nil {
					if time.Now().Before(expires) {
						tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
					} else {
						tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
					}
				} else {
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				}
			} else if exp, ok := tokenExpiry(cfg.Auth.Token); ok {
				tokenStatus = fmt.Sprintf("present (claims expire %s)", exp.Format(time.RFC3339))
			} else {
				tokenStatus = "present (no expiry set)"
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Health(ctx); err != nil {
			fmt.Printf("  API:           unreachable (%v)\n", err)
			return nil
		}
		fmt.Println("  API:           ok")

		if cfg.Auth.Token == "" {
			return nil
		}
		convs, err := client.Conversations(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		return nil
	},
}
