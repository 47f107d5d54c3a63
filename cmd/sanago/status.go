package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	sanago "github.com/jesse457/SanaGo-desktop-sub000"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session and connectivity status",
	Long:  "Display the current configuration, check the stored token, probe connectivity and fetch the live unread count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  API:       %s\n", valueOrDefault(cfg.API.BaseURL, "(not set)"))
		fmt.Printf("  Store:     %s\n", valueOrDefault(cfg.Store.Backend, "sqlite"))
		fmt.Printf("  Transport: %s\n", valueOrDefault(cfg.Realtime.Transport, "sse"))

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Println()
		fmt.Println("Auth:")
		token, hasToken := sanago.LoadJSON[string](ctx, store, sanago.TokenKey)
		if cfg.Auth.Email != "" {
			fmt.Printf("  User:      %s <%s>\n", valueOrDefault(cfg.Auth.Name, "?"), cfg.Auth.Email)
		}
		tokenStatus := "none"
		if hasToken {
			tokenStatus = "present " + maskKey(token)
			if claims, err := sanago.TokenClaims(token); err == nil && !claims.ExpiresAt.IsZero() {
				if claims.Expired(time.Now()) {
					tokenStatus += fmt.Sprintf(" (EXPIRED %s)", claims.ExpiresAt.Format(time.RFC3339))
				} else {
					tokenStatus += fmt.Sprintf(" (expires %s)", claims.ExpiresAt.Format(time.RFC3339))
				}
			}
		}
		fmt.Printf("  Token:     %s\n", tokenStatus)

		fmt.Println()
		fmt.Println("Network:")
		monitor := newNetworkMonitor(cfg)
		online := monitor.Check(ctx)
		fmt.Printf("  Online:    %t\n", online)

		if !online || !hasToken || cfg.API.BaseURL == "" {
			return nil
		}

		client, err := newClient(cfg, store)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("Live status:")
		unread, err := client.UnreadCount(ctx)
		if err != nil {
			if sanago.IsUnauthorized(err) {
				fmt.Println("  Token rejected by the server; run 'sanago login <email>'.")
				return nil
			}
			fmt.Printf("  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread:    %d\n", unread)
		return nil
	},
}
