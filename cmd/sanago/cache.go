package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	sanago "github.com/jesse457/SanaGo-desktop-sub000"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheGetCmd)
	cacheCmd.AddCommand(cacheDeleteCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the secure offline cache",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the cached value of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, s *sanago.SecureStore) error {
			raw, ok := s.Get(ctx, args[0])
			if !ok {
				return fmt.Errorf("no cached value for %q", args[0])
			}
			fmt.Println(string(raw))
			return nil
		})
	},
}

var cacheDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove one cached key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, s *sanago.SecureStore) error {
			if !s.Delete(ctx, args[0]) {
				return fmt.Errorf("could not delete %q; see the log above", args[0])
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe every cached key, including the token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, s *sanago.SecureStore) error {
			if !s.Clear(ctx) {
				return fmt.Errorf("could not clear the cache; see the log above")
			}
			fmt.Println("Cache cleared.")
			return nil
		})
	},
}
