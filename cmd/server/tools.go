package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pufferblow/realtime-core/internal/auth"
	"github.com/pufferblow/realtime-core/internal/config"
	"github.com/pufferblow/realtime-core/internal/store"
)

func newMintTokenCommand() *cobra.Command {
	var configPath string
	var userID string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:     "mint-token",
		Short:   "Sign a connection token for local testing",
		Example: "RTC_JWT_SECRET=dev realtime-core mint-token --user alice",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			token, err := auth.Mint(cfg.Auth.JWTSecret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id placed in the userId claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newCallsCommand() *cobra.Command {
	var dbPath string
	var userID string
	var limit int

	cmd := &cobra.Command{
		Use:     "calls",
		Short:   "List recent calls from the call log",
		Example: "realtime-core calls --db data/calls.db --user alice",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				return errors.New("--db is required")
			}
			callLog, err := store.OpenCallLog(dbPath)
			if err != nil {
				return err
			}
			defer callLog.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			records, err := callLog.Recent(ctx, userID, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintf(out, "no calls for %s\n", userID)
				return nil
			}
			for _, r := range records {
				fmt.Fprintln(out, r.String())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Path to the call log database")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id to list calls for")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of calls")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
