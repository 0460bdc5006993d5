// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/internal/logging"
)

func newPruneCmd(flags *globalFlags, deps *Deps) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete expired refresh tokens and password resets",
		Long: `Delete refresh tokens and password reset tokens that expired before
now minus --grace. Revoked tokens are kept until they expire.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags, deps, true)
			if err != nil {
				return err
			}
			logger := logging.Setup(serviceName, version, cfg.Log.Format, cfg.Log.Level, cmd.ErrOrStderr())
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			repos, err := deps.StoreFactory(ctx, cfg, deps)
			if err != nil {
				return err
			}
			defer repos.Close()

			result, err := auth.Prune(ctx, repos.Tokens, repos.Resets, deps.Now().Add(-grace), logger)
			if err != nil {
				return err
			}
			cmd.Printf("Deleted %d refresh token(s) and %d password reset(s)\n", result.RefreshTokens, result.PasswordResets)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "keep rows that expired less than this long ago")
	return cmd
}
