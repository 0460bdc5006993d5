// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/identity/internal/config"
	"github.com/holomush/identity/internal/xdg"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configFile string
	envFile    string
}

// NewRootCmd creates the root command for the identity CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmdWithDeps(nil)
}

func newRootCmdWithDeps(deps *Deps) *cobra.Command {
	deps = deps.withDefaults()
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Identity service: accounts, sessions and password resets",
		Long: `identity authenticates accounts, issues short-lived access tokens with
rotating refresh tokens, and runs the password reset flow over a JSON API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file path (default: $XDG_CONFIG_HOME/identity/config.yaml when present)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file seeding secrets (default: ./.env when present)")

	cmd.AddCommand(newServeCmd(flags, deps))
	cmd.AddCommand(newMigrateCmd(flags, deps))
	cmd.AddCommand(newAccountCmd(flags, deps))
	cmd.AddCommand(newPruneCmd(flags, deps))

	return cmd
}

// loadConfig reads configuration for cmd. Commands that never serve
// requests pass storeOnly.
func loadConfig(cmd *cobra.Command, flags *globalFlags, deps *Deps, storeOnly bool) (*config.Config, error) {
	file := flags.configFile
	if file == "" {
		if found, ok := xdg.FindConfig(deps.Getenv); ok {
			file = found
		}
	}
	return config.Load(config.Options{
		File:      file,
		DotEnv:    flags.envFile,
		Flags:     cmd.Flags(),
		StoreOnly: storeOnly,
		Getenv:    deps.Getenv,
	})
}
