// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/identity/internal/config"
	"github.com/holomush/identity/internal/store"
)

func newMigrateCmd(flags *globalFlags, deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long:  `Apply, roll back or inspect the embedded PostgreSQL schema migrations.`,
	}

	// withMigrator opens a migrator for the configured database and closes
	// it after fn.
	withMigrator := func(cmd *cobra.Command, fn func(Migrator) error) error {
		cfg, err := loadConfig(cmd, flags, deps, true)
		if err != nil {
			return err
		}
		if cfg.Store.Backend != config.StorePostgres {
			return oops.Code("MIGRATE_UNSUPPORTED").
				With("backend", cfg.Store.Backend).
				Errorf("migrations apply only to the postgres store")
		}
		m, err := deps.MigratorFactory(cfg.Store.DatabaseURL)
		if err != nil {
			return oops.Code("MIGRATION_INIT_FAILED").Wrap(err)
		}
		defer func() {
			if closeErr := m.Close(); closeErr != nil {
				slog.Warn("failed to close migrator", "error", closeErr)
			}
		}()
		return fn(m)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m Migrator) error {
				pending, err := m.PendingMigrations()
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					cmd.Println("Schema is up to date")
					return nil
				}
				if err := m.Up(); err != nil {
					return err
				}
				for _, v := range pending {
					name, _ := store.MigrationName(v) //nolint:errcheck // name is cosmetic
					cmd.Printf("Applied %s\n", orVersion(name, v))
				}
				return nil
			})
		},
	})

	var confirm bool
	down := &cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (all, or the given number of steps)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 0
			if len(args) == 1 {
				n, err := parseVersionArg(args[0])
				if err != nil {
					return err
				}
				steps = n
			}
			if steps == 0 && !confirm {
				return oops.Code("MIGRATE_CONFIRM_REQUIRED").
					Errorf("rolling back every migration drops all identity data; pass --yes to confirm")
			}
			return withMigrator(cmd, func(m Migrator) error {
				if steps == 0 {
					if err := m.Down(); err != nil {
						return err
					}
					cmd.Println("Rolled back all migrations")
					return nil
				}
				if err := m.Steps(-steps); err != nil {
					return err
				}
				cmd.Printf("Rolled back %d migration(s)\n", steps)
				return nil
			})
		},
	}
	down.Flags().BoolVar(&confirm, "yes", false, "confirm rolling back every migration")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m Migrator) error {
				v, dirty, err := m.Version()
				if err != nil {
					return err
				}
				pending, err := m.PendingMigrations()
				if err != nil {
					return err
				}
				state := "clean"
				if dirty {
					state = "dirty"
				}
				cmd.Printf("Version: %d (%s)\n", v, state)
				cmd.Printf("Pending: %d\n", len(pending))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Mark VERSION as applied without running it (dirty schema recovery)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVersionArg(args[0])
			if err != nil {
				return err
			}
			return withMigrator(cmd, func(m Migrator) error {
				if err := m.Force(v); err != nil {
					return err
				}
				cmd.Printf("Forced version %d\n", v)
				return nil
			})
		},
	})

	return cmd
}

// parseVersionArg parses a non-negative integer argument.
func parseVersionArg(s string) (int, error) {
	trimmed := strings.TrimSpace(s)
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < 0 {
		return 0, oops.Code("INVALID_VERSION").With("value", s).Errorf("expected a non-negative integer, got %q", s)
	}
	return n, nil
}

func orVersion(name string, v uint) string {
	if name != "" {
		return name
	}
	return strconv.FormatUint(uint64(v), 10)
}
