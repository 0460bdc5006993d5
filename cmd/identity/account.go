// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/internal/logging"
	"github.com/holomush/identity/internal/observability"
)

func newAccountCmd(flags *globalFlags, deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Administer accounts",
	}

	// withService loads config, opens storage and wires the auth service.
	withService := func(cmd *cobra.Command, fn func(context.Context, *auth.Service) error) error {
		cfg, err := loadConfig(cmd, flags, deps, false)
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

		metrics := observability.NewMetrics(prometheus.NewRegistry())
		svc, err := buildServices(cfg, repos, nil, metrics, logger, deps.Now)
		if err != nil {
			return err
		}
		return fn(ctx, svc.auth)
	}

	var req auth.CreateAccountRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an account; the password is read from the first line of stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			req.Password = password
			return withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				account, err := svc.CreateAccount(ctx, req)
				if err != nil {
					return err
				}
				cmd.Printf("Created account %s (%s, %s)\n", account.ID, account.Username, account.Status)
				return nil
			})
		},
	}
	create.Flags().StringVar(&req.Username, "username", "", "username")
	create.Flags().StringVar(&req.Email, "email", "", "email address")
	create.Flags().StringSliceVar(&req.Roles, "role", nil, "role to grant (repeatable)")
	create.Flags().BoolVar(&req.Confirmed, "confirmed", false, "create the account active instead of pending confirmation")
	_ = create.MarkFlagRequired("username")
	_ = create.MarkFlagRequired("email")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "status ACCOUNT_ID STATUS",
		Short: "Set an account's status (active, inactive, locked, pending_verification)",
		Long: `Set an account's status. Moving an account to inactive or locked
revokes all of its refresh tokens.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ulid.Parse(args[0])
			if err != nil {
				return oops.Code("INVALID_ACCOUNT_ID").With("value", args[0]).Wrap(err)
			}
			status, err := auth.ParseAccountStatus(args[1])
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				if err := svc.SetStatus(ctx, id, status); err != nil {
					return err
				}
				slog.Debug("account status changed", "account_id", id.String(), "status", status.String())
				cmd.Printf("Account %s is now %s\n", id, status)
				return nil
			})
		},
	})

	return cmd
}

// readPassword reads one line from r without its line ending.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", oops.Code("PASSWORD_READ_FAILED").Wrap(err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", oops.Code("PASSWORD_REQUIRED").Wrapf(auth.ErrInvalidInput, "password must be provided on stdin")
	}
	return password, nil
}
