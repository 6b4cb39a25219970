package main

import (
	"context"
	"fmt"
	"time"

	"github.com/AnshMNSoni/NariKawach/internal/auth"

	"github.com/spf13/cobra"
)

func execute(deps mainDeps, args []string) error {
	cmd := newRootCmd(deps)
	cmd.SetArgs(args)
	return cmd.Execute()
}

// newRootCmd serves the API when called without a subcommand.
func newRootCmd(deps mainDeps) *cobra.Command {
	root := &cobra.Command{
		Use:   "narikawach",
		Short: "Nari Kawach safety API",
		Long: `narikawach runs the trip safety API: trip lifecycle, risk
monitoring, panic escalation and the live event stream.

Configuration is read from the environment (SERVER_PORT, POSTGRES_URL,
REDIS_ADDR, JWT_SECRET, RISK_SERVICE_URL, AMQP_URL, ...).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(deps)
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(deps)
			},
		},
		newMigrateCmd(deps),
		newTokenCmd(deps),
	)
	return root
}

func newMigrateCmd(deps mainDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.loadConfig()
			pool, err := deps.connectPostgres(cfg)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			applied, err := deps.migrate(ctx, pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			return nil
		},
	}
}

func newTokenCmd(deps mainDeps) *cobra.Command {
	var (
		userID string
		email  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a development access token",
		Long: `Sign an HS256 access token with JWT_SECRET. Useful for driving the
API and the demo simulator locally without an identity provider.

Example:
  narikawach token --user 6f1c... --email priya@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			svc := auth.NewService(deps.loadConfig().JWTSecret)
			token, err := svc.SignToken(userID, email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id placed in the sub claim")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DevTokenTTL, "token lifetime")
	return cmd
}
