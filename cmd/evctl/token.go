package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/evreserve/internal/auth"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject, role, secret string
		ttl                   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for local testing",
		Long: `Signs an HS256 token with the configured JWT secret. Production tokens come
from the identity provider; this is for development and smoke tests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return errors.New("no JWT secret: set JWT_SECRET or pass --secret")
			}
			token, err := auth.IssueToken(secret, subject, role, ttl)
			if err != nil {
				return fmt.Errorf("signing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id placed in the sub claim")
	cmd.Flags().StringVar(&role, "role", "driver", "role claim")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret, defaults to the configured one")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
