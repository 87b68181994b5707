package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/code-moran/grading-app-sub002/internal/repository"
	"github.com/code-moran/grading-app-sub002/internal/service"
	"github.com/code-moran/grading-app-sub002/pkg/database"
)

// newTokenCommand mints an access token for an existing user, which is
// handy for exercising the API locally.
func newTokenCommand() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logr, err := bootstrap()
			if err != nil {
				return err
			}
			defer logr.Sync() //nolint:errcheck

			db, err := database.NewPostgres(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			if ttl <= 0 {
				ttl = cfg.JWT.Expiration
			}
			auth := service.NewAuthService(repository.NewUserRepository(db), logr, service.AuthConfig{
				AccessTokenSecret: cfg.JWT.Secret,
				AccessTokenExpiry: ttl,
				Issuer:            cfg.JWT.Issuer,
			})
			token, expiresAt, err := auth.IssueAccessToken(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User ID to issue the token for")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to JWT_EXPIRATION)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
