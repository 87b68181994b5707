package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/code-moran/grading-app-sub002/internal/migrations"
	"github.com/code-moran/grading-app-sub002/pkg/database"
)

type migrationStep func(ctx context.Context, m *database.Migrator, db *sql.DB) error

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
		Long:  `Apply, roll back or inspect the embedded enrollment schema migrations.`,
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd.Context(), func(ctx context.Context, m *database.Migrator, db *sql.DB) error {
				return m.Down(ctx, db, steps)
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigration(cmd.Context(), func(ctx context.Context, m *database.Migrator, db *sql.DB) error {
					return m.Up(ctx, db)
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigration(cmd.Context(), func(ctx context.Context, m *database.Migrator, db *sql.DB) error {
					return m.Status(ctx, db)
				})
			},
		},
	)

	return cmd
}

func runMigration(ctx context.Context, step migrationStep) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logr, err := bootstrap()
	if err != nil {
		return err
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := step(ctx, database.NewMigrator(migrations.FS, ".", logr), db.DB); err != nil {
		logr.Error("migration command failed", zap.Error(err))
		return err
	}
	return nil
}
