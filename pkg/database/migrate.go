package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// Migrator applies goose migrations embedded in fsys.
type Migrator struct {
	fsys   fs.FS
	dir    string
	logger *zap.Logger
}

// NewMigrator builds a Migrator reading SQL files from dir inside fsys.
func NewMigrator(fsys fs.FS, dir string, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		dir = "."
	}
	return &Migrator{fsys: fsys, dir: dir, logger: logger}
}

func (m *Migrator) prepare() error {
	goose.SetBaseFS(m.fsys)
	goose.SetLogger(gooseLogger{m.logger.Sugar()})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return nil
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context, db *sql.DB) error {
	if err := m.prepare(); err != nil {
		return err
	}
	from, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	if err := goose.UpContext(ctx, db, m.dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	to, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	m.logger.Info("migrations applied", zap.Int64("from_version", from), zap.Int64("to_version", to))
	return nil
}

// Down rolls back the given number of migrations.
func (m *Migrator) Down(ctx context.Context, db *sql.DB, steps int) error {
	if err := m.prepare(); err != nil {
		return err
	}
	if steps <= 0 {
		steps = 1
	}
	for i := 0; i < steps; i++ {
		if err := goose.DownContext(ctx, db, m.dir); err != nil {
			return fmt.Errorf("roll back migration: %w", err)
		}
	}
	m.logger.Info("migrations rolled back", zap.Int("steps", steps))
	return nil
}

// Status prints the state of every migration through the logger.
func (m *Migrator) Status(ctx context.Context, db *sql.DB) error {
	if err := m.prepare(); err != nil {
		return err
	}
	if err := goose.StatusContext(ctx, db, m.dir); err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	return nil
}

type gooseLogger struct {
	s *zap.SugaredLogger
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) { l.s.Fatalf(format, v...) }
func (l gooseLogger) Printf(format string, v ...interface{}) { l.s.Infof(format, v...) }
