package pg

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
)

// Migrations is a set of goose SQL files inside an embedded filesystem.
type Migrations struct {
	FS  fs.FS
	Dir string
}

// Migrate applies each migration set in order. goose only speaks
// database/sql, so the pool is bridged through pgx's stdlib adapter.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg Config, log *slog.Logger, sets ...Migrations) error {
	if len(sets) == 0 {
		return errors.Join(ErrFailedToApplyMigrations, ErrMigrationsNotProvided)
	}
	if log == nil {
		log = logger.Discard()
	}

	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil {
			log.ErrorContext(ctx, "failed to close migration connection", logger.Error(err))
		}
	}()

	goose.SetLogger(&gooseLogger{log: log})
	goose.SetTableName(cfg.MigrationsTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}

	for _, set := range sets {
		if set.FS == nil {
			return errors.Join(ErrFailedToApplyMigrations, ErrMigrationsNotProvided)
		}
		goose.SetBaseFS(set.FS)
		if err := goose.UpContext(ctx, db, set.Dir); err != nil {
			goose.SetBaseFS(nil)
			return errors.Join(ErrFailedToApplyMigrations, fmt.Errorf("dir %q: %w", set.Dir, err))
		}
	}
	goose.SetBaseFS(nil)

	return nil
}

// gooseLogger routes goose's Printf-style output into slog.
type gooseLogger struct {
	log *slog.Logger
}

func (a *gooseLogger) Fatalf(format string, v ...any) {
	a.log.Error(fmt.Sprintf(format, v...))
}

func (a *gooseLogger) Printf(format string, v ...any) {
	a.log.Info(fmt.Sprintf(format, v...))
}
