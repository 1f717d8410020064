package migrations

import (
	"context"
	"fmt"
	"os"

	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// migrationLockID serializes migrations of replicas sharing a database.
const migrationLockID int64 = 0x6f7263686d6967

func MigrateStore(ctx context.Context, db *gorm.DB, cfg *config.Config) error {
	goose.SetLogger(&logger{})

	fi, err := os.Stat(cfg.Service.MigrationFolder)
	if err != nil {
		return err
	}

	if !fi.Mode().IsDir() {
		return fmt.Errorf("failed to open migration folder: %s is not a folder", cfg.Service.MigrationFolder)
	}

	goose.SetBaseFS(os.DirFS(cfg.Service.MigrationFolder))

	dialect := "sqlite3"
	if cfg.Database.Type == "pgsql" {
		dialect = "postgres"

		unlock, err := lock(ctx, cfg)
		if err != nil {
			return fmt.Errorf("acquiring migration lock: %w", err)
		}
		defer unlock()
	}

	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	return goose.UpContext(ctx, sqlDB, ".")
}

// lock holds a postgres advisory lock on a dedicated connection until the
// returned func is called.
func lock(ctx context.Context, cfg *config.Config) (func(), error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s port=%s dbname=%s",
		cfg.Database.Hostname,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Port,
		cfg.Database.Name,
	)

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	return func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			zap.S().Named("migrations").Warnw("failed to release migration lock", "error", err)
		}
		_ = conn.Close(context.Background())
	}, nil
}

/*
logger implements goose.Logger interface

	type Logger interface {
		Fatalf(format string, v ...interface{})
		Printf(format string, v ...interface{})
	}
*/
type logger struct{}

func (m *logger) Printf(format string, v ...interface{}) { zap.S().Infof(format, v...) }
func (m *logger) Fatalf(format string, v ...interface{}) { zap.S().Fatalf(format, v...) }
