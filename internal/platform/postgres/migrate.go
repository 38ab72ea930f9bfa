package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	name       TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migrate applies embedded migrations in lexical order, skipping those already recorded.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logf func(format string, args ...any)) error {
	if _, err := pool.Exec(ctx, migrationsTable); err != nil {
		return WrapError("create migrations table", err)
	}

	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("postgres: list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		var exists bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&exists); err != nil {
			return WrapError("check migration", err)
		}
		if exists {
			continue
		}
		sqlBytes, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}
		err = RunTransaction(ctx, pool, func(ctx context.Context) error {
			conn := Conn(ctx, pool)
			if _, err := conn.Exec(ctx, string(sqlBytes)); err != nil {
				return WrapError("apply migration "+name, err)
			}
			_, err := conn.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name)
			return WrapError("record migration "+name, err)
		})
		if err != nil {
			return err
		}
		if logf != nil {
			logf("migration %s applied", name)
		}
	}
	return nil
}
